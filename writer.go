package cfile

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	// minBlockSize keeps at least two entries in every index block.
	minBlockSize = 64
	// maxBlockSize keeps encoded block sizes within a BlockPointer.
	maxBlockSize = 1 << 30
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// BlockSize is the target size in bytes of leaf and index blocks.
	// Blocks are flushed as soon as they reach this size.
	// Default: 256KiB, values above 1GiB are capped.
	BlockSize int
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 18
	} else if oo.BlockSize < minBlockSize {
		oo.BlockSize = minBlockSize
	} else if oo.BlockSize > maxBlockSize {
		oo.BlockSize = maxBlockSize
	}

	return &oo
}

// WritableFile is the storage medium a Writer appends blocks to.
type WritableFile interface {
	Append(p []byte) error
	Flush() error
	Sync() error
	Close() error
}

type writerState uint8

const (
	writerCreated writerState = iota
	writerStarted
	writerFinished
)

// Writer instances write a file of one or more trees. A Writer takes
// exclusive ownership of its file and closes it on Finish.
type Writer struct {
	f WritableFile
	o *WriterOptions

	state  writerState
	off    uint64
	err    error // sticky I/O error
	closed bool

	trees []*TreeBuilder
	ids   map[string]struct{}
}

// NewWriter wraps a file and returns a Writer.
func NewWriter(f WritableFile, o *WriterOptions) *Writer {
	return &Writer{
		f:   f,
		o:   o.norm(),
		ids: make(map[string]struct{}),
	}
}

// Start writes the file preamble.
func (w *Writer) Start() error {
	switch {
	case w.err != nil:
		return w.err
	case w.state == writerFinished:
		return errFinished
	case w.state != writerCreated:
		return errors.E(errors.Invalid, "cfile: writer already started")
	}

	if err := w.writeRaw(magic); err != nil {
		return err
	}
	w.state = writerStarted
	return nil
}

// AddTree registers a new tree and returns a builder for it.
func (w *Writer) AddTree(meta TreeMeta) (*TreeBuilder, error) {
	switch {
	case w.err != nil:
		return nil, w.err
	case w.state == writerFinished:
		return nil, errFinished
	case w.state != writerStarted:
		return nil, errNotStarted
	case meta.Identifier == "":
		return nil, errors.E(errors.Invalid, "cfile: tree identifier is empty")
	}

	if _, ok := w.ids[meta.Identifier]; ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cfile: tree %q already exists", meta.Identifier))
	}
	w.ids[meta.Identifier] = struct{}{}

	t := &TreeBuilder{
		w:    w,
		desc: treeDesc{TreeMeta: meta},
		data: NewIntBlockBuilder(w.o),
	}
	w.trees = append(w.trees, t)
	return t, nil
}

// Finish flushes all trees, writes the tree directory and footer and
// closes the file.
func (w *Writer) Finish() error {
	switch {
	case w.err != nil:
		w.abort()
		return w.err
	case w.state == writerFinished:
		return errFinished
	case w.state != writerStarted:
		return errNotStarted
	}
	w.state = writerFinished

	if err := w.finish(); err != nil {
		w.abort()
		return err
	}
	return nil
}

// abort releases the file after a failure.
func (w *Writer) abort() {
	if w.closed {
		return
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		log.Error.Printf("cfile: close after failure: %v", err)
	}
}

func (w *Writer) finish() error {
	descs := make([]*treeDesc, 0, len(w.trees))
	for _, t := range w.trees {
		if err := t.finish(); err != nil {
			return err
		}
		descs = append(descs, &t.desc)
	}

	dir, err := w.writeBlock(encodeDirectory(descs))
	if err != nil {
		return err
	}
	if err := w.writeRaw(appendFooter(nil, dir)); err != nil {
		return err
	}

	if err := w.f.Flush(); err != nil {
		return w.fail(err, "flush")
	}
	if err := w.f.Sync(); err != nil {
		return w.fail(err, "sync")
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		return w.fail(err, "close")
	}
	return nil
}

func (w *Writer) writeBlock(p []byte) (BlockPointer, error) {
	if uint64(len(p)) > math.MaxUint32 {
		w.err = errors.E(errors.Invalid, fmt.Sprintf("cfile: block of %d bytes exceeds the maximum size", len(p)))
		return BlockPointer{}, w.err
	}
	ptr := NewBlockPointer(w.off, uint32(len(p)))
	if err := w.writeRaw(p); err != nil {
		return BlockPointer{}, err
	}
	return ptr, nil
}

func (w *Writer) writeRaw(p []byte) error {
	if w.err != nil {
		return w.err
	}
	if err := w.f.Append(p); err != nil {
		return w.fail(err, "append")
	}
	w.off += uint64(len(p))
	return nil
}

func (w *Writer) fail(err error, op string) error {
	w.err = errors.E(err, fmt.Sprintf("cfile: %s at offset %d", op, w.off))
	return w.err
}

// --------------------------------------------------------------------

// TreeBuilder appends values to a single tree. Leaf blocks are flushed
// once they reach the configured block size and are indexed by the first
// value they contain.
type TreeBuilder struct {
	w    *Writer
	desc treeDesc

	data     *IntBlockBuilder
	firstKey uint32 // first value of the current leaf

	levels []*IndexBlockBuilder[uint32] // index levels, leaf-most first
	leaves int

	finished bool
}

// Identifier returns the tree identifier.
func (t *TreeBuilder) Identifier() string { return t.desc.Identifier }

// NumValues returns the number of appended values.
func (t *TreeBuilder) NumValues() uint64 { return t.desc.NumValues }

// Append appends a value to the tree. Values should be appended in
// non-decreasing order for lookups to work.
func (t *TreeBuilder) Append(v uint32) error {
	if t.w.err != nil {
		return t.w.err
	}
	if t.finished || t.w.state == writerFinished {
		return errFinished
	}

	if t.data.Count() == 0 {
		t.firstKey = v
	}
	t.data.Add(v)
	t.desc.NumValues++

	// leaves roll over at group boundaries only
	if t.data.Count()%4 == 0 && t.data.EstimateEncodedSize() >= t.w.o.BlockSize {
		return t.flushLeaf()
	}
	return nil
}

func (t *TreeBuilder) flushLeaf() error {
	ptr, err := t.w.writeBlock(t.data.Finish())
	if err != nil {
		return err
	}
	t.data.Reset()
	t.desc.LastLeaf = ptr
	t.leaves++

	return t.addIndexEntry(0, t.firstKey, ptr)
}

// addIndexEntry inserts an entry into the given index level, flushing the
// level into the next one once it is full.
func (t *TreeBuilder) addIndexEntry(level int, key uint32, ptr BlockPointer) error {
	if level == len(t.levels) {
		t.levels = append(t.levels, NewIndexBlockBuilder[uint32](t.w.o))
	}

	idx := t.levels[level]
	idx.Add(key, ptr)
	if idx.EstimateEncodedSize() >= t.w.o.BlockSize {
		return t.flushIndex(level)
	}
	return nil
}

func (t *TreeBuilder) flushIndex(level int) error {
	idx := t.levels[level]
	key := idx.firstKey()

	ptr, err := t.w.writeBlock(idx.Finish())
	if err != nil {
		return err
	}
	idx.Reset()

	return t.addIndexEntry(level+1, key, ptr)
}

func (t *TreeBuilder) finish() error {
	if t.finished {
		return nil
	}
	t.finished = true

	// a tree without index levels keeps its only leaf as root
	if len(t.levels) == 0 {
		ptr, err := t.w.writeBlock(t.data.Finish())
		if err != nil {
			return err
		}
		t.data.Reset()
		t.leaves++
		t.desc.Root, t.desc.LastLeaf = ptr, ptr
		t.logFinish()
		return nil
	}

	if t.data.Count() != 0 {
		if err := t.flushLeaf(); err != nil {
			return err
		}
	}

	// flush bottom-up, the top-most level becomes the root
	for level := 0; level < len(t.levels); level++ {
		idx := t.levels[level]
		if idx.Count() == 0 {
			continue
		}

		if level == len(t.levels)-1 {
			ptr, err := t.w.writeBlock(idx.Finish())
			if err != nil {
				return err
			}
			idx.Reset()
			t.desc.Root = ptr
			t.desc.Levels = len(t.levels)
			break
		}

		if err := t.flushIndex(level); err != nil {
			return err
		}
	}

	t.logFinish()
	return nil
}

func (t *TreeBuilder) logFinish() {
	log.Debug.Printf("cfile: tree %q finished: %d values, %d leaves, %d index levels, root %s",
		t.desc.Identifier, t.desc.NumValues, t.leaves, t.desc.Levels, t.desc.Root)
}
