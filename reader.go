package cfile

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
)

// Reader instances can look up trees and search values within them.
type Reader struct {
	r    io.ReaderAt
	size int64

	trees  []*treeDesc
	byHash map[uint64][]*treeDesc
}

// NewReader opens a reader.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	if size < int64(magicSize+footerSize) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("cfile: file too small (%d bytes)", size))
	}

	// check header
	tmp := make([]byte, footerSize)
	if _, err := r.ReadAt(tmp[:magicSize], 0); err != nil {
		return nil, errors.E(err, "cfile: read header")
	}
	if !bytes.Equal(tmp[:magicSize], magic) {
		return nil, errBadMagic
	}

	// read footer
	footerOffset := size - footerSize
	if _, err := r.ReadAt(tmp, footerOffset); err != nil {
		return nil, errors.E(err, "cfile: read footer")
	}
	dirPtr, err := decodeFooter(tmp)
	if err != nil {
		return nil, err
	}
	if dirPtr.offset < magicSize || dirPtr.end() > uint64(footerOffset) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("cfile: tree directory %s out of bounds", dirPtr))
	}

	// read directory
	dir := make([]byte, dirPtr.size)
	if _, err := r.ReadAt(dir, int64(dirPtr.offset)); err != nil {
		return nil, errors.E(err, "cfile: read tree directory")
	}
	trees, err := decodeDirectory(dir)
	if err != nil {
		return nil, err
	}

	byHash := make(map[uint64][]*treeDesc, len(trees))
	for _, d := range trees {
		if d.Root.end() > dirPtr.offset || d.LastLeaf.end() > dirPtr.offset {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("cfile: tree %q points beyond its data", d.Identifier))
		}
		h := treeHash(d.Identifier)
		byHash[h] = append(byHash[h], d)
	}

	return &Reader{
		r:    r,
		size: size,

		trees:  trees,
		byHash: byHash,
	}, nil
}

// NumTrees returns the number of stored trees.
func (r *Reader) NumTrees() int {
	return len(r.trees)
}

// Identifiers returns the identifiers of all trees, in write order.
func (r *Reader) Identifiers() []string {
	ids := make([]string, 0, len(r.trees))
	for _, d := range r.trees {
		ids = append(ids, d.Identifier)
	}
	return ids
}

// Tree returns a reader for the tree with the given identifier.
// It may return a not-found error.
func (r *Reader) Tree(id string) (*TreeReader, error) {
	for _, d := range r.byHash[treeHash(id)] {
		if d.Identifier == id {
			return &TreeReader{r: r, desc: d}, nil
		}
	}
	return nil, errors.E(errors.NotExist, fmt.Sprintf("cfile: tree %q", id))
}

func (r *Reader) readBlock(dst []byte, ptr BlockPointer) ([]byte, error) {
	if cap(dst) < int(ptr.size) {
		dst = make([]byte, ptr.size)
	} else {
		dst = dst[:ptr.size]
	}
	if _, err := r.r.ReadAt(dst, int64(ptr.offset)); err != nil {
		return dst, errors.E(err, fmt.Sprintf("cfile: read block %s", ptr))
	}
	return dst, nil
}

func (r *Reader) readIndexBlock(ptr BlockPointer) (*IndexBlockReader[uint32], error) {
	p, err := r.readBlock(nil, ptr)
	if err != nil {
		return nil, err
	}

	idx := NewIndexBlockReader[uint32](p)
	if err := idx.Parse(); err != nil {
		return nil, errors.E(err, fmt.Sprintf("cfile: index block %s", ptr))
	}
	if idx.Count() == 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("cfile: index block %s is empty", ptr))
	}
	return idx, nil
}

// --------------------------------------------------------------------

// TreeReader searches a single tree.
type TreeReader struct {
	r    *Reader
	desc *treeDesc
}

// Identifier returns the tree identifier.
func (t *TreeReader) Identifier() string { return t.desc.Identifier }

// NumValues returns the number of values stored in the tree.
func (t *TreeReader) NumValues() uint64 { return t.desc.NumValues }

// Levels returns the number of index levels above the leaves.
func (t *TreeReader) Levels() int { return t.desc.Levels }

// Root returns the root block, an index block or the only leaf if Levels
// is zero.
func (t *TreeReader) Root() BlockPointer { return t.desc.Root }

// SearchBlock routes key through the index chain and returns the leaf block
// which may contain it. It returns a not-found error if key is less than
// the first value of the tree.
func (t *TreeReader) SearchBlock(key uint32) (BlockPointer, error) {
	if t.desc.NumValues == 0 {
		return BlockPointer{}, errors.E(errors.NotExist, fmt.Sprintf("cfile: tree %q is empty", t.desc.Identifier))
	}

	ptr := t.desc.Root
	if t.desc.Levels == 0 {
		first, err := t.firstValue(ptr)
		if err != nil {
			return BlockPointer{}, err
		}
		if key < first {
			return BlockPointer{}, errNoPredecessor
		}
		return ptr, nil
	}

	for level := 0; level < t.desc.Levels; level++ {
		idx, err := t.r.readIndexBlock(ptr)
		if err != nil {
			return BlockPointer{}, err
		}
		if ptr, err = idx.Search(key); err != nil {
			return BlockPointer{}, err
		}
	}
	return ptr, nil
}

// Contains returns true if key is stored in the tree.
func (t *TreeReader) Contains(key uint32) (bool, error) {
	iter, err := t.Seek(key)
	if err != nil {
		return false, err
	}
	defer iter.Release()

	if !iter.Next() {
		return false, iter.Err()
	}
	return iter.Value() == key, nil
}

// Seek returns an iterator starting at the first value >= key.
func (t *TreeReader) Seek(key uint32) (*Iterator, error) {
	iter := &Iterator{t: t}
	if t.desc.NumValues == 0 {
		return iter, nil
	}

	ptr := t.desc.Root
	for level := 0; level < t.desc.Levels; level++ {
		idx, err := t.r.readIndexBlock(ptr)
		if err != nil {
			return nil, err
		}
		pos := idx.seekPos(key)
		iter.stack = append(iter.stack, iterLevel{idx: idx, pos: pos})
		ptr = idx.Pointer(pos)
	}

	if err := iter.load(ptr); err != nil {
		return nil, err
	}
	iter.pos = sort.Search(len(iter.vals), func(i int) bool {
		return iter.vals[i] >= key
	})
	return iter, nil
}

// firstValue decodes the first group of a leaf block only.
func (t *TreeReader) firstValue(ptr BlockPointer) (uint32, error) {
	n := ptr.size
	if n > MaxGroupVarint32Len {
		n = MaxGroupVarint32Len
	}

	var tmp [MaxGroupVarint32Len]byte
	p, err := t.r.readBlock(tmp[:0], NewBlockPointer(ptr.offset, n))
	if err != nil {
		return 0, err
	}

	v, sz := DecodeGroupVarint32(p)
	if sz == 0 {
		return 0, errors.E(errors.Integrity, fmt.Sprintf("cfile: truncated leaf block %s", ptr))
	}
	return v[0], nil
}

// readLeaf decodes the valid values of a leaf block.
func (t *TreeReader) readLeaf(dst []uint32, ptr BlockPointer) ([]uint32, error) {
	raw, err := t.r.readBlock(fetchBuffer(int(ptr.size)), ptr)
	defer releaseBuffer(raw)
	if err != nil {
		return dst, err
	}

	vals, err := DecodeIntBlock(dst[:0], raw)
	if err != nil {
		return vals, errors.E(err, fmt.Sprintf("cfile: leaf block %s", ptr))
	}

	// only the last leaf holds a partial group
	if ptr == t.desc.LastLeaf {
		switch n := int(t.desc.NumValues % 4); {
		case t.desc.NumValues == 0:
			vals = vals[:0]
		case n != 0 && len(vals) >= 4:
			vals = vals[:len(vals)-4+n]
		}
	}
	if len(vals) == 0 && t.desc.NumValues != 0 {
		return vals, errors.E(errors.Integrity, fmt.Sprintf("cfile: leaf block %s is empty", ptr))
	}
	return vals, nil
}

// --------------------------------------------------------------------

type iterLevel struct {
	idx *IndexBlockReader[uint32]
	pos int
}

// Iterator iterates over values of a tree in ascending order.
type Iterator struct {
	t     *TreeReader
	stack []iterLevel // index levels, root first

	vals []uint32
	pos  int
	cur  uint32

	err error
}

// Next advances the cursor to the next value and returns true if successful.
func (i *Iterator) Next() bool {
	if i.err != nil {
		return false
	}

	for i.pos >= len(i.vals) {
		if !i.nextLeaf() {
			return false
		}
	}

	i.cur = i.vals[i.pos]
	i.pos++
	return true
}

// Value returns the current value.
func (i *Iterator) Value() uint32 { return i.cur }

// Err exposes iterator errors, if any.
func (i *Iterator) Err() error {
	return i.err
}

// Release releases the iterator. The iterator must not be used after this
// method is called.
func (i *Iterator) Release() {
	i.stack = nil
	i.vals = nil
	i.err = errReleased
}

func (i *Iterator) load(ptr BlockPointer) error {
	vals, err := i.t.readLeaf(i.vals, ptr)
	if err != nil {
		i.err = err
		return err
	}
	i.vals = vals
	i.pos = 0
	return nil
}

// nextLeaf moves to the following leaf block.
func (i *Iterator) nextLeaf() bool {
	// find the deepest level with a following entry
	depth := len(i.stack) - 1
	for ; depth >= 0; depth-- {
		if lv := &i.stack[depth]; lv.pos+1 < lv.idx.Count() {
			lv.pos++
			break
		}
	}
	if depth < 0 {
		i.vals = i.vals[:0]
		i.pos = 0
		return false
	}

	// descend along the left-most path
	ptr := i.stack[depth].idx.Pointer(i.stack[depth].pos)
	for d := depth + 1; d < len(i.stack); d++ {
		idx, err := i.t.r.readIndexBlock(ptr)
		if err != nil {
			i.err = err
			return false
		}
		i.stack[d] = iterLevel{idx: idx}
		ptr = idx.Pointer(0)
	}
	return i.load(ptr) == nil
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
