package cfile

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

const indexBlockHeaderSize = 4 + 1 // entry count + key width

// Key is the set of key types an index block can hold.
type Key interface {
	~uint32 | ~uint64
}

func keyWidth[K Key]() int {
	var k K
	return binary.Size(k)
}

func putKey[K Key](p []byte, k K, w int) {
	if w == 4 {
		order.PutUint32(p, uint32(k))
	} else {
		order.PutUint64(p, uint64(k))
	}
}

func getKey[K Key](p []byte, w int) K {
	if w == 4 {
		return K(order.Uint32(p))
	}
	return K(order.Uint64(p))
}

// IndexBlockBuilder accumulates key/pointer entries and encodes them into an
// index block. Keys must be added in non-decreasing order, which is not
// validated.
type IndexBlockBuilder[K Key] struct {
	keys  []K
	ptrs  []BlockPointer
	kw    int
	state builderState
	buf   []byte
}

// NewIndexBlockBuilder inits a new builder.
func NewIndexBlockBuilder[K Key](o *WriterOptions) *IndexBlockBuilder[K] {
	o = o.norm()
	kw := keyWidth[K]()
	n := o.BlockSize/(kw+blockPointerSize) + 1
	return &IndexBlockBuilder[K]{
		keys: make([]K, 0, n),
		ptrs: make([]BlockPointer, 0, n),
		kw:   kw,
	}
}

// Add appends an entry. It panics if called after Finish without a Reset.
func (b *IndexBlockBuilder[K]) Add(key K, ptr BlockPointer) {
	if b.state == builderFinished {
		panic("cfile: Add called after Finish")
	}
	b.state = builderAccumulating
	b.keys = append(b.keys, key)
	b.ptrs = append(b.ptrs, ptr)
}

// Count returns the number of entries.
func (b *IndexBlockBuilder[K]) Count() int { return len(b.keys) }

// EstimateEncodedSize returns the size of the finished block. Entries are
// fixed-stride, so the estimate is exact.
func (b *IndexBlockBuilder[K]) EstimateEncodedSize() int {
	return indexBlockHeaderSize + len(b.keys)*(b.kw+blockPointerSize)
}

// Finish encodes the entries and returns the block. The returned slice is
// valid until the next Reset.
func (b *IndexBlockBuilder[K]) Finish() []byte {
	if b.state == builderFinished {
		return b.buf
	}
	b.state = builderFinished

	sz := b.EstimateEncodedSize()
	if cap(b.buf) < sz {
		b.buf = make([]byte, sz)
	} else {
		b.buf = b.buf[:sz]
	}

	order.PutUint32(b.buf[0:], uint32(len(b.keys)))
	b.buf[4] = byte(b.kw)

	pos := indexBlockHeaderSize
	for _, k := range b.keys {
		putKey(b.buf[pos:], k, b.kw)
		pos += b.kw
	}
	for _, p := range b.ptrs {
		p.put(b.buf[pos:])
		pos += blockPointerSize
	}
	return b.buf
}

// Reset clears all entries.
func (b *IndexBlockBuilder[K]) Reset() {
	b.keys = b.keys[:0]
	b.ptrs = b.ptrs[:0]
	b.state = builderEmpty
}

// firstKey returns the key of the first entry. The builder must not be empty.
func (b *IndexBlockBuilder[K]) firstKey() K { return b.keys[0] }

// --------------------------------------------------------------------

// IndexBlockReader searches an encoded index block. The reader never
// modifies its buffer and, once parsed, is safe for concurrent use.
type IndexBlockReader[K Key] struct {
	p      []byte
	kw     int
	n      int
	keys   []byte
	ptrs   []byte
	parsed bool
}

// NewIndexBlockReader wraps an encoded block. Parse must be called before
// the reader can be used.
func NewIndexBlockReader[K Key](p []byte) *IndexBlockReader[K] {
	return &IndexBlockReader[K]{p: p, kw: keyWidth[K]()}
}

// Parse validates the block structure.
func (r *IndexBlockReader[K]) Parse() error {
	if len(r.p) < indexBlockHeaderSize {
		return errors.E(errors.Integrity, fmt.Sprintf("cfile: index block too small (%d bytes)", len(r.p)))
	}
	if kw := int(r.p[4]); kw != r.kw {
		return errors.E(errors.Integrity, fmt.Sprintf("cfile: index block key width %d, expected %d", kw, r.kw))
	}

	n := order.Uint32(r.p[0:])
	body := uint64(len(r.p) - indexBlockHeaderSize)
	if uint64(n)*uint64(r.kw+blockPointerSize) != body {
		return errors.E(errors.Integrity, fmt.Sprintf("cfile: index block of %d bytes cannot hold %d entries", len(r.p), n))
	}

	r.n = int(n)
	r.keys = r.p[indexBlockHeaderSize : indexBlockHeaderSize+r.n*r.kw]
	r.ptrs = r.p[indexBlockHeaderSize+r.n*r.kw:]
	r.parsed = true
	return nil
}

// Count returns the number of entries.
func (r *IndexBlockReader[K]) Count() int { return r.n }

// Key returns the key of the i-th entry.
func (r *IndexBlockReader[K]) Key(i int) K {
	r.mustParsed()
	return getKey[K](r.keys[i*r.kw:], r.kw)
}

// Pointer returns the block pointer of the i-th entry.
func (r *IndexBlockReader[K]) Pointer(i int) BlockPointer {
	r.mustParsed()
	return decodeBlockPointer(r.ptrs[i*blockPointerSize:])
}

// Search returns the pointer of the last entry with a key <= key. It
// returns a not-found error if key is less than the first entry's key.
func (r *IndexBlockReader[K]) Search(key K) (BlockPointer, error) {
	if !r.parsed {
		return BlockPointer{}, errNotParsed
	}

	// first entry with a key > key
	pos := sort.Search(r.n, func(i int) bool {
		return r.Key(i) > key
	})
	if pos == 0 {
		return BlockPointer{}, errNoPredecessor
	}
	return r.Pointer(pos - 1), nil
}

// seekPos returns the position of the entry which may hold the first value
// >= key, that is the last entry with a key < key, or 0.
func (r *IndexBlockReader[K]) seekPos(key K) int {
	pos := sort.Search(r.n, func(i int) bool {
		return r.Key(i) >= key
	})
	if pos > 0 {
		pos--
	}
	return pos
}

func (r *IndexBlockReader[K]) mustParsed() {
	if !r.parsed {
		panic("cfile: index block is not parsed")
	}
}
