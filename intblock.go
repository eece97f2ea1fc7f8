package cfile

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// emptyIntBlock is the encoding of a block without any values.
var emptyIntBlock = []byte{0, 0, 0, 0, 0}

type builderState uint8

const (
	builderEmpty builderState = iota
	builderAccumulating
	builderFinished
)

// IntBlockBuilder encodes a sequence of uint32 values into a block of
// group-varint groups. Values are encoded eagerly, four at a time.
type IntBlockBuilder struct {
	buf     []byte
	pending [4]uint32
	npend   int
	count   int
	state   builderState
}

// NewIntBlockBuilder inits a new builder, sized for the configured block size.
func NewIntBlockBuilder(o *WriterOptions) *IntBlockBuilder {
	o = o.norm()
	return &IntBlockBuilder{
		buf: make([]byte, 0, o.BlockSize+MaxGroupVarint32Len),
	}
}

// Add appends a value. It panics if called after Finish without a Reset.
func (b *IntBlockBuilder) Add(v uint32) {
	if b.state == builderFinished {
		panic("cfile: Add called after Finish")
	}
	b.state = builderAccumulating

	b.pending[b.npend] = v
	b.npend++
	b.count++

	if b.npend == 4 {
		b.buf = AppendGroupVarint32(b.buf, b.pending[0], b.pending[1], b.pending[2], b.pending[3])
		b.npend = 0
	}
}

// Count returns the number of values added since the last reset.
func (b *IntBlockBuilder) Count() int { return b.count }

// EstimateEncodedSize returns an upper bound for the size of the finished block.
func (b *IntBlockBuilder) EstimateEncodedSize() int {
	switch {
	case b.state == builderFinished:
		return len(b.buf)
	case b.count == 0:
		return len(emptyIntBlock)
	case b.npend != 0:
		return len(b.buf) + 1 + 4*b.npend + (4 - b.npend)
	default:
		return len(b.buf)
	}
}

// Finish completes the block and returns its encoded bytes. A trailing
// partial group is padded with zeros; the number of valid values must be
// tracked by the caller. The returned slice is valid until the next Reset.
//
// Calling Finish more than once without a Reset is not supported, the
// current implementation returns the same buffer again.
func (b *IntBlockBuilder) Finish() []byte {
	if b.state == builderFinished {
		return b.buf
	}
	b.state = builderFinished

	if b.count == 0 {
		b.buf = append(b.buf[:0], emptyIntBlock...)
		return b.buf
	}

	if b.npend != 0 {
		for i := b.npend; i < 4; i++ {
			b.pending[i] = 0
		}
		b.buf = AppendGroupVarint32(b.buf, b.pending[0], b.pending[1], b.pending[2], b.pending[3])
		b.npend = 0
	}
	return b.buf
}

// Reset clears the builder so it can encode a new block.
func (b *IntBlockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.pending = [4]uint32{}
	b.npend = 0
	b.count = 0
	b.state = builderEmpty
}

// DecodeIntBlock appends all values stored in block to dst. Padding values
// of a trailing partial group are included.
func DecodeIntBlock(dst []uint32, block []byte) ([]uint32, error) {
	for pos := 0; pos < len(block); {
		v, n := DecodeGroupVarint32(block[pos:])
		if n == 0 {
			return dst, errors.E(errors.Integrity, fmt.Sprintf("cfile: truncated int block group at %d/%d", pos, len(block)))
		}
		dst = append(dst, v[:]...)
		pos += n
	}
	return dst, nil
}
