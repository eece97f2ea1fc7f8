package cfile

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

var magic = []byte{99, 102, 105, 108, 101, 1, 213, 71}

var order = binary.LittleEndian

const (
	magicSize        = 8
	blockPointerSize = 8 + 4
	footerSize       = blockPointerSize + magicSize
)

var (
	errFinished      = errors.E(errors.Invalid, "cfile: writer is finished")
	errNotStarted    = errors.E(errors.Invalid, "cfile: writer is not started")
	errNotParsed     = errors.E(errors.Invalid, "cfile: index block is not parsed")
	errBadMagic      = errors.E(errors.Integrity, "cfile: bad magic byte sequence")
	errReleased      = errors.E(errors.Invalid, "cfile: iterator was released")
	errNoPredecessor = errors.E(errors.NotExist, "cfile: key precedes the first entry")
)

// IsNotFound returns true if err signals that a key or tree could not be found.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(errors.NotExist, err)
}

// IsCorrupt returns true if err signals a malformed block or file.
func IsCorrupt(err error) bool {
	return err != nil && errors.Is(errors.Integrity, err)
}

// --------------------------------------------------------------------

// BlockPointer locates a block within the storage medium.
type BlockPointer struct {
	offset uint64
	size   uint32
}

// NewBlockPointer returns a pointer to the block of size bytes at offset.
func NewBlockPointer(offset uint64, size uint32) BlockPointer {
	return BlockPointer{offset: offset, size: size}
}

// Offset returns the position of the block.
func (p BlockPointer) Offset() uint64 { return p.offset }

// Size returns the length of the block in bytes.
func (p BlockPointer) Size() uint32 { return p.size }

// String implements fmt.Stringer.
func (p BlockPointer) String() string {
	return fmt.Sprintf("[%d+%d]", p.offset, p.size)
}

func (p BlockPointer) end() uint64 { return p.offset + uint64(p.size) }

func (p BlockPointer) appendTo(dst []byte) []byte {
	dst = order.AppendUint64(dst, p.offset)
	return order.AppendUint32(dst, p.size)
}

func (p BlockPointer) put(dst []byte) {
	order.PutUint64(dst[0:], p.offset)
	order.PutUint32(dst[8:], p.size)
}

func decodeBlockPointer(p []byte) BlockPointer {
	return BlockPointer{
		offset: order.Uint64(p[0:]),
		size:   order.Uint32(p[8:]),
	}
}
