package cfile

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// TreeMeta describes a tree registered with a Writer.
type TreeMeta struct {
	// Identifier names the tree within the file, it must be unique and non-empty.
	Identifier string
}

// treeDesc is the persisted description of a finished tree.
type treeDesc struct {
	TreeMeta

	NumValues uint64
	Levels    int          // number of index levels, 0 if Root is the only leaf
	Root      BlockPointer // root index block, or the only leaf
	LastLeaf  BlockPointer
}

// Tree record fields.
const (
	fieldTreeIdentifier protowire.Number = 1
	fieldTreeIDHash     protowire.Number = 2
	fieldTreeNumValues  protowire.Number = 3
	fieldTreeLevels     protowire.Number = 4
	fieldTreeRoot       protowire.Number = 5
	fieldTreeLastLeaf   protowire.Number = 6
)

// Directory fields.
const (
	fieldDirTree protowire.Number = 1
)

func treeHash(id string) uint64 { return xxhash.Sum64String(id) }

func (d *treeDesc) appendTo(dst []byte) []byte {
	var tmp [blockPointerSize]byte

	dst = protowire.AppendTag(dst, fieldTreeIdentifier, protowire.BytesType)
	dst = protowire.AppendString(dst, d.Identifier)
	dst = protowire.AppendTag(dst, fieldTreeIDHash, protowire.Fixed64Type)
	dst = protowire.AppendFixed64(dst, treeHash(d.Identifier))
	dst = protowire.AppendTag(dst, fieldTreeNumValues, protowire.VarintType)
	dst = protowire.AppendVarint(dst, d.NumValues)
	dst = protowire.AppendTag(dst, fieldTreeLevels, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(d.Levels))

	d.Root.put(tmp[:])
	dst = protowire.AppendTag(dst, fieldTreeRoot, protowire.BytesType)
	dst = protowire.AppendBytes(dst, tmp[:])

	d.LastLeaf.put(tmp[:])
	dst = protowire.AppendTag(dst, fieldTreeLastLeaf, protowire.BytesType)
	dst = protowire.AppendBytes(dst, tmp[:])
	return dst
}

func decodeTreeDesc(p []byte) (*treeDesc, error) {
	d := new(treeDesc)

	var hash uint64
	var hasHash, hasRoot, hasLeaf bool
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return nil, corruptMeta(protowire.ParseError(n))
		}
		p = p[n:]

		switch {
		case num == fieldTreeIdentifier && typ == protowire.BytesType:
			d.Identifier, n = protowire.ConsumeString(p)
		case num == fieldTreeIDHash && typ == protowire.Fixed64Type:
			hash, n = protowire.ConsumeFixed64(p)
			hasHash = true
		case num == fieldTreeNumValues && typ == protowire.VarintType:
			d.NumValues, n = protowire.ConsumeVarint(p)
		case num == fieldTreeLevels && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(p)
			d.Levels = int(v)
		case (num == fieldTreeRoot || num == fieldTreeLastLeaf) && typ == protowire.BytesType:
			var v []byte
			if v, n = protowire.ConsumeBytes(p); n >= 0 {
				if len(v) != blockPointerSize {
					return nil, corruptMeta(fmt.Errorf("block pointer of %d bytes", len(v)))
				}
				if num == fieldTreeRoot {
					d.Root, hasRoot = decodeBlockPointer(v), true
				} else {
					d.LastLeaf, hasLeaf = decodeBlockPointer(v), true
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, p)
		}
		if n < 0 {
			return nil, corruptMeta(protowire.ParseError(n))
		}
		p = p[n:]
	}

	switch {
	case d.Identifier == "":
		return nil, corruptMeta(fmt.Errorf("missing tree identifier"))
	case !hasRoot || !hasLeaf:
		return nil, corruptMeta(fmt.Errorf("tree %q has no root", d.Identifier))
	case hasHash && hash != treeHash(d.Identifier):
		return nil, corruptMeta(fmt.Errorf("tree %q identifier hash mismatch", d.Identifier))
	}
	return d, nil
}

func encodeDirectory(trees []*treeDesc) []byte {
	var dst, rec []byte
	for _, d := range trees {
		rec = d.appendTo(rec[:0])
		dst = protowire.AppendTag(dst, fieldDirTree, protowire.BytesType)
		dst = protowire.AppendBytes(dst, rec)
	}
	return dst
}

func decodeDirectory(p []byte) ([]*treeDesc, error) {
	var trees []*treeDesc
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return nil, corruptMeta(protowire.ParseError(n))
		}
		p = p[n:]

		if num == fieldDirTree && typ == protowire.BytesType {
			var rec []byte
			if rec, n = protowire.ConsumeBytes(p); n >= 0 {
				d, err := decodeTreeDesc(rec)
				if err != nil {
					return nil, err
				}
				trees = append(trees, d)
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, p)
		}
		if n < 0 {
			return nil, corruptMeta(protowire.ParseError(n))
		}
		p = p[n:]
	}
	return trees, nil
}

// --------------------------------------------------------------------

func appendFooter(dst []byte, dir BlockPointer) []byte {
	dst = dir.appendTo(dst)
	return append(dst, magic...)
}

func decodeFooter(p []byte) (BlockPointer, error) {
	if len(p) != footerSize || !bytes.Equal(p[blockPointerSize:], magic) {
		return BlockPointer{}, errBadMagic
	}
	return decodeBlockPointer(p), nil
}

func corruptMeta(err error) error {
	return errors.E(errors.Integrity, err, "cfile: invalid tree directory")
}
