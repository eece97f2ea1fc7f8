package cfile

// MaxGroupVarint32Len is the maximum encoded size of a group of four uint32 values.
const MaxGroupVarint32Len = 1 + 4*4

// AppendGroupVarint32 appends the group-varint encoding of a, b, c and d to dst
// and returns the extended buffer.
func AppendGroupVarint32(dst []byte, a, b, c, d uint32) []byte {
	wa, wb, wc, wd := uint32Width(a), uint32Width(b), uint32Width(c), uint32Width(d)

	dst = append(dst, byte((wa-1)<<6|(wb-1)<<4|(wc-1)<<2|(wd-1)))
	dst = appendUint32Width(dst, a, wa)
	dst = appendUint32Width(dst, b, wb)
	dst = appendUint32Width(dst, c, wc)
	dst = appendUint32Width(dst, d, wd)
	return dst
}

// DecodeGroupVarint32 decodes a single group from the beginning of src and
// returns the four values along with the number of bytes consumed.
// If src is too short, n is 0.
func DecodeGroupVarint32(src []byte) (v [4]uint32, n int) {
	if len(src) == 0 {
		return v, 0
	}

	hdr := src[0]
	if len(src) < GroupVarint32Size(hdr) {
		return v, 0
	}

	n = 1
	for i := 0; i < 4; i++ {
		w := groupWidth(hdr, i)
		for j := w - 1; j >= 0; j-- {
			v[i] = v[i]<<8 | uint32(src[n+j])
		}
		n += w
	}
	return v, n
}

// GroupVarint32Size returns the total encoded size of a group with the
// given header byte.
func GroupVarint32Size(hdr byte) int {
	return 1 + groupWidth(hdr, 0) + groupWidth(hdr, 1) + groupWidth(hdr, 2) + groupWidth(hdr, 3)
}

// width of the i-th value described by the header
func groupWidth(hdr byte, i int) int {
	return int(hdr>>(6-2*uint(i)))&3 + 1
}

// minimal number of bytes (1..4) needed to hold v
func uint32Width(v uint32) uint32 {
	switch {
	case v < 1<<8:
		return 1
	case v < 1<<16:
		return 2
	case v < 1<<24:
		return 3
	default:
		return 4
	}
}

func appendUint32Width(dst []byte, v, w uint32) []byte {
	for i := uint32(0); i < w; i++ {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}
