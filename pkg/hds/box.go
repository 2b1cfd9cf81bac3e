package hds

import (
	"encoding/binary"
	"fmt"
)

// boxHeaderSize is the size of a standard (non-extended) ISO-BMFF-style box
// header: 4 bytes length + 4 bytes type.
const boxHeaderSize = 8

// extendedSizeFieldLen is the size of the optional 64-bit extended length
// field present when the 32-bit size field reads 1.
const extendedSizeFieldLen = 8

// mdatTag is the 4-byte ASCII type of the media-data box.
const mdatTag = "mdat"

// boxHeader describes one length/tag box as laid out in a fragment payload.
type boxHeader struct {
	// Size is the total box size (header + payload) in bytes.
	Size uint64
	// Type is the 4-character ASCII box type.
	Type string
	// HeaderLen is the number of bytes consumed by size+type(+extended size).
	HeaderLen int
}

// peekBoxHeader reads a box header at the start of data without consuming
// anything beyond the header itself.
func peekBoxHeader(data []byte) (boxHeader, error) {
	if len(data) < boxHeaderSize {
		return boxHeader{}, fmt.Errorf("%w: need %d bytes for box header, have %d", ErrBoxTruncated, boxHeaderSize, len(data))
	}

	size := uint64(binary.BigEndian.Uint32(data[0:4]))
	typ := string(data[4:8])
	headerLen := boxHeaderSize

	if size == 1 {
		if len(data) < boxHeaderSize+extendedSizeFieldLen {
			return boxHeader{}, fmt.Errorf("%w: need extended size field", ErrBoxTruncated)
		}
		size = binary.BigEndian.Uint64(data[8:16])
		headerLen = boxHeaderSize + extendedSizeFieldLen
	} else if size == 0 {
		return boxHeader{}, fmt.Errorf("%w: box %q declares size 0", ErrBoxTruncated, typ)
	}

	if size < uint64(headerLen) {
		return boxHeader{}, fmt.Errorf("%w: box %q size %d smaller than its own header", ErrBoxTruncated, typ, size)
	}

	return boxHeader{Size: size, Type: typ, HeaderLen: headerLen}, nil
}

// locateMdat walks the length-prefixed boxes in data looking for the first
// mdat box, returning a slice over its payload (excluding the mdat box's own
// header). It does not interpret any other box type - every non-mdat box is
// skipped purely by its declared size.
//
// If no mdat is found before the buffer is exhausted, or a box header would
// overrun the remaining bytes, locateMdat returns ErrNoMdat/ErrBoxTruncated
// and the caller falls back to treating the whole buffer as payload (see
// ChunkPipeline's download worker).
func locateMdat(data []byte) ([]byte, error) {
	offset := 0
	for offset < len(data) {
		hdr, err := peekBoxHeader(data[offset:])
		if err != nil {
			return nil, err
		}

		if offset+int(hdr.Size) > len(data) {
			// The declared box runs past the end of the buffer. If it's the
			// mdat itself, HDS fragments are frequently delivered without a
			// trailing box after mdat and its declared size can be padded or
			// wrong; take everything that remains as payload.
			if hdr.Type == mdatTag {
				return data[offset+hdr.HeaderLen:], nil
			}
			return nil, fmt.Errorf("%w: box %q (size %d) overruns buffer of %d bytes", ErrBoxTruncated, hdr.Type, hdr.Size, len(data))
		}

		if hdr.Type == mdatTag {
			return data[offset+hdr.HeaderLen : offset+int(hdr.Size)], nil
		}

		offset += int(hdr.Size)
	}

	return nil, ErrNoMdat
}
