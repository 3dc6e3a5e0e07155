package layout

import (
	"github.com/wippyai/partial/internal/abi"
)

// Info is the computed layout of one type.
type Info struct {
	Offsets []uint32
	Size    uint32
	Align   uint32
}

// Record lays out members sequentially.
func Record(members []Info) Info {
	if len(members) == 0 {
		return Info{Size: 0, Align: 1}
	}

	offsets := make([]uint32, len(members))
	maxAlign := uint32(1)
	offset := uint32(0)

	for i, m := range members {
		align := max(m.Align, 1)
		offset = abi.AlignTo(offset, align)
		offsets[i] = offset

		if align > maxAlign {
			maxAlign = align
		}

		offset += m.Size
	}

	return Info{
		Size:    abi.AlignTo(offset, maxAlign),
		Align:   maxAlign,
		Offsets: offsets,
	}
}

// Tagged lays out a 1-byte tag followed by the largest of the payloads.
// Offsets holds the single payload offset.
func Tagged(payloads ...Info) Info {
	maxAlign := uint32(1)
	maxSize := uint32(0)
	for _, p := range payloads {
		if p.Align > maxAlign {
			maxAlign = p.Align
		}
		if p.Size > maxSize {
			maxSize = p.Size
		}
	}

	payloadOffset := abi.AlignTo(1, maxAlign)
	return Info{
		Size:    abi.AlignTo(payloadOffset+maxSize, maxAlign),
		Align:   maxAlign,
		Offsets: []uint32{payloadOffset},
	}
}

// Enum lays out a tag of tagSize bytes followed, per variant, by that variant's
// fields. It returns the union layout and the field offsets of every variant.
func Enum(tagSize uint32, variants [][]Info) (Info, [][]uint32) {
	tag := Info{Size: tagSize, Align: max(tagSize, 1)}
	maxAlign := tag.Align
	maxSize := tagSize
	offsets := make([][]uint32, len(variants))

	for i, fields := range variants {
		rec := Record(append([]Info{tag}, fields...))
		offsets[i] = rec.Offsets[1:]
		if rec.Align > maxAlign {
			maxAlign = rec.Align
		}
		if rec.Size > maxSize {
			maxSize = rec.Size
		}
	}

	return Info{
		Size:  abi.AlignTo(maxSize, maxAlign),
		Align: maxAlign,
	}, offsets
}

// Stride is the distance between consecutive elements of a contiguous sequence.
func Stride(elem Info) uint32 {
	return abi.AlignTo(elem.Size, max(elem.Align, 1))
}

// Array lays out n elements contiguously. ok is false on size overflow.
func Array(elem Info, n uint32) (Info, bool) {
	size, ok := abi.SafeMulU32(Stride(elem), n)
	if !ok {
		return Info{}, false
	}
	return Info{Size: size, Align: max(elem.Align, 1)}, true
}

// RcHeader is the size of the {strong, weak} counter block in front of
// reference-counted values.
const RcHeader = 8

// RcValueOffset is where the value sits inside a reference-counted block.
func RcValueOffset(elem Info) uint32 {
	return abi.AlignTo(RcHeader, max(elem.Align, 1))
}
