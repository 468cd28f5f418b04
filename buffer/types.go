package buffer

import (
	"fmt"
	"math"
	"math/bits"

	. "github.com/pattyshack/imagewatch/common"
)

// NOTE: the numeric values are part of the renderer's wire contract and must
// never be renumbered.  1 (signed 8-bit) is intentionally unassigned.
type ElementType int

const (
	UInt8   = ElementType(0)
	UInt16  = ElementType(2)
	Int16   = ElementType(3)
	Int32   = ElementType(4)
	Float32 = ElementType(5)
	Float64 = ElementType(6)
)

var (
	elementTypeNames = map[ElementType]string{
		UInt8:   "uint8",
		UInt16:  "uint16",
		Int16:   "int16",
		Int32:   "int32",
		Float32: "float32",
		Float64: "float64",
	}

	elementTypeWidths = map[ElementType]int{
		UInt8:   1,
		UInt16:  2,
		Int16:   2,
		Int32:   4,
		Float32: 4,
		Float64: 8,
	}
)

func ParseElementType(value int) (ElementType, error) {
	t := ElementType(value)
	_, ok := elementTypeWidths[t]
	if !ok {
		return 0, fmt.Errorf("%w. unknown element type %d", ErrInvalidArgument, value)
	}
	return t, nil
}

// ByteWidth returns the element's size in bytes, or zero for unknown types.
func (t ElementType) ByteWidth() int {
	return elementTypeWidths[t]
}

func (t ElementType) IsFloat() bool {
	return t == Float32 || t == Float64
}

func (t ElementType) String() string {
	name, ok := elementTypeNames[t]
	if !ok {
		return fmt.Sprintf("unknown(%d)", int(t))
	}
	return name
}

type PixelLayout string

const (
	RGBA = PixelLayout("rgba")
	BGRA = PixelLayout("bgra")
)

// ChannelOrder returns the source channel index for each of r, g, b, a.
func (layout PixelLayout) ChannelOrder() [4]int {
	order := [4]int{}
	for idx, c := range []byte(layout) {
		if idx >= 4 {
			break
		}

		switch c {
		case 'r':
			order[0] = idx
		case 'g':
			order[1] = idx
		case 'b':
			order[2] = idx
		case 'a':
			order[3] = idx
		}
	}
	return order
}

// ByteSize is the single source of truth for buffer sizing.  rowStride is
// measured in elements (before channel multiplication).  A size which does
// not fit in an int is reported as 0.
func ByteSize(
	height int,
	channels int,
	elementType ElementType,
	rowStride int,
) int {
	size, ok := checkedByteSize(height, channels, elementType, rowStride)
	if !ok {
		return 0
	}
	return size
}

func checkedByteSize(
	height int,
	channels int,
	elementType ElementType,
	rowStride int,
) (
	int,
	bool,
) {
	if height <= 0 || channels <= 0 || rowStride <= 0 {
		return 0, true
	}

	size := uint64(elementType.ByteWidth())
	for _, factor := range []int{channels, rowStride, height} {
		hi, lo := bits.Mul64(size, uint64(factor))
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		size = lo
	}

	return int(size), true
}

// ElementsPerRow converts a byte step (as stored by opencv) into a row
// stride measured in elements.
func ElementsPerRow(
	stepBytes int,
	channels int,
	elementType ElementType,
) int {
	width := elementType.ByteWidth()
	if stepBytes <= 0 || channels <= 0 || width == 0 {
		return 0
	}
	return stepBytes / channels / width
}
