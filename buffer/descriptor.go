package buffer

import (
	"fmt"

	. "github.com/pattyshack/imagewatch/common"
)

type Descriptor struct {
	VariableName string
	DisplayName  string

	// Address of the first element in the debuggee.
	Pointer VirtualAddress

	Width    int
	Height   int
	Channels int

	Type ElementType

	// Number of elements per row (before channel multiplication).
	RowStride int

	PixelLayout PixelLayout

	TransposeBuffer bool
}

func (desc *Descriptor) ByteSize() int {
	if desc.Width <= 0 {
		return 0
	}
	return ByteSize(desc.Height, desc.Channels, desc.Type, desc.RowStride)
}

func (desc *Descriptor) Range() AddressRange {
	return NewAddressRange(desc.Pointer, desc.ByteSize())
}

func (desc *Descriptor) Validate() error {
	if desc.Pointer.IsNull() {
		return fmt.Errorf("%w. %s has null data pointer", ErrInvalidBuffer, desc)
	}

	if desc.Width <= 0 || desc.Height <= 0 {
		return fmt.Errorf("%w. %s has empty dimensions", ErrInvalidBuffer, desc)
	}

	if desc.Channels < 1 || desc.Channels > 4 {
		return fmt.Errorf(
			"%w. %s has unsupported channel count (%d)",
			ErrMalformedLayout,
			desc,
			desc.Channels)
	}

	if desc.Type.ByteWidth() == 0 {
		return fmt.Errorf(
			"%w. %s has unsupported element type (%s)",
			ErrMalformedLayout,
			desc,
			desc.Type)
	}

	if desc.RowStride < desc.Width {
		return fmt.Errorf(
			"%w. %s row stride (%d) is smaller than width (%d)",
			ErrMalformedLayout,
			desc,
			desc.RowStride,
			desc.Width)
	}

	_, ok := checkedByteSize(desc.Height, desc.Channels, desc.Type, desc.RowStride)
	if !ok {
		return fmt.Errorf(
			"%w. %s byte size overflows (row stride %d)",
			ErrInvalidBuffer,
			desc,
			desc.RowStride)
	}

	return nil
}

func (desc *Descriptor) String() string {
	name := desc.VariableName
	if name == "" {
		name = desc.DisplayName
	}

	return fmt.Sprintf(
		"%s (%dx%dx%d %s @ %s)",
		name,
		desc.Width,
		desc.Height,
		desc.Channels,
		desc.Type,
		desc.Pointer)
}

// Buffer is a descriptor whose pointer has been materialized into a copy of
// the debuggee's bytes.
type Buffer struct {
	Descriptor

	Data []byte
}

// Element returns the raw bytes of the (row, col, channel) element.
func (buf *Buffer) Element(row int, col int, channel int) []byte {
	width := buf.Type.ByteWidth()
	offset := ((row*buf.RowStride+col)*buf.Channels + channel) * width
	if offset < 0 || offset+width > len(buf.Data) {
		return nil
	}
	return buf.Data[offset : offset+width]
}
