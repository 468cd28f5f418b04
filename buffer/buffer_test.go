package buffer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"

	. "github.com/pattyshack/imagewatch/common"
)

type BufferSuite struct{}

func TestBuffer(t *testing.T) {
	suite.RunTests(t, &BufferSuite{})
}

func (BufferSuite) TestWireConstants(t *testing.T) {
	expect.Equal(t, 0, int(UInt8))
	expect.Equal(t, 2, int(UInt16))
	expect.Equal(t, 3, int(Int16))
	expect.Equal(t, 4, int(Int32))
	expect.Equal(t, 5, int(Float32))
	expect.Equal(t, 6, int(Float64))

	_, err := ParseElementType(1)
	expect.Error(t, err, "unknown element type 1")

	et, err := ParseElementType(5)
	expect.Nil(t, err)
	expect.Equal(t, Float32, et)
}

func (BufferSuite) TestByteWidth(t *testing.T) {
	expect.Equal(t, 1, UInt8.ByteWidth())
	expect.Equal(t, 2, UInt16.ByteWidth())
	expect.Equal(t, 2, Int16.ByteWidth())
	expect.Equal(t, 4, Int32.ByteWidth())
	expect.Equal(t, 4, Float32.ByteWidth())
	expect.Equal(t, 8, Float64.ByteWidth())
	expect.Equal(t, 0, ElementType(1).ByteWidth())
	expect.Equal(t, 0, ElementType(42).ByteWidth())
}

func (BufferSuite) TestByteSize(t *testing.T) {
	// 640x480 BGR uint8, no padding
	expect.Equal(t, 921600, ByteSize(480, 3, UInt8, 640))

	// 4x3 float32 with padded rows
	expect.Equal(t, 4*1*8*3, ByteSize(3, 1, Float32, 8))

	expect.Equal(t, 0, ByteSize(0, 3, UInt8, 640))
	expect.Equal(t, 0, ByteSize(480, 0, UInt8, 640))
	expect.Equal(t, 0, ByteSize(480, 3, UInt8, 0))
	expect.Equal(t, 0, ByteSize(480, 3, ElementType(1), 640))

	// products that do not fit in an int
	expect.Equal(t, 0, ByteSize(1<<30, 1, UInt8, (1<<34)+1))
	expect.Equal(t, 0, ByteSize(1<<40, 4, Float64, 1<<40))
}

func (BufferSuite) TestElementsPerRow(t *testing.T) {
	expect.Equal(t, 640, ElementsPerRow(1920, 3, UInt8))
	expect.Equal(t, 10, ElementsPerRow(80, 2, Float32))
	expect.Equal(t, 0, ElementsPerRow(0, 2, Float32))

	// Round trip: step bytes -> stride -> byte size
	for _, et := range []ElementType{UInt8, UInt16, Int16, Int32, Float32, Float64} {
		for channels := 1; channels <= 4; channels++ {
			stride := 33
			step := stride * channels * et.ByteWidth()
			expect.Equal(t, stride, ElementsPerRow(step, channels, et))
			expect.Equal(t, step*7, ByteSize(7, channels, et, stride))
		}
	}
}

func (BufferSuite) TestChannelOrder(t *testing.T) {
	expect.Equal(t, [4]int{0, 1, 2, 3}, RGBA.ChannelOrder())
	expect.Equal(t, [4]int{2, 1, 0, 3}, BGRA.ChannelOrder())
}

func (BufferSuite) TestElement(t *testing.T) {
	buf := &Buffer{
		Descriptor: Descriptor{
			Width:     2,
			Height:    2,
			Channels:  2,
			Type:      UInt16,
			RowStride: 3,
		},
		Data: make([]byte, ByteSize(2, 2, UInt16, 3)),
	}
	for i := range buf.Data {
		buf.Data[i] = byte(i)
	}

	// row 1, col 1, channel 1 => element index (1*3+1)*2+1 = 9
	expect.Equal(t, []byte{18, 19}, buf.Element(1, 1, 1))
	expect.Nil(t, buf.Element(2, 0, 0))
}

func newDescriptor() *Descriptor {
	return &Descriptor{
		VariableName: "img",
		Pointer:      0x1000,
		Width:        640,
		Height:       480,
		Channels:     3,
		Type:         UInt8,
		RowStride:    640,
		PixelLayout:  BGRA,
	}
}

func fixedProbe(available uint64, err error) MemoryProbe {
	return func() (uint64, error) {
		return available, err
	}
}

func (BufferSuite) TestGuardAccepts(t *testing.T) {
	guard := NewGuard(0, zerolog.Nop())
	guard.Probe = fixedProbe(1<<30, nil)

	expect.Nil(t, guard.Validate(newDescriptor()))
}

func (BufferSuite) TestGuardNullPointer(t *testing.T) {
	guard := NewGuard(1, zerolog.Nop())
	guard.Probe = fixedProbe(1<<30, nil)

	desc := newDescriptor()
	desc.Pointer = 0

	err := guard.Validate(desc)
	expect.Error(t, err, "null data pointer")
	expect.True(t, errors.Is(err, ErrInvalidBuffer))
}

func (BufferSuite) TestGuardZeroSize(t *testing.T) {
	guard := NewGuard(1, zerolog.Nop())
	guard.Probe = fixedProbe(1<<30, nil)

	desc := newDescriptor()
	desc.Height = 0

	err := guard.Validate(desc)
	expect.True(t, errors.Is(err, ErrInvalidBuffer))
}

func (BufferSuite) TestGuardTooLarge(t *testing.T) {
	guard := NewGuard(1, zerolog.Nop())

	// exactly at the limit is rejected
	guard.Probe = fixedProbe(921600, nil)
	err := guard.Validate(newDescriptor())
	expect.Error(t, err, "exceeds available host memory")
	expect.True(t, errors.Is(err, ErrInvalidBuffer))

	guard.Probe = fixedProbe(921601, nil)
	expect.Nil(t, guard.Validate(newDescriptor()))

	// fraction scales the limit
	guard.Fraction = 0.1
	guard.Probe = fixedProbe(921601, nil)
	expect.NotNil(t, guard.Validate(newDescriptor()))
}

func (BufferSuite) TestGuardProbeFailure(t *testing.T) {
	guard := NewGuard(1, zerolog.Nop())
	guard.Probe = fixedProbe(0, fmt.Errorf("no procfs"))

	expect.Nil(t, guard.Validate(newDescriptor()))
}

func (BufferSuite) TestGuardMalformed(t *testing.T) {
	guard := NewGuard(1, zerolog.Nop())
	guard.Probe = fixedProbe(1<<30, nil)

	desc := newDescriptor()
	desc.Channels = 5
	err := guard.Validate(desc)
	expect.True(t, errors.Is(err, ErrMalformedLayout))

	desc = newDescriptor()
	desc.RowStride = 10
	err = guard.Validate(desc)
	expect.Error(t, err, "row stride (10) is smaller than width (640)")
}

func (BufferSuite) TestGuardSizeOverflow(t *testing.T) {
	guard := NewGuard(1, zerolog.Nop())
	guard.Probe = fixedProbe(16<<30, nil)

	// 1 * 1 * (2^34 + 1) * 2^30 wraps around to 2^30 in 64-bit arithmetic
	desc := newDescriptor()
	desc.Channels = 1
	desc.Width = 1 << 34
	desc.RowStride = (1 << 34) + 1
	desc.Height = 1 << 30

	err := guard.Validate(desc)
	expect.Error(t, err, "byte size overflows")
	expect.True(t, errors.Is(err, ErrInvalidBuffer))
	expect.Equal(t, 0, desc.ByteSize())
}
