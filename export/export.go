// Package export writes acquired buffers to disk, either as a contrast
// normalized PNG bitmap or as an Octave/Matlab binary matrix.
package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
)

type Format string

const (
	PNG    = Format("png")
	Octave = Format("octave")
)

func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(value)) {
	case PNG:
		return PNG, nil
	case Octave, "matlab", "bin":
		return Octave, nil
	}

	return "", fmt.Errorf("%w. unknown export format (%s)", ErrInvalidArgument, value)
}

// FormatForPath picks the format from the file extension.  Unknown
// extensions default to PNG.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin", ".oct", ".mat":
		return Octave
	}
	return PNG
}

func (format Format) Extension() string {
	if format == Octave {
		return ".bin"
	}
	return ".png"
}

func octaveTypeName(t buffer.ElementType) string {
	switch t {
	case buffer.UInt8:
		return "uint8"
	case buffer.UInt16:
		return "uint16"
	case buffer.Int16:
		return "int16"
	case buffer.Int32:
		return "int32"
	case buffer.Float32:
		return "float"
	case buffer.Float64:
		return "double"
	}
	return ""
}

func checkBuffer(buf *buffer.Buffer) error {
	// The copied bytes stand in for the debuggee pointer.
	desc := buf.Descriptor
	if desc.Pointer.IsNull() {
		desc.Pointer = 1
	}

	err := desc.Validate()
	if err != nil {
		return err
	}

	size := buf.Descriptor.ByteSize()
	if len(buf.Data) < size {
		return fmt.Errorf(
			"%w. %s has %d bytes (expected %d)",
			ErrInvalidBuffer,
			&buf.Descriptor,
			len(buf.Data),
			size)
	}

	return nil
}

// Returns the element at (row, col, channel) widened to float64.
func elementValue(buf *buffer.Buffer, row int, col int, channel int) float64 {
	raw := buf.Element(row, col, channel)
	switch buf.Type {
	case buffer.UInt8:
		return float64(raw[0])
	case buffer.UInt16:
		return float64(binary.NativeEndian.Uint16(raw))
	case buffer.Int16:
		return float64(int16(binary.NativeEndian.Uint16(raw)))
	case buffer.Int32:
		return float64(int32(binary.NativeEndian.Uint32(raw)))
	case buffer.Float32:
		return float64(math.Float32frombits(binary.NativeEndian.Uint32(raw)))
	case buffer.Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(raw))
	}

	panic("should never happen")
}

// Full scale intensity for raw (un-normalized) values.
func maxIntensity(t buffer.ElementType) float64 {
	switch t {
	case buffer.UInt8:
		return math.MaxUint8
	case buffer.UInt16:
		return math.MaxUint16
	case buffer.Int16:
		return math.MaxInt16
	case buffer.Int32:
		return math.MaxInt32
	}
	return 1
}

func clampByte(value float64) uint8 {
	if math.IsNaN(value) || value <= 0 {
		return 0
	}
	if value >= 255 {
		return 255
	}
	return uint8(value)
}

type channelRange struct {
	min float64
	max float64
}

func channelRanges(buf *buffer.Buffer) []channelRange {
	ranges := make([]channelRange, buf.Channels)
	for c := range ranges {
		ranges[c] = channelRange{
			min: math.Inf(1),
			max: math.Inf(-1),
		}
	}

	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			for c := 0; c < buf.Channels; c++ {
				value := elementValue(buf, y, x, c)
				if math.IsNaN(value) || math.IsInf(value, 0) {
					continue
				}

				if value < ranges[c].min {
					ranges[c].min = value
				}
				if value > ranges[c].max {
					ranges[c].max = value
				}
			}
		}
	}

	return ranges
}

// ToRGBA converts the buffer into an 8-bit RGBA image.  Each channel is
// stretched independently over [0, 255].  Grayscale is replicated into the
// color channels and missing alpha is opaque.
func ToRGBA(buf *buffer.Buffer) (*image.RGBA, error) {
	err := checkBuffer(buf)
	if err != nil {
		return nil, err
	}

	ranges := channelRanges(buf)
	fullScale := maxIntensity(buf.Type)

	normalize := func(c int, value float64) uint8 {
		r := ranges[c]
		if r.max > r.min {
			return clampByte((value - r.min) / (r.max - r.min) * 255)
		}
		return clampByte(value / fullScale * 255)
	}

	order := buf.PixelLayout.ChannelOrder()

	img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	pixel := [4]uint8{}
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			c := 0
			for ; c < buf.Channels; c++ {
				pixel[c] = normalize(c, elementValue(buf, y, x, c))
			}

			if buf.Channels == 1 {
				for ; c < 3; c++ {
					pixel[c] = pixel[0]
				}
			}

			for ; c < 4; c++ {
				if c == 3 {
					pixel[c] = 255
				} else {
					pixel[c] = 0
				}
			}

			offset := img.PixOffset(x, y)
			for dest := 0; dest < 4; dest++ {
				img.Pix[offset+dest] = pixel[order[dest]]
			}
		}
	}

	return img, nil
}

func EncodePNG(writer io.Writer, buf *buffer.Buffer) error {
	img, err := ToRGBA(buf)
	if err != nil {
		return err
	}

	return png.Encode(writer, img)
}

// EncodeOctave writes the buffer in the layout read by oid_load.m: the type
// name on its own line, then height, width and channels as native int32,
// then the rows without stride padding.
func EncodeOctave(writer io.Writer, buf *buffer.Buffer) error {
	err := checkBuffer(buf)
	if err != nil {
		return err
	}

	typeName := octaveTypeName(buf.Type)
	if typeName == "" {
		return fmt.Errorf(
			"%w. %s cannot be exported",
			ErrMalformedLayout,
			&buf.Descriptor)
	}

	out := bufio.NewWriter(writer)

	_, err = out.WriteString(typeName + "\n")
	if err != nil {
		return err
	}

	header := []int32{
		int32(buf.Height),
		int32(buf.Width),
		int32(buf.Channels),
	}
	err = binary.Write(out, binary.NativeEndian, header)
	if err != nil {
		return err
	}

	rowBytes := buf.Width * buf.Channels * buf.Type.ByteWidth()
	strideBytes := buf.RowStride * buf.Channels * buf.Type.ByteWidth()
	for y := 0; y < buf.Height; y++ {
		start := y * strideBytes
		_, err = out.Write(buf.Data[start : start+rowBytes])
		if err != nil {
			return err
		}
	}

	return out.Flush()
}

func Encode(writer io.Writer, buf *buffer.Buffer, format Format) error {
	switch format {
	case PNG:
		return EncodePNG(writer, buf)
	case Octave:
		return EncodeOctave(writer, buf)
	}

	return fmt.Errorf("%w. unknown export format (%s)", ErrInvalidArgument, format)
}

// WriteFile encodes the buffer into path.  A partially written file is
// removed on failure.
func WriteFile(path string, buf *buffer.Buffer, format Format) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	err = Encode(file, buf, format)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to export %s: %w", &buf.Descriptor, err)
	}

	return nil
}
