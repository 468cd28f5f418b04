package inspector

import (
	"fmt"
	"regexp"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol"
)

const (
	cvChannelShift = 3
	cvChannelMax   = 512
	cvChannelMask  = (cvChannelMax - 1) << cvChannelShift
	cvDepthMask    = (1 << cvChannelShift) - 1
)

var (
	matTypePattern   = regexp.MustCompile(`^(const\s+)?cv::Mat(\s*[*&])?$`)
	cvMatTypePattern = regexp.MustCompile(`^(const\s+)?CvMat(\s*[*&])?$`)
)

// Decodes opencv's packed type flags into (channels, element type).  The
// depth values coincide with the renderer's wire constants, except for
// CV_8S (1) and CV_16F (7), which have no wire representation.
func decodeOpenCVFlags(flags int64) (int, buffer.ElementType, error) {
	channels := int((flags&cvChannelMask)>>cvChannelShift) + 1
	if channels > 4 {
		return 0, 0, fmt.Errorf(
			"%w. unsupported channel count (%d)",
			ErrMalformedLayout,
			channels)
	}

	depth := int(flags & cvDepthMask)
	elementType, err := buffer.ParseElementType(depth)
	if err != nil {
		return 0, 0, fmt.Errorf(
			"%w. unsupported opencv depth (%d)",
			ErrMalformedLayout,
			depth)
	}

	return channels, elementType, nil
}

func pixelLayoutForChannels(channels int) buffer.PixelLayout {
	if channels >= 3 {
		return buffer.BGRA
	}
	return buffer.RGBA
}

type openCVFields struct {
	data  VirtualAddress
	rows  int64
	cols  int64
	flags int64
	step  int64
}

func describeOpenCV(
	name string,
	ref symbol.Reference,
	fields openCVFields,
) (
	*buffer.Descriptor,
	error,
) {
	if fields.data.IsNull() {
		return nil, fmt.Errorf("%w. %s has null data pointer", ErrInvalidBuffer, name)
	}

	channels, elementType, err := decodeOpenCVFlags(fields.flags)
	if err != nil {
		return nil, err
	}

	return &buffer.Descriptor{
		DisplayName: displayName(name, ref),
		Pointer:     fields.data,
		Width:       int(fields.cols),
		Height:      int(fields.rows),
		Channels:    channels,
		Type:        elementType,
		RowStride: buffer.ElementsPerRow(
			int(fields.step),
			channels,
			elementType),
		PixelLayout:     pixelLayoutForChannels(channels),
		TransposeBuffer: false,
	}, nil
}

// OpenCVMat inspects cv::Mat (and pointers / references to it).
type OpenCVMat struct{}

func (OpenCVMat) Name() string {
	return "opencv.Mat"
}

func (OpenCVMat) IsObservable(ref symbol.Reference, name string) bool {
	return matTypePattern.MatchString(symbol.NormalizeTypeName(ref.TypeName()))
}

func (OpenCVMat) Describe(
	name string,
	ref symbol.Reference,
) (
	*buffer.Descriptor,
	error,
) {
	fields := openCVFields{}

	var err error
	fields.data, err = symbol.AddressMember(ref, "data")
	if err != nil {
		return nil, err
	}

	fields.rows, err = symbol.IntMember(ref, "rows")
	if err != nil {
		return nil, err
	}

	fields.cols, err = symbol.IntMember(ref, "cols")
	if err != nil {
		return nil, err
	}

	fields.flags, err = symbol.IntMember(ref, "flags")
	if err != nil {
		return nil, err
	}

	stepBuf, err := symbol.MemberPath(ref, "step", "buf")
	if err != nil {
		return nil, err
	}

	step, err := stepBuf.Index(0)
	if err != nil {
		return nil, err
	}

	fields.step, err = step.Int()
	if err != nil {
		return nil, err
	}

	return describeOpenCV(name, ref, fields)
}

// OpenCVCvMat inspects the legacy C CvMat struct.
type OpenCVCvMat struct{}

func (OpenCVCvMat) Name() string {
	return "opencv.CvMat"
}

func (OpenCVCvMat) IsObservable(ref symbol.Reference, name string) bool {
	return cvMatTypePattern.MatchString(symbol.NormalizeTypeName(ref.TypeName()))
}

func (OpenCVCvMat) Describe(
	name string,
	ref symbol.Reference,
) (
	*buffer.Descriptor,
	error,
) {
	fields := openCVFields{}

	// NOTE: CvMat's data is a union of typed pointers.
	var err error
	fields.data, err = symbol.AddressMember(ref, "data", "ptr")
	if err != nil {
		fields.data, err = symbol.AddressMember(ref, "data")
		if err != nil {
			return nil, err
		}
	}

	fields.rows, err = symbol.IntMember(ref, "rows")
	if err != nil {
		return nil, err
	}

	fields.cols, err = symbol.IntMember(ref, "cols")
	if err != nil {
		return nil, err
	}

	fields.flags, err = symbol.IntMember(ref, "type")
	if err != nil {
		return nil, err
	}

	fields.step, err = symbol.IntMember(ref, "step")
	if err != nil {
		return nil, err
	}

	return describeOpenCV(name, ref, fields)
}
