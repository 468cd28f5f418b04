package inspector

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol"
)

const eigenRowMajorBit = 0x1

var (
	eigenTypePattern = regexp.MustCompile(`^(const\s+)?Eigen::(Matrix|Map)<`)
	eigenMapPattern  = regexp.MustCompile(`^(const\s+)?Eigen::Map<`)

	// scalar, rows, cols, options.  The scalar must be the whole first
	// template argument (i.e., `unsigned int` is not `int`).
	eigenSignaturePattern = regexp.MustCompile(
		`<\s*(unsigned char|unsigned short|short|int|float|double)\s*,` +
			`\s*(-?\d+)\s*,\s*(-?\d+)\s*,\s*(\d+)`)

	eigenScalarTypes = map[string]buffer.ElementType{
		"unsigned char":  buffer.UInt8,
		"unsigned short": buffer.UInt16,
		"short":          buffer.Int16,
		"int":            buffer.Int32,
		"float":          buffer.Float32,
		"double":         buffer.Float64,
	}
)

type eigenSignature struct {
	scalar  buffer.ElementType
	rows    int
	cols    int
	options int
}

func (sig eigenSignature) isDynamic() bool {
	return sig.rows <= 0 || sig.cols <= 0
}

func (sig eigenSignature) isRowMajor() bool {
	return sig.options&eigenRowMajorBit != 0
}

func parseEigenSignature(typeName string) (eigenSignature, error) {
	match := eigenSignaturePattern.FindStringSubmatch(typeName)
	if match == nil {
		return eigenSignature{}, fmt.Errorf(
			"%w. unrecognized eigen scalar type in %s",
			ErrMalformedLayout,
			typeName)
	}

	sig := eigenSignature{
		scalar: eigenScalarTypes[match[1]],
	}

	var err error
	sig.rows, err = strconv.Atoi(match[2])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	sig.cols, err = strconv.Atoi(match[3])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	sig.options, err = strconv.Atoi(match[4])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	return sig, nil
}

// Eigen inspects Eigen::Matrix and Eigen::Map.
//
// Statically sized matrices take their dimensions from the type signature;
// dynamically sized dimensions (<= 0 in the signature) are read from the live
// object.
type Eigen struct{}

func (Eigen) Name() string {
	return "eigen"
}

func (Eigen) IsObservable(ref symbol.Reference, name string) bool {
	return eigenTypePattern.MatchString(symbol.NormalizeTypeName(ref.TypeName()))
}

func (Eigen) Describe(
	name string,
	ref symbol.Reference,
) (
	*buffer.Descriptor,
	error,
) {
	typeName := symbol.NormalizeTypeName(ref.TypeName())

	sig, err := parseEigenSignature(typeName)
	if err != nil {
		return nil, err
	}

	isMap := eigenMapPattern.MatchString(typeName)

	rows := sig.rows
	cols := sig.cols
	var pointer VirtualAddress
	if isMap {
		pointer, rows, cols, err = readEigenMap(ref, sig)
	} else if sig.isDynamic() {
		pointer, rows, cols, err = readDynamicEigenMatrix(ref, sig)
	} else {
		// NOTE: fixed size storage is an inline array.
		pointer, err = symbol.AddressMember(ref, "m_storage")
	}
	if err != nil {
		return nil, err
	}

	if pointer.IsNull() {
		return nil, fmt.Errorf("%w. %s has null data pointer", ErrInvalidBuffer, name)
	}

	width := cols
	height := rows
	transpose := false

	isVector := rows == 1 || cols == 1
	if !sig.isRowMajor() && !isVector {
		if !sig.isDynamic() {
			return nil, fmt.Errorf(
				"%w. column-major eigen matrices are not supported (%s)",
				ErrMalformedLayout,
				typeName)
		}

		// Column-major storage of a rows x cols matrix is row-major storage of
		// its cols x rows transpose.
		width = rows
		height = cols
		transpose = true
	}

	return &buffer.Descriptor{
		DisplayName:     displayName(name, ref),
		Pointer:         pointer,
		Width:           width,
		Height:          height,
		Channels:        1,
		Type:            sig.scalar,
		RowStride:       width,
		PixelLayout:     buffer.BGRA,
		TransposeBuffer: transpose,
	}, nil
}

func readDynamicEigenMatrix(
	ref symbol.Reference,
	sig eigenSignature,
) (
	VirtualAddress,
	int,
	int,
	error,
) {
	storage, err := ref.Member("m_storage")
	if err != nil {
		return 0, 0, 0, err
	}

	pointer, err := symbol.AddressMember(storage, "m_data")
	if err != nil {
		return 0, 0, 0, err
	}

	rows := sig.rows
	if rows <= 0 {
		value, err := symbol.IntMember(storage, "m_rows")
		if err != nil {
			return 0, 0, 0, err
		}
		rows = int(value)
	}

	cols := sig.cols
	if cols <= 0 {
		value, err := symbol.IntMember(storage, "m_cols")
		if err != nil {
			return 0, 0, 0, err
		}
		cols = int(value)
	}

	return pointer, rows, cols, nil
}

func readEigenMap(
	ref symbol.Reference,
	sig eigenSignature,
) (
	VirtualAddress,
	int,
	int,
	error,
) {
	pointer, err := symbol.AddressMember(ref, "m_data")
	if err != nil {
		return 0, 0, 0, err
	}

	rows := sig.rows
	if rows <= 0 {
		value, err := symbol.IntMember(ref, "m_rows", "m_value")
		if err != nil {
			return 0, 0, 0, err
		}
		rows = int(value)
	}

	cols := sig.cols
	if cols <= 0 {
		value, err := symbol.IntMember(ref, "m_cols", "m_value")
		if err != nil {
			return 0, 0, 0, err
		}
		cols = int(value)
	}

	return pointer, rows, cols, nil
}
