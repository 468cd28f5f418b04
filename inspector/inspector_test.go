package inspector

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol/literal"
)

const matMagic = 0x42ff0000 | 0x4000 // magic value | continuous flag

func newMat(
	typeName string,
	data VirtualAddress,
	rows int64,
	cols int64,
	flags int64,
	step int64,
) *literal.Value {
	return literal.Struct(
		typeName,
		literal.Field("flags", literal.Int("int", flags)),
		literal.Field("dims", literal.Int("int", 2)),
		literal.Field("rows", literal.Int("int", rows)),
		literal.Field("cols", literal.Int("int", cols)),
		literal.Field("data", literal.Pointer("uchar *", data, nil)),
		literal.Field(
			"step",
			literal.Struct(
				"cv::MatStep",
				literal.Field(
					"buf",
					literal.Array(
						"size_t [2]",
						literal.Int("size_t", step),
						literal.Int("size_t", 1))))))
}

func newCvMat(
	data VirtualAddress,
	rows int64,
	cols int64,
	flags int64,
	step int64,
) *literal.Value {
	return literal.Struct(
		"CvMat",
		literal.Field("type", literal.Int("int", flags)),
		literal.Field("step", literal.Int("int", step)),
		literal.Field(
			"data",
			literal.Struct(
				"union {...}",
				literal.Field("ptr", literal.Pointer("uchar *", data, nil)))),
		literal.Field("rows", literal.Int("int", rows)),
		literal.Field("cols", literal.Int("int", cols)))
}

func newStaticEigen(typeName string, location VirtualAddress) *literal.Value {
	return literal.Struct(
		typeName,
		literal.Field(
			"m_storage",
			literal.Struct(
				"Eigen::DenseStorage<...>",
				literal.Field("m_data", literal.Struct("Eigen::internal::plain_array<...>"))).
				At(location)))
}

func newDynamicEigen(
	typeName string,
	data VirtualAddress,
	rows int64,
	cols int64,
) *literal.Value {
	return literal.Struct(
		typeName,
		literal.Field(
			"m_storage",
			literal.Struct(
				"Eigen::DenseStorage<...>",
				literal.Field("m_data", literal.Pointer("float *", data, nil)),
				literal.Field("m_rows", literal.Int("long", rows)),
				literal.Field("m_cols", literal.Int("long", cols)))))
}

func newEigenMap(
	typeName string,
	data VirtualAddress,
	rows int64,
	cols int64,
) *literal.Value {
	return literal.Struct(
		typeName,
		literal.Field("m_data", literal.Pointer("float *", data, nil)),
		literal.Field(
			"m_rows",
			literal.Struct(
				"Eigen::internal::variable_if_dynamic<long, -1>",
				literal.Field("m_value", literal.Int("long", rows)))),
		literal.Field(
			"m_cols",
			literal.Struct(
				"Eigen::internal::variable_if_dynamic<long, -1>",
				literal.Field("m_value", literal.Int("long", cols)))))
}

type InspectorSuite struct{}

func TestInspector(t *testing.T) {
	suite.RunTests(t, &InspectorSuite{})
}

func (InspectorSuite) TestMatScenario(t *testing.T) {
	registry := NewDefaultRegistry()

	img := newMat("cv::Mat", 0x1000, 10, 20, matMagic|16, 60)

	inspector := registry.Find(img, "img")
	expect.NotNil(t, inspector)
	expect.Equal(t, "opencv.Mat", inspector.Name())

	desc, err := registry.Describe("img", img)
	expect.Nil(t, err)
	expect.Equal(t, "img (cv::Mat)", desc.DisplayName)
	expect.Equal(t, VirtualAddress(0x1000), desc.Pointer)
	expect.Equal(t, 20, desc.Width)
	expect.Equal(t, 10, desc.Height)
	expect.Equal(t, 3, desc.Channels)
	expect.Equal(t, buffer.UInt8, desc.Type)
	expect.Equal(t, 20, desc.RowStride)
	expect.Equal(t, buffer.BGRA, desc.PixelLayout)
	expect.False(t, desc.TransposeBuffer)
	expect.Equal(t, 600, desc.ByteSize())
}

func (InspectorSuite) TestMatFloatPaddedRows(t *testing.T) {
	// CV_32FC2 with 8 bytes of padding per row
	flags := int64(matMagic | (1 << cvChannelShift) | 5)
	mat := newMat("const cv::Mat &", 0x2000, 4, 5, flags, 5*2*4+8)

	desc, err := NewDefaultRegistry().Describe("m", mat)
	expect.Nil(t, err)
	expect.Equal(t, 2, desc.Channels)
	expect.Equal(t, buffer.Float32, desc.Type)
	expect.Equal(t, 6, desc.RowStride)
	expect.Equal(t, buffer.RGBA, desc.PixelLayout)
	expect.Equal(t, 4*2*6*4, desc.ByteSize())
}

func (InspectorSuite) TestMatPointerType(t *testing.T) {
	mat := newMat("cv::Mat", 0x1000, 1, 1, matMagic, 1)
	ptr := literal.Pointer("cv::Mat *", 0x9000, mat)

	desc, err := NewDefaultRegistry().Describe("p", ptr)
	expect.Nil(t, err)
	expect.Equal(t, "p (cv::Mat *)", desc.DisplayName)
	expect.Equal(t, 1, desc.Channels)
}

func (InspectorSuite) TestMatNullData(t *testing.T) {
	mat := newMat("cv::Mat", 0, 10, 20, matMagic|16, 60)

	_, err := NewDefaultRegistry().Describe("img", mat)
	expect.Error(t, err, "null data pointer")
	expect.True(t, errors.Is(err, ErrInvalidBuffer))
}

func (InspectorSuite) TestMatUnsupportedDepth(t *testing.T) {
	for _, depth := range []int64{1, 7} {
		mat := newMat("cv::Mat", 0x1000, 10, 20, matMagic|depth, 20)

		_, err := NewDefaultRegistry().Describe("img", mat)
		expect.True(t, errors.Is(err, ErrMalformedLayout))
	}
}

func (InspectorSuite) TestMatTooManyChannels(t *testing.T) {
	mat := newMat("cv::Mat", 0x1000, 10, 20, matMagic|(4<<cvChannelShift), 100)

	_, err := NewDefaultRegistry().Describe("img", mat)
	expect.Error(t, err, "unsupported channel count (5)")
}

func (InspectorSuite) TestMatMissingMember(t *testing.T) {
	mat := literal.Struct(
		"cv::Mat",
		literal.Field("data", literal.Pointer("uchar *", 0x1000, nil)))

	_, err := NewDefaultRegistry().Describe("img", mat)
	expect.Error(t, err, "cv::Mat has no rows")
}

func (InspectorSuite) TestCvMat(t *testing.T) {
	// CV_16SC1
	mat := newCvMat(0x3000, 8, 6, 3, 16)

	inspector := NewDefaultRegistry().Find(mat, "c")
	expect.Equal(t, "opencv.CvMat", inspector.Name())

	desc, err := NewDefaultRegistry().Describe("c", mat)
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x3000), desc.Pointer)
	expect.Equal(t, 6, desc.Width)
	expect.Equal(t, 8, desc.Height)
	expect.Equal(t, buffer.Int16, desc.Type)
	expect.Equal(t, 8, desc.RowStride)
}

func (InspectorSuite) TestEigenStaticScenario(t *testing.T) {
	m := newStaticEigen("Eigen::Matrix<double,4,4,1>", 0x4000)

	inspector := NewDefaultRegistry().Find(m, "m")
	expect.Equal(t, "eigen", inspector.Name())

	desc, err := NewDefaultRegistry().Describe("m", m)
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x4000), desc.Pointer)
	expect.Equal(t, 4, desc.Width)
	expect.Equal(t, 4, desc.Height)
	expect.Equal(t, 1, desc.Channels)
	expect.Equal(t, buffer.Float64, desc.Type)
	expect.Equal(t, 4, desc.RowStride)
	expect.False(t, desc.TransposeBuffer)
	expect.Equal(t, 128, desc.ByteSize())
}

func (InspectorSuite) TestEigenStaticColumnMajor(t *testing.T) {
	m := newStaticEigen("Eigen::Matrix<float, 3, 3, 0, 3, 3>", 0x4000)

	_, err := NewDefaultRegistry().Describe("m", m)
	expect.Error(t, err, "column-major eigen matrices are not supported")
	expect.True(t, errors.Is(err, ErrMalformedLayout))
}

func (InspectorSuite) TestEigenStaticColumnVector(t *testing.T) {
	m := newStaticEigen("Eigen::Matrix<int, 3, 1, 0, 3, 1>", 0x4000)

	desc, err := NewDefaultRegistry().Describe("v", m)
	expect.Nil(t, err)
	expect.Equal(t, 1, desc.Width)
	expect.Equal(t, 3, desc.Height)
	expect.Equal(t, buffer.Int32, desc.Type)
}

func (InspectorSuite) TestEigenDynamicRowMajor(t *testing.T) {
	m := newDynamicEigen("Eigen::Matrix<float, -1, -1, 1, -1, -1>", 0x5000, 7, 9)

	desc, err := NewDefaultRegistry().Describe("d", m)
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x5000), desc.Pointer)
	expect.Equal(t, 9, desc.Width)
	expect.Equal(t, 7, desc.Height)
	expect.Equal(t, 9, desc.RowStride)
	expect.False(t, desc.TransposeBuffer)
}

func (InspectorSuite) TestEigenDynamicColumnMajor(t *testing.T) {
	m := newDynamicEigen("Eigen::Matrix<float, -1, -1, 0, -1, -1>", 0x5000, 7, 9)

	desc, err := NewDefaultRegistry().Describe("d", m)
	expect.Nil(t, err)
	expect.Equal(t, 7, desc.Width)
	expect.Equal(t, 9, desc.Height)
	expect.Equal(t, 7, desc.RowStride)
	expect.True(t, desc.TransposeBuffer)
}

func (InspectorSuite) TestEigenPartiallyDynamic(t *testing.T) {
	m := literal.Struct(
		"Eigen::Matrix<unsigned char, -1, 3, 1, -1, 3>",
		literal.Field(
			"m_storage",
			literal.Struct(
				"Eigen::DenseStorage<...>",
				literal.Field("m_data", literal.Pointer("unsigned char *", 0x6000, nil)),
				literal.Field("m_rows", literal.Int("long", 11)))))

	desc, err := NewDefaultRegistry().Describe("d", m)
	expect.Nil(t, err)
	expect.Equal(t, 3, desc.Width)
	expect.Equal(t, 11, desc.Height)
	expect.Equal(t, buffer.UInt8, desc.Type)
}

func (InspectorSuite) TestEigenMap(t *testing.T) {
	m := newEigenMap(
		"Eigen::Map<Eigen::Matrix<float, -1, -1, 1, -1, -1>, 0, Eigen::Stride<0, 0> >",
		0x7000,
		2,
		5)

	desc, err := NewDefaultRegistry().Describe("view", m)
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x7000), desc.Pointer)
	expect.Equal(t, 5, desc.Width)
	expect.Equal(t, 2, desc.Height)
	expect.Equal(t, buffer.Float32, desc.Type)
}

func (InspectorSuite) TestEigenNullMap(t *testing.T) {
	m := newEigenMap("Eigen::Map<Eigen::Matrix<float, -1, -1, 1, -1, -1>, 0, Eigen::Stride<0, 0> >", 0, 2, 5)

	_, err := NewDefaultRegistry().Describe("view", m)
	expect.True(t, errors.Is(err, ErrInvalidBuffer))
}

func (InspectorSuite) TestEigenUnknownScalar(t *testing.T) {
	m := newStaticEigen("Eigen::Matrix<std::complex<float>, 2, 2, 1, 2, 2>", 0x4000)

	expect.True(t, NewDefaultRegistry().IsObservable(m, "m"))

	_, err := NewDefaultRegistry().Describe("m", m)
	expect.True(t, errors.Is(err, ErrMalformedLayout))

	// not a suffix match on int
	for _, name := range []string{
		"Eigen::Matrix<unsigned int, 2, 2, 1, 2, 2>",
		"Eigen::Matrix<long int, 2, 2, 1, 2, 2>",
		"Eigen::Matrix<unsigned short int, 2, 2, 1, 2, 2>",
	} {
		_, err = NewDefaultRegistry().Describe("m", newStaticEigen(name, 0x4000))
		expect.True(t, errors.Is(err, ErrMalformedLayout))
	}
}

func (InspectorSuite) TestEigenSignature(t *testing.T) {
	sig, err := parseEigenSignature("Eigen::Matrix<unsigned short, 3, 4, 1, 3, 4>")
	expect.Nil(t, err)
	expect.Equal(t, buffer.UInt16, sig.scalar)
	expect.Equal(t, 3, sig.rows)
	expect.Equal(t, 4, sig.cols)
	expect.True(t, sig.isRowMajor())

	sig, err = parseEigenSignature(
		"const Eigen::Map<Eigen::Matrix<int, -1, -1, 1, -1, -1>, 0, Eigen::Stride<0, 0> >")
	expect.Nil(t, err)
	expect.Equal(t, buffer.Int32, sig.scalar)
	expect.True(t, sig.isDynamic())

	_, err = parseEigenSignature("Eigen::Matrix<unsigned int, 3, 4, 1, 3, 4>")
	expect.Error(t, err, "unrecognized eigen scalar type")
}

func (InspectorSuite) TestTypeDispatch(t *testing.T) {
	registry := NewDefaultRegistry()

	mat := newMat("cv::Mat", 0x1000, 1, 1, matMagic, 1)
	expect.True(t, OpenCVMat{}.IsObservable(mat, "mat"))
	expect.False(t, Eigen{}.IsObservable(mat, "mat"))

	eigen := newStaticEigen("Eigen::Matrix<float,10,10,1>", 0x4000)
	expect.True(t, Eigen{}.IsObservable(eigen, "e"))
	expect.False(t, OpenCVMat{}.IsObservable(eigen, "e"))
	expect.False(t, OpenCVCvMat{}.IsObservable(eigen, "e"))

	for _, typeName := range []string{
		"cv::Mat",
		"const cv::Mat",
		"cv::Mat *",
		"cv::Mat&",
		"const class cv::Mat &",
		"CvMat",
		"CvMat *",
		"Eigen::Matrix<float, 3, 3, 1, 3, 3>",
		"const Eigen::Map<Eigen::Matrix<float, -1, -1, 1, -1, -1>, 0, Eigen::Stride<0, 0> >",
	} {
		expect.True(t, registry.IsObservable(literal.Struct(typeName), "x"))
	}

	for _, typeName := range []string{
		"int",
		"cv::Mat_<float>",
		"std::vector<cv::Mat>",
		"cv::Mat **",
		"CvMatND",
		"Eigen::Quaternion<float, 0>",
	} {
		expect.False(t, registry.IsObservable(literal.Struct(typeName), "x"))
	}
}

func (InspectorSuite) TestUnsupportedType(t *testing.T) {
	_, err := NewDefaultRegistry().Describe("x", literal.Int("int", 3))
	expect.True(t, errors.Is(err, ErrUnsupportedType))
	expect.Error(t, err, "x (int) is not observable")
}
