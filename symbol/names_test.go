package symbol

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type NamesSuite struct{}

func TestNames(t *testing.T) {
	suite.RunTests(t, &NamesSuite{})
}

func (NamesSuite) TestParseInt(t *testing.T) {
	for value, expected := range map[string]int64{
		"42":                        42,
		"-7":                        -7,
		"0x1000":                    0x1000,
		`0x7fffffffe000 "abc"`:      0x7fffffffe000,
		"97 'a'":                    97,
		"(unsigned char *) 0x4000":  0x4000,
		"@0x2000: {rows = 3}":       0x2000,
		"true":                      1,
		"false":                     0,
		"0xffffffffffffffff":        -1,
		"  16  ":                    16,
		"1124007936, flags = 0x10":  1124007936,
	} {
		actual, err := ParseInt(value)
		expect.Nil(t, err)
		expect.Equal(t, expected, actual)
	}

	_, err := ParseInt("")
	expect.NotNil(t, err)

	_, err = ParseInt("{...}")
	expect.Error(t, err, "failed to parse integer value")
}

func (NamesSuite) TestParseFloat(t *testing.T) {
	value, err := ParseFloat("1.5")
	expect.Nil(t, err)
	expect.Equal(t, 1.5, value)

	value, err = ParseFloat("0x10")
	expect.Nil(t, err)
	expect.Equal(t, 16.0, value)

	_, err = ParseFloat("nope")
	expect.Error(t, err, "failed to parse floating point value")
}

func (NamesSuite) TestNormalizeTypeName(t *testing.T) {
	expect.Equal(t, "cv::Mat", NormalizeTypeName("  class   cv::Mat "))
	expect.Equal(t, "const cv::Mat &", NormalizeTypeName("const class cv::Mat &"))
	expect.Equal(t, "CvMat *", NormalizeTypeName("struct CvMat *"))
	expect.Equal(
		t,
		"Eigen::Matrix<float, 3, 3, 1, 3, 3>",
		NormalizeTypeName("Eigen::Matrix<float, 3, 3, 1, 3, 3>"))
}

func (NamesSuite) TestPointerType(t *testing.T) {
	expect.True(t, IsPointerType("cv::Mat *"))
	expect.True(t, IsPointerType("Foo * const"))
	expect.True(t, IsPointerType("struct CvMat*"))
	expect.False(t, IsPointerType("cv::Mat"))
	expect.False(t, IsPointerType("cv::Mat &"))

	expect.True(t, IsReferenceType("const cv::Mat &"))
	expect.True(t, IsArrayType("int [4]"))
	expect.False(t, IsArrayType("int *"))
}

func (NamesSuite) TestBaseTypeName(t *testing.T) {
	expect.Equal(t, "cv::Mat", BaseTypeName("const cv::Mat *"))
	expect.Equal(t, "cv::Mat", BaseTypeName("cv::Mat * const"))
	expect.Equal(t, "cv::Mat", BaseTypeName("const class cv::Mat &"))
	expect.Equal(t, "Foo", BaseTypeName("Foo **"))
	expect.Equal(t, "int", BaseTypeName("int"))
}

func (NamesSuite) TestPath(t *testing.T) {
	expect.Equal(t, []string{"this", "a", "b"}, SplitPath("this.a.b"))
	expect.Equal(t, "a", JoinPath("", "a"))
	expect.Equal(t, "this.a", JoinPath("this", "a"))
}

func (NamesSuite) TestLookupError(t *testing.T) {
	err := error(NewMemberLookupError("cv::Mat", "bogus"))
	expect.True(t, errors.Is(err, ErrLookup))
	expect.Error(t, err, "cv::Mat has no bogus")

	err = NewIndexLookupError("int [2]", 5)
	expect.Error(t, err, "int [2] has no [5]")
}
