package synthetic

import (
	"math"

	"github.com/pattyshack/imagewatch/symbol/literal"
)

const (
	SampleWidth  = 400
	SampleHeight = 200

	cvMagic = 0x42ff0000 | 0x4000
	cv8UC3  = 0 | (2 << 3)
)

func sampleColor(
	x int,
	y int,
	yScale float64,
	xScale float64,
	outer func(float64) float64,
	inner func(float64) float64,
) byte {
	return byte((outer(float64(x)*inner(float64(y)/yScale)/xScale) + 1) * 255 / 2)
}

// AddSampleBuffers defines two sample buffers in the innermost frame: a
// 3-channel uint8 cv::Mat (sample_buffer_1) and a single channel float
// dynamic Eigen matrix (sample_buffer_2).
func (b *Bridge) AddSampleBuffers() {
	width := SampleWidth
	height := SampleHeight

	rgb := make([]byte, width*height*3)
	gray := make([]float32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pos := (y*width + x) * 3
			rgb[pos+0] = sampleColor(x, y, 20, 80, math.Cos, math.Cos)
			rgb[pos+1] = sampleColor(x, y, 50, 200, math.Sin, math.Cos)
			rgb[pos+2] = sampleColor(x, y, 30, 120, math.Cos, math.Cos)

			gray[y*width+x] = float32(
				math.Exp(math.Cos(float64(x)/5.0) * math.Sin(float64(y)/5.0)))
		}
	}

	rgbAddr := b.memory.Allocate(rgb)
	b.Define(
		0,
		"sample_buffer_1",
		literal.Struct(
			"cv::Mat",
			literal.Field("flags", literal.Int("int", cvMagic|cv8UC3)),
			literal.Field("dims", literal.Int("int", 2)),
			literal.Field("rows", literal.Int("int", int64(height))),
			literal.Field("cols", literal.Int("int", int64(width))),
			literal.Field("data", literal.Pointer("uchar *", rgbAddr, nil)),
			literal.Field(
				"step",
				literal.Struct(
					"cv::MatStep",
					literal.Field(
						"buf",
						literal.Array(
							"size_t [2]",
							literal.Int("size_t", int64(width*3)),
							literal.Int("size_t", 3)))))))

	grayAddr := b.memory.Allocate(literal.Encode(gray))
	b.Define(
		0,
		"sample_buffer_2",
		literal.Struct(
			"Eigen::Matrix<float, -1, -1, 1, -1, -1>",
			literal.Field(
				"m_storage",
				literal.Struct(
					"Eigen::DenseStorage<float, -1, -1, -1, 1>",
					literal.Field("m_data", literal.Pointer("float *", grayAddr, nil)),
					literal.Field("m_rows", literal.Int("long", int64(height))),
					literal.Field("m_cols", literal.Int("long", int64(width)))))))
}
