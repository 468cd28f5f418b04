package export

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/export"
)

func newGrayBuffer(name string, data []byte) *buffer.Buffer {
	return &buffer.Buffer{
		Descriptor: buffer.Descriptor{
			VariableName: name,
			DisplayName:  name + " (cv::Mat)",
			Pointer:      0x1000,
			Width:        len(data),
			Height:       1,
			Channels:     1,
			Type:         buffer.UInt8,
			RowStride:    len(data),
			PixelLayout:  buffer.RGBA,
		},
		Data: data,
	}
}

type ExportWindowSuite struct{}

func TestExportWindow(t *testing.T) {
	suite.RunTests(t, &ExportWindowSuite{})
}

func (ExportWindowSuite) TestUninitialized(t *testing.T) {
	w := New(Options{Logger: zerolog.Nop()})
	expect.False(t, w.IsReady())

	err := w.Initialize(nil)
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	w = New(Options{Dir: t.TempDir(), Logger: zerolog.Nop()})
	err = w.PlotBuffer(newGrayBuffer("img", []byte{1, 2}))
	expect.Error(t, err, "not initialized")
}

func (ExportWindowSuite) TestPlotAndManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	w := New(Options{Dir: dir, Logger: zerolog.Nop()})
	err := w.Initialize(func(string) {})
	expect.Nil(t, err)
	expect.True(t, w.IsReady())
	expect.Equal(t, 36, len(w.SessionId()))

	err = w.PlotBuffer(newGrayBuffer("this.frame", []byte{1, 2, 3}))
	expect.Nil(t, err)

	err = w.PlotBuffer(newGrayBuffer("img", []byte{4, 5}))
	expect.Nil(t, err)

	w.SetAvailableSymbols([]string{"img", "this.frame"})
	w.RunEventLoop()

	_, err = os.Stat(filepath.Join(dir, "this.frame.png"))
	expect.Nil(t, err)

	manifest, err := ReadManifest(dir)
	expect.Nil(t, err)
	expect.Equal(t, w.SessionId(), manifest.SessionId)
	expect.Equal(t, []string{"img", "this.frame"}, manifest.AvailableSymbols)
	expect.Equal(t, 2, len(manifest.Buffers))
	expect.Equal(t, "this.frame", manifest.Buffers[0].VariableName)
	expect.Equal(t, "this.frame.png", manifest.Buffers[0].File)
	expect.Equal(t, "uint8", manifest.Buffers[0].Type)
	expect.Equal(t, 3, manifest.Buffers[0].Width)
	expect.Equal(t, "img", manifest.Buffers[1].VariableName)

	expect.Equal(t, []string{"this.frame", "img"}, w.ObservedBuffers())
}

func (ExportWindowSuite) TestUnchangedContentIsNotRewritten(t *testing.T) {
	dir := t.TempDir()

	w := New(Options{Dir: dir, Format: export.Octave, Logger: zerolog.Nop()})
	err := w.Initialize(func(string) {})
	expect.Nil(t, err)

	err = w.PlotBuffer(newGrayBuffer("img", []byte{1, 2, 3}))
	expect.Nil(t, err)
	expect.Equal(t, 1, w.Writes())

	err = w.PlotBuffer(newGrayBuffer("img", []byte{1, 2, 3}))
	expect.Nil(t, err)
	expect.Equal(t, 1, w.Writes())

	err = w.PlotBuffer(newGrayBuffer("img", []byte{1, 2, 4}))
	expect.Nil(t, err)
	expect.Equal(t, 2, w.Writes())

	_, err = os.Stat(filepath.Join(dir, "img.bin"))
	expect.Nil(t, err)

	w.Cleanup()
	expect.False(t, w.IsReady())

	manifest, err := ReadManifest(dir)
	expect.Nil(t, err)
	expect.Equal(t, 1, len(manifest.Buffers))
	expect.Equal(t, 2, manifest.Buffers[0].Revision)
}

func (ExportWindowSuite) TestRequestPlotAndForget(t *testing.T) {
	w := New(Options{Dir: t.TempDir(), Logger: zerolog.Nop()})

	requested := []string{}
	err := w.Initialize(func(name string) {
		requested = append(requested, name)
	})
	expect.Nil(t, err)

	w.RequestPlot("img")
	expect.Equal(t, []string{"img"}, requested)

	err = w.PlotBuffer(newGrayBuffer("img", []byte{1}))
	expect.Nil(t, err)
	expect.Equal(t, []string{"img"}, w.ObservedBuffers())

	w.Forget("img")
	expect.Equal(t, []string{}, w.ObservedBuffers())

	w.Cleanup()
	w.RequestPlot("other")
	expect.Equal(t, []string{"img"}, requested)
}
