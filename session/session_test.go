package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/bridge/synthetic"
	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol/literal"
)

type fakeWindow struct {
	plotRequest func(string)
	ready       bool

	plotted   []string
	buffers   map[string]*buffer.Buffer
	symbols   [][]string
	observed  []string
	eventRuns int
	cleanedUp bool
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{
		buffers: map[string]*buffer.Buffer{},
	}
}

func (w *fakeWindow) Initialize(plotRequest func(string)) error {
	w.plotRequest = plotRequest
	w.ready = true
	return nil
}

func (w *fakeWindow) IsReady() bool {
	return w.ready
}

func (w *fakeWindow) PlotBuffer(buf *buffer.Buffer) error {
	w.plotted = append(w.plotted, buf.VariableName)
	w.buffers[buf.VariableName] = buf
	return nil
}

func (w *fakeWindow) SetAvailableSymbols(symbols []string) {
	w.symbols = append(w.symbols, symbols)
}

func (w *fakeWindow) ObservedBuffers() []string {
	return w.observed
}

func (w *fakeWindow) RunEventLoop() {
	w.eventRuns++
}

func (w *fakeWindow) Cleanup() {
	w.ready = false
	w.cleanedUp = true
}

func newTestSession(t *testing.T) (*Session, *synthetic.Bridge, *fakeWindow) {
	b := synthetic.New(bridge.Options{Logger: zerolog.Nop()})
	b.AddSampleBuffers()

	// a cv::Mat whose data pointer is null
	b.Define(
		0,
		"empty",
		literal.Struct(
			"cv::Mat",
			literal.Field("flags", literal.Int("int", 0x42ff4000)),
			literal.Field("rows", literal.Int("int", 0)),
			literal.Field("cols", literal.Int("int", 0)),
			literal.Field("data", literal.Pointer("uchar *", 0, nil)),
			literal.Field(
				"step",
				literal.Struct(
					"cv::MatStep",
					literal.Field(
						"buf",
						literal.Array(
							"size_t [2]",
							literal.Int("size_t", 0),
							literal.Int("size_t", 0)))))))

	w := newFakeWindow()
	s := New(Options{
		Bridge:            b,
		Window:            w,
		EventLoopInterval: time.Hour,
		Logger:            zerolog.Nop(),
	})

	err := w.Initialize(s.requestPlot)
	expect.Nil(t, err)

	return s, b, w
}

type ObservedSetSuite struct{}

func TestObservedSet(t *testing.T) {
	suite.RunTests(t, &ObservedSetSuite{})
}

func (ObservedSetSuite) TestOrderedSet(t *testing.T) {
	set := NewObservedSet()
	expect.True(t, set.Add("b"))
	expect.True(t, set.Add("a"))
	expect.False(t, set.Add("b"))
	expect.Equal(t, []string{"b", "a"}, set.Names())
	expect.Equal(t, 2, set.Len())

	expect.True(t, set.Contains("a"))
	expect.True(t, set.Remove("b"))
	expect.False(t, set.Remove("b"))
	expect.False(t, set.Contains("b"))
	expect.Equal(t, []string{"a"}, set.Names())
}

type SessionSuite struct{}

func TestSession(t *testing.T) {
	suite.RunTests(t, &SessionSuite{})
}

func (SessionSuite) TestPlot(t *testing.T) {
	s, b, w := newTestSession(t)
	defer b.Close()

	err := s.Plot("sample_buffer_1")
	expect.Nil(t, err)
	expect.Equal(t, []string{"sample_buffer_1"}, w.plotted)
	expect.Equal(t, []string{"sample_buffer_1"}, s.Observed().Names())

	buf := w.buffers["sample_buffer_1"]
	expect.Equal(t, synthetic.SampleWidth, buf.Width)
	expect.Equal(t, synthetic.SampleHeight, buf.Height)
	expect.Equal(t, 3, buf.Channels)
	expect.Equal(t, buffer.BGRA, buf.PixelLayout)
	expect.Equal(t, synthetic.SampleWidth*synthetic.SampleHeight*3, len(buf.Data))

	err = s.Plot("")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (SessionSuite) TestNullBufferIsNotObserved(t *testing.T) {
	s, b, w := newTestSession(t)
	defer b.Close()

	err := s.Plot("empty")
	expect.True(t, errors.Is(err, ErrInvalidBuffer))
	expect.Equal(t, 0, len(w.plotted))
	expect.False(t, s.Observed().Contains("empty"))

	err = s.Plot("no_such_symbol")
	expect.NotNil(t, err)
	expect.False(t, s.Observed().Contains("no_such_symbol"))
}

func (SessionSuite) TestRunningTargetKeepsObservation(t *testing.T) {
	s, b, w := newTestSession(t)
	defer b.Close()

	b.Resume()

	err := s.Plot("sample_buffer_2")
	expect.True(t, errors.Is(err, ErrTargetRunning))
	expect.True(t, s.Observed().Contains("sample_buffer_2"))
	expect.Equal(t, 0, len(w.plotted))

	b.Stop()
	b.Loop.RunOnce()

	expect.Equal(t, []string{"sample_buffer_2"}, w.plotted)
	expect.Equal(
		t,
		[][]string{{"empty", "sample_buffer_1", "sample_buffer_2"}},
		w.symbols)
	expect.Equal(
		t,
		[]string{"empty", "sample_buffer_1", "sample_buffer_2"},
		s.Symbols())
}

func (SessionSuite) TestStopRefreshesWindowObservedBuffers(t *testing.T) {
	s, b, w := newTestSession(t)
	defer b.Close()

	err := s.Plot("sample_buffer_1")
	expect.Nil(t, err)

	w.observed = []string{"sample_buffer_2", "sample_buffer_1"}
	w.plotted = nil

	b.Stop()
	b.Loop.RunOnce()

	expect.Equal(t, []string{"sample_buffer_1", "sample_buffer_2"}, w.plotted)
}

func (SessionSuite) TestStopDropsVanishedBuffers(t *testing.T) {
	s, b, w := newTestSession(t)
	defer b.Close()

	err := s.Plot("sample_buffer_1")
	expect.Nil(t, err)

	// e.g., stepped out of the buffer's scope
	b.Undefine(0, "sample_buffer_1")
	w.plotted = nil

	b.Stop()
	b.Loop.RunOnce()

	expect.Equal(t, 0, len(w.plotted))
	expect.False(t, s.Observed().Contains("sample_buffer_1"))
	expect.Equal(t, []string{"empty", "sample_buffer_2"}, s.Symbols())
}

func (SessionSuite) TestWindowPlotRequest(t *testing.T) {
	s, b, w := newTestSession(t)
	defer b.Close()

	w.plotRequest("sample_buffer_2")
	expect.Equal(t, 0, len(w.plotted))

	b.Loop.RunOnce()
	expect.Equal(t, []string{"sample_buffer_2"}, w.plotted)
	expect.True(t, s.Observed().Contains("sample_buffer_2"))
}

func (SessionSuite) TestExit(t *testing.T) {
	s, b, w := newTestSession(t)
	defer b.Close()

	b.Stop()
	b.Loop.RunOnce()
	expect.False(t, s.Exited())

	b.Exit()
	b.Loop.RunOnce()

	expect.True(t, s.Exited())
	expect.Equal(t, 0, len(s.Symbols()))
	expect.Equal(t, 2, len(w.symbols))
	expect.Equal(t, 0, len(w.symbols[1]))
}

func (SessionSuite) TestEventLoopRateLimit(t *testing.T) {
	_, b, w := newTestSession(t)
	defer b.Close()

	b.Loop.RunOnce()
	b.Loop.RunOnce()
	b.Loop.RunOnce()
	expect.Equal(t, 1, w.eventRuns)

	w.ready = false
	b.Loop.RunOnce()
	expect.Equal(t, 1, w.eventRuns)
}

func (SessionSuite) TestExport(t *testing.T) {
	s, b, _ := newTestSession(t)
	defer b.Close()

	path := filepath.Join(t.TempDir(), "sample.bin")
	err := s.Export("sample_buffer_2", path)
	expect.Nil(t, err)

	content, err := os.ReadFile(path)
	expect.Nil(t, err)
	expect.Equal(t, "float\n", string(content[:6]))
	expect.Equal(
		t,
		6+12+synthetic.SampleWidth*synthetic.SampleHeight*4,
		len(content))

	expect.False(t, s.Observed().Contains("sample_buffer_2"))
}

func (SessionSuite) TestClose(t *testing.T) {
	s, _, w := newTestSession(t)

	err := s.Close()
	expect.Nil(t, err)
	expect.True(t, w.cleanedUp)
}
