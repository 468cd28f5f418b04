package main

import (
	"errors"
	"testing"
	"time"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/bridge/synthetic"
	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/session"
)

type nopWindow struct {
	plotted []string
}

func (w *nopWindow) Initialize(func(string)) error { return nil }
func (w *nopWindow) IsReady() bool                 { return true }
func (w *nopWindow) SetAvailableSymbols([]string)  {}
func (w *nopWindow) ObservedBuffers() []string     { return nil }
func (w *nopWindow) RunEventLoop()                 {}
func (w *nopWindow) Cleanup()                      {}

func (w *nopWindow) PlotBuffer(buf *buffer.Buffer) error {
	w.plotted = append(w.plotted, buf.VariableName)
	return nil
}

type CommandsSuite struct{}

func TestCommands(t *testing.T) {
	suite.RunTests(t, &CommandsSuite{})
}

func newTestCommands(
	t *testing.T,
) (
	*commands,
	*synthetic.Bridge,
	*session.Session,
) {
	b := synthetic.New(bridge.Options{
		PollInterval: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	b.AddSampleBuffers()

	s := session.New(session.Options{
		Bridge:            b,
		Window:            &nopWindow{},
		EventLoopInterval: time.Hour,
		Logger:            zerolog.Nop(),
	})

	err := s.Start()
	expect.Nil(t, err)

	return newCommands(b, s), b, s
}

func (CommandsSuite) TestHexDump(t *testing.T) {
	data := make([]byte, 18)
	for i := range data {
		data[i] = byte(i)
	}

	expect.Equal(
		t,
		"0x0000000000001000: 00 01 02 03 04 05 06 07 08 09 0a 0b 0c 0d 0e 0f\n"+
			"0x0000000000001010: 10 11\n",
		hexDump(0x1000, data))

	expect.Equal(t, "", hexDump(0x1000, nil))
}

func (CommandsSuite) TestQuit(t *testing.T) {
	cmds, _, s := newTestCommands(t)
	defer s.Close()

	err := cmds.run("quit")
	expect.True(t, errors.Is(err, errQuit))
}

func (CommandsSuite) TestArgumentValidation(t *testing.T) {
	cmds, _, s := newTestCommands(t)
	defer s.Close()

	err := cmds.run("plot")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	err = cmds.run("export sample_buffer_1")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	err = cmds.run("memory")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	err = cmds.run("memory 0x1000 0")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (CommandsSuite) TestPlotObserves(t *testing.T) {
	cmds, b, s := newTestCommands(t)
	defer s.Close()

	b.Stop()

	err := cmds.run("plot sample_buffer_1")
	expect.Nil(t, err)
	expect.Equal(t, []string{"sample_buffer_1"}, s.Observed().Names())

	err = cmds.run("plot no_such_symbol")
	expect.NotNil(t, err)
	expect.Equal(t, []string{"sample_buffer_1"}, s.Observed().Names())
}

func (CommandsSuite) TestPassThrough(t *testing.T) {
	cmds, b, s := newTestCommands(t)
	defer s.Close()

	b.Stop()

	err := cmds.run("continue")
	expect.Nil(t, err)

	running := cmds.bridge.Call(func() error {
		if b.IsTargetStopped() {
			return errors.New("target still stopped")
		}
		return nil
	})
	expect.Nil(t, running)

	// non-numeric frame arguments go to the debugger
	err = cmds.run("frame variable")
	expect.Error(t, err, "unsupported command \"frame variable\"")
}
