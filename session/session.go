// Package session glues a debugger bridge to a renderer window.  All
// handlers run on the bridge's dispatch thread.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/export"
	"github.com/pattyshack/imagewatch/window"
)

const DefaultEventLoopInterval = time.Second / 30

type Options struct {
	Bridge bridge.Bridge
	Window window.Window

	// Minimum period between window event loop runs.
	EventLoopInterval time.Duration

	Logger zerolog.Logger
}

type Session struct {
	bridge bridge.Bridge
	window window.Window
	logger zerolog.Logger

	observed *ObservedSet

	eventLoop rate.Sometimes

	mutex   sync.Mutex
	symbols []string
	exited  bool
}

var _ bridge.EventHandler = &Session{}

// New registers the session as the bridge's event handler.  The bridge must
// not be started yet.
func New(opts Options) *Session {
	interval := opts.EventLoopInterval
	if interval <= 0 {
		interval = DefaultEventLoopInterval
	}

	s := &Session{
		bridge:   opts.Bridge,
		window:   opts.Window,
		logger:   opts.Logger,
		observed: NewObservedSet(),
		eventLoop: rate.Sometimes{
			Interval: interval,
		},
	}

	s.bridge.RegisterEventHandlers(s)
	s.bridge.AddTickHook(s.tick)
	return s
}

// Start initializes the window and starts the bridge's dispatch loop.
func (s *Session) Start() error {
	err := s.window.Initialize(s.requestPlot)
	if err != nil {
		return fmt.Errorf("failed to initialize window: %w", err)
	}

	s.bridge.Start()
	return nil
}

func (s *Session) Observed() *ObservedSet {
	return s.observed
}

// Invoked by the window, possibly from its own threads.
func (s *Session) requestPlot(variableName string) {
	s.bridge.QueueRequest(func() {
		s.PlotHandler(variableName)
	})
}

func (s *Session) tick() {
	if !s.window.IsReady() {
		return
	}

	s.eventLoop.Do(s.window.RunEventLoop)
}

// Acquires and plots the named buffer.  A name is only dropped from the
// observed set when acquisition fails while the target is halted.
func (s *Session) plot(variableName string) error {
	buf, err := s.bridge.BufferMetadata(variableName)
	if err != nil {
		if s.bridge.IsTargetStopped() &&
			!errors.Is(err, ErrTargetRunning) &&
			s.observed.Remove(variableName) {

			s.logger.Info().
				Str("variable", variableName).
				Msg("no longer observing buffer")
		}
		return err
	}

	if !s.window.IsReady() {
		return nil
	}

	return s.window.PlotBuffer(buf)
}

func (s *Session) publishSymbols() error {
	available, err := s.bridge.AvailableSymbols()
	if err != nil {
		return err
	}

	symbols := bridge.SortSymbols(available)

	s.mutex.Lock()
	s.symbols = symbols
	s.mutex.Unlock()

	if s.window.IsReady() {
		s.window.SetAvailableSymbols(symbols)
	}
	return nil
}

// Symbols returns the symbols published on the most recent stop.
func (s *Session) Symbols() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]string{}, s.symbols...)
}

// Names of both the session's observed buffers and the window's, in that
// order, without duplicates.
func (s *Session) refreshNames() []string {
	names := s.observed.Names()

	seen := map[string]struct{}{}
	for _, name := range names {
		seen[name] = struct{}{}
	}

	if s.window.IsReady() {
		for _, name := range s.window.ObservedBuffers() {
			_, ok := seen[name]
			if ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	return names
}

func (s *Session) StopHandler() {
	s.mutex.Lock()
	s.exited = false
	s.mutex.Unlock()

	for _, name := range s.refreshNames() {
		err := s.plot(name)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("variable", name).
				Msg("failed to refresh buffer")
		}
	}

	err := s.publishSymbols()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list available symbols")
	}
}

func (s *Session) ExitHandler() {
	s.mutex.Lock()
	s.exited = true
	s.symbols = nil
	s.mutex.Unlock()

	s.logger.Info().Msg("target exited")

	if s.window.IsReady() {
		s.window.SetAvailableSymbols(nil)
	}
}

func (s *Session) Exited() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.exited
}

func (s *Session) PlotHandler(variableName string) {
	err := s.Plot(variableName)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("variable", variableName).
			Msg("failed to plot buffer")
	}
}

// Plot observes the named buffer and plots it.  Must be called on the
// dispatch thread.
func (s *Session) Plot(variableName string) error {
	if variableName == "" {
		return fmt.Errorf("%w. empty variable name", ErrInvalidArgument)
	}

	s.observed.Add(variableName)
	return s.plot(variableName)
}

// Acquire copies the named buffer without observing it.  Must be called on
// the dispatch thread.
func (s *Session) Acquire(variableName string) (*buffer.Buffer, error) {
	return s.bridge.BufferMetadata(variableName)
}

// Export writes the named buffer to path.  Must be called on the dispatch
// thread.
func (s *Session) Export(variableName string, path string) error {
	buf, err := s.bridge.BufferMetadata(variableName)
	if err != nil {
		return err
	}

	return export.WriteFile(path, buf, export.FormatForPath(path))
}

// Refresh re-plots observed buffers and republishes symbols, as if the
// target just stopped.  Must be called on the dispatch thread.
func (s *Session) Refresh() {
	s.StopHandler()
}

// Close stops the bridge (draining pending work) and releases the window.
func (s *Session) Close() error {
	err := s.bridge.Close()
	s.window.Cleanup()
	return err
}
