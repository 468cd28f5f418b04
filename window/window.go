// Package window defines the renderer boundary.  Only primitive buffer
// fields (and the copied bytes) cross it.
package window

import (
	"github.com/pattyshack/imagewatch/buffer"
)

// Window is driven exclusively from the bridge's dispatch thread, except
// for the plot request callback, which the window may invoke from its own
// threads and which only enqueues work.
type Window interface {
	Initialize(plotRequest func(variableName string)) error

	IsReady() bool

	PlotBuffer(buf *buffer.Buffer) error

	// symbols are expected to be sorted (see bridge.SortSymbols).
	SetAvailableSymbols(symbols []string)

	// Names of the buffers currently shown by the window.
	ObservedBuffers() []string

	// Pumps the window's events.  Called at a bounded rate.
	RunEventLoop()

	Cleanup()
}
