package bridge

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/dispatch"
	"github.com/pattyshack/imagewatch/inspector"
	"github.com/pattyshack/imagewatch/procfs"
	"github.com/pattyshack/imagewatch/symbol"
)

const DefaultMaxDepth = 6

// EventHandler receives notifications on the bridge's dispatch thread.
type EventHandler interface {
	// The target halted (breakpoint, step, signal, frame change).
	StopHandler()

	// The target process exited.
	ExitHandler()

	// The user requested the named buffer be plotted.
	PlotHandler(variableName string)
}

// Bridge is the debugger-neutral contract implemented by each backend.
//
// Evaluate, BufferMetadata, AvailableSymbols, Execute, SelectFrame and
// ReadMemory must only be invoked on the bridge's dispatch thread (i.e., from
// an event handler, from a queued request, or via Call).
type Bridge interface {
	BackendName() string

	Evaluate(expression string) (symbol.Reference, error)

	// Returns the described buffer with its bytes copied out of the debuggee.
	BufferMetadata(variableName string) (*buffer.Buffer, error)

	// Observable symbols in the current scope, including dotted paths to
	// nested observable members.
	AvailableSymbols() (map[string]struct{}, error)

	RegisterEventHandlers(handler EventHandler)

	// Registers a hook invoked once per dispatch loop iteration.  Must be
	// called before Start.
	AddTickHook(hook func())

	// Starts the dispatch loop.
	Start()

	// Enqueues work for execution on the bridge's dispatch thread.
	QueueRequest(request func())

	// Executes request on the bridge's dispatch thread and waits for its
	// result.
	Call(request func() error) error

	// Debugger console pass-through.
	Execute(command string) (string, error)

	SelectFrame(index int) error

	ReadMemory(addr VirtualAddress, out []byte) (int, error)

	IsTargetStopped() bool

	Close() error
}

// Target is the subset of backend functionality needed by the shared
// acquisition routine.
type Target interface {
	Evaluate(expression string) (symbol.Reference, error)
	ReadMemory(addr VirtualAddress, out []byte) (int, error)
}

// Optionally implemented by targets that can cheaply check whether a range
// is mapped before reading it.
type ReadableChecker interface {
	CheckReadable(target AddressRange) error
}

type Options struct {
	Registry *inspector.Registry
	Guard    *buffer.Guard

	PollInterval time.Duration

	// Maximum member nesting depth explored by symbol enumeration.
	MaxDepth int

	// Used to confirm that a local debuggee is actually halted.  Defaults to
	// reading /proc/<pid>/stat.
	ProcessStatus func(pid int) (procfs.ProcessStatus, error)

	Logger zerolog.Logger
}

func (opts Options) withDefaults() Options {
	if opts.Registry == nil {
		opts.Registry = inspector.NewDefaultRegistry()
	}

	if opts.Guard == nil {
		opts.Guard = buffer.NewGuard(buffer.DefaultMemoryFraction, opts.Logger)
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = dispatch.DefaultInterval
	}

	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	if opts.ProcessStatus == nil {
		opts.ProcessStatus = procfs.GetProcessStatus
	}

	return opts
}
