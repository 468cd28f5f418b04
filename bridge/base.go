package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/dispatch"
	"github.com/pattyshack/imagewatch/inspector"
	"github.com/pattyshack/imagewatch/memory"
	"github.com/pattyshack/imagewatch/procfs"
	"github.com/pattyshack/imagewatch/symbol"
)

// Base implements the backend independent parts of Bridge.  Backends embed
// Base and pass themselves as the Target to Acquire.
type Base struct {
	Registry *inspector.Registry
	Guard    *buffer.Guard
	MaxDepth int

	ProcessStatus func(pid int) (procfs.ProcessStatus, error)

	Loop *dispatch.Loop

	Logger zerolog.Logger

	mutex   sync.Mutex
	handler EventHandler
}

func NewBase(opts Options) *Base {
	opts = opts.withDefaults()

	return &Base{
		Registry: opts.Registry,
		Guard:    opts.Guard,
		MaxDepth: opts.MaxDepth,

		ProcessStatus: opts.ProcessStatus,

		Loop:   dispatch.NewLoop(opts.PollInterval, opts.Logger),
		Logger: opts.Logger,
	}
}

func (base *Base) RegisterEventHandlers(handler EventHandler) {
	base.mutex.Lock()
	defer base.mutex.Unlock()

	base.handler = handler
}

func (base *Base) Handler() EventHandler {
	base.mutex.Lock()
	defer base.mutex.Unlock()

	return base.handler
}

// ConfirmStopped cross-checks the debugger's last reported run state with
// the kernel's view of the debuggee.  A debuggee which is running or gone
// is never considered stopped.  Without a local pid (or when /proc cannot
// be read for other reasons) the debugger's view is trusted.
func (base *Base) ConfirmStopped(stopped bool, pid int) bool {
	if !stopped {
		return false
	}

	if pid <= 0 || base.ProcessStatus == nil {
		return true
	}

	status, err := base.ProcessStatus(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false
		}

		base.Logger.Debug().
			Err(err).
			Int("pid", pid).
			Msg("failed to query process status")
		return true
	}

	if status.State.IsTerminated() {
		return false
	}

	return status.State.IsHalted()
}

func (base *Base) Start() {
	base.Loop.Start()
}

func (base *Base) AddTickHook(hook func()) {
	base.Loop.AddTickHook(hook)
}

func (base *Base) QueueRequest(request func()) {
	base.Loop.Enqueue(request)
}

func (base *Base) Call(request func() error) error {
	return base.Loop.Call(request)
}

// Enqueues a stop notification.  Safe to call from any goroutine.
func (base *Base) NotifyStop() {
	base.Loop.EnqueueEvent(func() {
		handler := base.Handler()
		if handler != nil {
			handler.StopHandler()
		}
	})
}

// Enqueues an exit notification.  Safe to call from any goroutine.
func (base *Base) NotifyExit() {
	base.Loop.EnqueueEvent(func() {
		handler := base.Handler()
		if handler != nil {
			handler.ExitHandler()
		}
	})
}

// Acquire evaluates variableName, describes it, validates the descriptor and
// copies the described bytes out of the debuggee.
func (base *Base) Acquire(
	target Target,
	variableName string,
) (
	*buffer.Buffer,
	error,
) {
	ref, err := target.Evaluate(variableName)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", variableName, err)
	}

	desc, err := base.Registry.Describe(variableName, ref)
	if err != nil {
		return nil, err
	}
	desc.VariableName = variableName

	err = base.Guard.Validate(desc)
	if err != nil {
		return nil, err
	}

	checker, ok := target.(ReadableChecker)
	if ok {
		err = checker.CheckReadable(desc.Range())
		if err != nil {
			return nil, err
		}
	}

	data := make([]byte, desc.ByteSize())
	err = memory.ReadFull(readerFunc(target.ReadMemory), desc.Pointer, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", desc, err)
	}

	return &buffer.Buffer{
		Descriptor: *desc,
		Data:       data,
	}, nil
}

type readerFunc func(VirtualAddress, []byte) (int, error)

func (f readerFunc) Read(addr VirtualAddress, out []byte) (int, error) {
	return f(addr, out)
}

// CollectObservable walks the given root symbols (and their nested members)
// and returns every observable symbol path.
//
// Pointers are only followed at the root (e.g., `this`).  Types already on
// the current traversal path are not re-entered, and the walk is bounded by
// MaxDepth.  Failures are contained per symbol.
func (base *Base) CollectObservable(roots []symbol.Field) map[string]struct{} {
	result := map[string]struct{}{}
	for _, root := range roots {
		base.collect(result, root.Name, root.Reference, 0, map[string]struct{}{})
	}
	return result
}

func (base *Base) collect(
	result map[string]struct{},
	path string,
	ref symbol.Reference,
	depth int,
	visiting map[string]struct{},
) {
	defer func() {
		r := recover()
		if r != nil {
			base.Logger.Warn().
				Str("symbol", path).
				Interface("panic", r).
				Msg("failed to inspect symbol")
		}
	}()

	if ref == nil {
		return
	}

	if base.Registry.IsObservable(ref, path) {
		result[path] = struct{}{}
		return
	}

	if depth >= base.MaxDepth {
		return
	}

	typeName := ref.TypeName()
	if depth > 0 && symbol.IsPointerType(typeName) {
		return
	}

	if symbol.IsArrayType(typeName) || !ref.HasChildren() {
		return
	}

	baseType := symbol.BaseTypeName(typeName)
	_, ok := visiting[baseType]
	if ok {
		return
	}
	visiting[baseType] = struct{}{}
	defer delete(visiting, baseType)

	fields, err := ref.Fields()
	if err != nil {
		base.Logger.Debug().
			Err(err).
			Str("symbol", path).
			Msg("failed to list symbol fields")
		return
	}

	for _, field := range fields {
		base.collect(
			result,
			symbol.JoinPath(path, field.Name),
			field.Reference,
			depth+1,
			visiting)
	}
}

func (base *Base) Close() error {
	return base.Loop.Close()
}
