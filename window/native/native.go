// Package native binds the renderer shared library (liboidbridge) through
// its C ABI, without cgo.
package native

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/window"
)

const (
	DefaultLibraryName = "liboidbridge.so"

	observedBuffersCapacity = 1 << 16
)

// Function table of the renderer library.  Every buffer field crosses the
// boundary as a primitive.
type library struct {
	handle uintptr

	initialize func(callback uintptr, oidPath string) uintptr
	exec       func(window uintptr)

	isWindowReady func(window uintptr) bool
	runEventLoop  func(window uintptr)
	cleanup       func(window uintptr)

	plotBuffer func(
		window uintptr,
		variableName string,
		displayName string,
		data unsafe.Pointer,
		size uintptr,
		width int32,
		height int32,
		channels int32,
		elementType int32,
		rowStride int32,
		pixelLayout string,
		transpose int32,
	)

	setAvailableSymbols func(window uintptr, symbols string)

	getObservedBuffers func(
		window uintptr,
		out unsafe.Pointer,
		capacity uintptr,
	) uintptr
}

func openLibrary(path string) (lib *library, err error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w. failed to load %s: %w", ErrBackendUnavailable, path, err)
	}

	// RegisterLibFunc panics on missing symbols.
	defer func() {
		r := recover()
		if r != nil {
			_ = purego.Dlclose(handle)
			lib = nil
			err = fmt.Errorf("%w. %s: %v", ErrBackendUnavailable, path, r)
		}
	}()

	lib = &library{handle: handle}
	purego.RegisterLibFunc(&lib.initialize, handle, "oid_initialize")
	purego.RegisterLibFunc(&lib.exec, handle, "oid_exec")
	purego.RegisterLibFunc(&lib.isWindowReady, handle, "oid_is_window_ready")
	purego.RegisterLibFunc(&lib.runEventLoop, handle, "oid_run_event_loop")
	purego.RegisterLibFunc(&lib.cleanup, handle, "oid_cleanup")
	purego.RegisterLibFunc(&lib.plotBuffer, handle, "oid_plot_buffer_safe")
	purego.RegisterLibFunc(
		&lib.setAvailableSymbols,
		handle,
		"oid_set_available_symbols_safe")
	purego.RegisterLibFunc(
		&lib.getObservedBuffers,
		handle,
		"oid_get_observed_buffers_safe")

	return lib, nil
}

type Options struct {
	LibraryPath string

	// Renderer installation directory passed to oid_initialize.
	OidPath string

	Logger zerolog.Logger
}

type Window struct {
	opts   Options
	logger zerolog.Logger

	lib *library

	mutex       sync.Mutex
	handle      uintptr
	plotRequest func(string)

	// Plotted bytes must outlive the call since the renderer may upload them
	// lazily.  Retained per variable until replaced.
	retained map[string][]byte
}

var _ window.Window = &Window{}

func New(opts Options) *Window {
	if opts.LibraryPath == "" {
		opts.LibraryPath = DefaultLibraryName
	}

	return &Window{
		opts:     opts,
		logger:   opts.Logger,
		retained: map[string][]byte{},
	}
}

// Reads a nul terminated c string.
func goString(ptr unsafe.Pointer) string {
	if ptr == nil {
		return ""
	}

	length := 0
	for *(*byte)(unsafe.Add(ptr, length)) != 0 {
		length++
	}

	return string(unsafe.Slice((*byte)(ptr), length))
}

func (w *Window) onPlotRequest(name unsafe.Pointer) int32 {
	w.mutex.Lock()
	plotRequest := w.plotRequest
	w.mutex.Unlock()

	if plotRequest == nil {
		return 0
	}

	plotRequest(goString(name))
	return 1
}

func (w *Window) Initialize(plotRequest func(variableName string)) error {
	lib, err := openLibrary(w.opts.LibraryPath)
	if err != nil {
		return err
	}

	w.mutex.Lock()
	w.lib = lib
	w.plotRequest = plotRequest
	w.mutex.Unlock()

	callback := purego.NewCallback(w.onPlotRequest)

	handle := lib.initialize(callback, w.opts.OidPath)
	if handle == 0 {
		return fmt.Errorf("%w. oid_initialize failed", ErrBackendUnavailable)
	}

	w.mutex.Lock()
	w.handle = handle
	w.mutex.Unlock()

	lib.exec(handle)

	w.logger.Info().Str("library", w.opts.LibraryPath).Msg("native window initialized")
	return nil
}

func (w *Window) window() uintptr {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.handle
}

func (w *Window) IsReady() bool {
	handle := w.window()
	if handle == 0 {
		return false
	}
	return w.lib.isWindowReady(handle)
}

func (w *Window) PlotBuffer(buf *buffer.Buffer) error {
	handle := w.window()
	if handle == 0 {
		return fmt.Errorf("%w. native window is not initialized", ErrInvalidArgument)
	}

	if len(buf.Data) == 0 {
		return fmt.Errorf("%w. %s is empty", ErrInvalidBuffer, &buf.Descriptor)
	}

	transpose := int32(0)
	if buf.TransposeBuffer {
		transpose = 1
	}

	w.mutex.Lock()
	w.retained[buf.VariableName] = buf.Data
	w.mutex.Unlock()

	w.lib.plotBuffer(
		handle,
		buf.VariableName,
		buf.DisplayName,
		unsafe.Pointer(&buf.Data[0]),
		uintptr(len(buf.Data)),
		int32(buf.Width),
		int32(buf.Height),
		int32(buf.Channels),
		int32(buf.Type),
		int32(buf.RowStride),
		string(buf.PixelLayout),
		transpose)

	return nil
}

func (w *Window) SetAvailableSymbols(symbols []string) {
	handle := w.window()
	if handle == 0 {
		return
	}

	w.lib.setAvailableSymbols(handle, strings.Join(symbols, "\n"))
}

func (w *Window) ObservedBuffers() []string {
	handle := w.window()
	if handle == 0 {
		return nil
	}

	out := make([]byte, observedBuffersCapacity)
	size := w.lib.getObservedBuffers(
		handle,
		unsafe.Pointer(&out[0]),
		uintptr(len(out)))
	if size == 0 {
		return nil
	}

	if size > uintptr(len(out)) {
		w.logger.Warn().
			Uint64("size", uint64(size)).
			Msg("observed buffer list truncated")
		size = uintptr(len(out))
	}

	return splitNames(string(out[:size]))
}

func splitNames(joined string) []string {
	names := []string{}
	for _, name := range strings.Split(joined, "\n") {
		name = strings.TrimRight(name, "\x00")
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (w *Window) RunEventLoop() {
	handle := w.window()
	if handle == 0 {
		return
	}

	w.lib.runEventLoop(handle)
}

func (w *Window) Cleanup() {
	w.mutex.Lock()
	handle := w.handle
	w.handle = 0
	w.plotRequest = nil
	w.retained = map[string][]byte{}
	w.mutex.Unlock()

	if handle != 0 {
		w.lib.cleanup(handle)
	}
}
