// Package lldb implements the debugger bridge on top of lldb-dap (debug
// adapter protocol over stdio).
package lldb

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/memory"
	"github.com/pattyshack/imagewatch/procfs"
	"github.com/pattyshack/imagewatch/symbol"
)

const (
	BackendName = "lldb"

	// lldb-dap's repl prefix for forcing command interpretation.
	commandEscape = "`"

	maxReadChunk = 1 << 20

	maxFlattenDepth = 8

	shutdownTimeout = 3 * time.Second
)

var (
	adapterNames = []string{"lldb-dap", "lldb-vscode"}

	frameInfoPattern = regexp.MustCompile(`frame #(\d+)`)

	// lldb-dap uses the system thread id as the dap thread id.
	threadInfoPattern = regexp.MustCompile(`tid = (0x[0-9a-fA-F]+|\d+)`)
)

type Options struct {
	bridge.Options

	// lldb-dap executable.  Defaults to lldb-dap (or lldb-vscode).
	Path string

	Pid int

	Program string
	Args    []string

	// Debuggee stdout / stderr forwarded by the adapter.  Defaults to
	// os.Stdout.
	Terminal io.Writer

	DirectReads bool

	RequestTimeout time.Duration
}

type frameState struct {
	threadId   int
	frameIndex int
}

type Bridge struct {
	*bridge.Base

	client  *Client
	process *exec.Cmd

	terminal    io.Writer
	directReads bool

	initialized     chan struct{}
	initializedOnce sync.Once

	mutex    sync.Mutex
	pid      int
	stopped  bool
	exited   bool
	threadId int // thread of the most recent stop
	resync   bool
	frameId  int // 0 when stale

	// Frame-change state machine.  Only accessed on the dispatch thread.
	hasSample  bool
	lastSample frameState
}

var _ bridge.Bridge = &Bridge{}

func findAdapter(path string) (string, error) {
	if path != "" {
		return exec.LookPath(path)
	}

	var lastErr error
	for _, name := range adapterNames {
		found, err := exec.LookPath(name)
		if err == nil {
			return found, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// New spawns lldb-dap and attaches to / launches the configured target.
func New(opts Options) (*Bridge, error) {
	path, err := findAdapter(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w. lldb-dap not found: %w", ErrBackendUnavailable, err)
	}

	process := exec.Command(path)

	stdin, err := process.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w. %w", ErrBackendUnavailable, err)
	}

	stdout, err := process.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w. %w", ErrBackendUnavailable, err)
	}

	err = process.Start()
	if err != nil {
		return nil, fmt.Errorf(
			"%w. failed to start lldb-dap: %w",
			ErrBackendUnavailable,
			err)
	}

	b := newBridge(opts, stdout, stdin)
	b.process = process

	err = b.initialize(opts)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w. %w", ErrBackendUnavailable, err)
	}

	return b, nil
}

func newBridge(opts Options, reader io.Reader, writer io.Writer) *Bridge {
	terminal := opts.Terminal
	if terminal == nil {
		terminal = os.Stdout
	}

	b := &Bridge{
		Base:        bridge.NewBase(opts.Options),
		terminal:    terminal,
		directReads: opts.DirectReads,
		initialized: make(chan struct{}),
	}

	b.client = NewClient(reader, writer, b.handleEvent, b.Logger)
	if opts.RequestTimeout > 0 {
		b.client.SetTimeout(opts.RequestTimeout)
	}

	b.Loop.SetPoller(b.pollFrame)

	go func() {
		<-b.client.Done()
		b.markExited()
	}()

	return b
}

func (b *Bridge) initialize(opts Options) error {
	_, err := b.client.Send(
		&dap.InitializeRequest{
			Request: newRequest("initialize"),
			Arguments: dap.InitializeRequestArguments{
				ClientID:                 "imagewatch",
				ClientName:               "imagewatch",
				AdapterID:                "lldb-dap",
				LinesStartAt1:            true,
				ColumnsStartAt1:          true,
				PathFormat:               "path",
				SupportsVariableType:     true,
				SupportsMemoryReferences: true,
			},
		})
	if err != nil {
		return err
	}

	var start dap.RequestMessage
	if opts.Pid > 0 {
		args, err := json.Marshal(map[string]any{"pid": opts.Pid})
		if err != nil {
			panic("should never happen")
		}

		start = &dap.AttachRequest{
			Request:   newRequest("attach"),
			Arguments: args,
		}

		b.mutex.Lock()
		b.pid = opts.Pid
		b.mutex.Unlock()
	} else if opts.Program != "" {
		programArgs := opts.Args
		if programArgs == nil {
			programArgs = []string{}
		}

		args, err := json.Marshal(
			map[string]any{
				"program":     opts.Program,
				"args":        programArgs,
				"stopOnEntry": true,
			})
		if err != nil {
			panic("should never happen")
		}

		start = &dap.LaunchRequest{
			Request:   newRequest("launch"),
			Arguments: args,
		}
	} else {
		return fmt.Errorf("%w. lldb requires a pid or a program", ErrInvalidArgument)
	}

	// NOTE: some adapter versions only answer attach / launch after
	// configurationDone, which in turn must wait for the initialized event.
	pending, err := b.client.Start(start)
	if err != nil {
		return err
	}

	select {
	case <-b.initialized:
	case <-b.client.Done():
		return b.client.closedError()
	case <-time.After(b.client.timeout):
		return fmt.Errorf("timed out waiting for initialized event")
	}

	_, err = b.client.Send(
		&dap.ConfigurationDoneRequest{
			Request: newRequest("configurationDone"),
		})
	if err != nil {
		return err
	}

	_, err = pending.Wait()
	return err
}

func (b *Bridge) BackendName() string {
	return BackendName
}

// Runs on the client's reader goroutine; only updates state and enqueues.
func (b *Bridge) handleEvent(event dap.EventMessage) {
	switch typed := event.(type) {
	case *dap.InitializedEvent:
		b.initializedOnce.Do(func() {
			close(b.initialized)
		})
	case *dap.StoppedEvent:
		b.mutex.Lock()
		b.stopped = true
		b.exited = false
		if typed.Body.ThreadId != 0 {
			b.threadId = typed.Body.ThreadId
		}
		b.resync = true
		b.frameId = 0
		b.mutex.Unlock()

		b.NotifyStop()
	case *dap.ContinuedEvent:
		b.mutex.Lock()
		b.stopped = false
		b.frameId = 0
		b.mutex.Unlock()
	case *dap.ExitedEvent, *dap.TerminatedEvent:
		b.markExited()
	case *dap.ProcessEvent:
		if typed.Body.SystemProcessId > 0 {
			b.mutex.Lock()
			b.pid = typed.Body.SystemProcessId
			b.mutex.Unlock()
		}
	case *dap.OutputEvent:
		switch typed.Body.Category {
		case "stdout", "stderr":
			_, _ = io.WriteString(b.terminal, typed.Body.Output)
		default:
			b.Logger.Debug().
				Str("category", typed.Body.Category).
				Str("output", typed.Body.Output).
				Msg("adapter output")
		}
	}
}

func (b *Bridge) markExited() {
	b.mutex.Lock()
	if b.exited {
		b.mutex.Unlock()
		return
	}
	b.exited = true
	b.stopped = false
	b.pid = 0
	b.frameId = 0
	b.mutex.Unlock()

	b.NotifyExit()
}

func (b *Bridge) IsTargetStopped() bool {
	b.mutex.Lock()
	stopped := b.stopped
	pid := b.pid
	b.mutex.Unlock()

	return b.ConfirmStopped(stopped, pid)
}

func (b *Bridge) Pid() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.pid
}

func (b *Bridge) checkInspectable() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.exited {
		return fmt.Errorf("%w. the program is not being run", ErrProcessExited)
	}

	if !b.stopped {
		return fmt.Errorf("%w. cannot inspect a running target", ErrTargetRunning)
	}

	return nil
}

func (b *Bridge) invalidateFrame() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.frameId = 0
}

func (b *Bridge) stoppedThread() (int, error) {
	b.mutex.Lock()
	threadId := b.threadId
	b.mutex.Unlock()

	if threadId != 0 {
		return threadId, nil
	}

	resp, err := call[*dap.ThreadsResponse](
		b.client,
		&dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return 0, err
	}

	if len(resp.Body.Threads) == 0 {
		return 0, fmt.Errorf("%w. no threads", ErrProcessExited)
	}
	return resp.Body.Threads[0].Id, nil
}

func (b *Bridge) runCommand(command string, frameId int) (string, error) {
	resp, err := call[*dap.EvaluateResponse](
		b.client,
		&dap.EvaluateRequest{
			Request: newRequest("evaluate"),
			Arguments: dap.EvaluateArguments{
				Expression: commandEscape + command,
				FrameId:    frameId,
				Context:    "repl",
			},
		})
	if err != nil {
		return "", err
	}

	output := resp.Body.Result
	if strings.HasPrefix(strings.TrimSpace(output), "error:") {
		return output, fmt.Errorf("%s", strings.TrimSpace(output))
	}
	return output, nil
}

// Returns the thread selected in the debugger console, which may differ
// from the stopped thread after `thread select`.
func (b *Bridge) selectedThread() (int, error) {
	output, err := b.runCommand("thread info", 0)
	if err == nil {
		match := threadInfoPattern.FindStringSubmatch(output)
		if match != nil {
			id, err := strconv.ParseInt(match[1], 0, 64)
			if err == nil && id > 0 {
				return int(id), nil
			}
		}
		err = fmt.Errorf("unexpected thread info output: %q", output)
	}

	b.Logger.Debug().Err(err).Msg("falling back to stopped thread")
	return b.stoppedThread()
}

func (b *Bridge) sampleFrame() (frameState, error) {
	threadId, err := b.selectedThread()
	if err != nil {
		return frameState{}, err
	}

	output, err := b.runCommand("frame info", 0)
	if err != nil {
		return frameState{}, err
	}

	match := frameInfoPattern.FindStringSubmatch(output)
	if match == nil {
		return frameState{}, fmt.Errorf("unexpected frame info output: %q", output)
	}

	index, err := strconv.Atoi(match[1])
	if err != nil {
		panic("should never happen")
	}

	return frameState{
		threadId:   threadId,
		frameIndex: index,
	}, nil
}

// Detects thread / frame selection changes made through the debugger
// console (e.g., `up`, `thread select 2`) and reports them as stop events.
func (b *Bridge) pollFrame() {
	if !b.IsTargetStopped() {
		return
	}

	sample, err := b.sampleFrame()
	if err != nil {
		b.Logger.Debug().Err(err).Msg("failed to sample selected frame")
		return
	}

	b.mutex.Lock()
	resync := b.resync
	b.resync = false
	b.mutex.Unlock()

	if resync || !b.hasSample {
		b.hasSample = true
		b.lastSample = sample
		return
	}

	if sample != b.lastSample {
		b.lastSample = sample
		b.invalidateFrame()
		b.NotifyStop()
	}
}

// Returns the dap frame id of the selected frame.
func (b *Bridge) currentFrameId() (int, error) {
	b.mutex.Lock()
	frameId := b.frameId
	b.mutex.Unlock()

	if frameId != 0 {
		return frameId, nil
	}

	sample, err := b.sampleFrame()
	if err != nil {
		return 0, err
	}

	resp, err := call[*dap.StackTraceResponse](
		b.client,
		&dap.StackTraceRequest{
			Request: newRequest("stackTrace"),
			Arguments: dap.StackTraceArguments{
				ThreadId:   sample.threadId,
				StartFrame: sample.frameIndex,
				Levels:     1,
			},
		})
	if err != nil {
		return 0, err
	}

	if len(resp.Body.StackFrames) == 0 {
		return 0, fmt.Errorf(
			"%w. no frame at level %d",
			ErrInvalidArgument,
			sample.frameIndex)
	}

	frameId = resp.Body.StackFrames[0].Id

	b.mutex.Lock()
	b.frameId = frameId
	b.mutex.Unlock()

	return frameId, nil
}

func (b *Bridge) evaluate(expression string, context string) (*variable, error) {
	frameId, err := b.currentFrameId()
	if err != nil {
		return nil, err
	}

	resp, err := call[*dap.EvaluateResponse](
		b.client,
		&dap.EvaluateRequest{
			Request: newRequest("evaluate"),
			Arguments: dap.EvaluateArguments{
				Expression: expression,
				FrameId:    frameId,
				Context:    context,
			},
		})
	if err != nil {
		return nil, err
	}

	return &variable{
		bridge:          b,
		name:            expression,
		evaluateName:    expression,
		typeName:        resp.Body.Type,
		value:           resp.Body.Result,
		memoryReference: resp.Body.MemoryReference,
		reference:       resp.Body.VariablesReference,
	}, nil
}

func (b *Bridge) listVariables(reference int, depth int) ([]*variable, error) {
	resp, err := call[*dap.VariablesResponse](
		b.client,
		&dap.VariablesRequest{
			Request: newRequest("variables"),
			Arguments: dap.VariablesArguments{
				VariablesReference: reference,
			},
		})
	if err != nil {
		return nil, err
	}

	result := []*variable{}
	for _, entry := range resp.Body.Variables {
		// base class sub-objects are named after their type
		if entry.VariablesReference > 0 &&
			entry.Type != "" &&
			entry.Name == entry.Type {

			if depth >= maxFlattenDepth {
				continue
			}

			nested, err := b.listVariables(entry.VariablesReference, depth+1)
			if err != nil {
				return nil, err
			}
			result = append(result, nested...)
			continue
		}

		result = append(result, newVariable(b, entry))
	}

	return result, nil
}

func (b *Bridge) lookupRoot(name string) (symbol.Reference, error) {
	root, err := b.evaluate(name, "watch")
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", name, err)
	}
	return root, nil
}

func (b *Bridge) Evaluate(expression string) (symbol.Reference, error) {
	err := b.checkInspectable()
	if err != nil {
		return nil, err
	}

	return symbol.Resolve(b.lookupRoot, expression)
}

func (b *Bridge) BufferMetadata(variableName string) (*buffer.Buffer, error) {
	return b.Acquire(b, variableName)
}

func isLocalScope(scope dap.Scope) bool {
	switch scope.PresentationHint {
	case "locals", "arguments":
		return true
	}

	switch strings.ToLower(scope.Name) {
	case "locals", "arguments":
		return true
	}

	return false
}

func (b *Bridge) AvailableSymbols() (map[string]struct{}, error) {
	err := b.checkInspectable()
	if err != nil {
		return nil, err
	}

	frameId, err := b.currentFrameId()
	if err != nil {
		return nil, err
	}

	resp, err := call[*dap.ScopesResponse](
		b.client,
		&dap.ScopesRequest{
			Request: newRequest("scopes"),
			Arguments: dap.ScopesArguments{
				FrameId: frameId,
			},
		})
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	roots := []symbol.Field{}
	for _, scope := range resp.Body.Scopes {
		if !isLocalScope(scope) || scope.VariablesReference == 0 {
			continue
		}

		variables, err := b.listVariables(scope.VariablesReference, 0)
		if err != nil {
			return nil, err
		}

		for _, v := range variables {
			_, ok := seen[v.name]
			if ok {
				continue
			}
			seen[v.name] = struct{}{}

			roots = append(
				roots,
				symbol.Field{
					Name:      v.name,
					Reference: v,
				})
		}
	}

	return b.CollectObservable(roots), nil
}

func (b *Bridge) ReadMemory(addr VirtualAddress, out []byte) (int, error) {
	err := b.checkInspectable()
	if err != nil {
		return 0, err
	}

	pid := b.Pid()
	if b.directReads && pid > 0 {
		count, err := memory.NewProcessReader(pid).Read(addr, out)
		if err == nil && count == len(out) {
			return count, nil
		}

		b.Logger.Debug().
			Err(err).
			Int("count", count).
			Msg("direct memory read failed. falling back to dap")
	}

	total := 0
	for total < len(out) {
		chunk := out[total:]
		if len(chunk) > maxReadChunk {
			chunk = chunk[:maxReadChunk]
		}

		count, err := b.readMemoryChunk(addr+VirtualAddress(total), chunk)
		total += count
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}

		if count < len(chunk) {
			break
		}
	}

	return total, nil
}

func (b *Bridge) readMemoryChunk(addr VirtualAddress, out []byte) (int, error) {
	resp, err := call[*dap.ReadMemoryResponse](
		b.client,
		&dap.ReadMemoryRequest{
			Request: newRequest("readMemory"),
			Arguments: dap.ReadMemoryArguments{
				MemoryReference: fmt.Sprintf("0x%x", uint64(addr)),
				Count:           len(out),
			},
		})
	if err != nil {
		return 0, err
	}

	start, err := strconv.ParseUint(resp.Body.Address, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid read memory address: %w", err)
	}

	if VirtualAddress(start) != addr {
		// leading bytes are unreadable
		return 0, nil
	}

	data, err := base64.StdEncoding.DecodeString(resp.Body.Data)
	if err != nil {
		return 0, fmt.Errorf("invalid read memory data: %w", err)
	}

	return copy(out, data), nil
}

func (b *Bridge) CheckReadable(target AddressRange) error {
	pid := b.Pid()
	if pid <= 0 {
		return nil
	}

	err := procfs.CheckReadable(pid, target)
	if err == nil || errors.Is(err, ErrUnreadableMemory) {
		return err
	}

	b.Logger.Debug().Err(err).Msg("skipping mapped memory check")
	return nil
}

func (b *Bridge) SelectFrame(index int) error {
	err := b.checkInspectable()
	if err != nil {
		return err
	}

	_, err = b.runCommand(fmt.Sprintf("frame select %d", index), 0)
	if err != nil {
		return err
	}

	b.invalidateFrame()

	sample, err := b.sampleFrame()
	if err == nil {
		b.hasSample = true
		b.lastSample = sample
	}

	b.NotifyStop()
	return nil
}

func (b *Bridge) Execute(command string) (string, error) {
	defer b.invalidateFrame()

	frameId := 0
	if b.IsTargetStopped() {
		id, err := b.currentFrameId()
		if err == nil {
			frameId = id
		}
	}

	return b.runCommand(command, frameId)
}

func (b *Bridge) Close() error {
	err := b.Base.Close()

	b.client.SetTimeout(shutdownTimeout)
	_, disconnectErr := b.client.Send(
		&dap.DisconnectRequest{
			Request: newRequest("disconnect"),
		})
	if disconnectErr != nil {
		b.Logger.Debug().Err(disconnectErr).Msg("disconnect failed")
	}

	if b.process != nil {
		waited := make(chan struct{})
		go func() {
			_ = b.process.Wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-time.After(shutdownTimeout):
			_ = b.process.Process.Kill()
			<-waited
		}
	}

	return err
}
