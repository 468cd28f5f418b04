// Package gdb implements the debugger bridge on top of a gdb/mi session.
package gdb

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/kr/pty"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/bridge/gdb/mi"
	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/memory"
	"github.com/pattyshack/imagewatch/procfs"
	"github.com/pattyshack/imagewatch/symbol"
)

const (
	BackendName = "gdb"

	maxReadChunk = 1 << 20

	// Bounds access specifier / base class flattening.
	maxFlattenDepth = 8

	shutdownTimeout = 3 * time.Second
)

type Options struct {
	bridge.Options

	// gdb executable.  Defaults to "gdb".
	Path string

	// Attach to a running process.
	Pid int

	// Load a program (ignored when Pid is set).
	Program string
	Args    []string

	// Debuggee terminal output.  Defaults to os.Stdout.
	Terminal io.Writer

	// Read large buffers with process_vm_readv before falling back to
	// -data-read-memory-bytes.
	DirectReads bool

	CommandTimeout time.Duration
}

type Bridge struct {
	*bridge.Base

	conn    *Conn
	process *exec.Cmd

	ptmx *os.File
	tty  *os.File

	directReads bool

	mutex   sync.Mutex
	pid     int
	stopped bool
	exited  bool

	// Variable objects created since the last release.  Only accessed on the
	// dispatch thread.
	variables []string
}

var _ bridge.Bridge = &Bridge{}

// New spawns gdb and attaches to / loads the configured target.
func New(opts Options) (*Bridge, error) {
	path := opts.Path
	if path == "" {
		path = "gdb"
	}

	path, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w. gdb not found: %w", ErrBackendUnavailable, err)
	}

	process := exec.Command(path, "--interpreter=mi2", "--quiet")

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
		return nil, fmt.Errorf("%w. failed to start gdb: %w", ErrBackendUnavailable, err)
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
	b := &Bridge{
		Base:        bridge.NewBase(opts.Options),
		directReads: opts.DirectReads,
	}

	b.conn = NewConn(reader, writer, b.handleAsync, b.Logger)
	if opts.CommandTimeout > 0 {
		b.conn.SetTimeout(opts.CommandTimeout)
	}

	go func() {
		<-b.conn.Done()
		b.markExited()
	}()

	return b
}

func (b *Bridge) initialize(opts Options) error {
	setup := []mi.Command{
		mi.NewCommand("gdb-set", "mi-async", "on"),
		mi.NewCommand("gdb-set", "pagination", "off"),
		mi.NewCommand("gdb-set", "confirm", "off"),
	}
	for _, cmd := range setup {
		_, err := b.send(cmd)
		if err != nil {
			return err
		}
	}

	if opts.Pid > 0 {
		_, err := b.send(mi.NewCommand("target-attach", strconv.Itoa(opts.Pid)))
		if err != nil {
			return err
		}

		b.mutex.Lock()
		b.pid = opts.Pid
		b.mutex.Unlock()
		return nil
	}

	if opts.Program == "" {
		return nil
	}

	_, err := b.send(mi.NewCommand("file-exec-and-symbols", opts.Program))
	if err != nil {
		return err
	}

	if len(opts.Args) > 0 {
		_, err = b.send(mi.NewCommand("exec-arguments", opts.Args...))
		if err != nil {
			return err
		}
	}

	b.ptmx, b.tty, err = pty.Open()
	if err != nil {
		return fmt.Errorf("failed to allocate inferior terminal: %w", err)
	}

	_, err = b.send(mi.NewCommand("inferior-tty-set", b.tty.Name()))
	if err != nil {
		return err
	}

	terminal := opts.Terminal
	if terminal == nil {
		terminal = os.Stdout
	}
	go func() {
		_, _ = io.Copy(terminal, b.ptmx)
	}()

	return nil
}

func (b *Bridge) BackendName() string {
	return BackendName
}

func (b *Bridge) send(cmd mi.Command) (*Response, error) {
	return b.conn.Send(cmd)
}

// Runs on the connection's reader goroutine; only updates state and
// enqueues.
func (b *Bridge) handleAsync(record *mi.Record) {
	switch record.Kind {
	case mi.ExecRecord:
		switch record.Class {
		case "running":
			b.mutex.Lock()
			b.stopped = false
			b.mutex.Unlock()
		case "stopped":
			reason := record.Str("reason")
			if reason == "exited" ||
				reason == "exited-normally" ||
				reason == "exited-signalled" {

				b.markExited()
				return
			}

			b.mutex.Lock()
			b.stopped = true
			b.exited = false
			b.mutex.Unlock()

			b.NotifyStop()
		}
	case mi.NotifyRecord:
		switch record.Class {
		case "thread-group-started":
			pid, err := strconv.Atoi(record.Str("pid"))
			if err != nil {
				b.Logger.Warn().
					Str("pid", record.Str("pid")).
					Msg("invalid thread group pid")
				return
			}

			b.mutex.Lock()
			b.pid = pid
			b.exited = false
			b.mutex.Unlock()
		case "thread-group-exited":
			b.markExited()
		case "thread-selected":
			if b.IsTargetStopped() {
				b.NotifyStop()
			}
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

func (b *Bridge) trackVariable(name string) {
	b.variables = append(b.variables, name)
}

// Deletes the variable objects created by the current request.  Deleting a
// root also deletes its children.
func (b *Bridge) releaseVariables() {
	for _, name := range b.variables {
		_, err := b.send(mi.NewCommand("var-delete", name))
		if err != nil {
			b.Logger.Debug().
				Err(err).
				Str("variable", name).
				Msg("failed to delete variable object")
		}
	}
	b.variables = nil
}

func (b *Bridge) listChildren(name string, depth int) ([]*variable, error) {
	resp, err := b.send(
		mi.Command{
			Operation:  "var-list-children",
			Options:    []string{"--all-values"},
			Parameters: []string{name},
		})
	if err != nil {
		return nil, err
	}

	result := []*variable{}
	for _, child := range resp.Get("children").Elements() {
		childType := child.Str("type")
		childExp := child.Str("exp")

		// access specifier groups have no type.  base class sub-objects are
		// named after their type.
		if childType == "" || childExp == childType {
			if depth >= maxFlattenDepth {
				continue
			}

			nested, err := b.listChildren(child.Str("name"), depth+1)
			if err != nil {
				return nil, err
			}
			result = append(result, nested...)
			continue
		}

		result = append(result, newChildVariable(b, child))
	}

	return result, nil
}

func (b *Bridge) lookupRoot(name string) (symbol.Reference, error) {
	root := newRootVariable(b, name, "")
	err := root.ensure()
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
	defer b.releaseVariables()
	return b.Acquire(b, variableName)
}

func (b *Bridge) AvailableSymbols() (map[string]struct{}, error) {
	err := b.checkInspectable()
	if err != nil {
		return nil, err
	}

	defer b.releaseVariables()

	resp, err := b.send(
		mi.Command{
			Operation: "stack-list-variables",
			Options:   []string{"--simple-values"},
		})
	if err != nil {
		return nil, err
	}

	// NOTE: the list includes variables of enclosing blocks.  Inner
	// declarations shadow outer ones and are listed first.
	seen := map[string]struct{}{}
	roots := []symbol.Field{}
	for _, entry := range resp.Get("variables").Elements() {
		name := entry.Str("name")
		_, ok := seen[name]
		if ok || name == "" {
			continue
		}
		seen[name] = struct{}{}

		roots = append(
			roots,
			symbol.Field{
				Name:      name,
				Reference: newRootVariable(b, name, entry.Str("type")),
			})
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
			Msg("direct memory read failed. falling back to mi")
	}

	total := 0
	for total < len(out) {
		chunk := out[total:]
		if len(chunk) > maxReadChunk {
			chunk = chunk[:maxReadChunk]
		}

		count, err := b.readMemoryBlocks(addr+VirtualAddress(total), chunk)
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

// Returns the number of contiguous bytes read from the start of out.
func (b *Bridge) readMemoryBlocks(addr VirtualAddress, out []byte) (int, error) {
	resp, err := b.send(
		mi.NewCommand(
			"data-read-memory-bytes",
			addr.String(),
			strconv.Itoa(len(out))))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, block := range resp.Get("memory").Elements() {
		begin, err := strconv.ParseUint(block.Str("begin"), 0, 64)
		if err != nil {
			return count, fmt.Errorf("invalid memory block begin: %w", err)
		}

		contents, err := hex.DecodeString(block.Str("contents"))
		if err != nil {
			return count, fmt.Errorf("invalid memory block contents: %w", err)
		}

		// NOTE: begin already includes the block's offset from addr.
		if begin < uint64(addr) || begin-uint64(addr) != uint64(count) {
			break
		}

		count += copy(out[count:], contents)
	}

	return count, nil
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

	// e.g., remote targets
	b.Logger.Debug().Err(err).Msg("skipping mapped memory check")
	return nil
}

func (b *Bridge) SelectFrame(index int) error {
	err := b.checkInspectable()
	if err != nil {
		return err
	}

	_, err = b.send(mi.NewCommand("stack-select-frame", strconv.Itoa(index)))
	if err != nil {
		return err
	}

	b.NotifyStop()
	return nil
}

func (b *Bridge) Execute(command string) (string, error) {
	resp, err := b.send(
		mi.Command{
			Operation:  "interpreter-exec",
			Options:    []string{"console"},
			Parameters: []string{command},
		})
	if resp != nil {
		return resp.Text(), err
	}
	return "", err
}

func (b *Bridge) Close() error {
	err := b.Base.Close()

	b.conn.SetTimeout(shutdownTimeout)
	_, exitErr := b.send(mi.NewCommand("gdb-exit"))
	if exitErr != nil {
		b.Logger.Debug().Err(exitErr).Msg("gdb-exit failed")
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

	if b.ptmx != nil {
		_ = b.ptmx.Close()
	}
	if b.tty != nil {
		_ = b.tty.Close()
	}

	return err
}
