// Package synthetic is an in-process debugger backend over a simulated
// address space.  It backs the --test mode and the session tests.
package synthetic

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pattyshack/imagewatch/bridge"
	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol"
	"github.com/pattyshack/imagewatch/symbol/literal"
)

const BackendName = "synthetic"

type Bridge struct {
	*bridge.Base

	memory *literal.Memory

	mutex   sync.Mutex
	frames  [][]literal.Member // frames[0] is the innermost frame
	frame   int
	stopped bool
	exited  bool
}

var _ bridge.Bridge = &Bridge{}

func New(opts bridge.Options) *Bridge {
	return &Bridge{
		Base:    bridge.NewBase(opts),
		memory:  literal.NewMemory(),
		frames:  [][]literal.Member{nil},
		stopped: true,
	}
}

func (b *Bridge) BackendName() string {
	return BackendName
}

func (b *Bridge) Memory() *literal.Memory {
	return b.memory
}

// Define adds (or replaces) a local symbol in the given frame.
func (b *Bridge) Define(frame int, name string, value *literal.Value) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for len(b.frames) <= frame {
		b.frames = append(b.frames, nil)
	}

	for idx, member := range b.frames[frame] {
		if member.Name == name {
			b.frames[frame][idx].Value = value
			return
		}
	}

	b.frames[frame] = append(b.frames[frame], literal.Field(name, value))
}

func (b *Bridge) Undefine(frame int, name string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if frame >= len(b.frames) {
		return
	}

	members := b.frames[frame][:0]
	for _, member := range b.frames[frame] {
		if member.Name != name {
			members = append(members, member)
		}
	}
	b.frames[frame] = members
}

// Stop halts the simulated target and notifies the event handler.
func (b *Bridge) Stop() {
	b.mutex.Lock()
	b.stopped = true
	b.mutex.Unlock()

	b.NotifyStop()
}

func (b *Bridge) Resume() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.stopped = false
}

func (b *Bridge) Exit() {
	b.mutex.Lock()
	b.stopped = false
	b.exited = true
	b.mutex.Unlock()

	b.NotifyExit()
}

func (b *Bridge) IsTargetStopped() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.stopped
}

func (b *Bridge) currentScope() ([]literal.Member, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.exited {
		return nil, fmt.Errorf("%w. the program is not being run", ErrProcessExited)
	}

	if !b.stopped {
		return nil, fmt.Errorf("%w. cannot inspect a running target", ErrTargetRunning)
	}

	return append([]literal.Member{}, b.frames[b.frame]...), nil
}

func (b *Bridge) Evaluate(expression string) (symbol.Reference, error) {
	scope, err := b.currentScope()
	if err != nil {
		return nil, err
	}

	return symbol.Resolve(
		func(name string) (symbol.Reference, error) {
			for _, member := range scope {
				if member.Name == name {
					return member.Value, nil
				}
			}
			return nil, fmt.Errorf(
				"%w. no symbol %q in current context",
				ErrInvalidArgument,
				name)
		},
		strings.TrimSpace(expression))
}

func (b *Bridge) BufferMetadata(variableName string) (*buffer.Buffer, error) {
	return b.Acquire(b, variableName)
}

func (b *Bridge) AvailableSymbols() (map[string]struct{}, error) {
	scope, err := b.currentScope()
	if err != nil {
		return nil, err
	}

	roots := make([]symbol.Field, 0, len(scope))
	for _, member := range scope {
		roots = append(
			roots,
			symbol.Field{
				Name:      member.Name,
				Reference: member.Value,
			})
	}

	return b.CollectObservable(roots), nil
}

func (b *Bridge) ReadMemory(addr VirtualAddress, out []byte) (int, error) {
	if !b.IsTargetStopped() {
		return 0, fmt.Errorf("%w. cannot read memory", ErrTargetRunning)
	}
	return b.memory.Read(addr, out)
}

func (b *Bridge) CheckReadable(target AddressRange) error {
	if !b.memory.MappedRanges().Covers(target) {
		return fmt.Errorf(
			"%w. %s is not mapped",
			ErrUnreadableMemory,
			target)
	}
	return nil
}

func (b *Bridge) SelectFrame(index int) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if index < 0 || index >= len(b.frames) {
		return fmt.Errorf("%w. no frame at level %d", ErrInvalidArgument, index)
	}

	if index != b.frame {
		b.frame = index
		b.NotifyStop()
	}
	return nil
}

// Execute supports a small subset of debugger console commands.
func (b *Bridge) Execute(command string) (string, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return "", nil
	}

	switch args[0] {
	case "continue", "c":
		b.Resume()
		return "Continuing.", nil
	case "stop", "interrupt":
		b.Stop()
		return "", nil
	case "kill":
		b.Exit()
		return "", nil
	case "info":
		if len(args) > 1 && args[1] == "locals" {
			scope, err := b.currentScope()
			if err != nil {
				return "", err
			}

			lines := []string{}
			for _, member := range scope {
				lines = append(
					lines,
					fmt.Sprintf("%s = (%s) %s", member.Name, member.Type, member.Scalar))
			}
			sort.Strings(lines)
			return strings.Join(lines, "\n"), nil
		}
	}

	return "", fmt.Errorf(
		"%w. unsupported command %q",
		ErrInvalidArgument,
		command)
}
