package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/pattyshack/imagewatch/bridge"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/session"
)

var errQuit = errors.New("quit")

type command struct {
	name        string
	description string
	run         func(args string) error
}

type commands struct {
	bridge  bridge.Bridge
	session *session.Session

	table []command
}

func newCommands(b bridge.Bridge, s *session.Session) *commands {
	cmds := &commands{
		bridge:  b,
		session: s,
	}

	cmds.table = []command{
		{
			name:        "plot",
			description: " <expr>            - plot and observe buffer",
			run:         cmds.plot,
		},
		{
			name:        "describe",
			description: " <expr>        - print buffer descriptor",
			run:         cmds.describe,
		},
		{
			name:        "symbols",
			description: "                - list observable symbols in scope",
			run:         cmds.symbols,
		},
		{
			name:        "observed",
			description: "               - list observed buffers",
			run:         cmds.observed,
		},
		{
			name:        "refresh",
			description: "                - re-plot observed buffers",
			run:         cmds.refresh,
		},
		{
			name:        "export",
			description: " <expr> <path>   - write buffer to png / octave file",
			run:         cmds.export,
		},
		{
			name:        "memory",
			description: " <addr> [<size>] - hex dump debuggee memory",
			run:         cmds.readMemory,
		},
		{
			name:        "frame",
			description: " <index>          - select stack frame",
			run:         cmds.frame,
		},
		{
			name:        "help",
			description: "                   - print this message",
			run:         cmds.help,
		},
		{
			name:        "quit",
			description: "                   - exit imagewatch",
			run: func(string) error {
				return errQuit
			},
		},
	}

	return cmds
}

func (cmds *commands) completer() readline.AutoCompleter {
	symbols := readline.PcItemDynamic(func(string) []string {
		return cmds.session.Symbols()
	})

	items := []readline.PrefixCompleterInterface{}
	for _, cmd := range cmds.table {
		switch cmd.name {
		case "plot", "describe", "export", "memory":
			items = append(items, readline.PcItem(cmd.name, symbols))
		default:
			items = append(items, readline.PcItem(cmd.name))
		}
	}

	return readline.NewPrefixCompleter(items...)
}

// Commands are matched by exact name.  Anything else is forwarded to the
// debugger console, so that short debugger commands (e.g., `s`, `n`) are
// never shadowed.
func (cmds *commands) run(line string) error {
	name, args, _ := strings.Cut(line, " ")
	for _, cmd := range cmds.table {
		if cmd.name == name {
			return cmd.run(strings.TrimSpace(args))
		}
	}

	return cmds.passThrough(line)
}

func (cmds *commands) passThrough(line string) error {
	return cmds.bridge.Call(func() error {
		output, err := cmds.bridge.Execute(line)
		if output != "" {
			fmt.Print(output)
			if !strings.HasSuffix(output, "\n") {
				fmt.Println()
			}
		}
		return err
	})
}

func (cmds *commands) help(args string) error {
	fmt.Println("Available commands:")
	for _, cmd := range cmds.table {
		fmt.Println("  " + cmd.name + cmd.description)
	}
	fmt.Println("Other commands are passed through to the debugger.")
	return nil
}

func expectExpression(args string) (string, error) {
	if args == "" {
		return "", fmt.Errorf("%w. expected buffer expression", ErrInvalidArgument)
	}
	return args, nil
}

func (cmds *commands) plot(args string) error {
	expr, err := expectExpression(args)
	if err != nil {
		return err
	}

	return cmds.bridge.Call(func() error {
		return cmds.session.Plot(expr)
	})
}

func (cmds *commands) describe(args string) error {
	expr, err := expectExpression(args)
	if err != nil {
		return err
	}

	return cmds.bridge.Call(func() error {
		buf, err := cmds.session.Acquire(expr)
		if err != nil {
			return err
		}

		fmt.Println(buf.DisplayName)
		fmt.Println("  pointer:     ", buf.Pointer)
		fmt.Println("  width:       ", buf.Width)
		fmt.Println("  height:      ", buf.Height)
		fmt.Println("  channels:    ", buf.Channels)
		fmt.Println("  type:        ", buf.Type)
		fmt.Println("  row stride:  ", buf.RowStride)
		fmt.Println("  layout:      ", buf.PixelLayout)
		fmt.Println("  transpose:   ", buf.TransposeBuffer)
		fmt.Println("  byte size:   ", len(buf.Data))
		return nil
	})
}

func (cmds *commands) symbols(args string) error {
	return cmds.bridge.Call(func() error {
		available, err := cmds.bridge.AvailableSymbols()
		if err != nil {
			return err
		}

		sorted := bridge.SortSymbols(available)
		if len(sorted) == 0 {
			fmt.Println("No observable symbols")
			return nil
		}

		for _, name := range sorted {
			fmt.Println("  " + name)
		}
		return nil
	})
}

func (cmds *commands) observed(args string) error {
	names := cmds.session.Observed().Names()
	if len(names) == 0 {
		fmt.Println("No observed buffers")
		return nil
	}

	for _, name := range names {
		fmt.Println("  " + name)
	}
	return nil
}

func (cmds *commands) refresh(args string) error {
	return cmds.bridge.Call(func() error {
		cmds.session.Refresh()
		return nil
	})
}

func (cmds *commands) export(args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return fmt.Errorf("%w. expected <expr> <path>", ErrInvalidArgument)
	}

	return cmds.bridge.Call(func() error {
		err := cmds.session.Export(fields[0], fields[1])
		if err != nil {
			return err
		}

		fmt.Println("exported", fields[0], "to", fields[1])
		return nil
	})
}

// Selects the frame by index.  Other arguments (e.g., `frame variable`)
// are forwarded to the debugger.
func (cmds *commands) frame(args string) error {
	index, err := strconv.Atoi(args)
	if err != nil {
		return cmds.passThrough(strings.TrimSpace("frame " + args))
	}

	return cmds.bridge.Call(func() error {
		return cmds.bridge.SelectFrame(index)
	})
}
