package main

import (
	"fmt"
	"strconv"
	"strings"

	. "github.com/pattyshack/imagewatch/common"
)

const maxDumpSize = 1 << 16

// The address may be a number or an expression (the address of a pointer's
// target, or of the value itself).
func (cmds *commands) resolveAddress(arg string) (VirtualAddress, error) {
	addr, err := strconv.ParseUint(arg, 0, 64)
	if err == nil {
		return VirtualAddress(addr), nil
	}

	ref, err := cmds.bridge.Evaluate(arg)
	if err != nil {
		return 0, err
	}

	return ref.Address()
}

func (cmds *commands) readMemory(args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return fmt.Errorf(
			"%w. failed to read from memory. address not specified",
			ErrInvalidArgument)
	}

	size := 32
	if len(fields) > 1 {
		val, err := strconv.ParseInt(fields[1], 0, 32)
		if err != nil {
			return fmt.Errorf("failed to parse output size: %w", err)
		}
		size = int(val)

		if size < 1 || size > maxDumpSize {
			return fmt.Errorf("%w. invalid output size (%d)", ErrInvalidArgument, size)
		}
	}

	return cmds.bridge.Call(func() error {
		addr, err := cmds.resolveAddress(fields[0])
		if err != nil {
			return err
		}

		out := make([]byte, size)
		numRead, err := cmds.bridge.ReadMemory(addr, out)
		if err != nil {
			return fmt.Errorf("failed to read from memory: %w", err)
		}

		if numRead < size {
			fmt.Printf(
				"WARNING: requested %d bytes but only read %d bytes.\n",
				size,
				numRead)
		}

		fmt.Print(hexDump(addr, out[:numRead]))
		return nil
	})
}

func hexDump(addr VirtualAddress, data []byte) string {
	result := strings.Builder{}
	for len(data) > 0 {
		size := 16
		if len(data) < size {
			size = len(data)
		}

		result.WriteString(fmt.Sprintf("0x%016x:", uint64(addr)))
		for _, b := range data[:size] {
			result.WriteString(fmt.Sprintf(" %02x", b))
		}
		result.WriteString("\n")

		data = data[size:]
		addr += VirtualAddress(size)
	}

	return result.String()
}
