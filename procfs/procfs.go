package procfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	. "github.com/pattyshack/imagewatch/common"
)

type ProcessState string

const (
	Running        = ProcessState("running")
	Sleeping       = ProcessState("sleeping")
	WaitingForDisk = ProcessState("waiting for disk")
	Zombie         = ProcessState("zombie")
	Stopped        = ProcessState("stopped")
	TracingStop    = ProcessState("tracing stop")
	Dead           = ProcessState("dead")
	Idle           = ProcessState("idle")
)

// Returns true if the process is halted (by a signal or by a tracer).
func (state ProcessState) IsHalted() bool {
	return state == Stopped || state == TracingStop
}

func (state ProcessState) IsTerminated() bool {
	return state == Zombie || state == Dead
}

type ProcessStatus struct {
	Pid   int
	Comm  string
	State ProcessState
	Ppid  int
	Pgrp  int

	// NOTE: See man page for the full list of (52) fields.
}

func GetProcessStatus(pid int) (ProcessStatus, error) {
	contentBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf(
			"failed to read process %d status: %w",
			pid,
			err)
	}

	status, err := ParseProcessStatus(string(contentBytes))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf(
			"failed to parse process %d status: %w",
			pid,
			err)
	}

	return status, nil
}

func ParseProcessStatus(content string) (ProcessStatus, error) {
	// NOTE: comm may contain spaces and parentheses.
	commStart := strings.Index(content, "(")
	commEnd := strings.LastIndex(content, ")")
	if commStart < 0 || commEnd < commStart || len(content) < commEnd+2 {
		return ProcessStatus{}, fmt.Errorf("%w. malformed stat", ErrInvalidArgument)
	}

	chunks := strings.Split(content[commEnd+2:], " ")
	if len(chunks) < 3 {
		return ProcessStatus{}, fmt.Errorf("%w. truncated stat", ErrInvalidArgument)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(content[:commStart]))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse pid: %w", err)
	}

	var state ProcessState
	switch chunks[0] {
	case "R":
		state = Running
	case "S":
		state = Sleeping
	case "D":
		state = WaitingForDisk
	case "Z":
		state = Zombie
	case "T":
		state = Stopped
	case "t":
		state = TracingStop
	case "X":
		state = Dead
	case "I":
		state = Idle
	}

	ppid, err := strconv.Atoi(chunks[1])
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse ppid: %w", err)
	}

	pgrp, err := strconv.Atoi(chunks[2])
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse pgrp: %w", err)
	}

	return ProcessStatus{
		Pid:   pid,
		Comm:  content[commStart+1 : commEnd],
		State: state,
		Ppid:  ppid,
		Pgrp:  pgrp,
	}, nil
}

type MappedMemoryRegion struct {
	LowAddress  uint64
	HighAddress uint64

	Read    bool
	Write   bool
	Execute bool
	Private bool // (copy on write)

	Offset uint64

	DeviceMajor uint
	DeviceMinor uint
	Inode       uint

	Pathname string
}

func (region MappedMemoryRegion) Range() AddressRange {
	return AddressRange{
		Low:  VirtualAddress(region.LowAddress),
		High: VirtualAddress(region.HighAddress),
	}
}

func GetMappedMemoryRegions(pid int) ([]MappedMemoryRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return ParseMappedMemoryRegions(string(content))
}

func ParseMappedMemoryRegions(content string) ([]MappedMemoryRegion, error) {
	result := []MappedMemoryRegion{}
	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			break
		}

		entry := MappedMemoryRegion{}
		chunks := strings.Fields(line)
		if len(chunks) < 5 {
			return nil, fmt.Errorf("%w. malformed mapping %q", ErrInvalidArgument, line)
		}

		addresses := strings.SplitN(chunks[0], "-", 2)
		if len(addresses) != 2 {
			return nil, fmt.Errorf("%w. malformed address range %q", ErrInvalidArgument, chunks[0])
		}

		lowAddr, err := strconv.ParseUint(addresses[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse low address: %w", err)
		}
		entry.LowAddress = lowAddr

		highAddr, err := strconv.ParseUint(addresses[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse high address: %w", err)
		}
		entry.HighAddress = highAddr

		for idx, b := range []byte(chunks[1]) {
			switch idx {
			case 0:
				entry.Read = b == 'r'
			case 1:
				entry.Write = b == 'w'
			case 2:
				entry.Execute = b == 'x'
			case 3:
				entry.Private = b == 'p'
			}
		}

		offset, err := strconv.ParseUint(chunks[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse offset: %w", err)
		}
		entry.Offset = offset

		device := strings.SplitN(chunks[3], ":", 2)
		if len(device) != 2 {
			return nil, fmt.Errorf("%w. malformed device %q", ErrInvalidArgument, chunks[3])
		}

		major, err := strconv.ParseUint(device[0], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device major: %w", err)
		}
		entry.DeviceMajor = uint(major)

		minor, err := strconv.ParseUint(device[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device minor: %w", err)
		}
		entry.DeviceMinor = uint(minor)

		inode, err := strconv.ParseUint(chunks[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse inode: %w", err)
		}
		entry.Inode = uint(inode)

		if len(chunks) > 5 {
			entry.Pathname = strings.Join(chunks[5:], " ")
		}

		result = append(result, entry)
	}

	return result, nil
}

func ReadableRanges(regions []MappedMemoryRegion) AddressRanges {
	result := AddressRanges{}
	for _, region := range regions {
		if region.Read {
			result = append(result, region.Range())
		}
	}
	return result
}

// Returns nil if the entire address range is mapped readable in the
// process.
func CheckReadable(pid int, target AddressRange) error {
	regions, err := GetMappedMemoryRegions(pid)
	if err != nil {
		return err
	}

	if !ReadableRanges(regions).Covers(target) {
		return fmt.Errorf(
			"%w. %s is not fully mapped readable in process %d",
			ErrUnreadableMemory,
			target,
			pid)
	}

	return nil
}
