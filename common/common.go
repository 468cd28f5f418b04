package common

import (
	"fmt"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrProcessExited   = fmt.Errorf("process exited")

	// The variable's type is not recognized by any inspector.
	ErrUnsupportedType = fmt.Errorf("unsupported type")

	// Null pointer, zero size, or a size that does not fit in host memory.
	ErrInvalidBuffer = fmt.Errorf("invalid buffer")

	ErrUnreadableMemory = fmt.Errorf("unreadable memory")

	// The type was recognized but its layout cannot be described (e.g.,
	// static column-major eigen matrices, unsupported opencv depths).
	ErrMalformedLayout = fmt.Errorf("malformed layout")

	ErrBackendUnavailable = fmt.Errorf("backend unavailable")

	ErrTargetRunning = fmt.Errorf("target is running")
)

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

func (addr VirtualAddress) IsNull() bool {
	return addr == 0
}

type AddressRange struct {
	Low  VirtualAddress
	High VirtualAddress
}

func NewAddressRange(addr VirtualAddress, size int) AddressRange {
	return AddressRange{
		Low:  addr,
		High: addr + VirtualAddress(size),
	}
}

func (ar AddressRange) Size() int {
	return int(ar.High - ar.Low)
}

func (ar AddressRange) Contains(addr VirtualAddress) bool {
	return ar.Low <= addr && addr < ar.High
}

func (ar AddressRange) String() string {
	return fmt.Sprintf("[%s, %s)", ar.Low, ar.High)
}

type AddressRanges []AddressRange

func (ars AddressRanges) Contains(addr VirtualAddress) bool {
	for _, ar := range ars {
		if ar.Contains(addr) {
			return true
		}
	}
	return false
}

// Covers returns true if every byte in target is contained by the (possibly
// adjacent) ranges.
func (ars AddressRanges) Covers(target AddressRange) bool {
	addr := target.Low
	for addr < target.High {
		advanced := false
		for _, ar := range ars {
			if ar.Contains(addr) {
				addr = ar.High
				advanced = true
				break
			}
		}

		if !advanced {
			return false
		}
	}
	return true
}
