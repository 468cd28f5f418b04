package memory

import (
	"fmt"

	"golang.org/x/sys/unix"

	. "github.com/pattyshack/imagewatch/common"
)

const (
	vmPageSize = 0x1000

	// IOV_MAX
	maxIovecs = 1024
)

type Reader interface {
	// Returns the number of bytes read.  A short read is not an error.
	Read(addr VirtualAddress, out []byte) (int, error)
}

// ReadFull returns an error wrapping ErrUnreadableMemory unless out is
// completely filled.
func ReadFull(reader Reader, addr VirtualAddress, out []byte) error {
	count, err := reader.Read(addr, out)
	if err != nil {
		return fmt.Errorf(
			"%w. failed to read %d bytes at %s: %w",
			ErrUnreadableMemory,
			len(out),
			addr,
			err)
	}

	if count < len(out) {
		return fmt.Errorf(
			"%w. requested %d bytes at %s but only read %d bytes",
			ErrUnreadableMemory,
			len(out),
			addr,
			count)
	}

	return nil
}

// ProcessReader reads another process' virtual memory directly via
// process_vm_readv.  This bypasses the debugger for large buffer copies
// and requires ptrace access permission to the process (which the
// debugger's user normally has).
type ProcessReader struct {
	Pid int
}

func NewProcessReader(pid int) *ProcessReader {
	return &ProcessReader{
		Pid: pid,
	}
}

func (reader *ProcessReader) Read(addr VirtualAddress, out []byte) (int, error) {
	count, err := readVirtualMemory(reader.Pid, uintptr(addr), out)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to read from virtual memory at %s (%d) for process %d: %w",
			addr,
			len(out),
			reader.Pid,
			err)
	}

	return count, nil
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := make([]unix.Iovec, 1)
	localIovs[0].Base = &data[0]
	localIovs[0].SetLen(len(data))

	var remoteIovs []unix.RemoteIovec

	remaining := len(data)

	// NOTE: We need to ensure RemoteIovec entries are page aligned so that a
	// partially mapped range results in a short read rather than a failure.
	if addr%vmPageSize != 0 {
		pageEndAddr := ((addr + vmPageSize - 1) / vmPageSize) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})
		remaining -= size
		addr += uintptr(size)
	}

	for remaining > 0 {
		size := remaining
		if size > vmPageSize {
			size = vmPageSize
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	total := 0
	for len(remoteIovs) > 0 {
		batch := remoteIovs
		if len(batch) > maxIovecs {
			batch = batch[:maxIovecs]
		}
		remoteIovs = remoteIovs[len(batch):]

		batchSize := 0
		for _, iov := range batch {
			batchSize += iov.Len
		}

		localIovs[0].Base = &data[total]
		localIovs[0].SetLen(batchSize)

		count, err := unix.ProcessVMReadv(pid, localIovs, batch, 0)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}

		total += count
		if count < batchSize {
			break
		}
	}

	return total, nil
}
