package procfs

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/imagewatch/common"
)

type ProcfsSuite struct{}

func TestProcfs(t *testing.T) {
	suite.RunTests(t, &ProcfsSuite{})
}

func (ProcfsSuite) TestParseProcessStatus(t *testing.T) {
	status, err := ParseProcessStatus(
		"1234 (image (viewer)) t 1000 1234 1234 0 -1 4194560 123 0 0 0\n")
	expect.Nil(t, err)
	expect.Equal(t, 1234, status.Pid)
	expect.Equal(t, "image (viewer)", status.Comm)
	expect.Equal(t, TracingStop, status.State)
	expect.Equal(t, 1000, status.Ppid)
	expect.Equal(t, 1234, status.Pgrp)
	expect.True(t, status.State.IsHalted())

	status, err = ParseProcessStatus("7 (sleep) T 1 7 7 0")
	expect.Nil(t, err)
	expect.Equal(t, Stopped, status.State)
	expect.True(t, status.State.IsHalted())

	status, err = ParseProcessStatus("7 (sleep) R 1 7 7 0")
	expect.Nil(t, err)
	expect.False(t, status.State.IsHalted())

	status, err = ParseProcessStatus("7 (sleep) Z 1 7 7 0")
	expect.Nil(t, err)
	expect.True(t, status.State.IsTerminated())

	_, err = ParseProcessStatus("garbage")
	expect.Error(t, err, "malformed stat")
}

func (ProcfsSuite) TestGetOwnProcessStatus(t *testing.T) {
	status, err := GetProcessStatus(os.Getpid())
	expect.Nil(t, err)
	expect.Equal(t, os.Getpid(), status.Pid)
	expect.False(t, status.State.IsHalted())
}

const sampleMaps = `55d0c0a00000-55d0c0a02000 r--p 00000000 fd:01 1835045                    /usr/bin/viewer
55d0c0a02000-55d0c0a07000 r-xp 00002000 fd:01 1835045                    /usr/bin/viewer
55d0c1f6e000-55d0c1f8f000 rw-p 00000000 00:00 0                          [heap]
7f2a4c000000-7f2a4c021000 rw-p 00000000 00:00 0
7f2a4c021000-7f2a50000000 ---p 00000000 00:00 0
7ffd6a1f0000-7ffd6a211000 rw-p 00000000 00:00 0                          [stack]
`

func (ProcfsSuite) TestParseMappedMemoryRegions(t *testing.T) {
	regions, err := ParseMappedMemoryRegions(sampleMaps)
	expect.Nil(t, err)
	expect.Equal(t, 6, len(regions))

	expect.Equal(t, uint64(0x55d0c0a02000), regions[1].LowAddress)
	expect.Equal(t, uint64(0x55d0c0a07000), regions[1].HighAddress)
	expect.True(t, regions[1].Read)
	expect.False(t, regions[1].Write)
	expect.True(t, regions[1].Execute)
	expect.True(t, regions[1].Private)
	expect.Equal(t, uint64(0x2000), regions[1].Offset)
	expect.Equal(t, uint(0xfd), regions[1].DeviceMajor)
	expect.Equal(t, uint(1), regions[1].DeviceMinor)
	expect.Equal(t, uint(1835045), regions[1].Inode)
	expect.Equal(t, "/usr/bin/viewer", regions[1].Pathname)

	expect.Equal(t, "[heap]", regions[2].Pathname)
	expect.Equal(t, "", regions[3].Pathname)
	expect.False(t, regions[4].Read)

	readable := ReadableRanges(regions)
	expect.Equal(t, 5, len(readable))

	// spans two adjacent readable mappings
	expect.True(t, readable.Covers(NewAddressRange(0x55d0c0a01000, 0x2000)))

	// runs into the guard region
	expect.False(t, readable.Covers(NewAddressRange(0x7f2a4c020000, 0x2000)))

	_, err = ParseMappedMemoryRegions("zzz r--p\n")
	expect.Error(t, err, "malformed mapping")
}

func (ProcfsSuite) TestCheckReadable(t *testing.T) {
	data := make([]byte, 64)
	addr := VirtualAddress(uintptr(unsafe.Pointer(&data[0])))

	err := CheckReadable(os.Getpid(), NewAddressRange(addr, len(data)))
	expect.Nil(t, err)

	err = CheckReadable(os.Getpid(), NewAddressRange(0x10, 16))
	expect.True(t, errors.Is(err, ErrUnreadableMemory))
}
