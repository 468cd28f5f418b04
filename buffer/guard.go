package buffer

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"

	. "github.com/pattyshack/imagewatch/common"
)

const DefaultMemoryFraction = 1.0

// Returns the number of bytes currently available to the host.
type MemoryProbe func() (uint64, error)

func AvailableHostMemory() (uint64, error) {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to query host memory: %w", err)
	}
	return stat.Available, nil
}

// Guard rejects descriptors whose byte size is implausible: null pointers,
// zero sizes, and sizes that are not smaller than the host's available
// memory scaled by Fraction.  The memory check is a heuristic against
// garbage metadata (e.g., uninitialized matrices) rather than a hard
// limit.
type Guard struct {
	Fraction float64
	Probe    MemoryProbe

	Logger zerolog.Logger
}

func NewGuard(fraction float64, logger zerolog.Logger) *Guard {
	if fraction <= 0 {
		fraction = DefaultMemoryFraction
	}

	return &Guard{
		Fraction: fraction,
		Probe:    AvailableHostMemory,
		Logger:   logger,
	}
}

func (guard *Guard) Validate(desc *Descriptor) error {
	err := desc.Validate()
	if err != nil {
		return err
	}

	size := desc.ByteSize()
	if size <= 0 {
		return fmt.Errorf("%w. %s has zero byte size", ErrInvalidBuffer, desc)
	}

	if guard.Probe == nil {
		return nil
	}

	available, err := guard.Probe()
	if err != nil {
		guard.Logger.Warn().
			Err(err).
			Str("variable", desc.VariableName).
			Msg("skipping host memory size check")
		return nil
	}

	limit := float64(available) * guard.Fraction
	if float64(size) >= limit {
		return fmt.Errorf(
			"%w. %s byte size (%d) exceeds available host memory limit (%.0f)",
			ErrInvalidBuffer,
			desc,
			size,
			limit)
	}

	return nil
}
