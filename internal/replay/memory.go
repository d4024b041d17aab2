package replay

import (
	"errors"
	"fmt"
)

var ErrFault = errors.New("bad address")

// Memory is a sparse simulated kernel address space. Reads outside the mapped
// regions, straddling two regions or touching a faulted span fail with
// ErrFault.
type Memory struct {
	regions []region
	faults  []span
}

type region struct {
	base uint64
	data []byte
}

type span struct {
	start, end uint64
}

func NewMemory() *Memory {
	return new(Memory)
}

// Map maps data at base. Regions must not overlap.
func (m *Memory) Map(base uint64, data []byte) error {
	end := base + uint64(len(data))
	for _, r := range m.regions {
		if base < r.base+uint64(len(r.data)) && r.base < end {
			return fmt.Errorf("region %#x-%#x overlaps %#x", base, end, r.base)
		}
	}

	m.regions = append(m.regions, region{base, data})

	return nil
}

// Fault makes every read touching the n bytes at addr fail.
func (m *Memory) Fault(addr uint64, n int) {
	m.faults = append(m.faults, span{addr, addr + uint64(n)})
}

func (m *Memory) ReadKernel(dst []byte, addr uint64) error {
	end := addr + uint64(len(dst))
	if end < addr {
		return ErrFault
	}

	for _, f := range m.faults {
		if addr < f.end && f.start < end {
			return ErrFault
		}
	}

	for _, r := range m.regions {
		if addr >= r.base && end <= r.base+uint64(len(r.data)) {
			copy(dst, r.data[addr-r.base:end-r.base])
			return nil
		}
	}

	return ErrFault
}
