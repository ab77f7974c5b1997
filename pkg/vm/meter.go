package vm

import (
	"github.com/fortiblox/sandbpf/pkg/ebpf"
)

// Meter is the per-run instruction budget. Every executed instruction costs
// one unit; executing exactly the configured maximum is legal, and the
// fetch after that faults with the pc it would have executed.
type Meter struct {
	remaining uint64
	max       uint64
}

// NewMeter creates a meter with the given budget.
func NewMeter(max uint64) *Meter {
	return &Meter{remaining: max, max: max}
}

// Step charges one instruction at pc.
func (m *Meter) Step(pc int) error {
	if m.remaining == 0 {
		return ebpf.ExceededMaxInstructionsError{PC: pc, Max: m.max}
	}
	m.remaining--
	return nil
}

// Remaining returns the unspent budget.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Consumed returns the number of instructions executed so far.
func (m *Meter) Consumed() uint64 {
	return m.max - m.remaining
}
