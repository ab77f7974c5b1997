package vm

import (
	"github.com/fortiblox/sandbpf/pkg/memory"
)

// Program is a loaded guest program. It is immutable after construction and
// safe to share between concurrent runs.
type Program struct {
	Text      []uint64          // instruction slots
	RO        []byte            // read-only image mapped at VaddrProgram
	TextVA    uint64            // guest address of Text[0]
	Entry     uint64            // entry instruction index
	Functions map[uint32]uint64 // function registry: name hash -> instruction index
}

// NewProgram wraps a bare text segment as a program entered at instruction 0
// with its instruction bytes doubling as the read-only image.
func NewProgram(text []uint64) *Program {
	ro := make([]byte, len(text)*8)
	for i, slot := range text {
		for b := 0; b < 8; b++ {
			ro[i*8+b] = byte(slot >> (8 * b))
		}
	}
	return &Program{
		Text:   text,
		RO:     ro,
		TextVA: memory.VaddrProgram,
	}
}

// PCForAddress resolves a guest address to an instruction index, for
// call-through-register targets. The address must be slot-aligned and land
// inside the text segment.
func (p *Program) PCForAddress(addr uint64) (int, bool) {
	if addr < p.TextVA || (addr-p.TextVA)%8 != 0 {
		return 0, false
	}
	pc := (addr - p.TextVA) / 8
	if pc >= uint64(len(p.Text)) {
		return 0, false
	}
	return int(pc), true
}
