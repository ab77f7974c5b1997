// Package memory implements the virtual address space of the VM: a set of
// host-backed regions and the mapping that translates guest addresses into
// host slices with permission checks.
package memory

// Fixed virtual base addresses of the standard regions. Guest pointers carry
// the region in the upper 32 bits, the offset in the lower 32.
const (
	VaddrProgram = 0x1_0000_0000
	VaddrStack   = 0x2_0000_0000
	VaddrHeap    = 0x3_0000_0000
	VaddrInput   = 0x4_0000_0000
)

// Perm is a region permission bit set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
)

// Standard section names carried into access-violation diagnostics.
const (
	SectionProgram = "program"
	SectionStack   = "stack"
	SectionHeap    = "heap"
	SectionInput   = "input"
	SectionUnknown = "unknown"
)

// Region maps a contiguous range of guest addresses onto a host byte slice.
// A region is immutable once handed to a Mapping.
type Region struct {
	VMAddr  uint64
	Host    []byte
	Perm    Perm
	Section string

	// Stack regions carry their frame index so faults can name the frame.
	Stack bool
	Frame int64
}

// Len returns the byte length of the region.
func (r *Region) Len() uint64 {
	return uint64(len(r.Host))
}

// end is the first guest address past the region.
func (r *Region) end() uint64 {
	return r.VMAddr + uint64(len(r.Host))
}
