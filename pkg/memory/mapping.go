package memory

import (
	"encoding/binary"
	"sort"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
)

// Mapping is an immutable, sorted set of regions. Construction validates the
// set once; Translate then runs a binary search per access and never
// mutates, so a Mapping is safe to share between a run and read-only
// observers.
type Mapping struct {
	regions []Region

	// Stack geometry, used to attribute faulting stack-window addresses to a
	// frame index even when they land in a gap between frames.
	stackFrameSize uint64
}

// NewMapping builds a mapping from regions. Regions may be passed in any
// order; they are sorted by guest address. Zero-length regions, regions that
// wrap the address space, and overlapping regions are rejected with
// InvalidMemoryRegion carrying the index of the offending region in sorted
// order.
func NewMapping(regions []Region, stackFrameSize uint64) (*Mapping, error) {
	rs := make([]Region, len(regions))
	copy(rs, regions)
	sort.Slice(rs, func(i, j int) bool { return rs[i].VMAddr < rs[j].VMAddr })

	for i := range rs {
		r := &rs[i]
		if len(r.Host) == 0 || r.end() < r.VMAddr {
			return nil, ebpf.InvalidMemoryRegionError{Index: i}
		}
		if i > 0 && r.VMAddr < rs[i-1].end() {
			return nil, ebpf.InvalidMemoryRegionError{Index: i}
		}
	}
	return &Mapping{regions: rs, stackFrameSize: stackFrameSize}, nil
}

// NewDefaultMapping lays out the standard run-time address space: the
// read-only program image at VaddrProgram, one writable region per stack
// frame at VaddrStack (frame i at VaddrStack + i*2*frameSize, leaving an
// unmapped gap between frames), the heap at VaddrHeap, and the read-only
// input at VaddrInput. Empty slices produce no region.
func NewDefaultMapping(ro []byte, stackFrames [][]byte, heap, input []byte, frameSize uint64) (*Mapping, error) {
	regions := make([]Region, 0, len(stackFrames)+3)
	if len(ro) > 0 {
		regions = append(regions, Region{
			VMAddr:  VaddrProgram,
			Host:    ro,
			Perm:    PermRead | PermExecute,
			Section: SectionProgram,
		})
	}
	for i, frame := range stackFrames {
		regions = append(regions, Region{
			VMAddr:  VaddrStack + uint64(i)*2*frameSize,
			Host:    frame,
			Perm:    PermRead | PermWrite,
			Section: SectionStack,
			Stack:   true,
			Frame:   int64(i),
		})
	}
	if len(heap) > 0 {
		regions = append(regions, Region{
			VMAddr:  VaddrHeap,
			Host:    heap,
			Perm:    PermRead | PermWrite,
			Section: SectionHeap,
		})
	}
	if len(input) > 0 {
		regions = append(regions, Region{
			VMAddr:  VaddrInput,
			Host:    input,
			Perm:    PermRead,
			Section: SectionInput,
		})
	}
	return NewMapping(regions, frameSize)
}

// Regions returns the sorted region set. Callers must not mutate it.
func (m *Mapping) Regions() []Region {
	return m.regions
}

// find returns the region containing addr, or nil.
func (m *Mapping) find(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].end() > addr
	})
	if i < len(m.regions) && m.regions[i].VMAddr <= addr {
		return &m.regions[i]
	}
	return nil
}

// fault builds the taxonomy error for a rejected access. Addresses inside
// the stack window map to a stack violation carrying the signed frame index
// the address falls into (gaps between frames attribute to the preceding
// frame's geometry slot).
func (m *Mapping) fault(addr, size uint64, access ebpf.Access, pc int) error {
	if addr>>32 == VaddrStack>>32 && m.stackFrameSize > 0 {
		frame := int64((addr - VaddrStack) / (2 * m.stackFrameSize))
		return ebpf.StackAccessViolationError{
			PC:     pc,
			Access: access,
			Addr:   addr,
			Len:    size,
			Frame:  frame,
		}
	}
	section := SectionUnknown
	if r := m.find(addr); r != nil {
		section = r.Section
	}
	return ebpf.AccessViolationError{
		PC:      pc,
		Access:  access,
		Addr:    addr,
		Len:     size,
		Section: section,
	}
}

// Translate maps [addr, addr+size) to a host slice, checking that the range
// lies within a single region and that the region grants the access. The
// returned slice aliases the region's backing memory.
func (m *Mapping) Translate(addr, size uint64, access ebpf.Access, pc int) ([]byte, error) {
	if size > 0 && addr+size < addr {
		return nil, ebpf.InvalidVirtualAddressError{Addr: addr}
	}
	r := m.find(addr)
	if r == nil {
		return nil, m.fault(addr, size, access, pc)
	}
	need := PermRead
	switch access {
	case ebpf.AccessWrite:
		need = PermWrite
	case ebpf.AccessExecute:
		need = PermExecute
	}
	if r.Perm&need == 0 || addr+size > r.end() {
		return nil, m.fault(addr, size, access, pc)
	}
	off := addr - r.VMAddr
	return r.Host[off : off+size], nil
}

// Read copies len(p) bytes from guest memory into p.
func (m *Mapping) Read(addr uint64, p []byte, pc int) error {
	mem, err := m.Translate(addr, uint64(len(p)), ebpf.AccessRead, pc)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from guest memory.
func (m *Mapping) Read8(addr uint64, pc int) (uint8, error) {
	mem, err := m.Translate(addr, 1, ebpf.AccessRead, pc)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a 16-bit value from guest memory (little-endian).
func (m *Mapping) Read16(addr uint64, pc int) (uint16, error) {
	mem, err := m.Translate(addr, 2, ebpf.AccessRead, pc)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a 32-bit value from guest memory (little-endian).
func (m *Mapping) Read32(addr uint64, pc int) (uint32, error) {
	mem, err := m.Translate(addr, 4, ebpf.AccessRead, pc)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a 64-bit value from guest memory (little-endian).
func (m *Mapping) Read64(addr uint64, pc int) (uint64, error) {
	mem, err := m.Translate(addr, 8, ebpf.AccessRead, pc)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write copies p into guest memory.
func (m *Mapping) Write(addr uint64, p []byte, pc int) error {
	mem, err := m.Translate(addr, uint64(len(p)), ebpf.AccessWrite, pc)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to guest memory.
func (m *Mapping) Write8(addr uint64, x uint8, pc int) error {
	mem, err := m.Translate(addr, 1, ebpf.AccessWrite, pc)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a 16-bit value to guest memory (little-endian).
func (m *Mapping) Write16(addr uint64, x uint16, pc int) error {
	mem, err := m.Translate(addr, 2, ebpf.AccessWrite, pc)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a 32-bit value to guest memory (little-endian).
func (m *Mapping) Write32(addr uint64, x uint32, pc int) error {
	mem, err := m.Translate(addr, 4, ebpf.AccessWrite, pc)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a 64-bit value to guest memory (little-endian).
func (m *Mapping) Write64(addr uint64, x uint64, pc int) error {
	mem, err := m.Translate(addr, 8, ebpf.AccessWrite, pc)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
