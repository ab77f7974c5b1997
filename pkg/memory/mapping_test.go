package memory

import (
	"errors"
	"testing"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
)

func testMapping(t *testing.T) *Mapping {
	t.Helper()
	frames := [][]byte{make([]byte, 4096), make([]byte, 4096), make([]byte, 4096)}
	m, err := NewDefaultMapping(
		[]byte{1, 2, 3, 4, 5, 6, 7, 8},
		frames,
		make([]byte, 1024),
		[]byte{0xaa, 0xbb},
		4096,
	)
	if err != nil {
		t.Fatalf("NewDefaultMapping: %v", err)
	}
	return m
}

func TestTranslate(t *testing.T) {
	m := testMapping(t)

	tests := []struct {
		name   string
		addr   uint64
		size   uint64
		access ebpf.Access
		ok     bool
	}{
		{"program read", VaddrProgram, 8, ebpf.AccessRead, true},
		{"program execute", VaddrProgram, 8, ebpf.AccessExecute, true},
		{"program write denied", VaddrProgram, 1, ebpf.AccessWrite, false},
		{"heap execute denied", VaddrHeap, 8, ebpf.AccessExecute, false},
		{"input execute denied", VaddrInput, 2, ebpf.AccessExecute, false},
		{"program read past end", VaddrProgram + 4, 8, ebpf.AccessRead, false},
		{"heap write", VaddrHeap + 100, 8, ebpf.AccessWrite, true},
		{"heap past end", VaddrHeap + 1020, 8, ebpf.AccessWrite, false},
		{"input read", VaddrInput, 2, ebpf.AccessRead, true},
		{"input write denied", VaddrInput, 1, ebpf.AccessWrite, false},
		{"stack frame 0 write", VaddrStack + 16, 8, ebpf.AccessWrite, true},
		{"stack frame 1 write", VaddrStack + 2*4096, 8, ebpf.AccessWrite, true},
		{"unmapped", 0x9_0000_0000, 1, ebpf.AccessRead, false},
		{"zero page", 0x0, 1, ebpf.AccessRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Translate(tt.addr, tt.size, tt.access, 7)
			if tt.ok && err != nil {
				t.Fatalf("Translate(0x%x, %d): %v", tt.addr, tt.size, err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("Translate(0x%x, %d): expected fault", tt.addr, tt.size)
			}
		})
	}
}

func TestStackGapFaultReportsFrame(t *testing.T) {
	m := testMapping(t)

	// Frame 2 starts at VaddrStack + 2*2*4096. An access into the gap right
	// after frame 2's live bytes must name frame 2, not a generic section.
	addr := uint64(VaddrStack + 2*2*4096 + 4096 + 8)
	_, err := m.Translate(addr, 8, ebpf.AccessWrite, 42)
	var sv ebpf.StackAccessViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("expected StackAccessViolationError, got %v", err)
	}
	if sv.Frame != 2 {
		t.Errorf("frame = %d, want 2", sv.Frame)
	}
	if sv.PC != 42 {
		t.Errorf("pc = %d, want 42", sv.PC)
	}
	if sv.Access != ebpf.AccessWrite {
		t.Errorf("access = %v, want write", sv.Access)
	}
}

func TestStackFaultPastConfiguredDepth(t *testing.T) {
	m := testMapping(t)

	// Only 3 frames are mapped; an address shaped like frame 9 faults with
	// that frame index.
	addr := uint64(VaddrStack + 9*2*4096)
	_, err := m.Translate(addr, 1, ebpf.AccessRead, 0)
	var sv ebpf.StackAccessViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("expected StackAccessViolationError, got %v", err)
	}
	if sv.Frame != 9 {
		t.Errorf("frame = %d, want 9", sv.Frame)
	}
}

func TestAccessCrossingRegionEnd(t *testing.T) {
	m := testMapping(t)

	// Straddling the end of the heap region faults even though the start is
	// mapped.
	_, err := m.Translate(VaddrHeap+1023, 2, ebpf.AccessRead, 3)
	var av ebpf.AccessViolationError
	if !errors.As(err, &av) {
		t.Fatalf("expected AccessViolationError, got %v", err)
	}
	if av.Section != SectionHeap {
		t.Errorf("section = %q, want %q", av.Section, SectionHeap)
	}
}

func TestExecuteFaultCarriesAccessKind(t *testing.T) {
	m := testMapping(t)

	_, err := m.Translate(VaddrHeap, 1, ebpf.AccessExecute, 5)
	var av ebpf.AccessViolationError
	if !errors.As(err, &av) {
		t.Fatalf("expected AccessViolationError, got %v", err)
	}
	if av.Access != ebpf.AccessExecute {
		t.Errorf("access = %v, want execute", av.Access)
	}
	if av.Section != SectionHeap {
		t.Errorf("section = %q, want %q", av.Section, SectionHeap)
	}
}

func TestNewMappingRejectsOverlap(t *testing.T) {
	_, err := NewMapping([]Region{
		{VMAddr: 0x1000, Host: make([]byte, 0x100), Perm: PermRead},
		{VMAddr: 0x1080, Host: make([]byte, 0x100), Perm: PermRead},
	}, 4096)
	var im ebpf.InvalidMemoryRegionError
	if !errors.As(err, &im) {
		t.Fatalf("expected InvalidMemoryRegionError, got %v", err)
	}
	if im.Index != 1 {
		t.Errorf("index = %d, want 1", im.Index)
	}
}

func TestNewMappingRejectsEmptyRegion(t *testing.T) {
	_, err := NewMapping([]Region{
		{VMAddr: 0x1000, Host: nil, Perm: PermRead},
	}, 4096)
	var im ebpf.InvalidMemoryRegionError
	if !errors.As(err, &im) {
		t.Fatalf("expected InvalidMemoryRegionError, got %v", err)
	}
}

func TestReadWriteHelpers(t *testing.T) {
	m := testMapping(t)

	if err := m.Write64(VaddrHeap, 0x1122334455667788, 0); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	got, err := m.Read64(VaddrHeap, 0)
	if err != nil {
		t.Fatalf("Read64: %v", err)
	}
	if got != 0x1122334455667788 {
		t.Errorf("Read64 = %#x", got)
	}

	// Little-endian byte order.
	b, err := m.Read8(VaddrHeap, 0)
	if err != nil {
		t.Fatalf("Read8: %v", err)
	}
	if b != 0x88 {
		t.Errorf("Read8 = %#x, want 0x88", b)
	}

	if err := m.Write16(VaddrHeap+8, 0xbeef, 0); err != nil {
		t.Fatalf("Write16: %v", err)
	}
	h, err := m.Read16(VaddrHeap+8, 0)
	if err != nil {
		t.Fatalf("Read16: %v", err)
	}
	if h != 0xbeef {
		t.Errorf("Read16 = %#x", h)
	}

	if err := m.Write32(VaddrHeap+16, 0xdeadbeef, 0); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	w, err := m.Read32(VaddrHeap+16, 0)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if w != 0xdeadbeef {
		t.Errorf("Read32 = %#x", w)
	}

	// Program image is visible through Read.
	buf := make([]byte, 4)
	if err := m.Read(VaddrProgram+2, buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[0] != 3 || buf[3] != 6 {
		t.Errorf("Read = %v", buf)
	}
}
