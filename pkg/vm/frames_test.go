package vm

import (
	"errors"
	"testing"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/memory"
)

func TestCallStackPushExit(t *testing.T) {
	cs := NewCallStack(4, 4096)

	var r [ebpf.NumRegisters]uint64
	r[6], r[7], r[8], r[9] = 6, 7, 8, 9
	r[ebpf.RegFrame] = cs.FramePointer(0)

	if err := cs.Push(&r, 17, 3); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got, want := r[ebpf.RegFrame], cs.FramePointer(1); got != want {
		t.Errorf("r10 after push = %#x, want %#x", got, want)
	}

	r[6], r[7], r[8], r[9] = 0, 0, 0, 0

	ret, err := cs.Exit(&r)
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if ret != 17 {
		t.Errorf("ret = %d, want 17", ret)
	}
	if r[6] != 6 || r[7] != 7 || r[8] != 8 || r[9] != 9 {
		t.Errorf("callee-saved registers not restored: %v", r[6:10])
	}
	if got, want := r[ebpf.RegFrame], cs.FramePointer(0); got != want {
		t.Errorf("r10 after exit = %#x, want %#x", got, want)
	}
}

func TestCallStackExitRootFrame(t *testing.T) {
	cs := NewCallStack(4, 4096)
	var r [ebpf.NumRegisters]uint64
	_, err := cs.Exit(&r)
	if !errors.Is(err, ebpf.ErrExitRootCallFrame) {
		t.Fatalf("expected ErrExitRootCallFrame, got %v", err)
	}
}

func TestCallStackDepthLimit(t *testing.T) {
	cs := NewCallStack(3, 4096)
	var r [ebpf.NumRegisters]uint64

	if err := cs.Push(&r, 0, 0); err != nil {
		t.Fatalf("push to frame 1: %v", err)
	}
	if err := cs.Push(&r, 0, 0); err != nil {
		t.Fatalf("push to frame 2: %v", err)
	}
	err := cs.Push(&r, 0, 5)
	var cd ebpf.CallDepthExceededError
	if !errors.As(err, &cd) {
		t.Fatalf("expected CallDepthExceededError, got %v", err)
	}
	if cd.PC != 5 {
		t.Errorf("pc = %d, want 5", cd.PC)
	}
	if cd.Depth != 3 {
		t.Errorf("depth = %d, want 3", cd.Depth)
	}
}

func TestFramePointerGeometry(t *testing.T) {
	cs := NewCallStack(64, 4096)
	if got := cs.FramePointer(0); got != memory.VaddrStack+4096 {
		t.Errorf("frame 0 pointer = %#x", got)
	}
	// Consecutive frames are separated by a frame-sized gap.
	if got := cs.FramePointer(1) - cs.FramePointer(0); got != 8192 {
		t.Errorf("frame stride = %d, want 8192", got)
	}
}

func TestMeter(t *testing.T) {
	m := NewMeter(3)
	for i := 0; i < 3; i++ {
		if err := m.Step(i); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if m.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", m.Remaining())
	}
	err := m.Step(3)
	var ex ebpf.ExceededMaxInstructionsError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExceededMaxInstructionsError, got %v", err)
	}
	if ex.PC != 3 || ex.Max != 3 {
		t.Errorf("fault = %+v, want PC 3 Max 3", ex)
	}
	if m.Consumed() != 3 {
		t.Errorf("consumed = %d, want 3", m.Consumed())
	}
}
