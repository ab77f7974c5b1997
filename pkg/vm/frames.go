package vm

import (
	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/memory"
)

// frame is the state saved across a guest function call.
type frame struct {
	framePtr uint64    // caller's r10
	saved    [4]uint64 // callee-saved r6-r9
	ret      int       // return instruction index
}

// CallStack tracks guest call frames. Capacity is fixed at construction;
// the root frame occupies depth 0 and is never popped.
type CallStack struct {
	frames    []frame
	maxDepth  int
	frameSize uint64
}

// NewCallStack creates a call stack allowing maxDepth frames of frameSize
// bytes each.
func NewCallStack(maxDepth int, frameSize uint64) *CallStack {
	return &CallStack{
		frames:    make([]frame, 0, maxDepth),
		maxDepth:  maxDepth,
		frameSize: frameSize,
	}
}

// FramePointer returns the r10 value for frame i: one past the end of the
// frame's mapped bytes, so guest accesses go through negative offsets.
func (cs *CallStack) FramePointer(i int) uint64 {
	return memory.VaddrStack + uint64(i)*2*cs.frameSize + cs.frameSize
}

// Depth returns the current frame index (0 for the root frame).
func (cs *CallStack) Depth() int {
	return len(cs.frames)
}

// Push enters a new frame: saves r6-r9, r10 and the return address, and
// points r10 at the new frame. Exceeding the configured depth faults with
// CallDepthExceeded carrying the call instruction's pc.
func (cs *CallStack) Push(regs *[ebpf.NumRegisters]uint64, ret, pc int) error {
	if len(cs.frames)+1 >= cs.maxDepth {
		return ebpf.CallDepthExceededError{PC: pc, Depth: cs.maxDepth}
	}
	f := frame{framePtr: regs[ebpf.RegFrame], ret: ret}
	copy(f.saved[:], regs[6:10])
	cs.frames = append(cs.frames, f)
	regs[ebpf.RegFrame] = cs.FramePointer(len(cs.frames))
	return nil
}

// Exit leaves the current frame, restoring the saved registers, and returns
// the instruction index to resume at. Exiting the root frame faults with
// ErrExitRootCallFrame.
func (cs *CallStack) Exit(regs *[ebpf.NumRegisters]uint64) (int, error) {
	if len(cs.frames) == 0 {
		return 0, ebpf.ErrExitRootCallFrame
	}
	f := cs.frames[len(cs.frames)-1]
	cs.frames = cs.frames[:len(cs.frames)-1]
	copy(regs[6:10], f.saved[:])
	regs[ebpf.RegFrame] = f.framePtr
	return f.ret, nil
}
