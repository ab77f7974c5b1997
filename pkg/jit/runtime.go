//go:build linux && amd64

package jit

import (
	"math"
	"unsafe"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/memory"
	"github.com/fortiblox/sandbpf/pkg/syscalls"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

// Available reports whether native compilation is supported on this
// platform.
func Available() bool { return true }

// Compiled is a natively compiled program. Like the interpreter it holds
// only immutable state between runs, so one Compiled may serve concurrent
// Execute calls. Close releases the code mapping.
type Compiled struct {
	prog    *vm.Program
	cfg     vm.Config
	sys     *syscalls.Registry
	mem     *execMem
	offsets []int
}

// Close unmaps the generated code. The Compiled must not be executed
// afterwards.
func (c *Compiled) Close() error {
	if c == nil || c.mem == nil {
		return nil
	}
	return c.mem.close()
}

// Execute runs the compiled program to completion and returns r0. Faults
// carry the same error values the interpreter produces for the same
// program and input.
func (c *Compiled) Execute(input []byte) (uint64, error) {
	if c == nil || c.mem == nil || c.mem.buf == nil {
		return 0, ebpf.ErrJITNotCompiled
	}
	cfg := c.cfg
	stackFrames := make([][]byte, cfg.MaxCallDepth)
	for i := range stackFrames {
		stackFrames[i] = make([]byte, cfg.StackFrameSize)
	}
	mem, err := memory.NewDefaultMapping(c.prog.RO, stackFrames, make([]byte, cfg.HeapSize), input, cfg.StackFrameSize)
	if err != nil {
		return 0, err
	}
	cs := vm.NewCallStack(cfg.MaxCallDepth, cfg.StackFrameSize)

	var st cpuState
	st.regs[ebpf.RegArg1] = memory.VaddrInput
	st.regs[ebpf.RegFrame] = cs.FramePointer(0)
	st.meter = cfg.MaxInstructions

	text := c.prog.Text
	base := c.mem.base()
	pc := int(c.prog.Entry)

	for {
		if pc < 0 || pc >= len(text) {
			return 0, ebpf.ExecutionOverrunError{PC: pc}
		}
		reason, rpc := callJITCode(base+uintptr(c.offsets[pc]), unsafe.Pointer(&st))
		epc := int(rpc)

		switch reason {
		case exitHalt:
			if cs.Depth() == 0 {
				return st.regs[ebpf.RegReturn], nil
			}
			ret, err := cs.Exit(&st.regs)
			if err != nil {
				return 0, err
			}
			pc = ret

		case exitCall:
			next, err := c.call(epc, &st, cs, mem)
			if err != nil {
				return 0, err
			}
			pc = next

		case exitCallx:
			ins := ebpf.Instruction(text[epc])
			ri := ins.Uimm()
			if ri >= ebpf.RegFrame {
				return 0, ebpf.InvalidInstructionError{PC: epc}
			}
			target := st.regs[ri]
			tpc, ok := c.prog.PCForAddress(target)
			if !ok {
				return 0, ebpf.CallOutsideTextSegmentError{PC: epc, Target: target}
			}
			if err := cs.Push(&st.regs, epc+1, epc); err != nil {
				return 0, err
			}
			pc = tpc

		case exitStep:
			if err := c.step(epc, &st, mem); err != nil {
				return 0, err
			}
			pc = epc + 1

		case exitBudget:
			return 0, ebpf.ExceededMaxInstructionsError{PC: epc, Max: cfg.MaxInstructions}

		case exitOverrun:
			return 0, ebpf.ExecutionOverrunError{PC: epc}

		default:
			return 0, ebpf.InvalidInstructionError{PC: epc}
		}
	}
}

// call services a trapped call instruction: syscall, registered function,
// or relative call, in that order.
func (c *Compiled) call(pc int, st *cpuState, cs *vm.CallStack, mem *memory.Mapping) (int, error) {
	ins := ebpf.Instruction(c.prog.Text[pc])
	hash := ins.Uimm()
	r := &st.regs

	if iv, ok := c.sys.Lookup(hash); ok {
		ret, err := iv.Invoke(pc, r[1], r[2], r[3], r[4], r[5], mem)
		if err != nil {
			return 0, err
		}
		r[ebpf.RegReturn] = ret
		return pc + 1, nil
	}
	if target, ok := c.prog.Functions[hash]; ok {
		if err := cs.Push(r, pc+1, pc); err != nil {
			return 0, err
		}
		return int(target), nil
	}
	if ins.Src() == 1 {
		target := pc + int(ins.Imm()) + 1
		if target < 0 || target >= len(c.prog.Text) {
			return 0, ebpf.CallOutsideTextSegmentError{
				PC:     pc,
				Target: c.prog.TextVA + uint64(int64(target))*8,
			}
		}
		if err := cs.Push(r, pc+1, pc); err != nil {
			return 0, err
		}
		return target, nil
	}
	// Not a function and not a relative call, so the hash named a
	// syscall that was never registered.
	return 0, ebpf.SyscallNotRegisteredError{Index: hash}
}

// step services a trapped non-control-flow instruction: memory accesses,
// division and anything the compiler refused to translate.
func (c *Compiled) step(pc int, st *cpuState, mem *memory.Mapping) error {
	ins := ebpf.Instruction(c.prog.Text[pc])
	op := ins.Op()
	dst := ins.Dst()
	src := ins.Src()
	off := ins.Off()
	imm := ins.Imm()
	r := &st.regs

	if dst >= ebpf.NumRegisters || src >= ebpf.NumRegisters {
		return ebpf.InvalidInstructionError{PC: pc}
	}
	if dst == ebpf.RegFrame {
		switch ins.Class() {
		case ebpf.ClassAlu, ebpf.ClassAlu64, ebpf.ClassLdx, ebpf.ClassLd:
			return ebpf.InvalidInstructionError{PC: pc}
		}
	}

	switch op {
	case ebpf.OpDiv64Imm, ebpf.OpDiv64Reg, ebpf.OpMod64Imm, ebpf.OpMod64Reg:
		b := int64(imm)
		if op == ebpf.OpDiv64Reg || op == ebpf.OpMod64Reg {
			b = int64(r[src])
		}
		mod := op == ebpf.OpMod64Imm || op == ebpf.OpMod64Reg
		if off == ebpf.OffsetSigned {
			v, err := divmod64(int64(r[dst]), b, mod, pc)
			if err != nil {
				return err
			}
			r[dst] = uint64(v)
		} else {
			d := uint64(b)
			if op == ebpf.OpDiv64Imm || op == ebpf.OpMod64Imm {
				d = uint64(uint32(imm))
			}
			if d == 0 {
				return ebpf.DivideByZeroError{PC: pc}
			}
			if mod {
				r[dst] %= d
			} else {
				r[dst] /= d
			}
		}

	case ebpf.OpDiv32Imm, ebpf.OpDiv32Reg, ebpf.OpMod32Imm, ebpf.OpMod32Reg:
		b := imm
		if op == ebpf.OpDiv32Reg || op == ebpf.OpMod32Reg {
			b = int32(r[src])
		}
		mod := op == ebpf.OpMod32Imm || op == ebpf.OpMod32Reg
		if off == ebpf.OffsetSigned {
			v, err := divmod32(int32(r[dst]), b, mod, pc)
			if err != nil {
				return err
			}
			r[dst] = uint64(uint32(v))
		} else {
			if uint32(b) == 0 {
				return ebpf.DivideByZeroError{PC: pc}
			}
			if mod {
				r[dst] = uint64(uint32(r[dst]) % uint32(b))
			} else {
				r[dst] = uint64(uint32(r[dst]) / uint32(b))
			}
		}

	case ebpf.OpLdxb:
		v, err := mem.Read8(r[src]+uint64(off), pc)
		if err != nil {
			return err
		}
		r[dst] = uint64(v)
	case ebpf.OpLdxh:
		v, err := mem.Read16(r[src]+uint64(off), pc)
		if err != nil {
			return err
		}
		r[dst] = uint64(v)
	case ebpf.OpLdxw:
		v, err := mem.Read32(r[src]+uint64(off), pc)
		if err != nil {
			return err
		}
		r[dst] = uint64(v)
	case ebpf.OpLdxdw:
		v, err := mem.Read64(r[src]+uint64(off), pc)
		if err != nil {
			return err
		}
		r[dst] = v

	case ebpf.OpStb:
		return mem.Write8(r[dst]+uint64(off), uint8(imm), pc)
	case ebpf.OpSth:
		return mem.Write16(r[dst]+uint64(off), uint16(imm), pc)
	case ebpf.OpStw:
		return mem.Write32(r[dst]+uint64(off), uint32(imm), pc)
	case ebpf.OpStdw:
		return mem.Write64(r[dst]+uint64(off), uint64(imm), pc)
	case ebpf.OpStxb:
		return mem.Write8(r[dst]+uint64(off), uint8(r[src]), pc)
	case ebpf.OpStxh:
		return mem.Write16(r[dst]+uint64(off), uint16(r[src]), pc)
	case ebpf.OpStxw:
		return mem.Write32(r[dst]+uint64(off), uint32(r[src]), pc)
	case ebpf.OpStxdw:
		return mem.Write64(r[dst]+uint64(off), r[src], pc)

	case ebpf.OpLddw, ebpf.OpLe, ebpf.OpBe:
		// Only malformed encodings trap here: a truncated lddw or an
		// endian conversion with an unknown width.
		return ebpf.InvalidInstructionError{PC: pc}

	default:
		return ebpf.UnsupportedInstructionError{PC: pc}
	}
	return nil
}

func divmod64(a, b int64, mod bool, pc int) (int64, error) {
	if b == 0 {
		return 0, ebpf.DivideByZeroError{PC: pc}
	}
	if a == math.MinInt64 && b == -1 {
		return 0, ebpf.DivideOverflowError{PC: pc}
	}
	if mod {
		return a % b, nil
	}
	return a / b, nil
}

func divmod32(a, b int32, mod bool, pc int) (int32, error) {
	if b == 0 {
		return 0, ebpf.DivideByZeroError{PC: pc}
	}
	if a == math.MinInt32 && b == -1 {
		return 0, ebpf.DivideOverflowError{PC: pc}
	}
	if mod {
		return a % b, nil
	}
	return a / b, nil
}
