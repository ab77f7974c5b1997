// Package vm executes sandboxed eBPF programs.
//
// The machine is register-based with 11 64-bit registers (r0-r10), where
// r10 is a read-only frame pointer. Guest memory is organized into four
// regions:
//   - Program (0x100000000): read-only executable image
//   - Stack   (0x200000000): read-write, one region per call frame
//   - Heap    (0x300000000): read-write scratch memory
//   - Input   (0x400000000): read-only input parameters
//
// Every run is bounded by an instruction budget and a call-depth limit, and
// every fault carries the index of the faulting instruction.
package vm

import (
	"math"
	"math/bits"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/memory"
	"github.com/fortiblox/sandbpf/pkg/syscalls"
)

// Executable runs a program against an input and returns r0. The
// interpreter and the JIT both satisfy it and agree on results and faults.
type Executable interface {
	Execute(input []byte) (uint64, error)
}

// Interpreter executes a program by fetch-decode-dispatch. It holds only
// immutable state, so one Interpreter may serve concurrent Execute calls.
type Interpreter struct {
	prog *Program
	cfg  Config
	sys  *syscalls.Registry
}

// NewInterpreter creates an interpreter for prog. The registry may be nil
// when the program makes no syscalls.
func NewInterpreter(prog *Program, cfg Config, sys *syscalls.Registry) *Interpreter {
	if sys == nil {
		sys = syscalls.NewRegistry(0)
	}
	return &Interpreter{prog: prog, cfg: cfg.Normalize(), sys: sys}
}

// Execute runs the program to completion and returns r0. Each run gets a
// fresh stack, heap, and meter; the input is mapped read-only at
// VaddrInput and its guest address placed in r1.
func (ip *Interpreter) Execute(input []byte) (uint64, error) {
	cfg := ip.cfg
	stackFrames := make([][]byte, cfg.MaxCallDepth)
	for i := range stackFrames {
		stackFrames[i] = make([]byte, cfg.StackFrameSize)
	}
	mem, err := memory.NewDefaultMapping(ip.prog.RO, stackFrames, make([]byte, cfg.HeapSize), input, cfg.StackFrameSize)
	if err != nil {
		return 0, err
	}
	cs := NewCallStack(cfg.MaxCallDepth, cfg.StackFrameSize)
	meter := NewMeter(cfg.MaxInstructions)
	return ip.run(mem, cs, meter)
}

func (ip *Interpreter) run(mem *memory.Mapping, cs *CallStack, meter *Meter) (uint64, error) {
	text := ip.prog.Text

	var r [ebpf.NumRegisters]uint64
	r[ebpf.RegArg1] = memory.VaddrInput
	r[ebpf.RegFrame] = cs.FramePointer(0)

	pc := int(ip.prog.Entry)

	for {
		if pc < 0 || pc >= len(text) {
			return 0, ebpf.ExecutionOverrunError{PC: pc}
		}
		if err := meter.Step(pc); err != nil {
			return 0, err
		}

		ins := ebpf.Instruction(text[pc])
		op := ins.Op()
		dst := ins.Dst()
		src := ins.Src()
		off := ins.Off()
		imm := ins.Imm()

		if dst >= ebpf.NumRegisters || src >= ebpf.NumRegisters {
			return 0, ebpf.InvalidInstructionError{PC: pc}
		}
		// r10 is read-only; the verifier rejects writes to it, and the
		// interpreter re-checks in case the verifier was skipped.
		if dst == ebpf.RegFrame {
			switch ins.Class() {
			case ebpf.ClassAlu, ebpf.ClassAlu64, ebpf.ClassLdx, ebpf.ClassLd:
				return 0, ebpf.InvalidInstructionError{PC: pc}
			}
		}

		switch op {
		// 64-bit immediate load (two instruction slots)
		case ebpf.OpLddw:
			if pc+1 >= len(text) {
				return 0, ebpf.InvalidInstructionError{PC: pc}
			}
			next := ebpf.Instruction(text[pc+1])
			r[dst] = uint64(ins.Uimm()) | uint64(next.Uimm())<<32
			pc++

		// ALU64 immediate
		case ebpf.OpAdd64Imm:
			r[dst] += uint64(imm)
		case ebpf.OpSub64Imm:
			r[dst] -= uint64(imm)
		case ebpf.OpMul64Imm:
			r[dst] *= uint64(imm)
		case ebpf.OpDiv64Imm:
			if off == ebpf.OffsetSigned {
				q, err := sdiv64(int64(r[dst]), int64(imm), pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(q)
			} else {
				if imm == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] /= uint64(uint32(imm))
			}
		case ebpf.OpOr64Imm:
			r[dst] |= uint64(imm)
		case ebpf.OpAnd64Imm:
			r[dst] &= uint64(imm)
		case ebpf.OpLsh64Imm:
			r[dst] <<= uint64(imm) & 63
		case ebpf.OpRsh64Imm:
			r[dst] >>= uint64(imm) & 63
		case ebpf.OpNeg64:
			r[dst] = uint64(-int64(r[dst]))
		case ebpf.OpMod64Imm:
			if off == ebpf.OffsetSigned {
				m, err := smod64(int64(r[dst]), int64(imm), pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(m)
			} else {
				if imm == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] %= uint64(uint32(imm))
			}
		case ebpf.OpXor64Imm:
			r[dst] ^= uint64(imm)
		case ebpf.OpMov64Imm:
			r[dst] = uint64(imm)
		case ebpf.OpArsh64Imm:
			r[dst] = uint64(int64(r[dst]) >> (uint64(imm) & 63))

		// ALU64 register
		case ebpf.OpAdd64Reg:
			r[dst] += r[src]
		case ebpf.OpSub64Reg:
			r[dst] -= r[src]
		case ebpf.OpMul64Reg:
			r[dst] *= r[src]
		case ebpf.OpDiv64Reg:
			if off == ebpf.OffsetSigned {
				q, err := sdiv64(int64(r[dst]), int64(r[src]), pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(q)
			} else {
				if r[src] == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] /= r[src]
			}
		case ebpf.OpOr64Reg:
			r[dst] |= r[src]
		case ebpf.OpAnd64Reg:
			r[dst] &= r[src]
		case ebpf.OpLsh64Reg:
			r[dst] <<= r[src] & 63
		case ebpf.OpRsh64Reg:
			r[dst] >>= r[src] & 63
		case ebpf.OpMod64Reg:
			if off == ebpf.OffsetSigned {
				m, err := smod64(int64(r[dst]), int64(r[src]), pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(m)
			} else {
				if r[src] == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] %= r[src]
			}
		case ebpf.OpXor64Reg:
			r[dst] ^= r[src]
		case ebpf.OpMov64Reg:
			r[dst] = r[src]
		case ebpf.OpArsh64Reg:
			r[dst] = uint64(int64(r[dst]) >> (r[src] & 63))

		// ALU32 immediate
		case ebpf.OpAdd32Imm:
			r[dst] = uint64(uint32(r[dst]) + uint32(imm))
		case ebpf.OpSub32Imm:
			r[dst] = uint64(uint32(r[dst]) - uint32(imm))
		case ebpf.OpMul32Imm:
			r[dst] = uint64(uint32(r[dst]) * uint32(imm))
		case ebpf.OpDiv32Imm:
			if off == ebpf.OffsetSigned {
				q, err := sdiv32(int32(r[dst]), imm, pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(uint32(q))
			} else {
				if imm == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] = uint64(uint32(r[dst]) / uint32(imm))
			}
		case ebpf.OpOr32Imm:
			r[dst] = uint64(uint32(r[dst]) | uint32(imm))
		case ebpf.OpAnd32Imm:
			r[dst] = uint64(uint32(r[dst]) & uint32(imm))
		case ebpf.OpLsh32Imm:
			r[dst] = uint64(uint32(r[dst]) << (uint32(imm) & 31))
		case ebpf.OpRsh32Imm:
			r[dst] = uint64(uint32(r[dst]) >> (uint32(imm) & 31))
		case ebpf.OpNeg32:
			r[dst] = uint64(uint32(-int32(r[dst])))
		case ebpf.OpMod32Imm:
			if off == ebpf.OffsetSigned {
				m, err := smod32(int32(r[dst]), imm, pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(uint32(m))
			} else {
				if imm == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] = uint64(uint32(r[dst]) % uint32(imm))
			}
		case ebpf.OpXor32Imm:
			r[dst] = uint64(uint32(r[dst]) ^ uint32(imm))
		case ebpf.OpMov32Imm:
			r[dst] = uint64(uint32(imm))
		case ebpf.OpArsh32Imm:
			r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(imm) & 31)))

		// ALU32 register
		case ebpf.OpAdd32Reg:
			r[dst] = uint64(uint32(r[dst]) + uint32(r[src]))
		case ebpf.OpSub32Reg:
			r[dst] = uint64(uint32(r[dst]) - uint32(r[src]))
		case ebpf.OpMul32Reg:
			r[dst] = uint64(uint32(r[dst]) * uint32(r[src]))
		case ebpf.OpDiv32Reg:
			if off == ebpf.OffsetSigned {
				q, err := sdiv32(int32(r[dst]), int32(r[src]), pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(uint32(q))
			} else {
				if uint32(r[src]) == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] = uint64(uint32(r[dst]) / uint32(r[src]))
			}
		case ebpf.OpOr32Reg:
			r[dst] = uint64(uint32(r[dst]) | uint32(r[src]))
		case ebpf.OpAnd32Reg:
			r[dst] = uint64(uint32(r[dst]) & uint32(r[src]))
		case ebpf.OpLsh32Reg:
			r[dst] = uint64(uint32(r[dst]) << (uint32(r[src]) & 31))
		case ebpf.OpRsh32Reg:
			r[dst] = uint64(uint32(r[dst]) >> (uint32(r[src]) & 31))
		case ebpf.OpMod32Reg:
			if off == ebpf.OffsetSigned {
				m, err := smod32(int32(r[dst]), int32(r[src]), pc)
				if err != nil {
					return 0, err
				}
				r[dst] = uint64(uint32(m))
			} else {
				if uint32(r[src]) == 0 {
					return 0, ebpf.DivideByZeroError{PC: pc}
				}
				r[dst] = uint64(uint32(r[dst]) % uint32(r[src]))
			}
		case ebpf.OpXor32Reg:
			r[dst] = uint64(uint32(r[dst]) ^ uint32(r[src]))
		case ebpf.OpMov32Reg:
			r[dst] = uint64(uint32(r[src]))
		case ebpf.OpArsh32Reg:
			r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(r[src]) & 31)))

		// Endian conversion
		case ebpf.OpLe:
			switch imm {
			case 16:
				r[dst] = uint64(uint16(r[dst]))
			case 32:
				r[dst] = uint64(uint32(r[dst]))
			case 64:
			default:
				return 0, ebpf.InvalidInstructionError{PC: pc}
			}
		case ebpf.OpBe:
			switch imm {
			case 16:
				r[dst] = uint64(bits.ReverseBytes16(uint16(r[dst])))
			case 32:
				r[dst] = uint64(bits.ReverseBytes32(uint32(r[dst])))
			case 64:
				r[dst] = bits.ReverseBytes64(r[dst])
			default:
				return 0, ebpf.InvalidInstructionError{PC: pc}
			}

		// Memory load
		case ebpf.OpLdxb:
			v, err := mem.Read8(r[src]+uint64(off), pc)
			if err != nil {
				return 0, err
			}
			r[dst] = uint64(v)
		case ebpf.OpLdxh:
			v, err := mem.Read16(r[src]+uint64(off), pc)
			if err != nil {
				return 0, err
			}
			r[dst] = uint64(v)
		case ebpf.OpLdxw:
			v, err := mem.Read32(r[src]+uint64(off), pc)
			if err != nil {
				return 0, err
			}
			r[dst] = uint64(v)
		case ebpf.OpLdxdw:
			v, err := mem.Read64(r[src]+uint64(off), pc)
			if err != nil {
				return 0, err
			}
			r[dst] = v

		// Memory store
		case ebpf.OpStb:
			if err := mem.Write8(r[dst]+uint64(off), uint8(imm), pc); err != nil {
				return 0, err
			}
		case ebpf.OpSth:
			if err := mem.Write16(r[dst]+uint64(off), uint16(imm), pc); err != nil {
				return 0, err
			}
		case ebpf.OpStw:
			if err := mem.Write32(r[dst]+uint64(off), uint32(imm), pc); err != nil {
				return 0, err
			}
		case ebpf.OpStdw:
			if err := mem.Write64(r[dst]+uint64(off), uint64(imm), pc); err != nil {
				return 0, err
			}
		case ebpf.OpStxb:
			if err := mem.Write8(r[dst]+uint64(off), uint8(r[src]), pc); err != nil {
				return 0, err
			}
		case ebpf.OpStxh:
			if err := mem.Write16(r[dst]+uint64(off), uint16(r[src]), pc); err != nil {
				return 0, err
			}
		case ebpf.OpStxw:
			if err := mem.Write32(r[dst]+uint64(off), uint32(r[src]), pc); err != nil {
				return 0, err
			}
		case ebpf.OpStxdw:
			if err := mem.Write64(r[dst]+uint64(off), r[src], pc); err != nil {
				return 0, err
			}

		// Jump unconditional
		case ebpf.OpJa:
			pc += int(off)

		// Jump conditional (64-bit)
		case ebpf.OpJeqImm:
			if r[dst] == uint64(imm) {
				pc += int(off)
			}
		case ebpf.OpJeqReg:
			if r[dst] == r[src] {
				pc += int(off)
			}
		case ebpf.OpJgtImm:
			if r[dst] > uint64(imm) {
				pc += int(off)
			}
		case ebpf.OpJgtReg:
			if r[dst] > r[src] {
				pc += int(off)
			}
		case ebpf.OpJgeImm:
			if r[dst] >= uint64(imm) {
				pc += int(off)
			}
		case ebpf.OpJgeReg:
			if r[dst] >= r[src] {
				pc += int(off)
			}
		case ebpf.OpJltImm:
			if r[dst] < uint64(imm) {
				pc += int(off)
			}
		case ebpf.OpJltReg:
			if r[dst] < r[src] {
				pc += int(off)
			}
		case ebpf.OpJleImm:
			if r[dst] <= uint64(imm) {
				pc += int(off)
			}
		case ebpf.OpJleReg:
			if r[dst] <= r[src] {
				pc += int(off)
			}
		case ebpf.OpJneImm:
			if r[dst] != uint64(imm) {
				pc += int(off)
			}
		case ebpf.OpJneReg:
			if r[dst] != r[src] {
				pc += int(off)
			}
		case ebpf.OpJsetImm:
			if r[dst]&uint64(imm) != 0 {
				pc += int(off)
			}
		case ebpf.OpJsetReg:
			if r[dst]&r[src] != 0 {
				pc += int(off)
			}
		case ebpf.OpJsgtImm:
			if int64(r[dst]) > int64(imm) {
				pc += int(off)
			}
		case ebpf.OpJsgtReg:
			if int64(r[dst]) > int64(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJsgeImm:
			if int64(r[dst]) >= int64(imm) {
				pc += int(off)
			}
		case ebpf.OpJsgeReg:
			if int64(r[dst]) >= int64(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJsltImm:
			if int64(r[dst]) < int64(imm) {
				pc += int(off)
			}
		case ebpf.OpJsltReg:
			if int64(r[dst]) < int64(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJsleImm:
			if int64(r[dst]) <= int64(imm) {
				pc += int(off)
			}
		case ebpf.OpJsleReg:
			if int64(r[dst]) <= int64(r[src]) {
				pc += int(off)
			}

		// 32-bit jump conditional
		case ebpf.OpJeq32Imm:
			if uint32(r[dst]) == uint32(imm) {
				pc += int(off)
			}
		case ebpf.OpJeq32Reg:
			if uint32(r[dst]) == uint32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJgt32Imm:
			if uint32(r[dst]) > uint32(imm) {
				pc += int(off)
			}
		case ebpf.OpJgt32Reg:
			if uint32(r[dst]) > uint32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJge32Imm:
			if uint32(r[dst]) >= uint32(imm) {
				pc += int(off)
			}
		case ebpf.OpJge32Reg:
			if uint32(r[dst]) >= uint32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJlt32Imm:
			if uint32(r[dst]) < uint32(imm) {
				pc += int(off)
			}
		case ebpf.OpJlt32Reg:
			if uint32(r[dst]) < uint32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJle32Imm:
			if uint32(r[dst]) <= uint32(imm) {
				pc += int(off)
			}
		case ebpf.OpJle32Reg:
			if uint32(r[dst]) <= uint32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJne32Imm:
			if uint32(r[dst]) != uint32(imm) {
				pc += int(off)
			}
		case ebpf.OpJne32Reg:
			if uint32(r[dst]) != uint32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJset32Imm:
			if uint32(r[dst])&uint32(imm) != 0 {
				pc += int(off)
			}
		case ebpf.OpJset32Reg:
			if uint32(r[dst])&uint32(r[src]) != 0 {
				pc += int(off)
			}
		case ebpf.OpJsgt32Imm:
			if int32(r[dst]) > imm {
				pc += int(off)
			}
		case ebpf.OpJsgt32Reg:
			if int32(r[dst]) > int32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJsge32Imm:
			if int32(r[dst]) >= imm {
				pc += int(off)
			}
		case ebpf.OpJsge32Reg:
			if int32(r[dst]) >= int32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJslt32Imm:
			if int32(r[dst]) < imm {
				pc += int(off)
			}
		case ebpf.OpJslt32Reg:
			if int32(r[dst]) < int32(r[src]) {
				pc += int(off)
			}
		case ebpf.OpJsle32Imm:
			if int32(r[dst]) <= imm {
				pc += int(off)
			}
		case ebpf.OpJsle32Reg:
			if int32(r[dst]) <= int32(r[src]) {
				pc += int(off)
			}

		// Call and exit
		case ebpf.OpCall:
			hash := ins.Uimm()
			if iv, ok := ip.sys.Lookup(hash); ok {
				ret, err := iv.Invoke(pc, r[1], r[2], r[3], r[4], r[5], mem)
				if err != nil {
					return 0, err
				}
				r[0] = ret
			} else if target, ok := ip.prog.Functions[hash]; ok {
				if err := cs.Push(&r, pc+1, pc); err != nil {
					return 0, err
				}
				pc = int(target)
				continue
			} else if src == 1 {
				// Relative call: target = pc + imm + 1.
				target := pc + int(imm) + 1
				if target < 0 || target >= len(text) {
					return 0, ebpf.CallOutsideTextSegmentError{
						PC:     pc,
						Target: ip.prog.TextVA + uint64(int64(target))*8,
					}
				}
				if err := cs.Push(&r, pc+1, pc); err != nil {
					return 0, err
				}
				pc = target
				continue
			} else {
				// Not a function and not a relative call, so the hash
				// named a syscall that was never registered.
				return 0, ebpf.SyscallNotRegisteredError{Index: hash}
			}

		case ebpf.OpCallx:
			// The register holding the target is named by the immediate.
			ri := ins.Uimm()
			if ri >= ebpf.RegFrame {
				return 0, ebpf.InvalidInstructionError{PC: pc}
			}
			target := r[ri]
			tpc, ok := ip.prog.PCForAddress(target)
			if !ok {
				return 0, ebpf.CallOutsideTextSegmentError{PC: pc, Target: target}
			}
			if err := cs.Push(&r, pc+1, pc); err != nil {
				return 0, err
			}
			pc = tpc
			continue

		case ebpf.OpExit:
			if cs.Depth() == 0 {
				// Root frame: the run halts rather than exiting the frame.
				return r[ebpf.RegReturn], nil
			}
			ret, err := cs.Exit(&r)
			if err != nil {
				return 0, err
			}
			pc = ret
			continue

		default:
			return 0, ebpf.UnsupportedInstructionError{PC: pc}
		}

		pc++
	}
}

func sdiv64(a, b int64, pc int) (int64, error) {
	if b == 0 {
		return 0, ebpf.DivideByZeroError{PC: pc}
	}
	if a == math.MinInt64 && b == -1 {
		return 0, ebpf.DivideOverflowError{PC: pc}
	}
	return a / b, nil
}

func smod64(a, b int64, pc int) (int64, error) {
	if b == 0 {
		return 0, ebpf.DivideByZeroError{PC: pc}
	}
	if a == math.MinInt64 && b == -1 {
		return 0, ebpf.DivideOverflowError{PC: pc}
	}
	return a % b, nil
}

func sdiv32(a, b int32, pc int) (int32, error) {
	if b == 0 {
		return 0, ebpf.DivideByZeroError{PC: pc}
	}
	if a == math.MinInt32 && b == -1 {
		return 0, ebpf.DivideOverflowError{PC: pc}
	}
	return a / b, nil
}

func smod32(a, b int32, pc int) (int32, error) {
	if b == 0 {
		return 0, ebpf.DivideByZeroError{PC: pc}
	}
	if a == math.MinInt32 && b == -1 {
		return 0, ebpf.DivideOverflowError{PC: pc}
	}
	return a % b, nil
}
