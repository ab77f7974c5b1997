//go:build linux && amd64

package jit

import (
	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/syscalls"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

// Exit reasons passed from generated code to the runner in RAX, with the
// current instruction index in RDX.
const (
	exitHalt    = 0 // exit instruction
	exitCall    = 1 // call
	exitCallx   = 2 // callx
	exitStep    = 3 // instruction serviced in Go (memory, division)
	exitBudget  = 4 // instruction budget exhausted
	exitOverrun = 5 // fell off the end of the text segment
)

// cpuState is the guest register file shared between the runner and
// generated code, which addresses it through RDI. The layout is fixed:
// eleven registers followed by the remaining instruction budget.
type cpuState struct {
	regs  [ebpf.NumRegisters]uint64
	meter uint64
}

const meterOff = int32(ebpf.NumRegisters * 8)

// bytesPerInsn is the reserve checked before emitting each instruction; no
// single instruction expands past it.
const bytesPerInsn = 96

// pendingJump is a near-jump displacement awaiting the native offset of its
// target instruction.
type pendingJump struct {
	hole   int
	target int
}

type compiler struct {
	a       *Assembler
	text    []uint64
	offsets []int
	pending []pendingJump
}

// Compile translates prog into native code. ALU, jump, lddw and endian
// instructions run natively; memory accesses, division, calls and exits
// trap back to the runner so that faults match the interpreter exactly.
// The registry may be nil when the program makes no syscalls.
func Compile(prog *vm.Program, cfg vm.Config, sys *syscalls.Registry) (*Compiled, error) {
	if sys == nil {
		sys = syscalls.NewRegistry(0)
	}
	cfg = cfg.Normalize()

	mem, err := newExecMem(len(prog.Text)*bytesPerInsn + bytesPerInsn)
	if err != nil {
		return nil, err
	}
	c := &compiler{
		a:       NewAssembler(mem.buf),
		text:    prog.Text,
		offsets: make([]int, len(prog.Text)),
	}
	if err := c.compile(); err != nil {
		mem.close()
		return nil, err
	}
	return &Compiled{
		prog:    prog,
		cfg:     cfg,
		sys:     sys,
		mem:     mem,
		offsets: c.offsets,
	}, nil
}

func (c *compiler) compile() error {
	for pc := 0; pc < len(c.text); pc++ {
		c.offsets[pc] = c.a.Offset()
		if c.a.Remaining() < bytesPerInsn {
			return ebpf.ExhaustedTextSegmentError{PC: pc}
		}
		c.emitBudget(pc)
		if skip := c.emitInsn(pc); skip {
			pc++
			if pc < len(c.text) {
				c.offsets[pc] = c.a.Offset()
			}
		}
	}
	// Fallthrough past the last instruction.
	c.emitExit(exitOverrun, len(c.text))

	for _, p := range c.pending {
		c.a.PatchRel32(p.hole, c.offsets[p.target])
	}
	return nil
}

// emitExit materializes an exit reason and instruction index and returns to
// the trampoline. The index is sign-extended so an out-of-range jump target
// survives the round trip.
func (c *compiler) emitExit(reason, pc int) {
	c.a.MovRegImm32Zero(RAX, uint32(reason))
	c.a.MovRegImm32Sign(RDX, int32(pc))
	c.a.Ret()
}

// emitBudget charges one budget unit, trapping out when none remain.
func (c *compiler) emitBudget(pc int) {
	c.a.MovRegMem64(RAX, RDI, meterOff)
	c.a.TestRegReg(RAX, RAX)
	hole := c.a.JccShortHole(CcNZ)
	c.emitExit(exitBudget, pc)
	c.a.PatchRel8(hole)
	c.a.SubRegImm32(RAX, 1)
	c.a.MovMemReg64(RDI, meterOff, RAX)
}

func (c *compiler) loadReg(x Reg, r uint8) {
	c.a.MovRegMem64(x, RDI, int32(r)*8)
}

func (c *compiler) storeReg(r uint8, x Reg) {
	c.a.MovMemReg64(RDI, int32(r)*8, x)
}

// loadOperands fetches dst into RAX and the second operand into RCX.
func (c *compiler) loadOperands(dst, src uint8, imm int32, reg, wide bool) {
	c.loadReg(RAX, dst)
	if reg {
		c.loadReg(RCX, src)
	} else if wide {
		c.a.MovRegImm32Sign(RCX, imm)
	} else {
		c.a.MovRegImm32Zero(RCX, uint32(imm))
	}
}

type jumpSpec struct {
	cc   byte
	wide bool // 64-bit compare
	reg  bool // second operand is a register
	set  bool // test instead of cmp
}

var jumpSpecs = map[uint8]jumpSpec{
	ebpf.OpJeqImm:    {CcE, true, false, false},
	ebpf.OpJeqReg:    {CcE, true, true, false},
	ebpf.OpJgtImm:    {CcA, true, false, false},
	ebpf.OpJgtReg:    {CcA, true, true, false},
	ebpf.OpJgeImm:    {CcAE, true, false, false},
	ebpf.OpJgeReg:    {CcAE, true, true, false},
	ebpf.OpJltImm:    {CcB, true, false, false},
	ebpf.OpJltReg:    {CcB, true, true, false},
	ebpf.OpJleImm:    {CcBE, true, false, false},
	ebpf.OpJleReg:    {CcBE, true, true, false},
	ebpf.OpJneImm:    {CcNE, true, false, false},
	ebpf.OpJneReg:    {CcNE, true, true, false},
	ebpf.OpJsetImm:   {CcNE, true, false, true},
	ebpf.OpJsetReg:   {CcNE, true, true, true},
	ebpf.OpJsgtImm:   {CcG, true, false, false},
	ebpf.OpJsgtReg:   {CcG, true, true, false},
	ebpf.OpJsgeImm:   {CcGE, true, false, false},
	ebpf.OpJsgeReg:   {CcGE, true, true, false},
	ebpf.OpJsltImm:   {CcL, true, false, false},
	ebpf.OpJsltReg:   {CcL, true, true, false},
	ebpf.OpJsleImm:   {CcLE, true, false, false},
	ebpf.OpJsleReg:   {CcLE, true, true, false},
	ebpf.OpJeq32Imm:  {CcE, false, false, false},
	ebpf.OpJeq32Reg:  {CcE, false, true, false},
	ebpf.OpJgt32Imm:  {CcA, false, false, false},
	ebpf.OpJgt32Reg:  {CcA, false, true, false},
	ebpf.OpJge32Imm:  {CcAE, false, false, false},
	ebpf.OpJge32Reg:  {CcAE, false, true, false},
	ebpf.OpJlt32Imm:  {CcB, false, false, false},
	ebpf.OpJlt32Reg:  {CcB, false, true, false},
	ebpf.OpJle32Imm:  {CcBE, false, false, false},
	ebpf.OpJle32Reg:  {CcBE, false, true, false},
	ebpf.OpJne32Imm:  {CcNE, false, false, false},
	ebpf.OpJne32Reg:  {CcNE, false, true, false},
	ebpf.OpJset32Imm: {CcNE, false, false, true},
	ebpf.OpJset32Reg: {CcNE, false, true, true},
	ebpf.OpJsgt32Imm: {CcG, false, false, false},
	ebpf.OpJsgt32Reg: {CcG, false, true, false},
	ebpf.OpJsge32Imm: {CcGE, false, false, false},
	ebpf.OpJsge32Reg: {CcGE, false, true, false},
	ebpf.OpJslt32Imm: {CcL, false, false, false},
	ebpf.OpJslt32Reg: {CcL, false, true, false},
	ebpf.OpJsle32Imm: {CcLE, false, false, false},
	ebpf.OpJsle32Reg: {CcLE, false, true, false},
}

// emitInsn translates one instruction. It reports whether the instruction
// consumed the following slot as well (lddw).
func (c *compiler) emitInsn(pc int) bool {
	ins := ebpf.Instruction(c.text[pc])
	op := ins.Op()
	dst := ins.Dst()
	src := ins.Src()
	off := ins.Off()
	imm := ins.Imm()

	// Anything the runner has to re-check or service traps out. That covers
	// malformed register fields, writes to the frame pointer, memory
	// accesses, division and the control transfers.
	if dst >= ebpf.NumRegisters || src >= ebpf.NumRegisters {
		c.emitExit(exitStep, pc)
		return false
	}
	if dst == ebpf.RegFrame {
		switch ins.Class() {
		case ebpf.ClassAlu, ebpf.ClassAlu64, ebpf.ClassLdx, ebpf.ClassLd:
			c.emitExit(exitStep, pc)
			return false
		}
	}

	if spec, ok := jumpSpecs[op]; ok {
		c.loadOperands(dst, src, imm, spec.reg, spec.wide)
		switch {
		case spec.set && spec.wide:
			c.a.TestRegReg(RAX, RCX)
		case spec.set:
			c.a.TestRegReg32(RAX, RCX)
		case spec.wide:
			c.a.CmpRegReg(RAX, RCX)
		default:
			c.a.CmpRegReg32(RAX, RCX)
		}
		target := pc + 1 + int(off)
		if target < 0 || target >= len(c.text) {
			// The taken branch leaves text; the verifier rejects this, but
			// an unverified program still faults instead of escaping.
			skip := c.a.JccShortHole(spec.cc ^ 1)
			c.emitExit(exitOverrun, target)
			c.a.PatchRel8(skip)
			return false
		}
		hole := c.a.JccNearHole(spec.cc)
		c.pending = append(c.pending, pendingJump{hole, target})
		return false
	}

	switch op {
	case ebpf.OpLddw:
		if pc+1 >= len(c.text) {
			c.emitExit(exitStep, pc)
			return false
		}
		next := ebpf.Instruction(c.text[pc+1])
		c.a.MovRegImm64(RAX, uint64(ins.Uimm())|uint64(next.Uimm())<<32)
		c.storeReg(dst, RAX)
		return true

	// ALU64
	case ebpf.OpAdd64Imm, ebpf.OpAdd64Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpAdd64Reg, true)
		c.a.AddRegReg(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpSub64Imm, ebpf.OpSub64Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpSub64Reg, true)
		c.a.SubRegReg(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpMul64Imm, ebpf.OpMul64Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpMul64Reg, true)
		c.a.IMulRegReg(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpOr64Imm, ebpf.OpOr64Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpOr64Reg, true)
		c.a.OrRegReg(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpAnd64Imm, ebpf.OpAnd64Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpAnd64Reg, true)
		c.a.AndRegReg(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpXor64Imm, ebpf.OpXor64Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpXor64Reg, true)
		c.a.XorRegReg(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpLsh64Imm:
		c.loadReg(RAX, dst)
		c.a.ShlRegImm8(RAX, byte(imm&63))
		c.storeReg(dst, RAX)
	case ebpf.OpLsh64Reg:
		c.loadReg(RAX, dst)
		c.loadReg(RCX, src)
		c.a.ShlRegCL(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpRsh64Imm:
		c.loadReg(RAX, dst)
		c.a.ShrRegImm8(RAX, byte(imm&63))
		c.storeReg(dst, RAX)
	case ebpf.OpRsh64Reg:
		c.loadReg(RAX, dst)
		c.loadReg(RCX, src)
		c.a.ShrRegCL(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpArsh64Imm:
		c.loadReg(RAX, dst)
		c.a.SarRegImm8(RAX, byte(imm&63))
		c.storeReg(dst, RAX)
	case ebpf.OpArsh64Reg:
		c.loadReg(RAX, dst)
		c.loadReg(RCX, src)
		c.a.SarRegCL(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpNeg64:
		c.loadReg(RAX, dst)
		c.a.NegReg(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpMov64Imm:
		c.a.MovRegImm32Sign(RAX, imm)
		c.storeReg(dst, RAX)
	case ebpf.OpMov64Reg:
		c.loadReg(RAX, src)
		c.storeReg(dst, RAX)

	// ALU32; writing the 32-bit destination zero-extends.
	case ebpf.OpAdd32Imm, ebpf.OpAdd32Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpAdd32Reg, false)
		c.a.AddRegReg32(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpSub32Imm, ebpf.OpSub32Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpSub32Reg, false)
		c.a.SubRegReg32(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpMul32Imm, ebpf.OpMul32Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpMul32Reg, false)
		c.a.IMulRegReg32(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpOr32Imm, ebpf.OpOr32Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpOr32Reg, false)
		c.a.OrRegReg32(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpAnd32Imm, ebpf.OpAnd32Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpAnd32Reg, false)
		c.a.AndRegReg32(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpXor32Imm, ebpf.OpXor32Reg:
		c.loadOperands(dst, src, imm, op == ebpf.OpXor32Reg, false)
		c.a.XorRegReg32(RAX, RCX)
		c.storeReg(dst, RAX)
	case ebpf.OpLsh32Imm:
		c.loadReg(RAX, dst)
		c.a.ShlRegImm832(RAX, byte(imm&31))
		c.storeReg(dst, RAX)
	case ebpf.OpLsh32Reg:
		c.loadReg(RAX, dst)
		c.loadReg(RCX, src)
		c.a.ShlRegCL32(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpRsh32Imm:
		c.loadReg(RAX, dst)
		c.a.ShrRegImm832(RAX, byte(imm&31))
		c.storeReg(dst, RAX)
	case ebpf.OpRsh32Reg:
		c.loadReg(RAX, dst)
		c.loadReg(RCX, src)
		c.a.ShrRegCL32(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpArsh32Imm:
		c.loadReg(RAX, dst)
		c.a.SarRegImm832(RAX, byte(imm&31))
		c.storeReg(dst, RAX)
	case ebpf.OpArsh32Reg:
		c.loadReg(RAX, dst)
		c.loadReg(RCX, src)
		c.a.SarRegCL32(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpNeg32:
		c.loadReg(RAX, dst)
		c.a.NegReg32(RAX)
		c.storeReg(dst, RAX)
	case ebpf.OpMov32Imm:
		c.a.MovRegImm32Zero(RAX, uint32(imm))
		c.storeReg(dst, RAX)
	case ebpf.OpMov32Reg:
		c.loadReg(RCX, src)
		c.a.MovRegReg32(RAX, RCX)
		c.storeReg(dst, RAX)

	// Endian conversion
	case ebpf.OpLe:
		switch imm {
		case 16:
			c.loadReg(RAX, dst)
			c.a.AndRegImm32(RAX, 0xFFFF)
			c.storeReg(dst, RAX)
		case 32:
			c.loadReg(RAX, dst)
			c.a.MovRegReg32(RAX, RAX)
			c.storeReg(dst, RAX)
		case 64:
			// Guest and host are both little-endian.
		default:
			c.emitExit(exitStep, pc)
		}
	case ebpf.OpBe:
		switch imm {
		case 16:
			c.loadReg(RAX, dst)
			c.a.Bswap(RAX)
			c.a.ShrRegImm8(RAX, 48)
			c.storeReg(dst, RAX)
		case 32:
			c.loadReg(RAX, dst)
			c.a.Bswap32(RAX)
			c.storeReg(dst, RAX)
		case 64:
			c.loadReg(RAX, dst)
			c.a.Bswap(RAX)
			c.storeReg(dst, RAX)
		default:
			c.emitExit(exitStep, pc)
		}

	case ebpf.OpJa:
		target := pc + 1 + int(off)
		if target < 0 || target >= len(c.text) {
			c.emitExit(exitOverrun, target)
			return false
		}
		hole := c.a.JmpNearHole()
		c.pending = append(c.pending, pendingJump{hole, target})

	case ebpf.OpCall:
		c.emitExit(exitCall, pc)
	case ebpf.OpCallx:
		c.emitExit(exitCallx, pc)
	case ebpf.OpExit:
		c.emitExit(exitHalt, pc)

	default:
		// Memory accesses, division and anything unknown run in Go.
		c.emitExit(exitStep, pc)
	}
	return false
}
