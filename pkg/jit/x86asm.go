//go:build linux && amd64

package jit

import (
	"encoding/binary"
)

// Reg is an x86-64 register number.
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Condition codes for Jcc near encodings (0F 8x).
const (
	CcE  = 0x84 // equal
	CcNE = 0x85 // not equal
	CcB  = 0x82 // below (unsigned)
	CcAE = 0x83 // above or equal (unsigned)
	CcA  = 0x87 // above (unsigned)
	CcBE = 0x86 // below or equal (unsigned)
	CcL  = 0x8C // less (signed)
	CcGE = 0x8D // greater or equal (signed)
	CcG  = 0x8F // greater (signed)
	CcLE = 0x8E // less or equal (signed)
	CcZ  = CcE
	CcNZ = CcNE
)

// Assembler emits x86-64 machine code into a fixed buffer.
type Assembler struct {
	buf    []byte
	offset int
}

// NewAssembler creates an assembler targeting buf.
func NewAssembler(buf []byte) *Assembler {
	return &Assembler{buf: buf}
}

// Offset returns the current write position.
func (a *Assembler) Offset() int {
	return a.offset
}

// Remaining returns the free space left in the buffer.
func (a *Assembler) Remaining() int {
	return len(a.buf) - a.offset
}

func (a *Assembler) emit(bytes ...byte) {
	copy(a.buf[a.offset:], bytes)
	a.offset += len(bytes)
}

func (a *Assembler) emitInt32(v int32) {
	binary.LittleEndian.PutUint32(a.buf[a.offset:], uint32(v))
	a.offset += 4
}

func (a *Assembler) emitUint64(v uint64) {
	binary.LittleEndian.PutUint64(a.buf[a.offset:], v)
	a.offset += 8
}

// rex builds a REX prefix: 0100WRXB.
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

func rexW(reg, rm Reg) byte {
	return rex(true, reg >= 8, false, rm >= 8)
}

// modRM builds a ModR/M byte. mod is pre-shifted: 0x00 no displacement,
// 0x40 disp8, 0x80 disp32, 0xC0 register direct.
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// emitMemOperand emits ModR/M plus displacement for [base + disp]. RSP/R12
// need a SIB byte and RBP/R13 cannot use the no-displacement form.
func (a *Assembler) emitMemOperand(reg, base Reg, disp int32) {
	switch {
	case base == RSP || base == R12:
		if disp == 0 {
			a.emit(modRM(0x00, reg, RSP), 0x24)
		} else if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, RSP), 0x24, byte(disp))
		} else {
			a.emit(modRM(0x80, reg, RSP), 0x24)
			a.emitInt32(disp)
		}
	case base == RBP || base == R13:
		if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.emit(modRM(0x80, reg, base))
			a.emitInt32(disp)
		}
	case disp == 0:
		a.emit(modRM(0x00, reg, base))
	case disp >= -128 && disp <= 127:
		a.emit(modRM(0x40, reg, base), byte(disp))
	default:
		a.emit(modRM(0x80, reg, base))
		a.emitInt32(disp)
	}
}

// MovRegReg: mov dst, src (64-bit).
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x89, modRM(0xC0, src, dst))
}

// MovRegReg32: mov dst32, src32 (zero-extends into the upper half).
func (a *Assembler) MovRegReg32(dst, src Reg) {
	if dst >= 8 || src >= 8 {
		a.emit(rex(false, src >= 8, false, dst >= 8))
	}
	a.emit(0x89, modRM(0xC0, src, dst))
}

// MovRegImm64: mov reg, imm64.
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.emitUint64(imm)
}

// MovRegImm32Sign: mov reg, imm32 sign-extended to 64 bits.
func (a *Assembler) MovRegImm32Sign(reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg >= 8), 0xC7, modRM(0xC0, 0, reg))
	a.emitInt32(imm)
}

// MovRegImm32Zero: mov reg32, imm32, zero-extending to 64 bits.
func (a *Assembler) MovRegImm32Zero(reg Reg, imm uint32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xB8 | byte(reg&7))
	a.emitInt32(int32(imm))
}

// MovRegMem64: mov reg, [base + disp].
func (a *Assembler) MovRegMem64(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovMemReg64: mov [base + disp], reg.
func (a *Assembler) MovMemReg64(base Reg, disp int32, reg Reg) {
	a.emit(rexW(reg, base), 0x89)
	a.emitMemOperand(reg, base, disp)
}

// alu64 emits a register-register ALU op with REX.W (opcode is the /r form
// with the source in the reg field).
func (a *Assembler) alu64(opcode byte, dst, src Reg) {
	a.emit(rexW(src, dst), opcode, modRM(0xC0, src, dst))
}

// alu32 is the 32-bit form of alu64; writing the 32-bit destination
// zero-extends the upper half.
func (a *Assembler) alu32(opcode byte, dst, src Reg) {
	if dst >= 8 || src >= 8 {
		a.emit(rex(false, src >= 8, false, dst >= 8))
	}
	a.emit(opcode, modRM(0xC0, src, dst))
}

func (a *Assembler) AddRegReg(dst, src Reg)   { a.alu64(0x01, dst, src) }
func (a *Assembler) SubRegReg(dst, src Reg)   { a.alu64(0x29, dst, src) }
func (a *Assembler) AndRegReg(dst, src Reg)   { a.alu64(0x21, dst, src) }
func (a *Assembler) OrRegReg(dst, src Reg)    { a.alu64(0x09, dst, src) }
func (a *Assembler) XorRegReg(dst, src Reg)   { a.alu64(0x31, dst, src) }
func (a *Assembler) CmpRegReg(left, right Reg) { a.alu64(0x39, left, right) }
func (a *Assembler) TestRegReg(left, right Reg) { a.alu64(0x85, left, right) }

func (a *Assembler) AddRegReg32(dst, src Reg)   { a.alu32(0x01, dst, src) }
func (a *Assembler) SubRegReg32(dst, src Reg)   { a.alu32(0x29, dst, src) }
func (a *Assembler) AndRegReg32(dst, src Reg)   { a.alu32(0x21, dst, src) }
func (a *Assembler) OrRegReg32(dst, src Reg)    { a.alu32(0x09, dst, src) }
func (a *Assembler) XorRegReg32(dst, src Reg)   { a.alu32(0x31, dst, src) }
func (a *Assembler) CmpRegReg32(left, right Reg) { a.alu32(0x39, left, right) }
func (a *Assembler) TestRegReg32(left, right Reg) { a.alu32(0x85, left, right) }

// aluImm64 emits an ALU op with a sign-extended imm32, using the short imm8
// form when it fits. ext is the opcode extension in the reg field.
func (a *Assembler) aluImm64(ext byte, reg Reg, imm int32) {
	if imm >= -128 && imm <= 127 {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, Reg(ext), reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, Reg(ext), reg))
		a.emitInt32(imm)
	}
}

func (a *Assembler) AddRegImm32(reg Reg, imm int32) { a.aluImm64(0, reg, imm) }
func (a *Assembler) OrRegImm32(reg Reg, imm int32)  { a.aluImm64(1, reg, imm) }
func (a *Assembler) AndRegImm32(reg Reg, imm int32) { a.aluImm64(4, reg, imm) }
func (a *Assembler) SubRegImm32(reg Reg, imm int32) { a.aluImm64(5, reg, imm) }
func (a *Assembler) XorRegImm32(reg Reg, imm int32) { a.aluImm64(6, reg, imm) }
func (a *Assembler) CmpRegImm32(reg Reg, imm int32) { a.aluImm64(7, reg, imm) }

// aluImm32 is the 32-bit form of aluImm64.
func (a *Assembler) aluImm32(ext byte, reg Reg, imm int32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	if imm >= -128 && imm <= 127 {
		a.emit(0x83, modRM(0xC0, Reg(ext), reg), byte(imm))
	} else {
		a.emit(0x81, modRM(0xC0, Reg(ext), reg))
		a.emitInt32(imm)
	}
}

func (a *Assembler) CmpRegImm32Dword(reg Reg, imm int32) { a.aluImm32(7, reg, imm) }

// TestRegImm32: test reg, imm32 (64-bit, imm sign-extended).
func (a *Assembler) TestRegImm32(reg Reg, imm int32) {
	a.emit(rexW(0, reg), 0xF7, modRM(0xC0, 0, reg))
	a.emitInt32(imm)
}

// TestRegImm32Dword: test reg32, imm32.
func (a *Assembler) TestRegImm32Dword(reg Reg, imm int32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xF7, modRM(0xC0, 0, reg))
	a.emitInt32(imm)
}

// IMulRegReg: imul dst, src (64-bit).
func (a *Assembler) IMulRegReg(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xAF, modRM(0xC0, dst, src))
}

// IMulRegReg32: imul dst32, src32.
func (a *Assembler) IMulRegReg32(dst, src Reg) {
	if dst >= 8 || src >= 8 {
		a.emit(rex(false, dst >= 8, false, src >= 8))
	}
	a.emit(0x0F, 0xAF, modRM(0xC0, dst, src))
}

// NegReg: neg reg (64-bit).
func (a *Assembler) NegReg(reg Reg) {
	a.emit(rexW(0, reg), 0xF7, modRM(0xC0, 3, reg))
}

// NegReg32: neg reg32.
func (a *Assembler) NegReg32(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xF7, modRM(0xC0, 3, reg))
}

// shiftCL emits a shift by CL; ext selects the operation.
func (a *Assembler) shiftCL(ext byte, reg Reg, wide bool) {
	if wide {
		a.emit(rexW(0, reg))
	} else if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xD3, modRM(0xC0, Reg(ext), reg))
}

// shiftImm emits a shift by a constant; ext selects the operation.
func (a *Assembler) shiftImm(ext byte, reg Reg, imm byte, wide bool) {
	if wide {
		a.emit(rexW(0, reg))
	} else if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xC1, modRM(0xC0, Reg(ext), reg), imm)
}

func (a *Assembler) ShlRegCL(reg Reg)              { a.shiftCL(4, reg, true) }
func (a *Assembler) ShrRegCL(reg Reg)              { a.shiftCL(5, reg, true) }
func (a *Assembler) SarRegCL(reg Reg)              { a.shiftCL(7, reg, true) }
func (a *Assembler) ShlRegImm8(reg Reg, imm byte)  { a.shiftImm(4, reg, imm, true) }
func (a *Assembler) ShrRegImm8(reg Reg, imm byte)  { a.shiftImm(5, reg, imm, true) }
func (a *Assembler) SarRegImm8(reg Reg, imm byte)  { a.shiftImm(7, reg, imm, true) }
func (a *Assembler) ShlRegCL32(reg Reg)             { a.shiftCL(4, reg, false) }
func (a *Assembler) ShrRegCL32(reg Reg)             { a.shiftCL(5, reg, false) }
func (a *Assembler) SarRegCL32(reg Reg)             { a.shiftCL(7, reg, false) }
func (a *Assembler) ShlRegImm832(reg Reg, imm byte) { a.shiftImm(4, reg, imm, false) }
func (a *Assembler) ShrRegImm832(reg Reg, imm byte) { a.shiftImm(5, reg, imm, false) }
func (a *Assembler) SarRegImm832(reg Reg, imm byte) { a.shiftImm(7, reg, imm, false) }

// Bswap: bswap reg (64-bit byte swap).
func (a *Assembler) Bswap(reg Reg) {
	a.emit(rexW(0, reg), 0x0F, 0xC8|byte(reg&7))
}

// Bswap32: bswap reg32; the write zero-extends.
func (a *Assembler) Bswap32(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x0F, 0xC8|byte(reg&7))
}

// Ret: ret.
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// JccShortHole emits a short conditional jump with an unresolved 8-bit
// displacement and returns the position to patch. cc is a Cc* near code;
// the short opcode is its low nibble on 0x70.
func (a *Assembler) JccShortHole(cc byte) int {
	a.emit(0x70|(cc&0x0F), 0)
	return a.offset - 1
}

// PatchRel8 resolves a short jump hole to the current position.
func (a *Assembler) PatchRel8(pos int) {
	a.buf[pos] = byte(a.offset - (pos + 1))
}

// JccNearHole emits a near conditional jump with an unresolved 32-bit
// displacement and returns the position to patch.
func (a *Assembler) JccNearHole(cc byte) int {
	a.emit(0x0F, cc)
	a.emitInt32(0)
	return a.offset - 4
}

// JmpNearHole emits an unconditional near jump with an unresolved
// displacement and returns the position to patch.
func (a *Assembler) JmpNearHole() int {
	a.emit(0xE9)
	a.emitInt32(0)
	return a.offset - 4
}

// PatchRel32 resolves a near jump hole to land at target (a buffer offset).
func (a *Assembler) PatchRel32(pos, target int) {
	binary.LittleEndian.PutUint32(a.buf[pos:], uint32(int32(target-(pos+4))))
}
