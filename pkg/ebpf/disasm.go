package ebpf

import (
	"fmt"
	"strings"
)

var aluNames = map[uint8]string{
	AluAdd:  "add",
	AluSub:  "sub",
	AluMul:  "mul",
	AluDiv:  "div",
	AluOr:   "or",
	AluAnd:  "and",
	AluLsh:  "lsh",
	AluRsh:  "rsh",
	AluNeg:  "neg",
	AluMod:  "mod",
	AluXor:  "xor",
	AluMov:  "mov",
	AluArsh: "arsh",
}

var jmpNames = map[uint8]string{
	JmpJeq:  "jeq",
	JmpJgt:  "jgt",
	JmpJge:  "jge",
	JmpJset: "jset",
	JmpJne:  "jne",
	JmpJsgt: "jsgt",
	JmpJsge: "jsge",
	JmpJlt:  "jlt",
	JmpJle:  "jle",
	JmpJslt: "jslt",
	JmpJsle: "jsle",
}

var sizeNames = map[uint8]string{
	SizeB:  "b",
	SizeH:  "h",
	SizeW:  "w",
	SizeDW: "dw",
}

// DisasmInstruction renders one instruction slot as assembler-like text. The
// second slot of an lddw must be supplied in next; it is ignored otherwise.
func DisasmInstruction(ins Instruction, next Instruction) string {
	op := ins.Op()
	dst, src := ins.Dst(), ins.Src()
	off, imm := ins.Off(), ins.Imm()

	switch op {
	case OpLddw:
		v := uint64(ins.Uimm()) | uint64(next.Uimm())<<32
		return fmt.Sprintf("lddw r%d, 0x%x", dst, v)
	case OpLe, OpBe:
		dir := "le"
		if op == OpBe {
			dir = "be"
		}
		return fmt.Sprintf("%s%d r%d", dir, imm, dst)
	case OpJa:
		return fmt.Sprintf("ja %+d", off)
	case OpCall:
		return fmt.Sprintf("call 0x%x", uint32(imm))
	case OpCallx:
		// The target register is named by the immediate.
		return fmt.Sprintf("callx r%d", ins.Uimm())
	case OpExit:
		return "exit"
	}

	switch ins.Class() {
	case ClassAlu, ClassAlu64:
		name := aluNames[op&0xf0]
		if name == "" {
			break
		}
		if op&0xf0 == AluDiv || op&0xf0 == AluMod {
			if off == OffsetSigned {
				name = "s" + name
			}
		}
		if ins.Class() == ClassAlu {
			name += "32"
		}
		if op&0xf0 == AluNeg {
			return fmt.Sprintf("%s r%d", name, dst)
		}
		if op&SrcX != 0 {
			return fmt.Sprintf("%s r%d, r%d", name, dst, src)
		}
		return fmt.Sprintf("%s r%d, %d", name, dst, imm)
	case ClassJmp, ClassJmp32:
		name := jmpNames[op&0xf0]
		if name == "" {
			break
		}
		if ins.Class() == ClassJmp32 {
			name += "32"
		}
		if op&SrcX != 0 {
			return fmt.Sprintf("%s r%d, r%d, %+d", name, dst, src, off)
		}
		return fmt.Sprintf("%s r%d, %d, %+d", name, dst, imm, off)
	case ClassLdx:
		if sz, ok := sizeNames[op&0x18]; ok && op&0xe0 == ModeMem {
			return fmt.Sprintf("ldx%s r%d, [r%d%+d]", sz, dst, src, off)
		}
	case ClassSt:
		if sz, ok := sizeNames[op&0x18]; ok && op&0xe0 == ModeMem {
			return fmt.Sprintf("st%s [r%d%+d], %d", sz, dst, off, imm)
		}
	case ClassStx:
		if sz, ok := sizeNames[op&0x18]; ok && op&0xe0 == ModeMem {
			return fmt.Sprintf("stx%s [r%d%+d], r%d", sz, dst, off, src)
		}
	}
	return fmt.Sprintf(".8byte 0x%016x", uint64(ins))
}

// Disasm renders a whole text segment, one instruction per line, prefixed
// with the instruction index.
func Disasm(text []uint64) string {
	var b strings.Builder
	for pc := 0; pc < len(text); pc++ {
		ins := Instruction(text[pc])
		var next Instruction
		if ins.Op() == OpLddw && pc+1 < len(text) {
			next = Instruction(text[pc+1])
		}
		fmt.Fprintf(&b, "%5d: %s\n", pc, DisasmInstruction(ins, next))
		if ins.Op() == OpLddw {
			pc++
		}
	}
	return b.String()
}
