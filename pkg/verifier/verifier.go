// Package verifier statically checks guest programs before execution. The
// check is pure and deterministic: it sees only the instruction stream and
// the configured limits, never the memory layout of a run. Accepted
// programs can still fault at run time on data-dependent conditions; the
// verifier's job is rejecting programs that are malformed no matter the
// input.
package verifier

import (
	"fmt"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

// Kind classifies a verifier rejection.
type Kind uint8

const (
	KindEmptyProgram Kind = iota
	KindProgramTooLong
	KindUnknownOpcode
	KindInvalidRegister
	KindInvalidOffset
	KindTruncatedLddw
	KindJumpIntoLddw
	KindDivisionByZero
	KindShiftOutOfRange
	KindInvalidEndianWidth
	KindJumpOutOfCode
	KindCallOutOfCode
	KindUninitializedRegister
	KindNoExit
	KindFallthroughEnd
)

var kindNames = map[Kind]string{
	KindEmptyProgram:          "empty program",
	KindProgramTooLong:        "program too long",
	KindUnknownOpcode:         "unknown opcode",
	KindInvalidRegister:       "invalid register",
	KindInvalidOffset:         "invalid offset",
	KindTruncatedLddw:         "truncated lddw",
	KindJumpIntoLddw:          "jump into second slot of lddw",
	KindDivisionByZero:        "division by zero",
	KindShiftOutOfRange:       "shift out of range",
	KindInvalidEndianWidth:    "invalid endian width",
	KindJumpOutOfCode:         "jump out of code",
	KindCallOutOfCode:         "call out of code",
	KindUninitializedRegister: "read of uninitialized register",
	KindNoExit:                "no reachable exit",
	KindFallthroughEnd:        "execution can fall through the end of text",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a verifier rejection, locating the offending instruction.
type Error struct {
	Kind Kind
	PC   int
}

func (e Error) Error() string {
	return fmt.Sprintf("%s at instruction #%d", e.Kind, e.PC)
}

func reject(kind Kind, pc int) error {
	return ebpf.VerifierError{Err: Error{Kind: kind, PC: pc}}
}

// Check verifies a bare text segment entered at instruction 0. Rejections
// come back as ebpf.VerifierError wrapping a verifier.Error.
func Check(text []uint64, cfg vm.Config) error {
	return check(text, []int{0}, cfg)
}

// CheckProgram verifies a loaded program, treating its entry point and
// every registered function as a root of execution.
func CheckProgram(prog *vm.Program, cfg vm.Config) error {
	roots := []int{int(prog.Entry)}
	for _, pc := range prog.Functions {
		roots = append(roots, int(pc))
	}
	return check(prog.Text, roots, cfg)
}

func check(text []uint64, roots []int, cfg vm.Config) error {
	cfg = cfg.Normalize()
	if len(text) == 0 {
		return reject(KindEmptyProgram, 0)
	}
	if len(text) > cfg.MaxVerifierInstructions {
		return reject(KindProgramTooLong, cfg.MaxVerifierInstructions)
	}

	secondSlot := make([]bool, len(text))
	if err := checkInstructions(text, secondSlot); err != nil {
		return err
	}
	if err := checkBranches(text, secondSlot); err != nil {
		return err
	}
	if err := checkRegisterInit(text, secondSlot); err != nil {
		return err
	}
	return checkReachability(text, secondSlot, roots)
}

// checkInstructions validates each instruction in isolation and marks the
// second slots of lddw instructions.
func checkInstructions(text []uint64, secondSlot []bool) error {
	for pc := 0; pc < len(text); pc++ {
		ins := ebpf.Instruction(text[pc])
		op := ins.Op()
		dst := ins.Dst()
		src := ins.Src()
		off := ins.Off()
		imm := ins.Imm()

		if src > ebpf.RegFrame {
			return reject(KindInvalidRegister, pc)
		}

		switch {
		case op == ebpf.OpLddw:
			if pc+1 >= len(text) {
				return reject(KindTruncatedLddw, pc)
			}
			if dst >= ebpf.RegFrame {
				return reject(KindInvalidRegister, pc)
			}
			secondSlot[pc+1] = true
			pc++

		case op == ebpf.OpLe || op == ebpf.OpBe:
			if dst >= ebpf.RegFrame {
				return reject(KindInvalidRegister, pc)
			}
			if imm != 16 && imm != 32 && imm != 64 {
				return reject(KindInvalidEndianWidth, pc)
			}

		case ins.Class() == ebpf.ClassAlu || ins.Class() == ebpf.ClassAlu64:
			aluOp := op & 0xf0
			if !validAluOp(aluOp) {
				return reject(KindUnknownOpcode, pc)
			}
			if dst >= ebpf.RegFrame {
				return reject(KindInvalidRegister, pc)
			}
			switch aluOp {
			case ebpf.AluDiv, ebpf.AluMod:
				if off != 0 && off != ebpf.OffsetSigned {
					return reject(KindInvalidOffset, pc)
				}
				if op&ebpf.SrcX == 0 && imm == 0 {
					return reject(KindDivisionByZero, pc)
				}
			case ebpf.AluLsh, ebpf.AluRsh, ebpf.AluArsh:
				if off != 0 {
					return reject(KindInvalidOffset, pc)
				}
				if op&ebpf.SrcX == 0 {
					width := int32(63)
					if ins.Class() == ebpf.ClassAlu {
						width = 31
					}
					if imm < 0 || imm > width {
						return reject(KindShiftOutOfRange, pc)
					}
				}
			default:
				if off != 0 {
					return reject(KindInvalidOffset, pc)
				}
			}

		case ins.Class() == ebpf.ClassJmp || ins.Class() == ebpf.ClassJmp32:
			jmpOp := op & 0xf0
			switch jmpOp {
			case ebpf.JmpCall:
				if ins.Class() != ebpf.ClassJmp {
					return reject(KindUnknownOpcode, pc)
				}
				if op == ebpf.OpCallx && ins.Uimm() >= ebpf.RegFrame {
					return reject(KindInvalidRegister, pc)
				}
			case ebpf.JmpExit:
				if ins.Class() != ebpf.ClassJmp {
					return reject(KindUnknownOpcode, pc)
				}
			case ebpf.JmpJa:
				if ins.Class() != ebpf.ClassJmp {
					return reject(KindUnknownOpcode, pc)
				}
			default:
				if !validJmpOp(jmpOp) {
					return reject(KindUnknownOpcode, pc)
				}
			}

		case op == ebpf.OpLdxb || op == ebpf.OpLdxh || op == ebpf.OpLdxw || op == ebpf.OpLdxdw:
			if dst >= ebpf.RegFrame {
				return reject(KindInvalidRegister, pc)
			}

		case op == ebpf.OpStb || op == ebpf.OpSth || op == ebpf.OpStw || op == ebpf.OpStdw:
		case op == ebpf.OpStxb || op == ebpf.OpStxh || op == ebpf.OpStxw || op == ebpf.OpStxdw:

		default:
			return reject(KindUnknownOpcode, pc)
		}
	}
	return nil
}

func validAluOp(aluOp uint8) bool {
	switch aluOp {
	case ebpf.AluAdd, ebpf.AluSub, ebpf.AluMul, ebpf.AluDiv, ebpf.AluOr,
		ebpf.AluAnd, ebpf.AluLsh, ebpf.AluRsh, ebpf.AluNeg, ebpf.AluMod,
		ebpf.AluXor, ebpf.AluMov, ebpf.AluArsh:
		return true
	}
	return false
}

func validJmpOp(jmpOp uint8) bool {
	switch jmpOp {
	case ebpf.JmpJeq, ebpf.JmpJgt, ebpf.JmpJge, ebpf.JmpJset, ebpf.JmpJne,
		ebpf.JmpJsgt, ebpf.JmpJsge, ebpf.JmpJlt, ebpf.JmpJle, ebpf.JmpJslt,
		ebpf.JmpJsle:
		return true
	}
	return false
}

// checkBranches validates jump and relative-call targets: inside the text
// segment and never into the second slot of an lddw.
func checkBranches(text []uint64, secondSlot []bool) error {
	for pc := 0; pc < len(text); pc++ {
		if secondSlot[pc] {
			continue
		}
		ins := ebpf.Instruction(text[pc])
		op := ins.Op()

		var target int
		switch {
		case op == ebpf.OpJa || (isCondJump(ins) && !secondSlot[pc]):
			target = pc + 1 + int(ins.Off())
			if target < 0 || target >= len(text) {
				return reject(KindJumpOutOfCode, pc)
			}
			if secondSlot[target] {
				return reject(KindJumpIntoLddw, pc)
			}
		case op == ebpf.OpCall && ins.Src() == 1:
			target = pc + 1 + int(ins.Imm())
			if target < 0 || target >= len(text) {
				return reject(KindCallOutOfCode, pc)
			}
			if secondSlot[target] {
				return reject(KindJumpIntoLddw, pc)
			}
		}
	}
	return nil
}

func isCondJump(ins ebpf.Instruction) bool {
	if ins.Class() != ebpf.ClassJmp && ins.Class() != ebpf.ClassJmp32 {
		return false
	}
	return validJmpOp(ins.Op() & 0xf0)
}

// checkRegisterInit walks the text in order, treating a register as
// initialized from its first textual write. r1 (input pointer) and r10
// (frame pointer) are live at entry. This is a conservative approximation:
// it ignores control flow, so a function placed before the code that
// prepares its arguments can be rejected even though every run is fine.
func checkRegisterInit(text []uint64, secondSlot []bool) error {
	var initialized [ebpf.NumRegisters]bool
	initialized[ebpf.RegArg1] = true
	initialized[ebpf.RegFrame] = true

	for pc := 0; pc < len(text); pc++ {
		if secondSlot[pc] {
			continue
		}
		ins := ebpf.Instruction(text[pc])
		op := ins.Op()
		dst := int(ins.Dst())
		src := int(ins.Src())

		switch {
		case op == ebpf.OpLddw:
			initialized[dst] = true

		case op == ebpf.OpLe || op == ebpf.OpBe:
			if !initialized[dst] {
				return reject(KindUninitializedRegister, pc)
			}

		case ins.Class() == ebpf.ClassAlu || ins.Class() == ebpf.ClassAlu64:
			aluOp := op & 0xf0
			isMov := aluOp == ebpf.AluMov
			if op&ebpf.SrcX != 0 && !initialized[src] {
				return reject(KindUninitializedRegister, pc)
			}
			if !isMov && !initialized[dst] {
				return reject(KindUninitializedRegister, pc)
			}
			initialized[dst] = true

		case op == ebpf.OpLdxb || op == ebpf.OpLdxh || op == ebpf.OpLdxw || op == ebpf.OpLdxdw:
			if !initialized[src] {
				return reject(KindUninitializedRegister, pc)
			}
			initialized[dst] = true

		case op == ebpf.OpStb || op == ebpf.OpSth || op == ebpf.OpStw || op == ebpf.OpStdw:
			if !initialized[dst] {
				return reject(KindUninitializedRegister, pc)
			}

		case op == ebpf.OpStxb || op == ebpf.OpStxh || op == ebpf.OpStxw || op == ebpf.OpStxdw:
			if !initialized[dst] || !initialized[src] {
				return reject(KindUninitializedRegister, pc)
			}

		case isCondJump(ins):
			if !initialized[dst] {
				return reject(KindUninitializedRegister, pc)
			}
			if op&ebpf.SrcX != 0 && !initialized[src] {
				return reject(KindUninitializedRegister, pc)
			}

		case op == ebpf.OpCallx:
			if !initialized[ins.Uimm()&0xf] {
				return reject(KindUninitializedRegister, pc)
			}
			initialized[0] = true

		case op == ebpf.OpCall:
			// Syscalls and functions return through r0.
			initialized[0] = true
		}
	}
	return nil
}

// checkReachability explores the control-flow graph from the roots. It
// requires at least one reachable exit and rejects any reachable path that
// runs off the end of the text.
func checkReachability(text []uint64, secondSlot []bool, roots []int) error {
	seen := make([]bool, len(text))
	work := make([]int, 0, len(roots))
	for _, root := range roots {
		if root < 0 || root >= len(text) {
			return reject(KindJumpOutOfCode, root)
		}
		if !seen[root] {
			seen[root] = true
			work = append(work, root)
		}
	}

	sawExit := false
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]

		ins := ebpf.Instruction(text[pc])
		op := ins.Op()

		var succ []int
		switch {
		case op == ebpf.OpExit:
			sawExit = true
			continue
		case op == ebpf.OpJa:
			succ = []int{pc + 1 + int(ins.Off())}
		case isCondJump(ins):
			succ = []int{pc + 1, pc + 1 + int(ins.Off())}
		case op == ebpf.OpCall && ins.Src() == 1:
			succ = []int{pc + 1, pc + 1 + int(ins.Imm())}
		case op == ebpf.OpLddw:
			succ = []int{pc + 2}
		default:
			succ = []int{pc + 1}
		}

		for _, s := range succ {
			if s >= len(text) {
				return reject(KindFallthroughEnd, pc)
			}
			if s < 0 || secondSlot[s] {
				return reject(KindJumpOutOfCode, pc)
			}
			if !seen[s] {
				seen[s] = true
				work = append(work, s)
			}
		}
	}

	if !sawExit {
		return reject(KindNoExit, 0)
	}
	return nil
}
