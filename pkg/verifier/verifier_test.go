package verifier

import (
	"errors"
	"testing"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

func ins(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return ebpf.Encode(op, dst, src, off, imm)
}

func wantKind(t *testing.T, err error, kind Kind, pc int) {
	t.Helper()
	var ve ebpf.VerifierError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VerifierError, got %v", err)
	}
	var e Error
	if !errors.As(err, &e) {
		t.Fatalf("VerifierError does not wrap verifier.Error: %v", err)
	}
	if e.Kind != kind {
		t.Errorf("kind = %v, want %v", e.Kind, kind)
	}
	if e.PC != pc {
		t.Errorf("pc = %d, want %d", e.PC, pc)
	}
}

func TestCheckAcceptsValidProgram(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ins(ebpf.OpLddw, 2, 0, 0, 0x1234),
		ins(0, 0, 0, 0, 0),
		ins(ebpf.OpAdd64Reg, 0, 2, 0, 0),
		ins(ebpf.OpJeqImm, 0, 0, 1, 0),
		ins(ebpf.OpAdd64Imm, 0, 0, 0, 1),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	if err := Check(text, vm.DefaultConfig()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCheckRejections(t *testing.T) {
	tests := []struct {
		name string
		text []uint64
		kind Kind
		pc   int
	}{
		{
			"unknown opcode",
			[]uint64{
				ins(0xfe, 0, 0, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindUnknownOpcode, 0,
		},
		{
			"write to frame register",
			[]uint64{
				ins(ebpf.OpMov64Imm, 10, 0, 0, 1),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindInvalidRegister, 0,
		},
		{
			"source register out of range",
			[]uint64{
				ins(ebpf.OpMov64Reg, 0, 11, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindInvalidRegister, 0,
		},
		{
			"truncated lddw",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 0),
				ins(ebpf.OpLddw, 1, 0, 0, 0),
			},
			KindTruncatedLddw, 1,
		},
		{
			"jump into lddw second slot",
			[]uint64{
				ins(ebpf.OpJa, 0, 0, 1, 0),
				ins(ebpf.OpLddw, 1, 0, 0, 0),
				ins(0, 0, 0, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindJumpIntoLddw, 0,
		},
		{
			"literal division by zero",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
				ins(ebpf.OpDiv64Imm, 0, 0, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindDivisionByZero, 1,
		},
		{
			"shift immediate too wide",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
				ins(ebpf.OpLsh32Imm, 0, 0, 0, 32),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindShiftOutOfRange, 1,
		},
		{
			"bad endian width",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
				ins(ebpf.OpBe, 0, 0, 0, 24),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindInvalidEndianWidth, 1,
		},
		{
			"jump out of code",
			[]uint64{
				ins(ebpf.OpJa, 0, 0, 100, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindJumpOutOfCode, 0,
		},
		{
			"backward jump before entry",
			[]uint64{
				ins(ebpf.OpJa, 0, 0, -2, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindJumpOutOfCode, 0,
		},
		{
			"relative call out of code",
			[]uint64{
				ins(ebpf.OpCall, 0, 1, 0, 100),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindCallOutOfCode, 0,
		},
		{
			"nonzero offset on add",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
				ins(ebpf.OpAdd64Imm, 0, 0, 3, 1),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindInvalidOffset, 1,
		},
		{
			"read of uninitialized register",
			[]uint64{
				ins(ebpf.OpMov64Reg, 0, 5, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindUninitializedRegister, 0,
		},
		{
			"store through uninitialized base",
			[]uint64{
				ins(ebpf.OpMov64Imm, 1, 0, 0, 0),
				ins(ebpf.OpStxdw, 2, 1, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			KindUninitializedRegister, 1,
		},
		{
			"fall through end of text",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
				ins(ebpf.OpJeqImm, 0, 0, 1, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
				ins(ebpf.OpMov64Imm, 0, 0, 0, 2),
			},
			KindFallthroughEnd, 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.text, vm.DefaultConfig())
			if err == nil {
				t.Fatal("Check accepted an invalid program")
			}
			wantKind(t, err, tt.kind, tt.pc)
		})
	}
}

func TestCheckEmptyProgram(t *testing.T) {
	err := Check(nil, vm.DefaultConfig())
	wantKind(t, err, KindEmptyProgram, 0)
}

func TestCheckProgramTooLong(t *testing.T) {
	cfg := vm.DefaultConfig()
	cfg.MaxVerifierInstructions = 4
	text := make([]uint64, 5)
	for i := range text {
		text[i] = ins(ebpf.OpMov64Imm, 0, 0, 0, 0)
	}
	err := Check(text, cfg)
	wantKind(t, err, KindProgramTooLong, 4)
}

func TestCheckNoReachableExit(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpJa, 0, 0, -1, 0),
	}
	err := Check(text, vm.DefaultConfig())
	wantKind(t, err, KindNoExit, 0)
}

func TestUnreachableGarbageIsIgnoredByReachability(t *testing.T) {
	// The dead instruction after exit is still validated structurally but
	// never contributes a fallthrough.
	text := []uint64{
		ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ins(ebpf.OpExit, 0, 0, 0, 0),
		ins(ebpf.OpMov64Imm, 1, 0, 0, 2),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	if err := Check(text, vm.DefaultConfig()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestSignedDivisionOffsetAccepted(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpMov64Imm, 0, 0, 0, -14),
		ins(ebpf.OpDiv64Imm, 0, 0, ebpf.OffsetSigned, 7),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	if err := Check(text, vm.DefaultConfig()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCheckProgramVerifiesFunctionRoots(t *testing.T) {
	// A function reachable only through the registry still needs an exit
	// path that stays inside text.
	text := []uint64{
		ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ins(ebpf.OpExit, 0, 0, 0, 0),
		ins(ebpf.OpMov64Imm, 0, 0, 0, 2), // function body, falls off the end
	}
	prog := vm.NewProgram(text)
	prog.Functions = map[uint32]uint64{0xdeadbeef: 2}
	err := CheckProgram(prog, vm.DefaultConfig())
	wantKind(t, err, KindFallthroughEnd, 2)
}
