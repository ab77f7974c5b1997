package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/memory"
	"github.com/fortiblox/sandbpf/pkg/syscalls"
)

func ins(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return ebpf.Encode(op, dst, src, off, imm)
}

func runText(t *testing.T, text []uint64, input []byte) (uint64, error) {
	t.Helper()
	ip := NewInterpreter(NewProgram(text), DefaultConfig(), nil)
	return ip.Execute(input)
}

func TestALU(t *testing.T) {
	tests := []struct {
		name string
		text []uint64
		want uint64
	}{
		{
			"add64",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 40),
				ins(ebpf.OpAdd64Imm, 0, 0, 0, 2),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			42,
		},
		{
			"sub64 wraps",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 0),
				ins(ebpf.OpSub64Imm, 0, 0, 0, 1),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			math.MaxUint64,
		},
		{
			"mul and shift",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 3),
				ins(ebpf.OpMul64Imm, 0, 0, 0, 7),
				ins(ebpf.OpLsh64Imm, 0, 0, 0, 2),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			84,
		},
		{
			"mov32 truncates",
			[]uint64{
				ins(ebpf.OpMov64Imm, 1, 0, 0, -1),
				ins(ebpf.OpMov32Reg, 0, 1, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			0xFFFFFFFF,
		},
		{
			"add32 wraps at 32 bits",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, -1),
				ins(ebpf.OpAdd32Imm, 0, 0, 0, 2),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			1,
		},
		{
			"arsh64 keeps sign",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, -16),
				ins(ebpf.OpArsh64Imm, 0, 0, 0, 2),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			uint64(math.MaxUint64 - 3), // -4
		},
		{
			"neg64",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 7),
				ins(ebpf.OpNeg64, 0, 0, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			uint64(1<<64 - 7),
		},
		{
			"div64 reg",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 91),
				ins(ebpf.OpMov64Imm, 1, 0, 0, 7),
				ins(ebpf.OpDiv64Reg, 0, 1, 0, 0),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			13,
		},
		{
			"sdiv64 negative quotient",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, -14),
				ins(ebpf.OpDiv64Imm, 0, 0, ebpf.OffsetSigned, 7),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			uint64(1<<64 - 2), // -2
		},
		{
			"xor and or",
			[]uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, 0b1100),
				ins(ebpf.OpXor64Imm, 0, 0, 0, 0b1010),
				ins(ebpf.OpOr64Imm, 0, 0, 0, 0b0001),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			},
			0b0111,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runText(t, tt.text, nil)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got != tt.want {
				t.Errorf("r0 = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLddw(t *testing.T) {
	v := uint64(0x1122334455667788)
	text := []uint64{
		ins(ebpf.OpLddw, 0, 0, 0, int32(uint32(v))),
		ins(0, 0, 0, 0, int32(uint32(v>>32))),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	got, err := runText(t, text, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != v {
		t.Errorf("r0 = %#x, want %#x", got, v)
	}
}

func TestEndian(t *testing.T) {
	tests := []struct {
		name  string
		op    uint8
		width int32
		in    int32
		want  uint64
	}{
		{"be16", ebpf.OpBe, 16, 0x1234, 0x3412},
		{"be32", ebpf.OpBe, 32, 0x12345678, 0x78563412},
		{"le16 truncates", ebpf.OpLe, 16, 0x12345678, 0x5678},
		{"le64 identity", ebpf.OpLe, 64, 0x12345678, 0x12345678},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := []uint64{
				ins(ebpf.OpMov64Imm, 0, 0, 0, tt.in),
				ins(tt.op, 0, 0, 0, tt.width),
				ins(ebpf.OpExit, 0, 0, 0, 0),
			}
			got, err := runText(t, text, nil)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got != tt.want {
				t.Errorf("r0 = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestLoop(t *testing.T) {
	// Sum 1..10 with a jlt-driven loop.
	text := []uint64{
		ins(ebpf.OpMov64Imm, 0, 0, 0, 0),  // acc
		ins(ebpf.OpMov64Imm, 1, 0, 0, 0),  // i
		ins(ebpf.OpAdd64Imm, 1, 0, 0, 1),  // i++
		ins(ebpf.OpAdd64Reg, 0, 1, 0, 0),  // acc += i
		ins(ebpf.OpJltImm, 1, 0, -3, 10),  // while i < 10
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	got, err := runText(t, text, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 55 {
		t.Errorf("r0 = %d, want 55", got)
	}
}

func TestStackLoadStore(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpMov64Imm, 1, 0, 0, 0x1234),
		ins(ebpf.OpStxh, 10, 1, -8, 0),
		ins(ebpf.OpLdxh, 0, 10, -8, 0),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	got, err := runText(t, text, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 0x1234 {
		t.Errorf("r0 = %#x, want 0x1234", got)
	}
}

func TestInputVisibleAtR1(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpLdxw, 0, 1, 0, 0),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	got, err := runText(t, text, []byte{0x78, 0x56, 0x34, 0x12})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 0x12345678 {
		t.Errorf("r0 = %#x, want 0x12345678", got)
	}
}

func TestWriteToInputFaults(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpStb, 1, 0, 0, 7),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	_, err := runText(t, text, []byte{1})
	var av ebpf.AccessViolationError
	if !errors.As(err, &av) {
		t.Fatalf("expected AccessViolationError, got %v", err)
	}
	if av.Section != memory.SectionInput {
		t.Errorf("section = %q, want input", av.Section)
	}
	if av.PC != 0 {
		t.Errorf("pc = %d, want 0", av.PC)
	}
}

func TestDivideByZero(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ins(ebpf.OpMov64Imm, 1, 0, 0, 0),
		ins(ebpf.OpDiv64Reg, 0, 1, 0, 0),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	_, err := runText(t, text, nil)
	var dz ebpf.DivideByZeroError
	if !errors.As(err, &dz) {
		t.Fatalf("expected DivideByZeroError, got %v", err)
	}
	if dz.PC != 2 {
		t.Errorf("pc = %d, want 2", dz.PC)
	}
}

func TestDivideOverflow(t *testing.T) {
	minInt64 := uint64(1) << 63
	text := []uint64{
		ins(ebpf.OpLddw, 0, 0, 0, 0),
		ins(0, 0, 0, 0, int32(uint32(minInt64>>32))),
		ins(ebpf.OpDiv64Imm, 0, 0, ebpf.OffsetSigned, -1),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	_, err := runText(t, text, nil)
	var ov ebpf.DivideOverflowError
	if !errors.As(err, &ov) {
		t.Fatalf("expected DivideOverflowError, got %v", err)
	}
	if ov.PC != 2 {
		t.Errorf("pc = %d, want 2", ov.PC)
	}
}

func TestInstructionBudget(t *testing.T) {
	loop := []uint64{
		ins(ebpf.OpJa, 0, 0, -1, 0),
	}

	t.Run("infinite loop faults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxInstructions = 10
		ip := NewInterpreter(NewProgram(loop), cfg, nil)
		_, err := ip.Execute(nil)
		var ex ebpf.ExceededMaxInstructionsError
		if !errors.As(err, &ex) {
			t.Fatalf("expected ExceededMaxInstructionsError, got %v", err)
		}
		if ex.Max != 10 {
			t.Errorf("max = %d, want 10", ex.Max)
		}
		if ex.PC != 0 {
			t.Errorf("pc = %d, want 0", ex.PC)
		}
	})

	t.Run("exact budget is legal", func(t *testing.T) {
		// mov + exit: two instructions on a budget of two.
		text := []uint64{
			ins(ebpf.OpMov64Imm, 0, 0, 0, 9),
			ins(ebpf.OpExit, 0, 0, 0, 0),
		}
		cfg := DefaultConfig()
		cfg.MaxInstructions = 2
		ip := NewInterpreter(NewProgram(text), cfg, nil)
		got, err := ip.Execute(nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got != 9 {
			t.Errorf("r0 = %d, want 9", got)
		}
	})

	t.Run("one short faults", func(t *testing.T) {
		text := []uint64{
			ins(ebpf.OpMov64Imm, 0, 0, 0, 9),
			ins(ebpf.OpExit, 0, 0, 0, 0),
		}
		cfg := DefaultConfig()
		cfg.MaxInstructions = 1
		ip := NewInterpreter(NewProgram(text), cfg, nil)
		_, err := ip.Execute(nil)
		var ex ebpf.ExceededMaxInstructionsError
		if !errors.As(err, &ex) {
			t.Fatalf("expected ExceededMaxInstructionsError, got %v", err)
		}
		if ex.PC != 1 {
			t.Errorf("pc = %d, want 1", ex.PC)
		}
	})
}

func TestFunctionCallAndReturn(t *testing.T) {
	// Root calls a function (relative call, src=1) that doubles r6 into r0.
	text := []uint64{
		ins(ebpf.OpMov64Imm, 6, 0, 0, 21),
		ins(ebpf.OpCall, 0, 1, 0, 1), // call +1 -> pc 3
		ins(ebpf.OpExit, 0, 0, 0, 0),
		ins(ebpf.OpMov64Reg, 0, 6, 0, 0), // function body
		ins(ebpf.OpAdd64Reg, 0, 6, 0, 0),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	got, err := runText(t, text, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 42 {
		t.Errorf("r0 = %d, want 42", got)
	}
}

func TestCalleeSavedRegistersRestored(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpMov64Imm, 6, 0, 0, 5),
		ins(ebpf.OpCall, 0, 1, 0, 2), // call +2 -> pc 4
		ins(ebpf.OpMov64Reg, 0, 6, 0, 0),
		ins(ebpf.OpExit, 0, 0, 0, 0),
		ins(ebpf.OpMov64Imm, 6, 0, 0, 99), // clobber r6 in callee
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	got, err := runText(t, text, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 5 {
		t.Errorf("r6 after return = %d, want 5", got)
	}
}

func TestCallDepthExceeded(t *testing.T) {
	// Infinite recursion: the function calls itself.
	text := []uint64{
		ins(ebpf.OpCall, 0, 1, 0, -1), // call self
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	cfg := DefaultConfig()
	cfg.MaxCallDepth = 8
	ip := NewInterpreter(NewProgram(text), cfg, nil)
	_, err := ip.Execute(nil)
	var cd ebpf.CallDepthExceededError
	if !errors.As(err, &cd) {
		t.Fatalf("expected CallDepthExceededError, got %v", err)
	}
	if cd.Depth != 8 {
		t.Errorf("depth = %d, want 8", cd.Depth)
	}
}

func TestCallxOutsideText(t *testing.T) {
	text := []uint64{
		ins(ebpf.OpLddw, 1, 0, 0, 0),
		ins(0, 0, 0, 0, 0x9), // r1 = 0x9_0000_0000
		ins(ebpf.OpCallx, 0, 0, 0, 1),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	_, err := runText(t, text, nil)
	var co ebpf.CallOutsideTextSegmentError
	if !errors.As(err, &co) {
		t.Fatalf("expected CallOutsideTextSegmentError, got %v", err)
	}
	if co.PC != 2 {
		t.Errorf("pc = %d, want 2", co.PC)
	}
	if co.Target != 0x9_0000_0000 {
		t.Errorf("target = %#x", co.Target)
	}
}

func TestCallxIntoText(t *testing.T) {
	// r1 = program base + 4*8 (the function at pc 4).
	text := []uint64{
		ins(ebpf.OpLddw, 1, 0, 0, int32(4*8)),
		ins(0, 0, 0, 0, 0x1), // 0x1_0000_0020
		ins(ebpf.OpCallx, 0, 0, 0, 1),
		ins(ebpf.OpExit, 0, 0, 0, 0),
		ins(ebpf.OpMov64Imm, 0, 0, 0, 77),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	got, err := runText(t, text, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 77 {
		t.Errorf("r0 = %d, want 77", got)
	}
}

func TestExecutionOverrun(t *testing.T) {
	// No exit: execution falls off the end of text.
	text := []uint64{
		ins(ebpf.OpMov64Imm, 0, 0, 0, 1),
	}
	_, err := runText(t, text, nil)
	var ov ebpf.ExecutionOverrunError
	if !errors.As(err, &ov) {
		t.Fatalf("expected ExecutionOverrunError, got %v", err)
	}
	if ov.PC != 1 {
		t.Errorf("pc = %d, want 1", ov.PC)
	}
}

func TestUnsupportedOpcode(t *testing.T) {
	text := []uint64{
		ins(0xff, 0, 0, 0, 0),
	}
	_, err := runText(t, text, nil)
	var un ebpf.UnsupportedInstructionError
	if !errors.As(err, &un) {
		t.Fatalf("expected UnsupportedInstructionError, got %v", err)
	}
}

func TestSyscallDispatch(t *testing.T) {
	reg := syscalls.NewRegistry(8)
	hash, err := reg.Register("mul_args", func(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
		return r1 * r2, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	text := []uint64{
		ins(ebpf.OpMov64Imm, 1, 0, 0, 6),
		ins(ebpf.OpMov64Imm, 2, 0, 0, 7),
		ins(ebpf.OpCall, 0, 0, 0, int32(hash)),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	ip := NewInterpreter(NewProgram(text), DefaultConfig(), reg)
	got, err := ip.Execute(nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 42 {
		t.Errorf("r0 = %d, want 42", got)
	}
}

func TestSyscallErrorAbortsRun(t *testing.T) {
	reg := syscalls.NewRegistry(8)
	hash, _ := reg.Register("failing", func(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
		return 0, errors.New("host said no")
	})
	text := []uint64{
		ins(ebpf.OpCall, 0, 0, 0, int32(hash)),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	ip := NewInterpreter(NewProgram(text), DefaultConfig(), reg)
	_, err := ip.Execute(nil)
	var ue ebpf.UserError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UserError, got %v", err)
	}
}

func TestUnknownCallTarget(t *testing.T) {
	// A call immediate matching no syscall and no function is a call to a
	// syscall that was never registered.
	text := []uint64{
		ins(ebpf.OpCall, 0, 0, 0, 0x7fffffff),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	_, err := runText(t, text, nil)
	var nr ebpf.SyscallNotRegisteredError
	if !errors.As(err, &nr) {
		t.Fatalf("expected SyscallNotRegisteredError, got %v", err)
	}
	if nr.Index != 0x7fffffff {
		t.Errorf("index = %#x, want 0x7fffffff", nr.Index)
	}
}

func TestUnknownCallTargetWithPopulatedRegistry(t *testing.T) {
	reg := syscalls.NewRegistry(4)
	if _, err := reg.Register("present", func(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
		return 0, nil
	}); err != nil {
		t.Fatal(err)
	}
	text := []uint64{
		ins(ebpf.OpCall, 0, 0, 0, 123456),
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	ip := NewInterpreter(NewProgram(text), DefaultConfig(), reg)
	_, err := ip.Execute(nil)
	var nr ebpf.SyscallNotRegisteredError
	if !errors.As(err, &nr) {
		t.Fatalf("expected SyscallNotRegisteredError, got %v", err)
	}
	if nr.Index != 123456 {
		t.Errorf("index = %d, want 123456", nr.Index)
	}
}

func TestStackOverflowViaDeepWrite(t *testing.T) {
	// Write far below the frame pointer, past the frame's bytes.
	text := []uint64{
		ins(ebpf.OpMov64Reg, 1, 10, 0, 0),
		ins(ebpf.OpLddw, 2, 0, 0, int32(3*8192)),
		ins(0, 0, 0, 0, 0),
		ins(ebpf.OpAdd64Reg, 1, 2, 0, 0),
		ins(ebpf.OpStxdw, 1, 2, 0, 0), // store at r1+0, inside a gap
		ins(ebpf.OpExit, 0, 0, 0, 0),
	}
	_, err := runText(t, text, nil)
	var sv ebpf.StackAccessViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("expected StackAccessViolationError, got %v", err)
	}
	if sv.Frame != 3 {
		t.Errorf("frame = %d, want 3", sv.Frame)
	}
	if sv.PC != 4 {
		t.Errorf("pc = %d, want 4", sv.PC)
	}
}
