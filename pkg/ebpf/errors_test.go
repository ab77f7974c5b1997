package ebpf

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{SyscallAlreadyRegisteredError{Index: 7}, "syscall #7 was already registered before"},
		{SyscallNotRegisteredError{Index: 3}, "syscall #3 was not registered before"},
		{SyscallAlreadyBoundError{Index: 9}, "syscall #9 already has a bound context object"},
		{CallDepthExceededError{PC: 12, Depth: 64}, "exceeded max BPF to BPF call depth of 64 at instruction #12"},
		{DivideByZeroError{PC: 4}, "divide by zero at instruction 4"},
		{DivideOverflowError{PC: 5}, "division overflow at instruction 5"},
		{ExecutionOverrunError{PC: 100}, "attempted to execute past the end of the text segment at instruction #100"},
		{CallOutsideTextSegmentError{PC: 2, Target: 0x900000000}, "callx at instruction 2 attempted to call outside of the text segment to addr 0x900000000"},
		{ExceededMaxInstructionsError{PC: 17, Max: 1000}, "exceeded maximum number of instructions allowed (1000) at instruction #17"},
		{InvalidVirtualAddressError{Addr: 0xdead}, "invalid virtual address 0xdead"},
		{InvalidMemoryRegionError{Index: 2}, "invalid memory region at index 2"},
		{AccessViolationError{PC: 1, Access: AccessWrite, Addr: 0x400000000, Len: 8, Section: "input"}, "access violation in input section at address 0x400000000 of size 8 by instruction #1 (write)"},
		{StackAccessViolationError{PC: 6, Access: AccessRead, Addr: 0x200001000, Len: 4, Frame: -1}, "access violation in stack frame -1 at address 0x200001000 of size 4 by instruction #6 (read)"},
		{InvalidInstructionError{PC: 8}, "invalid instruction at 8"},
		{UnsupportedInstructionError{PC: 9}, "unsupported instruction at instruction 9"},
		{ExhaustedTextSegmentError{PC: 40}, "compilation exhausted text segment at instruction 40"},
		{LibcInvocationFailedError{Name: "mmap", Args: []string{"0", "4096"}, Code: 12}, "libc calling mmap [0, 4096] returned error code 12"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%T = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestUserErrorUnwraps(t *testing.T) {
	inner := errors.New("host gave up")
	err := error(UserError{Err: inner})
	if !errors.Is(err, inner) {
		t.Error("UserError does not unwrap to the host error")
	}
	if err.Error() != "host gave up" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestVerifierErrorWraps(t *testing.T) {
	inner := errors.New("unknown opcode at instruction #3")
	err := error(VerifierError{Err: inner})
	if got := err.Error(); got != "verifier error: unknown opcode at instruction #3" {
		t.Errorf("message = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("VerifierError does not unwrap")
	}
}

func TestIsFault(t *testing.T) {
	faults := []error{
		ErrTooManySyscalls,
		ErrExitRootCallFrame,
		ErrJITNotCompiled,
		DivideByZeroError{PC: 1},
		StackAccessViolationError{},
		UserError{Err: errors.New("x")},
		VerifierError{Err: errors.New("y")},
		fmt.Errorf("wrapped: %w", ExceededMaxInstructionsError{PC: 1, Max: 2}),
	}
	for _, err := range faults {
		if !IsFault(err) {
			t.Errorf("IsFault(%T) = false, want true", err)
		}
	}
	if IsFault(errors.New("some host error")) {
		t.Error("IsFault treated a host error as a fault")
	}
	if IsFault(nil) {
		t.Error("IsFault(nil) = true")
	}
}

func TestAccessString(t *testing.T) {
	if AccessRead.String() != "read" || AccessWrite.String() != "write" || AccessExecute.String() != "execute" {
		t.Error("access names wrong")
	}
}
