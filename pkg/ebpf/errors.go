package ebpf

import (
	"errors"
	"fmt"
	"strings"
)

// Access is the kind of memory access being attempted.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// The error taxonomy is closed: every failure the engine can produce is one
// of the types below, each carrying the context needed to diagnose without
// re-running. Payload-less variants are sentinels; the rest are value types
// matched with errors.As.
var (
	// ErrTooManySyscalls is returned when registering past registry capacity.
	ErrTooManySyscalls = errors.New("too many syscalls")

	// ErrExitRootCallFrame is returned on an attempt to exit the root call frame.
	ErrExitRootCallFrame = errors.New("attempted to exit root call frame")

	// ErrJITNotCompiled is returned when executing a program that has not
	// been JIT-compiled.
	ErrJITNotCompiled = errors.New("program has not been JIT-compiled")
)

// UserError wraps an opaque host-defined error raised by a syscall
// implementation. The engine never interprets it.
type UserError struct {
	Err error
}

func (e UserError) Error() string { return e.Err.Error() }

func (e UserError) Unwrap() error { return e.Err }

// SyscallAlreadyRegisteredError reports a duplicate registration.
type SyscallAlreadyRegisteredError struct {
	Index uint32
}

func (e SyscallAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("syscall #%d was already registered before", e.Index)
}

// SyscallNotRegisteredError reports a bind or call through an index with no
// registered slot.
type SyscallNotRegisteredError struct {
	Index uint32
}

func (e SyscallNotRegisteredError) Error() string {
	return fmt.Sprintf("syscall #%d was not registered before", e.Index)
}

// SyscallAlreadyBoundError reports a second context bind on one slot.
type SyscallAlreadyBoundError struct {
	Index uint32
}

func (e SyscallAlreadyBoundError) Error() string {
	return fmt.Sprintf("syscall #%d already has a bound context object", e.Index)
}

// CallDepthExceededError reports a call that would push past the configured
// maximum frame depth.
type CallDepthExceededError struct {
	PC    int
	Depth int
}

func (e CallDepthExceededError) Error() string {
	return fmt.Sprintf("exceeded max BPF to BPF call depth of %d at instruction #%d", e.Depth, e.PC)
}

// DivideByZeroError reports a division or modulo with a zero divisor.
type DivideByZeroError struct {
	PC int
}

func (e DivideByZeroError) Error() string {
	return fmt.Sprintf("divide by zero at instruction %d", e.PC)
}

// DivideOverflowError reports a signed division overflow (MinInt / -1).
type DivideOverflowError struct {
	PC int
}

func (e DivideOverflowError) Error() string {
	return fmt.Sprintf("division overflow at instruction %d", e.PC)
}

// ExecutionOverrunError reports a program counter past the end of text.
type ExecutionOverrunError struct {
	PC int
}

func (e ExecutionOverrunError) Error() string {
	return fmt.Sprintf("attempted to execute past the end of the text segment at instruction #%d", e.PC)
}

// CallOutsideTextSegmentError reports a callx whose target address does not
// resolve to an instruction inside the text segment.
type CallOutsideTextSegmentError struct {
	PC     int
	Target uint64
}

func (e CallOutsideTextSegmentError) Error() string {
	return fmt.Sprintf("callx at instruction %d attempted to call outside of the text segment to addr 0x%x", e.PC, e.Target)
}

// ExceededMaxInstructionsError reports instruction budget exhaustion.
type ExceededMaxInstructionsError struct {
	PC  int
	Max uint64
}

func (e ExceededMaxInstructionsError) Error() string {
	return fmt.Sprintf("exceeded maximum number of instructions allowed (%d) at instruction #%d", e.Max, e.PC)
}

// InvalidVirtualAddressError reports an address in no mapped region.
type InvalidVirtualAddressError struct {
	Addr uint64
}

func (e InvalidVirtualAddressError) Error() string {
	return fmt.Sprintf("invalid virtual address 0x%x", e.Addr)
}

// InvalidMemoryRegionError reports a malformed region set.
type InvalidMemoryRegionError struct {
	Index int
}

func (e InvalidMemoryRegionError) Error() string {
	return fmt.Sprintf("invalid memory region at index %d", e.Index)
}

// AccessViolationError reports an access that a non-stack region rejected.
type AccessViolationError struct {
	PC      int
	Access  Access
	Addr    uint64
	Len     uint64
	Section string
}

func (e AccessViolationError) Error() string {
	return fmt.Sprintf("access violation in %s section at address %#x of size %d by instruction #%d (%s)",
		e.Section, e.Addr, e.Len, e.PC, e.Access)
}

// StackAccessViolationError reports an access that the stack rejected,
// carrying the signed frame index so callers can tell overflow from
// underflow.
type StackAccessViolationError struct {
	PC     int
	Access Access
	Addr   uint64
	Len    uint64
	Frame  int64
}

func (e StackAccessViolationError) Error() string {
	return fmt.Sprintf("access violation in stack frame %d at address %#x of size %d by instruction #%d (%s)",
		e.Frame, e.Addr, e.Len, e.PC, e.Access)
}

// InvalidInstructionError reports a malformed instruction.
type InvalidInstructionError struct {
	PC int
}

func (e InvalidInstructionError) Error() string {
	return fmt.Sprintf("invalid instruction at %d", e.PC)
}

// UnsupportedInstructionError reports an unknown opcode.
type UnsupportedInstructionError struct {
	PC int
}

func (e UnsupportedInstructionError) Error() string {
	return fmt.Sprintf("unsupported instruction at instruction %d", e.PC)
}

// ExhaustedTextSegmentError reports a compilation too big for the native
// code buffer.
type ExhaustedTextSegmentError struct {
	PC int
}

func (e ExhaustedTextSegmentError) Error() string {
	return fmt.Sprintf("compilation exhausted text segment at instruction %d", e.PC)
}

// LibcInvocationFailedError reports a failed host libc call (e.g. mmap while
// setting up JIT memory), with its arguments rendered as text and the
// returned status code.
type LibcInvocationFailedError struct {
	Name string
	Args []string
	Code int
}

func (e LibcInvocationFailedError) Error() string {
	return fmt.Sprintf("libc calling %s [%s] returned error code %d", e.Name, strings.Join(e.Args, ", "), e.Code)
}

// IsFault reports whether err belongs to the engine's error taxonomy.
// Syscall dispatch uses it to decide whether a host error needs wrapping in
// UserError.
func IsFault(err error) bool {
	if errors.Is(err, ErrTooManySyscalls) ||
		errors.Is(err, ErrExitRootCallFrame) ||
		errors.Is(err, ErrJITNotCompiled) {
		return true
	}
	switch {
	case errors.As(err, new(UserError)),
		errors.As(err, new(SyscallAlreadyRegisteredError)),
		errors.As(err, new(SyscallNotRegisteredError)),
		errors.As(err, new(SyscallAlreadyBoundError)),
		errors.As(err, new(CallDepthExceededError)),
		errors.As(err, new(DivideByZeroError)),
		errors.As(err, new(DivideOverflowError)),
		errors.As(err, new(ExecutionOverrunError)),
		errors.As(err, new(CallOutsideTextSegmentError)),
		errors.As(err, new(ExceededMaxInstructionsError)),
		errors.As(err, new(InvalidVirtualAddressError)),
		errors.As(err, new(InvalidMemoryRegionError)),
		errors.As(err, new(AccessViolationError)),
		errors.As(err, new(StackAccessViolationError)),
		errors.As(err, new(InvalidInstructionError)),
		errors.As(err, new(UnsupportedInstructionError)),
		errors.As(err, new(ExhaustedTextSegmentError)),
		errors.As(err, new(LibcInvocationFailedError)),
		errors.As(err, new(VerifierError)):
		return true
	}
	return false
}

// VerifierError wraps a rejection from the static verifier.
type VerifierError struct {
	Err error
}

func (e VerifierError) Error() string { return "verifier error: " + e.Err.Error() }

func (e VerifierError) Unwrap() error { return e.Err }
