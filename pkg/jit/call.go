//go:build linux && amd64

package jit

import "unsafe"

// callJITCode enters generated code at entry with the state pointer in RDI
// per the System V ABI. Generated code clobbers only caller-saved registers
// and returns with the exit reason in RAX and the instruction index in RDX.
//
//go:noescape
func callJITCode(entry uintptr, state unsafe.Pointer) (reason uint64, pc uint64)
