// Package jit compiles guest programs to native x86-64 code.
//
// Register state lives in a fixed-layout block addressed through RDI, so
// generated code needs no prologue and only touches caller-saved scratch
// registers. ALU, jump, lddw and endian instructions execute natively with
// the instruction budget charged inline; memory accesses, division, calls
// and exits return to a Go runner that services them against the same
// memory mapping, call stack and syscall registry the interpreter uses.
// A run therefore produces the same result and the same fault values under
// the JIT as under the interpreter.
//
// Compilation is only supported on linux/amd64; elsewhere Compile reports
// ebpf.ErrJITNotCompiled.
package jit
