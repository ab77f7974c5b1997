//go:build !linux || !amd64

package jit

import (
	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/syscalls"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

// Available reports whether native compilation is supported on this
// platform.
func Available() bool { return false }

// Compiled is a natively compiled program. On unsupported platforms it can
// never be obtained and never executes.
type Compiled struct{}

// Compile is unsupported on this platform.
func Compile(prog *vm.Program, cfg vm.Config, sys *syscalls.Registry) (*Compiled, error) {
	return nil, ebpf.ErrJITNotCompiled
}

// Execute always fails on this platform.
func (c *Compiled) Execute(input []byte) (uint64, error) {
	return 0, ebpf.ErrJITNotCompiled
}

// Close is a no-op on this platform.
func (c *Compiled) Close() error { return nil }
