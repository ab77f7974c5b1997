//go:build linux && amd64

package jit

import (
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
)

// execMem is an anonymous RWX mapping holding generated code.
type execMem struct {
	buf []byte
}

func newExecMem(size int) (*execMem, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		code := -1
		if errno, ok := err.(unix.Errno); ok {
			code = int(errno)
		}
		return nil, ebpf.LibcInvocationFailedError{
			Name: "mmap",
			Args: []string{
				"0",
				strconv.Itoa(size),
				"PROT_READ|PROT_WRITE|PROT_EXEC",
				"MAP_PRIVATE|MAP_ANONYMOUS",
				"-1",
				"0",
			},
			Code: code,
		}
	}
	return &execMem{buf: buf}, nil
}

func (m *execMem) base() uintptr {
	return uintptr(unsafe.Pointer(&m.buf[0]))
}

func (m *execMem) close() error {
	if m.buf == nil {
		return nil
	}
	buf := m.buf
	m.buf = nil
	return unix.Munmap(buf)
}
