package syscalls

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/sandbpf/pkg/memory"
)

// Bounds on builtin arguments.
const (
	MaxLogMsgLen  = 10000            // longest log message read from guest memory
	MaxMemOpSize  = 10 * 1024 * 1024 // largest memcpy/memmove/memset/memcmp
	MaxHashSlices = 100              // most (ptr, len) pairs per hash call
)

// Builtin argument errors; these surface to the guest wrapped in UserError.
var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAborted         = errors.New("program aborted")
)

// RegisterBuiltins registers the standard host functions: logging, memory
// operations, hashes, and abort/panic. The logger is bound as the context
// of the logging slots, exercising the bind lifecycle; it may be nil, in
// which case log output is dropped.
func RegisterBuiltins(r *Registry, logger *log.Logger) error {
	type builtin struct {
		name string
		fn   Func
		bind bool
	}
	builtins := []builtin{
		{"log", sysLog, true},
		{"log_64", sysLog64, true},
		{"memcpy", sysMemcpy, false},
		{"memmove", sysMemcpy, false},
		{"memset", sysMemset, false},
		{"memcmp", sysMemcmp, false},
		{"sha256", hashSyscall(func() hasher { return sha256.New() }), false},
		{"keccak256", hashSyscall(func() hasher { return sha3.NewLegacyKeccak256() }), false},
		{"blake3", hashSyscall(func() hasher { return blake3.New() }), false},
		{"abort", sysAbort, false},
		{"panic", sysPanic, true},
	}
	for _, b := range builtins {
		hash, err := r.Register(b.name, b.fn)
		if err != nil {
			return err
		}
		if b.bind {
			if err := r.BindContext(hash, logger); err != nil {
				return err
			}
		}
	}
	return nil
}

func ctxLogger(ctx any) *log.Logger {
	logger, _ := ctx.(*log.Logger)
	return logger
}

// sysLog reads a message at r1 of length r2 and logs it.
func sysLog(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	msgLen := r2
	if msgLen > MaxLogMsgLen {
		msgLen = MaxLogMsgLen
	}
	msg := make([]byte, msgLen)
	if err := mem.Read(r1, msg, pc); err != nil {
		return 0, err
	}
	if logger := ctxLogger(ctx); logger != nil {
		logger.Printf("program log: %s", msg)
	}
	return 0, nil
}

// sysLog64 logs the five argument registers as hex.
func sysLog64(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	if logger := ctxLogger(ctx); logger != nil {
		logger.Printf("program log: %#x %#x %#x %#x %#x", r1, r2, r3, r4, r5)
	}
	return 0, nil
}

// sysMemcpy copies r3 bytes from r2 to r1. The source is read into a host
// buffer before writing, so overlapping ranges behave like memmove and the
// same implementation serves both names.
func sysMemcpy(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	dst, src, n := r1, r2, r3
	if n == 0 {
		return 0, nil
	}
	if n > MaxMemOpSize {
		return 0, ErrInvalidLength
	}
	data := make([]byte, n)
	if err := mem.Read(src, data, pc); err != nil {
		return 0, err
	}
	if err := mem.Write(dst, data, pc); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysMemset fills r3 bytes at r1 with the byte value in r2.
func sysMemset(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	dst, val, n := r1, uint8(r2), r3
	if n == 0 {
		return 0, nil
	}
	if n > MaxMemOpSize {
		return 0, ErrInvalidLength
	}
	data := make([]byte, n)
	for i := range data {
		data[i] = val
	}
	if err := mem.Write(dst, data, pc); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysMemcmp compares r3 bytes at r1 and r2 and writes the signed 32-bit
// result to r4.
func sysMemcmp(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	addr1, addr2, n, resultAddr := r1, r2, r3, r4
	if n > MaxMemOpSize {
		return 0, ErrInvalidLength
	}
	var result int32
	if n > 0 {
		a := make([]byte, n)
		b := make([]byte, n)
		if err := mem.Read(addr1, a, pc); err != nil {
			return 0, err
		}
		if err := mem.Read(addr2, b, pc); err != nil {
			return 0, err
		}
		for i := uint64(0); i < n; i++ {
			if a[i] != b[i] {
				result = int32(a[i]) - int32(b[i])
				break
			}
		}
	}
	if err := mem.Write32(resultAddr, uint32(result), pc); err != nil {
		return 0, err
	}
	return 0, nil
}

type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// hashSyscall builds a syscall hashing a vector of (ptr, len) pairs at r1
// (r2 pairs) and writing the 32-byte digest to r3.
func hashSyscall(newHash func() hasher) Func {
	return func(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
		numSlices, resultAddr := r2, r3
		if numSlices > MaxHashSlices {
			return 0, ErrInvalidArgument
		}
		h := newHash()
		for i := uint64(0); i < numSlices; i++ {
			ptr, err := mem.Read64(r1+i*16, pc)
			if err != nil {
				return 0, err
			}
			length, err := mem.Read64(r1+i*16+8, pc)
			if err != nil {
				return 0, err
			}
			if length > MaxMemOpSize {
				return 0, ErrInvalidLength
			}
			data := make([]byte, length)
			if err := mem.Read(ptr, data, pc); err != nil {
				return 0, err
			}
			h.Write(data)
		}
		if err := mem.Write(resultAddr, h.Sum(nil)[:32], pc); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

// sysAbort terminates the run with a user error.
func sysAbort(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	return 0, ErrAborted
}

// sysPanic terminates the run, reporting the source location the guest
// passed (filename at r1/r2, line r3, column r4).
func sysPanic(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	fileLen := r2
	if fileLen > 256 {
		fileLen = 256
	}
	filename := make([]byte, fileLen)
	if err := mem.Read(r1, filename, pc); err != nil {
		return 0, errors.New("program panicked")
	}
	return 0, fmt.Errorf("program panicked at %s:%d:%d", filename, r3, r4)
}
