// Package syscalls implements the host-function registry of the VM.
//
// Syscalls are host functions callable from guest programs. Each syscall is
// identified by the murmur3 hash of its name; arguments arrive in r1-r5 and
// the return value goes to r0. A slot moves through a fixed lifecycle:
// registered (implementation attached), optionally bound (context object
// attached, at most once), then looked up during runs.
package syscalls

import (
	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/memory"
)

// Func is a syscall implementation. ctx is the context object bound to the
// slot (nil when the slot is unbound), pc the instruction index of the
// calling instruction, and mem the address space of the current run.
type Func func(ctx any, pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error)

type slot struct {
	name  string
	fn    Func
	ctx   any
	bound bool
}

// Registry holds syscall slots keyed by name hash. Registration and binding
// happen during setup by a single goroutine; once runs start the registry
// is read-only and Lookup is safe to call concurrently.
type Registry struct {
	capacity int
	slots    map[uint32]*slot
}

// NewRegistry creates an empty registry holding at most capacity syscalls.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		slots:    make(map[uint32]*slot, capacity),
	}
}

// Register attaches an implementation under the hash of name and returns
// that hash. Registering a hash twice fails with SyscallAlreadyRegistered;
// exceeding capacity fails with ErrTooManySyscalls.
func (r *Registry) Register(name string, fn Func) (uint32, error) {
	hash := Hash(name)
	if _, ok := r.slots[hash]; ok {
		return hash, ebpf.SyscallAlreadyRegisteredError{Index: hash}
	}
	if len(r.slots) >= r.capacity {
		return hash, ebpf.ErrTooManySyscalls
	}
	r.slots[hash] = &slot{name: name, fn: fn}
	return hash, nil
}

// BindContext attaches a context object to a registered slot. Binding an
// unregistered hash fails with SyscallNotRegistered; binding twice fails
// with SyscallAlreadyBound. A nil ctx still counts as a bind.
func (r *Registry) BindContext(hash uint32, ctx any) error {
	s, ok := r.slots[hash]
	if !ok {
		return ebpf.SyscallNotRegisteredError{Index: hash}
	}
	if s.bound {
		return ebpf.SyscallAlreadyBoundError{Index: hash}
	}
	s.ctx = ctx
	s.bound = true
	return nil
}

// Lookup resolves a hash to an invocation handle. A registered, unbound
// slot is callable; its implementation receives a nil context.
func (r *Registry) Lookup(hash uint32) (Invocation, bool) {
	s, ok := r.slots[hash]
	if !ok {
		return Invocation{}, false
	}
	return Invocation{name: s.name, fn: s.fn, ctx: s.ctx}, true
}

// Name returns the registered name for a hash, for diagnostics.
func (r *Registry) Name(hash uint32) (string, bool) {
	s, ok := r.slots[hash]
	if !ok {
		return "", false
	}
	return s.name, true
}

// Len returns the number of registered syscalls.
func (r *Registry) Len() int {
	return len(r.slots)
}

// Invocation is a resolved syscall ready to call.
type Invocation struct {
	name string
	fn   Func
	ctx  any
}

// Name returns the syscall's registered name.
func (iv Invocation) Name() string {
	return iv.name
}

// Invoke runs the syscall. Host errors that are not already part of the
// engine's taxonomy come back wrapped in UserError, so callers see a closed
// error set.
func (iv Invocation) Invoke(pc int, r1, r2, r3, r4, r5 uint64, mem *memory.Mapping) (uint64, error) {
	ret, err := iv.fn(iv.ctx, pc, r1, r2, r3, r4, r5, mem)
	if err != nil && !ebpf.IsFault(err) {
		return 0, ebpf.UserError{Err: err}
	}
	return ret, err
}

// Hash computes the 32-bit murmur3 hash of a syscall name. This is the
// identifier the call instruction carries in its immediate.
func Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}
