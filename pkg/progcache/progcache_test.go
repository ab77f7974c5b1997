package progcache

import (
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/memory"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testProgram() *vm.Program {
	prog := vm.NewProgram([]uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 7),
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),
	})
	prog.Entry = 0
	prog.Functions = map[uint32]uint64{0xdeadbeef: 1, 0x01020304: 0}
	return prog
}

func TestPutGetRoundtrip(t *testing.T) {
	c := openTestCache(t)
	prog := testProgram()

	key, err := c.Put(prog)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Text) != len(prog.Text) {
		t.Fatalf("text length = %d, want %d", len(got.Text), len(prog.Text))
	}
	for i := range prog.Text {
		if got.Text[i] != prog.Text[i] {
			t.Errorf("text[%d] = %#x, want %#x", i, got.Text[i], prog.Text[i])
		}
	}
	if got.Entry != prog.Entry {
		t.Errorf("entry = %d, want %d", got.Entry, prog.Entry)
	}
	if got.TextVA != memory.VaddrProgram {
		t.Errorf("text VA = %#x, want %#x", got.TextVA, uint64(memory.VaddrProgram))
	}
	if len(got.Functions) != 2 || got.Functions[0xdeadbeef] != 1 {
		t.Errorf("functions = %v", got.Functions)
	}
	if len(got.RO) != len(prog.RO) {
		t.Errorf("RO length = %d, want %d", len(got.RO), len(prog.RO))
	}

	// A cached program must still run.
	ret, err := vm.NewInterpreter(got, vm.DefaultConfig(), nil).Execute(nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ret != 7 {
		t.Errorf("r0 = %d, want 7", ret)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	c := openTestCache(t)
	k1, err := c.Put(testProgram())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	k2, err := c.Put(testProgram())
	if err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if k1 != k2 {
		t.Errorf("keys differ: %s vs %s", k1, k2)
	}
	keys, err := c.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("stored keys = %d, want 1", len(keys))
	}
}

func TestGetMissing(t *testing.T) {
	c := openTestCache(t)
	_, err := c.Get(Key{1, 2, 3})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasAndDelete(t *testing.T) {
	c := openTestCache(t)
	key, err := c.Put(testProgram())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := c.Has(key)
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v; want true", ok, err)
	}
	if err := c.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = c.Has(key)
	if err != nil || ok {
		t.Fatalf("Has after delete = %v, %v; want false", ok, err)
	}
	// Deleting again is fine.
	if err := c.Delete(key); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestGetDetectsTampering(t *testing.T) {
	c := openTestCache(t)
	key, err := c.Put(testProgram())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Swap the payload under the same key.
	other := c.enc.EncodeAll(serialize(vm.NewProgram([]uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 666),
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),
	})), nil)
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(programKey(key), other)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err = c.Get(key)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestGetDetectsGarbage(t *testing.T) {
	c := openTestCache(t)
	var key Key
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(programKey(key), []byte("not zstd"))
	})
	if err != nil {
		t.Fatalf("seed garbage: %v", err)
	}
	_, err = c.Get(key)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestKeyString(t *testing.T) {
	key := Key{0x01, 0x02, 0xff}
	s := key.String()
	if s == "" {
		t.Fatal("empty key string")
	}
	back, err := ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if back != key {
		t.Errorf("roundtrip mismatch: %v vs %v", back, key)
	}
	if _, err := ParseKey("!!!not-base58!!!"); err == nil {
		t.Error("ParseKey accepted invalid input")
	}
	if _, err := ParseKey("abc"); err == nil {
		t.Error("ParseKey accepted short input")
	}
}

func TestClosedCache(t *testing.T) {
	c, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Put(testProgram()); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close = %v, want ErrClosed", err)
	}
	if _, err := c.Get(Key{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after close = %v, want ErrClosed", err)
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("double close = %v, want ErrClosed", err)
	}
}
