// Package progcache provides a BadgerDB-backed cache of verified programs.
//
// Verification and ELF loading are front-loaded work worth skipping on the
// next run of the same program. Entries are content-addressed: the key is
// the blake3 digest of the serialized program, recomputed and checked on
// every read, so a corrupted store surfaces as an error instead of running
// tampered bytecode. Payloads are zstd-compressed before storage.
package progcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/sandbpf/pkg/memory"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixProgram is the prefix for serialized programs.
	// Key format: prefixProgram + digest (32 bytes)
	prefixProgram = []byte{0x01}
)

// payloadMagic guards against format drift between versions.
const payloadMagic = uint32(0x50424653) // "SFBP"

var (
	ErrClosed    = errors.New("program cache is closed")
	ErrNotFound  = errors.New("program not found in cache")
	ErrCorrupted = errors.New("cached program failed digest check")
)

// Key is the blake3 digest a cached program is addressed by.
type Key [32]byte

// String renders the key in base58, the form the CLI prints and accepts.
func (k Key) String() string {
	return base58.Encode(k[:])
}

// ParseKey decodes a base58 key string.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("invalid cache key: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("invalid cache key: got %d bytes, want %d", len(raw), len(k))
	}
	copy(k[:], raw)
	return k, nil
}

// Config contains cache storage configuration.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables logging.
	Logger badger.Logger
}

// Cache is a content-addressed store of verified programs.
type Cache struct {
	db     *badger.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed atomic.Bool
}

// Open opens (or creates) a cache at cfg.Path.
func Open(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, enc: enc, dec: dec}, nil
}

// OpenInMemory opens a cache that lives only for the process.
func OpenInMemory() (*Cache, error) {
	return Open(Config{InMemory: true})
}

// Close releases the database. Further calls fail with ErrClosed.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	c.enc.Close()
	c.dec.Close()
	return c.db.Close()
}

func programKey(k Key) []byte {
	key := make([]byte, 1+len(k))
	key[0] = prefixProgram[0]
	copy(key[1:], k[:])
	return key
}

// KeyFor computes the content key prog would be stored under, without
// touching the database.
func KeyFor(prog *vm.Program) Key {
	return Key(blake3.Sum256(serialize(prog)))
}

// Put stores prog and returns its content key. Storing the same program
// twice is idempotent.
func (c *Cache) Put(prog *vm.Program) (Key, error) {
	if c.closed.Load() {
		return Key{}, ErrClosed
	}
	payload := serialize(prog)
	key := Key(blake3.Sum256(payload))
	compressed := c.enc.EncodeAll(payload, nil)

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(programKey(key), compressed)
	})
	if err != nil {
		return Key{}, err
	}
	return key, nil
}

// Get loads the program stored under key. The payload digest is rechecked
// against the key; a mismatch reports ErrCorrupted.
func (c *Cache) Get(key Key) (*vm.Program, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var prog *vm.Program
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			payload, err := c.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupted, err)
			}
			if Key(blake3.Sum256(payload)) != key {
				return ErrCorrupted
			}
			prog, err = deserialize(payload)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return prog, nil
}

// Has reports whether key is present without loading the payload.
func (c *Cache) Has(key Key) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	var found bool
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(programKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(key Key) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(programKey(key))
	})
}

// Keys returns every stored key in lexicographic order.
func (c *Cache) Keys() ([]Key, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var keys []Key
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixProgram
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw := it.Item().Key()
			if len(raw) != 1+32 {
				continue
			}
			var k Key
			copy(k[:], raw[1:])
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// serialize encodes a program in a compact little-endian format:
// magic, entry, text slots, function table sorted by hash, RO bytes.
func serialize(prog *vm.Program) []byte {
	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, binary.LittleEndian, v) }

	w(payloadMagic)
	w(prog.Entry)

	w(uint32(len(prog.Text)))
	for _, slot := range prog.Text {
		w(slot)
	}

	hashes := make([]uint32, 0, len(prog.Functions))
	for h := range prog.Functions {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	w(uint32(len(hashes)))
	for _, h := range hashes {
		w(h)
		w(prog.Functions[h])
	}

	w(uint32(len(prog.RO)))
	buf.Write(prog.RO)
	return buf.Bytes()
}

func deserialize(payload []byte) (*vm.Program, error) {
	r := bytes.NewReader(payload)
	read := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	var magic uint32
	if err := read(&magic); err != nil || magic != payloadMagic {
		return nil, ErrCorrupted
	}
	prog := &vm.Program{TextVA: memory.VaddrProgram}
	if err := read(&prog.Entry); err != nil {
		return nil, ErrCorrupted
	}

	var n uint32
	if err := read(&n); err != nil || uint64(n)*8 > uint64(r.Len()) {
		return nil, ErrCorrupted
	}
	prog.Text = make([]uint64, n)
	for i := range prog.Text {
		if err := read(&prog.Text[i]); err != nil {
			return nil, ErrCorrupted
		}
	}

	if err := read(&n); err != nil || uint64(n)*12 > uint64(r.Len()) {
		return nil, ErrCorrupted
	}
	prog.Functions = make(map[uint32]uint64, n)
	for i := uint32(0); i < n; i++ {
		var h uint32
		var pc uint64
		if err := read(&h); err != nil {
			return nil, ErrCorrupted
		}
		if err := read(&pc); err != nil {
			return nil, ErrCorrupted
		}
		prog.Functions[h] = pc
	}

	if err := read(&n); err != nil || uint64(n) > uint64(r.Len()) {
		return nil, ErrCorrupted
	}
	prog.RO = make([]byte, n)
	if _, err := io.ReadFull(r, prog.RO); err != nil {
		return nil, ErrCorrupted
	}
	return prog, nil
}
