// Package elfload parses ELF objects carrying eBPF bytecode and prepares
// them for execution.
//
// Only the subset of ELF64 the toolchains emit for BPF targets is
// understood: little-endian, machine EM_BPF, a .text section of 8-byte
// instruction slots, optional read-only data, symbol tables for function
// resolution and the three BPF relocation types. All inputs are bounded so
// a hostile object cannot force oversized allocations.
package elfload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/sandbpf/pkg/memory"
	"github.com/fortiblox/sandbpf/pkg/syscalls"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64 = 2
	elfDataLSB = 1

	elfMachineBPF = 247

	elfTypeExec = 2
	elfTypeDyn  = 3
)

// Section types.
const (
	shtNobits = 8
)

// Symbol types (low nibble of Info).
const (
	sttFunc = 2
)

// BPF relocation types.
const (
	relBPF64_64    = 1
	relBPFRelative = 8
	relBPF64_32    = 10
)

// Parse errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Input bounds.
const (
	MaxELFSize      = 10 * 1024 * 1024
	MaxSections     = 256
	MaxSymbols      = 100000
	MaxRelocations  = 100000
	MaxInstructions = 1000000
)

// Module is a loaded object: the runnable program plus the external call
// hashes its relocations referenced, for diagnostics.
type Module struct {
	Program  *vm.Program
	Syscalls []uint32
}

type fileHeader struct {
	typ      uint16
	machine  uint16
	entry    uint64
	shoff    uint64
	shnum    uint16
	shentsz  uint16
	shstrndx uint16
}

type section struct {
	name   string
	typ    uint32
	addr   uint64
	offset uint64
	size   uint64
	entsz  uint64
}

type symbol struct {
	name  uint32
	info  uint8
	shndx uint16
	value uint64
}

// Load parses an ELF object and returns the contained program with its
// function registry populated and relocations applied.
func Load(data []byte) (*Module, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	if len(data) < 64 || !bytes.Equal(data[:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	hdr, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	sections, err := parseSections(data, hdr)
	if err != nil {
		return nil, err
	}

	textSec := findSection(sections, ".text")
	if textSec == nil {
		return nil, ErrNoTextSection
	}
	text, err := extractText(data, textSec)
	if err != nil {
		return nil, err
	}

	var rodata []byte
	if sec := findSection(sections, ".rodata"); sec != nil {
		rodata, err = sectionData(data, sec)
		if err != nil {
			return nil, err
		}
	}

	syms, strtab, err := loadSymbols(data, sections)
	if err != nil {
		return nil, err
	}

	functions := make(map[uint32]uint64)
	for _, sym := range syms {
		if sym.info&0xf != sttFunc || sym.shndx == 0 {
			continue
		}
		name := cstring(strtab, sym.name)
		if name == "" {
			continue
		}
		// Symbol values are byte offsets into text.
		functions[syscalls.Hash(name)] = sym.value / 8
	}

	var external []uint32
	for _, relName := range []string{".rel.text", ".rela.text", ".rel.dyn"} {
		if sec := findSection(sections, relName); sec != nil {
			ext, err := applyRelocations(data, sec, text, syms, strtab)
			if err != nil {
				return nil, err
			}
			external = append(external, ext...)
		}
	}

	entry := hdr.entry / 8
	if textSec.addr > 0 && hdr.entry >= textSec.addr {
		entry = (hdr.entry - textSec.addr) / 8
	}

	// The program image is the text slots followed by read-only data.
	ro := make([]byte, len(text)*8+len(rodata))
	for i, slot := range text {
		binary.LittleEndian.PutUint64(ro[i*8:], slot)
	}
	copy(ro[len(text)*8:], rodata)

	return &Module{
		Program: &vm.Program{
			Text:      text,
			RO:        ro,
			TextVA:    memory.VaddrProgram,
			Entry:     entry,
			Functions: functions,
		},
		Syscalls: external,
	}, nil
}

func parseHeader(data []byte) (*fileHeader, error) {
	if data[4] != elfClass64 {
		return nil, ErrUnsupportedClass
	}
	if data[5] != elfDataLSB {
		return nil, ErrUnsupportedEndian
	}
	hdr := &fileHeader{
		typ:      binary.LittleEndian.Uint16(data[16:18]),
		machine:  binary.LittleEndian.Uint16(data[18:20]),
		entry:    binary.LittleEndian.Uint64(data[24:32]),
		shoff:    binary.LittleEndian.Uint64(data[40:48]),
		shentsz:  binary.LittleEndian.Uint16(data[58:60]),
		shnum:    binary.LittleEndian.Uint16(data[60:62]),
		shstrndx: binary.LittleEndian.Uint16(data[62:64]),
	}
	if hdr.machine != elfMachineBPF {
		return nil, ErrUnsupportedMachine
	}
	if hdr.typ != elfTypeExec && hdr.typ != elfTypeDyn {
		return nil, fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, hdr.typ)
	}
	return hdr, nil
}

func parseSections(data []byte, hdr *fileHeader) ([]section, error) {
	if hdr.shnum == 0 {
		return nil, ErrNoTextSection
	}
	if hdr.shnum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}
	if hdr.shentsz < 64 {
		return nil, ErrInvalidELF
	}
	end := hdr.shoff + uint64(hdr.shentsz)*uint64(hdr.shnum)
	if end < hdr.shoff || end > uint64(len(data)) {
		return nil, ErrInvalidELF
	}

	sections := make([]section, hdr.shnum)
	names := make([]uint32, hdr.shnum)
	for i := range sections {
		off := hdr.shoff + uint64(i)*uint64(hdr.shentsz)
		names[i] = binary.LittleEndian.Uint32(data[off : off+4])
		sections[i] = section{
			typ:    binary.LittleEndian.Uint32(data[off+4 : off+8]),
			addr:   binary.LittleEndian.Uint64(data[off+16 : off+24]),
			offset: binary.LittleEndian.Uint64(data[off+24 : off+32]),
			size:   binary.LittleEndian.Uint64(data[off+32 : off+40]),
			entsz:  binary.LittleEndian.Uint64(data[off+56 : off+64]),
		}
	}

	if int(hdr.shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	shstr, err := sectionData(data, &sections[hdr.shstrndx])
	if err != nil {
		return nil, err
	}
	for i := range sections {
		sections[i].name = cstring(shstr, names[i])
	}
	return sections, nil
}

func findSection(sections []section, name string) *section {
	for i := range sections {
		if sections[i].name == name {
			return &sections[i]
		}
	}
	return nil
}

func sectionData(data []byte, sec *section) ([]byte, error) {
	if sec.typ == shtNobits {
		return make([]byte, sec.size), nil
	}
	end := sec.offset + sec.size
	if end < sec.offset || end > uint64(len(data)) {
		return nil, ErrInvalidSection
	}
	out := make([]byte, sec.size)
	copy(out, data[sec.offset:end])
	return out, nil
}

func extractText(data []byte, sec *section) ([]uint64, error) {
	raw, err := sectionData(data, sec)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: text section not slot-aligned", ErrInvalidSection)
	}
	n := len(raw) / 8
	if n > MaxInstructions {
		return nil, fmt.Errorf("%w: too many instructions", ErrTooLarge)
	}
	text := make([]uint64, n)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return text, nil
}

// loadSymbols returns the symbol table and its string table, preferring
// .symtab/.strtab and falling back to the dynamic pair.
func loadSymbols(data []byte, sections []section) ([]symbol, []byte, error) {
	pairs := [][2]string{{".symtab", ".strtab"}, {".dynsym", ".dynstr"}}
	for _, pair := range pairs {
		symSec := findSection(sections, pair[0])
		strSec := findSection(sections, pair[1])
		if symSec == nil || strSec == nil {
			continue
		}
		syms, err := parseSymbols(data, symSec)
		if err != nil {
			return nil, nil, err
		}
		strtab, err := sectionData(data, strSec)
		if err != nil {
			return nil, nil, err
		}
		return syms, strtab, nil
	}
	return nil, nil, nil
}

func parseSymbols(data []byte, sec *section) ([]symbol, error) {
	entsz := sec.entsz
	if entsz == 0 {
		entsz = 24
	}
	n := sec.size / entsz
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	end := sec.offset + sec.size
	if end < sec.offset || end > uint64(len(data)) {
		return nil, ErrInvalidSection
	}
	syms := make([]symbol, n)
	for i := uint64(0); i < n; i++ {
		off := sec.offset + i*entsz
		syms[i] = symbol{
			name:  binary.LittleEndian.Uint32(data[off : off+4]),
			info:  data[off+4],
			shndx: binary.LittleEndian.Uint16(data[off+6 : off+8]),
			value: binary.LittleEndian.Uint64(data[off+8 : off+16]),
		}
	}
	return syms, nil
}

func cstring(strtab []byte, off uint32) string {
	if off >= uint32(len(strtab)) {
		return ""
	}
	end := bytes.IndexByte(strtab[off:], 0)
	if end == -1 {
		end = len(strtab) - int(off)
	}
	return string(strtab[off : off+uint32(end)])
}

// applyRelocations patches text in place and returns the hashes of external
// symbols referenced through call relocations.
func applyRelocations(data []byte, sec *section, text []uint64, syms []symbol, strtab []byte) ([]uint32, error) {
	entsz := sec.entsz
	if entsz == 0 {
		entsz = 24
	}
	if entsz < 16 {
		return nil, ErrInvalidSection
	}
	n := sec.size / entsz
	if n > MaxRelocations {
		return nil, fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}
	end := sec.offset + sec.size
	if end < sec.offset || end > uint64(len(data)) {
		return nil, ErrInvalidSection
	}

	var external []uint32
	for i := uint64(0); i < n; i++ {
		off := sec.offset + i*entsz
		relOffset := binary.LittleEndian.Uint64(data[off : off+8])
		relInfo := binary.LittleEndian.Uint64(data[off+8 : off+16])
		var addend int64
		if entsz >= 24 {
			addend = int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))
		}

		symIdx := relInfo >> 32
		relType := uint32(relInfo)
		if symIdx >= uint64(len(syms)) {
			continue
		}
		sym := syms[symIdx]

		insIdx := relOffset / 8
		if insIdx >= uint64(len(text)) {
			continue
		}

		switch relType {
		case relBPF64_32:
			// Patch the call immediate with the target's name hash.
			hash := syscalls.Hash(cstring(strtab, sym.name))
			if sym.shndx == 0 {
				external = append(external, hash)
			}
			text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(hash)<<32

		case relBPF64_64:
			// lddw target: low half in the first slot, high half in the
			// second.
			if insIdx+1 >= uint64(len(text)) {
				continue
			}
			target := sym.value + uint64(addend)
			text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(uint32(target))<<32
			text[insIdx+1] = text[insIdx+1]&0x00000000FFFFFFFF | uint64(uint32(target>>32))<<32

		case relBPFRelative:
			rel := int64(insIdx*8) + addend
			text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(uint32(rel))<<32
		}
	}
	return external, nil
}
