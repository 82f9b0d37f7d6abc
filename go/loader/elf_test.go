package loader

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type testProg struct {
	ptype  uint32
	flags  uint32
	vaddr  uint64
	data   []byte
	memsz  uint64
}

// buildElf assembles a minimal little-endian ELF64 for riscv64.
func buildElf(etype uint16, entry uint64, progs []testProg) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	phoff := uint64(64)
	dataOff := phoff + uint64(len(progs))*56

	ehdr := make([]byte, 64)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(ehdr[16:], etype)
	le.PutUint16(ehdr[18:], 0xF3) // EM_RISCV
	le.PutUint32(ehdr[20:], 1)
	le.PutUint64(ehdr[24:], entry)
	le.PutUint64(ehdr[32:], phoff)
	le.PutUint16(ehdr[52:], 64)
	le.PutUint16(ehdr[54:], 56)
	le.PutUint16(ehdr[56:], uint16(len(progs)))
	buf.Write(ehdr)

	off := dataOff
	for _, p := range progs {
		phdr := make([]byte, 56)
		le.PutUint32(phdr[0:], p.ptype)
		le.PutUint32(phdr[4:], p.flags)
		le.PutUint64(phdr[8:], off)
		le.PutUint64(phdr[16:], p.vaddr)
		le.PutUint64(phdr[24:], p.vaddr)
		le.PutUint64(phdr[32:], uint64(len(p.data)))
		memsz := p.memsz
		if memsz == 0 {
			memsz = uint64(len(p.data))
		}
		le.PutUint64(phdr[40:], memsz)
		le.PutUint64(phdr[48:], 0x1000)
		buf.Write(phdr)
		off += uint64(len(p.data))
	}
	for _, p := range progs {
		buf.Write(p.data)
	}
	return buf.Bytes()
}

const (
	ptLoad   = 1
	ptInterp = 3
	pfX      = 1
	pfW      = 2
	pfR      = 4
)

func TestParseStatic(t *testing.T) {
	bin := buildElf(2, 0x10000, []testProg{
		{ptype: ptLoad, flags: pfR | pfX, vaddr: 0x10000, data: []byte{1, 2, 3, 4}},
		{ptype: ptLoad, flags: pfR | pfW, vaddr: 0x12000, data: []byte{5, 6}, memsz: 0x100},
	})
	info, err := Parse(bin)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != EXEC {
		t.Fatal("expected ET_EXEC")
	}
	if info.Entry != 0x10000 {
		t.Fatalf("entry: 0x%x", info.Entry)
	}
	if info.Dynamic {
		t.Fatal("static binary reported dynamic")
	}
}

func TestParseInterp(t *testing.T) {
	interp := []byte("/lib/ld-musl-riscv64.so.1\x00")
	bin := buildElf(3, 0x1000, []testProg{
		{ptype: ptInterp, vaddr: 0, data: interp},
		{ptype: ptLoad, flags: pfR | pfX, vaddr: 0, data: make([]byte, 64)},
	})
	info, err := Parse(bin)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Dynamic {
		t.Fatal("PT_INTERP not detected")
	}
	if info.Interp != "/lib/ld-musl-riscv64.so.1" {
		t.Fatalf("interp: %q", info.Interp)
	}
	if info.Type != DYN {
		t.Fatal("expected ET_DYN")
	}
}

func TestLoadRange(t *testing.T) {
	bin := buildElf(2, 0x10000, []testProg{
		{ptype: ptLoad, flags: pfR | pfX, vaddr: 0x10000, data: make([]byte, 0x800)},
		{ptype: ptLoad, flags: pfR | pfW, vaddr: 0x20000, data: make([]byte, 0x10), memsz: 0x2000},
	})
	lo, hi, err := LoadRange(bin)
	if err != nil {
		t.Fatal(err)
	}
	if lo != 0x10000 || hi != 0x22000 {
		t.Fatalf("load range: 0x%x..0x%x", lo, hi)
	}
	wlo, whi, err := WritableRange(bin)
	if err != nil {
		t.Fatal(err)
	}
	if wlo != 0x20000 || whi != 0x22000 {
		t.Fatalf("writable range: 0x%x..0x%x", wlo, whi)
	}
}

func TestSegmentsZeroExtend(t *testing.T) {
	bin := buildElf(2, 0x10000, []testProg{
		{ptype: ptLoad, flags: pfR | pfW, vaddr: 0x10000, data: []byte{0xaa}, memsz: 0x20},
	})
	segs, err := Segments(bin)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("segments: %d", len(segs))
	}
	if len(segs[0].Data) != 0x20 {
		t.Fatal("memsz not honored")
	}
	if segs[0].Data[0] != 0xaa || segs[0].Data[1] != 0 {
		t.Fatal("BSS not zero extended")
	}
}

func TestMatchRiscv64(t *testing.T) {
	bin := buildElf(2, 0, []testProg{{ptype: ptLoad, flags: pfR, vaddr: 0, data: []byte{0}}})
	if !MatchRiscv64(bin) {
		t.Fatal("valid RV64 ELF rejected")
	}
	if MatchRiscv64([]byte("not an elf")) {
		t.Fatal("garbage accepted")
	}
	bad := append([]byte{}, bin...)
	bad[18] = 0x3e // EM_X86_64
	if MatchRiscv64(bad) {
		t.Fatal("x86_64 accepted")
	}
}
