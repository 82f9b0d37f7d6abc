// Package loader inspects RV64 ELF binaries: load ranges, writable
// ranges, entry points and the PT_INTERP payload the dynamic-linker
// bring-up needs.
package loader

import (
	"bytes"
	"debug/elf"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/maceip/friscy/go/models"
)

const (
	EXEC = iota
	DYN
	UNKNOWN
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// MatchElf reports whether bin starts with the ELF magic.
func MatchElf(bin []byte) bool {
	return len(bin) >= 4 && bytes.Equal(bin[:4], elfMagic)
}

// MatchRiscv64 reports whether bin is a 64-bit RISC-V ELF without
// fully parsing it (e_ident[EI_CLASS] and e_machine only).
func MatchRiscv64(bin []byte) bool {
	return MatchElf(bin) && len(bin) >= 20 &&
		bin[elf.EI_CLASS] == byte(elf.ELFCLASS64) &&
		elf.Machine(uint16(bin[18])|uint16(bin[19])<<8) == elf.EM_RISCV
}

// ElfInfo carries everything the bring-up and execve paths need from a
// parsed binary.
type ElfInfo struct {
	Type      int
	Entry     uint64
	PhdrAddr  uint64
	Phentsize int
	Phnum     int
	Interp    string
	Dynamic   bool
}

type Segment struct {
	Addr uint64
	Data []byte
}

// Parse validates and inspects a 64-bit RISC-V ELF held in memory.
func Parse(bin []byte) (*ElfInfo, error) {
	file, err := elf.NewFile(bytes.NewReader(bin))
	if err != nil {
		return nil, errors.Wrap(err, "elf parse failed")
	}
	defer file.Close()
	if file.Class != elf.ELFCLASS64 {
		return nil, errors.New("not a 64-bit ELF")
	}
	if file.Machine != elf.EM_RISCV {
		return nil, errors.Errorf("not a RISC-V binary (e_machine=%d)", file.Machine)
	}
	info := &ElfInfo{
		Entry:     file.Entry,
		Phentsize: 56,
		Phnum:     len(file.Progs),
	}
	switch file.Type {
	case elf.ET_EXEC:
		info.Type = EXEC
	case elf.ET_DYN:
		info.Type = DYN
	default:
		info.Type = UNKNOWN
	}
	for _, prog := range file.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			data, _ := io.ReadAll(prog.Open())
			info.Interp = strings.TrimRight(string(data), "\x00")
			info.Dynamic = true
		case elf.PT_PHDR:
			info.PhdrAddr = prog.Vaddr
		}
	}
	if info.PhdrAddr == 0 {
		// No PT_PHDR: the table sits right after the ehdr inside the
		// first load segment, which is how static musl binaries lay
		// it out.
		for _, prog := range file.Progs {
			if prog.Type == elf.PT_LOAD && prog.Off == 0 {
				info.PhdrAddr = prog.Vaddr + 64
				break
			}
		}
	}
	return info, nil
}

// LoadRange returns the lowest and highest virtual address across all
// PT_LOAD segments.
func LoadRange(bin []byte) (lo, hi uint64, err error) {
	return segRange(bin, false)
}

// WritableRange returns the union of PT_LOAD segments carrying PF_W.
func WritableRange(bin []byte) (lo, hi uint64, err error) {
	return segRange(bin, true)
}

func segRange(bin []byte, writableOnly bool) (uint64, uint64, error) {
	file, err := elf.NewFile(bytes.NewReader(bin))
	if err != nil {
		return 0, 0, errors.Wrap(err, "elf parse failed")
	}
	defer file.Close()
	var r *models.Segment
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if writableOnly && prog.Flags&elf.PF_W == 0 {
			continue
		}
		s := &models.Segment{Start: prog.Vaddr, End: prog.Vaddr + prog.Memsz}
		if r == nil {
			r = s
		} else {
			r.Merge(s)
		}
	}
	if r == nil {
		return 0, 0, nil
	}
	return r.Start, r.End, nil
}

// Segments returns each PT_LOAD segment's virtual address and its
// in-memory image (file bytes zero-extended to memsz, covering BSS).
func Segments(bin []byte) ([]Segment, error) {
	file, err := elf.NewFile(bytes.NewReader(bin))
	if err != nil {
		return nil, errors.Wrap(err, "elf parse failed")
	}
	defer file.Close()
	var segs []Segment
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Memsz)
		if _, err := io.ReadFull(prog.Open(), data[:prog.Filesz]); err != nil {
			return nil, errors.Wrap(err, "segment read failed")
		}
		segs = append(segs, Segment{Addr: prog.Vaddr, Data: data})
	}
	return segs, nil
}
