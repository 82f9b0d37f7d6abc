package linux

import (
	"github.com/pkg/errors"

	"github.com/maceip/friscy/go/loader"
	"github.com/maceip/friscy/go/models"
)

const (
	ELF_AT_NULL   = 0
	ELF_AT_PHDR   = 3
	ELF_AT_PHENT  = 4
	ELF_AT_PHNUM  = 5
	ELF_AT_PAGESZ = 6
	ELF_AT_BASE   = 7
	ELF_AT_FLAGS  = 8
	ELF_AT_ENTRY  = 9
	ELF_AT_UID    = 11
	ELF_AT_EUID   = 12
	ELF_AT_GID    = 13
	ELF_AT_EGID   = 14
	ELF_AT_CLKTCK = 17
	ELF_AT_SECURE = 23
	ELF_AT_RANDOM = 25
	ELF_AT_EXECFN = 31
)

type Elf64Auxv struct {
	Type uint64
	Val  uint64
}

// SetupStack builds the initial guest stack below stackTop: argv and
// envp strings, 16 bytes for AT_RANDOM, the auxiliary vector, the
// argv/envp pointer vectors and argc, with the final SP aligned down
// to 16 bytes. Returns the SP to hand the guest.
func (k *LinuxKernel) SetupStack(info *loader.ElfInfo, interpBase uint64, args, env []string, stackTop uint64) (uint64, error) {
	m := k.M
	mem := m.Mem()
	sp := stackTop

	pushBytes := func(p []byte) (uint64, error) {
		sp -= uint64(len(p))
		if err := mem.Memcpy(sp, p); err != nil {
			return 0, errors.Wrap(err, "stack write failed")
		}
		return sp, nil
	}

	// Strings live at the top, highest first.
	argvAddrs := make([]uint64, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		addr, err := pushBytes(append([]byte(args[i]), 0))
		if err != nil {
			return 0, err
		}
		argvAddrs[i] = addr
	}
	envAddrs := make([]uint64, len(env))
	for i := len(env) - 1; i >= 0; i-- {
		addr, err := pushBytes(append([]byte(env[i]), 0))
		if err != nil {
			return 0, err
		}
		envAddrs[i] = addr
	}

	var random [16]byte
	k.fillRandom(random[:])
	randAddr, err := pushBytes(random[:])
	if err != nil {
		return 0, err
	}

	execfn := uint64(0)
	if len(argvAddrs) > 0 {
		execfn = argvAddrs[0]
	}
	auxv := []Elf64Auxv{
		{ELF_AT_PHDR, info.PhdrAddr},
		{ELF_AT_PHENT, uint64(info.Phentsize)},
		{ELF_AT_PHNUM, uint64(info.Phnum)},
		{ELF_AT_PAGESZ, 4096},
		{ELF_AT_BASE, interpBase},
		{ELF_AT_FLAGS, 0},
		{ELF_AT_ENTRY, info.Entry},
		{ELF_AT_UID, 0},
		{ELF_AT_EUID, 0},
		{ELF_AT_GID, 0},
		{ELF_AT_EGID, 0},
		{ELF_AT_SECURE, 0},
		{ELF_AT_CLKTCK, 100},
		{ELF_AT_RANDOM, randAddr},
		{ELF_AT_EXECFN, execfn},
		{ELF_AT_NULL, 0},
	}

	// Lay out the pointer block so the final SP lands 16-byte aligned.
	block := 8 + // argc
		(len(args)+1)*8 +
		(len(env)+1)*8 +
		len(auxv)*16
	sp &^= 7
	sp -= uint64(block)
	sp &^= 15

	st := m.StrucAt(sp)
	if err := st.Pack(uint64(len(args))); err != nil {
		return 0, errors.Wrap(err, "argc write failed")
	}
	for _, addr := range argvAddrs {
		if err := st.Pack(addr); err != nil {
			return 0, err
		}
	}
	if err := st.Pack(uint64(0)); err != nil {
		return 0, err
	}
	for _, addr := range envAddrs {
		if err := st.Pack(addr); err != nil {
			return 0, err
		}
	}
	if err := st.Pack(uint64(0)); err != nil {
		return 0, err
	}
	for i := range auxv {
		if err := st.Pack(&auxv[i]); err != nil {
			return 0, errors.Wrap(err, "auxv write failed")
		}
	}
	return sp, nil
}

// LoadElfSegments writes each PT_LOAD segment into the arena at
// base + (vaddr - lo), marking pages writable first.
func LoadElfSegments(mem models.Memory, bin []byte, base uint64) error {
	segs, err := loader.Segments(bin)
	if err != nil {
		return err
	}
	lo, _, err := loader.LoadRange(bin)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		dst := seg.Addr
		if base != 0 {
			dst = base + (seg.Addr - lo)
		}
		size := pageAlign(uint64(len(seg.Data)))
		mem.SetPageAttr(dst, size, models.PageRWX)
		if err := mem.Memcpy(dst, seg.Data); err != nil {
			return errors.Wrapf(err, "segment load at 0x%x failed", dst)
		}
	}
	return nil
}
