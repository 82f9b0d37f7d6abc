package linux

import (
	"syscall"
	"testing"
)

func doMmap(m interface {
	SetSysargs(...uint64)
	Ecall(int)
}, addr, length uint64, prot, flags uint64, fd uint64) {
	m.SetSysargs(addr, length, prot, flags, fd, 0)
	m.Ecall(nrMmap)
}

func TestMmapZeroLength(t *testing.T) {
	m, _ := testKernel(t)
	doMmap(m, 0, 0, PROT_READ, MAP_ANONYMOUS, fdNone)
	if result(m) != -int64(syscall.EINVAL) {
		t.Fatalf("want -EINVAL, got %d", result(m))
	}
}

func TestMmapBumpMonotone(t *testing.T) {
	m, _ := testKernel(t)
	m.SetMmapStart(0x100000)
	m.SetMmapAddress(0x100000)

	doMmap(m, 0, 0x1000, PROT_READ|PROT_WRITE, MAP_ANONYMOUS, fdNone)
	a := uint64(result(m))
	doMmap(m, 0, 0x2345, PROT_READ|PROT_WRITE, MAP_ANONYMOUS, fdNone)
	b := uint64(result(m))
	if a != 0x100000 {
		t.Fatalf("first mapping at 0x%x", a)
	}
	if b != a+0x1000 {
		t.Fatalf("bump not monotone: 0x%x after 0x%x", b, a)
	}
	doMmap(m, 0, 0x1000, PROT_READ, MAP_ANONYMOUS, fdNone)
	c := uint64(result(m))
	if c != b+0x3000 {
		t.Fatalf("length not page aligned: 0x%x", c)
	}
}

func TestMmapFixedHonored(t *testing.T) {
	m, _ := testKernel(t)
	m.SetMmapStart(0x100000)
	m.SetMmapAddress(0x100000)
	doMmap(m, 0x200000, 0x1000, PROT_READ|PROT_WRITE, MAP_ANONYMOUS|MAP_FIXED, fdNone)
	if uint64(result(m)) != 0x200000 {
		t.Fatalf("MAP_FIXED ignored the hint: 0x%x", uint64(result(m)))
	}
	if m.Evictions == 0 {
		t.Fatal("MAP_FIXED did not evict decoded segments")
	}
}

func TestMmapLargeHintOutsideArena(t *testing.T) {
	m, _ := testKernel(t)
	// 16 MiB arena: a hint beyond it with length >= 4 MiB is refused.
	doMmap(m, 1<<32, 4<<20, PROT_READ|PROT_WRITE, MAP_ANONYMOUS, fdNone)
	if result(m) != -int64(syscall.ENOMEM) {
		t.Fatalf("want -ENOMEM, got %d", result(m))
	}
}

func TestMmapSmallHintIgnored(t *testing.T) {
	m, _ := testKernel(t)
	m.SetMmapStart(0x100000)
	m.SetMmapAddress(0x100000)
	doMmap(m, 1<<32, 0x1000, PROT_READ|PROT_WRITE, MAP_ANONYMOUS, fdNone)
	if uint64(result(m)) != 0x100000 {
		t.Fatalf("small out-of-arena hint not served from bump: 0x%x", uint64(result(m)))
	}
}

func TestMmapZeroFill(t *testing.T) {
	m, _ := testKernel(t)
	m.SetMmapStart(0x100000)
	m.SetMmapAddress(0x100000)
	m.Memcpy(0x100000, []byte{1, 2, 3})
	doMmap(m, 0, 0x1000, PROT_READ|PROT_WRITE, MAP_ANONYMOUS, fdNone)
	v, _ := m.ReadU32(0x100000)
	if v != 0 {
		t.Fatal("anonymous mapping not zero filled")
	}
}

func TestMunmapZeroes(t *testing.T) {
	m, _ := testKernel(t)
	m.SetMmapStart(0x100000)
	m.SetMmapAddress(0x100000)
	doMmap(m, 0, 0x1000, PROT_READ|PROT_WRITE, MAP_ANONYMOUS, fdNone)
	addr := uint64(result(m))
	m.Memcpy(addr, []byte("dirty"))
	m.SetSysargs(addr, 0x1000)
	m.Ecall(nrMunmap)
	if result(m) != 0 {
		t.Fatalf("munmap: %d", result(m))
	}
	v, _ := m.ReadU64(addr)
	if v != 0 {
		t.Fatal("munmap left bytes behind")
	}
}

func TestFileBackedMmap(t *testing.T) {
	m, k := testKernel(t)
	k.Fs.AddVirtualFile("/lib.so", []byte("ELFDATA"))
	fd, err := k.Fs.Open("/lib.so", 0)
	if err != nil {
		t.Fatal(err)
	}
	m.SetMmapStart(0x100000)
	m.SetMmapAddress(0x100000)
	doMmap(m, 0, 0x1000, PROT_READ, 0, uint64(fd))
	addr := uint64(result(m))
	if addr != 0x100000 {
		t.Fatalf("file mmap at 0x%x", addr)
	}
	out := make([]byte, 7)
	m.MemcpyOut(out, addr)
	if string(out) != "ELFDATA" {
		t.Fatalf("file content not mapped: %q", out)
	}
}

func TestBrkClamp(t *testing.T) {
	m, k := testKernel(t)
	k.Exec.HeapStart = 0x300000
	m.SetSysargs(0)
	m.Ecall(214)
	base := uint64(result(m))
	if base != 0x300000 {
		t.Fatalf("initial brk: 0x%x", base)
	}
	m.SetSysargs(base + 0x10000)
	m.Ecall(214)
	if uint64(result(m)) != base+0x10000 {
		t.Fatal("brk extension failed")
	}
	// Beyond the 16 MiB cap the break is unchanged.
	m.SetSysargs(base + 32<<20)
	m.Ecall(214)
	if uint64(result(m)) != base+0x10000 {
		t.Fatalf("brk cap not enforced: 0x%x", uint64(result(m)))
	}
}

func TestMprotectBelowMmapStartIsNoop(t *testing.T) {
	m, _ := testKernel(t)
	m.SetMmapStart(0x100000)
	m.Memcpy(0x4000, []byte{1})
	m.SetSysargs(0x4000, 0x1000, PROT_READ)
	m.Ecall(226)
	if result(m) != 0 {
		t.Fatal("mprotect failed")
	}
	// Still writable: the RELRO no-op region.
	if err := m.WriteU8(0x4000, 2); err != nil {
		t.Fatal("mprotect below mmap start changed attributes")
	}
}
