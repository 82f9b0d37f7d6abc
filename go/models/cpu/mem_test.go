package cpu

import (
	"testing"

	"github.com/maceip/friscy/go/models"
)

func TestReadWriteRoundTrip(t *testing.T) {
	m := NewArenaMem(20) // 1 MiB
	if err := m.WriteU64(0x1000, 0xdeadbeefcafe); err != nil {
		t.Fatal(err)
	}
	val, err := m.ReadU64(0x1000)
	if err != nil || val != 0xdeadbeefcafe {
		t.Fatalf("got 0x%x, %v", val, err)
	}
}

func TestOutOfBounds(t *testing.T) {
	m := NewArenaMem(20)
	err := m.WriteU8(1<<20, 1)
	exc, ok := err.(*models.MachineException)
	if !ok {
		t.Fatalf("want MachineException, got %v", err)
	}
	if exc.Data() != 1<<20 {
		t.Fatal("faulting address not carried")
	}
}

func TestPageProtection(t *testing.T) {
	m := NewArenaMem(20)
	m.SetPageAttr(0x2000, 0x1000, models.PageAttr{Read: true})
	if err := m.WriteU8(0x2800, 1); err == nil {
		t.Fatal("write to read-only page succeeded")
	}
	if _, err := m.ReadU8(0x2800); err != nil {
		t.Fatal("read from readable page failed")
	}
	m.SetPageAttr(0x2000, 0x1000, models.PageRWX)
	if err := m.WriteU8(0x2800, 1); err != nil {
		t.Fatal("write after promotion failed")
	}
}

func TestMemString(t *testing.T) {
	m := NewArenaMem(20)
	m.Memcpy(0x100, []byte("hello\x00world"))
	s, err := m.MemString(0x100)
	if err != nil || s != "hello" {
		t.Fatalf("got %q, %v", s, err)
	}
}

func TestMemdiscardZeroes(t *testing.T) {
	m := NewArenaMem(20)
	m.Memcpy(0x3000, []byte{1, 2, 3, 4})
	if err := m.Memdiscard(0x3000, 0x1000, true); err != nil {
		t.Fatal(err)
	}
	v, _ := m.ReadU32(0x3000)
	if v != 0 {
		t.Fatal("memdiscard left data behind")
	}
}

func TestMmapAllocateProbe(t *testing.T) {
	m := NewArenaMem(20)
	m.SetMmapStart(0x10000)
	a := m.MmapAllocate(0x2000)
	b := m.MmapAllocate(0)
	if a != 0x10000 || b != 0x12000 {
		t.Fatalf("bump: a=0x%x b=0x%x", a, b)
	}
}

func TestEvictHook(t *testing.T) {
	m := NewArenaMem(20)
	fired := 0
	m.EvictHook = func() { fired++ }
	m.EvictExecuteSegments()
	if fired != 1 || m.Evictions != 1 {
		t.Fatal("evict hook not invoked")
	}
}
