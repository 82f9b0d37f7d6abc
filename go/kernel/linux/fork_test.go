package linux

import (
	"bytes"
	"syscall"
	"testing"

	"github.com/maceip/friscy/go/arch/riscv64"
	"github.com/maceip/friscy/go/models/mock"
)

// forkFixture sets up the memory layout the snapshot store works over.
func forkFixture(t *testing.T) (*mock.Machine, *LinuxKernel) {
	t.Helper()
	m, k := testKernel(t)
	k.Exec.ExecRwStart = 0x8000
	k.Exec.ExecRwEnd = 0x9000
	k.Exec.HeapStart = 0x100000
	k.Exec.HeapSize = 0x10000
	k.Exec.OriginalStackTop = 0x80000
	m.SetMmapStart(0x110000)
	m.SetMmapAddress(0x110000)
	m.SetReg(riscv64.REG_SP, 0x7f000)
	m.Jump(0x5004)
	m.Memcpy(0x8000, []byte("parent data segment"))
	m.Memcpy(0x7f000, []byte("parent stack bytes"))
	return m, k
}

const sigchld = 17

func TestForkSnapshotRestore(t *testing.T) {
	m, k := forkFixture(t)

	m.SetSysargs(sigchld)
	m.Ecall(nrClone)
	if result(m) != 0 {
		t.Fatalf("clone should return 0 in the child: %d", result(m))
	}
	if !k.Fork.InChild {
		t.Fatal("fork state not armed")
	}
	childPid := k.Fork.ChildPid

	// The child scribbles on data, stack and fds.
	m.Memcpy(0x8000, []byte("CHILD WAS HERE!!!!!"))
	m.Memcpy(0x7f000, []byte("child stack write!"))
	childFd, _ := k.Fs.Open("/tmp-child", 0100 /*O_CREAT*/)

	m.SetSysargs(42)
	m.Ecall(nrExitGroup)

	// Parent restored: return value, memory, fd set, PC.
	if result(m) != int64(childPid) {
		t.Fatalf("parent clone return: %d, want %d", result(m), childPid)
	}
	data := make([]byte, 19)
	m.MemcpyOut(data, 0x8000)
	if !bytes.Equal(data, []byte("parent data segment")) {
		t.Fatalf("data segment not restored: %q", data)
	}
	stack := make([]byte, 18)
	m.MemcpyOut(stack, 0x7f000)
	if !bytes.Equal(stack, []byte("parent stack bytes")) {
		t.Fatalf("stack not restored: %q", stack)
	}
	if k.Fs.IsOpen(childFd) {
		t.Fatal("child fd survived the restore")
	}
	if m.PC() != 0x5004 {
		t.Fatalf("PC not restored: 0x%x", m.PC())
	}
	if m.Reg(riscv64.REG_SP) != 0x7f000 {
		t.Fatal("SP not restored")
	}

	// wait4 reports the encoded status once, then ECHILD.
	const wstatus = 0x6000
	var anyPid uint64
	anyPid--
	m.SetSysargs(anyPid, wstatus, 0)
	m.Ecall(nrWait4)
	if result(m) != int64(childPid) {
		t.Fatalf("wait4: %d", result(m))
	}
	st, _ := m.ReadU32(wstatus)
	if st != 42<<8 {
		t.Fatalf("wait status: 0x%x", st)
	}
	m.SetSysargs(anyPid, 0, 0)
	m.Ecall(nrWait4)
	if result(m) != -int64(syscall.ECHILD) {
		t.Fatalf("second wait4: %d", result(m))
	}
}

func TestNestedForkRefused(t *testing.T) {
	m, _ := forkFixture(t)
	m.SetSysargs(sigchld)
	m.Ecall(nrClone)
	m.SetSysargs(sigchld)
	m.Ecall(nrClone)
	if result(m) != -int64(syscall.EAGAIN) {
		t.Fatalf("nested fork: %d", result(m))
	}
}

func TestForkSnapshotCompression(t *testing.T) {
	m, k := forkFixture(t)
	m.SetSysargs(sigchld)
	m.Ecall(nrClone)
	// The exec region snapshot exists and is held compressed (smaller
	// than the raw span for this compressible fixture).
	if k.Fork.ExecData.Size == 0 {
		t.Fatal("exec region not captured")
	}
	if len(k.Fork.ExecData.data) == 0 || uint64(len(k.Fork.ExecData.data)) >= k.Fork.ExecData.Size {
		t.Fatalf("snapshot not compressed: %d bytes for %d",
			len(k.Fork.ExecData.data), k.Fork.ExecData.Size)
	}
}
