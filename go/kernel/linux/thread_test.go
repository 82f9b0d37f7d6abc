package linux

import (
	"syscall"
	"testing"

	"github.com/maceip/friscy/go/arch/riscv64"
	"github.com/maceip/friscy/go/models/mock"
)

const threadFlags = CLONE_VM | CLONE_THREAD | CLONE_SETTLS | CLONE_CHILD_CLEARTID

// cloneThread issues a thread-creating clone and returns the new tid.
func cloneThread(t *testing.T, m *mock.Machine, k *LinuxKernel, stack, tls, ctid uint64) int {
	t.Helper()
	m.SetSysargs(uint64(threadFlags), stack, 0, tls, ctid)
	m.Ecall(nrClone)
	if result(m) != 0 {
		t.Fatalf("clone did not return 0 in the child: %d", result(m))
	}
	return k.Sched.Threads[k.Sched.Current].Tid
}

func TestCloneThread(t *testing.T) {
	m, k := testKernel(t)
	m.Jump(0x5004) // PC past the ecall

	tid := cloneThread(t, m, k, 0x40000, 0x50000, 0x6000)
	if k.Sched.Count != 2 {
		t.Fatalf("scheduler count: %d", k.Sched.Count)
	}
	if m.Reg(riscv64.REG_SP) != 0x40000 {
		t.Fatal("child stack not installed")
	}
	if m.Reg(riscv64.REG_TP) != 0x50000 {
		t.Fatal("TLS not installed")
	}
	// Parent slot resumes with the child tid in a0.
	parent := &k.Sched.Threads[0]
	if parent.Regs[riscv64.REG_A0] != uint64(tid) {
		t.Fatalf("parent a0: %d, want %d", parent.Regs[riscv64.REG_A0], tid)
	}
}

func TestFutexWaitMismatch(t *testing.T) {
	m, k := testKernel(t)
	const addr = 0x6000
	m.WriteU32(addr, 5)
	m.SetSysargs(addr, 0 /*FUTEX_WAIT*/, 4)
	m.Ecall(nrFutex)
	if result(m) != -int64(syscall.EAGAIN) {
		t.Fatalf("want -EAGAIN, got %d", result(m))
	}
	if k.Sched.Count != 0 {
		t.Fatal("mismatch changed scheduler state")
	}
}

func TestFutexWaitSwitchesAndWakes(t *testing.T) {
	m, k := testKernel(t)
	m.Jump(0x5004)
	tid := cloneThread(t, m, k, 0x40000, 0, 0)
	childIdx := k.Sched.Current

	// Running as the child: wait on a futex whose value matches.
	const addr = 0x6000
	m.WriteU32(addr, 1)
	m.SetSysargs(addr, 0, 1)
	m.Ecall(nrFutex)

	// Switched back to the parent, which sees the clone return value.
	if k.Sched.Current == childIdx {
		t.Fatal("futex wait did not switch threads")
	}
	if m.Reg(riscv64.REG_A0) != uint64(tid) {
		t.Fatalf("parent a0 after switch: %d", m.Reg(riscv64.REG_A0))
	}
	if !k.Sched.Threads[childIdx].Waiting {
		t.Fatal("waiter not marked waiting")
	}

	// Parent wakes the futex; no eager switch.
	cur := k.Sched.Current
	m.SetSysargs(addr, 1 /*FUTEX_WAKE*/, 1)
	m.Ecall(nrFutex)
	if result(m) != 1 {
		t.Fatalf("wake count: %d", result(m))
	}
	if k.Sched.Current != cur {
		t.Fatal("wake switched eagerly")
	}
	if k.Sched.Threads[childIdx].Waiting {
		t.Fatal("waiter still marked waiting after wake")
	}
}

func TestLoneFutexWaiterDegrades(t *testing.T) {
	m, k := testKernel(t)
	k.Sched.Init(1)
	const addr = 0x6000
	m.WriteU32(addr, 7)
	m.SetSysargs(addr, 0, 7)
	m.Ecall(nrFutex)
	if result(m) != -int64(syscall.EAGAIN) {
		t.Fatalf("lone waiter should degrade to -EAGAIN, got %d", result(m))
	}
}

func TestThreadExitClearsChildTid(t *testing.T) {
	m, k := testKernel(t)
	m.Jump(0x5004)
	const ctid = 0x6000
	m.WriteU32(ctid, 99)
	cloneThread(t, m, k, 0x40000, 0, ctid)
	childIdx := k.Sched.Current

	// Child exits; the tid slot is zeroed and the parent resumes.
	m.SetSysargs(0)
	m.Ecall(nrExit)
	if v, _ := m.ReadU32(ctid); v != 0 {
		t.Fatal("clear_child_tid not zeroed on exit")
	}
	if k.Sched.Threads[childIdx].Active {
		t.Fatal("exited thread still active")
	}
	if k.Sched.Count != 1 {
		t.Fatalf("count after exit: %d", k.Sched.Count)
	}
	if k.Sched.Current == childIdx {
		t.Fatal("did not switch off the exited thread")
	}
}

func TestQuantumPreemption(t *testing.T) {
	m, k := testKernel(t)
	m.Jump(0x5004)
	cloneThread(t, m, k, 0x40000, 0, 0)
	childIdx := k.Sched.Current

	// Leave the child one unit of budget: the first clock_gettime spends
	// it, the second must switch.
	k.Sched.Threads[childIdx].SyscallBudget = 1
	const tp = 0x6000
	m.SetSysargs(0, tp)
	m.Ecall(nrClockGettime)
	if k.Sched.Current != childIdx {
		t.Fatal("preempted with budget remaining")
	}
	m.SetSysargs(0, tp)
	m.Ecall(nrClockGettime)
	if k.Sched.Current == childIdx {
		t.Fatal("quantum expiry did not preempt")
	}
}

func TestSchedulerCountInvariant(t *testing.T) {
	m, k := testKernel(t)
	m.Jump(0x5004)
	cloneThread(t, m, k, 0x40000, 0, 0)
	cloneThread(t, m, k, 0x42000, 0, 0)
	active := 0
	for i := range k.Sched.Threads {
		if k.Sched.Threads[i].Active {
			active++
		}
	}
	if active != k.Sched.Count {
		t.Fatalf("count %d != active %d", k.Sched.Count, active)
	}
}

func TestExitGroupStopsMachine(t *testing.T) {
	m, _ := testKernel(t)
	m.SetSysargs(7)
	m.Ecall(nrExitGroup)
	if !m.Stopped() {
		t.Fatal("exit_group did not stop the machine")
	}
	if result(m) != 7 {
		t.Fatalf("exit code: %d", result(m))
	}
}
