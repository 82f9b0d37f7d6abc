package linux

import (
	"log/slog"
	"syscall"

	"github.com/maceip/friscy/go/arch/riscv64"
	co "github.com/maceip/friscy/go/kernel/common"
	"github.com/maceip/friscy/go/models"
)

// clone(2) flag bits the scheduler cares about.
const (
	CLONE_VM             = 0x00000100
	CLONE_VFORK          = 0x00004000
	CLONE_THREAD         = 0x00010000
	CLONE_SETTLS         = 0x00080000
	CLONE_PARENT_SETTID  = 0x00100000
	CLONE_CHILD_CLEARTID = 0x00200000
)

// MaxVThreads bounds the cooperative thread table.
const MaxVThreads = 8

// ThreadQuantum is the per-slice syscall budget before a forced yield.
const ThreadQuantum = 50000

// VThread is one cooperative thread slot. The running thread's live
// state is the CPU's register file, not its slot; slots are written on
// switch.
type VThread struct {
	Regs          [32]uint64
	PC            uint64
	Tid           int
	Active        bool
	Waiting       bool
	FutexAddr     uint64
	FutexVal      int32
	ClearChildTid uint64
	SyscallBudget uint64
}

// ThreadScheduler is the fixed cooperative N:1 thread table. The main
// thread claims slot 0 lazily on the first thread clone.
type ThreadScheduler struct {
	Threads [MaxVThreads]VThread
	Current int
	Count   int
}

func (s *ThreadScheduler) Init(mainTid int) {
	s.Threads[0] = VThread{Tid: mainTid, Active: true}
	s.Current = 0
	s.Count = 1
}

func (s *ThreadScheduler) AddThread(tid int) int {
	for i := range s.Threads {
		if !s.Threads[i].Active {
			s.Threads[i] = VThread{
				Tid:           tid,
				Active:        true,
				SyscallBudget: ThreadQuantum,
			}
			s.Count++
			return i
		}
	}
	return -1
}

// NextRunnable finds an active, non-waiting slot other than skip.
func (s *ThreadScheduler) NextRunnable(skip int) int {
	for i := range s.Threads {
		if i != skip && s.Threads[i].Active && !s.Threads[i].Waiting {
			return i
		}
	}
	return -1
}

// Wake clears waiting on up to maxWake slots blocked on addr.
func (s *ThreadScheduler) Wake(addr uint64, maxWake int) int {
	woken := 0
	for i := range s.Threads {
		if woken >= maxWake {
			break
		}
		if s.Threads[i].Active && s.Threads[i].Waiting && s.Threads[i].FutexAddr == addr {
			s.Threads[i].Waiting = false
			woken++
		}
	}
	return woken
}

func (s *ThreadScheduler) Remove(idx int) {
	if s.Threads[idx].Active {
		s.Threads[idx].Active = false
		s.Threads[idx].Waiting = false
		s.Count--
	}
}

func saveThread(m models.Machine, t *VThread) {
	for i := 0; i < 32; i++ {
		t.Regs[i] = m.Reg(i)
	}
	t.PC = m.PC()
}

func restoreThread(m models.Machine, t *VThread) {
	for i := 1; i < 32; i++ {
		m.SetReg(i, t.Regs[i])
	}
	m.Jump(t.PC)
}

// switchToThread swaps the CPU register file from the current slot to
// target, resetting the target's quantum.
func (k *LinuxKernel) switchToThread(target int) bool {
	if target < 0 || target == k.Sched.Current {
		return false
	}
	cur := &k.Sched.Threads[k.Sched.Current]
	tgt := &k.Sched.Threads[target]
	saveThread(k.M, cur)
	restoreThread(k.M, tgt)
	k.Sched.Current = target
	tgt.SyscallBudget = ThreadQuantum
	return true
}

// maybePreempt burns one unit of the running thread's syscall budget
// and force-switches when it runs out, so compute loops that only call
// clock_gettime still share the core.
func (k *LinuxKernel) maybePreempt() {
	if k.Sched.Count <= 1 {
		return
	}
	cur := &k.Sched.Threads[k.Sched.Current]
	if cur.SyscallBudget > 0 {
		cur.SyscallBudget--
		return
	}
	next := k.Sched.NextRunnable(k.Sched.Current)
	if next >= 0 {
		slog.Debug("preempt", "from", k.Sched.Current, "to", next)
		k.switchToThread(next)
	} else {
		cur.SyscallBudget = ThreadQuantum
	}
}

// Clone handles both thread creation and fork. Thread creation flips
// the CPU into the child context directly; fork snapshots the parent
// (fork.go) and continues in place as the child.
func (k *LinuxKernel) Clone() {
	m := k.M
	flags := m.Sysarg(0)

	if flags&CLONE_THREAD != 0 || (flags&CLONE_VM != 0 && flags&CLONE_VFORK == 0) {
		childStack := m.Sysarg(1)
		tid := k.NextPid
		k.NextPid++

		if flags&CLONE_PARENT_SETTID != 0 {
			if ptid := m.Sysarg(2); ptid != 0 {
				if err := m.Mem().WriteU32(ptid, uint32(tid)); err != nil {
					m.SetResult(-int64(syscall.EFAULT))
					return
				}
			}
		}

		if k.Sched.Count == 0 {
			k.Sched.Init(1)
		}
		childIdx := k.Sched.AddThread(tid)
		if childIdx < 0 {
			// Table full: pretend the thread exists; it never runs.
			slog.Warn("thread slots full", "tid", tid)
			m.SetResult(int64(tid))
			return
		}

		parentIdx := k.Sched.Current
		saveThread(m, &k.Sched.Threads[parentIdx])
		// The parent resumes from clone() with the child tid in a0.
		k.Sched.Threads[parentIdx].Regs[riscv64.REG_A0] = uint64(tid)

		// Become the child: fresh stack, a0 = 0, optional TLS.
		m.SetReg(riscv64.REG_SP, childStack)
		m.SetResult(0)
		if flags&CLONE_SETTLS != 0 {
			m.SetReg(riscv64.REG_TP, m.Sysarg(3))
		}
		if flags&CLONE_CHILD_CLEARTID != 0 {
			k.Sched.Threads[childIdx].ClearChildTid = m.Sysarg(4)
		}
		k.Sched.Current = childIdx
		k.Sched.Threads[childIdx].PC = m.PC()
		slog.Debug("clone thread", "tid", tid, "stack", childStack)
		return
	}

	k.forkClone()
}

func (k *LinuxKernel) Futex() {
	m := k.M
	uaddr := m.Sysarg(0)
	op := int(m.Sysarg(1))

	// Mask FUTEX_PRIVATE_FLAG and FUTEX_CLOCK_REALTIME.
	cmd := op & 0x7f
	const (
		futexWait       = 0
		futexWake       = 1
		futexWaitBitset = 9
		futexWakeBitset = 10
	)

	switch cmd {
	case futexWait, futexWaitBitset:
		expected := int32(m.Sysarg(2))
		actual, err := m.Mem().ReadU32(uaddr)
		if err != nil {
			m.SetResult(-int64(syscall.EFAULT))
			return
		}
		if int32(actual) != expected {
			m.SetResult(-int64(syscall.EAGAIN))
			return
		}

		if k.Sched.Count > 1 {
			cur := &k.Sched.Threads[k.Sched.Current]
			cur.Waiting = true
			cur.FutexAddr = uaddr
			cur.FutexVal = expected
			// When this thread resumes, it was woken: a0 = 0.
			m.SetResult(0)

			if next := k.Sched.NextRunnable(k.Sched.Current); next >= 0 {
				k.switchToThread(next)
				return
			}
			// Every thread is waiting: cooperative deadlock. Force-wake
			// one so it can observe whatever was stored before the
			// wait; the guest sees a spurious wake.
			for i := range k.Sched.Threads {
				if i != k.Sched.Current && k.Sched.Threads[i].Active && k.Sched.Threads[i].Waiting {
					k.Sched.Threads[i].Waiting = false
					slog.Debug("futex deadlock break", "woke", i)
					k.switchToThread(i)
					return
				}
			}
			cur.Waiting = false
		}

		if k.Sched.Count <= 1 {
			// A lone waiter can never be woken; break the spin.
			m.SetResult(-int64(syscall.EAGAIN))
			return
		}
		if err := m.Mem().WriteU32(uaddr, 0); err != nil {
			m.SetResult(-int64(syscall.EFAULT))
			return
		}
		m.SetResult(0)

	case futexWake, futexWakeBitset:
		maxWake := int(int32(m.Sysarg(2)))
		woken := k.Sched.Wake(uaddr, maxWake)
		// No eager switch: the waker runs to its next preemption point.
		m.SetResult(int64(woken))

	default:
		m.SetResult(-int64(syscall.ENOSYS))
	}
}

func (k *LinuxKernel) SchedYield() {
	m := k.M
	m.SetResult(0)
	if k.Sched.Count > 1 {
		if next := k.Sched.NextRunnable(k.Sched.Current); next >= 0 {
			k.switchToThread(next)
		}
	}
}

func (k *LinuxKernel) SetTidAddress(tidptr co.Ptr) uint64 {
	if k.Sched.Count > 0 {
		cur := &k.Sched.Threads[k.Sched.Current]
		cur.ClearChildTid = uint64(tidptr)
		return uint64(cur.Tid)
	}
	return 1
}

func (k *LinuxKernel) SetRobustList(head co.Ptr, size co.Len) uint64 {
	return 0
}

// Exit ends a cooperative thread, a fork child, or the process.
func (k *LinuxKernel) Exit() {
	m := k.M
	exitCode := int(int32(m.Sysarg(0)))

	if k.Sched.Count > 1 && k.Sched.Current != 0 {
		exiting := k.Sched.Current
		t := &k.Sched.Threads[exiting]
		slog.Debug("thread exit", "tid", t.Tid, "code", exitCode)

		// CLONE_CHILD_CLEARTID: zero the tid slot and wake one waiter;
		// pthread_join detects completion this way.
		if t.ClearChildTid != 0 {
			if err := m.Mem().WriteU32(t.ClearChildTid, 0); err == nil {
				k.Sched.Wake(t.ClearChildTid, 1)
			}
		}
		k.Sched.Remove(exiting)

		if next := k.Sched.NextRunnable(exiting); next >= 0 {
			restoreThread(m, &k.Sched.Threads[next])
			k.Sched.Current = next
			return
		}
		// Nothing left to run; fall through to process exit.
	}

	if k.Fork.InChild {
		k.forkChildExit(exitCode)
		return
	}

	slog.Debug("exit", "code", exitCode)
	m.Stop()
	m.SetResult(int64(exitCode))
}

func (k *LinuxKernel) ExitGroup() {
	m := k.M
	exitCode := int(int32(m.Sysarg(0)))

	if k.Fork.InChild {
		k.Exit()
		return
	}

	// exit_group kills every cooperative thread.
	for i := range k.Sched.Threads {
		k.Sched.Threads[i].Active = false
		k.Sched.Threads[i].Waiting = false
	}
	k.Sched.Count = 0

	m.Stop()
	m.SetResult(int64(exitCode))
}
