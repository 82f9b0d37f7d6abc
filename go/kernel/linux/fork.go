package linux

import (
	"log/slog"
	"syscall"

	"github.com/golang/snappy"

	"github.com/maceip/friscy/go/arch/riscv64"
	"github.com/maceip/friscy/go/models"
)

// MemRegion is one saved guest byte range; the bytes are held
// snappy-compressed on the host (the mmap region alone can span
// hundreds of megabytes for V8 workloads).
type MemRegion struct {
	Addr uint64
	Size uint64
	data []byte
}

func (r *MemRegion) save(mem models.Memory, addr, size uint64) error {
	if size == 0 {
		r.data = nil
		return nil
	}
	// BRK and RELRO pages may carry restrictive attributes; open the
	// range up so the copy-out cannot fault half way through.
	mem.SetPageAttr(addr, size, models.PageRWX)
	raw := make([]byte, size)
	if err := mem.MemcpyOut(raw, addr); err != nil {
		return err
	}
	r.Addr = addr
	r.Size = size
	r.data = snappy.Encode(nil, raw)
	return nil
}

func (r *MemRegion) restore(mem models.Memory) error {
	if len(r.data) == 0 {
		return nil
	}
	raw, err := snappy.Decode(nil, r.data)
	if err != nil {
		return err
	}
	if err := mem.Memcpy(r.Addr, raw); err != nil {
		return err
	}
	r.data = nil
	return nil
}

// ForkState is the single-slot cooperative fork store: parent
// registers, PC past the ecall, the four writable memory regions and
// the parent's open-fd set. A snapshot exists iff InChild is true.
type ForkState struct {
	Regs        [32]uint64
	PC          uint64
	ExitStatus  int
	ChildPid    int
	InChild     bool
	ChildReaped bool

	ExecData   MemRegion
	InterpData MemRegion
	StackData  MemRegion
	MmapData   MemRegion

	ParentOpenFds map[int]bool
}

// forkClone snapshots the parent and continues in place as the child.
// Every copy-out happens before InChild flips. Each region's pages are
// made rwx before it is copied; if a copy still fails, the call returns
// -EFAULT with InChild still false.
func (k *LinuxKernel) forkClone() {
	m := k.M
	if k.Fork.InChild {
		// Nested fork is refused.
		m.SetResult(-int64(syscall.EAGAIN))
		return
	}
	mem := m.Mem()
	slog.Debug("clone fork", "flags", m.Sysarg(0))

	for i := 0; i < 32; i++ {
		k.Fork.Regs[i] = m.Reg(i)
	}
	k.Fork.PC = m.PC() // already past the ecall
	k.Fork.ChildPid = k.NextPid
	k.NextPid++
	k.Fork.ExitStatus = 0

	// Region 1: main binary writable segments plus the BRK span where
	// musl places small allocations (the shell's $PWD lives here).
	saveEnd := k.Exec.ExecRwEnd
	if k.Exec.HeapStart > saveEnd {
		saveEnd = k.Exec.HeapStart
	}
	if k.Exec.ExecRwStart > 0 && saveEnd > k.Exec.ExecRwStart {
		if err := k.Fork.ExecData.save(mem, k.Exec.ExecRwStart, saveEnd-k.Exec.ExecRwStart); err != nil {
			m.SetResult(-int64(syscall.EFAULT))
			return
		}
	}

	// Region 2: interpreter data/BSS.
	if k.Exec.InterpRwStart > 0 && k.Exec.InterpRwEnd > k.Exec.InterpRwStart {
		if err := k.Fork.InterpData.save(mem, k.Exec.InterpRwStart, k.Exec.InterpRwEnd-k.Exec.InterpRwStart); err != nil {
			m.SetResult(-int64(syscall.EFAULT))
			return
		}
	}

	// Region 3: stack, from the live SP to the original stack top.
	sp := m.Reg(riscv64.REG_SP)
	if k.Exec.OriginalStackTop > sp {
		if err := k.Fork.StackData.save(mem, sp, k.Exec.OriginalStackTop-sp); err != nil {
			m.SetResult(-int64(syscall.EFAULT))
			return
		}
	}

	// Region 4: guest mmap allocations above the native heap (TLS and
	// libc malloc pages; musl mallocs via mmap, not brk).
	if k.Exec.HeapStart > 0 && k.Exec.HeapSize > 0 {
		mmapStart := k.Exec.HeapStart + k.Exec.HeapSize
		frontier := mem.MmapAllocate(0)
		if frontier > mmapStart {
			if err := k.Fork.MmapData.save(mem, mmapStart, frontier-mmapStart); err != nil {
				m.SetResult(-int64(syscall.EFAULT))
				return
			}
		}
	}

	k.Fork.ParentOpenFds = k.Fs.OpenFds()

	// Only flip after every save succeeded.
	k.Fork.InChild = true
	k.Fork.ChildReaped = false

	// You are the child.
	m.SetResult(0)
}

// forkChildExit restores the parent when the cooperative child exits.
func (k *LinuxKernel) forkChildExit(exitCode int) {
	m := k.M
	mem := m.Mem()
	k.Fork.ExitStatus = exitCode
	k.Fork.InChild = false

	// Permissions first: RELRO made data pages read-only under the
	// child, and a faulting copy-in would leave the parent half
	// restored.
	fixPerms := func(addr, size uint64) {
		if addr > 0 && size > 0 {
			mem.SetPageAttr(addr, size, models.PageRWX)
		}
	}
	saveEnd := k.Exec.ExecRwEnd
	if k.Exec.HeapStart > saveEnd {
		saveEnd = k.Exec.HeapStart
	}
	fixPerms(k.Exec.ExecRwStart, saveEnd-k.Exec.ExecRwStart)
	fixPerms(k.Exec.InterpRwStart, k.Exec.InterpRwEnd-k.Exec.InterpRwStart)
	if k.Fork.MmapData.Size > 0 {
		fixPerms(k.Fork.MmapData.Addr, k.Fork.MmapData.Size)
	}
	parentSp := k.Fork.Regs[riscv64.REG_SP]
	fixPerms(parentSp, k.Exec.OriginalStackTop-parentSp)

	for _, r := range []*MemRegion{
		&k.Fork.ExecData, &k.Fork.InterpData, &k.Fork.StackData, &k.Fork.MmapData,
	} {
		if err := r.restore(mem); err != nil {
			slog.Warn("fork restore failed", "addr", r.Addr, "err", err)
		}
	}

	// Undo the child's fd changes (dup2 redirections, pipes, opens).
	for _, fd := range k.Fs.OpenFdList() {
		if !k.Fork.ParentOpenFds[fd] {
			k.Fs.Close(fd)
		}
	}
	k.Fork.ParentOpenFds = nil

	// Back to the parent: registers, PC past the ecall, child pid as
	// the clone() return value.
	for i := 1; i < 32; i++ {
		m.SetReg(i, k.Fork.Regs[i])
	}
	m.Jump(k.Fork.PC)
	m.SetResult(int64(k.Fork.ChildPid))
}

func (k *LinuxKernel) Wait4() {
	m := k.M
	// One child is remembered; after it is reaped there are no more.
	if k.Fork.ChildReaped || k.Fork.ChildPid == 0 {
		m.SetResult(-int64(syscall.ECHILD))
		return
	}
	if wstatus := m.Sysarg(1); wstatus != 0 {
		if err := m.Mem().WriteU32(wstatus, uint32(models.WaitStatus(k.Fork.ExitStatus))); err != nil {
			m.SetResult(-int64(syscall.EFAULT))
			return
		}
	}
	k.Fork.ChildReaped = true
	m.SetResult(int64(k.Fork.ChildPid))
}
