// Package linux implements the Linux/riscv64 guest personality: the
// syscall surface, the cooperative thread scheduler, the fork
// snapshot store and the execve pipeline, all serviced against an
// in-memory VFS and a flat guest arena.
package linux

import (
	"log/slog"
	"math/rand"
	"syscall"

	"github.com/maceip/friscy/go/arch/riscv64"
	co "github.com/maceip/friscy/go/kernel/common"
	"github.com/maceip/friscy/go/models"
	"github.com/maceip/friscy/go/vfs"
)

// UnknownSyscall is the pseudo-number the fallback handler is
// installed under; CPU backends route unlisted syscall numbers there.
const UnknownSyscall = -1

type LinuxKernel struct {
	co.KernelBase

	Fs *vfs.FS

	Sched ThreadScheduler
	Fork  ForkState
	Exec  ExecContext

	Termios TermiosState
	// TtyFds tracks terminal-like fds; 0/1/2 are always present.
	TtyFds map[int]bool

	epoll       map[int]*EpollInstance
	nextEpollFd int

	Rng *rand.Rand

	Stdin *models.StdinQueue
	Term  *models.Terminal

	// WaitingForStdin is set when a handler rewound the PC and stopped
	// the machine because the stdin queue ran dry.
	WaitingForStdin bool
	// ExecveRestart is set when execve loaded a new binary and the run
	// loop must re-enter simulate with clean decoder caches.
	ExecveRestart bool

	NextPid int

	umask uint32
	brk   brkState
	bump  uint64
}

func DefaultKernel() *LinuxKernel {
	k := &LinuxKernel{
		Fs:          vfs.New(),
		TtyFds:      map[int]bool{0: true, 1: true, 2: true},
		epoll:       make(map[int]*EpollInstance),
		nextEpollFd: epollFdBase,
		Rng:         rand.New(rand.NewSource(0x66726973)),
		Stdin:       &models.StdinQueue{},
		Term:        &models.Terminal{},
		NextPid:     100,
		umask:       0022,
	}
	k.Termios = defaultTermios()
	return k
}

// NewKernel builds a kernel bound to m and installs every syscall
// handler plus the unknown-number fallback.
func NewKernel(m models.Machine) *LinuxKernel {
	kernel := DefaultKernel()
	kernel.M = m
	kernel.Install(m)
	return kernel
}

// Install wires the riscv64 syscall table into the machine. Each
// handler reads its arguments from a0..a5, runs, and writes a0 unless
// it transferred control itself.
func (k *LinuxKernel) Install(m models.Machine) {
	k.M = m
	for nr, name := range riscv64.LinuxSyscalls {
		name := name
		m.InstallSyscallHandler(nr, func(m models.Machine) {
			sys := co.Lookup(m, k, name)
			if sys == nil {
				slog.Warn("syscall handler missing", "name", name)
				m.SetResult(-int64(syscall.ENOSYS))
				return
			}
			args := make([]uint64, len(sys.In))
			for i := range args {
				args[i] = m.Sysarg(i)
			}
			if ret, ok := sys.Call(args); ok {
				m.SetResult(int64(ret))
			}
		})
	}
	m.InstallSyscallHandler(UnknownSyscall, func(m models.Machine) {
		slog.Warn("unknown syscall", "nr", int64(m.Reg(17)), "pc", m.PC())
		m.SetResult(-int64(syscall.ENOSYS))
	})
}

// yieldForStdin rewinds the PC one instruction and stops the machine;
// when the embedder resumes, the ecall re-executes the handler.
func (k *LinuxKernel) yieldForStdin() {
	k.WaitingForStdin = true
	k.M.IncrementPC(-riscv64.EcallSize)
	k.M.Stop()
}

func errno(no syscall.Errno) uint64 {
	return uint64(-int64(no))
}
