package linux

import (
	"fmt"
	"os"
	"syscall"

	"github.com/mgutz/ansi"

	"github.com/maceip/friscy/go/arch/riscv64"
	co "github.com/maceip/friscy/go/kernel/common"
	"github.com/maceip/friscy/go/models"
)

func (k *LinuxKernel) Getpid() uint64  { return 1 }
func (k *LinuxKernel) Getppid() uint64 { return 0 }
func (k *LinuxKernel) Getuid() uint64  { return 0 }
func (k *LinuxKernel) Geteuid() uint64 { return 0 }
func (k *LinuxKernel) Getgid() uint64  { return 0 }
func (k *LinuxKernel) Getegid() uint64 { return 0 }
func (k *LinuxKernel) Getpgid() uint64 { return 1 }

func (k *LinuxKernel) Gettid() uint64 {
	if k.Sched.Count > 0 {
		return uint64(k.Sched.Threads[k.Sched.Current].Tid)
	}
	return 1
}

func (k *LinuxKernel) Getresuid(ruid, euid, suid co.Ptr) uint64 {
	mem := k.M.Mem()
	for _, addr := range []co.Ptr{ruid, euid, suid} {
		if addr != 0 {
			if err := mem.WriteU32(uint64(addr), 0); err != nil {
				return errno(syscall.EFAULT)
			}
		}
	}
	return 0
}

func (k *LinuxKernel) Getresgid(rgid, egid, sgid co.Ptr) uint64 {
	return k.Getresuid(rgid, egid, sgid)
}

func (k *LinuxKernel) Getgroups(size int, list co.Ptr) uint64 {
	// No supplementary groups.
	return 0
}

func (k *LinuxKernel) Umask(mask uint32) uint64 {
	old := k.umask
	k.umask = mask & 0777
	return uint64(old)
}

const utsFieldLen = 65

// Uname reports a fixed Linux identity; the machine field must say
// riscv64 or guest runtimes refuse to start.
func (k *LinuxKernel) Uname(buf co.Obuf) uint64 {
	fields := []string{
		"Linux",
		"friscy",
		"6.1.0-friscy",
		"#1 SMP PREEMPT_DYNAMIC",
		"riscv64",
		"(none)",
	}
	out := make([]byte, 0, utsFieldLen*len(fields))
	for _, f := range fields {
		out = append(out, models.Pad([]byte(f), utsFieldLen)...)
	}
	if err := k.M.Mem().Memcpy(buf.Addr, out); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

// Sysinfo is the riscv64 struct sysinfo layout.
type Sysinfo struct {
	Uptime    int64
	Loads1    uint64
	Loads2    uint64
	Loads3    uint64
	Totalram  uint64
	Freeram   uint64
	Sharedram uint64
	Bufferram uint64
	Totalswap uint64
	Freeswap  uint64
	Procs     uint16
	Pad       uint16
	Pad2      uint32
	Totalhigh uint64
	Freehigh  uint64
	MemUnit   uint32
	Pad3      uint32
}

func (k *LinuxKernel) Sysinfo(buf co.Obuf) uint64 {
	si := Sysinfo{
		Uptime:   100,
		Totalram: 256 << 20,
		Freeram:  128 << 20,
		Procs:    1,
		MemUnit:  1,
	}
	if err := buf.Pack(&si); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

// rlimit resources with non-default values.
const (
	RLIMIT_STACK  = 3
	RLIMIT_NOFILE = 7
	RLIMIT_AS     = 9
)

func rlimitFor(resource uint32) (cur, max uint64) {
	switch resource {
	case RLIMIT_NOFILE:
		return 1024, 1024
	case RLIMIT_STACK:
		return 8 << 20, ^uint64(0)
	default:
		return ^uint64(0), ^uint64(0)
	}
}

func (k *LinuxKernel) Prlimit64(pid int, resource uint32, newRlim, oldRlim co.Ptr) uint64 {
	cur, max := rlimitFor(resource)
	if oldRlim != 0 {
		mem := k.M.Mem()
		if err := mem.WriteU64(uint64(oldRlim), cur); err != nil {
			return errno(syscall.EFAULT)
		}
		if err := mem.WriteU64(uint64(oldRlim)+8, max); err != nil {
			return errno(syscall.EFAULT)
		}
	}
	// New limits are accepted and ignored.
	return 0
}

func (k *LinuxKernel) Getrlimit(resource uint32, rlim co.Ptr) uint64 {
	cur, max := rlimitFor(resource)
	if rlim != 0 {
		mem := k.M.Mem()
		if err := mem.WriteU64(uint64(rlim), cur); err != nil {
			return errno(syscall.EFAULT)
		}
		if err := mem.WriteU64(uint64(rlim)+8, max); err != nil {
			return errno(syscall.EFAULT)
		}
	}
	return 0
}

func (k *LinuxKernel) Capget(hdr, data co.Ptr) uint64 {
	return errno(syscall.EPERM)
}

func (k *LinuxKernel) Prctl(option int) uint64 { return 0 }

func (k *LinuxKernel) Membarrier(cmd, flags int) uint64 {
	if cmd == 0 {
		// MEMBARRIER_CMD_QUERY: no commands supported, callers fall
		// back to compiler barriers. Single core needs nothing more.
		return 0
	}
	return errno(syscall.ENOSYS)
}

func (k *LinuxKernel) Rseq(rseq co.Ptr, len uint32, flags int, sig uint32) uint64 {
	return errno(syscall.ENOSYS)
}

func (k *LinuxKernel) RiscvHwprobe(pairs co.Ptr, count co.Len, cpuCount co.Len, cpus co.Ptr, flags uint32) uint64 {
	// musl falls back gracefully.
	return errno(syscall.ENOSYS)
}

func (k *LinuxKernel) IoUringSetup(entries uint32, params co.Ptr) uint64 {
	return errno(syscall.ENOSYS)
}

func (k *LinuxKernel) SchedGetscheduler(pid int) uint64 {
	return 0 // SCHED_OTHER
}

func (k *LinuxKernel) SchedGetparam(pid int, param co.Ptr) uint64 {
	if err := k.M.Mem().WriteU32(uint64(param), 0); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

func (k *LinuxKernel) SchedGetaffinity(pid int, size co.Len, mask co.Ptr) uint64 {
	// One core.
	if err := k.M.Mem().WriteU64(uint64(mask), 1); err != nil {
		return errno(syscall.EFAULT)
	}
	return 8
}

func (k *LinuxKernel) Kill(pid, sig int) uint64 {
	if pid <= 1 || pid == k.Fork.ChildPid {
		// Signal delivery does not exist; accepting the call keeps
		// shells and init-style loops moving.
		return 0
	}
	return errno(syscall.ESRCH)
}

func (k *LinuxKernel) Tkill(tid, sig int) uint64 {
	const SIGABRT = 6
	if sig == SIGABRT {
		k.dumpAbort()
	}
	return 0
}

func (k *LinuxKernel) Tgkill(tgid, tid, sig int) uint64 {
	return k.Tkill(tid, sig)
}

// dumpAbort prints a best-effort diagnostic when the guest aborts:
// registers, strings reachable from argument registers, stack words
// that look like return addresses, and the frame-pointer chain.
func (k *LinuxKernel) dumpAbort() {
	m := k.M
	mem := m.Mem()
	hdr := ansi.Color("[abort]", "red+b")
	fmt.Fprintf(os.Stderr, "%s tkill(SIGABRT) PC=0x%x RA=0x%x SP=0x%x\n",
		hdr, m.PC(), m.Reg(riscv64.REG_RA), m.Reg(riscv64.REG_SP))

	for r := 1; r < 32; r++ {
		if val := m.Reg(r); val != 0 {
			fmt.Fprintf(os.Stderr, "  %s=0x%x", ansi.Color(fmt.Sprintf("x%d", r), "yellow"), val)
		}
	}
	fmt.Fprintln(os.Stderr)

	arena := mem.ArenaSize()
	for _, r := range []int{10, 11, 12, 13, 14, 15} {
		addr := m.Reg(r)
		if addr > 0x10000 && addr < arena {
			if s, err := mem.MemString(addr); err == nil && s != "" && len(s) < 256 && printable(s) {
				fmt.Fprintf(os.Stderr, "  x%d string: %q\n", r, s)
			}
		}
	}

	sp := m.Reg(riscv64.REG_SP)
	fmt.Fprintf(os.Stderr, "%s stack words near SP:\n", hdr)
	for i := uint64(0); i < 32; i++ {
		val, err := mem.ReadU64(sp + i*8)
		if err != nil {
			break
		}
		if val > PIEBase && val < arena {
			fmt.Fprintf(os.Stderr, "  SP+%d: 0x%x", i*8, val)
		}
	}
	fmt.Fprintln(os.Stderr)

	fp := m.Reg(riscv64.REG_FP)
	fmt.Fprintf(os.Stderr, "%s FP chain:\n", hdr)
	for i := 0; i < 20 && fp > PIEBase && fp < arena; i++ {
		savedRa, err1 := mem.ReadU64(fp - 8)
		savedFp, err2 := mem.ReadU64(fp - 16)
		if err1 != nil || err2 != nil {
			break
		}
		fmt.Fprintf(os.Stderr, "  [%d] RA=0x%x FP=0x%x\n", i, savedRa, savedFp)
		fp = savedFp
	}
}

func printable(s string) bool {
	for _, c := range s {
		if c < 32 && c != '\n' && c != '\t' {
			return false
		}
	}
	return true
}
