package linux

import (
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
)

// Statfs64 is the riscv64 struct statfs layout.
type Statfs64 struct {
	Type    int64
	Bsize   int64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Fsid1   int32
	Fsid2   int32
	Namelen int64
	Frsize  int64
	Flags   int64
	Spare1  int64
	Spare2  int64
	Spare3  int64
	Spare4  int64
}

const tmpfsMagic = 0x01021994

func fakeStatfs() Statfs64 {
	return Statfs64{
		Type:    tmpfsMagic,
		Bsize:   4096,
		Blocks:  65536,
		Bfree:   32768,
		Bavail:  32768,
		Files:   1 << 20,
		Ffree:   1 << 19,
		Namelen: 255,
		Frsize:  4096,
	}
}

func (k *LinuxKernel) Statfs(path string, buf co.Obuf) uint64 {
	if k.Fs.Resolve(path) == nil {
		return errno(syscall.ENOENT)
	}
	st := fakeStatfs()
	if err := buf.Pack(&st); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

func (k *LinuxKernel) Fstatfs(fd co.Fd, buf co.Obuf) uint64 {
	st := fakeStatfs()
	if err := buf.Pack(&st); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

func (k *LinuxKernel) Truncate(path string, length uint64) uint64 {
	fd, err := k.Fs.Open(path, 0)
	if err != nil {
		return co.Errno(err)
	}
	defer k.Fs.Close(fd)
	return co.Errno(k.Fs.Ftruncate(fd, length))
}

func (k *LinuxKernel) Fchown(fd co.Fd, uid, gid int) uint64 {
	return 0
}

func (k *LinuxKernel) Sync() uint64      { return 0 }
func (k *LinuxKernel) Fdatasync(fd co.Fd) uint64 {
	return 0
}

func (k *LinuxKernel) Utimensat(dirfd co.Fd, path string, times co.Ptr, flags int) uint64 {
	// Timestamps are accepted; mtime is cosmetic in this VFS.
	return 0
}

func (k *LinuxKernel) Getitimer(which int, value co.Ptr) uint64 {
	return 0
}

func (k *LinuxKernel) Setitimer(which int, value, old co.Ptr) uint64 {
	// Timers would need signal delivery to matter.
	return 0
}

func (k *LinuxKernel) Times(buf co.Ptr) uint64 {
	if buf != 0 {
		mem := k.M.Mem()
		for i := uint64(0); i < 4; i++ {
			if err := mem.WriteU64(uint64(buf)+i*8, 0); err != nil {
				return errno(syscall.EFAULT)
			}
		}
	}
	insns, _ := k.M.Counters()
	// Fake a clock from the instruction counter, 100 ticks/second.
	return insns / 10_000_000
}

func (k *LinuxKernel) Setpgid(pid, pgid int) uint64 { return 0 }
func (k *LinuxKernel) Getsid(pid int) uint64        { return 1 }
func (k *LinuxKernel) Setsid() uint64               { return 1 }

func (k *LinuxKernel) Getrusage(who int, usage co.Obuf) uint64 {
	// struct rusage: 2 timevals + 14 longs, all zero.
	zero := make([]byte, 18*8)
	if err := k.M.Mem().Memcpy(usage.Addr, zero); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

// Timeval is the 64-bit struct timeval layout.
type Timeval struct {
	Sec  int64
	Usec int64
}

func (k *LinuxKernel) Gettimeofday(tv, tz co.Ptr) uint64 {
	if tv != 0 {
		now := hostNow()
		val := Timeval{Sec: now.Unix(), Usec: int64(now.Nanosecond() / 1000)}
		if err := co.NewBuf(k, uint64(tv)).Pack(&val); err != nil {
			return errno(syscall.EFAULT)
		}
	}
	return 0
}

func (k *LinuxKernel) Settimeofday(tv, tz co.Ptr) uint64 {
	return 0
}

func (k *LinuxKernel) Msync(addr, length uint64, flags int) uint64 { return 0 }
func (k *LinuxKernel) Mlock(addr, length uint64) uint64            { return 0 }
func (k *LinuxKernel) Munlock(addr, length uint64) uint64          { return 0 }
func (k *LinuxKernel) Mlockall(flags int) uint64                   { return 0 }
func (k *LinuxKernel) Munlockall() uint64                          { return 0 }

func (k *LinuxKernel) Mincore(addr, length uint64, vec co.Obuf) uint64 {
	// Everything in the arena counts as resident.
	pages := (length + pageSize - 1) / pageSize
	resident := make([]byte, pages)
	for i := range resident {
		resident[i] = 1
	}
	if err := k.M.Mem().Memcpy(vec.Addr, resident); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

// Pselect6 covers the rare shells that select on stdin instead of
// polling: anything ready returns immediately, otherwise the stdin
// yield gives the embedder a chance to feed input.
func (k *LinuxKernel) Pselect6() {
	m := k.M
	nfds := int(int32(m.Sysarg(0)))
	readfds := m.Sysarg(1)
	timeout := m.Sysarg(4)

	if nfds > 0 && readfds != 0 {
		bits, err := m.Mem().ReadU64(readfds)
		if err != nil {
			m.SetResult(-int64(syscall.EFAULT))
			return
		}
		if bits&1 != 0 { // fd 0 in the set
			if k.Stdin.HasData() || k.Stdin.EOF() {
				if err := m.Mem().WriteU64(readfds, 1); err != nil {
					m.SetResult(-int64(syscall.EFAULT))
					return
				}
				m.SetResult(1)
				return
			}
			zeroTimeout := false
			if timeout != 0 {
				sec, _ := m.Mem().ReadU64(timeout)
				nsec, _ := m.Mem().ReadU64(timeout + 8)
				zeroTimeout = sec == 0 && nsec == 0
			}
			if zeroTimeout {
				if err := m.Mem().WriteU64(readfds, 0); err != nil {
					m.SetResult(-int64(syscall.EFAULT))
					return
				}
				m.SetResult(0)
				return
			}
			k.yieldForStdin()
			return
		}
	}
	m.SetResult(0)
}

// Clone3 is refused so libc falls back to the classic clone path the
// scheduler implements.
func (k *LinuxKernel) Clone3(args co.Ptr, size co.Len) uint64 {
	return errno(syscall.ENOSYS)
}
