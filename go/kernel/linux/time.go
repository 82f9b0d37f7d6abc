package linux

import (
	"syscall"
	"time"

	co "github.com/maceip/friscy/go/kernel/common"
)

// hostNow is swappable so tests get deterministic timestamps.
var hostNow = time.Now

// Timespec is the 64-bit struct timespec layout.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// ClockGettime collapses every clock id to the host realtime clock.
// It is also the hot-path preemption point: each call burns quantum,
// so it manages a0 itself before any switch.
func (k *LinuxKernel) ClockGettime(clkID int, tp co.Obuf) {
	now := hostNow()
	ts := Timespec{Sec: now.Unix(), Nsec: int64(now.Nanosecond())}
	if err := tp.Pack(&ts); err != nil {
		k.M.SetResult(-int64(syscall.EFAULT))
		return
	}
	k.M.SetResult(0)
	k.maybePreempt()
}

func (k *LinuxKernel) ClockGetres(clkID int, res co.Ptr) uint64 {
	if res != 0 {
		mem := k.M.Mem()
		if err := mem.WriteU64(uint64(res), 0); err != nil {
			return errno(syscall.EFAULT)
		}
		// 1ms, matching the embedder's sleep granularity.
		if err := mem.WriteU64(uint64(res)+8, 1000000); err != nil {
			return errno(syscall.EFAULT)
		}
	}
	return 0
}

// hostSleep is swappable so tests do not actually sleep.
var hostSleep = time.Sleep

func (k *LinuxKernel) Nanosleep(req co.Buf, rem co.Ptr) {
	var ts Timespec
	if err := req.Unpack(&ts); err != nil {
		k.M.SetResult(-int64(syscall.EFAULT))
		return
	}
	k.M.SetResult(0)
	// A sleeping thread is a natural yield point.
	if k.Sched.Count > 1 {
		if next := k.Sched.NextRunnable(k.Sched.Current); next >= 0 {
			k.switchToThread(next)
			return
		}
	}
	d := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	hostSleep(d)
}
