package linux

import (
	co "github.com/maceip/friscy/go/kernel/common"
)

// Signals are never delivered; the whole family acknowledges and moves
// on so guest libc setup code keeps going.

func (k *LinuxKernel) RtSigaction(sig int, act, oldact co.Ptr) uint64 {
	return 0
}

func (k *LinuxKernel) RtSigprocmask(how int, set, oldset co.Ptr, sigsetsize co.Len) uint64 {
	return 0
}

func (k *LinuxKernel) Sigaltstack(ss, oldSs co.Ptr) uint64 {
	return 0
}

func (k *LinuxKernel) RtSigreturn() uint64 {
	return 0
}
