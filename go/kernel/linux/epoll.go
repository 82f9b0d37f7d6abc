package linux

import (
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
	"github.com/maceip/friscy/go/vfs"
)

// Epoll fds are synthesized above socket-fd territory (sockets start
// at 1000 in the network shim).
const epollFdBase = 2000

const (
	EPOLLIN  = 0x01
	EPOLLOUT = 0x04
	EPOLLERR = 0x08
	EPOLLHUP = 0x10
)

const (
	EPOLL_CTL_ADD = 1
	EPOLL_CTL_DEL = 2
	EPOLL_CTL_MOD = 3
)

type EpollInterest struct {
	Events uint32
	// Data is the caller's cookie, returned verbatim by epoll_pwait.
	Data uint64
}

type EpollInstance struct {
	Interests map[int]EpollInterest
}

func (k *LinuxKernel) EpollCreate1(flags int) uint64 {
	fd := k.nextEpollFd
	k.nextEpollFd++
	k.epoll[fd] = &EpollInstance{Interests: make(map[int]EpollInterest)}
	return uint64(fd)
}

func (k *LinuxKernel) EpollCtl(epfd co.Fd, op int, fd co.Fd, event co.Buf) uint64 {
	inst, ok := k.epoll[int(epfd)]
	if !ok {
		return errno(syscall.EBADF)
	}
	mem := k.M.Mem()
	switch op {
	case EPOLL_CTL_ADD, EPOLL_CTL_MOD:
		// struct epoll_event { u32 events; u64 data; } packed to 16
		// bytes on riscv64.
		events, err := mem.ReadU32(event.Addr)
		if err != nil {
			return errno(syscall.EFAULT)
		}
		data, err := mem.ReadU64(event.Addr + 8)
		if err != nil {
			return errno(syscall.EFAULT)
		}
		inst.Interests[int(fd)] = EpollInterest{Events: events, Data: data}
		return 0
	case EPOLL_CTL_DEL:
		delete(inst.Interests, int(fd))
		return 0
	}
	return errno(syscall.EINVAL)
}

// epollReady synthesizes revents for one interest.
func (k *LinuxKernel) epollReady(fd int, interest EpollInterest) uint32 {
	var revents uint32
	switch {
	case fd == 0:
		if interest.Events&EPOLLIN != 0 {
			if k.Stdin.HasData() {
				revents |= EPOLLIN
			} else if k.Stdin.EOF() {
				revents |= EPOLLHUP
			}
		}
	case fd == 1 || fd == 2:
		if interest.Events&EPOLLOUT != 0 {
			revents |= EPOLLOUT
		}
	case k.Fs.IsOpen(fd):
		node := k.Fs.GetNode(fd)
		if node != nil && node.Kind == vfs.Fifo {
			if interest.Events&EPOLLIN != 0 && len(node.Content) > 0 {
				revents |= EPOLLIN
			}
			if interest.Events&EPOLLOUT != 0 {
				revents |= EPOLLOUT
			}
		} else {
			// Regular files are always ready.
			revents |= interest.Events & (EPOLLIN | EPOLLOUT)
		}
	}
	return revents
}

// EpollPwait manages a0 itself: the yield path must leave the argument
// registers intact for the re-executed ecall.
func (k *LinuxKernel) EpollPwait(epfd co.Fd, events co.Obuf, maxevents int, timeout co.Off, sigmask co.Ptr) {
	m := k.M
	ret := func(v uint64) { m.SetResult(int64(v)) }
	inst, ok := k.epoll[int(epfd)]
	if !ok {
		ret(errno(syscall.EBADF))
		return
	}
	mem := m.Mem()
	ready := 0
	for fd, interest := range inst.Interests {
		if ready >= maxevents {
			break
		}
		revents := k.epollReady(fd, interest)
		if revents == 0 {
			continue
		}
		offset := events.Addr + uint64(ready)*16
		if err := mem.WriteU32(offset, revents); err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		if err := mem.WriteU32(offset+4, 0); err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		if err := mem.WriteU64(offset+8, interest.Data); err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		ready++
	}
	if ready > 0 {
		ret(uint64(ready))
		return
	}
	if timeout == 0 {
		ret(0)
		return
	}
	// Nothing ready with a real timeout: yield so host timers and
	// stdin can make progress, then the re-executed ecall re-polls.
	k.yieldForStdin()
}
