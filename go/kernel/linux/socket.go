package linux

import (
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
	"github.com/maceip/friscy/go/vfs"
)

// Socketpair is approximated as two unidirectional FIFOs: sv[0] is the
// write end, sv[1] the read end. Half-close and ancillary data are
// unsupported and will diverge from Linux.
func (k *LinuxKernel) Socketpair(domain, typ, protocol int, sv co.Obuf) uint64 {
	pipeA := &vfs.Node{Kind: vfs.Fifo, Mode: 0600}
	pipeB := &vfs.Node{Kind: vfs.Fifo, Mode: 0600}

	fd0Read := k.Fs.OpenPipe(pipeA, 0)
	fd0Write := k.Fs.OpenPipe(pipeB, 1)
	fd1Read := k.Fs.OpenPipe(pipeB, 0)
	fd1Write := k.Fs.OpenPipe(pipeA, 1)

	// Most socketpair usage is parent-writes, child-reads; collapse to
	// one direction and drop the unused ends.
	k.Fs.Close(fd0Write)
	k.Fs.Close(fd1Read)

	mem := k.M.Mem()
	if err := mem.WriteU32(sv.Addr, uint32(fd1Write)); err != nil {
		return errno(syscall.EFAULT)
	}
	if err := mem.WriteU32(sv.Addr+4, uint32(fd0Read)); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

// Eventfd2 is a notification fd backed by a FIFO node: write
// appends the 8-byte counter, read consumes it.
func (k *LinuxKernel) Eventfd2(initval uint32, flags int) uint64 {
	node := &vfs.Node{
		Kind:    vfs.Fifo,
		Mode:    0600,
		Content: make([]byte, 0, 8),
	}
	fd := k.Fs.OpenPipe(node, 0)
	return uint64(fd)
}

// msghdr field offsets on riscv64.
const (
	msghdrIov    = 16
	msghdrIovlen = 24
	msghdrCtlLen = 40
	msghdrFlags  = 48
)

func (k *LinuxKernel) Sendmsg(fd co.Fd, msghdr co.Buf, flags int) uint64 {
	mem := k.M.Mem()
	iovAddr, err := mem.ReadU64(msghdr.Addr + msghdrIov)
	if err != nil {
		return errno(syscall.EFAULT)
	}
	iovlen, err := mem.ReadU64(msghdr.Addr + msghdrIovlen)
	if err != nil {
		return errno(syscall.EFAULT)
	}
	var total uint64
	for i := uint64(0); i < iovlen && i < 16; i++ {
		base, length, err := k.iovec(iovAddr, int(i))
		if err != nil {
			return errno(syscall.EFAULT)
		}
		if length == 0 {
			continue
		}
		tmp := make([]byte, length)
		if err := mem.MemcpyOut(tmp, base); err != nil {
			return errno(syscall.EFAULT)
		}
		n, werr := k.Fs.Write(int(fd), tmp)
		if werr != nil {
			if total > 0 {
				return total
			}
			return co.Errno(werr)
		}
		total += uint64(n)
		if uint64(n) < length {
			break
		}
	}
	return total
}

func (k *LinuxKernel) Recvmsg(fd co.Fd, msghdr co.Buf, flags int) uint64 {
	mem := k.M.Mem()
	iovAddr, err := mem.ReadU64(msghdr.Addr + msghdrIov)
	if err != nil {
		return errno(syscall.EFAULT)
	}
	iovlen, err := mem.ReadU64(msghdr.Addr + msghdrIovlen)
	if err != nil {
		return errno(syscall.EFAULT)
	}
	var total uint64
	for i := uint64(0); i < iovlen && i < 16; i++ {
		base, length, err := k.iovec(iovAddr, int(i))
		if err != nil {
			return errno(syscall.EFAULT)
		}
		if length == 0 {
			continue
		}
		data, rerr := k.Fs.Read(int(fd), int(length))
		if rerr != nil {
			if total > 0 {
				break
			}
			return co.Errno(rerr)
		}
		if len(data) > 0 {
			if err := mem.Memcpy(base, data); err != nil {
				return errno(syscall.EFAULT)
			}
			total += uint64(len(data))
		}
		if uint64(len(data)) < length {
			break
		}
	}
	// No ancillary data, no flags.
	if err := mem.WriteU64(msghdr.Addr+msghdrCtlLen, 0); err != nil {
		return errno(syscall.EFAULT)
	}
	if err := mem.WriteU32(msghdr.Addr+msghdrFlags, 0); err != nil {
		return errno(syscall.EFAULT)
	}
	return total
}

func (k *LinuxKernel) Getsockopt(fd co.Fd, level, optname int, optval, optlen co.Ptr) uint64 {
	return errno(syscall.ENOTSOCK)
}
