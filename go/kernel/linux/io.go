package linux

import (
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
)

// Poll event bits.
const (
	POLLIN  = 0x0001
	POLLOUT = 0x0004
	POLLHUP = 0x0010
)

// devPath returns the bound path for a VFS fd, or "" for host fds.
func (k *LinuxKernel) devPath(fd int) string {
	if fd > 2 {
		return k.Fs.GetPath(fd)
	}
	return ""
}

// Read manages a0 itself: the stdin-starved path rewinds the PC and
// must leave the argument registers intact for the re-executed ecall.
func (k *LinuxKernel) Read(fd co.Fd, buf co.Obuf, size co.Len) {
	m := k.M
	mem := m.Mem()
	ret := func(v uint64) { m.SetResult(int64(v)) }

	// tty fds beyond 0/1/2 read as stdin.
	if fd > 2 && k.TtyFds[int(fd)] {
		fd = 0
	}

	switch k.devPath(int(fd)) {
	case "/dev/urandom", "/dev/random":
		tmp := make([]byte, size)
		k.fillRandom(tmp)
		if err := mem.Memcpy(buf.Addr, tmp); err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		ret(uint64(size))
		return
	case "/dev/null":
		ret(0)
		return
	}

	// fd 0 may have been dup3'd onto a pipe or file.
	if fd == 0 && k.Fs.IsOpen(0) {
		ret(k.vfsRead(int(fd), buf.Addr, int(size)))
		return
	}

	if fd == 0 {
		if k.Stdin.HasData() {
			data := k.Stdin.Shift(int(size))
			if err := mem.Memcpy(buf.Addr, data); err != nil {
				ret(errno(syscall.EFAULT))
				return
			}
			ret(uint64(len(data)))
			return
		}
		if k.Stdin.EOF() {
			ret(0)
			return
		}
		k.yieldForStdin()
		return
	}

	ret(k.vfsRead(int(fd), buf.Addr, int(size)))
}

func (k *LinuxKernel) vfsRead(fd int, addr uint64, count int) uint64 {
	data, err := k.Fs.Read(fd, count)
	if err != nil {
		return co.Errno(err)
	}
	if len(data) > 0 {
		if merr := k.M.Mem().Memcpy(addr, data); merr != nil {
			return errno(syscall.EFAULT)
		}
	}
	return uint64(len(data))
}

func (k *LinuxKernel) Write(fd co.Fd, buf co.Buf, size co.Len) uint64 {
	mem := k.M.Mem()

	if fd > 2 && k.TtyFds[int(fd)] {
		fd = 1
	}
	if k.devPath(int(fd)) == "/dev/null" {
		return uint64(size)
	}

	// fd 1/2 may have been dup3'd onto a pipe or file.
	if k.Fs.IsOpen(int(fd)) {
		tmp := make([]byte, size)
		if err := mem.MemcpyOut(tmp, buf.Addr); err != nil {
			return errno(syscall.EFAULT)
		}
		n, err := k.Fs.Write(int(fd), tmp)
		if err != nil {
			return co.Errno(err)
		}
		return uint64(n)
	}

	if fd == 1 || fd == 2 {
		view, err := mem.MemView(buf.Addr, uint64(size))
		if err != nil {
			return errno(syscall.EINVAL)
		}
		k.M.Print(view)
		return uint64(size)
	}

	return errno(syscall.EBADF)
}

// iovec walks the scatter list at addr: {base u64, len u64} pairs.
func (k *LinuxKernel) iovec(addr uint64, i int) (base, length uint64, err error) {
	mem := k.M.Mem()
	if base, err = mem.ReadU64(addr + uint64(i)*16); err != nil {
		return
	}
	length, err = mem.ReadU64(addr + uint64(i)*16 + 8)
	return
}

// Readv manages a0 itself for the same reason as Read.
func (k *LinuxKernel) Readv(fd co.Fd, iov co.Buf, iovcnt int) {
	m := k.M
	ret := func(v uint64) { m.SetResult(int64(v)) }

	if fd == 0 && !k.Fs.IsOpen(0) {
		if !k.Stdin.HasData() {
			if k.Stdin.EOF() {
				ret(0)
				return
			}
			k.yieldForStdin()
			return
		}
		var total uint64
		for i := 0; i < iovcnt; i++ {
			base, length, err := k.iovec(iov.Addr, i)
			if err != nil {
				ret(errno(syscall.EFAULT))
				return
			}
			if length == 0 {
				continue
			}
			data := k.Stdin.Shift(int(length))
			if len(data) > 0 {
				if err := k.M.Mem().Memcpy(base, data); err != nil {
					ret(errno(syscall.EFAULT))
					return
				}
				total += uint64(len(data))
			}
			if uint64(len(data)) < length {
				break
			}
		}
		ret(total)
		return
	}

	var total uint64
	for i := 0; i < iovcnt; i++ {
		base, length, err := k.iovec(iov.Addr, i)
		if err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		if length == 0 {
			continue
		}
		data, rerr := k.Fs.Read(int(fd), int(length))
		if rerr != nil {
			if total > 0 {
				ret(total)
				return
			}
			ret(co.Errno(rerr))
			return
		}
		if len(data) > 0 {
			if err := k.M.Mem().Memcpy(base, data); err != nil {
				ret(errno(syscall.EFAULT))
				return
			}
			total += uint64(len(data))
		}
		if uint64(len(data)) < length {
			break
		}
	}
	ret(total)
}

func (k *LinuxKernel) Writev(fd co.Fd, iov co.Buf, iovcnt int) uint64 {
	mem := k.M.Mem()

	if k.Fs.IsOpen(int(fd)) {
		var total uint64
		for i := 0; i < iovcnt; i++ {
			base, length, err := k.iovec(iov.Addr, i)
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
		}
		return total
	}

	if fd == 1 || fd == 2 {
		var total uint64
		for i := 0; i < iovcnt; i++ {
			base, length, err := k.iovec(iov.Addr, i)
			if err != nil {
				return errno(syscall.EFAULT)
			}
			if length == 0 {
				continue
			}
			view, verr := mem.MemView(base, length)
			if verr != nil {
				return errno(syscall.EFAULT)
			}
			k.M.Print(view)
			total += length
		}
		return total
	}

	return errno(syscall.EBADF)
}

func (k *LinuxKernel) Pread64(fd co.Fd, buf co.Obuf, size co.Len, offset uint64) uint64 {
	data, err := k.Fs.Pread(int(fd), int(size), offset)
	if err != nil {
		return co.Errno(err)
	}
	if len(data) > 0 {
		if merr := k.M.Mem().Memcpy(buf.Addr, data); merr != nil {
			return errno(syscall.EFAULT)
		}
	}
	return uint64(len(data))
}

func (k *LinuxKernel) Pwrite64(fd co.Fd, buf co.Buf, size co.Len, offset uint64) uint64 {
	tmp := make([]byte, size)
	if err := k.M.Mem().MemcpyOut(tmp, buf.Addr); err != nil {
		return errno(syscall.EFAULT)
	}
	n, err := k.Fs.Pwrite(int(fd), tmp, offset)
	if err != nil {
		return co.Errno(err)
	}
	return uint64(n)
}

func (k *LinuxKernel) Pwritev(fd co.Fd, iov co.Buf, iovcnt int, offset co.Off) uint64 {
	var combined []byte
	for i := 0; i < iovcnt && i < 16; i++ {
		base, length, err := k.iovec(iov.Addr, i)
		if err != nil {
			return errno(syscall.EFAULT)
		}
		if length == 0 {
			continue
		}
		tmp := make([]byte, length)
		if err := k.M.Mem().MemcpyOut(tmp, base); err != nil {
			return errno(syscall.EFAULT)
		}
		combined = append(combined, tmp...)
	}
	if len(combined) == 0 {
		return 0
	}
	n, err := k.Fs.Pwrite(int(fd), combined, uint64(offset))
	if err != nil {
		return co.Errno(err)
	}
	return uint64(n)
}

// Ppoll manages a0 itself: the yield path must preserve the argument
// registers for re-execution.
func (k *LinuxKernel) Ppoll(fds co.Buf, nfds uint64, timeout co.Ptr, sigmask co.Ptr) {
	m := k.M
	mem := m.Mem()
	ret := func(v uint64) { m.SetResult(int64(v)) }
	if nfds == 0 {
		ret(0)
		return
	}
	if nfds > 64 {
		nfds = 64
	}

	// NULL timeout blocks, {0,0} returns immediately.
	zeroTimeout := false
	if timeout != 0 {
		sec, err1 := mem.ReadU64(uint64(timeout))
		nsec, err2 := mem.ReadU64(uint64(timeout) + 8)
		if err1 != nil || err2 != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		zeroTimeout = sec == 0 && nsec == 0
	}

	ready := 0
	needsStdin := false
	for i := uint64(0); i < nfds; i++ {
		entry := fds.Addr + i*8
		fdVal, err := mem.ReadU32(entry)
		if err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		fd := int32(fdVal)
		events16, err := mem.ReadU16(entry + 4)
		if err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
		events := int16(events16)
		var revents int16

		switch {
		case fd == 0 && events&POLLIN != 0:
			if k.Stdin.HasData() {
				revents |= POLLIN
				ready++
			} else if k.Stdin.EOF() {
				revents |= POLLHUP
				ready++
			} else {
				needsStdin = true
			}
		case fd == 1 || fd == 2:
			if events&POLLOUT != 0 {
				revents |= POLLOUT
				ready++
			}
		case fd >= 0:
			// VFS fds always report POLLIN when asked; POLLOUT is not
			// reported for them.
			revents |= events & POLLIN
			if revents != 0 {
				ready++
			}
		}
		if err := mem.WriteU16(entry+6, uint16(revents)); err != nil {
			ret(errno(syscall.EFAULT))
			return
		}
	}

	if ready > 0 {
		ret(uint64(ready))
		return
	}
	if zeroTimeout {
		ret(0)
		return
	}
	// Nothing ready: yield so the embedder can feed stdin or run
	// timers. Shells also land here polling for SIGCHLD after a fork
	// cycle; without the yield that poll spins forever.
	_ = needsStdin
	k.yieldForStdin()
}
