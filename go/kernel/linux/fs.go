package linux

import (
	"strings"
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
	"github.com/maceip/friscy/go/vfs"
)

func isTtyPath(path string) bool {
	return path == "/dev/tty" || path == "/dev/console" ||
		strings.HasPrefix(path, "/dev/pts/")
}

func isDevicePath(path string) bool {
	switch path {
	case "/dev/urandom", "/dev/random", "/dev/null":
		return true
	}
	return false
}

func (k *LinuxKernel) Openat(dirfd co.Fd, path string, flags int, mode uint32) uint64 {
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	// Pseudo-devices may be opened before setup synthesized them.
	if isDevicePath(path) && k.Fs.Resolve(path) == nil {
		k.Fs.AddVirtualFile(path, nil)
	}
	var fd int
	var err error
	if flags&vfs.O_DIRECTORY != 0 {
		fd, err = k.Fs.Opendir(path)
	} else {
		fd, err = k.Fs.Open(path, flags)
	}
	if err != nil {
		return co.Errno(err)
	}
	if isTtyPath(path) {
		k.TtyFds[fd] = true
	}
	return uint64(fd)
}

func (k *LinuxKernel) Close(fd co.Fd) uint64 {
	if fd > 2 {
		delete(k.TtyFds, int(fd))
	}
	k.Fs.Close(int(fd))
	return 0
}

func (k *LinuxKernel) CloseRange(first, last co.Fd, flags int) uint64 {
	// musl marks inherited fds cloexec in bulk; our fds need no
	// cloexec bookkeeping.
	return 0
}

func (k *LinuxKernel) Lseek(fd co.Fd, offset co.Off, whence int) uint64 {
	pos, err := k.Fs.Lseek(int(fd), int64(offset), whence)
	if err != nil {
		return co.Errno(err)
	}
	return uint64(pos)
}

func (k *LinuxKernel) Getdents64(fd co.Fd, buf co.Obuf, count co.Len) uint64 {
	ents, err := k.Fs.Getdents64(int(fd), int(count))
	if err != nil {
		return co.Errno(err)
	}
	if len(ents) > 0 {
		if err := k.M.Mem().Memcpy(buf.Addr, ents); err != nil {
			return errno(syscall.EFAULT)
		}
	}
	return uint64(len(ents))
}

func (k *LinuxKernel) Readlinkat(dirfd co.Fd, path string, buf co.Obuf, size co.Len) uint64 {
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	target, err := k.Fs.Readlink(path)
	if err != nil {
		return co.Errno(err)
	}
	if co.Len(len(target)) > size {
		target = target[:size]
	}
	if err := k.M.Mem().Memcpy(buf.Addr, []byte(target)); err != nil {
		return errno(syscall.EFAULT)
	}
	return uint64(len(target))
}

func (k *LinuxKernel) Getcwd(buf co.Obuf, size co.Len) uint64 {
	cwd := k.Fs.Getcwd()
	if co.Len(len(cwd)+1) > size {
		return errno(syscall.ERANGE)
	}
	if err := k.M.Mem().Memcpy(buf.Addr, append([]byte(cwd), 0)); err != nil {
		return errno(syscall.EFAULT)
	}
	return buf.Addr
}

func (k *LinuxKernel) Chdir(path string) uint64 {
	return co.Errno(k.Fs.Chdir(path))
}

func (k *LinuxKernel) Faccessat(dirfd co.Fd, path string, mode uint32) uint64 {
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	if k.Fs.Resolve(path) == nil {
		return errno(syscall.ENOENT)
	}
	return 0
}

func (k *LinuxKernel) Faccessat2(dirfd co.Fd, path string, mode uint32, flags int) uint64 {
	return k.Faccessat(dirfd, path, mode)
}

func (k *LinuxKernel) Mkdirat(dirfd co.Fd, path string, mode uint32) uint64 {
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	return co.Errno(k.Fs.Mkdir(path, mode))
}

func (k *LinuxKernel) Unlinkat(dirfd co.Fd, path string, flags int) uint64 {
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	return co.Errno(k.Fs.Unlink(path))
}

func (k *LinuxKernel) Symlinkat(target string, newdirfd co.Fd, linkpath string) uint64 {
	if newdirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	return co.Errno(k.Fs.Symlink(target, linkpath))
}

func (k *LinuxKernel) Linkat(olddirfd co.Fd, oldpath string, newdirfd co.Fd, newpath string, flags int) uint64 {
	if olddirfd != AT_FDCWD || newdirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	return co.Errno(k.Fs.Link(oldpath, newpath))
}

func (k *LinuxKernel) Renameat(olddirfd co.Fd, oldpath string, newdirfd co.Fd, newpath string) uint64 {
	if olddirfd != AT_FDCWD || newdirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	return co.Errno(k.Fs.Rename(oldpath, newpath))
}

func (k *LinuxKernel) Ftruncate(fd co.Fd, length uint64) uint64 {
	return co.Errno(k.Fs.Ftruncate(int(fd), length))
}

func (k *LinuxKernel) Fchmod(fd co.Fd, mode uint32) uint64 {
	node := k.Fs.GetNode(int(fd))
	if node == nil {
		return errno(syscall.EBADF)
	}
	node.Mode = mode & 07777
	return 0
}

func (k *LinuxKernel) Fchmodat(dirfd co.Fd, path string, mode uint32) uint64 {
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	node := k.Fs.Resolve(path)
	if node == nil {
		return errno(syscall.ENOENT)
	}
	node.Mode = mode & 07777
	return 0
}

func (k *LinuxKernel) Fchownat(dirfd co.Fd, path string, uid, gid int, flags int) uint64 {
	// Always root; ownership changes are accepted silently.
	return 0
}

func (k *LinuxKernel) Fsync(fd co.Fd) uint64 {
	// In-memory VFS, nothing to flush.
	return 0
}

func (k *LinuxKernel) Flock(fd co.Fd, op int) uint64 {
	// File locking is a no-op in a single-process VFS.
	return 0
}

const sendfileMax = 65536

func (k *LinuxKernel) Sendfile(outFd, inFd co.Fd, offsetPtr co.Ptr, count co.Len) uint64 {
	mem := k.M.Mem()
	n := int(count)
	if n > sendfileMax {
		n = sendfileMax
	}
	var chunk []byte
	var err error
	if offsetPtr != 0 {
		off, rerr := mem.ReadU64(uint64(offsetPtr))
		if rerr != nil {
			return errno(syscall.EFAULT)
		}
		chunk, err = k.Fs.Pread(int(inFd), n, off)
		if err != nil {
			return co.Errno(err)
		}
		if werr := mem.WriteU64(uint64(offsetPtr), off+uint64(len(chunk))); werr != nil {
			return errno(syscall.EFAULT)
		}
	} else {
		chunk, err = k.Fs.Read(int(inFd), n)
		if err != nil {
			return co.Errno(err)
		}
	}
	if len(chunk) == 0 {
		return 0
	}
	if (outFd == 1 || outFd == 2) && !k.Fs.IsOpen(int(outFd)) {
		k.M.Print(chunk)
		return uint64(len(chunk))
	}
	written, err := k.Fs.Write(int(outFd), chunk)
	if err != nil {
		return co.Errno(err)
	}
	return uint64(written)
}

func (k *LinuxKernel) Dup(oldfd co.Fd) uint64 {
	fd, err := k.Fs.Dup(int(oldfd))
	if err != nil {
		return co.Errno(err)
	}
	if k.TtyFds[int(oldfd)] {
		k.TtyFds[fd] = true
	}
	return uint64(fd)
}

func (k *LinuxKernel) Dup3(oldfd, newfd co.Fd, flags int) uint64 {
	if oldfd == newfd {
		return errno(syscall.EINVAL)
	}
	fd, err := k.Fs.Dup2(int(oldfd), int(newfd))
	if err != nil {
		return co.Errno(err)
	}
	if k.TtyFds[int(oldfd)] {
		k.TtyFds[fd] = true
	} else if fd > 2 {
		delete(k.TtyFds, fd)
	}
	return uint64(fd)
}

// fcntl commands.
const (
	F_DUPFD         = 0
	F_GETFD         = 1
	F_SETFD         = 2
	F_GETFL         = 3
	F_SETFL         = 4
	F_DUPFD_CLOEXEC = 1030
)

func (k *LinuxKernel) Fcntl(fd co.Fd, cmd, arg int) uint64 {
	// fd-walking loops (libuv cloexec sweeps) rely on -EBADF to stop.
	valid := (fd >= 0 && fd <= 2) || k.Fs.IsOpen(int(fd))
	if !valid {
		return errno(syscall.EBADF)
	}
	switch cmd {
	case F_DUPFD, F_DUPFD_CLOEXEC:
		newfd, err := k.Fs.Dup(int(fd))
		if err != nil {
			return co.Errno(err)
		}
		return uint64(newfd)
	case F_GETFL:
		if fd == 1 || fd == 2 {
			return 1
		}
		return 0
	case F_GETFD, F_SETFD, F_SETFL:
		return 0
	}
	return 0
}

func (k *LinuxKernel) Pipe2(pipefd co.Obuf, flags int) uint64 {
	node := &vfs.Node{Kind: vfs.Fifo, Mode: 0600}
	readFd := k.Fs.OpenPipe(node, 0)
	writeFd := k.Fs.OpenPipe(node, 1)
	mem := k.M.Mem()
	if err := mem.WriteU32(pipefd.Addr, uint32(readFd)); err != nil {
		return errno(syscall.EFAULT)
	}
	if err := mem.WriteU32(pipefd.Addr+4, uint32(writeFd)); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}
