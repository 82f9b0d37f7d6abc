package linux

import (
	"hash/fnv"
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
	"github.com/maceip/friscy/go/vfs"
)

// Stat64 is the riscv64 struct stat layout.
type Stat64 struct {
	Dev       uint64
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint64
	Pad1      uint64
	Size      int64
	Blksize   int32
	Pad2      int32
	Blocks    int64
	AtimeSec  int64
	AtimeNsec int64
	MtimeSec  int64
	MtimeNsec int64
	CtimeSec  int64
	CtimeNsec int64
	Unused1   int32
	Unused2   int32
}

type StatxTimestamp struct {
	Sec      int64
	Nsec     uint32
	Reserved int32
}

// Statx is the extended stat layout; Spare pads the struct out to the
// full 256 bytes the kernel writes.
type Statx struct {
	Mask           uint32
	Blksize        uint32
	Attributes     uint64
	Nlink          uint32
	Uid            uint32
	Gid            uint32
	Mode           uint16
	Pad1           uint16
	Ino            uint64
	Size           uint64
	Blocks         uint64
	AttributesMask uint64
	Atime          StatxTimestamp
	Btime          StatxTimestamp
	Ctime          StatxTimestamp
	Mtime          StatxTimestamp
	RdevMajor      uint32
	RdevMinor      uint32
	DevMajor       uint32
	DevMinor       uint32
	MntID          uint64
	Pad2           uint64
	Spare1         uint64
	Spare2         uint64
	Spare3         uint64
	Spare4         uint64
	Spare5         uint64
	Spare6         uint64
	Spare7         uint64
	Spare8         uint64
	Spare9         uint64
	Spare10        uint64
	Spare11        uint64
	Spare12        uint64
}

const statxBasicStats = 0x07ff

// AT_* constants shared by the *at family.
const (
	AT_FDCWD            = -100
	AT_SYMLINK_NOFOLLOW = 0x100
	AT_EMPTY_PATH       = 0x1000
)

// pathIno derives a stable inode number from the absolute path.
func pathIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}

func statFromNode(path string, node *vfs.Node) Stat64 {
	nlink := uint32(1)
	if node.IsDir() {
		nlink = 2
	}
	return Stat64{
		Dev:      1,
		Ino:      pathIno(path),
		Mode:     node.Kind | node.Mode,
		Nlink:    nlink,
		Uid:      node.Uid,
		Gid:      node.Gid,
		Size:     int64(node.Size),
		Blksize:  4096,
		Blocks:   int64((node.Size + 511) / 512),
		AtimeSec: node.Mtime,
		MtimeSec: node.Mtime,
		CtimeSec: node.Mtime,
	}
}

// ttyStat is what fstat reports for the always-present fds 0-2.
func ttyStat() Stat64 {
	return Stat64{
		Dev:     1,
		Mode:    020666,
		Nlink:   1,
		Blksize: 4096,
	}
}

func (k *LinuxKernel) Newfstatat(dirfd co.Fd, path string, buf co.Obuf, flags int) uint64 {
	if flags&AT_EMPTY_PATH != 0 {
		return errno(syscall.EOPNOTSUPP)
	}
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	var node *vfs.Node
	if flags&AT_SYMLINK_NOFOLLOW != 0 {
		node = k.Fs.Lresolve(path)
	} else {
		node = k.Fs.Resolve(path)
	}
	if node == nil {
		return errno(syscall.ENOENT)
	}
	st := statFromNode(path, node)
	if err := buf.Pack(&st); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

func (k *LinuxKernel) Fstat(fd co.Fd, buf co.Obuf) uint64 {
	if fd >= 0 && fd <= 2 && !k.Fs.IsOpen(int(fd)) {
		st := ttyStat()
		if err := buf.Pack(&st); err != nil {
			return errno(syscall.EFAULT)
		}
		return 0
	}
	node := k.Fs.GetNode(int(fd))
	if node == nil {
		return errno(syscall.EBADF)
	}
	st := statFromNode(k.Fs.GetPath(int(fd)), node)
	if err := buf.Pack(&st); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}

func (k *LinuxKernel) Statx(dirfd co.Fd, path string, flags int, mask uint32, buf co.Obuf) uint64 {
	if dirfd != AT_FDCWD {
		return errno(syscall.EOPNOTSUPP)
	}
	if path == "" {
		return errno(syscall.ENOENT)
	}
	var node *vfs.Node
	if flags&AT_SYMLINK_NOFOLLOW != 0 {
		node = k.Fs.Lresolve(path)
	} else {
		node = k.Fs.Resolve(path)
	}
	if node == nil {
		return errno(syscall.ENOENT)
	}
	nlink := uint32(1)
	if node.IsDir() {
		nlink = 2
	}
	size := node.Size
	if node.IsDir() {
		size = 4096
	}
	ts := StatxTimestamp{Sec: node.Mtime}
	st := Statx{
		Mask:    statxBasicStats,
		Blksize: 4096,
		Nlink:   nlink,
		Mode:    uint16(node.Kind | node.Mode),
		Ino:     pathIno(path),
		Size:    size,
		Blocks:  (size + 511) / 512,
		Atime:   ts,
		Btime:   ts,
		Ctime:   ts,
		Mtime:   ts,
	}
	if err := buf.Pack(&st); err != nil {
		return errno(syscall.EFAULT)
	}
	return 0
}
