package vfs

import (
	"sort"
	"syscall"
)

// Guest open(2) flag bits (asm-generic, which riscv64 uses).
const (
	O_RDONLY    = 0
	O_WRONLY    = 1
	O_RDWR      = 2
	O_CREAT     = 0100
	O_EXCL      = 0200
	O_TRUNC     = 01000
	O_APPEND    = 02000
	O_DIRECTORY = 0200000
	O_CLOEXEC   = 02000000
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// FileHandle is an open file: it shares the node and owns the offset.
type FileHandle struct {
	Node   *Node
	Offset uint64
	Flags  int
	Path   string
}

// DirHandle enumerates a directory snapshot in sorted order.
type DirHandle struct {
	Node  *Node
	Names []string
	Index int
	Path  string
}

// Open opens path with flags, creating the file when O_CREAT is set.
func (fs *FS) Open(path string, flags int) (int, error) {
	node := fs.Resolve(path)
	if node == nil {
		if flags&O_CREAT == 0 {
			return -1, syscall.ENOENT
		}
		parent, name := fs.parentOf(path)
		if parent == nil {
			return -1, syscall.ENOENT
		}
		node = &Node{Name: name, Kind: Regular, Mode: 0644}
		parent.Children[name] = node
	} else if flags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL {
		return -1, syscall.EEXIST
	}
	if node.IsDir() {
		if flags&(O_WRONLY|O_RDWR) != 0 {
			return -1, syscall.EISDIR
		}
		// Directory opened without O_DIRECTORY: keep a file handle so
		// fstat works; getdents64 converts it on first use.
	}
	if flags&O_TRUNC != 0 && node.IsFile() {
		node.Content = nil
		node.Size = 0
	}
	fd := fs.nextFd
	fs.nextFd++
	h := &FileHandle{Node: node, Flags: flags, Path: fs.makeAbsolute(path)}
	if flags&O_APPEND != 0 {
		h.Offset = uint64(len(node.Content))
	}
	fs.files[fd] = h
	return fd, nil
}

// Opendir opens path for enumeration.
func (fs *FS) Opendir(path string) (int, error) {
	node := fs.Resolve(path)
	if node == nil {
		return -1, syscall.ENOENT
	}
	if !node.IsDir() {
		return -1, syscall.ENOTDIR
	}
	fd := fs.nextFd
	fs.nextFd++
	fs.dirs[fd] = &DirHandle{
		Node:  node,
		Names: SortedChildren(node),
		Path:  fs.makeAbsolute(path),
	}
	return fd, nil
}

// OpenPipe allocates a fresh fd onto an existing (usually Fifo) node.
// end 0 is the read side, 1 the write side.
func (fs *FS) OpenPipe(node *Node, end int) int {
	fd := fs.nextFd
	fs.nextFd++
	flags := O_RDONLY
	if end == 1 {
		flags = O_WRONLY
	}
	fs.files[fd] = &FileHandle{Node: node, Flags: flags, Path: "pipe"}
	return fd
}

func (fs *FS) Close(fd int) {
	delete(fs.files, fd)
	delete(fs.dirs, fd)
}

func (fs *FS) IsOpen(fd int) bool {
	_, file := fs.files[fd]
	_, dir := fs.dirs[fd]
	return file || dir
}

func (fs *FS) Handle(fd int) *FileHandle { return fs.files[fd] }

func (fs *FS) GetNode(fd int) *Node {
	if h, ok := fs.files[fd]; ok {
		return h.Node
	}
	if h, ok := fs.dirs[fd]; ok {
		return h.Node
	}
	return nil
}

func (fs *FS) GetPath(fd int) string {
	if h, ok := fs.files[fd]; ok {
		return h.Path
	}
	if h, ok := fs.dirs[fd]; ok {
		return h.Path
	}
	return ""
}

// OpenFds snapshots the currently open fd set, for the fork store.
func (fs *FS) OpenFds() map[int]bool {
	out := make(map[int]bool, len(fs.files)+len(fs.dirs))
	for fd := range fs.files {
		out[fd] = true
	}
	for fd := range fs.dirs {
		out[fd] = true
	}
	return out
}

// OpenFdList returns the open fds in ascending order.
func (fs *FS) OpenFdList() []int {
	set := fs.OpenFds()
	out := make([]int, 0, len(set))
	for fd := range set {
		out = append(out, fd)
	}
	sort.Ints(out)
	return out
}

// Dup allocates a new fd with a copy of oldfd's handle state: the same
// node, and an offset of its own from then on.
func (fs *FS) Dup(oldfd int) (int, error) {
	h, ok := fs.files[oldfd]
	if !ok {
		if d, ok := fs.dirs[oldfd]; ok {
			fd := fs.nextFd
			fs.nextFd++
			dup := *d
			fs.dirs[fd] = &dup
			return fd, nil
		}
		return -1, syscall.EBADF
	}
	fd := fs.nextFd
	fs.nextFd++
	dup := *h
	fs.files[fd] = &dup
	return fd, nil
}

// Dup2 closes newfd first, then binds it to oldfd's node.
func (fs *FS) Dup2(oldfd, newfd int) (int, error) {
	h, ok := fs.files[oldfd]
	if !ok {
		return -1, syscall.EBADF
	}
	fs.Close(newfd)
	dup := *h
	fs.files[newfd] = &dup
	if newfd >= fs.nextFd {
		fs.nextFd = newfd + 1
	}
	return newfd, nil
}

// Read drains count bytes at the handle's offset. Fifo nodes consume
// their content from the front.
func (fs *FS) Read(fd int, count int) ([]byte, error) {
	h, ok := fs.files[fd]
	if !ok {
		return nil, syscall.EBADF
	}
	node := h.Node
	if node.IsDir() {
		return nil, syscall.EISDIR
	}
	if node.IsFifo() {
		n := count
		if n > len(node.Content) {
			n = len(node.Content)
		}
		out := make([]byte, n)
		copy(out, node.Content[:n])
		node.Content = node.Content[n:]
		node.Size = uint64(len(node.Content))
		return out, nil
	}
	if h.Offset >= uint64(len(node.Content)) {
		return nil, nil
	}
	avail := uint64(len(node.Content)) - h.Offset
	n := uint64(count)
	if n > avail {
		n = avail
	}
	out := make([]byte, n)
	copy(out, node.Content[h.Offset:])
	h.Offset += n
	return out, nil
}

// Write appends (fifo) or writes at the handle's offset, growing the
// node as needed.
func (fs *FS) Write(fd int, p []byte) (int, error) {
	h, ok := fs.files[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	node := h.Node
	if node.IsDir() {
		return 0, syscall.EISDIR
	}
	if node.IsFifo() {
		node.Content = append(node.Content, p...)
		node.Size = uint64(len(node.Content))
		return len(p), nil
	}
	end := h.Offset + uint64(len(p))
	if end > uint64(len(node.Content)) {
		grown := make([]byte, end)
		copy(grown, node.Content)
		node.Content = grown
		node.Size = end
	}
	copy(node.Content[h.Offset:], p)
	h.Offset = end
	return len(p), nil
}

func (fs *FS) Pread(fd int, count int, offset uint64) ([]byte, error) {
	h, ok := fs.files[fd]
	if !ok {
		return nil, syscall.EBADF
	}
	node := h.Node
	if offset >= uint64(len(node.Content)) {
		return nil, nil
	}
	avail := uint64(len(node.Content)) - offset
	n := uint64(count)
	if n > avail {
		n = avail
	}
	out := make([]byte, n)
	copy(out, node.Content[offset:])
	return out, nil
}

func (fs *FS) Pwrite(fd int, p []byte, offset uint64) (int, error) {
	h, ok := fs.files[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	node := h.Node
	end := offset + uint64(len(p))
	if end > uint64(len(node.Content)) {
		grown := make([]byte, end)
		copy(grown, node.Content)
		node.Content = grown
		node.Size = end
	}
	copy(node.Content[offset:], p)
	return len(p), nil
}

func (fs *FS) Lseek(fd int, offset int64, whence int) (int64, error) {
	h, ok := fs.files[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	var next int64
	switch whence {
	case SeekSet:
		next = offset
	case SeekCur:
		next = int64(h.Offset) + offset
	case SeekEnd:
		next = int64(h.Node.Size) + offset
	default:
		return 0, syscall.EINVAL
	}
	if next < 0 {
		return 0, syscall.EINVAL
	}
	h.Offset = uint64(next)
	return next, nil
}

func (fs *FS) Ftruncate(fd int, length uint64) error {
	h, ok := fs.files[fd]
	if !ok {
		return syscall.EBADF
	}
	node := h.Node
	if !node.IsFile() {
		return syscall.EINVAL
	}
	if length <= uint64(len(node.Content)) {
		node.Content = node.Content[:length]
	} else {
		grown := make([]byte, length)
		copy(grown, node.Content)
		node.Content = grown
	}
	node.Size = length
	return nil
}
