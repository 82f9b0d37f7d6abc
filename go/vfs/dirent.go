package vfs

import (
	"bytes"
	"encoding/binary"
	"syscall"

	"github.com/lunixbochs/struc"
)

// Linux d_type values.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
)

// dirent64 header; the name (with NUL and alignment padding) follows.
type dirent64 struct {
	Ino    uint64
	Off    uint64
	Reclen uint16
	Type   uint8
}

func direntType(kind uint32) uint8 {
	switch kind {
	case Regular:
		return DT_REG
	case Directory:
		return DT_DIR
	case Symlink:
		return DT_LNK
	case CharDev:
		return DT_CHR
	case BlockDev:
		return DT_BLK
	case Fifo:
		return DT_FIFO
	case Socket:
		return DT_SOCK
	}
	return DT_UNKNOWN
}

// Getdents64 serializes directory entries into a buffer of at most
// count bytes, resuming where the previous call stopped. A directory
// that was opened as a plain file is converted to a dir handle on the
// first call.
func (fs *FS) Getdents64(fd int, count int) ([]byte, error) {
	dh, ok := fs.dirs[fd]
	if !ok {
		if h, isFile := fs.files[fd]; isFile && h.Node.IsDir() {
			dh = &DirHandle{
				Node:  h.Node,
				Names: SortedChildren(h.Node),
				Path:  h.Path,
			}
			fs.dirs[fd] = dh
			delete(fs.files, fd)
		} else {
			return nil, syscall.EBADF
		}
	}

	var out bytes.Buffer
	for dh.Index < len(dh.Names) {
		name := dh.Names[dh.Index]
		node := dh.Node.Children[name]

		reclen := (8 + 8 + 2 + 1 + len(name) + 1 + 7) &^ 7
		if out.Len()+reclen > count {
			break
		}
		ent := dirent64{
			Ino:    uint64(dh.Index + 1),
			Off:    uint64(dh.Index + 1),
			Reclen: uint16(reclen),
			Type:   direntType(node.Kind),
		}
		if err := struc.PackWithOrder(&out, &ent, binary.LittleEndian); err != nil {
			return nil, err
		}
		out.WriteString(name)
		for pad := 19 + len(name); pad < reclen; pad++ {
			out.WriteByte(0)
		}
		dh.Index++
	}
	return out.Bytes(), nil
}
