package vfs

import (
	"archive/tar"
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// LoadTar populates the tree from an in-memory tar archive (ustar plus
// GNU long-name entries). Missing parent directories are created on
// insert; hard links become separate nodes sharing the target's bytes.
func (fs *FS) LoadTar(data []byte) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "tar parse failed")
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		name = strings.TrimSuffix(name, "/")
		if name == "" {
			continue
		}

		node := &Node{
			Mode:  uint32(hdr.Mode) & 07777,
			Uid:   uint32(hdr.Uid),
			Gid:   uint32(hdr.Gid),
			Mtime: hdr.ModTime.Unix(),
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			node.Kind = Regular
			content, err := io.ReadAll(tr)
			if err != nil {
				return errors.Wrapf(err, "tar read %q failed", name)
			}
			node.Content = content
			node.Size = uint64(len(content))
		case tar.TypeLink:
			node.Kind = Regular
			target := strings.TrimPrefix(hdr.Linkname, "./")
			if linked := fs.Resolve("/" + target); linked != nil {
				node.Content = linked.Content
				node.Size = linked.Size
			}
		case tar.TypeSymlink:
			node.Kind = Symlink
			node.LinkTarget = hdr.Linkname
		case tar.TypeDir:
			if existing := fs.Lresolve("/" + name); existing != nil && existing.IsDir() {
				// Already created for an earlier entry inside it: keep
				// its children and take the header's metadata.
				existing.Mode, existing.Uid, existing.Gid, existing.Mtime = node.Mode, node.Uid, node.Gid, node.Mtime
				continue
			}
			node.Kind = Directory
			node.Children = make(map[string]*Node)
		case tar.TypeChar:
			node.Kind = CharDev
		case tar.TypeBlock:
			node.Kind = BlockDev
		case tar.TypeFifo:
			node.Kind = Fifo
		default:
			node.Kind = Regular
		}
		fs.Insert("/"+name, node)
	}
}

// ExportTar serializes every regular file, directory and symlink back
// into a ustar archive.
func (fs *FS) ExportTar(w io.Writer) error {
	tw := tar.NewWriter(w)
	var werr error
	fs.Walk(func(path string, node *Node) {
		if werr != nil {
			return
		}
		hdr := &tar.Header{
			Name: strings.TrimPrefix(path, "/"),
			Mode: int64(node.Mode),
			Uid:  int(node.Uid),
			Gid:  int(node.Gid),
		}
		switch node.Kind {
		case Regular:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(node.Content))
		case Directory:
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		case Symlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = node.LinkTarget
		default:
			return
		}
		if werr = tw.WriteHeader(hdr); werr != nil {
			return
		}
		if node.Kind == Regular {
			_, werr = tw.Write(node.Content)
		}
	})
	if werr != nil {
		return errors.Wrap(werr, "tar export failed")
	}
	return errors.Wrap(tw.Close(), "tar export failed")
}
