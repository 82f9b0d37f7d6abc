package emu

import (
	"bytes"
	"encoding/binary"

	"github.com/maceip/friscy/go/vfs"
)

// DefaultEnv is injected into the guest on top of any caller-supplied
// variables.
var DefaultEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/root",
	"USER=root",
	"TERM=xterm-256color",
	"LANG=C.UTF-8",
	"HOSTNAME=emu",
	"TZ=UTC",
}

// cpuinfo must advertise an ISA string V8 accepts or node refuses to
// start.
const procCpuinfo = `processor	: 0
hart		: 0
isa		: rv64imafdc_zicsr_zifencei
mmu		: sv48
uarch		: friscy

`

// tzifUTC is a minimal TZif v2 file encoding UTC with no transitions:
// v1 block, identical v2 block, and the POSIX-TZ footer.
func tzifUTC() []byte {
	var out bytes.Buffer
	block := func() {
		out.WriteString("TZif2")
		out.Write(make([]byte, 15))
		// isutcnt, isstdcnt, leapcnt, timecnt, typecnt, charcnt
		for _, count := range []uint32{0, 0, 0, 0, 1, 4} {
			binary.Write(&out, binary.BigEndian, count)
		}
		// one ttinfo: utoff=0, isdst=0, desigidx=0
		out.Write([]byte{0, 0, 0, 0, 0, 0})
		out.WriteString("UTC\x00")
	}
	block()
	block()
	out.WriteString("\nUTC0\n")
	return out.Bytes()
}

// SetupVirtualFiles synthesizes the /dev, /etc and /proc entries the
// syscall shim serves, plus the tmp directories node expects.
func SetupVirtualFiles(fs *vfs.FS, exePath string) {
	for _, dev := range []string{
		"/dev/null", "/dev/tty", "/dev/console", "/dev/pts/0",
		"/dev/ptmx", "/dev/urandom", "/dev/random",
	} {
		fs.AddVirtualFile(dev, nil)
	}

	fs.AddVirtualFile("/etc/passwd", []byte("root:x:0:0:root:/root:/bin/sh\n"))
	fs.AddVirtualFile("/etc/group", []byte("root:x:0:\n"))
	fs.AddVirtualFile("/etc/hosts", []byte("127.0.0.1 localhost\n"))
	fs.AddVirtualFile("/etc/resolv.conf", []byte("nameserver 8.8.8.8\n"))

	tz := tzifUTC()
	fs.AddVirtualFile("/etc/localtime", tz)
	fs.AddVirtualFile("/usr/share/zoneinfo/UTC", tz)
	fs.AddVirtualFile("/usr/share/zoneinfo/Etc/UTC", tz)

	fs.AddVirtualFile("/proc/version_signature", []byte("friscy 6.1.0-friscy\n"))
	fs.AddVirtualFile("/proc/cpuinfo", []byte(procCpuinfo))
	fs.AddVirtualFile("/proc/self/maps", nil)
	fs.AddVirtualFile("/proc/sys/vm/overcommit_memory", []byte("0\n"))
	if exePath != "" {
		fs.Insert("/proc/self/exe", &vfs.Node{
			Kind:       vfs.Symlink,
			Mode:       0777,
			LinkTarget: exePath,
		})
	}

	// Don't clobber directories the rootfs already carries.
	if fs.Resolve("/tmp") == nil {
		fs.Insert("/tmp", &vfs.Node{Kind: vfs.Directory, Mode: 01777})
	}
	if fs.Resolve("/tmp/node-compile-cache") == nil {
		fs.Insert("/tmp/node-compile-cache", &vfs.Node{Kind: vfs.Directory, Mode: 0755})
	}
	if fs.Resolve("/root") == nil {
		fs.Insert("/root", &vfs.Node{Kind: vfs.Directory, Mode: 0700})
	}
}

// MergeEnv layers extra variables over the defaults, last value wins
// per key.
func MergeEnv(extra []string) []string {
	seen := make(map[string]int)
	var out []string
	add := func(kv string) {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if idx, ok := seen[key]; ok {
			out[idx] = kv
			return
		}
		seen[key] = len(out)
		out = append(out, kv)
	}
	for _, kv := range DefaultEnv {
		add(kv)
	}
	for _, kv := range extra {
		add(kv)
	}
	return out
}
