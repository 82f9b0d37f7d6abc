package linux

import (
	"encoding/binary"
	"syscall"

	co "github.com/maceip/friscy/go/kernel/common"
)

// Terminal ioctl requests.
const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSETSW    = 0x5403
	TCSETSF    = 0x5404
	TIOCGPGRP  = 0x540f
	TIOCSPGRP  = 0x5410
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	FIONREAD   = 0x541b
	FIONBIO    = 0x5421
)

const termiosSize = 44

// TermiosState is the single terminal's persistent attributes; fds
// 0/1/2 (and later /dev/tty opens) all refer to it. Storing what
// TCSETS sets lets interactive shells toggle raw mode.
type TermiosState struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   uint8
	Cc     [19]uint8
	Ispeed uint32
	Ospeed uint32
}

func defaultTermios() TermiosState {
	return TermiosState{
		Iflag:  0x0500, // ICRNL | IXON
		Oflag:  0x0005, // OPOST | ONLCR
		Cflag:  0x00bf, // B38400 | CS8 | CREAD
		Lflag:  0x8a3b, // ECHO|ICANON|ISIG|IEXTEN|ECHOCTL|ECHOKE|ECHOE|ECHOK
		Ispeed: 38400,
		Ospeed: 38400,
	}
}

// IsRaw reports raw mode: ICANON cleared.
func (t *TermiosState) IsRaw() bool {
	return t.Lflag&0x0002 == 0
}

func (t *TermiosState) Serialize() []byte {
	buf := make([]byte, termiosSize)
	binary.LittleEndian.PutUint32(buf[0:], t.Iflag)
	binary.LittleEndian.PutUint32(buf[4:], t.Oflag)
	binary.LittleEndian.PutUint32(buf[8:], t.Cflag)
	binary.LittleEndian.PutUint32(buf[12:], t.Lflag)
	buf[16] = t.Line
	copy(buf[17:36], t.Cc[:])
	binary.LittleEndian.PutUint32(buf[36:], t.Ispeed)
	binary.LittleEndian.PutUint32(buf[40:], t.Ospeed)
	return buf
}

func (t *TermiosState) Deserialize(buf []byte) {
	if len(buf) < termiosSize {
		return
	}
	t.Iflag = binary.LittleEndian.Uint32(buf[0:])
	t.Oflag = binary.LittleEndian.Uint32(buf[4:])
	t.Cflag = binary.LittleEndian.Uint32(buf[8:])
	t.Lflag = binary.LittleEndian.Uint32(buf[12:])
	t.Line = buf[16]
	copy(t.Cc[:], buf[17:36])
	t.Ispeed = binary.LittleEndian.Uint32(buf[36:])
	t.Ospeed = binary.LittleEndian.Uint32(buf[40:])
}

func (k *LinuxKernel) Ioctl(fd co.Fd, request uint64, arg co.Ptr) uint64 {
	mem := k.M.Mem()
	isTty := k.TtyFds[int(fd)]

	switch request {
	case TIOCGWINSZ:
		if isTty {
			rows, cols := k.Term.WinSize()
			var ws [8]byte
			binary.LittleEndian.PutUint16(ws[0:], rows)
			binary.LittleEndian.PutUint16(ws[2:], cols)
			if err := mem.Memcpy(uint64(arg), ws[:]); err != nil {
				return errno(syscall.EFAULT)
			}
			return 0
		}
	case TIOCSWINSZ:
		if isTty {
			return 0
		}
	case TCGETS:
		// Succeeding here is what makes isatty() true for the guest.
		if isTty {
			if err := mem.Memcpy(uint64(arg), k.Termios.Serialize()); err != nil {
				return errno(syscall.EFAULT)
			}
			return 0
		}
	case TCSETS, TCSETSW, TCSETSF:
		if isTty {
			buf := make([]byte, termiosSize)
			if err := mem.MemcpyOut(buf, uint64(arg)); err != nil {
				return errno(syscall.EFAULT)
			}
			k.Termios.Deserialize(buf)
			return 0
		}
	case TIOCGPGRP:
		if isTty {
			if err := mem.WriteU32(uint64(arg), 1); err != nil {
				return errno(syscall.EFAULT)
			}
			return 0
		}
	case TIOCSPGRP:
		if isTty {
			return 0
		}
	case FIONBIO:
		return 0
	case FIONREAD:
		if fd == 0 {
			if err := mem.WriteU32(uint64(arg), uint32(k.Stdin.Len())); err != nil {
				return errno(syscall.EFAULT)
			}
			return 0
		}
	}
	return errno(syscall.EOPNOTSUPP)
}
