package linux

import (
	"log/slog"
	"syscall"

	"github.com/maceip/friscy/go/models"
)

const (
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20

	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
)

const pageSize = 4096

// brkMax caps the break region at 16 MiB in both brk modes.
const brkMax = 16 << 20

// largeHintMin: anonymous hints at least this big that fall outside
// the arena are refused with -ENOMEM so Go's allocator takes its
// fallback path instead of leaking bump space.
const largeHintMin = 4 << 20

type brkState struct {
	current uint64
}

func pageAlign(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func protAttr(prot int) models.PageAttr {
	return models.PageAttr{
		Read:  prot&PROT_READ != 0,
		Write: prot&PROT_WRITE != 0,
		Exec:  prot&PROT_EXEC != 0,
	}
}

// syncBump keeps the kernel bump pointer and the CPU's public
// mmap_address consistent, whichever advanced last.
func (k *LinuxKernel) syncBump() {
	if cur := k.M.Mem().MmapAddress(); k.bump < cur {
		k.bump = cur
	}
}

func (k *LinuxKernel) publishBump() {
	if k.bump > k.M.Mem().MmapAddress() {
		k.M.Mem().SetMmapAddress(k.bump)
	}
}

// Mmap manages a0 itself: the anonymous path may preempt to another
// thread after serving the mapping.
func (k *LinuxKernel) Mmap() {
	m := k.M
	addr := m.Sysarg(0)
	length := m.Sysarg(1)
	prot := int(m.Sysarg(2))
	flags := int(m.Sysarg(3))
	fd := int(int32(m.Sysarg(4)))
	offset := m.Sysarg(5)

	if fd == -1 {
		m.SetResult(int64(k.mmapAnon(addr, length, prot, flags)))
		k.maybePreempt()
		return
	}
	m.SetResult(int64(k.mmapFile(addr, length, prot, flags, fd, offset)))
}

func (k *LinuxKernel) mmapAnon(addr, length uint64, prot, flags int) uint64 {
	mem := k.M.Mem()
	if length == 0 {
		return errno(syscall.EINVAL)
	}
	arena := mem.ArenaSize()
	k.syncBump()

	alignedLen := pageAlign(length)
	var result uint64
	switch {
	case flags&MAP_FIXED != 0:
		if addr+alignedLen > arena {
			return errno(syscall.ENOMEM)
		}
		result = addr
		// Fixed mappings can land on code; the decoder must not keep
		// stale translations for the replaced range.
		mem.EvictExecuteSegments()
	case addr != 0 && addr >= arena && alignedLen >= largeHintMin:
		// Go reserves huge arenas at high hints and handles ENOMEM by
		// falling back; serving these from the bump wastes the arena.
		return errno(syscall.ENOMEM)
	default:
		// No hint, or a hint we ignore: V8 depends on small-hint
		// allocations succeeding.
		if k.bump+alignedLen > arena {
			slog.Debug("mmap out of arena", "len", length, "bump", k.bump)
			return errno(syscall.ENOMEM)
		}
		result = k.bump
		k.bump += alignedLen
	}
	k.publishBump()

	// MAP_ANONYMOUS contract: the range reads as zero.
	if flags&MAP_FIXED == 0 {
		if err := mem.Memdiscard(result, alignedLen, true); err != nil {
			return errno(syscall.ENOMEM)
		}
	}
	return result
}

func (k *LinuxKernel) mmapFile(addr, length uint64, prot, flags, fd int, offset uint64) uint64 {
	mem := k.M.Mem()
	if addr%pageSize != 0 {
		return errno(syscall.EINVAL)
	}
	length = pageAlign(length)

	node := k.Fs.GetNode(fd)
	if node == nil || !node.IsFile() {
		return errno(syscall.EBADF)
	}

	nextfree := mem.MmapAddress()
	var dst uint64
	switch {
	case addr == 0:
		if nextfree+length > mem.ArenaSize() {
			return errno(syscall.ENOMEM)
		}
		dst = nextfree
		mem.SetMmapAddress(nextfree + length)
	case flags&MAP_FIXED != 0 && addr < mem.MmapStart():
		// Fixed mapping over code/data segments of the initial load.
		dst = addr
		mem.EvictExecuteSegments()
	case flags&MAP_FIXED != 0 && addr+length <= nextfree:
		dst = addr
		mem.EvictExecuteSegments()
	case flags&MAP_FIXED != 0:
		if addr+length > mem.ArenaSize() {
			return errno(syscall.ENOMEM)
		}
		mem.SetMmapAddress(addr + length)
		dst = addr
	default:
		dst = addr
	}
	k.syncBump()

	// Writable for the copy-in, zeroed like anonymous pages, then the
	// requested protection exactly.
	mem.SetPageAttr(dst, length, models.PageRW)
	if err := mem.Memdiscard(dst, length, true); err != nil {
		return errno(syscall.ENOMEM)
	}
	if offset < uint64(len(node.Content)) {
		avail := uint64(len(node.Content)) - offset
		n := length
		if n > avail {
			n = avail
		}
		if err := mem.Memcpy(dst, node.Content[offset:offset+n]); err != nil {
			return errno(syscall.EFAULT)
		}
	}
	mem.SetPageAttr(dst, length, protAttr(prot))
	return dst
}

// Munmap cannot free inside a bump arena; it zeroes the range so later
// mappings start clean and reports success.
func (k *LinuxKernel) Munmap(addr, length uint64) uint64 {
	alignedLen := pageAlign(length)
	if err := k.M.Mem().Memdiscard(addr, alignedLen, true); err != nil {
		return 0
	}
	return 0
}

// Mprotect applies attributes inside the mmap region. Below the mmap
// start it is a no-op: the dynamic linker's RELRO pass would otherwise
// turn relocated pages read-only and break the fork snapshot restore.
func (k *LinuxKernel) Mprotect(addr, length uint64, prot int) uint64 {
	mem := k.M.Mem()
	if addr >= mem.MmapStart() {
		if prot&PROT_WRITE != 0 {
			mem.EvictExecuteSegments()
		}
		mem.SetPageAttr(addr, length, protAttr(prot))
	}
	return 0
}

func (k *LinuxKernel) Madvise(addr, length uint64, advice int) uint64 {
	return 0
}

// Mremap reports -EFAULT outside the arena (musl uses that as a stop
// signal when walking chunks) and -ENOMEM otherwise, forcing the
// mmap+copy+munmap fallback.
func (k *LinuxKernel) Mremap(oldAddr, oldSize, newSize uint64, flags int) uint64 {
	arena := k.M.Mem().ArenaSize()
	if oldAddr >= arena || oldAddr+oldSize > arena {
		return errno(syscall.EFAULT)
	}
	return errno(syscall.ENOMEM)
}

func (k *LinuxKernel) Brk(newEnd uint64) uint64 {
	mem := k.M.Mem()
	if !k.Exec.BrkOverridden {
		heapAddr := k.Exec.HeapStart
		if heapAddr == 0 {
			heapAddr = mem.HeapAddress()
		}
		if k.brk.current == 0 {
			k.brk.current = heapAddr
		}
		switch {
		case newEnd == 0 || newEnd < heapAddr:
			// Query or shrink attempt: report the current break.
		case newEnd > heapAddr+brkMax:
			// Over the cap: unchanged break signals failure.
		default:
			k.brk.current = newEnd
		}
		return k.brk.current
	}

	// Post-execve mode: bookkeeping is rooted at the new binary's end.
	switch {
	case newEnd == 0 || newEnd < k.Exec.BrkBase:
		newEnd = k.Exec.BrkCurrent
	case newEnd > k.Exec.BrkBase+brkMax:
		newEnd = k.Exec.BrkBase + brkMax
	}
	if newEnd > k.Exec.BrkCurrent {
		mem.SetPageAttr(k.Exec.BrkCurrent, newEnd-k.Exec.BrkCurrent, models.PageRW)
	}
	k.Exec.BrkCurrent = newEnd
	return newEnd
}
