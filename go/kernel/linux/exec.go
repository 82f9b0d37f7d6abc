package linux

import (
	"bytes"
	"log/slog"
	"strings"
	"syscall"

	"github.com/maceip/friscy/go/arch/riscv64"
	"github.com/maceip/friscy/go/loader"
	"github.com/maceip/friscy/go/models"
)

// PIEBase is the fixed load address for position-independent main
// executables.
const PIEBase = 0x40000

// execStackSize is the fresh stack allocated by a new-binary execve.
const execStackSize = 0x20000

// execResolveDepth bounds symlink chasing on the execve target.
const execResolveDepth = 10

// DefaultPath is searched for bare command names (shebang env and
// PATH lookups) when the environment carries no PATH.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ExecContext survives across execve so a new binary can overwrite the
// running one: original binary bytes, interpreter, adjusted layout and
// the brk/stack bookkeeping rooted on them.
type ExecContext struct {
	ExecBinary   []byte
	InterpBinary []byte
	ExecInfo     *loader.ElfInfo

	ExecBase      uint64
	ExecRwStart   uint64
	ExecRwEnd     uint64
	InterpBase    uint64
	InterpRwStart uint64
	InterpRwEnd   uint64
	InterpEntry   uint64

	OriginalStackTop uint64
	HeapStart        uint64
	HeapSize         uint64
	BrkBase          uint64
	BrkCurrent       uint64
	BrkOverridden    bool

	Env     []string
	Dynamic bool
}

// ResolvePath chases symlinks on path, returning "" when it dangles.
func (k *LinuxKernel) ResolvePath(path string) string {
	resolved := path
	for i := 0; i < execResolveDepth; i++ {
		node := k.Fs.Lresolve(resolved)
		if node == nil {
			// The parent chain may contain symlinks even if the leaf
			// name does not resolve literally.
			if k.Fs.Resolve(resolved) == nil {
				return ""
			}
			return resolved
		}
		if !node.IsSymlink() {
			return resolved
		}
		link := node.LinkTarget
		if !strings.HasPrefix(link, "/") {
			if slash := strings.LastIndexByte(resolved, '/'); slash >= 0 {
				link = resolved[:slash+1] + link
			}
		}
		resolved = link
	}
	if k.Fs.Resolve(resolved) == nil {
		return ""
	}
	return resolved
}

func (k *LinuxKernel) readFile(path string) []byte {
	node := k.Fs.Resolve(path)
	if node == nil || !node.IsFile() {
		return nil
	}
	return node.Content
}

// SearchPath looks a bare command name up along PATH.
func (k *LinuxKernel) SearchPath(cmd string) string {
	if cmd == "" || cmd[0] == '/' {
		return cmd
	}
	pathVal := DefaultPath
	for _, e := range k.Exec.Env {
		if strings.HasPrefix(e, "PATH=") {
			pathVal = e[5:]
			break
		}
	}
	for _, dir := range strings.Split(pathVal, ":") {
		if dir == "" {
			continue
		}
		candidate := dir + "/" + cmd
		resolved := k.ResolvePath(candidate)
		if resolved == "" {
			continue
		}
		if node := k.Fs.Resolve(resolved); node != nil && node.IsFile() {
			// Return the unresolved name; the caller resolves again.
			return candidate
		}
	}
	return ""
}

// parseShebang splits a "#!" line into interpreter path and optional
// argument. The line ends at the first LF only. Trailing space, tab and
// CR are trimmed from it, so a CRLF ending is handled, but a CR-only
// ending does not end the line; a CR inside the path is preserved.
func parseShebang(content []byte) (interp, arg string, ok bool) {
	if len(content) < 4 || content[0] != '#' || content[1] != '!' {
		return "", "", false
	}
	line := content[2:]
	if eol := bytes.IndexByte(line, '\n'); eol >= 0 {
		line = line[:eol]
	}
	text := strings.TrimLeft(string(line), " \t")
	text = strings.TrimRight(text, " \t\r")
	if text == "" {
		return "", "", false
	}
	if sep := strings.IndexAny(text, " \t"); sep >= 0 {
		return text[:sep], strings.TrimLeft(text[sep+1:], " \t"), true
	}
	return text, "", true
}

// Execve replaces the current "process" with a new program: busybox
// applets re-enter the loaded binary with fresh argv, different ELF
// targets load over the arena, shebang scripts rewrite argv first.
func (k *LinuxKernel) Execve() {
	m := k.M
	if !k.Exec.Dynamic || len(k.Exec.ExecBinary) == 0 {
		m.SetResult(-int64(syscall.ENOSYS))
		return
	}

	path, err := m.Mem().MemString(m.Sysarg(0))
	if err != nil {
		m.SetResult(-int64(syscall.EFAULT))
		return
	}

	resolved := k.ResolvePath(path)
	if resolved == "" {
		m.SetResult(-int64(syscall.ENOENT))
		return
	}

	args, err := k.readStringVector(m.Sysarg(1))
	if err != nil {
		m.SetResult(-int64(syscall.EFAULT))
		return
	}
	if len(args) == 0 {
		args = []string{path}
	}

	// Shebang: rewrite argv as interpreter [arg] script argv[1:], with
	// /usr/bin/env collapsed through a PATH search.
	if content := k.readFile(resolved); content != nil {
		if interp, interpArg, ok := parseShebang(content); ok {
			newArgs := []string{interp}
			if interpArg != "" {
				newArgs = append(newArgs, interpArg)
			}
			newArgs = append(newArgs, resolved)
			newArgs = append(newArgs, args[1:]...)
			args = newArgs

			if interp == "/usr/bin/env" && len(args) >= 2 {
				if found := k.SearchPath(args[1]); found != "" {
					args[0] = found
					args = append(args[:1], args[2:]...)
					resolved = k.ResolvePath(found)
				}
			} else {
				resolved = k.ResolvePath(interp)
			}
			if resolved == "" {
				m.SetResult(-int64(syscall.ENOENT))
				return
			}
		}
	}

	newBinary := k.readFile(resolved)
	if loader.MatchRiscv64(newBinary) && !bytes.Equal(newBinary, k.Exec.ExecBinary) {
		k.execNewBinary(resolved, newBinary, args)
		return
	}

	// Same binary or non-ELF: rebuild the stack with the new argv and
	// re-enter the dynamic linker.
	sp, err := k.SetupStack(k.Exec.ExecInfo, k.Exec.InterpBase, args, k.Exec.Env, k.Exec.OriginalStackTop)
	if err != nil {
		m.SetResult(-int64(syscall.ENOEXEC))
		return
	}
	clearRegs(m)
	m.SetReg(riscv64.REG_SP, sp)
	m.Jump(k.Exec.InterpEntry)
}

func (k *LinuxKernel) readStringVector(addr uint64) ([]string, error) {
	mem := k.M.Mem()
	var out []string
	for i := 0; i < 256; i++ {
		ptr, err := mem.ReadU64(addr + uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			break
		}
		s, err := mem.MemString(ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func clearRegs(m models.Machine) {
	for i := 1; i < 32; i++ {
		m.SetReg(i, 0)
	}
}

func (k *LinuxKernel) execNewBinary(resolved string, newBinary []byte, args []string) {
	m := k.M
	mem := m.Mem()

	execInfo, err := loader.Parse(newBinary)
	if err != nil {
		m.SetResult(-int64(syscall.ENOEXEC))
		return
	}
	slog.Debug("execve new binary", "path", resolved, "size", len(newBinary))

	newLo, newHi, err := loader.LoadRange(newBinary)
	if err != nil {
		m.SetResult(-int64(syscall.ENOEXEC))
		return
	}
	execBase := uint64(PIEBase)
	loadEnd := execBase + newHi - newLo
	if loadEnd >= mem.ArenaSize() {
		slog.Warn("execve target exceeds arena", "loadEnd", loadEnd, "arena", mem.ArenaSize())
		m.SetResult(-int64(syscall.ENOMEM))
		return
	}

	// Stale decoded instructions from the old binary must go before
	// any new code byte lands; set_page_attr alone does not touch the
	// decoder cache.
	mem.EvictExecuteSegments()

	// Open both the new and the old load ranges for writing.
	mem.SetPageAttr(execBase, loadEnd-execBase, models.PageRW)
	if oldLo, oldHi, err := loader.LoadRange(k.Exec.ExecBinary); err == nil {
		oldStart := k.Exec.ExecBase
		oldEnd := oldStart + oldHi - oldLo
		if oldEnd > oldStart {
			mem.SetPageAttr(oldStart, oldEnd-oldStart, models.PageRW)
		}
	}

	if execInfo.Type == loader.DYN {
		if err := LoadElfSegments(mem, newBinary, execBase); err != nil {
			m.SetResult(-int64(syscall.ENOEXEC))
			return
		}
		execInfo.PhdrAddr += execBase - newLo
		execInfo.Entry += execBase - newLo
		k.Exec.ExecBase = execBase
		rwLo, rwHi, _ := loader.WritableRange(newBinary)
		k.Exec.ExecRwStart = execBase - newLo + rwLo
		k.Exec.ExecRwEnd = execBase - newLo + rwHi
	} else {
		if err := LoadElfSegments(mem, newBinary, 0); err != nil {
			m.SetResult(-int64(syscall.ENOEXEC))
			return
		}
		k.Exec.ExecBase = 0
		loadEnd = newHi
		rwLo, rwHi, _ := loader.WritableRange(newBinary)
		k.Exec.ExecRwStart = rwLo
		k.Exec.ExecRwEnd = rwHi
	}

	// Dynamic targets reload their interpreter at the previous base;
	// the interpreter is PIC so the same base always works.
	interpBase := k.Exec.InterpBase
	interpEntry := k.Exec.InterpEntry
	if execInfo.Dynamic && execInfo.Interp != "" {
		interpResolved := k.ResolvePath(execInfo.Interp)
		interpBinary := k.readFile(interpResolved)
		if len(interpBinary) == 0 {
			slog.Warn("execve interpreter missing", "interp", execInfo.Interp)
			m.SetResult(-int64(syscall.ENOENT))
			return
		}
		if oldILo, oldIHi, err := loader.LoadRange(k.Exec.InterpBinary); err == nil {
			mem.SetPageAttr(interpBase, oldIHi-oldILo, models.PageRW)
		}
		if err := LoadElfSegments(mem, interpBinary, interpBase); err != nil {
			m.SetResult(-int64(syscall.ENOEXEC))
			return
		}
		interpInfo, err := loader.Parse(interpBinary)
		if err != nil {
			m.SetResult(-int64(syscall.ENOEXEC))
			return
		}
		if interpInfo.Type == loader.DYN {
			ilo, _, _ := loader.LoadRange(interpBinary)
			interpEntry = interpInfo.Entry - ilo + interpBase
		} else {
			interpEntry = interpInfo.Entry
		}
		irwLo, irwHi, _ := loader.WritableRange(interpBinary)
		k.Exec.InterpRwStart = interpBase + irwLo
		k.Exec.InterpRwEnd = interpBase + irwHi
		k.Exec.InterpBinary = interpBinary
		k.Exec.InterpEntry = interpEntry
	}

	k.Exec.ExecBinary = newBinary
	k.Exec.ExecInfo = execInfo

	// Reset the memory layout: the break roots past the new binary
	// (and interpreter), the bump pointer above the break region. The
	// old heap bookkeeping points into the new binary's text.
	maxEnd := loadEnd
	if execInfo.Dynamic {
		ilo, ihi, err := loader.LoadRange(k.Exec.InterpBinary)
		if err == nil {
			if interpEnd := interpBase + (ihi - ilo); interpEnd > maxEnd {
				maxEnd = interpEnd
			}
		}
	}
	newBrkBase := pageAlign(maxEnd)
	k.Exec.BrkBase = newBrkBase
	k.Exec.BrkCurrent = newBrkBase
	k.Exec.BrkOverridden = true
	mem.SetPageAttr(newBrkBase, brkMax, models.PageRW)
	if mem.MmapAddress() < newBrkBase+brkMax {
		mem.SetMmapAddress(newBrkBase + brkMax)
	}
	k.syncBump()

	// Fresh stack above the bump pointer, clear of brk and future
	// mmaps.
	newStackTop := mem.MmapAddress() + execStackSize
	if newStackTop >= mem.ArenaSize() {
		newStackTop = interpBase - pageSize
	}
	mem.SetPageAttr(newStackTop-execStackSize, execStackSize, models.PageRW)
	if mem.MmapAddress() < newStackTop+pageSize {
		mem.SetMmapAddress(newStackTop + pageSize)
	}
	k.syncBump()
	k.Exec.OriginalStackTop = newStackTop

	sp, err := k.SetupStack(execInfo, interpBase, args, k.Exec.Env, newStackTop)
	if err != nil {
		m.SetResult(-int64(syscall.ENOEXEC))
		return
	}

	clearRegs(m)
	m.SetReg(riscv64.REG_SP, sp)
	if execInfo.Dynamic {
		m.Jump(interpEntry)
	} else {
		m.Jump(execInfo.Entry)
	}
	slog.Debug("execve jump", "entry", m.PC(), "sp", sp)

	// Stop so the run loop re-enters simulate with clean caches; the
	// dispatch must not fetch another instruction from evicted
	// segments.
	k.ExecveRestart = true
	m.Stop()
}
