// Package emu wires the pieces into a runnable guest: ELF bring-up,
// dynamic-linker load, initial stack, and the outer run loop with its
// fault-retry and stdin-yield machinery.
package emu

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/maceip/friscy/go/arch/riscv64"
	"github.com/maceip/friscy/go/kernel/linux"
	"github.com/maceip/friscy/go/loader"
	"github.com/maceip/friscy/go/models"
)

// InterpBase is the fixed high load address for the dynamic linker,
// inside the arena and clear of the main binary.
const InterpBase = 0x18000000

// HeapSize is the native heap reserved up front; the mmap bump starts
// above it.
const HeapSize = 64 << 20

// MaxInstructions is the per-Simulate instruction budget.
const MaxInstructions = 16_000_000_000

// faultRetryMax bounds the page-promote-and-retry loop.
const faultRetryMax = 8

// ErrStdinWait is returned by Run when the guest blocked on stdin and
// no OnStdinWait callback is installed; call Resume once the embedder
// has queued more input.
var ErrStdinWait = errors.New("guest waiting for stdin")

type Options struct {
	// Rootfs holds tar bytes for container mode; nil runs standalone.
	Rootfs []byte
	// Entry is the guest path of the binary in rootfs mode.
	Entry string
	// Binary is the raw ELF in standalone mode.
	Binary []byte

	Args []string
	Env  []string

	// InstructionBudget overrides MaxInstructions when nonzero.
	InstructionBudget uint64

	// OnStdinWait blocks until stdin has data or EOF; returning false
	// aborts the wait. Leave nil to have Run return ErrStdinWait
	// instead (event-loop embedding).
	OnStdinWait func() bool
}

type Emu struct {
	task   *Task
	Kernel *linux.LinuxKernel
	opts   Options

	budget       uint64
	faultRetries int
	started      bool
}

// New loads the guest into the machine and prepares the initial stack.
func New(m models.Machine, opts Options) (*Emu, error) {
	e := &Emu{
		task:   NewTask(m),
		Kernel: linux.NewKernel(m),
		opts:   opts,
		budget: opts.InstructionBudget,
	}
	if e.budget == 0 {
		e.budget = MaxInstructions
	}
	if err := e.setup(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Emu) Machine() models.Machine { return e.task.Machine }

func (e *Emu) setup() error {
	m := e.task.Machine
	mem := m.Mem()
	k := e.Kernel

	binary := e.opts.Binary
	exePath := e.opts.Entry
	if e.opts.Rootfs != nil {
		if err := k.Fs.LoadTar(e.opts.Rootfs); err != nil {
			return errors.Wrap(err, "rootfs load failed")
		}
		resolved := k.ResolvePath(e.opts.Entry)
		if resolved == "" {
			return errors.Errorf("entry not found in rootfs: %s", e.opts.Entry)
		}
		node := k.Fs.Resolve(resolved)
		if node == nil || !node.IsFile() {
			return errors.Errorf("entry is not a regular file: %s", e.opts.Entry)
		}
		binary = node.Content
		exePath = resolved
	}
	SetupVirtualFiles(k.Fs, exePath)
	if !loader.MatchRiscv64(binary) {
		return errors.New("not a 64-bit RISC-V ELF")
	}

	execInfo, err := loader.Parse(binary)
	if err != nil {
		return err
	}
	lo, hi, err := loader.LoadRange(binary)
	if err != nil {
		return err
	}

	// Main binary placement. A CPU backend that already loaded the
	// binary reports a nonzero start PC; recover the PIE base from it.
	var execBase uint64
	switch {
	case m.PC() != 0 && execInfo.Type == loader.DYN:
		execBase = m.PC() - execInfo.Entry
	case execInfo.Type == loader.DYN:
		execBase = linux.PIEBase
		if err := linux.LoadElfSegments(mem, binary, execBase); err != nil {
			return err
		}
	default:
		if err := linux.LoadElfSegments(mem, binary, 0); err != nil {
			return err
		}
	}
	if execInfo.Type == loader.DYN {
		execInfo.PhdrAddr += execBase - lo
		execInfo.Entry += execBase - lo
	}
	rwLo, rwHi, err := loader.WritableRange(binary)
	if err != nil {
		return err
	}
	k.Exec.ExecBinary = binary
	k.Exec.ExecInfo = execInfo
	k.Exec.ExecBase = execBase
	if execInfo.Type == loader.DYN {
		k.Exec.ExecRwStart = execBase - lo + rwLo
		k.Exec.ExecRwEnd = execBase - lo + rwHi
	} else {
		k.Exec.ExecRwStart = rwLo
		k.Exec.ExecRwEnd = rwHi
	}

	// Native heap above the loaded image; the mmap frontier starts
	// above the heap.
	loadEnd := hi
	if execInfo.Type == loader.DYN {
		loadEnd = execBase + (hi - lo)
	}
	if mem.MmapAddress() < pageAlign(loadEnd) {
		mem.SetMmapAddress(pageAlign(loadEnd))
	}
	heapStart := mem.MmapAllocate(HeapSize)
	k.Exec.HeapStart = heapStart
	k.Exec.HeapSize = HeapSize
	if s, ok := mem.(interface{ SetMmapStart(uint64) }); ok {
		s.SetMmapStart(heapStart + HeapSize)
	}
	if s, ok := mem.(interface{ SetHeapAddress(uint64) }); ok {
		s.SetHeapAddress(heapStart)
	}

	// Interpreter bring-up for dynamic binaries with a rootfs.
	var interpBase uint64
	entry := execInfo.Entry
	if execInfo.Dynamic && e.opts.Rootfs != nil {
		interpResolved := k.ResolvePath(execInfo.Interp)
		interpNode := k.Fs.Resolve(interpResolved)
		if interpNode == nil || !interpNode.IsFile() {
			return errors.Errorf("interpreter not found: %s", execInfo.Interp)
		}
		interpBinary := interpNode.Content
		interpInfo, err := loader.Parse(interpBinary)
		if err != nil {
			return errors.Wrap(err, "interpreter parse failed")
		}
		interpBase = InterpBase
		if err := linux.LoadElfSegments(mem, interpBinary, interpBase); err != nil {
			return errors.Wrap(err, "interpreter load failed")
		}
		ilo, ihi, err := loader.LoadRange(interpBinary)
		if err != nil {
			return err
		}
		interpEntry := interpInfo.Entry
		if interpInfo.Type == loader.DYN {
			interpEntry = interpInfo.Entry - ilo + interpBase
		}
		irwLo, irwHi, _ := loader.WritableRange(interpBinary)
		k.Exec.InterpBinary = interpBinary
		k.Exec.InterpBase = interpBase
		k.Exec.InterpEntry = interpEntry
		k.Exec.InterpRwStart = interpBase + irwLo
		k.Exec.InterpRwEnd = interpBase + irwHi
		k.Exec.Dynamic = true
		entry = interpEntry

		// Later bump allocations must not land inside the interpreter.
		if interpEnd := pageAlign(interpBase + (ihi - ilo)); mem.MmapAddress() < interpEnd {
			mem.SetMmapAddress(interpEnd)
		}
		slog.Debug("interpreter loaded", "base", interpBase, "entry", interpEntry)
	}

	// Stack: a native static CPU brings its own SP; otherwise place
	// the stack near the top of the arena.
	stackTop := m.Reg(riscv64.REG_SP)
	if stackTop == 0 {
		stackTop = mem.ArenaSize() - 0x10000
	}
	k.Exec.OriginalStackTop = stackTop

	args := e.opts.Args
	if len(args) == 0 {
		args = []string{e.opts.Entry}
	}
	k.Exec.Env = MergeEnv(e.opts.Env)

	sp, err := k.SetupStack(execInfo, interpBase, args, k.Exec.Env, stackTop)
	if err != nil {
		return errors.Wrap(err, "stack setup failed")
	}
	m.SetReg(riscv64.REG_SP, sp)
	m.Jump(entry)
	slog.Debug("guest ready", "entry", entry, "sp", sp, "dynamic", k.Exec.Dynamic)
	return nil
}

func pageAlign(n uint64) uint64 {
	return (n + 4095) &^ 4095
}

// Run drives the CPU until the guest exits: execve restarts re-enter
// simulate, faulting pages are promoted and retried, stdin starvation
// either blocks on the OnStdinWait callback or surfaces ErrStdinWait.
func (e *Emu) Run() (int, error) {
	m := e.task.Machine
	k := e.Kernel
	for {
		var err error
		if !e.started {
			e.started = true
			err = m.Simulate(e.budget)
		} else {
			err = m.Resume(e.budget)
		}

		if err != nil {
			exc, ok := err.(*models.MachineException)
			if !ok {
				return 1, err
			}
			if exc.Data() != 0 && e.faultRetries < faultRetryMax {
				// Promote the faulting page and retry; RELRO and BRK
				// pages show up here.
				e.faultRetries++
				page := exc.Data() &^ 4095
				slog.Debug("fault retry", "page", page, "attempt", e.faultRetries)
				m.Mem().SetPageAttr(page, 4096, models.PageRWX)
				continue
			}
			if exc.Data() == 0 {
				insns, _ := m.Counters()
				return 1, errors.Wrapf(exc, "stopped after %d instructions", insns)
			}
			return 1, errors.Wrap(exc, "unrecoverable machine exception")
		}

		switch {
		case k.ExecveRestart:
			k.ExecveRestart = false
			continue
		case k.WaitingForStdin:
			k.WaitingForStdin = false
			if e.opts.OnStdinWait == nil {
				return 0, ErrStdinWait
			}
			if !e.opts.OnStdinWait() {
				k.Stdin.SetEOF()
			}
			continue
		case m.InstructionLimitReached():
			// A budget expiry is a yield point, not an error.
			continue
		}
		return int(int32(uint32(m.ReturnValue()))), nil
	}
}

// Resume re-enters the run loop after an ErrStdinWait return.
func (e *Emu) Resume() (int, error) {
	return e.Run()
}

// ExportTar writes the live VFS back out as a ustar archive.
func (e *Emu) ExportTar(w io.Writer) error {
	return e.Kernel.Fs.ExportTar(w)
}

// Counters reports the CPU's instruction count.
func (e *Emu) Counters() string {
	insns, _ := e.task.Counters()
	return fmt.Sprintf("%d instructions", insns)
}
