package models

import (
	"bytes"
	"fmt"
	"io"
)

// PageAttr is the protection triple tracked per guest page.
type PageAttr struct {
	Read  bool
	Write bool
	Exec  bool
}

var PageRWX = PageAttr{Read: true, Write: true, Exec: true}
var PageRW = PageAttr{Read: true, Write: true}

// Machine exception kinds, mirrored from the CPU core.
const (
	ExcProtectionFault = iota
	ExcOutOfBounds
	ExcIllegalInstruction
	ExcInstructionLimit
)

// MachineException is raised by the CPU core for guest faults. Data is
// the faulting guest address, zero when the exception is not
// address-related (e.g. an exhausted instruction budget).
type MachineException struct {
	Msg  string
	Addr uint64
	Kind int
}

func (e *MachineException) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s (data: 0x%x)", e.Msg, e.Addr)
	}
	return e.Msg
}

func (e *MachineException) What() string { return e.Msg }
func (e *MachineException) Data() uint64 { return e.Addr }
func (e *MachineException) Type() int    { return e.Kind }

// Cpu abstracts the minimum functionality required from a RISC-V CPU
// core. The decoder/interpreter itself is a black box behind Simulate.
type Cpu interface {
	Reg(i int) uint64
	SetReg(i int, val uint64)
	PC() uint64
	Jump(addr uint64)
	IncrementPC(delta int64)

	// Simulate runs until the machine stops, exits, or the instruction
	// budget is exhausted. Guest faults surface as *MachineException.
	Simulate(budget uint64) error
	Resume(budget uint64) error
	Stop()

	Counters() (instructions, cycles uint64)
	InstructionLimitReached() bool
}

// Memory abstracts the flat encompassing arena the CPU core owns. All
// guest pointers are offsets within [0, ArenaSize).
type Memory interface {
	Memcpy(dst uint64, src []byte) error
	MemcpyOut(dst []byte, src uint64) error
	MemString(addr uint64) (string, error)
	MemView(addr, size uint64) ([]byte, error)

	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)
	WriteU8(addr uint64, val uint8) error
	WriteU16(addr uint64, val uint16) error
	WriteU32(addr uint64, val uint32) error
	WriteU64(addr uint64, val uint64) error

	SetPageAttr(addr, size uint64, attr PageAttr)
	Memdiscard(addr, size uint64, zero bool) error

	// MmapAllocate reserves size bytes at the bump frontier and returns
	// the base. MmapAllocate(0) probes the current frontier.
	MmapAllocate(size uint64) uint64
	MmapAddress() uint64
	SetMmapAddress(addr uint64)
	MmapStart() uint64
	HeapAddress() uint64

	// EvictExecuteSegments drops every cached decoded instruction.
	// Must be called before replacing bytes in an executable range.
	EvictExecuteSegments()

	ArenaSize() uint64
}

// SyscallHandler services one guest ecall against the machine.
type SyscallHandler func(Machine)

// Machine is the capability handed to syscall handlers: register and
// memory access, result assignment and lifecycle control.
type Machine interface {
	Cpu

	Mem() Memory

	// Sysarg reads syscall argument i from a0..a5.
	Sysarg(i int) uint64
	SetResult(val int64)
	ReturnValue() uint64

	InstallSyscallHandler(nr int, fn SyscallHandler)
	SyscallHandler(nr int) SyscallHandler

	Print(p []byte)
	SetPrinter(fn func(p []byte))

	StrucAt(addr uint64) *StrucStream
}

// memCursor adapts guest memory at a moving offset to io.ReadWriter so
// struc can pack directly into the arena.
type memCursor struct {
	mem  Memory
	addr uint64
}

func (c *memCursor) Read(p []byte) (int, error) {
	if err := c.mem.MemcpyOut(p, c.addr); err != nil {
		return 0, err
	}
	c.addr += uint64(len(p))
	return len(p), nil
}

func (c *memCursor) Write(p []byte) (int, error) {
	if err := c.mem.Memcpy(c.addr, p); err != nil {
		return 0, err
	}
	c.addr += uint64(len(p))
	return len(p), nil
}

// NewMemCursor returns an io.ReadWriter over guest memory starting at
// addr.
func NewMemCursor(mem Memory, addr uint64) io.ReadWriter {
	return &memCursor{mem: mem, addr: addr}
}

// Pad returns p zero-padded to length n (used for fixed utsname-style
// fields).
func Pad(p []byte, n int) []byte {
	if len(p) >= n {
		return p[:n]
	}
	return append(p, bytes.Repeat([]byte{0}, n-len(p))...)
}
