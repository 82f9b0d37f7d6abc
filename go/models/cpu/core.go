package cpu

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/maceip/friscy/go/models"
)

// Interpreter is the pluggable instruction decoder/executor. Step
// fetches and executes one instruction against the core; guest faults
// surface as *models.MachineException.
type Interpreter interface {
	Step(c *Core) error
}

// DefaultInterpreter is set by a linked decoder backend's init(); the
// CLI refuses to run without one.
var DefaultInterpreter Interpreter

// Core implements models.Machine over an ArenaMem and a register
// file, with the decoder behind the Interpreter interface.
type Core struct {
	*ArenaMem

	regs    [32]uint64
	pc      uint64
	stopped bool
	result  uint64

	handlers map[int]models.SyscallHandler
	printer  func(p []byte)
	interp   Interpreter

	instructions uint64
	limitReached bool
}

func NewCore(bits uint, interp Interpreter) *Core {
	return &Core{
		ArenaMem: NewArenaMem(bits),
		handlers: make(map[int]models.SyscallHandler),
		interp:   interp,
	}
}

func (c *Core) Reg(i int) uint64 { return c.regs[i] }

func (c *Core) SetReg(i int, val uint64) {
	if i != 0 {
		c.regs[i] = val
	}
}

func (c *Core) PC() uint64              { return c.pc }
func (c *Core) Jump(addr uint64)        { c.pc = addr }
func (c *Core) IncrementPC(delta int64) { c.pc += uint64(delta) }
func (c *Core) Stop()                   { c.stopped = true }
func (c *Core) Stopped() bool           { return c.stopped }
func (c *Core) ClearStopped()           { c.stopped = false }

func (c *Core) ReturnValue() uint64 { return c.result }

func (c *Core) InstructionLimitReached() bool { return c.limitReached }

func (c *Core) Counters() (uint64, uint64) { return c.instructions, 0 }

func (c *Core) Mem() models.Memory { return c.ArenaMem }

func (c *Core) Sysarg(i int) uint64 { return c.regs[10+i] }

func (c *Core) SetResult(val int64) {
	c.result = uint64(val)
	c.regs[10] = uint64(val)
}

func (c *Core) InstallSyscallHandler(nr int, fn models.SyscallHandler) {
	c.handlers[nr] = fn
}

func (c *Core) SyscallHandler(nr int) models.SyscallHandler {
	return c.handlers[nr]
}

func (c *Core) Print(p []byte) {
	if c.printer != nil {
		c.printer(p)
	}
}

func (c *Core) SetPrinter(fn func(p []byte)) { c.printer = fn }

func (c *Core) StrucAt(addr uint64) *models.StrucStream {
	return &models.StrucStream{
		Stream: models.NewMemCursor(c.ArenaMem, addr),
		Order:  binary.LittleEndian,
	}
}

// SetInterpreter attaches (or swaps) the decoder backend.
func (c *Core) SetInterpreter(interp Interpreter) { c.interp = interp }

// Ecall dispatches the syscall in a7 to its installed handler, or to
// the fallback installed under nr -1.
func (c *Core) Ecall() {
	nr := int(int64(c.regs[17]))
	fn := c.handlers[nr]
	if fn == nil {
		fn = c.handlers[-1]
	}
	if fn != nil {
		fn(c)
	}
}

// Simulate runs the interpreter until the machine stops or the budget
// is exhausted.
func (c *Core) Simulate(budget uint64) error {
	if c.interp == nil {
		return errors.New("no interpreter attached to core")
	}
	c.stopped = false
	c.limitReached = false
	for i := uint64(0); i < budget; i++ {
		if c.stopped {
			return nil
		}
		if err := c.interp.Step(c); err != nil {
			return err
		}
		c.instructions++
	}
	c.limitReached = true
	return nil
}

func (c *Core) Resume(budget uint64) error {
	return c.Simulate(budget)
}
