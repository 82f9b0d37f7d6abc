package emu

import (
	"github.com/pkg/errors"

	"github.com/maceip/friscy/go/arch/riscv64"
	"github.com/maceip/friscy/go/models"
)

// Task wraps a machine with stack and struct conveniences.
type Task struct {
	models.Machine
}

func NewTask(m models.Machine) *Task {
	return &Task{Machine: m}
}

func (t *Task) SP() uint64 {
	return t.Reg(riscv64.REG_SP)
}

func (t *Task) SetSP(sp uint64) {
	t.SetReg(riscv64.REG_SP, sp)
}

// PushBytes writes p below the current SP and moves SP down.
func (t *Task) PushBytes(p []byte) (uint64, error) {
	sp := t.SP() - uint64(len(p))
	t.SetSP(sp)
	if err := t.Mem().Memcpy(sp, p); err != nil {
		return 0, errors.Wrap(err, "t.PushBytes() failed")
	}
	return sp, nil
}

// Push writes one 64-bit word onto the stack.
func (t *Task) Push(n uint64) (uint64, error) {
	sp := t.SP() - 8
	t.SetSP(sp)
	if err := t.Mem().WriteU64(sp, n); err != nil {
		return 0, errors.Wrap(err, "t.Push() failed")
	}
	return sp, nil
}

// Pop reads one 64-bit word off the stack.
func (t *Task) Pop() (uint64, error) {
	sp := t.SP()
	val, err := t.Mem().ReadU64(sp)
	if err != nil {
		return 0, errors.Wrap(err, "t.Pop() failed")
	}
	t.SetSP(sp + 8)
	return val, nil
}
