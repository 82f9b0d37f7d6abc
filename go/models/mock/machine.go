// Package mock provides an in-memory Machine for exercising syscall
// handlers without a real decoder behind them.
package mock

import (
	"github.com/maceip/friscy/go/models/cpu"
)

type Machine struct {
	*cpu.Core

	Output []byte
}

func NewMachine(bits uint) *Machine {
	m := &Machine{Core: cpu.NewCore(bits, nil)}
	m.SetPrinter(func(p []byte) {
		m.Output = append(m.Output, p...)
	})
	return m
}

// SetSysargs loads syscall arguments into a0..a5.
func (m *Machine) SetSysargs(args ...uint64) {
	for i, a := range args {
		m.SetReg(10+i, a)
	}
}

// Ecall dispatches syscall nr as if the guest executed an ecall.
func (m *Machine) Ecall(nr int) {
	m.SetReg(17, uint64(nr))
	m.Core.Ecall()
}
