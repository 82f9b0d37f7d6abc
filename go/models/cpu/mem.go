// Package cpu provides a reference implementation of the flat
// encompassing-arena memory model the emulator core is written
// against. A real CPU backend supplies its own; this one backs the
// mock machine used in tests and is usable by embedders that bring
// only an instruction interpreter.
package cpu

import (
	"bytes"
	"encoding/binary"

	"github.com/maceip/friscy/go/models"
)

const PageSize = 4096
const PageMask = ^uint64(PageSize - 1)

// ArenaMem is a contiguous guest address space of 2^N bytes with a
// sparse page-attribute map. Pages default to rwx; only pages touched
// by SetPageAttr carry restrictions.
type ArenaMem struct {
	arena     []byte
	attrs     map[uint64]models.PageAttr
	mmapStart uint64
	mmapAddr  uint64
	heapAddr  uint64

	// EvictHook is invoked by EvictExecuteSegments, letting a decoder
	// or JIT layer drop cached translations.
	EvictHook func()
	Evictions int
}

func NewArenaMem(bits uint) *ArenaMem {
	return &ArenaMem{
		arena: make([]byte, uint64(1)<<bits),
		attrs: make(map[uint64]models.PageAttr),
	}
}

func (m *ArenaMem) ArenaSize() uint64 { return uint64(len(m.arena)) }

func (m *ArenaMem) fault(addr uint64) error {
	return &models.MachineException{
		Msg:  "protection fault",
		Addr: addr,
		Kind: models.ExcProtectionFault,
	}
}

func (m *ArenaMem) oob(addr uint64) error {
	return &models.MachineException{
		Msg:  "address out of arena",
		Addr: addr,
		Kind: models.ExcOutOfBounds,
	}
}

func (m *ArenaMem) attrAt(addr uint64) models.PageAttr {
	if a, ok := m.attrs[addr&PageMask]; ok {
		return a
	}
	return models.PageRWX
}

func (m *ArenaMem) checkRange(addr, size uint64, write bool) error {
	if size == 0 {
		return nil
	}
	end := addr + size
	if end < addr || end > m.ArenaSize() {
		return m.oob(addr)
	}
	for page := addr & PageMask; page < end; page += PageSize {
		attr := m.attrAt(page)
		if write && !attr.Write {
			return m.fault(page)
		}
		if !write && !attr.Read {
			return m.fault(page)
		}
	}
	return nil
}

func (m *ArenaMem) Memcpy(dst uint64, src []byte) error {
	if err := m.checkRange(dst, uint64(len(src)), true); err != nil {
		return err
	}
	copy(m.arena[dst:], src)
	return nil
}

func (m *ArenaMem) MemcpyOut(dst []byte, src uint64) error {
	if err := m.checkRange(src, uint64(len(dst)), false); err != nil {
		return err
	}
	copy(dst, m.arena[src:])
	return nil
}

func (m *ArenaMem) MemString(addr uint64) (string, error) {
	if addr >= m.ArenaSize() {
		return "", m.oob(addr)
	}
	if i := bytes.IndexByte(m.arena[addr:], 0); i >= 0 {
		return string(m.arena[addr : addr+uint64(i)]), nil
	}
	return "", m.oob(addr)
}

func (m *ArenaMem) MemView(addr, size uint64) ([]byte, error) {
	if err := m.checkRange(addr, size, false); err != nil {
		return nil, err
	}
	return m.arena[addr : addr+size : addr+size], nil
}

func (m *ArenaMem) ReadU8(addr uint64) (uint8, error) {
	var p [1]byte
	err := m.MemcpyOut(p[:], addr)
	return p[0], err
}

func (m *ArenaMem) ReadU16(addr uint64) (uint16, error) {
	var p [2]byte
	err := m.MemcpyOut(p[:], addr)
	return binary.LittleEndian.Uint16(p[:]), err
}

func (m *ArenaMem) ReadU32(addr uint64) (uint32, error) {
	var p [4]byte
	err := m.MemcpyOut(p[:], addr)
	return binary.LittleEndian.Uint32(p[:]), err
}

func (m *ArenaMem) ReadU64(addr uint64) (uint64, error) {
	var p [8]byte
	err := m.MemcpyOut(p[:], addr)
	return binary.LittleEndian.Uint64(p[:]), err
}

func (m *ArenaMem) WriteU8(addr uint64, val uint8) error {
	return m.Memcpy(addr, []byte{val})
}

func (m *ArenaMem) WriteU16(addr uint64, val uint16) error {
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], val)
	return m.Memcpy(addr, p[:])
}

func (m *ArenaMem) WriteU32(addr uint64, val uint32) error {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], val)
	return m.Memcpy(addr, p[:])
}

func (m *ArenaMem) WriteU64(addr uint64, val uint64) error {
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], val)
	return m.Memcpy(addr, p[:])
}

func (m *ArenaMem) SetPageAttr(addr, size uint64, attr models.PageAttr) {
	if size == 0 {
		return
	}
	end := addr + size
	if end > m.ArenaSize() {
		end = m.ArenaSize()
	}
	for page := addr & PageMask; page < end; page += PageSize {
		m.attrs[page] = attr
	}
}

func (m *ArenaMem) Memdiscard(addr, size uint64, zero bool) error {
	end := addr + size
	if end < addr || end > m.ArenaSize() {
		return m.oob(addr)
	}
	if zero {
		clearRange(m.arena[addr:end])
	}
	return nil
}

func (m *ArenaMem) MmapAllocate(size uint64) uint64 {
	addr := m.mmapAddr
	m.mmapAddr += size
	return addr
}

func (m *ArenaMem) MmapAddress() uint64        { return m.mmapAddr }
func (m *ArenaMem) SetMmapAddress(addr uint64) { m.mmapAddr = addr }
func (m *ArenaMem) MmapStart() uint64          { return m.mmapStart }

func (m *ArenaMem) SetMmapStart(addr uint64) {
	m.mmapStart = addr
	if m.mmapAddr < addr {
		m.mmapAddr = addr
	}
}

func (m *ArenaMem) HeapAddress() uint64        { return m.heapAddr }
func (m *ArenaMem) SetHeapAddress(addr uint64) { m.heapAddr = addr }

func (m *ArenaMem) EvictExecuteSegments() {
	m.Evictions++
	if m.EvictHook != nil {
		m.EvictHook()
	}
}

func clearRange(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
