// Package mmu implements the software memory management unit for a guest
// address space: a flat byte buffer, a parallel per-byte permission buffer,
// and a dirty-block journal that lets a worker emulator be restored to a
// reference snapshot in time proportional to what it touched, not to the
// size of guest memory.
package mmu

import (
	"errors"
	"fmt"
	"io"
)

// Perm is a bitset of permission flags, one byte per guest memory byte.
type Perm uint8

const (
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermExec  Perm = 1 << 2
	// PermRAW marks a byte writable-but-not-yet-readable: cleared and
	// replaced by PermRead on the byte's first successful write.
	PermRAW Perm = 1 << 3
)

func (p Perm) String() string {
	s := ""
	if p&PermRead != 0 {
		s += "R"
	}
	if p&PermWrite != 0 {
		s += "W"
	}
	if p&PermExec != 0 {
		s += "X"
	}
	if p&PermRAW != 0 {
		s += "a"
	}
	if s == "" {
		return "-"
	}
	return s
}

// VirtAddr is a guest virtual address.
type VirtAddr uint64

// DirtyBlockSize is the granularity of the journal: a single written byte
// dirties its whole 64-byte block.
const DirtyBlockSize uint = 64

// Sentinel errors returned by MMU operations.
var (
	ErrMemFull        = errors.New("mmu: guest memory is full")
	ErrWouldOverrun   = errors.New("mmu: allocation would overrun guest address space")
	ErrNoPerm         = errors.New("mmu: permission denied")
	ErrAddrOutOfRange = errors.New("mmu: address out of range")
)

// MMU owns the flat guest memory buffer, its permission shadow, the bump
// allocator cursor, the address map of loaded segments, and the dirty-block
// journal used for fast snapshot reset.
type MMU struct {
	memory      []byte
	permissions []Perm

	// currAllocAdr is the bump cursor for the heap: the virtual base of the
	// next allocation. It never decreases.
	currAllocAdr VirtAddr

	// initialStackAdrVirt and initialStackAdrMapped are recorded once at
	// boot and never change afterwards.
	initialStackAdrVirt   VirtAddr
	initialStackAdrMapped VirtAddr

	journal *Journal
	addrMap *AddrMap
}

// New creates an MMU over memorySize bytes of guest address space. The
// allocator cursor starts at baseAllocAdr, leaving the region below it for
// the caller (loaded segments and a carved-out stack) to manage directly.
func New(memorySize uint, baseAllocAdr VirtAddr) *MMU {
	return &MMU{
		memory:       make([]byte, memorySize),
		permissions:  make([]Perm, memorySize),
		currAllocAdr: baseAllocAdr,
		journal:      NewJournal(memorySize),
		addrMap:      NewAddrMap(),
	}
}

// Size returns the total size of the guest address space.
func (m *MMU) Size() uint {
	return uint(len(m.memory))
}

// AddrMap exposes the address map so the ELF loader and emulator facade can
// record loaded-segment translations.
func (m *MMU) AddrMap() *AddrMap {
	return m.addrMap
}

// Journal exposes the dirty-block journal for diagnostics and tests.
func (m *MMU) Journal() *Journal {
	return m.journal
}

// SetInitialStack records the boot-time stack base once. Subsequent calls
// are no-ops; the values are fixed for the lifetime of the MMU.
func (m *MMU) SetInitialStack(virt, mapped VirtAddr) {
	if m.initialStackAdrVirt != 0 || m.initialStackAdrMapped != 0 {
		return
	}
	m.initialStackAdrVirt = virt
	m.initialStackAdrMapped = mapped
}

// InitialStackAddr returns the boot-time (virtual, mapped) stack base.
func (m *MMU) InitialStackAddr() (virt, mapped VirtAddr) {
	return m.initialStackAdrVirt, m.initialStackAdrMapped
}

// CurrAllocAddr returns the current bump-allocator cursor.
func (m *MMU) CurrAllocAddr() VirtAddr {
	return m.currAllocAdr
}

// Allocate reserves size bytes at the current heap cursor, marks them
// WRITE|RAW, and advances the cursor. The cursor is left untouched on
// error.
func (m *MMU) Allocate(size uint) (VirtAddr, error) {
	if uint(m.currAllocAdr) >= uint(len(m.memory)) {
		return 0, ErrMemFull
	}
	if uint(m.currAllocAdr)+size > uint(len(m.memory)) {
		return 0, ErrWouldOverrun
	}

	base := m.currAllocAdr
	m.currAllocAdr += VirtAddr(size)
	m.SetPermissions(base, size, PermWrite|PermRAW)
	return base, nil
}

// Brk implements the brk(2) heap-growth contract on top of the same bump
// cursor Allocate advances: requested=0 queries the current break without
// changing it; a requested address at or below the current break is a
// no-op (this model never shrinks the heap); anything above grows the
// break to requested, marking the new range WRITE|RAW exactly like
// Allocate. It always returns the resulting break.
func (m *MMU) Brk(requested uint64) (uint64, error) {
	if requested == 0 || requested <= uint64(m.currAllocAdr) {
		return uint64(m.currAllocAdr), nil
	}
	grow := uint(requested) - uint(m.currAllocAdr)
	if _, err := m.Allocate(grow); err != nil {
		return uint64(m.currAllocAdr), err
	}
	return uint64(m.currAllocAdr), nil
}

// SetPermissions overwrites the permission byte of every address in
// [startVirt, startVirt+size) with perm, replacing any prior RAW bit
// verbatim. The caller is trusted to have obtained startVirt from Allocate
// or a loaded segment; out-of-range requests are a programmer error and
// panic rather than silently truncating.
func (m *MMU) SetPermissions(startVirt VirtAddr, size uint, perm Perm) {
	mapped := m.addrMap.Translate(uint(startVirt))
	if mapped+size > uint(len(m.memory)) {
		panic(fmt.Sprintf("mmu: SetPermissions out of range: base=%#x size=%d memory=%d", mapped, size, len(m.memory)))
	}
	for i := mapped; i < mapped+size; i++ {
		m.permissions[i] = perm
	}
}

// Write copies src into guest memory starting at dstVirt. Each byte is
// translated, bounds-checked and permission-checked independently; bytes
// that succeed before a failing byte remain written and journaled — the
// caller must treat any non-nil error as fatal for the guest case.
func (m *MMU) Write(dstVirt VirtAddr, src []byte) error {
	for i, b := range src {
		mapped := m.addrMap.Translate(uint(dstVirt) + uint(i))
		if mapped >= uint(len(m.memory)) {
			return ErrAddrOutOfRange
		}
		if m.permissions[mapped]&PermWrite == 0 {
			return ErrNoPerm
		}

		m.memory[mapped] = b

		if m.permissions[mapped]&PermRAW != 0 {
			m.permissions[mapped] = (m.permissions[mapped] &^ PermRAW) | PermRead
		}

		m.journal.MakeDirty(mapped)
	}
	return nil
}

// Read copies from guest memory starting at srcVirt into dst, requiring
// PermRead on every byte touched. Same partial-fill-on-error semantics as
// Write.
func (m *MMU) Read(dst []byte, srcVirt VirtAddr) error {
	return m.readWithPerm(dst, srcVirt, PermRead)
}

// ReadExpectPerm reads like Read but checks expPerm instead of PermRead.
// Used by the execution loop to fetch instructions (expects PermExec) from
// ranges that may not carry PermRead, and by the debug CLI's break command
// to check that an address is executable.
func (m *MMU) ReadExpectPerm(dst []byte, srcVirt VirtAddr, expPerm Perm) error {
	return m.readWithPerm(dst, srcVirt, expPerm)
}

func (m *MMU) readWithPerm(dst []byte, srcVirt VirtAddr, expPerm Perm) error {
	for i := range dst {
		mapped := m.addrMap.Translate(uint(srcVirt) + uint(i))
		if mapped >= uint(len(m.memory)) {
			return ErrAddrOutOfRange
		}
		if m.permissions[mapped]&expPerm == 0 {
			return ErrNoPerm
		}
		dst[i] = m.memory[mapped]
	}
	return nil
}

// sizeLetterWidth maps a debug-CLI size letter to its width in bytes.
func sizeLetterWidth(sizeLetter byte) (uint, error) {
	switch sizeLetter {
	case 'b':
		return 1, nil
	case 'h':
		return 2, nil
	case 'w':
		return 4, nil
	case 'g':
		return 8, nil
	default:
		return 0, fmt.Errorf("mmu: invalid size letter %q (want one of b,h,w,g)", sizeLetter)
	}
}

// Search linearly scans guest memory, reading sizeLetter-wide little-endian
// unsigned integers at every offset, and returns every flat-buffer offset
// where the value equals needle. Offsets are not translated back through
// the address map, so they equal virtual addresses only in identity-mapped
// regions. Debug-only; not on a hot path.
func (m *MMU) Search(needle uint64, sizeLetter byte) ([]VirtAddr, error) {
	width, err := sizeLetterWidth(sizeLetter)
	if err != nil {
		return nil, err
	}

	var hits []VirtAddr
	for off := uint(0); off+width <= uint(len(m.memory)); off++ {
		var v uint64
		for b := uint(0); b < width; b++ {
			v |= uint64(m.memory[off+b]) << (8 * b)
		}
		if v == needle {
			hits = append(hits, VirtAddr(off))
		}
	}
	return hits, nil
}

// Print pretty-prints count elements of sizeLetter bytes starting at
// startVirt to w. Diagnostic only.
func (m *MMU) Print(w io.Writer, startVirt VirtAddr, count uint, sizeLetter byte) error {
	width, err := sizeLetterWidth(sizeLetter)
	if err != nil {
		return err
	}

	for i := uint(0); i < count; i++ {
		adr := startVirt + VirtAddr(i*width)
		mapped := m.addrMap.Translate(uint(adr))
		if mapped+width > uint(len(m.memory)) {
			return ErrAddrOutOfRange
		}

		var v uint64
		for b := uint(0); b < width; b++ {
			v |= uint64(m.memory[mapped+b]) << (8 * b)
		}
		fmt.Fprintf(w, "vma:%#08x  %0*x  [%s]\n", adr, width*2, v, m.permissions[mapped])
	}
	return nil
}

// Fork produces a deep copy of the MMU: memory, permissions, and the
// address map are copied; the clone's journal starts empty.
func (m *MMU) Fork() *MMU {
	clone := &MMU{
		memory:                make([]byte, len(m.memory)),
		permissions:           make([]Perm, len(m.permissions)),
		currAllocAdr:          m.currAllocAdr,
		initialStackAdrVirt:   m.initialStackAdrVirt,
		initialStackAdrMapped: m.initialStackAdrMapped,
		journal:               NewJournal(uint(len(m.memory))),
		addrMap:               m.addrMap.Clone(),
	}
	copy(clone.memory, m.memory)
	copy(clone.permissions, m.permissions)
	return clone
}

// Reset restores self to src over exactly the blocks self's journal marked
// dirty, then clears the journal. Blocks never dirtied are left untouched:
// the only way they could have diverged from src is a write, which would
// have dirtied them.
func (m *MMU) Reset(src *MMU) {
	for _, block := range m.journal.Blocks() {
		start := block * DirtyBlockSize
		end := start + DirtyBlockSize
		if end > uint(len(m.memory)) {
			end = uint(len(m.memory))
		}
		copy(m.memory[start:end], src.memory[start:end])
		copy(m.permissions[start:end], src.permissions[start:end])
	}
	m.currAllocAdr = src.currAllocAdr
	m.journal.Clear()
}
