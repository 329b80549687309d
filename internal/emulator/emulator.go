// Package emulator ties the software MMU, the ELF loader, and a
// per-architecture decode/execute loop into one fuzzing-ready instance: load
// once, then fork/reset cheaply for every case a worker throws at it.
package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joelengelcrona/gingersnap/internal/coverage"
	"github.com/joelengelcrona/gingersnap/internal/elfinfo"
	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
	"github.com/joelengelcrona/gingersnap/internal/stats"
)

const (
	// DefaultMemorySize is the guest address space size LoadELF allocates
	// when the caller doesn't need more.
	DefaultMemorySize = 16 * 1024 * 1024
	// DefaultStackSize matches the "stack <= 1MiB" boot layout.
	DefaultStackSize = 1 * 1024 * 1024
	// stackVirtualBase is an arbitrary canonical-looking high address; it
	// never has to collide with a real kernel's choice since nothing in
	// this emulator's guest ABI depends on the exact value, only on it
	// sitting above every loaded segment.
	stackVirtualBase = 0x7f0000000000
)

// Emulator is one fuzzing instance: a decode/execute loop bound to a guest
// memory image, the coverage it has accumulated, and the exit reason from
// its most recent run. Each worker forks a shared, never-executed reference
// instance once and Resets its fork after every case instead of reloading
// the target from disk.
type Emulator struct {
	arch Arch
	cpu  cpuState

	memory *mmu.MMU
	cov    *coverage.Bitmap

	exitReason  exitcode.Reason
	instrBudget uint64

	target *elfinfo.Target
}

func archFor(t *elfinfo.Target) (Arch, error) {
	switch {
	case t.Machine == elf.EM_RISCV && t.Class == elf.ELFCLASS64:
		return ArchRISCV64, nil
	case t.Machine == elf.EM_MIPS && t.Class == elf.ELFCLASS64:
		return ArchMIPS64, nil
	default:
		return ArchUnknown, fmt.Errorf("emulator: unsupported target machine=%v class=%v", t.Machine, t.Class)
	}
}

func newCPUState(a Arch) cpuState {
	switch a {
	case ArchRISCV64:
		return newRiscvState()
	case ArchMIPS64:
		return newMips64State()
	default:
		return nil
	}
}

// LoadELF parses path and boots a fresh Emulator from it: loadable segments
// are packed into guest memory in program-header order, a fixed-size stack
// is carved from the address space directly above them, and argv/envp/a
// minimal auxv are pushed onto it per the standard Linux process-entry
// layout.
func LoadELF(path string, memorySize uint, argv, envp []string) (*Emulator, error) {
	target, err := elfinfo.Load(path)
	if err != nil {
		return nil, err
	}
	arch, err := archFor(target)
	if err != nil {
		return nil, err
	}

	mappedCursor := uint(0)
	for _, seg := range target.Segments {
		mappedCursor += uint(seg.MemSize)
	}
	stackMappedBase := mappedCursor
	heapBase := stackMappedBase + DefaultStackSize
	if heapBase > memorySize {
		return nil, fmt.Errorf("emulator: guest memory %d too small for segments + %d byte stack", memorySize, DefaultStackSize)
	}

	m := mmu.New(memorySize, mmu.VirtAddr(heapBase))

	mappedCursor = 0
	for _, seg := range target.Segments {
		mappedBase := mappedCursor
		m.AddrMap().Record(uint(seg.VirtAddr), mappedBase, uint(seg.MemSize))

		// Segments load write-only first so the file-backed bytes can be written
		// at all, then drop to their real ELF permissions once in place.
		m.SetPermissions(seg.VirtAddr, uint(seg.MemSize), mmu.PermWrite)
		data := target.Data[seg.FileOffset : seg.FileOffset+seg.FileSize]
		if err := m.Write(seg.VirtAddr, data); err != nil {
			return nil, fmt.Errorf("emulator: load segment at %#x: %w", seg.VirtAddr, err)
		}
		m.SetPermissions(seg.VirtAddr, uint(seg.MemSize), seg.Perm)

		mappedCursor += uint(seg.MemSize)
	}

	m.AddrMap().Record(stackVirtualBase, stackMappedBase, DefaultStackSize)
	m.SetPermissions(mmu.VirtAddr(stackVirtualBase), DefaultStackSize, mmu.PermRead|mmu.PermWrite)

	stackTop := stackVirtualBase + DefaultStackSize - 16
	m.SetInitialStack(mmu.VirtAddr(stackTop), mmu.VirtAddr(stackMappedBase+DefaultStackSize-16))

	cpu := newCPUState(arch)
	if cpu == nil {
		return nil, fmt.Errorf("emulator: no decoder for %v", arch)
	}
	cpu.SetPC(target.Entry)

	e := &Emulator{
		arch:   arch,
		cpu:    cpu,
		memory: m,
		cov:    coverage.New(),
		target: target,
	}

	if err := e.BuildStack(argv, envp); err != nil {
		return nil, err
	}
	return e, nil
}

// NewBare constructs an Emulator directly over a freshly allocated address
// space, bypassing LoadELF entirely. It exists for callers that want to
// drive the decode/execute loop over hand-built memory — debug tooling
// exercising a register/permission scenario, or tests with no ELF on disk.
func NewBare(arch Arch, memorySize uint) *Emulator {
	cpu := newCPUState(arch)
	m := mmu.New(memorySize, mmu.VirtAddr(memorySize/2))
	return &Emulator{
		arch:   arch,
		cpu:    cpu,
		memory: m,
		cov:    coverage.New(),
	}
}

func (e *Emulator) putU64(b []byte, v uint64) {
	if e.arch == ArchMIPS64 {
		binary.BigEndian.PutUint64(b, v)
	} else {
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (e *Emulator) pushBytes(sp *uint64, data []byte) (mmu.VirtAddr, error) {
	*sp -= uint64(len(data))
	adr := mmu.VirtAddr(*sp)
	if err := e.memory.Write(adr, data); err != nil {
		return 0, fmt.Errorf("emulator: build stack: %w", err)
	}
	return adr, nil
}

func (e *Emulator) pushU64(sp *uint64, v uint64) error {
	var b [8]byte
	e.putU64(b[:], v)
	_, err := e.pushBytes(sp, b[:])
	return err
}

// BuildStack lays argv, envp, a minimal auxv (AT_NULL only), and the
// argument strings themselves onto the guest stack, in the order a
// statically linked _start expects to find them: argc, argv[0..n-1], NULL,
// envp[0..n-1], NULL, auxv pairs, AT_NULL, with the string bytes living
// above all of it.
func (e *Emulator) BuildStack(argv, envp []string) error {
	virtTop, _ := e.memory.InitialStackAddr()
	sp := uint64(virtTop)

	pushString := func(s string) (mmu.VirtAddr, error) {
		return e.pushBytes(&sp, append([]byte(s), 0))
	}

	argvPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		adr, err := pushString(argv[i])
		if err != nil {
			return err
		}
		argvPtrs[i] = uint64(adr)
	}
	envpPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		adr, err := pushString(envp[i])
		if err != nil {
			return err
		}
		envpPtrs[i] = uint64(adr)
	}

	sp &^= 0xf // 16-byte align the pointer tables below the string region

	if err := e.pushU64(&sp, 0); err != nil { // AT_NULL value
		return err
	}
	if err := e.pushU64(&sp, 0); err != nil { // AT_NULL type
		return err
	}

	if err := e.pushU64(&sp, 0); err != nil { // envp terminator
		return err
	}
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		if err := e.pushU64(&sp, envpPtrs[i]); err != nil {
			return err
		}
	}

	if err := e.pushU64(&sp, 0); err != nil { // argv terminator
		return err
	}
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		if err := e.pushU64(&sp, argvPtrs[i]); err != nil {
			return err
		}
	}

	if err := e.pushU64(&sp, uint64(len(argv))); err != nil { // argc
		return err
	}

	e.cpu.SetSP(sp)
	return nil
}

// StackPush writes v onto the guest stack below the current SP and updates
// SP.
func (e *Emulator) StackPush(v uint64) error {
	sp := e.cpu.SP()
	if err := e.pushU64(&sp, v); err != nil {
		return err
	}
	e.cpu.SetSP(sp)
	return nil
}

// SetInstrBudget bounds how many instructions a single Run/RunUntil call
// executes before returning exitcode.HostError. Zero means unbounded.
func (e *Emulator) SetInstrBudget(n uint64) { e.instrBudget = n }

// Execute decodes and executes exactly one instruction, stamping the
// (previous PC, new PC) edge into this instance's coverage bitmap on
// success. Once a terminal exit reason has been reached, Execute keeps
// returning it without touching the CPU or memory again.
func (e *Emulator) Execute() exitcode.Reason {
	if e.exitReason != exitcode.None {
		return e.exitReason
	}
	prevPC := e.cpu.PC()
	reason := e.cpu.Step(e.memory)
	if reason != exitcode.None {
		e.exitReason = reason
		return reason
	}
	e.cov.StampEdge(prevPC, e.cpu.PC())
	return exitcode.None
}

// Run executes instructions until a terminal exit reason is reached,
// polling the instruction budget cooperatively between instructions since
// there is no external preemption.
func (e *Emulator) Run(counter *stats.Counter) exitcode.Reason {
	counter.ResetCase()
	for {
		if reason := e.Execute(); reason != exitcode.None {
			return reason
		}
		if counter.Tick(e.instrBudget) {
			e.exitReason = exitcode.HostError
			return e.exitReason
		}
	}
}

// RunUntil behaves like Run but also stops with exitcode.Breakpoint the
// moment PC reaches breakAddr, before executing the instruction there.
func (e *Emulator) RunUntil(counter *stats.Counter, breakAddr uint64) exitcode.Reason {
	counter.ResetCase()
	for {
		if e.cpu.PC() == breakAddr {
			e.exitReason = exitcode.Breakpoint
			return e.exitReason
		}
		if reason := e.Execute(); reason != exitcode.None {
			return reason
		}
		if counter.Tick(e.instrBudget) {
			e.exitReason = exitcode.HostError
			return e.exitReason
		}
	}
}

// Fork produces an independent deep copy: memory, registers, and
// accumulated coverage are all copied. Used once per worker to derive a
// disposable instance from a shared, never-executed reference Emulator.
func (e *Emulator) Fork() *Emulator {
	return &Emulator{
		arch:        e.arch,
		cpu:         e.cpu.Clone(),
		memory:      e.memory.Fork(),
		cov:         e.cov.Clone(),
		instrBudget: e.instrBudget,
		target:      e.target,
	}
}

// Reset restores this instance's memory and registers from src (normally
// the worker's own reference snapshot), touching only what its journal
// marked dirty. Accumulated coverage is deliberately left alone: it is
// meant to survive across cases, not reset with them.
func (e *Emulator) Reset(src *Emulator) {
	e.memory.Reset(src.memory)
	e.cpu.CopyFrom(src.cpu)
	e.exitReason = exitcode.None
}

func (e *Emulator) Arch() Arch                        { return e.arch }
func (e *Emulator) PC() uint64                        { return e.cpu.PC() }
func (e *Emulator) MMU() *mmu.MMU                     { return e.memory }
func (e *Emulator) ExitReason() exitcode.Reason       { return e.exitReason }
func (e *Emulator) Coverage() *coverage.Bitmap        { return e.cov }
func (e *Emulator) StackSize() uint                   { return DefaultStackSize }
func (e *Emulator) RegByName(n string) (uint64, bool) { return e.cpu.RegByName(n) }
func (e *Emulator) RegNames() []string                { return e.cpu.RegNames() }
func (e *Emulator) PrintRegs(w io.Writer)              { e.cpu.PrintRegs(w) }
