package emulator

import (
	"testing"

	"github.com/joelengelcrona/gingersnap/internal/coverage"
	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
	"github.com/joelengelcrona/gingersnap/internal/stats"
)

// newBareEmulator builds an Emulator directly over a test MMU, bypassing
// LoadELF, so the fork/reset/run contract can be exercised without an ELF
// fixture.
func newBareEmulator(m *mmu.MMU) *Emulator {
	cpu := newRiscvState()
	return &Emulator{
		arch:   ArchRISCV64,
		cpu:    cpu,
		memory: m,
		cov:    coverage.New(),
	}
}

func TestEmulatorRunStopsOnExit(t *testing.T) {
	m := newRiscvTestMMU()
	// addi x1, x0, 1; addi x1, x1, 1; ecall (a7=93, exit)
	writeInsn(t, m, 0, encodeI(1, 0, 0b000, 1, opOpImm))
	writeInsn(t, m, 4, encodeI(1, 1, 0b000, 1, opOpImm))
	writeInsn(t, m, 8, encodeI(93, 0, 0b000, 17, opOpImm)) // addi x17(a7), x0, 93
	writeInsn(t, m, 12, encodeI(0, 0, 0, 0, opSystem))

	e := newBareEmulator(m)
	var counter stats.Counter
	reason := e.Run(&counter)
	if reason != exitcode.OK {
		t.Fatalf("Run returned %v, want OK", reason)
	}
	if e.cpu.(*riscvState).x[1] != 2 {
		t.Fatalf("x1 = %d, want 2", e.cpu.(*riscvState).x[1])
	}
}

func TestEmulatorRunHonorsInstrBudget(t *testing.T) {
	m := newRiscvTestMMU()
	// A tight two-instruction loop that never reaches an ecall:
	// addi x1,x1,1; beq x0,x0,-4
	writeInsn(t, m, 0, encodeI(1, 1, 0b000, 1, opOpImm))
	writeInsn(t, m, 4, encodeB(0x1ffc, 0, 0, 0b000, opBranch)) // 0x1ffc is -4 in the 13-bit branch immediate

	e := newBareEmulator(m)
	e.SetInstrBudget(10)

	var counter stats.Counter
	reason := e.Run(&counter)
	if reason != exitcode.HostError {
		t.Fatalf("Run returned %v, want HostError (budget exceeded)", reason)
	}
}

func TestEmulatorRunUntilStopsAtBreakpoint(t *testing.T) {
	m := newRiscvTestMMU()
	// addi x1,x0,1; addi x1,x1,1; addi x1,x1,1
	writeInsn(t, m, 0, encodeI(1, 0, 0b000, 1, opOpImm))
	writeInsn(t, m, 4, encodeI(1, 1, 0b000, 1, opOpImm))
	writeInsn(t, m, 8, encodeI(1, 1, 0b000, 1, opOpImm))

	e := newBareEmulator(m)
	var counter stats.Counter
	reason := e.RunUntil(&counter, 8)

	if reason != exitcode.Breakpoint {
		t.Fatalf("RunUntil returned %v, want Breakpoint", reason)
	}
	if e.PC() != 8 {
		t.Fatalf("pc = %#x, want 8 (the breakpoint address)", e.PC())
	}
	// Only the two instructions before the breakpoint ran, so x1 must be 2,
	// not 3 -- the instruction at the breakpoint address itself must not
	// have executed.
	if e.cpu.(*riscvState).x[1] != 2 {
		t.Fatalf("x1 = %d, want 2 (instruction at the breakpoint must not run)", e.cpu.(*riscvState).x[1])
	}
}

func TestEmulatorForkIsIndependent(t *testing.T) {
	m := newRiscvTestMMU()
	writeInsn(t, m, 0, encodeI(1, 0, 0b000, 1, opOpImm)) // addi x1,x0,1

	e := newBareEmulator(m)
	fork := e.Fork()

	// Running the fork to completion (it falls into invalid/zeroed memory
	// at pc=4) is beside the point here -- only the parent's isolation
	// matters.
	var counter stats.Counter
	fork.Run(&counter)

	if e.cpu.(*riscvState).x[1] != 0 {
		t.Fatalf("parent x1 = %d, want 0 (fork must not mutate parent)", e.cpu.(*riscvState).x[1])
	}
	if fork.cpu.(*riscvState).x[1] != 1 {
		t.Fatalf("fork x1 = %d, want 1", fork.cpu.(*riscvState).x[1])
	}
}

func TestEmulatorResetRestoresFromReference(t *testing.T) {
	reference := newRiscvTestMMU()
	writeInsn(t, reference, 0, encodeI(0, 0, 0, 0, opSystem)) // ecall at pc 0; a7 is set to 93 (exit) below
	refEmu := newBareEmulator(reference)
	refEmu.cpu.(*riscvState).x[17] = 93

	worker := refEmu.Fork()
	// Corrupt the worker's memory and registers as if a fuzz case ran.
	worker.cpu.(*riscvState).x[1] = 0xdead
	if err := worker.memory.Write(0, []byte{0xff, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	worker.Reset(refEmu)

	if worker.cpu.(*riscvState).x[1] != 0 {
		t.Fatalf("x1 after reset = %d, want 0", worker.cpu.(*riscvState).x[1])
	}
	var gotOrig, gotCorrupt [4]byte
	if err := reference.Read(gotOrig[:], 0); err != nil {
		t.Fatalf("read reference: %v", err)
	}
	if err := worker.memory.Read(gotCorrupt[:], 0); err != nil {
		t.Fatalf("read worker post-reset: %v", err)
	}
	if gotOrig != gotCorrupt {
		t.Fatalf("post-reset memory %x != reference %x", gotCorrupt, gotOrig)
	}
}
