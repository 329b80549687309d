package emulator

import (
	"io"

	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
)

// cpuState is the per-architecture register file plus its decode/execute
// loop. Emulator holds one as an interface value, picked once at load time
// by Arch, instead of branching on a tag at every instruction the way a
// function-pointer vtable would.
type cpuState interface {
	Arch() Arch
	PC() uint64
	SetPC(uint64)
	SP() uint64
	SetSP(uint64)

	// Step fetches, decodes, and executes exactly one instruction at PC
	// against m, advancing PC (or not, on a taken branch/jump/syscall
	// exit) as a side effect. It returns exitcode.None to keep running, or
	// a terminal reason.
	Step(m *mmu.MMU) exitcode.Reason

	// Clone returns an independent deep copy, used by Emulator.Fork.
	Clone() cpuState
	// CopyFrom overwrites the receiver's register file from src, used by
	// Emulator.Reset. src must share the receiver's concrete type.
	CopyFrom(src cpuState)

	// RegByName looks up a register by its ABI name (e.g. "a0", "ra",
	// "pc"), for the debug CLI's watch/swatch commands.
	RegByName(name string) (uint64, bool)
	// RegNames lists every register name RegByName accepts, in display
	// order.
	RegNames() []string
	// PrintRegs writes a human-readable register dump to w.
	PrintRegs(w io.Writer)
}
