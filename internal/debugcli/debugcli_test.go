package debugcli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joelengelcrona/gingersnap/internal/emulator"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
)

// riscv ADDI x1, x0, 5 followed by ECALL (a7=93, exit), little-endian.
func writeTinyProgram(t *testing.T, m *mmu.MMU) {
	t.Helper()
	// addi x1, x0, 5
	addi := uint32(5<<20 | 0<<15 | 0<<12 | 1<<7 | 0x13)
	// li a7, 93 via addi x17, x0, 93; ecall
	liA7 := uint32(93<<20 | 0<<15 | 0<<12 | 17<<7 | 0x13)
	ecall := uint32(0x73)

	var buf [12]byte
	for i, insn := range []uint32{addi, liA7, ecall} {
		putLE32(buf[i*4:i*4+4], insn)
	}
	if err := m.Write(0, buf[:]); err != nil {
		t.Fatalf("seeding program: %v", err)
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func newTestEmulator(t *testing.T) *emulator.Emulator {
	t.Helper()
	return emulator.NewBare(emulator.ArchRISCV64, 16*1024)
}

func TestDebugCLIStepAndInspect(t *testing.T) {
	e := newTestEmulator(t)
	e.MMU().SetPermissions(0, 0x1000, mmu.PermRead|mmu.PermWrite|mmu.PermExec)
	writeTinyProgram(t, e.MMU())

	var out bytes.Buffer
	cli := New(e, &out)

	in := strings.NewReader("ni\nir\nquit\n")
	if err := cli.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(out.String(), "pc=") {
		t.Fatalf("expected ni output to report pc, got: %s", out.String())
	}
}

func TestDebugCLIEmptyLineRepeats(t *testing.T) {
	e := newTestEmulator(t)
	e.MMU().SetPermissions(0, 0x1000, mmu.PermRead|mmu.PermWrite|mmu.PermExec)
	writeTinyProgram(t, e.MMU())

	var out bytes.Buffer
	cli := New(e, &out)

	// "ni" then blank line repeats it, advancing pc twice.
	in := strings.NewReader("ni\n\nquit\n")
	if err := cli.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.PC() != 8 {
		t.Fatalf("pc = %#x, want 8 after two steps", e.PC())
	}
}

func TestDebugCLIBreakRejectsNonExecutable(t *testing.T) {
	e := newTestEmulator(t)
	e.MMU().SetPermissions(0, 0x1000, mmu.PermRead|mmu.PermWrite)

	var out bytes.Buffer
	cli := New(e, &out)

	in := strings.NewReader("break 100\nquit\n")
	if err := cli.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "error:") {
		t.Fatalf("expected an error for a non-executable breakpoint, got: %s", out.String())
	}
}

func TestDebugCLISmemFindsNeedle(t *testing.T) {
	e := newTestEmulator(t)
	e.MMU().SetPermissions(0, 0x1000, mmu.PermRead|mmu.PermWrite)
	if err := e.MMU().Write(0x40, []byte{0x41, 0x41, 0x41, 0x41}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	var out bytes.Buffer
	cli := New(e, &out)

	// "smem" prompts for a needle, then a size letter, on separate lines.
	in := strings.NewReader("smem\n41414141\nw\nquit\n")
	if err := cli.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "hit(s) of 0x41414141") {
		t.Fatalf("expected a hit report, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "0x40") {
		t.Fatalf("expected the hit address 0x40 in output, got: %s", out.String())
	}
}

func TestDebugCLIWmemThenXmem(t *testing.T) {
	e := newTestEmulator(t)
	e.MMU().SetPermissions(0, 0x1000, mmu.PermRead|mmu.PermWrite)

	var out bytes.Buffer
	cli := New(e, &out)

	in := strings.NewReader("wmem 40 41414141 w\nxmem w 40\nquit\n")
	if err := cli.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(out.String(), "error:") {
		t.Fatalf("unexpected error, got: %s", out.String())
	}
}

func TestDebugCLIUnknownCommand(t *testing.T) {
	e := newTestEmulator(t)
	var out bytes.Buffer
	cli := New(e, &out)

	in := strings.NewReader("bogus\nquit\n")
	if err := cli.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected an unknown-command error, got: %s", out.String())
	}
}
