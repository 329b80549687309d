package elfinfo

import (
	"debug/elf"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// buildMinimalRISCV64 compiles a tiny static RV64 binary with the system
// cross-compiler if one is available, skipping the test otherwise, so the
// ELF parser is exercised against a real target binary rather than
// hand-built byte fixtures.
func buildMinimalRISCV64(t *testing.T) string {
	t.Helper()
	cc, err := exec.LookPath("riscv64-linux-gnu-gcc")
	if err != nil {
		t.Skip("riscv64-linux-gnu-gcc not available")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "main.c")
	if err := os.WriteFile(src, []byte("void _start(void){ __asm__(\"ecall\"); }\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	bin := filepath.Join(dir, "a.out")
	cmd := exec.Command(cc, "-static", "-nostdlib", "-o", bin, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("compile: %v: %s", err, out)
	}
	return bin
}

func TestLoadRoundTrip(t *testing.T) {
	bin := buildMinimalRISCV64(t)

	target, err := Load(bin)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if target.Class != elf.ELFCLASS64 {
		t.Fatalf("bitsize = %v, want 64-bit", target.Class)
	}
	if target.ByteOrder != elf.ELFDATA2LSB {
		t.Fatalf("endianess = %v, want LSB", target.ByteOrder)
	}
	if target.Type != elf.ET_EXEC {
		t.Fatalf("type = %v, want EXEC", target.Type)
	}
	if len(target.Segments) == 0 {
		t.Fatalf("expected at least one PT_LOAD segment")
	}
}
