package mmu

import "testing"

func TestBrkQueryDoesNotGrow(t *testing.T) {
	m := New(0x1000, 0x100)
	before := m.CurrAllocAddr()
	got, err := m.Brk(0)
	if err != nil {
		t.Fatalf("Brk(0): %v", err)
	}
	if got != uint64(before) {
		t.Fatalf("Brk(0) = %#x, want current break %#x", got, before)
	}
	if m.CurrAllocAddr() != before {
		t.Fatalf("Brk(0) must not move the cursor")
	}
}

func TestBrkGrows(t *testing.T) {
	m := New(0x1000, 0x100)
	newBreak, err := m.Brk(0x180)
	if err != nil {
		t.Fatalf("Brk: %v", err)
	}
	if newBreak != 0x180 {
		t.Fatalf("Brk returned %#x, want 0x180", newBreak)
	}
	if err := m.Write(0x17f, []byte{0x42}); err != nil {
		t.Fatalf("write into newly grown heap: %v", err)
	}
}

func TestBrkShrinkIsNoop(t *testing.T) {
	m := New(0x1000, 0x100)
	if _, err := m.Brk(0x180); err != nil {
		t.Fatalf("grow: %v", err)
	}
	got, err := m.Brk(0x120)
	if err != nil {
		t.Fatalf("Brk shrink request: %v", err)
	}
	if got != 0x180 {
		t.Fatalf("Brk(0x120) = %#x, want break to stay at 0x180", got)
	}
}
