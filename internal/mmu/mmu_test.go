package mmu

import (
	"bytes"
	"errors"
	"testing"
)

func TestAllocateReadBeforeWrite(t *testing.T) {
	m := New(128*1024, 0x10000)

	addr, err := m.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	buf := make([]byte, 1)
	if err := m.Read(buf, addr); !errors.Is(err, ErrNoPerm) {
		t.Fatalf("expected ErrNoPerm before first write, got %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	m := New(128*1024, 0x10000)
	addr, err := m.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := m.Write(addr, []byte{0xAA}); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1)
	if err := m.Read(buf, addr); err != nil {
		t.Fatalf("read after write: %v", err)
	}
	if buf[0] != 0xAA {
		t.Fatalf("got %#x, want 0xAA", buf[0])
	}
}

func TestJournalBound(t *testing.T) {
	m := New(128*1024, 0x10000)
	addr, err := m.Allocate(3 * DirtyBlockSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	for i := uint(0); i < 3; i++ {
		target := addr + VirtAddr(i*DirtyBlockSize)
		if err := m.Write(target, []byte{0x01}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if got := m.Journal().Len(); got != 3 {
		t.Fatalf("dirty block count = %d, want 3", got)
	}
}

func TestSnapshotReset(t *testing.T) {
	ref := New(128*1024, 0x10000)
	addr, err := ref.Allocate(256)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := ref.Write(addr+128, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	worker := ref.Fork()
	if err := worker.Write(addr+128, []byte{0x01, 0x02, 0x03, 0x04}); err != nil {
		t.Fatalf("worker write: %v", err)
	}

	worker.Reset(ref)

	got := make([]byte, 4)
	if err := worker.Read(got, addr+128); err != nil {
		t.Fatalf("read after reset: %v", err)
	}
	if !bytes.Equal(got, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("reset did not restore reference bytes: got %x", got)
	}
	if n := worker.Journal().Len(); n != 0 {
		t.Fatalf("journal not cleared after reset, len=%d", n)
	}
}

func TestAllocateMonotonic(t *testing.T) {
	m := New(128*1024, 0x10000)

	a, err := m.Allocate(16)
	if err != nil {
		t.Fatalf("allocate a: %v", err)
	}
	b, err := m.Allocate(16)
	if err != nil {
		t.Fatalf("allocate b: %v", err)
	}
	if b <= a {
		t.Fatalf("allocator not monotonic: a=%#x b=%#x", a, b)
	}
	if uint(b) < uint(a)+16 {
		t.Fatalf("allocations overlap: a=%#x b=%#x", a, b)
	}
}

func TestAllocateWouldOverrun(t *testing.T) {
	m := New(1024, 1000)
	if _, err := m.Allocate(100); !errors.Is(err, ErrWouldOverrun) {
		t.Fatalf("expected ErrWouldOverrun, got %v", err)
	}
}

func TestWriteNoPermDenied(t *testing.T) {
	m := New(64*1024, 0x10000)
	if err := m.Write(0, []byte{0x01}); !errors.Is(err, ErrNoPerm) {
		t.Fatalf("expected ErrNoPerm writing to unpermissioned memory, got %v", err)
	}
}

func TestWriteOutOfRange(t *testing.T) {
	m := New(1024, 0)
	if err := m.Write(2000, []byte{0x01}); !errors.Is(err, ErrAddrOutOfRange) {
		t.Fatalf("expected ErrAddrOutOfRange, got %v", err)
	}
}

func TestSetPermissionsReplacesRAW(t *testing.T) {
	m := New(128*1024, 0x10000)
	addr, err := m.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	m.SetPermissions(addr, 16, PermRead)

	buf := make([]byte, 1)
	if err := m.Read(buf, addr); err != nil {
		t.Fatalf("read after SetPermissions(READ): %v", err)
	}
	if err := m.Write(addr, []byte{0x1}); !errors.Is(err, ErrNoPerm) {
		t.Fatalf("expected ErrNoPerm after RAW was replaced by plain READ, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	m := New(128*1024, 0x10000)
	addr, err := m.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.Write(addr, []byte{0x41, 0x41, 0x41, 0x41}); err != nil {
		t.Fatalf("write: %v", err)
	}

	hits, err := m.Search(0x41414141, 'w')
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, h := range hits {
		if h == addr {
			found = true
		}
	}
	if !found {
		t.Fatalf("search did not find needle at %#x: hits=%v", addr, hits)
	}
}

func TestAddrMapTranslate(t *testing.T) {
	am := NewAddrMap()
	am.Record(0x10000, 0x0, 0x1000)

	if got := am.Translate(0x10010); got != 0x10 {
		t.Fatalf("translate = %#x, want 0x10", got)
	}
	// Outside any segment: identity map.
	if got := am.Translate(0x50000); got != 0x50000 {
		t.Fatalf("translate (identity) = %#x, want 0x50000", got)
	}
}

func TestForkIsIndependent(t *testing.T) {
	m := New(128*1024, 0x10000)
	addr, err := m.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.Write(addr, []byte{0x1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	clone := m.Fork()
	if err := clone.Write(addr, []byte{0x2}); err != nil {
		t.Fatalf("clone write: %v", err)
	}

	buf := make([]byte, 1)
	if err := m.Read(buf, addr); err != nil {
		t.Fatalf("parent read: %v", err)
	}
	if buf[0] != 0x1 {
		t.Fatalf("fork is not independent: parent byte changed to %#x", buf[0])
	}
	if clone.Journal().Len() != 1 {
		t.Fatalf("expected clone journal to start empty and track only its own write")
	}
}
