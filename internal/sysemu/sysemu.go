// Package sysemu emulates the slice of the Linux syscall ABI a statically
// linked RV64I or MIPS64 binary needs to get from _start to exit: memory
// growth, basic I/O, and a few informational calls. It is arch-agnostic by
// design — each decoder translates its own raw syscall number into the
// normalized ID below before calling Handle, so this package never needs to
// know whether a7 or v0 held the number.
package sysemu

import (
	"encoding/binary"
	"fmt"

	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
)

// ID normalizes a raw, architecture-specific syscall number into the set
// this package knows how to emulate.
type ID int

const (
	Unknown ID = iota
	Exit
	ExitGroup
	Brk
	Write
	Read
	Writev
	Close
	Fstat
	Uname
	GetRandom
	Mmap
	Openat
)

// Machine is the narrow view Handle needs into the calling emulator: guest
// argument registers, a place to stash the return value, and the MMU to
// read/write guest buffers through. Implemented by each arch's cpuState so
// this package never touches register files directly.
type Machine interface {
	// Arg returns the i'th syscall argument (0-indexed, ABI order).
	Arg(i int) uint64
	// SetReturn stores v as the syscall's return value register.
	SetReturn(v uint64)
	// MMU returns the guest memory this syscall may read or write through.
	MMU() *mmu.MMU
	// Brk grows or queries the heap break. Called with 0 to query the
	// current break, or a target address to extend to.
	Brk(newBreak uint64) (uint64, error)
	// ByteOrder reports the guest architecture's byte order, needed to
	// decode multi-byte structures (an iovec array, for instance) read out
	// of guest memory rather than off a register.
	ByteOrder() binary.ByteOrder
}

// randCounter seeds GetRandom's output. It is a package-level counter
// rather than crypto/rand so fuzzing runs replay deterministically given
// the same input corpus.
var randCounter uint64

// Handle emulates the syscall identified by id against m, returning
// exitcode.None to keep running or a terminal reason. A non-nil error is
// always paired with exitcode.None and indicates Handle itself could not
// service the call (e.g. a malformed argument) rather than a guest fault.
func Handle(id ID, m Machine) (exitcode.Reason, error) {
	switch id {
	case Exit, ExitGroup:
		return exitcode.OK, nil

	case Brk:
		requested := m.Arg(0)
		newBreak, err := m.Brk(requested)
		if err != nil {
			return exitcode.SegfaultWrite, nil
		}
		m.SetReturn(newBreak)
		return exitcode.None, nil

	case Write:
		// The fd is not consulted: whatever the descriptor, the buffer is
		// read (so a bad pointer still faults) and then discarded, and the
		// full count is reported so the guest does not wedge on an
		// unexpected EBADF.
		adr := mmu.VirtAddr(m.Arg(1))
		count := m.Arg(2)

		buf := make([]byte, count)
		if err := m.MMU().Read(buf, adr); err != nil {
			return exitcode.SegfaultRead, nil
		}
		m.SetReturn(count)
		return exitcode.None, nil

	case Writev:
		iovBase := m.Arg(1)
		iovcnt := m.Arg(2)

		total, reason := sumIOVec(m, iovBase, iovcnt)
		if reason != exitcode.None {
			return reason, nil
		}
		m.SetReturn(total)
		return exitcode.None, nil

	case Read:
		adr := mmu.VirtAddr(m.Arg(1))
		count := m.Arg(2)

		buf := make([]byte, count)
		if err := m.MMU().Write(adr, buf); err != nil {
			return exitcode.SegfaultWrite, nil
		}
		m.SetReturn(count)
		return exitcode.None, nil

	case Close:
		m.SetReturn(0)
		return exitcode.None, nil

	case Fstat:
		adr := mmu.VirtAddr(m.Arg(1))
		buf := make([]byte, 144) // sizeof(struct stat) on both n64 ABIs
		if err := m.MMU().Write(adr, buf); err != nil {
			return exitcode.SegfaultWrite, nil
		}
		m.SetReturn(0)
		return exitcode.None, nil

	case Uname:
		adr := mmu.VirtAddr(m.Arg(0))
		if err := writeUname(m.MMU(), adr); err != nil {
			return exitcode.SegfaultWrite, nil
		}
		m.SetReturn(0)
		return exitcode.None, nil

	case GetRandom:
		adr := mmu.VirtAddr(m.Arg(0))
		count := m.Arg(1)
		buf := make([]byte, count)
		for i := range buf {
			randCounter = randCounter*6364136223846793005 + 1442695040888963407
			buf[i] = byte(randCounter >> 33)
		}
		if err := m.MMU().Write(adr, buf); err != nil {
			return exitcode.SegfaultWrite, nil
		}
		m.SetReturn(count)
		return exitcode.None, nil

	case Mmap:
		// Anonymous mappings only: a statically linked target's startup
		// path typically calls this once or twice for the initial heap or
		// thread-local storage before ever touching a real file. The
		// length and protection come off the guest's own registers; the
		// address hint, flags, fd, and offset are ignored the way a
		// from-scratch allocator would ignore them for MAP_ANONYMOUS.
		length := m.Arg(1)
		prot := m.Arg(2)

		adr, err := m.MMU().Allocate(uint(length))
		if err != nil {
			return exitcode.SegfaultWrite, nil
		}
		m.MMU().SetPermissions(adr, uint(length), protToPerm(prot))
		m.SetReturn(uint64(adr))
		return exitcode.None, nil

	case Openat:
		// No real filesystem is modeled; every open fails with ENOENT so a
		// guest that probes for an optional config file takes its normal
		// fallback path instead of wedging on an unexpected syscall.
		enoent := int64(2)
		m.SetReturn(uint64(-enoent))
		return exitcode.None, nil

	default:
		return exitcode.SyscallNotSupported, nil
	}
}

// protToPerm maps a Linux mmap PROT_* bitmask onto mmu.Perm. An all-zero
// request (PROT_NONE) still needs to be readable and writable for Allocate's
// caller to do anything useful with it, so it degrades to PermRead|PermWrite
// rather than leaving the region completely unpermissioned.
func protToPerm(prot uint64) mmu.Perm {
	const (
		protRead  = 0x1
		protWrite = 0x2
		protExec  = 0x4
	)
	var perm mmu.Perm
	if prot&protRead != 0 {
		perm |= mmu.PermRead
	}
	if prot&protWrite != 0 {
		perm |= mmu.PermWrite
	}
	if prot&protExec != 0 {
		perm |= mmu.PermExec
	}
	if perm == 0 {
		perm = mmu.PermRead | mmu.PermWrite
	}
	return perm
}

// iovecSize is sizeof(struct iovec) on both n64 ABIs: an 8-byte base pointer
// followed by an 8-byte length.
const iovecSize = 16

// sumIOVec walks iovcnt {iov_base, iov_len} entries starting at iovBase,
// reading (and discarding, like Write) each described buffer, and returns
// the total byte count writev(2) would report as written.
func sumIOVec(m Machine, iovBase, iovcnt uint64) (uint64, exitcode.Reason) {
	order := m.ByteOrder()
	var total uint64
	for i := uint64(0); i < iovcnt; i++ {
		var raw [iovecSize]byte
		entryAdr := mmu.VirtAddr(iovBase + i*iovecSize)
		if err := m.MMU().Read(raw[:], entryAdr); err != nil {
			return 0, exitcode.SegfaultRead
		}
		base := order.Uint64(raw[0:8])
		length := order.Uint64(raw[8:16])

		buf := make([]byte, length)
		if err := m.MMU().Read(buf, mmu.VirtAddr(base)); err != nil {
			return 0, exitcode.SegfaultRead
		}
		total += length
	}
	return total, exitcode.None
}

// unameField is one of the six 65-byte fields of struct new_utsname.
func unameField(s string) []byte {
	b := make([]byte, 65)
	copy(b, s)
	return b
}

func writeUname(m *mmu.MMU, adr mmu.VirtAddr) error {
	fields := [][]byte{
		unameField("Linux"),
		unameField("gingersnap"),
		unameField("6.1.0"),
		unameField("#1 SMP"),
		unameField("riscv64"),
		unameField(""),
	}
	for i, f := range fields {
		if err := m.Write(adr+mmu.VirtAddr(i*65), f); err != nil {
			return fmt.Errorf("sysemu: uname: %w", err)
		}
	}
	return nil
}
