// Package elfinfo parses a statically linked RV64I or MIPS64 executable
// into the loadable-segment descriptors the MMU needs to boot it. It is an
// external collaborator to the emulator core: the decoders and syscall
// layer only ever see the Target this package produces, never an ELF file
// directly.
package elfinfo

import (
	"debug/elf"
	"fmt"

	"github.com/joelengelcrona/gingersnap/internal/mmu"
)

// Segment mirrors a PT_LOAD program header: the tuple the MMU needs to
// allocate, write, and permission a loaded region.
type Segment struct {
	VirtAddr   mmu.VirtAddr
	FileOffset uint64
	FileSize   uint64
	MemSize    uint64
	Perm       mmu.Perm
}

// Target is everything the emulator facade needs to boot a parsed ELF: its
// raw bytes, loadable segments, entry point, and bitsize/endianness for the
// arch-specific stack builder.
type Target struct {
	Path      string
	Data      []byte
	Type      elf.Type
	Machine   elf.Machine
	Class     elf.Class
	ByteOrder elf.Data
	Entry     uint64
	Segments  []Segment
}

// progFlagsToPerm maps ELF program header flags to the MMU permission
// bitset. RAW is never set here — load-time permissions come straight from
// the ELF; RAW only ever applies to MMU.Allocate'd heap memory.
func progFlagsToPerm(flags elf.ProgFlag) mmu.Perm {
	var p mmu.Perm
	if flags&elf.PF_R != 0 {
		p |= mmu.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= mmu.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= mmu.PermExec
	}
	return p
}

// Load parses path, recognizing ELF32/64, LE/BE, and ELF types
// {NONE, REL, EXEC, DYN, CORE}. Only PT_LOAD program headers are kept.
func Load(path string) (*Target, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfinfo: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := readAll(path)
	if err != nil {
		return nil, err
	}

	t := &Target{
		Path:      path,
		Data:      raw,
		Type:      f.Type,
		Machine:   f.Machine,
		Class:     f.Class,
		ByteOrder: f.Data,
		Entry:     f.Entry,
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := Segment{
			VirtAddr:   mmu.VirtAddr(prog.Vaddr),
			FileOffset: prog.Off,
			FileSize:   prog.Filesz,
			MemSize:    prog.Memsz,
			Perm:       progFlagsToPerm(prog.Flags),
		}
		if err := assertNonOverlap(t.Segments, seg); err != nil {
			return nil, err
		}
		t.Segments = append(t.Segments, seg)
	}

	if len(t.Segments) == 0 {
		return nil, fmt.Errorf("elfinfo: %s has no PT_LOAD segments", path)
	}

	return t, nil
}

// assertNonOverlap is the load-time check the address map's translation
// policy assumes has already been done: well-formed ELFs never have
// overlapping loadable segments.
func assertNonOverlap(existing []Segment, next Segment) error {
	nextEnd := uint64(next.VirtAddr) + next.MemSize
	for _, s := range existing {
		sEnd := uint64(s.VirtAddr) + s.MemSize
		if uint64(next.VirtAddr) < sEnd && nextEnd > uint64(s.VirtAddr) {
			return fmt.Errorf("elfinfo: overlapping PT_LOAD segments at %#x and %#x", s.VirtAddr, next.VirtAddr)
		}
	}
	return nil
}
