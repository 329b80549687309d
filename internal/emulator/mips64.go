package emulator

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
	"github.com/joelengelcrona/gingersnap/internal/sysemu"
)

// MIPS64 n64 opcodes (bits 31:26) and SPECIAL functs (bits 5:0) this
// decoder recognizes. The original gingersnap MIPS64 backend never grew
// past boot code for a handful of statically linked targets, so this port
// keeps the same narrow scope rather than inventing coverage nothing
// exercises: no delay-slot semantics, no floating point, no coprocessor
// instructions.
const (
	mipsOpSpecial = 0x00
	mipsOpJ       = 0x02
	mipsOpJal     = 0x03
	mipsOpBeq     = 0x04
	mipsOpBne     = 0x05
	mipsOpBlez    = 0x06
	mipsOpBgtz    = 0x07
	mipsOpAddiu   = 0x09
	mipsOpOri     = 0x0d
	mipsOpLui     = 0x0f
	mipsOpDaddiu  = 0x19
	mipsOpLb      = 0x20
	mipsOpLw      = 0x23
	mipsOpLbu     = 0x24
	mipsOpSb      = 0x28
	mipsOpSw      = 0x2b
	mipsOpLd      = 0x37
	mipsOpSd      = 0x3f

	mipsFnJr      = 0x08
	mipsFnJalr    = 0x09
	mipsFnSyscall = 0x0c
)

var mips64SyscallTable = map[uint64]sysemu.ID{
	5000: sysemu.Read,
	5001: sysemu.Write,
	5003: sysemu.Close,
	5005: sysemu.Fstat,
	5009: sysemu.Mmap,
	5012: sysemu.Brk,
	5019: sysemu.Writev,
	5058: sysemu.Exit,
	5061: sysemu.Uname,
	5205: sysemu.ExitGroup,
	5247: sysemu.Openat,
	5313: sysemu.GetRandom,
}

var mips64RegNames = []string{
	"zero", "at", "v0", "v1", "a0", "a1", "a2", "a3",
	"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7",
	"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7",
	"t8", "t9", "k0", "k1", "gp", "sp", "fp", "ra",
}

// mips64State is the n64 register file: 32 general-purpose registers
// (r0 hardwired to zero) and the program counter. Big-endian throughout.
type mips64State struct {
	r  [32]uint64
	pc uint64
}

func newMips64State() *mips64State {
	return &mips64State{}
}

func (s *mips64State) Arch() Arch     { return ArchMIPS64 }
func (s *mips64State) PC() uint64     { return s.pc }
func (s *mips64State) SetPC(v uint64) { s.pc = v }
func (s *mips64State) SP() uint64     { return s.r[29] }
func (s *mips64State) SetSP(v uint64) { s.setReg(29, v) }

func (s *mips64State) setReg(i uint32, v uint64) {
	if i == 0 {
		return
	}
	s.r[i] = v
}

func (s *mips64State) Clone() cpuState {
	clone := *s
	return &clone
}

func (s *mips64State) CopyFrom(src cpuState) {
	o := src.(*mips64State)
	s.r = o.r
	s.pc = o.pc
}

func (s *mips64State) RegNames() []string { return mips64RegNames }

func (s *mips64State) RegByName(name string) (uint64, bool) {
	if name == "pc" {
		return s.pc, true
	}
	for i, n := range mips64RegNames {
		if n == name {
			return s.r[i], true
		}
	}
	return 0, false
}

func (s *mips64State) PrintRegs(w io.Writer) {
	for i, n := range mips64RegNames {
		fmt.Fprintf(w, "%-4s r%-2d = %#016x\n", n, i, s.r[i])
	}
	fmt.Fprintf(w, "pc   = %#016x\n", s.pc)
}

// beUint32 decodes a big-endian 32-bit word, matching the MIPS64 target's
// byte order (RISC-V is little-endian; this is the one place the two
// decoders genuinely diverge at the fetch stage).
func beUint32(b []byte) uint32 {
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
}

func (s *mips64State) Step(m *mmu.MMU) exitcode.Reason {
	var buf [4]byte
	if err := m.ReadExpectPerm(buf[:], mmu.VirtAddr(s.pc), mmu.PermExec); err != nil {
		return exitcode.SegfaultExec
	}
	insn := beUint32(buf[:])

	opcode := insn >> 26
	rs := (insn >> 21) & 0x1f
	rt := (insn >> 16) & 0x1f
	rd := (insn >> 11) & 0x1f
	funct := insn & 0x3f
	imm16 := uint64(insn & 0xffff)
	immSigned := signExtend(imm16, 16)

	nextPC := s.pc + 4

	switch opcode {
	case mipsOpSpecial:
		switch funct {
		case mipsFnJr:
			nextPC = s.r[rs]
		case mipsFnJalr:
			s.setReg(rd, nextPC)
			nextPC = s.r[rs]
		case mipsFnSyscall:
			s.pc = nextPC
			return s.syscall(m)
		case 0x00:
			if insn != 0 {
				return exitcode.InvalidInstruction
			}
			// NOP
		default:
			return exitcode.InvalidInstruction
		}

	case mipsOpJ:
		target := (insn & 0x03ffffff) << 2
		nextPC = (s.pc & 0xfffffffff0000000) | uint64(target)

	case mipsOpJal:
		target := (insn & 0x03ffffff) << 2
		s.setReg(31, nextPC)
		nextPC = (s.pc & 0xfffffffff0000000) | uint64(target)

	case mipsOpBeq:
		if s.r[rs] == s.r[rt] {
			nextPC = s.pc + 4 + (immSigned << 2)
		}
	case mipsOpBne:
		if s.r[rs] != s.r[rt] {
			nextPC = s.pc + 4 + (immSigned << 2)
		}
	case mipsOpBlez:
		if int64(s.r[rs]) <= 0 {
			nextPC = s.pc + 4 + (immSigned << 2)
		}
	case mipsOpBgtz:
		if int64(s.r[rs]) > 0 {
			nextPC = s.pc + 4 + (immSigned << 2)
		}

	case mipsOpAddiu:
		s.setReg(rt, s.r[rs]+immSigned)
	case mipsOpDaddiu:
		s.setReg(rt, s.r[rs]+immSigned)
	case mipsOpOri:
		s.setReg(rt, s.r[rs]|imm16)
	case mipsOpLui:
		s.setReg(rt, signExtend(imm16<<16, 32))

	case mipsOpLb:
		adr := mmu.VirtAddr(s.r[rs] + immSigned)
		var b [1]byte
		if err := m.Read(b[:], adr); err != nil {
			return exitcode.SegfaultRead
		}
		s.setReg(rt, signExtend(uint64(b[0]), 8))
	case mipsOpLbu:
		adr := mmu.VirtAddr(s.r[rs] + immSigned)
		var b [1]byte
		if err := m.Read(b[:], adr); err != nil {
			return exitcode.SegfaultRead
		}
		s.setReg(rt, uint64(b[0]))
	case mipsOpLw:
		adr := mmu.VirtAddr(s.r[rs] + immSigned)
		var b [4]byte
		if err := m.Read(b[:], adr); err != nil {
			return exitcode.SegfaultRead
		}
		s.setReg(rt, signExtend(uint64(beUint32(b[:])), 32))
	case mipsOpLd:
		adr := mmu.VirtAddr(s.r[rs] + immSigned)
		var b [8]byte
		if err := m.Read(b[:], adr); err != nil {
			return exitcode.SegfaultRead
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v = v<<8 | uint64(b[i])
		}
		s.setReg(rt, v)
	case mipsOpSb:
		adr := mmu.VirtAddr(s.r[rs] + immSigned)
		b := [1]byte{byte(s.r[rt])}
		if err := m.Write(adr, b[:]); err != nil {
			return exitcode.SegfaultWrite
		}
	case mipsOpSw:
		adr := mmu.VirtAddr(s.r[rs] + immSigned)
		v := uint32(s.r[rt])
		b := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		if err := m.Write(adr, b[:]); err != nil {
			return exitcode.SegfaultWrite
		}
	case mipsOpSd:
		adr := mmu.VirtAddr(s.r[rs] + immSigned)
		v := s.r[rt]
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * (7 - i)))
		}
		if err := m.Write(adr, b[:]); err != nil {
			return exitcode.SegfaultWrite
		}

	default:
		return exitcode.InvalidInstruction
	}

	s.pc = nextPC
	return exitcode.None
}

// syscall services a SYSCALL: v0 selects the call, a0..a3 carry arguments,
// v0 carries the return value.
func (s *mips64State) syscall(m *mmu.MMU) exitcode.Reason {
	id, ok := mips64SyscallTable[s.r[2]]
	if !ok {
		return exitcode.SyscallNotSupported
	}
	reason, _ := sysemu.Handle(id, mips64Machine{s: s, m: m})
	return reason
}

type mips64Machine struct {
	s *mips64State
	m *mmu.MMU
}

func (mm mips64Machine) Arg(i int) uint64 {
	// n64 passes up to 8 integer arguments in registers: a0..a3 are
	// r4..r7, and a4..a7 continue right on into r8..r11, unlike o32's
	// 4-register-then-stack convention.
	return mm.s.r[4+i]
}

func (mm mips64Machine) SetReturn(v uint64) {
	mm.s.setReg(2, v)
}

func (mm mips64Machine) MMU() *mmu.MMU {
	return mm.m
}

func (mm mips64Machine) Brk(newBreak uint64) (uint64, error) {
	return mm.m.Brk(newBreak)
}

func (mm mips64Machine) ByteOrder() binary.ByteOrder {
	return binary.BigEndian
}
