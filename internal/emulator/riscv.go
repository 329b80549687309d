package emulator

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
	"github.com/joelengelcrona/gingersnap/internal/sysemu"
)

// RV64I(+M) opcodes, the 7-bit field at instr[6:0].
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1b
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3b
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6f
	opSystem  = 0x73
)

// riscvSyscallTable maps a7 to a normalized sysemu.ID, covering the subset
// of the Linux RV64 generic syscall ABI this emulator services.
var riscvSyscallTable = map[uint64]sysemu.ID{
	56:  sysemu.Openat,
	57:  sysemu.Close,
	63:  sysemu.Read,
	64:  sysemu.Write,
	66:  sysemu.Writev,
	80:  sysemu.Fstat,
	93:  sysemu.Exit,
	94:  sysemu.ExitGroup,
	160: sysemu.Uname,
	214: sysemu.Brk,
	222: sysemu.Mmap,
	278: sysemu.GetRandom,
}

var riscvRegNames = []string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// riscvState is the RV64I(+M) register file: 32 general-purpose registers
// (x0 hardwired to zero) and the program counter.
type riscvState struct {
	x  [32]uint64
	pc uint64
}

func newRiscvState() *riscvState {
	return &riscvState{}
}

func (s *riscvState) Arch() Arch      { return ArchRISCV64 }
func (s *riscvState) PC() uint64      { return s.pc }
func (s *riscvState) SetPC(v uint64)  { s.pc = v }
func (s *riscvState) SP() uint64      { return s.x[2] }
func (s *riscvState) SetSP(v uint64)  { s.setReg(2, v) }

func (s *riscvState) setReg(i uint32, v uint64) {
	if i == 0 {
		return
	}
	s.x[i] = v
}

func (s *riscvState) Clone() cpuState {
	clone := *s
	return &clone
}

func (s *riscvState) CopyFrom(src cpuState) {
	o := src.(*riscvState)
	s.x = o.x
	s.pc = o.pc
}

func (s *riscvState) RegNames() []string { return riscvRegNames }

func (s *riscvState) RegByName(name string) (uint64, bool) {
	if name == "pc" {
		return s.pc, true
	}
	for i, n := range riscvRegNames {
		if n == name {
			return s.x[i], true
		}
	}
	return 0, false
}

func (s *riscvState) PrintRegs(w io.Writer) {
	for i, n := range riscvRegNames {
		fmt.Fprintf(w, "%-4s x%-2d = %#016x\n", n, i, s.x[i])
	}
	fmt.Fprintf(w, "pc   = %#016x\n", s.pc)
}

func signExtend(v uint64, bits uint) uint64 {
	shift := 64 - bits
	return uint64(int64(v<<shift) >> shift)
}

// Step decodes and executes exactly one RV64I(+M) instruction.
func (s *riscvState) Step(m *mmu.MMU) exitcode.Reason {
	var buf [4]byte
	if err := m.ReadExpectPerm(buf[:], mmu.VirtAddr(s.pc), mmu.PermExec); err != nil {
		return exitcode.SegfaultExec
	}
	insn := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24

	if insn == 0 {
		return exitcode.InvalidInstruction
	}

	opcode := insn & 0x7f
	rd := (insn >> 7) & 0x1f
	funct3 := (insn >> 12) & 0x7
	rs1 := (insn >> 15) & 0x1f
	rs2 := (insn >> 20) & 0x1f
	funct7 := (insn >> 25) & 0x7f

	immI := signExtend(uint64(insn>>20), 12)
	immS := signExtend(uint64(((insn>>25)<<5)|((insn>>7)&0x1f)), 12)
	immB := signExtend(uint64(((insn>>31)<<12)|(((insn>>7)&1)<<11)|(((insn>>25)&0x3f)<<5)|(((insn>>8)&0xf)<<1)), 13)
	immU := uint64(insn & 0xfffff000)
	immJ := signExtend(uint64(((insn>>31)<<20)|(((insn>>12)&0xff)<<12)|(((insn>>20)&1)<<11)|(((insn>>21)&0x3ff)<<1)), 21)

	nextPC := s.pc + 4

	switch opcode {
	case opLui:
		s.setReg(rd, immU)

	case opAuipc:
		s.setReg(rd, s.pc+immU)

	case opJal:
		s.setReg(rd, nextPC)
		nextPC = s.pc + immJ

	case opJalr:
		target := (s.x[rs1] + immI) &^ 1
		s.setReg(rd, nextPC)
		nextPC = target

	case opBranch:
		taken := false
		a, b := s.x[rs1], s.x[rs2]
		switch funct3 {
		case 0b000:
			taken = a == b
		case 0b001:
			taken = a != b
		case 0b100:
			taken = int64(a) < int64(b)
		case 0b101:
			taken = int64(a) >= int64(b)
		case 0b110:
			taken = a < b
		case 0b111:
			taken = a >= b
		default:
			return exitcode.InvalidInstruction
		}
		if taken {
			nextPC = s.pc + immB
		}

	case opLoad:
		adr := mmu.VirtAddr(s.x[rs1] + immI)
		var width int
		switch funct3 {
		case 0b000, 0b100:
			width = 1
		case 0b001, 0b101:
			width = 2
		case 0b010, 0b110:
			width = 4
		case 0b011:
			width = 8
		default:
			return exitcode.InvalidInstruction
		}
		buf := make([]byte, width)
		if err := m.Read(buf, adr); err != nil {
			return exitcode.SegfaultRead
		}
		var v uint64
		for i := 0; i < width; i++ {
			v |= uint64(buf[i]) << (8 * i)
		}
		switch funct3 {
		case 0b000:
			v = signExtend(v, 8)
		case 0b001:
			v = signExtend(v, 16)
		case 0b010:
			v = signExtend(v, 32)
		}
		s.setReg(rd, v)

	case opStore:
		adr := mmu.VirtAddr(s.x[rs1] + immS)
		var width int
		switch funct3 {
		case 0b000:
			width = 1
		case 0b001:
			width = 2
		case 0b010:
			width = 4
		case 0b011:
			width = 8
		default:
			return exitcode.InvalidInstruction
		}
		buf := make([]byte, width)
		v := s.x[rs2]
		for i := 0; i < width; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		if err := m.Write(adr, buf); err != nil {
			return exitcode.SegfaultWrite
		}

	case opOpImm:
		a := s.x[rs1]
		switch funct3 {
		case 0b000:
			s.setReg(rd, a+immI)
		case 0b010:
			s.setReg(rd, b2u(int64(a) < int64(immI)))
		case 0b011:
			s.setReg(rd, b2u(a < immI))
		case 0b100:
			s.setReg(rd, a^immI)
		case 0b110:
			s.setReg(rd, a|immI)
		case 0b111:
			s.setReg(rd, a&immI)
		case 0b001:
			s.setReg(rd, a<<(uint(insn>>20)&0x3f))
		case 0b101:
			shamt := uint(insn>>20) & 0x3f
			if funct7&0x20 != 0 {
				s.setReg(rd, uint64(int64(a)>>shamt))
			} else {
				s.setReg(rd, a>>shamt)
			}
		default:
			return exitcode.InvalidInstruction
		}

	case opOpImm32:
		a := uint32(s.x[rs1])
		switch funct3 {
		case 0b000:
			s.setReg(rd, signExtend(uint64(a+uint32(immI)), 32))
		case 0b001:
			shamt := uint(insn>>20) & 0x1f
			s.setReg(rd, signExtend(uint64(a<<shamt), 32))
		case 0b101:
			shamt := uint(insn>>20) & 0x1f
			if funct7&0x20 != 0 {
				s.setReg(rd, signExtend(uint64(uint32(int32(a)>>shamt)), 32))
			} else {
				s.setReg(rd, signExtend(uint64(a>>shamt), 32))
			}
		default:
			return exitcode.InvalidInstruction
		}

	case opOp:
		a, b := s.x[rs1], s.x[rs2]
		if funct7 == 0x01 {
			if r, ok := mExtend(funct3, int64(a), int64(b), a, b); ok {
				s.setReg(rd, r)
			} else {
				return exitcode.InvalidInstruction
			}
			break
		}
		switch funct3 {
		case 0b000:
			if funct7&0x20 != 0 {
				s.setReg(rd, a-b)
			} else {
				s.setReg(rd, a+b)
			}
		case 0b001:
			s.setReg(rd, a<<(b&0x3f))
		case 0b010:
			s.setReg(rd, b2u(int64(a) < int64(b)))
		case 0b011:
			s.setReg(rd, b2u(a < b))
		case 0b100:
			s.setReg(rd, a^b)
		case 0b101:
			if funct7&0x20 != 0 {
				s.setReg(rd, uint64(int64(a)>>(b&0x3f)))
			} else {
				s.setReg(rd, a>>(b&0x3f))
			}
		case 0b110:
			s.setReg(rd, a|b)
		case 0b111:
			s.setReg(rd, a&b)
		default:
			return exitcode.InvalidInstruction
		}

	case opOp32:
		a, b := uint32(s.x[rs1]), uint32(s.x[rs2])
		if funct7 == 0x01 {
			r, ok := mExtendW(funct3, a, b)
			if !ok {
				return exitcode.InvalidInstruction
			}
			s.setReg(rd, r)
			break
		}
		switch funct3 {
		case 0b000:
			if funct7&0x20 != 0 {
				s.setReg(rd, signExtend(uint64(a-b), 32))
			} else {
				s.setReg(rd, signExtend(uint64(a+b), 32))
			}
		case 0b001:
			s.setReg(rd, signExtend(uint64(a<<(b&0x1f)), 32))
		case 0b101:
			if funct7&0x20 != 0 {
				s.setReg(rd, signExtend(uint64(uint32(int32(a)>>(b&0x1f))), 32))
			} else {
				s.setReg(rd, signExtend(uint64(a>>(b&0x1f)), 32))
			}
		default:
			return exitcode.InvalidInstruction
		}

	case opMiscMem:
		// FENCE/FENCE.I: single-hart, single-threaded-per-instance model
		// has no reordering to fence against.

	case opSystem:
		if rd != 0 || funct3 != 0 {
			return exitcode.InvalidInstruction
		}
		switch insn >> 20 {
		case 0:
			// ECALL
			s.pc = nextPC
			return s.syscall(m)
		case 1:
			return exitcode.Breakpoint
		default:
			return exitcode.InvalidInstruction
		}

	default:
		return exitcode.InvalidInstruction
	}

	s.pc = nextPC
	return exitcode.None
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// mExtend implements the M-extension 64-bit ops (funct7==0x01, OP opcode).
func mExtend(funct3 uint32, a, b int64, ua, ub uint64) (uint64, bool) {
	switch funct3 {
	case 0b000: // MUL
		return uint64(a * b), true
	case 0b001: // MULH
		return uint64(mulhSigned(a, b)), true
	case 0b010: // MULHSU
		return uint64(mulhSignedUnsigned(a, ub)), true
	case 0b011: // MULHU
		return mulhUnsigned(ua, ub), true
	case 0b100: // DIV
		if b == 0 {
			return ^uint64(0), true
		}
		return uint64(a / b), true
	case 0b101: // DIVU
		if ub == 0 {
			return ^uint64(0), true
		}
		return ua / ub, true
	case 0b110: // REM
		if b == 0 {
			return uint64(a), true
		}
		return uint64(a % b), true
	case 0b111: // REMU
		if ub == 0 {
			return ua, true
		}
		return ua % ub, true
	default:
		return 0, false
	}
}

// mExtendW implements the M-extension 32-bit (*W) ops (funct7==0x01, OP-32
// opcode).
func mExtendW(funct3 uint32, a, b uint32) (uint64, bool) {
	sa, sb := int32(a), int32(b)
	switch funct3 {
	case 0b000: // MULW
		return signExtend(uint64(uint32(sa*sb)), 32), true
	case 0b100: // DIVW
		if sb == 0 {
			return ^uint64(0), true
		}
		return signExtend(uint64(uint32(sa/sb)), 32), true
	case 0b101: // DIVUW
		if b == 0 {
			return ^uint64(0), true
		}
		return signExtend(uint64(a/b), 32), true
	case 0b110: // REMW
		if sb == 0 {
			return signExtend(uint64(uint32(sa)), 32), true
		}
		return signExtend(uint64(uint32(sa%sb)), 32), true
	case 0b111: // REMUW
		if b == 0 {
			return signExtend(uint64(a), 32), true
		}
		return signExtend(uint64(a%b), 32), true
	default:
		return 0, false
	}
}

func mulhSigned(a, b int64) int64 {
	hi, _ := bitsMul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return int64(hi)
}

func mulhSignedUnsigned(a int64, b uint64) int64 {
	hi, _ := bitsMul64(uint64(a), b)
	if a < 0 {
		hi -= b
	}
	return int64(hi)
}

func mulhUnsigned(a, b uint64) uint64 {
	hi, _ := bitsMul64(a, b)
	return hi
}

// bitsMul64 is a 64x64->128 unsigned multiply computed from 32-bit halves;
// it returns the same (hi, lo) pair as math/bits.Mul64.
func bitsMul64(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xffffffff
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	hi = aHi*bHi + w2 + k
	lo = (t << 32) | w0
	return hi, lo
}

// syscall services an ECALL: a7 selects the syscall, a0..a5 carry
// arguments, a0 carries the return value.
func (s *riscvState) syscall(m *mmu.MMU) exitcode.Reason {
	id, ok := riscvSyscallTable[s.x[17]]
	if !ok {
		return exitcode.SyscallNotSupported
	}
	reason, _ := sysemu.Handle(id, riscvMachine{s: s, m: m})
	return reason
}

// riscvMachine adapts riscvState to sysemu.Machine for the duration of one
// syscall.
type riscvMachine struct {
	s *riscvState
	m *mmu.MMU
}

func (rm riscvMachine) Arg(i int) uint64 {
	// a0..a5 are x10..x15.
	return rm.s.x[10+i]
}

func (rm riscvMachine) SetReturn(v uint64) {
	rm.s.setReg(10, v)
}

func (rm riscvMachine) MMU() *mmu.MMU {
	return rm.m
}

func (rm riscvMachine) Brk(newBreak uint64) (uint64, error) {
	return rm.m.Brk(newBreak)
}

func (rm riscvMachine) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}
