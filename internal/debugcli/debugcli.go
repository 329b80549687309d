// Package debugcli implements the line-based REPL used to step a loaded
// target by hand: examine/set memory, single-step, inspect registers, set
// breakpoints and (display-only) watchpoints, and run to a breakpoint. It
// talks to an *emulator.Emulator directly and never touches stdin/stdout
// through bubbletea — the live fuzzing dashboard is a separate, mutually
// exclusive presentation of a very different workload.
package debugcli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/joelengelcrona/gingersnap/internal/emulator"
	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
	"github.com/joelengelcrona/gingersnap/internal/stats"
)

const prompt = "(gingersnap) "

// CLI drives one Emulator through the REPL. snapshot is what "go" resets
// to before replaying; "snapshot" re-captures it from the live instance.
type CLI struct {
	emu      *emulator.Emulator
	snapshot *emulator.Emulator

	breakpoints map[uint64]struct{}
	watches     []string

	injectAddr mmu.VirtAddr
	injectLen  uint

	scanner  *bufio.Scanner
	out      io.Writer
	lastLine string
	counter  stats.Counter
}

// New wraps emu for interactive use, taking an initial snapshot.
func New(emu *emulator.Emulator, out io.Writer) *CLI {
	return &CLI{
		emu:         emu,
		snapshot:    emu.Fork(),
		breakpoints: make(map[uint64]struct{}),
		out:         out,
	}
}

// Run reads commands from in until "quit" or EOF. Empty lines repeat the
// previous command, matching the original REPL's behavior.
func (c *CLI) Run(in io.Reader) error {
	c.scanner = bufio.NewScanner(in)
	fmt.Fprint(c.out, prompt)
	for c.scanner.Scan() {
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" {
			line = c.lastLine
		} else {
			c.lastLine = line
		}

		if line != "" {
			quit, err := c.dispatch(line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
		fmt.Fprint(c.out, prompt)
	}
	return c.scanner.Err()
}

// readLine prints prompt and reads the next line from the same scanner Run
// is driving, for commands like smem that need a follow-up answer rather
// than inline arguments.
func (c *CLI) readLine(question string) (string, error) {
	fmt.Fprint(c.out, question)
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(c.scanner.Text()), nil
}

func (c *CLI) dispatch(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "xmem":
		return false, c.cmdXmem(args)
	case "smem":
		return false, c.cmdSmem(args)
	case "wmem":
		return false, c.cmdWmem(args)
	case "ni":
		return false, c.cmdNi()
	case "ir":
		c.emu.PrintRegs(c.out)
		return false, nil
	case "break":
		return false, c.cmdBreak(args)
	case "sbreak":
		return false, c.cmdSbreak()
	case "watch":
		return false, c.cmdWatch(args)
	case "swatch":
		return false, c.cmdSwatch()
	case "continue":
		return false, c.cmdContinue()
	case "snapshot":
		c.snapshot = c.emu.Fork()
		fmt.Fprintln(c.out, "snapshot taken")
		return false, nil
	case "adr":
		return false, c.cmdAdr(args)
	case "length":
		return false, c.cmdLength(args)
	case "go":
		return false, c.cmdGo()
	case "help":
		c.cmdHelp()
		return false, nil
	case "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func (c *CLI) cmdXmem(args []string) error {
	var count uint64 = 1
	sizeLetter := byte('w')
	var adrArg string

	switch len(args) {
	case 1:
		adrArg = args[0]
	case 2:
		sizeLetter = args[0][0]
		adrArg = args[1]
	case 3:
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("xmem: bad count %q: %w", args[0], err)
		}
		count = n
		sizeLetter = args[1][0]
		adrArg = args[2]
	default:
		return fmt.Errorf("usage: xmem [count] [b|h|w|g] <hex-adr>")
	}

	adr, err := parseHex(adrArg)
	if err != nil {
		return fmt.Errorf("xmem: bad address %q: %w", adrArg, err)
	}
	return c.emu.MMU().Print(c.out, mmu.VirtAddr(adr), uint(count), sizeLetter)
}

// cmdSmem searches emulator memory for a value, prompting for the needle
// and size letter on separate lines rather than taking inline arguments.
func (c *CLI) cmdSmem(args []string) error {
	valueLine, err := c.readLine("search for value: ")
	if err != nil {
		return fmt.Errorf("smem: %w", err)
	}
	needle, err := parseHex(valueLine)
	if err != nil {
		return fmt.Errorf("smem: bad value %q: %w", valueLine, err)
	}

	formatLine, err := c.readLine("format (b, h, w, g): ")
	if err != nil {
		return fmt.Errorf("smem: %w", err)
	}
	if formatLine == "" {
		return fmt.Errorf("smem: missing size letter")
	}
	sizeLetter := formatLine[0]

	hits, err := c.emu.MMU().Search(needle, sizeLetter)
	if err != nil {
		return fmt.Errorf("smem: %w", err)
	}
	if len(hits) == 0 {
		fmt.Fprintf(c.out, "did not find %#x in emulator memory\n", needle)
		return nil
	}
	fmt.Fprintf(c.out, "%d hit(s) of %#x\n", len(hits), needle)
	for i, adr := range hits {
		fmt.Fprintf(c.out, "%d: %#x\n", i+1, adr)
	}
	return nil
}

// cmdWmem writes value into memory at adr, sized by an optional letter.
// This is the "set memory" counterpart smem used to implement under its
// own name.
func (c *CLI) cmdWmem(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: wmem <hex-adr> <hex-value> [b|h|w|g]")
	}
	adr, err := parseHex(args[0])
	if err != nil {
		return fmt.Errorf("wmem: bad address %q: %w", args[0], err)
	}
	value, err := parseHex(args[1])
	if err != nil {
		return fmt.Errorf("wmem: bad value %q: %w", args[1], err)
	}
	sizeLetter := byte('w')
	if len(args) >= 3 {
		sizeLetter = args[2][0]
	}

	var width int
	switch sizeLetter {
	case 'b':
		width = 1
	case 'h':
		width = 2
	case 'w':
		width = 4
	case 'g':
		width = 8
	default:
		return fmt.Errorf("wmem: invalid size letter %q", sizeLetter)
	}

	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	return c.emu.MMU().Write(mmu.VirtAddr(adr), buf)
}

func (c *CLI) cmdNi() error {
	reason := c.emu.Execute()
	fmt.Fprintf(c.out, "pc=%#016x exit=%s\n", c.emu.PC(), reason)
	return nil
}

func (c *CLI) cmdBreak(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: break <hex-adr>")
	}
	adr, err := parseHex(args[0])
	if err != nil {
		return fmt.Errorf("break: bad address %q: %w", args[0], err)
	}

	var probe [1]byte
	if err := c.emu.MMU().ReadExpectPerm(probe[:], mmu.VirtAddr(adr), mmu.PermExec); err != nil {
		return fmt.Errorf("break: address %#x is not executable: %w", adr, err)
	}

	c.breakpoints[adr] = struct{}{}
	fmt.Fprintf(c.out, "breakpoint set at %#x\n", adr)
	return nil
}

func (c *CLI) cmdSbreak() error {
	for adr := range c.breakpoints {
		fmt.Fprintf(c.out, "  %#016x\n", adr)
	}
	return nil
}

// cmdWatch accepts and displays a register watchpoint. It is never
// consulted by cmdContinue — matching the original debug CLI exactly.
func (c *CLI) cmdWatch(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: watch <reg-name>")
	}
	if _, ok := c.emu.RegByName(args[0]); !ok {
		return fmt.Errorf("watch: unknown register %q", args[0])
	}
	c.watches = append(c.watches, args[0])
	fmt.Fprintf(c.out, "watching %s\n", args[0])
	return nil
}

func (c *CLI) cmdSwatch() error {
	for _, name := range c.watches {
		v, _ := c.emu.RegByName(name)
		fmt.Fprintf(c.out, "  %-4s = %#016x\n", name, v)
	}
	return nil
}

// cmdContinue runs until any recorded breakpoint is hit or the instance
// exits on its own. Watchpoints never stop it.
func (c *CLI) cmdContinue() error {
	for {
		if _, hit := c.breakpoints[c.emu.PC()]; hit {
			fmt.Fprintf(c.out, "breakpoint hit at %#016x\n", c.emu.PC())
			return nil
		}
		reason := c.emu.Execute()
		if reason != exitcode.None {
			fmt.Fprintf(c.out, "stopped: %s at pc=%#016x\n", reason, c.emu.PC())
			return nil
		}
	}
}

func (c *CLI) cmdAdr(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: adr <hex-adr>")
	}
	adr, err := parseHex(args[0])
	if err != nil {
		return fmt.Errorf("adr: bad address %q: %w", args[0], err)
	}
	c.injectAddr = mmu.VirtAddr(adr)
	fmt.Fprintf(c.out, "injection address set to %#x\n", adr)
	return nil
}

func (c *CLI) cmdLength(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: length <n>")
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("length: bad length %q: %w", args[0], err)
	}
	c.injectLen = uint(n)
	fmt.Fprintf(c.out, "injection length set to %d\n", c.injectLen)
	return nil
}

// cmdGo resets the instance to the last snapshot and runs it to
// completion, reporting the exit reason.
func (c *CLI) cmdGo() error {
	c.emu.Reset(c.snapshot)
	reason := c.emu.Run(&c.counter)
	fmt.Fprintf(c.out, "exit: %s (pc=%#016x, %d instructions)\n", reason, c.emu.PC(), c.counter.Count())
	return nil
}

func (c *CLI) cmdHelp() {
	fmt.Fprint(c.out, `commands:
  xmem [count] [b|h|w|g] <hex-adr>   examine memory
  smem                                search memory for a value (prompts)
  wmem <hex-adr> <hex-value> [size]  write a value into memory
  ni                                  step one instruction
  ir                                  print registers
  break <hex-adr>                     set a breakpoint
  sbreak                              list breakpoints
  watch <reg>                         watch a register (display only)
  swatch                              list watched registers
  continue                            run to the next breakpoint
  snapshot                            take a fresh snapshot
  adr <hex-adr>                       set the fuzz injection address
  length <n>                          set the fuzz injection max length
  go                                  reset to snapshot and run to exit
  help                                this message
  quit                                leave the debugger
`)
}
