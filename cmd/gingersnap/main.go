// Command gingersnap is the fuzzer's entrypoint: it loads a statically
// linked RV64I or MIPS64 target, then either runs a worker pool under the
// live dashboard, drops into the single-step debugger, or prints what the
// ELF loader saw.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/joelengelcrona/gingersnap/internal/corpus"
	"github.com/joelengelcrona/gingersnap/internal/dashboard"
	"github.com/joelengelcrona/gingersnap/internal/debugcli"
	"github.com/joelengelcrona/gingersnap/internal/elfinfo"
	"github.com/joelengelcrona/gingersnap/internal/emulator"
	"github.com/joelengelcrona/gingersnap/internal/logging"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
	"github.com/joelengelcrona/gingersnap/internal/stats"
	"github.com/joelengelcrona/gingersnap/internal/worker"
)

// config is what --config loads; command-line flags always win over a
// loaded file since cobra applies flag defaults before Execute runs fileCfg
// merging in runE.
type config struct {
	Workers     int      `yaml:"workers"`
	CorpusDir   string   `yaml:"corpus_dir"`
	MemorySize  uint     `yaml:"memory_size"`
	InstrBudget uint64   `yaml:"instr_budget"`
	InjectAddr  uint64   `yaml:"inject_addr"`
	InjectLen   uint     `yaml:"inject_len"`
	Seed        int64    `yaml:"seed"`
	Argv        []string `yaml:"argv"`
	Envp        []string `yaml:"envp"`
}

func defaultConfig() config {
	return config{
		Workers:     1,
		CorpusDir:   "corpus",
		MemorySize:  emulator.DefaultMemorySize,
		InstrBudget: 0,
		InjectLen:   4096,
		Seed:        1,
	}
}

func loadConfigFile(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// raiseFileLimit best-effort raises RLIMIT_NOFILE to its hard ceiling: a
// worker pool writing queue and crash files concurrently can otherwise run
// out of descriptors well before it runs out of interesting inputs.
func raiseFileLimit() error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	rlim.Cur = rlim.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool
	var configPath string

	root := &cobra.Command{
		Use:           "gingersnap",
		Short:         "coverage-guided snapshot fuzzer for RV64I and MIPS64 targets",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(debug)
		},
	}
	root.PersistentFlags().BoolVarP(&debug, "debug", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newDebugCmd())
	root.AddCommand(newInfoCmd())
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	cfg := defaultConfig()
	var argv, envp []string

	cmd := &cobra.Command{
		Use:   "run <target>",
		Short: "fuzz a target under the worker pool and live dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			fileCfg, err := loadConfigFile(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("workers") {
				cfg.Workers = fileCfg.Workers
			}
			if !cmd.Flags().Changed("corpus") {
				cfg.CorpusDir = fileCfg.CorpusDir
			}
			if !cmd.Flags().Changed("inject-addr") {
				cfg.InjectAddr = fileCfg.InjectAddr
			}
			if !cmd.Flags().Changed("inject-len") {
				cfg.InjectLen = fileCfg.InjectLen
			}
			if !cmd.Flags().Changed("memory") {
				cfg.MemorySize = fileCfg.MemorySize
			}
			if !cmd.Flags().Changed("budget") {
				cfg.InstrBudget = fileCfg.InstrBudget
			}
			if !cmd.Flags().Changed("seed") {
				cfg.Seed = fileCfg.Seed
			}
			if len(argv) == 0 {
				argv = fileCfg.Argv
			}
			if len(envp) == 0 {
				envp = fileCfg.Envp
			}
			if len(argv) == 0 {
				argv = []string{target}
			}

			if err := raiseFileLimit(); err != nil {
				logging.L().Sugar().Warnf("could not raise file descriptor limit: %v", err)
			}

			reference, err := emulator.LoadELF(target, cfg.MemorySize, argv, envp)
			if err != nil {
				return fmt.Errorf("loading target: %w", err)
			}
			reference.SetInstrBudget(cfg.InstrBudget)

			c, err := corpus.New(cfg.CorpusDir)
			if err != nil {
				return fmt.Errorf("opening corpus: %w", err)
			}
			if c.Len() == 0 {
				c.Seed([]byte("gingersnap"))
			}

			shared := &stats.Stats{InstrBudget: cfg.InstrBudget}
			inject := worker.InjectionPoint{Addr: mmu.VirtAddr(cfg.InjectAddr), MaxLen: cfg.InjectLen}
			pool := worker.New(reference, c, shared, inject, cfg.Seed)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go pool.Run(ctx, cfg.Workers)

			model := dashboard.New(target, shared)
			program := tea.NewProgram(model)
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			stop()
			// Give the worker goroutines a moment to notice ctx is done and
			// return cleanly rather than racing process exit.
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.Workers, "workers", cfg.Workers, "number of fuzzing workers")
	cmd.Flags().StringVar(&cfg.CorpusDir, "corpus", cfg.CorpusDir, "directory to store the queue and crashes in")
	cmd.Flags().UintVar(&cfg.MemorySize, "memory", cfg.MemorySize, "guest address space size in bytes")
	cmd.Flags().Uint64Var(&cfg.InstrBudget, "budget", cfg.InstrBudget, "per-case instruction budget (0 = unbounded)")
	cmd.Flags().Uint64Var(&cfg.InjectAddr, "inject-addr", cfg.InjectAddr, "guest virtual address to write the mutated input to")
	cmd.Flags().UintVar(&cfg.InjectLen, "inject-len", cfg.InjectLen, "maximum injected input length")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "PRNG seed (workers offset from this)")
	cmd.Flags().StringArrayVar(&argv, "arg", nil, "guest argv entry (repeatable; defaults to the target path alone)")
	cmd.Flags().StringArrayVar(&envp, "env", nil, "guest envp entry (repeatable)")
	return cmd
}

func newDebugCmd() *cobra.Command {
	var memorySize uint
	var argv, envp []string

	cmd := &cobra.Command{
		Use:   "debug <target>",
		Short: "single-step a target interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if len(argv) == 0 {
				argv = []string{target}
			}

			e, err := emulator.LoadELF(target, memorySize, argv, envp)
			if err != nil {
				return fmt.Errorf("loading target: %w", err)
			}

			cli := debugcli.New(e, os.Stdout)
			return cli.Run(os.Stdin)
		},
	}
	cmd.Flags().UintVar(&memorySize, "memory", emulator.DefaultMemorySize, "guest address space size in bytes")
	cmd.Flags().StringArrayVar(&argv, "arg", nil, "guest argv entry (repeatable)")
	cmd.Flags().StringArrayVar(&envp, "env", nil, "guest envp entry (repeatable)")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <target>",
		Short: "print what the ELF loader sees in a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := elfinfo.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("machine:   %s\n", target.Machine)
			fmt.Printf("class:     %s\n", target.Class)
			fmt.Printf("byteorder: %s\n", target.ByteOrder)
			fmt.Printf("type:      %s\n", target.Type)
			fmt.Printf("entry:     %#x\n", target.Entry)
			fmt.Printf("segments:\n")
			for _, seg := range target.Segments {
				fmt.Printf("  vaddr=%#010x filesz=%#x memsz=%#x perm=%s\n",
					seg.VirtAddr, seg.FileSize, seg.MemSize, seg.Perm)
			}
			return nil
		},
	}
}
