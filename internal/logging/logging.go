// Package logging provides the process-wide structured logger. It reads a
// verbosity level configured once at startup and is safe to call from any
// goroutine thereafter without further synchronization — zap's atomic level
// is the only shared state and it is read lock-free.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log   *zap.Logger
	level zap.AtomicLevel
	once  sync.Once
)

// Init configures the global logger. debug=true sets the level to DEBUG;
// otherwise the level is INFO. Both use the same human-readable console
// encoder on stdout. Safe to call multiple times; only the first call takes
// effect, matching the "verbosity set once at startup" contract.
func Init(debug bool) {
	once.Do(func() {
		level = zap.NewAtomicLevel()
		if debug {
			level.SetLevel(zap.DebugLevel)
		} else {
			level.SetLevel(zap.InfoLevel)
		}

		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.TimeKey = ""

		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(cfg),
			zapcore.Lock(zapcore.AddSync(os.Stdout)),
			level,
		)
		log = zap.New(core)
	})
}

// L returns the global logger. Init must be called first; falls back to a
// no-op logger so tests and library callers that forget Init never panic.
func L() *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

// SetLevel adjusts the global verbosity at runtime (e.g. a debug-CLI
// command). This is the one piece of logger state written after startup;
// zap's AtomicLevel makes that safe without an explicit lock.
func SetLevel(debug bool) {
	if log == nil {
		return
	}
	if debug {
		level.SetLevel(zap.DebugLevel)
	} else {
		level.SetLevel(zap.InfoLevel)
	}
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
