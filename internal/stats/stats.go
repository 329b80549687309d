// Package stats carries the per-case counters and budget the execution loop
// checks between instructions.
package stats

import "sync/atomic"

// Stats accumulates run-time counters shared by every worker of a run.
// InstrBudget records the per-case instruction ceiling the run was
// configured with; the execution loop does not read it, and enforces the
// budget given to Emulator.SetInstrBudget instead.
type Stats struct {
	Instructions uint64
	Cases        uint64
	Crashes      uint64
	NewCoverage  uint64

	// InstrBudget is the configured per-case instruction ceiling. Zero
	// means unbounded.
	InstrBudget uint64
}

// instrThisCase is reset at the start of every Run/RunUntil and compared
// against InstrBudget by the execution loop.
type Counter struct {
	instrThisCase uint64
}

// ResetCase zeroes the per-case instruction counter, called once at the
// start of Run/RunUntil.
func (c *Counter) ResetCase() {
	atomic.StoreUint64(&c.instrThisCase, 0)
}

// Count returns the number of instructions ticked since the last ResetCase.
func (c *Counter) Count() uint64 {
	return atomic.LoadUint64(&c.instrThisCase)
}

// Tick increments the per-case instruction counter and reports whether
// budget (0 = unbounded) has been exceeded.
func (c *Counter) Tick(budget uint64) (overBudget bool) {
	n := atomic.AddUint64(&c.instrThisCase, 1)
	return budget != 0 && n > budget
}

// The Inc* methods let many worker goroutines update one shared *Stats
// without a mutex: every field is only ever touched through sync/atomic.

func (s *Stats) IncCases()                   { atomic.AddUint64(&s.Cases, 1) }
func (s *Stats) IncCrashes()                  { atomic.AddUint64(&s.Crashes, 1) }
func (s *Stats) AddInstructions(n uint64)     { atomic.AddUint64(&s.Instructions, n) }
func (s *Stats) AddNewCoverage(n uint64)      { atomic.AddUint64(&s.NewCoverage, n) }

// Snapshot returns a point-in-time copy safe to read without racing the
// workers still updating the original, for the dashboard's render loop.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Instructions: atomic.LoadUint64(&s.Instructions),
		Cases:        atomic.LoadUint64(&s.Cases),
		Crashes:      atomic.LoadUint64(&s.Crashes),
		NewCoverage:  atomic.LoadUint64(&s.NewCoverage),
		InstrBudget:  atomic.LoadUint64(&s.InstrBudget),
	}
}
