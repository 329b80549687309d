// Package worker spawns the goroutine pool that drives the fuzzing loop:
// each worker owns one forked Emulator, pulls a case from the shared
// corpus, mutates it, runs it to an exit reason, and either saves it as a
// crash, offers it to the corpus for new-coverage promotion, or discards
// it — then resets back to the shared, never-executed reference instance
// for the next case.
package worker

import (
	"context"
	"math/rand"

	"github.com/joelengelcrona/gingersnap/internal/corpus"
	"github.com/joelengelcrona/gingersnap/internal/emulator"
	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/logging"
	"github.com/joelengelcrona/gingersnap/internal/mmu"
	"github.com/joelengelcrona/gingersnap/internal/stats"
)

// InjectionPoint describes where each mutated input is written in guest
// memory (Addr) and how many bytes of it are kept at most (MaxLen). They live here rather than in mmu
// since they're a fuzzing-session convention, not an MMU invariant.
type InjectionPoint struct {
	Addr   mmu.VirtAddr
	MaxLen uint
}

// Pool runs N workers against one shared corpus, each forked from
// reference at startup and never restored from disk mid-run.
type Pool struct {
	reference *emulator.Emulator
	corpus    *corpus.Corpus
	stats     *stats.Stats
	inject    InjectionPoint
	seed      int64
}

// New builds a pool. reference must already be loaded and stacked; it is
// never mutated by the pool itself, only forked.
func New(reference *emulator.Emulator, c *corpus.Corpus, s *stats.Stats, inject InjectionPoint, seed int64) *Pool {
	return &Pool{reference: reference, corpus: c, stats: s, inject: inject, seed: seed}
}

// Run spawns n worker goroutines and blocks until ctx is canceled, at which
// point every worker finishes its in-flight case and returns.
func (p *Pool) Run(ctx context.Context, n int) {
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			p.runOne(ctx, id)
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (p *Pool) runOne(ctx context.Context, id int) {
	rng := rand.New(rand.NewSource(p.seed + int64(id)))
	local := p.reference.Fork()
	var counter stats.Counter

	log := logging.L().Sugar().With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		seed := p.corpus.Pick(rng)
		var splice []byte
		if p.corpus.Len() > 1 {
			splice = p.corpus.Pick(rng)
		}
		input := corpus.Mutate(rng, seed, splice)
		if uint(len(input)) > p.inject.MaxLen {
			input = input[:p.inject.MaxLen]
		}

		if err := local.MMU().Write(p.inject.Addr, input); err != nil {
			log.Warnw("failed to inject input, skipping case", "err", err)
			local.Reset(p.reference)
			continue
		}

		reason := local.Run(&counter)

		p.stats.IncCases()
		p.stats.AddInstructions(counter.Count())

		if reason.IsCrash() {
			p.stats.IncCrashes()
			if path, err := p.corpus.SaveCrash(input, reason); err != nil {
				log.Errorw("failed to persist crash", "err", err)
			} else {
				log.Infow("crash found", "reason", reason.String(), "path", path)
			}
		} else if reason == exitcode.OK {
			if accepted, err := p.corpus.Consider(input, local.Coverage()); err != nil {
				log.Errorw("failed to persist new input", "err", err)
			} else if accepted {
				p.stats.AddNewCoverage(1)
			}
		}

		local.Reset(p.reference)
	}
}
