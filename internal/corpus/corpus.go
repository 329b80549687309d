// Package corpus holds the shared fuzzing input set behind a mutex and its
// coverage set behind that set's own lock, persists interesting inputs and crash artifacts
// to disk, and provides the byte-level mutator workers draw new cases from.
package corpus

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/joelengelcrona/gingersnap/internal/coverage"
	"github.com/joelengelcrona/gingersnap/internal/exitcode"
	"github.com/joelengelcrona/gingersnap/internal/logging"
)

// Corpus is the single cross-worker collaborator: every worker calls
// Consider after a run and Pick before starting the next one. mu guards
// inputs only and is held for O(1) work, never across guest execution; the
// coverage merge in Consider runs first, under coverage.Global's own lock.
type Corpus struct {
	mu       sync.Mutex
	inputs   [][]byte
	coverage *coverage.Global

	queueDir  string
	crashDir  string
}

// New opens (creating if necessary) dir/queue and dir/crashes, loading any
// previously persisted inputs as the initial corpus.
func New(dir string) (*Corpus, error) {
	queueDir := filepath.Join(dir, "queue")
	crashDir := filepath.Join(dir, "crashes")
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}
	if err := os.MkdirAll(crashDir, 0o755); err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}

	c := &Corpus{
		coverage: coverage.NewGlobal(),
		queueDir: queueDir,
		crashDir: crashDir,
	}

	entries, err := os.ReadDir(queueDir)
	if err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(queueDir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("corpus: reading seed %s: %w", ent.Name(), err)
		}
		c.inputs = append(c.inputs, data)
	}
	return c, nil
}

// Seed adds data to the in-memory corpus without persisting it — for
// synthetic startup seeds a caller already has in hand.
func (c *Corpus) Seed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, append([]byte(nil), data...))
}

// Len reports the current corpus size.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

// CoverageLen reports the number of distinct edges discovered so far.
func (c *Corpus) CoverageLen() int {
	return c.coverage.Len()
}

// Pick returns a copy of a random corpus member for rng to mutate. It
// panics if the corpus is empty — callers must Seed at least one input
// before fuzzing starts.
func (c *Corpus) Pick(rng *rand.Rand) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs) == 0 {
		panic("corpus: Pick called on an empty corpus")
	}
	src := c.inputs[rng.Intn(len(c.inputs))]
	return append([]byte(nil), src...)
}

// Consider merges bmp into the global coverage set and, if it found
// anything new, appends input to the corpus and persists it to the queue
// directory. Returns whether input was accepted.
func (c *Corpus) Consider(input []byte, bmp *coverage.Bitmap) (bool, error) {
	added := c.coverage.Merge(bmp)
	if added == 0 {
		return false, nil
	}

	name := uuid.NewString()
	path := filepath.Join(c.queueDir, name)
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return false, fmt.Errorf("corpus: persisting new input: %w", err)
	}

	c.mu.Lock()
	c.inputs = append(c.inputs, append([]byte(nil), input...))
	c.mu.Unlock()

	logging.L().Sugar().Debugf("corpus: accepted new input %s (+%d edges)", name, added)
	return true, nil
}

// SaveCrash persists input as a crash artifact named after reason and a
// fresh UUID, returning the path it was written to.
func (c *Corpus) SaveCrash(input []byte, reason exitcode.Reason) (string, error) {
	name := fmt.Sprintf("%s-%s", reason, uuid.NewString())
	path := filepath.Join(c.crashDir, name)
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return "", fmt.Errorf("corpus: persisting crash: %w", err)
	}
	return path, nil
}
