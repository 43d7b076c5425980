package difftest

import (
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/forkgen"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
)

// Config shapes a random run.
type Config struct {
	Seed         uint64
	Steps        int
	MaxBatch     int // headers per import, at least 1
	RollbackRate int // one rollback in RollbackRate steps; 0 disables
	// BadRollbacks also issues rollbacks above the tip, which must fail
	// identically on both sides.
	BadRollbacks bool
}

// DefaultConfig is a moderate run.
func DefaultConfig(seed uint64) Config {
	return Config{Seed: seed, Steps: 200, MaxBatch: 5, RollbackRate: 8, BadRollbacks: true}
}

// Report summarizes a finished run.
type Report struct {
	Seed      uint64
	Steps     int
	Imports   int
	Headers   int
	Rollbacks int
	Reorgs    int // imports that replaced at least one active header
	MaxHeight uint64
}

// Factory builds a tree from genesis.
type Factory func(genesis block.Header) (blocktree.BlockTree, error)

// Run generates a random scenario from cfg and applies it to trees built by
// reference and candidate. It stops at the first divergence.
func Run(cfg Config, reference, candidate Factory) (Report, error) {
	report := Report{Seed: cfg.Seed}
	gen := forkgen.NewGenerator(cfg.Seed)
	genesis := forkgen.Genesis()

	ref, err := reference(genesis)
	if err != nil {
		return report, err
	}
	cand, err := candidate(genesis)
	if err != nil {
		return report, err
	}
	h := New(ref, cand, forkgen.Clock)
	maxBatch := max(cfg.MaxBatch, 1)

	for range cfg.Steps {
		rng := gen.Rand()
		if cfg.RollbackRate > 0 && rng.IntN(cfg.RollbackRate) == 0 {
			target := rng.Uint64N(ref.Height() + 1)
			if cfg.BadRollbacks && rng.IntN(4) == 0 {
				target = ref.Height() + 1 + rng.Uint64N(3)
			}
			if err := h.Rollback(target); err != nil {
				return finish(report, h), err
			}
			report.Rollbacks++
			continue
		}

		before := collect(ref)
		batch := gen.Batch(1 + rng.IntN(maxBatch))
		if err := h.Import(batch); err != nil {
			return finish(report, h), err
		}
		report.Imports++
		report.Headers += len(batch)
		if replaced(before, collect(ref)) {
			report.Reorgs++
		}
		report.MaxHeight = max(report.MaxHeight, ref.Height())
	}
	return finish(report, h), nil
}

func finish(r Report, h *Harness) Report {
	r.Steps = h.Steps()
	return r
}

// replaced reports whether any header of before is missing from the same
// height in after.
func replaced[T comparable](before, after []T) bool {
	for i := range before {
		if i >= len(after) || before[i] != after[i] {
			return true
		}
	}
	return false
}
