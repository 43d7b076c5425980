// treediff runs the differential harness: random seeded header scenarios
// are applied to the reference model and to the production tree, and any
// divergence in their observable state is reported.
//
// Usage:
//
//	treediff [--seed=N] [--runs=N] [--steps=N] [--candidate=memory|store|badger]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/difftest"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/model"
	"github.com/Klingon-tech/klingnet-headers/internal/chain"
	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
)

func main() {
	fs := flag.NewFlagSet("treediff", flag.ExitOnError)
	seed := fs.Uint64("seed", 1, "first seed")
	runs := fs.Int("runs", 100, "number of consecutive seeds to run")
	steps := fs.Int("steps", 200, "operations per run")
	batch := fs.Int("batch", 5, "max headers per import")
	rollbackRate := fs.Int("rollback-rate", 8, "one rollback every N steps on average (0 disables)")
	candidate := fs.String("candidate", "memory", "production tree flavor: memory, store or badger")
	logLevel := fs.String("log-level", "warn", "log level")
	verbose := fs.Bool("v", false, "print a line per run")
	fs.Parse(os.Args[1:])

	if err := klog.Init(*logLevel, false, ""); err != nil {
		fatal("init logger: %v", err)
	}

	factory, cleanup, err := candidateFactory(*candidate)
	if err != nil {
		fatal("%v", err)
	}
	defer cleanup()

	var (
		start  = time.Now()
		totals difftest.Report
	)
	for i := 0; i < *runs; i++ {
		cfg := difftest.Config{
			Seed:         *seed + uint64(i),
			Steps:        *steps,
			MaxBatch:     *batch,
			RollbackRate: *rollbackRate,
			BadRollbacks: true,
		}
		report, err := difftest.Run(cfg, referenceFactory, factory)
		if err != nil {
			var div *difftest.Divergence
			if errors.As(err, &div) {
				fmt.Fprintf(os.Stderr, "DIVERGENCE seed=%d after %d steps: %v\n", cfg.Seed, report.Steps, err)
				fmt.Fprintf(os.Stderr, "reproduce with: treediff --seed=%d --runs=1 --steps=%d --candidate=%s\n",
					cfg.Seed, *steps, *candidate)
				cleanup()
				os.Exit(2)
			}
			cleanup()
			fatal("seed %d: %v", cfg.Seed, err)
		}

		if *verbose {
			fmt.Printf("seed=%-6d steps=%-4d imports=%-4d headers=%-5d rollbacks=%-3d reorgs=%-3d height=%d\n",
				report.Seed, report.Steps, report.Imports, report.Headers, report.Rollbacks, report.Reorgs, report.MaxHeight)
		}
		totals.Steps += report.Steps
		totals.Imports += report.Imports
		totals.Headers += report.Headers
		totals.Rollbacks += report.Rollbacks
		totals.Reorgs += report.Reorgs
		totals.MaxHeight = max(totals.MaxHeight, report.MaxHeight)
	}

	fmt.Printf("OK: %d runs (seeds %d..%d) against %s in %s\n",
		*runs, *seed, *seed+uint64(*runs)-1, *candidate, time.Since(start).Round(time.Millisecond))
	fmt.Printf("    steps=%d imports=%d headers=%d rollbacks=%d reorgs=%d max_height=%d\n",
		totals.Steps, totals.Imports, totals.Headers, totals.Rollbacks, totals.Reorgs, totals.MaxHeight)
}

func referenceFactory(g block.Header) (blocktree.BlockTree, error) {
	return model.New(g), nil
}

// candidateFactory returns the production tree flavor to test and a
// cleanup for any resources it opened.
func candidateFactory(name string) (difftest.Factory, func(), error) {
	switch name {
	case "memory":
		return func(g block.Header) (blocktree.BlockTree, error) {
			return chain.New(g), nil
		}, func() {}, nil

	case "store":
		return func(g block.Header) (blocktree.BlockTree, error) {
			return chain.Open(storage.NewMemory(), g)
		}, func() {}, nil

	case "badger":
		dir, err := os.MkdirTemp("", "treediff-*")
		if err != nil {
			return nil, nil, err
		}
		var dbs []storage.DB
		run := 0
		factory := func(g block.Header) (blocktree.BlockTree, error) {
			run++
			db, err := storage.NewBadger(fmt.Sprintf("%s/run-%d", dir, run))
			if err != nil {
				return nil, err
			}
			dbs = append(dbs, db)
			return chain.Open(db, g)
		}
		cleanup := func() {
			for _, db := range dbs {
				db.Close()
			}
			os.RemoveAll(dir)
		}
		return factory, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown candidate %q (want memory, store or badger)", name)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
