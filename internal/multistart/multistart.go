// Package multistart runs independent trust-region optimizations from
// randomized starting points and keeps the best outcome. Runs never share
// state: each one gets its own full-order model, reductor and surrogate, so
// they are safe to execute concurrently even though a single trust-region
// loop is strictly sequential.
package multistart

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/modred/tropt/internal/model"
	"github.com/modred/tropt/internal/reduce"
	"github.com/modred/tropt/internal/trust"
)

// ProblemFunc builds a fresh full-order model and its parameter space.
// It is called once per run; returned models must not be shared.
type ProblemFunc func() (*model.Affine, *model.Space, error)

// Config drives a multistart session.
type Config struct {
	// Problem builds one model instance per run.
	Problem ProblemFunc
	// Starts is the number of independent runs.
	Starts int
	// Concurrency caps parallel runs; 0 means GOMAXPROCS.
	Concurrency int
	// Seed feeds the per-run starting-point draws, making a session
	// reproducible.
	Seed int64
	// Options is the per-run trust-region configuration. The Solver, RNG
	// and OnIteration fields are ignored; each run builds its own.
	Options trust.Options
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RunResult is the outcome of one start.
type RunResult struct {
	Start  int
	Mu     []float64
	Output float64
	Record *trust.Record
	Err    error
}

// Run executes the session and returns all run results ordered by start
// index, plus the index of the best converged run. It fails only when the
// session as a whole is unusable: bad configuration, a model that cannot be
// built, or context cancellation. Individual runs that do not converge are
// reported through their RunResult.Err, because other starts may still
// succeed.
func Run(ctx context.Context, cfg Config) ([]RunResult, int, error) {
	if cfg.Problem == nil {
		return nil, -1, fmt.Errorf("problem builder is required")
	}
	if cfg.Starts < 1 {
		return nil, -1, fmt.Errorf("starts must be at least 1, got %d", cfg.Starts)
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, -1, fmt.Errorf("run options: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	// Draw all starting points up front from one seeded source so the
	// session is reproducible regardless of scheduling order.
	seedRNG := rand.New(rand.NewSource(cfg.Seed))
	seeds := make([]int64, cfg.Starts)
	for i := range seeds {
		seeds[i] = seedRNG.Int63()
	}

	results := make([]RunResult, cfg.Starts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < cfg.Starts; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			full, space, err := cfg.Problem()
			if err != nil {
				return fmt.Errorf("building model for start %d: %w", i, err)
			}

			opts := cfg.Options
			opts.Solver = nil
			opts.OnIteration = nil
			opts.RNG = rand.New(rand.NewSource(seeds[i]))
			opts.Logger = logger.With("start", i)

			red := trust.WrapReductor(reduce.NewReductor(full))
			mu, rec, err := trust.Optimize(gctx, red, space, nil, opts)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("start did not converge", "start", i, "error", err)
				results[i] = RunResult{Start: i, Mu: mu, Record: rec, Err: err}
				return nil
			}

			output, err := full.Output(mu)
			if err != nil {
				return fmt.Errorf("output at final iterate of start %d: %w", i, err)
			}

			logger.Info("start finished", "start", i, "output", output, "iterations", rec.Iterations)
			results[i] = RunResult{Start: i, Mu: mu, Output: output, Record: rec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, -1, err
	}

	best := bestIndex(results)
	if best < 0 {
		return results, -1, fmt.Errorf("no start converged in %d runs", cfg.Starts)
	}
	return results, best, nil
}

// bestIndex returns the converged run with the smallest output, or -1.
func bestIndex(results []RunResult) int {
	idx := make([]int, 0, len(results))
	for i, r := range results {
		if r.Err == nil {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return -1
	}
	sort.Slice(idx, func(a, b int) bool {
		return results[idx[a]].Output < results[idx[b]].Output
	})
	return idx[0]
}
