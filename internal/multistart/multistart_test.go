package multistart

import (
	"context"
	"log/slog"
	"testing"

	"github.com/modred/tropt/internal/model"
	"github.com/modred/tropt/internal/trust"
)

func msdProblem() (*model.Affine, *model.Space, error) {
	return model.NewMSD(8)
}

func quietOptions() trust.Options {
	opts := trust.DefaultOptions()
	opts.MaxIter = 60
	return opts
}

func TestRun_FindsConsistentOptimum(t *testing.T) {
	results, best, err := Run(context.Background(), Config{
		Problem: msdProblem,
		Starts:  4,
		Seed:    7,
		Options: quietOptions(),
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if best < 0 || best >= 4 {
		t.Fatalf("best index out of range: %d", best)
	}

	// The compliance output is monotone in the damping coefficient, so
	// every converged start must land on the same boundary optimum.
	_, space, _ := msdProblem()
	upper := space.Upper()[0]
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if len(r.Mu) != 1 {
			t.Fatalf("start %d returned %d parameters", r.Start, len(r.Mu))
		}
		if diff := r.Mu[0] - upper; diff > 1e-4 || diff < -1e-4 {
			t.Errorf("start %d converged to %g, want %g", r.Start, r.Mu[0], upper)
		}
	}
}

func TestRun_Reproducible(t *testing.T) {
	cfg := Config{
		Problem: msdProblem,
		Starts:  3,
		Seed:    11,
		Options: quietOptions(),
		Logger:  slog.New(slog.DiscardHandler),
	}

	first, _, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first session failed: %v", err)
	}
	second, _, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second session failed: %v", err)
	}

	for i := range first {
		if (first[i].Err == nil) != (second[i].Err == nil) {
			t.Fatalf("start %d convergence differs between sessions", i)
		}
		if first[i].Err != nil {
			continue
		}
		if first[i].Record.Iterations != second[i].Record.Iterations {
			t.Errorf("start %d iteration count differs: %d vs %d",
				i, first[i].Record.Iterations, second[i].Record.Iterations)
		}
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	opts := quietOptions()

	if _, _, err := Run(context.Background(), Config{Starts: 1, Options: opts}); err == nil {
		t.Error("missing problem builder should fail")
	}
	if _, _, err := Run(context.Background(), Config{Problem: msdProblem, Starts: 0, Options: opts}); err == nil {
		t.Error("zero starts should fail")
	}

	bad := opts
	bad.ShrinkFactor = 0
	if _, _, err := Run(context.Background(), Config{Problem: msdProblem, Starts: 1, Options: bad}); err == nil {
		t.Error("invalid options should fail")
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Run(ctx, Config{
		Problem: msdProblem,
		Starts:  2,
		Options: quietOptions(),
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err == nil {
		t.Error("cancelled context should fail the session")
	}
}
