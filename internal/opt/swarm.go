package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"

	"github.com/modred/tropt/internal/model"
)

// SwarmConfig holds the parameters of the mayfly-backed solver.
type SwarmConfig struct {
	MaxIters int
	PopSize  int // the mayfly library requires at least 20
	Seed     int64
}

// DefaultSwarmConfig returns the standard configuration.
func DefaultSwarmConfig() SwarmConfig {
	return SwarmConfig{MaxIters: 200, PopSize: 20, Seed: 1}
}

// Swarm is a derivative-free solver backed by the external mayfly library.
// It ignores gradients entirely, which makes it a useful baseline against
// the quasi-Newton solver and a fallback for objectives whose gradients are
// unreliable. The library only supports identical bounds across dimensions,
// so the first component's bounds are used and the result is clipped.
type Swarm struct {
	cfg SwarmConfig
}

// NewSwarm creates a solver with the given configuration.
func NewSwarm(cfg SwarmConfig) *Swarm {
	return &Swarm{cfg: cfg}
}

// Minimize runs one mayfly optimization over the box. The accept gate is
// applied to the returned best point; a vetoed or failed run falls back to
// the starting point.
func (s *Swarm) Minimize(ctx context.Context, obj Objective, space *model.Space, start []float64, accept AcceptFunc) ([]float64, *Trace, error) {
	dim := space.Dim()
	if len(start) != dim {
		return nil, nil, fmt.Errorf("start point has %d components, domain has %d", len(start), dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	origin := space.Clip(start)
	originOut, err := obj.Output(origin)
	if err != nil {
		return nil, nil, fmt.Errorf("objective at start: %w", err)
	}
	trace := &Trace{
		Mus:        [][]float64{copyVec(origin)},
		Outputs:    []float64{originOut},
		Iterations: s.cfg.MaxIters,
	}

	cfg := mayfly.NewDefaultConfig()
	cfg.ObjectiveFunc = func(x []float64) float64 {
		v, err := obj.Output(space.Clip(x))
		if err != nil {
			return math.Inf(1)
		}
		return v
	}
	cfg.ProblemSize = dim
	cfg.MaxIterations = s.cfg.MaxIters
	cfg.NPop = s.cfg.PopSize
	lower, upper := space.Lower(), space.Upper()
	cfg.LowerBound = lower[0]
	cfg.UpperBound = upper[0]
	cfg.Rand = rand.New(rand.NewSource(s.cfg.Seed))

	result, err := mayfly.Optimize(cfg)
	if err != nil {
		trace.Reason = "swarm run failed, keeping start point"
		return copyVec(origin), trace, nil
	}
	if err := ctx.Err(); err != nil {
		trace.Reason = "cancelled"
		return copyVec(origin), trace, err
	}

	best := space.Clip(result.GlobalBest.Position)
	bestOut, err := obj.Output(best)
	if err != nil {
		return nil, nil, fmt.Errorf("objective at swarm best %v: %w", best, err)
	}
	if bestOut >= originOut {
		trace.Reason = "swarm found no improvement"
		return copyVec(origin), trace, nil
	}
	if accept != nil && !accept(best, originOut) {
		trace.Reason = "accept gate vetoed the swarm best"
		return copyVec(origin), trace, nil
	}

	trace.Mus = append(trace.Mus, copyVec(best))
	trace.Outputs = append(trace.Outputs, bestOut)
	trace.Converged = true
	trace.Reason = "swarm best accepted"
	return copyVec(best), trace, nil
}
