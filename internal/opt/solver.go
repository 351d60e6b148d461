package opt

import (
	"context"
	"math"

	"github.com/modred/tropt/internal/model"
)

// Objective is a scalar-valued model surface a solver minimizes.
type Objective interface {
	Output(mu []float64) (float64, error)
	OutputGradient(mu []float64) ([]float64, error)
}

// AcceptFunc gates candidate steps inside a solver's line search. current is
// the objective value at the point the step starts from; returning false
// vetoes the candidate. A nil AcceptFunc accepts everything.
type AcceptFunc func(candidate []float64, current float64) bool

// Trace records the iterates of one subproblem solve. Mus[0] is always the
// starting point; later entries are the accepted iterates in order, so
// Mus[1] is the first point the solver actually moved to.
type Trace struct {
	Mus        [][]float64
	Outputs    []float64
	FOCNorms   []float64
	Iterations int
	Converged  bool
	Reason     string
}

// Solver approximately minimizes an objective over a box domain starting
// from a given point. Implementations return the best point found together
// with their trace; exhausting the iteration budget is reported through
// Trace.Converged, not as an error.
type Solver interface {
	Minimize(ctx context.Context, obj Objective, space *model.Space, start []float64, accept AcceptFunc) ([]float64, *Trace, error)
}

// FOCNorm computes the first-order criticality ||mu - clip(mu - grad)||
// under the box projection of space.
func FOCNorm(space *model.Space, mu, grad []float64) float64 {
	step := make([]float64, len(mu))
	for i := range step {
		step[i] = mu[i] - grad[i]
	}
	proj := space.Clip(step)
	var sum float64
	for i := range mu {
		d := mu[i] - proj[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func copyVec(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// stagnationTracker finishes a solve once the objective has gone
// stagnationWindow consecutive iterations without a relative improvement
// above stagnationThreshold. A non-positive window or an infinite threshold
// disables the check.
type stagnationTracker struct {
	window    int
	threshold float64
	last      float64
	haveLast  bool
	stale     int
}

func newStagnationTracker(window int, threshold float64) *stagnationTracker {
	return &stagnationTracker{window: window, threshold: threshold}
}

// observe feeds the next objective value and reports whether the solve has
// stalled.
func (s *stagnationTracker) observe(value float64) bool {
	if s.window <= 0 || math.IsInf(s.threshold, 1) {
		return false
	}
	if !s.haveLast {
		s.last = value
		s.haveLast = true
		return false
	}
	improvement := s.last - value
	if s.last != 0 {
		improvement /= math.Abs(s.last)
	}
	if improvement > s.threshold {
		s.stale = 0
	} else {
		s.stale++
	}
	s.last = value
	return s.stale >= s.window
}
