package trust

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modred/tropt/internal/model"
	"github.com/modred/tropt/internal/opt"
)

// scriptStep is one scripted subproblem result: the candidate the solver
// reports and the first sub-iterate the acceptance tests compare against.
type scriptStep struct {
	candidate []float64
	agc       []float64
}

type scriptSolver struct {
	steps []scriptStep
	calls int
}

func (s *scriptSolver) Minimize(ctx context.Context, obj opt.Objective, space *model.Space, start []float64, accept opt.AcceptFunc) ([]float64, *opt.Trace, error) {
	if s.calls >= len(s.steps) {
		return nil, nil, errors.New("script exhausted")
	}
	st := s.steps[s.calls]
	s.calls++
	trace := &opt.Trace{
		Mus:        [][]float64{copyVec(start), copyVec(st.agc), copyVec(st.candidate)},
		Iterations: 2,
		Converged:  true,
	}
	return copyVec(st.candidate), trace, nil
}

func unitSpace(t *testing.T, lo, hi float64) *model.Space {
	t.Helper()
	space, err := model.NewSpace([]float64{lo}, []float64{hi})
	require.NoError(t, err)
	return space
}

// identityModel evaluates output(mu) = mu[0] with an optional override of
// the full-order value at specific points, a constant error estimate and a
// scripted gradient per accepted iterate.
func identityModel(est float64, fullOverride map[float64]float64, grads [][]float64) (*stubModel, *stubModel) {
	gradCall := 0
	full := &stubModel{
		dim: 1,
		out: func(mu []float64) (float64, error) {
			if v, ok := fullOverride[mu[0]]; ok {
				return v, nil
			}
			return mu[0], nil
		},
		grad: func(mu []float64) ([]float64, error) {
			g := grads[gradCall]
			if gradCall < len(grads)-1 {
				gradCall++
			}
			return copyVec(g), nil
		},
		est: func([]float64) (float64, error) { return est, nil },
	}
	rom := &stubModel{
		dim:  1,
		out:  func(mu []float64) (float64, error) { return mu[0], nil },
		grad: full.grad,
		est:  full.est,
	}
	return full, rom
}

func TestOptimizeRadiusComposition(t *testing.T) {
	full, rom := identityModel(0.5, map[float64]float64{7.5: 10}, [][]float64{{1}})
	red := &stubReductor{model: full, rom: rom}
	solver := &scriptSolver{steps: []scriptStep{
		{candidate: []float64{8}, agc: []float64{9.5}},   // optimistic, grows
		{candidate: []float64{7.9}, agc: []float64{7}},   // pessimistic, shrinks
		{candidate: []float64{7.5}, agc: []float64{7.5}}, // undecided, accepted, no growth
		{candidate: []float64{7.4}, agc: []float64{6.8}}, // pessimistic, shrinks
	}}

	var events []IterationEvent
	opts := DefaultOptions()
	opts.Radius = 1
	opts.MaxIter = 4
	opts.Solver = solver
	opts.OnIteration = func(ev IterationEvent) { events = append(events, ev) }

	mu, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 100), []float64{10}, opts)
	require.ErrorIs(t, err, ErrNotConverged)
	require.Equal(t, 4, solver.calls)

	// Each pass multiplies the radius by exactly one factor.
	assert.Equal(t, []float64{2, 1, 1, 0.5}, rec.Radii)
	assert.Equal(t, [][]float64{{10}, {8}, {7.5}}, rec.Mus)
	assert.Equal(t, []float64{10, 8, 7.5}, rec.MuNorms)
	assert.Equal(t, []float64{2, 0.5}, rec.UpdateNorms)
	assert.Equal(t, []int{2, 2, 3, 3}, rec.BasisSizes)
	assert.Equal(t, 2, rec.Accepted())
	assert.Equal(t, []float64{7.5}, rec.Final())
	assert.Equal(t, []float64{7.5}, mu)
	assert.Len(t, rec.Subproblems, 2)

	// Rejected passes roll the iterate back.
	require.Len(t, events, 4)
	assert.True(t, events[0].Accepted)
	assert.Equal(t, []float64{8}, events[0].Mu)
	assert.Equal(t, 2.0, events[0].Radius)
	assert.False(t, events[1].Accepted)
	assert.Equal(t, []float64{8}, events[1].Mu)
	assert.Equal(t, 1.0, events[1].Radius)
	assert.True(t, events[2].Accepted)
	assert.Equal(t, []float64{7.5}, events[2].Mu)
	assert.Equal(t, 1.0, events[2].Radius)
	assert.False(t, events[3].Accepted)
	assert.Equal(t, []float64{7.5}, events[3].Mu)
	assert.Equal(t, 0.5, events[3].Radius)
}

func TestOptimizeCriticalityTermination(t *testing.T) {
	full, rom := identityModel(0, nil, [][]float64{{1}, {1}, {0}})
	red := &stubReductor{model: full, rom: rom}
	solver := &scriptSolver{steps: []scriptStep{
		{candidate: []float64{9}, agc: []float64{9.5}},
		{candidate: []float64{8}, agc: []float64{8.5}},
		{candidate: []float64{7}, agc: []float64{7.5}},
	}}

	opts := DefaultOptions()
	opts.Solver = solver

	mu, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 100), []float64{10}, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Iterations, "must stop at the first pass whose criticality is below tolerance")
	assert.Equal(t, 3, solver.calls)
	assert.Equal(t, []float64{7}, mu)
	require.Len(t, rec.FOCNorms, 3)
	assert.Equal(t, 0.0, rec.FOCNorms[2])
}

func TestOptimizeMinIterDefersTermination(t *testing.T) {
	full, rom := identityModel(0, nil, [][]float64{{1}, {1}, {0}, {0}, {0}})
	red := &stubReductor{model: full, rom: rom}
	solver := &scriptSolver{steps: []scriptStep{
		{candidate: []float64{9}, agc: []float64{9.5}},
		{candidate: []float64{8}, agc: []float64{8.5}},
		{candidate: []float64{7}, agc: []float64{7.5}},
		{candidate: []float64{6}, agc: []float64{6.5}},
		{candidate: []float64{5}, agc: []float64{5.5}},
	}}

	opts := DefaultOptions()
	opts.MinIter = 5
	opts.Solver = solver

	mu, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 100), []float64{10}, opts)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Iterations)
	assert.Equal(t, 5, solver.calls)
	assert.Equal(t, []float64{5}, mu)
}

func TestOptimizeBudgetExhaustion(t *testing.T) {
	full, rom := identityModel(0, nil, [][]float64{{1}})
	red := &stubReductor{model: full, rom: rom}
	solver := &scriptSolver{steps: []scriptStep{
		{candidate: []float64{9}, agc: []float64{9.5}},
		{candidate: []float64{8}, agc: []float64{8.5}},
		{candidate: []float64{7}, agc: []float64{7.5}},
	}}

	opts := DefaultOptions()
	opts.MaxIter = 3
	opts.TolCriticality = 1e-12
	opts.Solver = solver

	mu, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 100), []float64{10}, opts)
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Contains(t, err.Error(), "budget")
	assert.Equal(t, 3, solver.calls, "the failing check happens before a fourth proposal")
	assert.Equal(t, 3, rec.Iterations)
	assert.Len(t, rec.Radii, 3)
	assert.Equal(t, []float64{7}, mu)
}

func TestOptimizeNonFiniteGuard(t *testing.T) {
	full, rom := identityModel(0, nil, [][]float64{{1}})
	full.out = func(mu []float64) (float64, error) {
		if math.IsNaN(mu[0]) {
			return -100, nil
		}
		return mu[0], nil
	}
	rom.out = full.out
	red := &stubReductor{model: full, rom: rom}
	solver := &scriptSolver{steps: []scriptStep{
		{candidate: []float64{math.NaN()}, agc: []float64{5}},
	}}

	opts := DefaultOptions()
	opts.Solver = solver

	_, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 100), []float64{10}, opts)
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Contains(t, err.Error(), "non-finite")
	assert.Equal(t, 1, rec.Iterations, "degeneracy fails immediately, not at the budget")
}

func TestOptimizePerfectSurrogate(t *testing.T) {
	quad := &stubModel{
		dim: 1,
		out: func(mu []float64) (float64, error) {
			d := mu[0] - 3
			return d * d, nil
		},
		grad: func(mu []float64) ([]float64, error) {
			return []float64{2 * (mu[0] - 3)}, nil
		},
		est: func([]float64) (float64, error) { return 0, nil },
	}
	red := &stubReductor{model: quad}

	opts := DefaultOptions()

	mu, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 10), []float64{8}, opts)
	require.NoError(t, err)

	// With a zero error estimate every pass lands in the trusted branch,
	// so the radius only ever grows and the subproblem solves the true
	// objective to its unconstrained minimizer.
	assert.InDelta(t, 3, mu[0], 1e-6)
	assert.Equal(t, 1, rec.Iterations)
	require.Len(t, rec.Radii, 1)
	assert.Equal(t, opts.Radius/opts.ShrinkFactor, rec.Radii[0])
	assert.Equal(t, []int{2}, rec.BasisSizes)
	assert.Equal(t, 1, rec.Accepted())
}

func TestOptimizeEstimatorVetoFreezesIterate(t *testing.T) {
	quad := &stubModel{
		dim: 1,
		out: func(mu []float64) (float64, error) {
			d := mu[0] - 3
			return d * d, nil
		},
		grad: func(mu []float64) ([]float64, error) {
			return []float64{2 * (mu[0] - 3)}, nil
		},
		est: func([]float64) (float64, error) { return 1e6, nil },
	}
	red := &stubReductor{model: quad}

	opts := DefaultOptions()
	opts.MaxIter = 2

	// An estimate that dwarfs beta*radius vetoes every line search step, so
	// the subproblem returns its starting point and the loop spins in place
	// until the budget runs out.
	mu, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 10), []float64{8}, opts)
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, []float64{8}, mu)
	for _, m := range rec.Mus {
		assert.Equal(t, []float64{8}, m)
	}
	for _, n := range rec.UpdateNorms {
		assert.Equal(t, 0.0, n)
	}
}

func TestOptimizeSampledInitialGuess(t *testing.T) {
	quad := &stubModel{
		dim: 1,
		out: func(mu []float64) (float64, error) {
			d := mu[0] - 3
			return d * d, nil
		},
		grad: func(mu []float64) ([]float64, error) {
			return []float64{2 * (mu[0] - 3)}, nil
		},
		est: func([]float64) (float64, error) { return 0, nil },
	}
	red := &stubReductor{model: quad}

	opts := DefaultOptions()
	opts.RNG = rand.New(rand.NewSource(1))

	mu, rec, err := Optimize(context.Background(), red, unitSpace(t, 0, 10), nil, opts)
	require.NoError(t, err)
	assert.InDelta(t, 3, mu[0], 1e-5)
	require.NotEmpty(t, rec.Mus)
	start := rec.Mus[0][0]
	assert.GreaterOrEqual(t, start, 0.0)
	assert.LessOrEqual(t, start, 10.0)
}

func TestOptimizeContextCancelled(t *testing.T) {
	full, rom := identityModel(0, nil, [][]float64{{1}})
	red := &stubReductor{model: full, rom: rom}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := DefaultOptions()
	opts.Solver = &scriptSolver{}

	_, rec, err := Optimize(ctx, red, unitSpace(t, 0, 100), []float64{10}, opts)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rec.Iterations)
}

func TestOptimizeRequiresSpace(t *testing.T) {
	full, rom := identityModel(0, nil, [][]float64{{1}})
	red := &stubReductor{model: full, rom: rom}

	_, _, err := Optimize(context.Background(), red, nil, []float64{10}, DefaultOptions())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "parameter space"))
}
