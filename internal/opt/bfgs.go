package opt

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/modred/tropt/internal/model"
)

// BFGSConfig holds the stopping and line search parameters of the projected
// BFGS solver.
type BFGSConfig struct {
	MinIter             int
	MaxIter             int
	TolCriticality      float64 // stop when the projected gradient norm falls below this
	RTolOutput          float64 // stop on relative output change
	RTolMu              float64 // stop on relative parameter change
	StagnationWindow    int
	StagnationThreshold float64 // +Inf disables the stagnation stop

	StepFactor     float64 // line search contraction factor
	DecreaseFactor float64 // Armijo sufficient-decrease factor
	MinStep        float64 // give up when the step length falls below this
}

// DefaultBFGSConfig returns the standard configuration.
func DefaultBFGSConfig() BFGSConfig {
	return BFGSConfig{
		MinIter:             0,
		MaxIter:             400,
		TolCriticality:      1e-8,
		RTolOutput:          1e-16,
		RTolMu:              1e-16,
		StagnationWindow:    3,
		StagnationThreshold: math.Inf(1),
		StepFactor:          0.5,
		DecreaseFactor:      1e-4,
		MinStep:             1e-20,
	}
}

// BFGS is a projected quasi-Newton solver for box-constrained minimization.
// Iterates are clipped onto the box; the inverse Hessian approximation is
// updated with the standard BFGS formula and reset to the identity whenever
// the search direction stops being a descent direction.
type BFGS struct {
	cfg BFGSConfig
}

// NewBFGS creates a solver with the given configuration.
func NewBFGS(cfg BFGSConfig) *BFGS {
	return &BFGS{cfg: cfg}
}

// Minimize runs the projected BFGS iteration. A vetoed or failed line search
// ends the solve at the current point with Converged=false; objective
// evaluation failures are returned as errors.
func (b *BFGS) Minimize(ctx context.Context, obj Objective, space *model.Space, start []float64, accept AcceptFunc) ([]float64, *Trace, error) {
	dim := space.Dim()
	if len(start) != dim {
		return nil, nil, fmt.Errorf("start point has %d components, domain has %d", len(start), dim)
	}

	mu := space.Clip(start)
	f, err := obj.Output(mu)
	if err != nil {
		return nil, nil, fmt.Errorf("objective at start: %w", err)
	}
	g, err := obj.OutputGradient(mu)
	if err != nil {
		return nil, nil, fmt.Errorf("gradient at start: %w", err)
	}

	trace := &Trace{
		Mus:     [][]float64{copyVec(mu)},
		Outputs: []float64{f},
	}

	hess := eye(dim)
	stag := newStagnationTracker(b.cfg.StagnationWindow, b.cfg.StagnationThreshold)
	stag.observe(f)

	iter := 0
	converged := false
	reason := ""

	for {
		if err := ctx.Err(); err != nil {
			trace.Iterations = iter
			trace.Reason = "cancelled"
			return copyVec(mu), trace, err
		}

		foc := FOCNorm(space, mu, g)
		trace.FOCNorms = append(trace.FOCNorms, foc)

		if iter >= b.cfg.MinIter {
			if foc < b.cfg.TolCriticality {
				converged = true
				reason = "criticality tolerance reached"
				break
			}
			if n := len(trace.Outputs); n >= 2 {
				outDiff := math.Abs(trace.Outputs[n-1] - trace.Outputs[n-2])
				if outDiff <= b.cfg.RTolOutput*math.Abs(trace.Outputs[n-2]) {
					converged = true
					reason = "output change below tolerance"
					break
				}
				muDiff := distance(trace.Mus[n-1], trace.Mus[n-2])
				if muDiff <= b.cfg.RTolMu*floats.Norm(trace.Mus[n-2], 2) {
					converged = true
					reason = "parameter change below tolerance"
					break
				}
			}
		}
		if iter >= b.cfg.MaxIter {
			reason = "iteration budget exhausted"
			break
		}
		iter++

		d := negMulVec(hess, g)
		if floats.Dot(d, g) >= 0 {
			// curvature information went bad, restart from steepest descent
			hess = eye(dim)
			for i := range d {
				d[i] = -g[i]
			}
		}

		cand, fNew, ok, err := b.lineSearch(obj, space, mu, f, g, d, accept)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			reason = "no acceptable step"
			break
		}

		gNew, err := obj.OutputGradient(cand)
		if err != nil {
			return nil, nil, fmt.Errorf("gradient at mu %v: %w", cand, err)
		}

		s := make([]float64, dim)
		y := make([]float64, dim)
		for i := range s {
			s[i] = cand[i] - mu[i]
			y[i] = gNew[i] - g[i]
		}
		if sy := floats.Dot(s, y); sy > 1e-12 {
			updateInverseHessian(hess, s, y, sy)
		}

		mu = cand
		f = fNew
		g = gNew
		trace.Mus = append(trace.Mus, copyVec(mu))
		trace.Outputs = append(trace.Outputs, f)

		if iter >= b.cfg.MinIter && stag.observe(f) {
			converged = true
			reason = "stagnation"
			break
		}
	}

	trace.Iterations = iter
	trace.Converged = converged
	trace.Reason = reason
	return copyVec(mu), trace, nil
}

// lineSearch backtracks along d from mu, projecting every trial point onto
// the box, until the projected Armijo condition holds and the accept gate
// (when present) does not veto the point. ok=false means no acceptable step
// exists above the minimum step length.
func (b *BFGS) lineSearch(obj Objective, space *model.Space, mu []float64, f float64, g, d []float64, accept AcceptFunc) (cand []float64, fNew float64, ok bool, err error) {
	dNorm := floats.Norm(d, 2)
	if dNorm == 0 {
		return nil, 0, false, nil
	}
	step := 1.0
	for step*dNorm >= b.cfg.MinStep {
		trial := make([]float64, len(mu))
		for i := range trial {
			trial[i] = mu[i] + step*d[i]
		}
		trial = space.Clip(trial)

		// slope of the projected step; nonnegative means the box pinned us
		slope := 0.0
		for i := range trial {
			slope += g[i] * (trial[i] - mu[i])
		}
		if slope < 0 {
			fTrial, err := obj.Output(trial)
			if err != nil {
				return nil, 0, false, fmt.Errorf("objective at mu %v: %w", trial, err)
			}
			if fTrial <= f+b.cfg.DecreaseFactor*slope && (accept == nil || accept(trial, f)) {
				return trial, fTrial, true, nil
			}
		}
		step *= b.cfg.StepFactor
	}
	return nil, 0, false, nil
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func negMulVec(h *mat.Dense, g []float64) []float64 {
	n := len(g)
	var hg mat.VecDense
	hg.MulVec(h, mat.NewVecDense(n, copyVec(g)))
	d := make([]float64, n)
	for i := range d {
		d[i] = -hg.AtVec(i)
	}
	return d
}

func distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// updateInverseHessian applies the BFGS update
// H <- (I - r s y^T) H (I - r y s^T) + r s s^T with r = 1/(s·y).
func updateInverseHessian(h *mat.Dense, s, y []float64, sy float64) {
	n := len(s)
	rho := 1 / sy
	sv := mat.NewVecDense(n, copyVec(s))
	yv := mat.NewVecDense(n, copyVec(y))

	var hy mat.VecDense
	hy.MulVec(h, yv)
	yhy := mat.Dot(yv, &hy)

	var term mat.Dense
	term.Outer(rho, sv, &hy)
	h.Sub(h, &term)
	term.Outer(rho, &hy, sv)
	h.Sub(h, &term)
	term.Outer(rho*rho*yhy+rho, sv, sv)
	h.Add(h, &term)
}
