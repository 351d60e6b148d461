// Package trust implements an adaptive trust-region method for minimizing
// the output of an expensive full-order model through a self-improving
// reduced surrogate. The trust region is not a metric ball around the
// current iterate: candidate steps are admitted while the surrogate's
// estimated output error stays small relative to the radius, and the
// surrogate is enriched with full-order snapshots whenever a candidate
// survives the acceptance tests.
package trust

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/modred/tropt/internal/model"
	"github.com/modred/tropt/internal/opt"
)

// ErrNotConverged is returned when the outer loop exhausts its iteration
// budget or the iterate degenerates before reaching the criticality
// tolerance.
var ErrNotConverged = errors.New("trust region failed to converge")

// Optimize runs the adaptive trust-region iteration for the full model held
// by red, starting from initialMu (sampled from space when nil). It returns
// the final parameter and the run history; on error the returned parameter
// and record reflect the state at the point of failure, which makes a
// warm restart possible after ErrNotConverged.
func Optimize(ctx context.Context, red Reductor, space *model.Space, initialMu []float64, opts Options) ([]float64, *Record, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, fmt.Errorf("trust region options: %w", err)
	}
	if space == nil {
		return nil, nil, errors.New("parameter space is required")
	}
	logger := opts.logger()

	if initialMu == nil {
		initialMu = space.SampleRandom(1, opts.RNG)[0]
		logger.Info("no initial guess given, sampled the parameter domain", "mu", initialMu)
	}
	mu := copyVec(initialMu)

	surrogate, err := NewSurrogate(red, mu, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing surrogate: %w", err)
	}

	radius := opts.Radius
	solver := opts.solver()

	// The line search gate reads the radius of the pass it runs in.
	gate := func(candidate []float64, current float64) bool {
		est, err := surrogate.EstimateOutputError(candidate)
		if err != nil {
			logger.Warn("error estimate failed during line search, vetoing step", "error", err)
			return false
		}
		return est/math.Abs(current) < opts.Beta*radius
	}

	muNorm := floats.Norm(mu, 2)
	rec := &Record{
		Mus:     [][]float64{copyVec(mu)},
		MuNorms: []float64{muNorm},
	}

	oldRomOutput, err := surrogate.ReducedOutput(mu)
	if err != nil {
		return nil, nil, fmt.Errorf("surrogate output at initial guess: %w", err)
	}
	oldFomOutput, err := surrogate.FullOutput(mu)
	if err != nil {
		return nil, nil, fmt.Errorf("full output at initial guess: %w", err)
	}

	foc := math.Inf(1)
	iteration := 0

	fail := func(err error) ([]float64, *Record, error) {
		rec.Iterations = iteration
		return copyVec(mu), rec, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		logger.Info("starting trust region iteration", "iteration", iteration+1, "radius", radius)

		rejected := false

		if iteration >= opts.MinIter {
			if foc < opts.TolCriticality {
				logger.Info("trust region converged",
					"iterations", iteration,
					"foc", foc,
					"tol", opts.TolCriticality,
					"basis_size", surrogate.BasisSize())
				break
			}
			if iteration >= opts.MaxIter {
				logger.Warn("iteration budget exhausted", "maxiter", opts.MaxIter)
				return fail(fmt.Errorf("%w: iteration budget of %d exhausted", ErrNotConverged, opts.MaxIter))
			}
		}

		iteration++

		oldMu := copyVec(mu)

		logger.Info("solving subproblem", "mu", mu)
		candidate, subTrace, err := solver.Minimize(ctx, surrogate.Model(), space, mu, gate)
		if err != nil {
			return fail(fmt.Errorf("subproblem solve: %w", err))
		}
		mu = copyVec(candidate)

		// The first sub-iterate after the start is the approximate
		// generalized Cauchy point the acceptance tests compare against.
		agc := subTrace.Mus[0]
		if len(subTrace.Mus) > 1 {
			agc = subTrace.Mus[1]
		}
		compareOutput, err := surrogate.ReducedOutput(agc)
		if err != nil {
			return fail(fmt.Errorf("surrogate output at cauchy point: %w", err))
		}
		estimate, err := surrogate.EstimateOutputError(mu)
		if err != nil {
			return fail(fmt.Errorf("error estimate at candidate: %w", err))
		}
		currentOutput, err := surrogate.ReducedOutput(mu)
		if err != nil {
			return fail(fmt.Errorf("surrogate output at candidate: %w", err))
		}

		var msg string
		switch {
		case currentOutput+estimate < compareOutput:
			// Even the pessimistic bound beats the Cauchy point.
			if err := surrogate.Extend(mu); err != nil {
				return fail(fmt.Errorf("extending surrogate: %w", err))
			}
			currentFom, err := surrogate.FullOutput(mu)
			if err != nil {
				return fail(fmt.Errorf("full output at candidate: %w", err))
			}
			if oldFomOutput-currentFom >= opts.RadiusTol*(oldRomOutput-currentOutput) {
				radius /= opts.ShrinkFactor
			}
			msg = "estimated output below comparison value"

		case currentOutput-estimate > compareOutput:
			// Even the optimistic bound loses against the Cauchy point.
			rejected = true
			radius *= opts.ShrinkFactor
			msg = "estimated output above comparison value"

		default:
			// Undecided: enrich first, then judge with the updated model.
			if err := surrogate.Extend(mu); err != nil {
				return fail(fmt.Errorf("extending surrogate: %w", err))
			}
			currentOutput, err = surrogate.PendingOutput(mu)
			if err != nil {
				return fail(fmt.Errorf("pending surrogate output: %w", err))
			}
			if currentOutput <= compareOutput {
				currentFom, err := surrogate.FullOutput(mu)
				if err != nil {
					return fail(fmt.Errorf("full output at candidate: %w", err))
				}
				if oldFomOutput-currentFom >= opts.RadiusTol*(oldRomOutput-currentOutput) {
					radius /= opts.ShrinkFactor
				}
				msg = "updated surrogate output below comparison value"
			} else {
				rejected = true
				radius *= opts.ShrinkFactor
				msg = "updated surrogate output above comparison value"
			}
		}

		if !rejected {
			rec.Mus = append(rec.Mus, copyVec(mu))
			muNorm = floats.Norm(mu, 2)
			rec.MuNorms = append(rec.MuNorms, muNorm)
			rec.UpdateNorms = append(rec.UpdateNorms, floats.Distance(mu, oldMu, 2))
			rec.Subproblems = append(rec.Subproblems, subTrace)

			grad, err := surrogate.FullGradient(mu)
			if err != nil {
				return fail(fmt.Errorf("full gradient at accepted iterate: %w", err))
			}
			foc = opt.FOCNorm(space, mu, grad)
			rec.FOCNorms = append(rec.FOCNorms, foc)

			if err := surrogate.Accept(); err != nil {
				return fail(fmt.Errorf("committing surrogate extension: %w", err))
			}
			logger.Info("iterate accepted", "reason", msg)

			oldRomOutput = currentOutput
		} else {
			mu = oldMu
			surrogate.Reject()
			logger.Info("iterate rejected", "reason", msg)
		}

		logger.Info("iteration finished", "iteration", iteration, "foc", foc, "radius", radius)

		rec.Radii = append(rec.Radii, radius)
		rec.BasisSizes = append(rec.BasisSizes, surrogate.BasisSize())
		if opts.OnIteration != nil {
			opts.OnIteration(IterationEvent{
				Iteration: iteration,
				Mu:        copyVec(mu),
				Output:    oldRomOutput,
				FOC:       foc,
				Radius:    radius,
				Accepted:  !rejected,
				BasisSize: surrogate.BasisSize(),
			})
		}

		if math.IsNaN(muNorm) || math.IsInf(muNorm, 0) {
			return fail(fmt.Errorf("%w: parameter iterate became non-finite", ErrNotConverged))
		}
	}

	rec.Iterations = iteration
	return copyVec(mu), rec, nil
}

func copyVec(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
