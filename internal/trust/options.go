package trust

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/modred/tropt/internal/opt"
)

// Options configures the adaptive trust-region iteration. Zero values are
// not usable; start from DefaultOptions and override.
type Options struct {
	// Beta scales the radius in the error-aware line search gate: a
	// subproblem step to a candidate is admitted only while the estimated
	// relative output error there stays below Beta*radius.
	Beta float64
	// Radius is the initial trust radius.
	Radius float64
	// ShrinkFactor multiplies the radius on rejection; growth divides by it.
	ShrinkFactor float64

	MinIter int
	MaxIter int

	// TolCriticality terminates the outer loop once the projected gradient
	// norm of the full model falls below it.
	TolCriticality float64
	// RadiusTol is the confidence quotient for growing the radius: grow when
	// the realized full-model decrease is at least RadiusTol times the
	// surrogate decrease.
	RadiusTol float64

	// Subproblem solver settings, used when Solver is nil.
	SubMinIter          int
	SubMaxIter          int
	RTolOutput          float64
	RTolMu              float64
	TolSub              float64
	StagnationWindow    int
	StagnationThreshold float64

	// Solver overrides the default projected BFGS subproblem solver.
	Solver opt.Solver
	// Logger receives progress output; nil means slog.Default().
	Logger *slog.Logger
	// RNG draws the initial guess when none is supplied; nil uses a
	// time-seeded source.
	RNG *rand.Rand
	// OnIteration, when set, observes the state after every outer iteration.
	OnIteration func(IterationEvent)
}

// IterationEvent is a snapshot of the optimizer state after one outer
// iteration.
type IterationEvent struct {
	Iteration int       `json:"iteration"`
	Mu        []float64 `json:"mu"`
	Output    float64   `json:"output"`
	FOC       float64   `json:"foc"`
	Radius    float64   `json:"radius"`
	Accepted  bool      `json:"accepted"`
	BasisSize int       `json:"basis_size"`
}

// DefaultOptions returns the standard trust-region configuration.
func DefaultOptions() Options {
	return Options{
		Beta:                0.95,
		Radius:              0.1,
		ShrinkFactor:        0.5,
		MinIter:             0,
		MaxIter:             30,
		TolCriticality:      1e-6,
		RadiusTol:           0.75,
		SubMinIter:          0,
		SubMaxIter:          400,
		RTolOutput:          1e-16,
		RTolMu:              1e-16,
		TolSub:              1e-8,
		StagnationWindow:    3,
		StagnationThreshold: math.Inf(1),
	}
}

// Validate checks the numeric configuration.
func (o Options) Validate() error {
	if !(o.Beta > 0 && o.Beta <= 1) {
		return fmt.Errorf("beta must be in (0, 1], got %g", o.Beta)
	}
	if !(o.Radius > 0) {
		return fmt.Errorf("initial radius must be positive, got %g", o.Radius)
	}
	if !(o.ShrinkFactor > 0 && o.ShrinkFactor < 1) {
		return fmt.Errorf("shrink factor must be in (0, 1), got %g", o.ShrinkFactor)
	}
	if o.MinIter < 0 {
		return fmt.Errorf("miniter must be non-negative, got %d", o.MinIter)
	}
	if o.MaxIter < o.MinIter {
		return fmt.Errorf("maxiter %d below miniter %d", o.MaxIter, o.MinIter)
	}
	if !(o.TolCriticality > 0) {
		return fmt.Errorf("criticality tolerance must be positive, got %g", o.TolCriticality)
	}
	if !(o.RadiusTol > 0 && o.RadiusTol < 1) {
		return fmt.Errorf("radius tolerance must be in (0, 1), got %g", o.RadiusTol)
	}
	if o.SubMinIter < 0 {
		return fmt.Errorf("subproblem miniter must be non-negative, got %d", o.SubMinIter)
	}
	if o.SubMaxIter < o.SubMinIter {
		return fmt.Errorf("subproblem maxiter %d below miniter %d", o.SubMaxIter, o.SubMinIter)
	}
	return nil
}

// solver returns the configured subproblem solver, defaulting to projected
// BFGS wired with the subproblem settings.
func (o Options) solver() opt.Solver {
	if o.Solver != nil {
		return o.Solver
	}
	cfg := opt.DefaultBFGSConfig()
	cfg.MinIter = o.SubMinIter
	cfg.MaxIter = o.SubMaxIter
	cfg.TolCriticality = o.TolSub
	cfg.RTolOutput = o.RTolOutput
	cfg.RTolMu = o.RTolMu
	cfg.StagnationWindow = o.StagnationWindow
	cfg.StagnationThreshold = o.StagnationThreshold
	return opt.NewBFGS(cfg)
}

// logger returns the configured logger or the process default.
func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
