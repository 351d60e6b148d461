package trust

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/modred/tropt/internal/reduce"
)

// FullModel is the expensive high-fidelity model whose output is being
// minimized. Solve returns the full state vector used for basis enrichment.
type FullModel interface {
	Dim() int
	Solve(mu []float64) ([]float64, error)
	Output(mu []float64) (float64, error)
	OutputGradient(mu []float64) ([]float64, error)
}

// ReducedModel is a cheap stand-in for a FullModel that additionally bounds
// its own output error.
type ReducedModel interface {
	Output(mu []float64) (float64, error)
	OutputGradient(mu []float64) ([]float64, error)
	EstimateOutputError(mu []float64) (float64, error)
}

// Reductor turns full-order snapshots into reduced models. Clone must
// produce an independent copy whose basis can be extended without touching
// the receiver.
type Reductor interface {
	Full() FullModel
	ExtendBasis(state []float64) error
	Reduce() (ReducedModel, error)
	Clone() Reductor
	BasisSize() int
}

type reductorAdapter struct {
	r *reduce.Reductor
}

func (a reductorAdapter) Full() FullModel { return a.r.Full() }

func (a reductorAdapter) ExtendBasis(state []float64) error { return a.r.ExtendBasis(state) }

func (a reductorAdapter) Reduce() (ReducedModel, error) {
	rom, err := a.r.Reduce()
	if err != nil {
		return nil, err
	}
	return rom, nil
}

func (a reductorAdapter) Clone() Reductor { return reductorAdapter{a.r.Clone()} }

func (a reductorAdapter) BasisSize() int { return a.r.BasisSize() }

// WrapReductor adapts a reduced-basis reductor to the Reductor interface
// consumed by the trust-region loop.
func WrapReductor(r *reduce.Reductor) Reductor { return reductorAdapter{r} }

type pendingPair struct {
	reductor Reductor
	rom      ReducedModel
}

// Surrogate owns the committed reduced model driving the trust-region loop
// and mediates basis enrichment with two-phase commit semantics: Extend
// prepares at most one tentative reductor/model pair on a clone of the
// committed reductor, and exactly one of Accept or Reject settles it. The
// committed pair is never touched by a failed or rejected extension.
type Surrogate struct {
	full     FullModel
	reductor Reductor
	rom      ReducedModel
	pending  *pendingPair
	logger   *slog.Logger
}

// NewSurrogate builds the initial committed surrogate by enriching the empty
// basis with the full-order solution at initialMu. There is no committed
// state to fall back to yet, so any failure here is fatal.
func NewSurrogate(red Reductor, initialMu []float64, logger *slog.Logger) (*Surrogate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	full := red.Full()
	if len(initialMu) != full.Dim() {
		return nil, fmt.Errorf("initial guess has %d components, model has %d parameters", len(initialMu), full.Dim())
	}

	state, err := full.Solve(initialMu)
	if err != nil {
		return nil, fmt.Errorf("initial full-order solve: %w", err)
	}
	clone := red.Clone()
	if err := clone.ExtendBasis(state); err != nil {
		return nil, fmt.Errorf("initial basis extension: %w", err)
	}
	rom, err := clone.Reduce()
	if err != nil {
		return nil, fmt.Errorf("initial reduction: %w", err)
	}

	return &Surrogate{full: full, reductor: clone, rom: rom, logger: logger}, nil
}

// Model returns the committed reduced model, the objective of the
// trust-region subproblem.
func (s *Surrogate) Model() ReducedModel { return s.rom }

// FullOutput evaluates the full-order output.
func (s *Surrogate) FullOutput(mu []float64) (float64, error) { return s.full.Output(mu) }

// FullGradient evaluates the full-order output gradient.
func (s *Surrogate) FullGradient(mu []float64) ([]float64, error) { return s.full.OutputGradient(mu) }

// ReducedOutput evaluates the committed reduced model's output.
func (s *Surrogate) ReducedOutput(mu []float64) (float64, error) { return s.rom.Output(mu) }

// EstimateOutputError bounds the committed reduced model's output error.
func (s *Surrogate) EstimateOutputError(mu []float64) (float64, error) {
	return s.rom.EstimateOutputError(mu)
}

// BasisSize reports the committed basis dimension.
func (s *Surrogate) BasisSize() int { return s.reductor.BasisSize() }

// HasPending reports whether an extension is awaiting Accept or Reject.
func (s *Surrogate) HasPending() bool { return s.pending != nil }

// Extend solves the full model at mu and prepares a tentative enriched
// surrogate from a clone of the committed reductor. When the snapshot is
// linearly dependent on the committed basis the extension degrades to the
// committed pair, so a later Accept is a no-op; the loop keeps going either
// way. Calling Extend while another extension is pending is an error.
func (s *Surrogate) Extend(mu []float64) error {
	if s.pending != nil {
		return errors.New("extension already pending, call Accept or Reject first")
	}

	state, err := s.full.Solve(mu)
	if err != nil {
		return fmt.Errorf("full-order solve for extension: %w", err)
	}
	clone := s.reductor.Clone()
	if err := clone.ExtendBasis(state); err != nil {
		if errors.Is(err, reduce.ErrBasisExtension) {
			s.logger.Warn("snapshot does not extend the basis, keeping current surrogate", "error", err)
			s.pending = &pendingPair{reductor: s.reductor, rom: s.rom}
			return nil
		}
		return fmt.Errorf("basis extension: %w", err)
	}
	rom, err := clone.Reduce()
	if err != nil {
		return fmt.Errorf("reducing extended basis: %w", err)
	}

	s.pending = &pendingPair{reductor: clone, rom: rom}
	return nil
}

// PendingOutput evaluates the tentative reduced model prepared by Extend.
func (s *Surrogate) PendingOutput(mu []float64) (float64, error) {
	if s.pending == nil {
		return 0, errors.New("no pending extension, call Extend first")
	}
	return s.pending.rom.Output(mu)
}

// Accept promotes the pending extension to the committed surrogate.
func (s *Surrogate) Accept() error {
	if s.pending == nil {
		return errors.New("no pending extension to accept")
	}
	s.reductor = s.pending.reductor
	s.rom = s.pending.rom
	s.pending = nil
	return nil
}

// Reject discards the pending extension, leaving the committed surrogate as
// it was. Rejecting with nothing pending is a no-op.
func (s *Surrogate) Reject() {
	s.pending = nil
}
