package store

import (
	"fmt"
	"math"
	"time"
)

// Known problem identifiers.
const (
	ProblemMSD     = "msd"
	ProblemThermal = "thermal"
)

// JobConfig is the checkpoint copy of an optimization job's configuration.
// It mirrors the server-side job config so the store package stays free of
// an import cycle, and so a checkpoint is self-describing on disk.
type JobConfig struct {
	Problem string `json:"problem"`           // msd, thermal
	Size    int    `json:"size"`              // model resolution (chain length or grid)
	BlocksX int    `json:"blocksX,omitempty"` // thermal only
	BlocksY int    `json:"blocksY,omitempty"` // thermal only

	InitialMu     []float64 `json:"initialMu,omitempty"`
	PenaltyWeight float64   `json:"penaltyWeight,omitempty"`
	PenaltyTarget []float64 `json:"penaltyTarget,omitempty"`

	Radius  float64 `json:"radius"`
	MaxIter int     `json:"maxIter"`
	Solver  string  `json:"solver,omitempty"` // bfgs (default), swarm
	Seed    int64   `json:"seed,omitempty"`

	// CheckpointInterval is how many outer iterations pass between
	// checkpoint writes; 0 disables periodic checkpointing.
	CheckpointInterval int `json:"checkpointInterval,omitempty"`
}

// ParamDim returns the parameter dimension the config implies, or 0 when
// the problem is unknown and no dimension can be derived.
func (c JobConfig) ParamDim() int {
	switch c.Problem {
	case ProblemMSD:
		return 1
	case ProblemThermal:
		return c.BlocksX * c.BlocksY
	}
	return 0
}

// Checkpoint is the persisted state of a trust-region run.
//
// A checkpoint records the last accepted parameter, the radius, and the run
// counters, but not the reduced basis. The basis is a derived quantity: on
// resume the surrogate is rebuilt from scratch at Mu and re-enriches itself
// within a few iterations, whereas serializing basis matrices would tie the
// on-disk format to the reductor internals and inflate every write. Resumed
// runs therefore are not bit-identical continuations, but the accepted
// iterate and its output never regress.
type Checkpoint struct {
	JobID string `json:"jobId"`

	// Mu is the last accepted parameter.
	Mu []float64 `json:"mu"`

	// Output is the full-order output at Mu.
	Output float64 `json:"output"`

	// InitialOutput is the full-order output at the starting parameter,
	// kept for improvement tracking.
	InitialOutput float64 `json:"initialOutput"`

	// Radius is the trust radius after the last recorded pass.
	Radius float64 `json:"radius"`

	// FOC is the first-order criticality at Mu.
	FOC float64 `json:"foc"`

	// Iteration counts completed outer iterations.
	Iteration int `json:"iteration"`

	// BasisSize is the committed reduced-basis dimension, a diagnostic for
	// how much enrichment a resume will redo.
	BasisSize int `json:"basisSize"`

	Timestamp time.Time `json:"timestamp"`

	// Config is the job configuration, checked on resume.
	Config JobConfig `json:"config"`
}

// CheckpointInfo is checkpoint metadata without the parameter payload, used
// for listings.
type CheckpointInfo struct {
	JobID     string    `json:"jobId"`
	Output    float64   `json:"output"`
	FOC       float64   `json:"foc"`
	Iteration int       `json:"iteration"`
	BasisSize int       `json:"basisSize"`
	Timestamp time.Time `json:"timestamp"`
	Problem   string    `json:"problem"`
	Dim       int       `json:"dim"`
}

// NewCheckpoint assembles a checkpoint from run state, stamped with the
// current time.
func NewCheckpoint(jobID string, mu []float64, output, initialOutput, radius, foc float64, iteration, basisSize int, config JobConfig) *Checkpoint {
	muCopy := make([]float64, len(mu))
	copy(muCopy, mu)
	return &Checkpoint{
		JobID:         jobID,
		Mu:            muCopy,
		Output:        output,
		InitialOutput: initialOutput,
		Radius:        radius,
		FOC:           foc,
		Iteration:     iteration,
		BasisSize:     basisSize,
		Timestamp:     time.Now(),
		Config:        config,
	}
}

// ToInfo strips a checkpoint down to its listing metadata.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:     c.JobID,
		Output:    c.Output,
		FOC:       c.FOC,
		Iteration: c.Iteration,
		BasisSize: c.BasisSize,
		Timestamp: c.Timestamp,
		Problem:   c.Config.Problem,
		Dim:       len(c.Mu),
	}
}

// Validate checks that the checkpoint is complete and serializable. JSON
// cannot encode non-finite numbers, so those are rejected here rather than
// at write time.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if len(c.Mu) == 0 {
		return &ValidationError{Field: "Mu", Reason: "cannot be empty"}
	}
	for i, v := range c.Mu {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "Mu", Reason: fmt.Sprintf("component %d is not finite", i)}
		}
	}
	if math.IsNaN(c.Output) || math.IsInf(c.Output, 0) {
		return &ValidationError{Field: "Output", Reason: "must be finite"}
	}
	if !(c.Radius > 0) {
		return &ValidationError{Field: "Radius", Reason: "must be positive"}
	}
	if c.FOC < 0 {
		return &ValidationError{Field: "FOC", Reason: "cannot be negative"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.BasisSize < 0 {
		return &ValidationError{Field: "BasisSize", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.Problem == "" {
		return &ValidationError{Field: "Config.Problem", Reason: "cannot be empty"}
	}
	if c.Config.MaxIter <= 0 {
		return &ValidationError{Field: "Config.MaxIter", Reason: "must be positive"}
	}
	if d := c.Config.ParamDim(); d > 0 && len(c.Mu) != d {
		return &ValidationError{
			Field:  "Mu",
			Reason: fmt.Sprintf("dimension mismatch: got %d components, problem %q has %d", len(c.Mu), c.Config.Problem, d),
		}
	}
	return nil
}

// ValidationError reports an invalid checkpoint field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible reports whether the checkpoint can seed a run with the given
// config. The model must be identical; budgets and radii may differ.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.Problem != config.Problem {
		return &CompatibilityError{Field: "Problem", Expected: c.Config.Problem, Actual: config.Problem}
	}
	if c.Config.Size != config.Size {
		return &CompatibilityError{
			Field:    "Size",
			Expected: fmt.Sprintf("%d", c.Config.Size),
			Actual:   fmt.Sprintf("%d", config.Size),
		}
	}
	if c.Config.BlocksX != config.BlocksX || c.Config.BlocksY != config.BlocksY {
		return &CompatibilityError{
			Field:    "Blocks",
			Expected: fmt.Sprintf("%dx%d", c.Config.BlocksX, c.Config.BlocksY),
			Actual:   fmt.Sprintf("%dx%d", config.BlocksX, config.BlocksY),
		}
	}
	if c.Config.PenaltyWeight != config.PenaltyWeight {
		return &CompatibilityError{
			Field:    "PenaltyWeight",
			Expected: fmt.Sprintf("%g", c.Config.PenaltyWeight),
			Actual:   fmt.Sprintf("%g", config.PenaltyWeight),
		}
	}
	return nil
}

// CompatibilityError reports a checkpoint/config mismatch on resume.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
