// Package config loads run configuration for the tropt CLI from YAML
// files. Flag handling stays in the cmd package; this package only defines
// the file format, defaults and validation.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modred/tropt/internal/store"
	"github.com/modred/tropt/internal/trust"
)

// RunConfig mirrors the CLI surface of a single optimization run.
type RunConfig struct {
	// Problem selects the full-order model: msd or thermal.
	Problem string `yaml:"problem" json:"problem"`
	// Size is the model resolution: chain length for msd, interior grid
	// nodes per direction for thermal.
	Size    int `yaml:"size" json:"size"`
	BlocksX int `yaml:"blocksX" json:"blocksX"`
	BlocksY int `yaml:"blocksY" json:"blocksY"`

	InitialMu     []float64 `yaml:"initialMu" json:"initialMu,omitempty"`
	PenaltyWeight float64   `yaml:"penaltyWeight" json:"penaltyWeight,omitempty"`
	PenaltyTarget []float64 `yaml:"penaltyTarget" json:"penaltyTarget,omitempty"`

	TrustRegion TrustRegionConfig `yaml:"trustRegion" json:"trustRegion"`

	// Solver selects the subproblem solver: bfgs or swarm.
	Solver string `yaml:"solver" json:"solver"`
	Seed   int64  `yaml:"seed" json:"seed"`

	// Store selects checkpoint persistence: fs, badger or none.
	Store              string `yaml:"store" json:"store"`
	DataDir            string `yaml:"dataDir" json:"dataDir"`
	CheckpointInterval int    `yaml:"checkpointInterval" json:"checkpointInterval"`

	// Starts is the number of independent multistart runs; 1 disables
	// multistart.
	Starts int `yaml:"starts" json:"starts"`
}

// TrustRegionConfig is the YAML mirror of trust.Options.
type TrustRegionConfig struct {
	Beta           float64 `yaml:"beta" json:"beta"`
	Radius         float64 `yaml:"radius" json:"radius"`
	ShrinkFactor   float64 `yaml:"shrinkFactor" json:"shrinkFactor"`
	MinIter        int     `yaml:"minIter" json:"minIter"`
	MaxIter        int     `yaml:"maxIter" json:"maxIter"`
	TolCriticality float64 `yaml:"tolCriticality" json:"tolCriticality"`
	RadiusTol      float64 `yaml:"radiusTol" json:"radiusTol"`
	SubMaxIter     int     `yaml:"subMaxIter" json:"subMaxIter"`
	TolSub         float64 `yaml:"tolSub" json:"tolSub"`
}

// DefaultRunConfig returns the standard single-run configuration: the
// mass-spring-damper chain under the default trust-region settings.
func DefaultRunConfig() RunConfig {
	opts := trust.DefaultOptions()
	return RunConfig{
		Problem: store.ProblemMSD,
		Size:    20,
		BlocksX: 2,
		BlocksY: 2,
		TrustRegion: TrustRegionConfig{
			Beta:           opts.Beta,
			Radius:         opts.Radius,
			ShrinkFactor:   opts.ShrinkFactor,
			MinIter:        opts.MinIter,
			MaxIter:        opts.MaxIter,
			TolCriticality: opts.TolCriticality,
			RadiusTol:      opts.RadiusTol,
			SubMaxIter:     opts.SubMaxIter,
			TolSub:         opts.TolSub,
		},
		Solver:  "bfgs",
		Seed:    1,
		Store:   "fs",
		DataDir: "./data",
		Starts:  1,
	}
}

// LoadRunConfig reads a YAML run configuration, layered over the defaults
// so partial files work. Unknown keys are rejected to catch typos.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration before a run is started.
func (c RunConfig) Validate() error {
	switch c.Problem {
	case store.ProblemMSD, store.ProblemThermal:
	default:
		return fmt.Errorf("unknown problem: %q", c.Problem)
	}
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", c.Size)
	}
	if c.Problem == store.ProblemThermal && (c.BlocksX < 1 || c.BlocksY < 1) {
		return fmt.Errorf("thermal block counts must be positive, got %dx%d", c.BlocksX, c.BlocksY)
	}
	switch c.Solver {
	case "", "bfgs", "swarm":
	default:
		return fmt.Errorf("unknown solver: %q", c.Solver)
	}
	switch c.Store {
	case "", "fs", "badger", "none":
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store)
	}
	if c.PenaltyWeight < 0 {
		return fmt.Errorf("penalty weight must be nonnegative, got %g", c.PenaltyWeight)
	}
	if c.Starts < 1 {
		return fmt.Errorf("starts must be at least 1, got %d", c.Starts)
	}
	return c.Options().Validate()
}

// Options maps the trust-region section onto trust.Options, leaving solver
// and RNG wiring to the caller.
func (c RunConfig) Options() trust.Options {
	opts := trust.DefaultOptions()
	tr := c.TrustRegion
	if tr.Beta > 0 {
		opts.Beta = tr.Beta
	}
	if tr.Radius > 0 {
		opts.Radius = tr.Radius
	}
	if tr.ShrinkFactor > 0 {
		opts.ShrinkFactor = tr.ShrinkFactor
	}
	if tr.MinIter > 0 {
		opts.MinIter = tr.MinIter
	}
	if tr.MaxIter > 0 {
		opts.MaxIter = tr.MaxIter
	}
	if tr.TolCriticality > 0 {
		opts.TolCriticality = tr.TolCriticality
	}
	if tr.RadiusTol > 0 {
		opts.RadiusTol = tr.RadiusTol
	}
	if tr.SubMaxIter > 0 {
		opts.SubMaxIter = tr.SubMaxIter
	}
	if tr.TolSub > 0 {
		opts.TolSub = tr.TolSub
	}
	return opts
}

// JobConfig converts the run configuration into the store/server job
// config used for checkpoints and the HTTP API.
func (c RunConfig) JobConfig() store.JobConfig {
	return store.JobConfig{
		Problem:            c.Problem,
		Size:               c.Size,
		BlocksX:            c.BlocksX,
		BlocksY:            c.BlocksY,
		InitialMu:          c.InitialMu,
		PenaltyWeight:      c.PenaltyWeight,
		PenaltyTarget:      c.PenaltyTarget,
		Radius:             c.TrustRegion.Radius,
		MaxIter:            c.TrustRegion.MaxIter,
		Solver:             c.Solver,
		Seed:               c.Seed,
		CheckpointInterval: c.CheckpointInterval,
	}
}
