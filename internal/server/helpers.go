package server

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"

	"github.com/modred/tropt/internal/model"
	"github.com/modred/tropt/internal/opt"
	"github.com/modred/tropt/internal/store"
	"github.com/modred/tropt/internal/trust"
)

// buildProblem constructs the full-order model and parameter space a job
// config names.
func buildProblem(config JobConfig) (*model.Affine, *model.Space, error) {
	var (
		full  *model.Affine
		space *model.Space
		err   error
	)
	switch config.Problem {
	case store.ProblemMSD:
		n := config.Size
		if n == 0 {
			n = 20
		}
		full, space, err = model.NewMSD(n)
	case store.ProblemThermal:
		nx, ny := config.BlocksX, config.BlocksY
		if nx == 0 {
			nx = 2
		}
		if ny == 0 {
			ny = 2
		}
		grid := config.Size
		if grid == 0 {
			grid = 20
		}
		full, space, err = model.NewThermalBlock(nx, ny, grid)
	default:
		return nil, nil, fmt.Errorf("unknown problem: %q", config.Problem)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("building %s model: %w", config.Problem, err)
	}

	if config.PenaltyWeight > 0 {
		if err := full.SetPenalty(config.PenaltyWeight, config.PenaltyTarget); err != nil {
			return nil, nil, fmt.Errorf("setting parameter penalty: %w", err)
		}
	}
	return full, space, nil
}

// buildOptions maps a job config onto trust-region options.
func buildOptions(config JobConfig) (trust.Options, error) {
	opts := trust.DefaultOptions()
	if config.Radius > 0 {
		opts.Radius = config.Radius
	}
	if config.MaxIter > 0 {
		opts.MaxIter = config.MaxIter
	}
	if config.Seed != 0 {
		opts.RNG = rand.New(rand.NewSource(config.Seed))
	}
	switch config.Solver {
	case "", "bfgs":
		// Default projected BFGS assembled by the options.
	case "swarm":
		cfg := opt.DefaultSwarmConfig()
		cfg.Seed = config.Seed
		opts.Solver = opt.NewSwarm(cfg)
	default:
		return trust.Options{}, fmt.Errorf("unknown solver: %q", config.Solver)
	}
	return opts, opts.Validate()
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
