package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/modred/tropt/internal/config"
	"github.com/modred/tropt/internal/model"
	"github.com/modred/tropt/internal/multistart"
	"github.com/modred/tropt/internal/opt"
	"github.com/modred/tropt/internal/reduce"
	"github.com/modred/tropt/internal/store"
	"github.com/modred/tropt/internal/trust"
)

var (
	configPath string

	runProblem       string
	runSize          int
	runBlocksX       int
	runBlocksY       int
	runInitialMu     []float64
	runPenaltyWeight float64
	runPenaltyTarget []float64

	runRadius     float64
	runBeta       float64
	runShrink     float64
	runMaxIter    int
	runTol        float64
	runRadiusTol  float64
	runSubMaxIter int

	runSolver   string
	runSeed     int64
	runStarts   int
	runStore    string
	runDataDir  string
	runInterval int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a trust-region optimization",
	Long: `Runs one trust-region optimization against the named benchmark model,
or several independent runs with --starts. Flags override values from
--config when both are given.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "YAML run configuration")
	runCmd.Flags().StringVar(&runProblem, "problem", "msd", "Benchmark model: msd, thermal")
	runCmd.Flags().IntVar(&runSize, "size", 20, "Model resolution (chain length or grid nodes per direction)")
	runCmd.Flags().IntVar(&runBlocksX, "blocks-x", 2, "Thermal block columns")
	runCmd.Flags().IntVar(&runBlocksY, "blocks-y", 2, "Thermal block rows")
	runCmd.Flags().Float64SliceVar(&runInitialMu, "mu", nil, "Initial guess (sampled when omitted)")
	runCmd.Flags().Float64Var(&runPenaltyWeight, "penalty-weight", 0, "Quadratic parameter penalty weight")
	runCmd.Flags().Float64SliceVar(&runPenaltyTarget, "penalty-target", nil, "Penalty anchor point")

	runCmd.Flags().Float64Var(&runRadius, "radius", 0.1, "Initial trust radius")
	runCmd.Flags().Float64Var(&runBeta, "beta", 0.95, "Error-awareness factor of the line search gate")
	runCmd.Flags().Float64Var(&runShrink, "shrink", 0.5, "Radius shrink factor")
	runCmd.Flags().IntVar(&runMaxIter, "maxiter", 30, "Outer iteration budget")
	runCmd.Flags().Float64Var(&runTol, "tol", 1e-6, "First-order criticality tolerance")
	runCmd.Flags().Float64Var(&runRadiusTol, "radius-tol", 0.75, "Confidence quotient for growing the radius")
	runCmd.Flags().IntVar(&runSubMaxIter, "sub-maxiter", 400, "Subproblem iteration budget")

	runCmd.Flags().StringVar(&runSolver, "solver", "bfgs", "Subproblem solver: bfgs, swarm")
	runCmd.Flags().Int64Var(&runSeed, "seed", 1, "Random seed")
	runCmd.Flags().IntVar(&runStarts, "starts", 1, "Independent multistart runs")
	runCmd.Flags().StringVar(&runStore, "store", "none", "Checkpoint backend: fs, badger, none")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
	runCmd.Flags().IntVar(&runInterval, "checkpoint-interval", 0, "Outer iterations between checkpoints (0 disables)")

	rootCmd.AddCommand(runCmd)
}

// mergeRunConfig layers explicitly set flags over the loaded configuration.
func mergeRunConfig(cmd *cobra.Command) (config.RunConfig, error) {
	cfg := config.DefaultRunConfig()
	if configPath != "" {
		var err error
		cfg, err = config.LoadRunConfig(configPath)
		if err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("problem") {
		cfg.Problem = runProblem
	}
	if flags.Changed("size") {
		cfg.Size = runSize
	}
	if flags.Changed("blocks-x") {
		cfg.BlocksX = runBlocksX
	}
	if flags.Changed("blocks-y") {
		cfg.BlocksY = runBlocksY
	}
	if flags.Changed("mu") {
		cfg.InitialMu = runInitialMu
	}
	if flags.Changed("penalty-weight") {
		cfg.PenaltyWeight = runPenaltyWeight
	}
	if flags.Changed("penalty-target") {
		cfg.PenaltyTarget = runPenaltyTarget
	}
	if flags.Changed("radius") {
		cfg.TrustRegion.Radius = runRadius
	}
	if flags.Changed("beta") {
		cfg.TrustRegion.Beta = runBeta
	}
	if flags.Changed("shrink") {
		cfg.TrustRegion.ShrinkFactor = runShrink
	}
	if flags.Changed("maxiter") {
		cfg.TrustRegion.MaxIter = runMaxIter
	}
	if flags.Changed("tol") {
		cfg.TrustRegion.TolCriticality = runTol
	}
	if flags.Changed("radius-tol") {
		cfg.TrustRegion.RadiusTol = runRadiusTol
	}
	if flags.Changed("sub-maxiter") {
		cfg.TrustRegion.SubMaxIter = runSubMaxIter
	}
	if flags.Changed("solver") {
		cfg.Solver = runSolver
	}
	if flags.Changed("seed") {
		cfg.Seed = runSeed
	}
	if flags.Changed("starts") {
		cfg.Starts = runStarts
	}
	if flags.Changed("store") {
		cfg.Store = runStore
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = runDataDir
	}
	if flags.Changed("checkpoint-interval") {
		cfg.CheckpointInterval = runInterval
	}

	return cfg, cfg.Validate()
}

// buildProblem constructs the full-order model and parameter space a job
// config names.
func buildProblem(jc store.JobConfig) (*model.Affine, *model.Space, error) {
	var (
		full  *model.Affine
		space *model.Space
		err   error
	)
	switch jc.Problem {
	case store.ProblemMSD:
		full, space, err = model.NewMSD(jc.Size)
	case store.ProblemThermal:
		full, space, err = model.NewThermalBlock(jc.BlocksX, jc.BlocksY, jc.Size)
	default:
		return nil, nil, fmt.Errorf("unknown problem: %q", jc.Problem)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("building %s model: %w", jc.Problem, err)
	}
	if jc.PenaltyWeight > 0 {
		if err := full.SetPenalty(jc.PenaltyWeight, jc.PenaltyTarget); err != nil {
			return nil, nil, fmt.Errorf("setting parameter penalty: %w", err)
		}
	}
	return full, space, nil
}

// openStore builds the configured checkpoint backend, nil for "none".
func openStore(backend, dataDir string) (store.Store, func() error, error) {
	switch backend {
	case "", "none":
		return nil, func() error { return nil }, nil
	case "fs":
		st, err := store.NewFSStore(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { return nil }, nil
	case "badger":
		st, err := store.NewBadgerStore(dataDir+"/badger", slog.Default())
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend: %q", backend)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, err := mergeRunConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if cfg.Starts > 1 {
		return runMultistart(ctx, cfg)
	}
	return runSingle(ctx, cfg)
}

func runSingle(ctx context.Context, cfg config.RunConfig) error {
	jc := cfg.JobConfig()
	full, space, err := buildProblem(jc)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg.Store, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer closeStore()

	jobID := uuid.New().String()

	var traceWriter *store.TraceWriter
	if st != nil {
		traceWriter, err = store.NewTraceWriter(cfg.DataDir, jobID, false)
		if err != nil {
			return fmt.Errorf("opening trace: %w", err)
		}
		defer traceWriter.Close()
	}

	opts := cfg.Options()
	opts.RNG = rand.New(rand.NewSource(cfg.Seed))
	if cfg.Solver == "swarm" {
		swarmCfg := opt.DefaultSwarmConfig()
		swarmCfg.Seed = cfg.Seed
		opts.Solver = opt.NewSwarm(swarmCfg)
	}

	var initialOutput float64
	opts.OnIteration = func(ev trust.IterationEvent) {
		if traceWriter != nil {
			traceWriter.Write(store.TraceEntry{
				Iteration: ev.Iteration,
				Output:    ev.Output,
				FOC:       ev.FOC,
				Radius:    ev.Radius,
				Accepted:  ev.Accepted,
				BasisSize: ev.BasisSize,
				Timestamp: time.Now(),
				Mu:        ev.Mu,
			})
		}
		if st != nil && cfg.CheckpointInterval > 0 && ev.Iteration%cfg.CheckpointInterval == 0 {
			ckpt := store.NewCheckpoint(jobID, ev.Mu, ev.Output, initialOutput,
				ev.Radius, ev.FOC, ev.Iteration, ev.BasisSize, jc)
			if err := st.SaveCheckpoint(jobID, ckpt); err != nil {
				slog.Warn("checkpoint save failed", "error", err)
			}
		}
	}

	if cfg.InitialMu != nil {
		initialOutput, err = full.Output(cfg.InitialMu)
		if err != nil {
			return fmt.Errorf("output at initial guess: %w", err)
		}
	}

	slog.Info("starting optimization", "job_id", jobID, "problem", jc.Problem, "dim", full.Dim())
	start := time.Now()

	mu, rec, err := trust.Optimize(ctx, trust.WrapReductor(reduce.NewReductor(full)), space, cfg.InitialMu, opts)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, trust.ErrNotConverged) && st != nil && len(mu) > 0 {
			// Persist the best iterate so the run can be resumed with a
			// larger budget.
			saveFinalCheckpoint(st, jobID, full, mu, initialOutput, cfg, rec)
		}
		return fmt.Errorf("optimization failed after %s: %w", elapsed.Round(time.Millisecond), err)
	}

	output, err := full.Output(mu)
	if err != nil {
		return fmt.Errorf("output at final iterate: %w", err)
	}

	if st != nil {
		saveFinalCheckpoint(st, jobID, full, mu, initialOutput, cfg, rec)
	}

	var foc float64
	if len(rec.FOCNorms) > 0 {
		foc = rec.FOCNorms[len(rec.FOCNorms)-1]
	}

	slog.Info("optimization complete",
		"elapsed", elapsed,
		"iterations", rec.Iterations,
		"accepted", rec.Accepted(),
		"solves", full.Solves(),
		"foc", foc,
	)

	fmt.Printf("mu = %v\n", mu)
	fmt.Printf("output = %.8g (foc %.3g)\n", output, foc)
	fmt.Printf("%d iterations (%d accepted), %d full solves, %s\n",
		rec.Iterations, rec.Accepted(), full.Solves(), elapsed.Round(time.Millisecond))
	if st != nil {
		fmt.Printf("job %s checkpointed under %s\n", jobID, cfg.DataDir)
	}
	return nil
}

func saveFinalCheckpoint(st store.Store, jobID string, full *model.Affine, mu []float64, initialOutput float64, cfg config.RunConfig, rec *trust.Record) {
	output, err := full.Output(mu)
	if err != nil {
		slog.Warn("final checkpoint skipped", "error", err)
		return
	}
	var foc float64
	if len(rec.FOCNorms) > 0 {
		foc = rec.FOCNorms[len(rec.FOCNorms)-1]
	}
	var basis int
	if len(rec.BasisSizes) > 0 {
		basis = rec.BasisSizes[len(rec.BasisSizes)-1]
	}
	radius := cfg.TrustRegion.Radius
	if len(rec.Radii) > 0 {
		radius = rec.Radii[len(rec.Radii)-1]
	}
	ckpt := store.NewCheckpoint(jobID, mu, output, initialOutput, radius, foc, rec.Iterations, basis, cfg.JobConfig())
	if err := st.SaveCheckpoint(jobID, ckpt); err != nil {
		slog.Warn("final checkpoint save failed", "error", err)
	}
}

func runMultistart(ctx context.Context, cfg config.RunConfig) error {
	jc := cfg.JobConfig()

	start := time.Now()
	results, best, err := multistart.Run(ctx, multistart.Config{
		Problem: func() (*model.Affine, *model.Space, error) { return buildProblem(jc) },
		Starts:  cfg.Starts,
		Seed:    cfg.Seed,
		Options: cfg.Options(),
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("start %d: failed: %v\n", r.Start, r.Err)
			continue
		}
		fmt.Printf("start %d: output %.8g after %d iterations\n", r.Start, r.Output, r.Record.Iterations)
	}
	fmt.Printf("\nbest: start %d, mu = %v, output = %.8g (%s total)\n",
		best, results[best].Mu, results[best].Output, elapsed.Round(time.Millisecond))
	return nil
}
