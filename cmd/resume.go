package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/modred/tropt/internal/opt"
	"github.com/modred/tropt/internal/reduce"
	"github.com/modred/tropt/internal/store"
	"github.com/modred/tropt/internal/trust"
)

var (
	resumeDataDir string
	resumeStore   string
	resumeMaxIter int
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume an optimization from its checkpoint",
	Long: `Warm-starts a run from a saved checkpoint: the loop restarts at the
checkpointed parameter and radius with a fresh surrogate basis. Bases are
not persisted, so the surrogate re-enriches itself within the first few
iterations; the accepted iterate never regresses.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
	resumeCmd.Flags().StringVar(&resumeStore, "store", "fs", "Checkpoint backend: fs, badger")
	resumeCmd.Flags().IntVar(&resumeMaxIter, "maxiter", 0, "Override the outer iteration budget (0 keeps the saved one)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	st, closeStore, err := openStore(resumeStore, resumeDataDir)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer closeStore()
	if st == nil {
		return fmt.Errorf("resume needs a persistent store backend")
	}

	ckpt, err := st.LoadCheckpoint(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no checkpoint for job %s", jobID)
		}
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if err := ckpt.Validate(); err != nil {
		return fmt.Errorf("checkpoint for job %s: %w", jobID, err)
	}

	full, space, err := buildProblem(ckpt.Config)
	if err != nil {
		return err
	}

	opts := trust.DefaultOptions()
	opts.Radius = ckpt.Radius
	if ckpt.Config.MaxIter > 0 {
		opts.MaxIter = ckpt.Config.MaxIter
	}
	if resumeMaxIter > 0 {
		opts.MaxIter = resumeMaxIter
	}
	if ckpt.Config.Seed != 0 {
		opts.RNG = rand.New(rand.NewSource(ckpt.Config.Seed))
	}
	if ckpt.Config.Solver == "swarm" {
		swarmCfg := opt.DefaultSwarmConfig()
		swarmCfg.Seed = ckpt.Config.Seed
		opts.Solver = opt.NewSwarm(swarmCfg)
	}

	traceWriter, err := store.NewTraceWriter(resumeDataDir, jobID, true)
	if err != nil {
		return fmt.Errorf("opening trace: %w", err)
	}
	defer traceWriter.Close()

	opts.OnIteration = func(ev trust.IterationEvent) {
		traceWriter.Write(store.TraceEntry{
			Iteration: ckpt.Iteration + ev.Iteration,
			Output:    ev.Output,
			FOC:       ev.FOC,
			Radius:    ev.Radius,
			Accepted:  ev.Accepted,
			BasisSize: ev.BasisSize,
			Timestamp: time.Now(),
			Mu:        ev.Mu,
		})
	}

	ctx, stop := signalContext()
	defer stop()

	slog.Info("resuming optimization",
		"job_id", jobID,
		"iteration", ckpt.Iteration,
		"mu", ckpt.Mu,
		"radius", ckpt.Radius)
	start := time.Now()

	mu, rec, err := trust.Optimize(ctx, trust.WrapReductor(reduce.NewReductor(full)), space, ckpt.Mu, opts)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("resumed optimization failed after %s: %w", elapsed.Round(time.Millisecond), err)
	}

	output, err := full.Output(mu)
	if err != nil {
		return fmt.Errorf("output at final iterate: %w", err)
	}

	// Refresh the checkpoint with the continued run's state.
	var foc float64
	if len(rec.FOCNorms) > 0 {
		foc = rec.FOCNorms[len(rec.FOCNorms)-1]
	}
	var basis int
	if len(rec.BasisSizes) > 0 {
		basis = rec.BasisSizes[len(rec.BasisSizes)-1]
	}
	radius := ckpt.Radius
	if len(rec.Radii) > 0 {
		radius = rec.Radii[len(rec.Radii)-1]
	}
	updated := store.NewCheckpoint(jobID, mu, output, ckpt.InitialOutput, radius, foc,
		ckpt.Iteration+rec.Iterations, basis, ckpt.Config)
	if err := st.SaveCheckpoint(jobID, updated); err != nil {
		slog.Warn("checkpoint save failed", "error", err)
	}

	fmt.Printf("mu = %v\n", mu)
	fmt.Printf("output = %.8g (foc %.3g)\n", output, foc)
	fmt.Printf("%d additional iterations (%d total), %d full solves, %s\n",
		rec.Iterations, ckpt.Iteration+rec.Iterations, full.Solves(), elapsed.Round(time.Millisecond))
	fmt.Println("note: the surrogate basis was rebuilt from scratch at the checkpointed parameter")
	return nil
}
