package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modred/tropt/internal/reduce"
	"github.com/modred/tropt/internal/store"
	"github.com/modred/tropt/internal/trust"
)

// runJob executes an optimization job in the background.
// If checkpointStore is not nil and the job has checkpointInterval > 0,
// periodic checkpoints are saved; when traceDir is non-empty the per-pass
// iteration trace is written alongside.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, traceDir, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}
	metricRunsStarted.Inc()

	slog.Info("Starting job", "job_id", jobID, "problem", job.Config.Problem)

	full, space, err := buildProblem(job.Config)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}
	opts, err := buildOptions(job.Config)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	initialMu := job.Config.InitialMu
	if initialMu != nil && len(initialMu) != full.Dim() {
		err := fmt.Errorf("initial guess has %d components, model has %d parameters", len(initialMu), full.Dim())
		markJobFailed(jm, jobID, err)
		return err
	}

	var traceWriter *store.TraceWriter
	if traceDir != "" {
		traceWriter, err = store.NewTraceWriter(traceDir, jobID, false)
		if err != nil {
			markJobFailed(jm, jobID, fmt.Errorf("opening trace: %w", err))
			return err
		}
		defer traceWriter.Close()
	}

	// Per-iteration hook: refresh the job's live fields, stream the trace,
	// and checkpoint on the configured cadence. The trust-region loop is
	// single-threaded, so the hook runs strictly between iterations.
	opts.OnIteration = func(ev trust.IterationEvent) {
		metricIterations.Inc()
		if ev.Accepted {
			metricAcceptedRadius.Observe(ev.Radius)
		}

		jm.UpdateJob(jobID, func(j *Job) {
			j.Iterations = ev.Iteration
			j.Mu = ev.Mu
			j.Output = ev.Output
			j.FOC = ev.FOC
			j.Radius = ev.Radius
			j.BasisSize = ev.BasisSize
			j.Solves = full.Solves()
		})

		if traceWriter != nil {
			entry := store.TraceEntry{
				Iteration: ev.Iteration,
				Output:    ev.Output,
				FOC:       ev.FOC,
				Radius:    ev.Radius,
				Accepted:  ev.Accepted,
				BasisSize: ev.BasisSize,
				Timestamp: time.Now(),
				Mu:        ev.Mu,
			}
			if err := traceWriter.Write(entry); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
			}
		}

		interval := job.Config.CheckpointInterval
		if checkpointStore != nil && interval > 0 && ev.Iteration%interval == 0 {
			if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
				slog.Warn("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}

	// Check for cancellation before starting the expensive run
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	start := time.Now()

	// Start progress monitoring goroutine
	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, progressDone)

	mu, rec, optErr := trust.Optimize(ctx, trust.WrapReductor(reduce.NewReductor(full)), space, initialMu, opts)

	close(progressDone)
	elapsed := time.Since(start)
	metricRunDuration.Observe(elapsed.Seconds())
	metricFullSolves.Add(float64(full.Solves()))

	if optErr != nil {
		switch {
		case errors.Is(optErr, context.Canceled) || errors.Is(optErr, context.DeadlineExceeded):
			markJobCancelled(jm, jobID)
		default:
			// Budget exhaustion still leaves a usable best iterate behind;
			// checkpoint it so the run can be resumed with a larger budget.
			if checkpointStore != nil && errors.Is(optErr, trust.ErrNotConverged) && rec != nil {
				if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
					slog.Warn("Failed to save checkpoint", "job_id", jobID, "error", err)
				}
			}
			markJobFailed(jm, jobID, optErr)
		}
		return optErr
	}

	finalOutput, err := full.Output(mu)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("full output at final iterate: %w", err))
		return err
	}
	initialOutput := finalOutput
	if len(rec.Subproblems) > 0 && len(rec.Subproblems[0].Outputs) > 0 {
		initialOutput = rec.Subproblems[0].Outputs[0]
	}

	var finalFOC float64
	if len(rec.FOCNorms) > 0 {
		finalFOC = rec.FOCNorms[len(rec.FOCNorms)-1]
	}
	var finalBasis int
	if len(rec.BasisSizes) > 0 {
		finalBasis = rec.BasisSizes[len(rec.BasisSizes)-1]
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Mu = mu
		j.Output = finalOutput
		j.InitialOutput = initialOutput
		j.FOC = finalFOC
		j.Iterations = rec.Iterations
		j.BasisSize = finalBasis
		j.Solves = full.Solves()
		j.EndTime = &endTime
		j.Result = &RunResult{
			Mu:         mu,
			Output:     finalOutput,
			FOC:        finalFOC,
			Iterations: rec.Iterations,
			Accepted:   rec.Accepted(),
			BasisSize:  finalBasis,
			Solves:     full.Solves(),
			Elapsed:    elapsed.Seconds(),
		}
	})
	if err != nil {
		return err
	}
	metricRunsFinished.WithLabelValues(string(StateCompleted)).Inc()

	if checkpointStore != nil {
		if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
			slog.Warn("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"output", finalOutput,
		"foc", finalFOC,
		"iterations", rec.Iterations,
		"accepted", rec.Accepted(),
		"solves", full.Solves(),
	)

	// Broadcast final completion event
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateCompleted,
		Iteration: rec.Iterations,
		Output:    finalOutput,
		FOC:       finalFOC,
		Radius:    job.Config.Radius,
		BasisSize: finalBasis,
		Solves:    full.Solves(),
		Timestamp: time.Now(),
	})

	return nil
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // Throttle to 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}

			jm.broadcaster.Broadcast(ProgressEvent{
				JobID:     jobID,
				State:     job.State,
				Iteration: job.Iterations,
				Output:    job.Output,
				FOC:       job.FOC,
				Radius:    job.Radius,
				BasisSize: job.BasisSize,
				Solves:    job.Solves,
				Timestamp: time.Now(),
			})
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	metricRunsFinished.WithLabelValues(string(StateFailed)).Inc()
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	metricRunsFinished.WithLabelValues(string(StateCancelled)).Inc()
	slog.Info("Job cancelled", "job_id", jobID)
}

// saveCheckpoint saves a checkpoint for the given job
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	// Skip until the first accepted iterate exists
	if len(job.Mu) == 0 {
		slog.Debug("Skipping checkpoint, no accepted iterate yet", "job_id", jobID)
		return nil
	}

	checkpoint := store.NewCheckpoint(
		jobID,
		job.Mu,
		job.Output,
		job.InitialOutput,
		job.Radius,
		job.FOC,
		job.Iterations,
		job.BasisSize,
		job.Config,
	)
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint not valid: %w", err)
	}

	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved",
		"job_id", jobID,
		"iteration", job.Iterations,
		"output", job.Output,
	)
	return nil
}
