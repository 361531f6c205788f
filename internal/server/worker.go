package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/cmaopt/internal/bench"
	"github.com/cwbudde/cmaopt/internal/opt"
	"github.com/cwbudde/cmaopt/internal/store"
)

// runJob executes an optimization job in the background.
// If checkpointStore is not nil and the job has checkpointInterval > 0,
// periodic checkpoints are saved.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string) error {
	// Get the job
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	// Update state to running
	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	slog.Info("Starting job", "job_id", jobID, "objective", job.Config.Objective, "dim", job.Config.Dim)

	fn, err := bench.Lookup(job.Config.Objective)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	dim := job.Config.Dim
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = fn.Lower
		upper[i] = fn.Upper
	}

	optimizer, err := newOptimizer(job.Config)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	// Initial cost at the box midpoint, where the search starts
	initial := make([]float64, dim)
	for i := range initial {
		initial[i] = (lower[i] + upper[i]) / 2
	}
	initialCost := fn.Eval(initial)

	jm.UpdateJob(jobID, func(j *Job) {
		j.InitialCost = initialCost
		j.BestCost = initialCost
	})

	// Per-iteration progress feeds the job record and the trace file
	var trace *store.TraceWriter
	if fsStore, ok := checkpointStore.(*store.FSStore); ok {
		trace, err = store.NewTraceWriter(fsStore.BaseDir(), jobID, false)
		if err != nil {
			slog.Warn("Failed to open trace file", "job_id", jobID, "error", err)
		} else {
			defer trace.Close()
		}
	}

	if prog, ok := optimizer.(opt.Progressive); ok {
		prog.OnProgress(func(iteration int, best []float64, cost float64) {
			jm.UpdateJob(jobID, func(j *Job) {
				j.Iterations = iteration
				j.BestCost = cost
				j.BestParams = append([]float64(nil), best...)
			})

			if trace != nil {
				entry := store.TraceEntry{
					Iteration: iteration,
					Cost:      cost,
					Timestamp: time.Now(),
				}
				if cmaOpt, ok := optimizer.(*opt.CMAAdapter); ok {
					entry.Sigma = cmaOpt.Sigma()
				}
				if err := trace.Write(entry); err != nil {
					slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
				}
			}
		})
	}

	start := time.Now()

	// Check for cancellation before starting the expensive run
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	// Start progress monitoring goroutine
	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, start, progressDone)

	// Start checkpoint monitoring goroutine if enabled
	checkpointing := checkpointStore != nil && job.Config.CheckpointInterval > 0
	checkpointDone := make(chan struct{})
	if checkpointing {
		go monitorCheckpoints(ctx, jm, checkpointStore, jobID, checkpointDone)
	}

	bestParams, bestCost := optimizer.Run(fn.Eval, lower, upper, dim)

	close(progressDone)
	if checkpointing {
		close(checkpointDone)
	}
	elapsed := time.Since(start)

	if trace != nil {
		if err := trace.Flush(); err != nil {
			slog.Warn("Failed to flush trace", "job_id", jobID, "error", err)
		}
	}

	// Check for cancellation after optimization
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	// Update job with results
	endTime := time.Now()
	var iterations int
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.BestParams = bestParams
		j.BestCost = bestCost
		j.EndTime = &endTime
		if j.Iterations == 0 {
			j.Iterations = job.Config.Iters
		}
		iterations = j.Iterations
	})

	if err != nil {
		return err
	}

	// Compute throughput
	totalEvals := iterations * job.Config.PopSize
	evalsPerSec := float64(totalEvals) / elapsed.Seconds()

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"initial_cost", initialCost,
		"best_cost", bestCost,
		"evals_per_second", evalsPerSec,
	)

	// Broadcast final completion event
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:       jobID,
		State:       StateCompleted,
		Iterations:  iterations,
		BestCost:    bestCost,
		EvalsPerSec: evalsPerSec,
		Timestamp:   time.Now(),
	})

	return nil
}

// newOptimizer builds an Optimizer from the job configuration.
func newOptimizer(config JobConfig) (opt.Optimizer, error) {
	switch config.Optimizer {
	case "cma", "":
		cmaOpt := opt.NewCMA(config.Iters, config.PopSize, config.Seed)
		if config.Sigma0 > 0 {
			cmaOpt.SetSigma0(config.Sigma0)
		}
		return cmaOpt, nil
	case "mayfly":
		return opt.NewMayfly(config.Iters, config.PopSize, config.Seed), nil
	default:
		return nil, fmt.Errorf("unknown optimizer: %s", config.Optimizer)
	}
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, startTime time.Time, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // Throttle to 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Get current job state
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}

			elapsed := time.Since(startTime).Seconds()

			// Evaluations per second based on iterations completed so far
			var evalsPerSec float64
			if elapsed > 0 && job.Iterations > 0 {
				totalEvals := job.Iterations * job.Config.PopSize
				evalsPerSec = float64(totalEvals) / elapsed
			}

			// Broadcast progress event
			jm.broadcaster.Broadcast(ProgressEvent{
				JobID:       jobID,
				State:       job.State,
				Iterations:  job.Iterations,
				BestCost:    job.BestCost,
				EvalsPerSec: evalsPerSec,
				Timestamp:   time.Now(),
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
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
}

// monitorCheckpoints periodically saves checkpoints during optimization
func monitorCheckpoints(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, done chan struct{}) {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}

	interval := time.Duration(job.Config.CheckpointInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Save checkpoint
			if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}
}

// saveCheckpoint saves a checkpoint for the given job
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, jobID string) error {
	// Get current job state
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	// Skip if no best params yet
	if len(job.BestParams) == 0 {
		slog.Debug("Skipping checkpoint, no best params yet", "job_id", jobID)
		return nil
	}

	checkpoint := store.NewCheckpoint(
		jobID,
		job.BestParams,
		job.BestCost,
		job.InitialCost,
		job.Iterations,
		job.Config,
	)

	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved",
		"job_id", jobID,
		"iteration", job.Iterations,
		"best_cost", job.BestCost,
	)

	return nil
}
