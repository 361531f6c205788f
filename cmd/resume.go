package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/cmaopt/internal/bench"
	"github.com/cwbudde/cmaopt/internal/opt"
	"github.com/cwbudde/cmaopt/internal/store"
	"github.com/spf13/cobra"
)

var (
	resumeDataDir string
	resumeIters   int
	resumeSigma0  float64
	resumeOut     string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume optimization from a checkpoint",
	Long: `Loads a saved checkpoint and continues the optimization from its best
point, appending to the existing cost trace.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
	resumeCmd.Flags().IntVar(&resumeIters, "iters", 0, "Additional iterations (0 = checkpoint's budget)")
	resumeCmd.Flags().Float64Var(&resumeSigma0, "sigma0", 0, "Step size for the resumed search (0 = checkpoint's value)")
	resumeCmd.Flags().StringVar(&resumeOut, "out", "result.json", "Output result path")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	checkpointStore, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	checkpoint, err := checkpointStore.LoadCheckpoint(jobID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	config := checkpoint.Config
	if resumeIters > 0 {
		config.Iters = resumeIters
	}
	if resumeSigma0 > 0 {
		config.Sigma0 = resumeSigma0
	}

	// Overrides must not change the problem the checkpoint was saved for
	if err := checkpoint.IsCompatible(config); err != nil {
		return fmt.Errorf("checkpoint incompatible: %w", err)
	}

	slog.Info("Resuming from checkpoint",
		"job_id", jobID,
		"objective", config.Objective,
		"dim", config.Dim,
		"iteration", checkpoint.Iteration,
		"best_cost", checkpoint.BestCost,
	)

	fn, err := bench.Lookup(config.Objective)
	if err != nil {
		return err
	}

	lower := make([]float64, config.Dim)
	upper := make([]float64, config.Dim)
	for i := 0; i < config.Dim; i++ {
		lower[i] = fn.Lower
		upper[i] = fn.Upper
	}

	if config.Optimizer != "cma" && config.Optimizer != "" {
		return fmt.Errorf("resume supports only the cma optimizer, checkpoint uses %s", config.Optimizer)
	}

	cmaOpt := opt.NewCMA(config.Iters, config.PopSize, config.Seed+int64(checkpoint.Iteration))
	cmaOpt.SetInitialMean(checkpoint.BestParams)
	if config.Sigma0 > 0 {
		cmaOpt.SetSigma0(config.Sigma0)
	}

	trace, err := store.NewTraceWriter(resumeDataDir, jobID, true)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer trace.Close()

	iterations := 0
	cmaOpt.OnProgress(func(iteration int, best []float64, cost float64) {
		iterations = iteration
		entry := store.TraceEntry{
			Iteration: checkpoint.Iteration + iteration,
			Cost:      cost,
			Sigma:     cmaOpt.Sigma(),
			Timestamp: time.Now(),
		}
		if err := trace.Write(entry); err != nil {
			slog.Warn("Failed to write trace entry", "error", err)
		}
	})

	start := time.Now()
	bestParams, bestCost := cmaOpt.Run(fn.Eval, lower, upper, config.Dim)
	elapsed := time.Since(start)

	// The resumed run can end up worse than the checkpointed point
	if bestCost > checkpoint.BestCost {
		bestParams = append([]float64(nil), checkpoint.BestParams...)
		bestCost = checkpoint.BestCost
	}

	totalIterations := checkpoint.Iteration + iterations
	updated := store.NewCheckpoint(jobID, bestParams, bestCost, checkpoint.InitialCost, totalIterations, config)
	if err := checkpointStore.SaveCheckpoint(jobID, updated); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	evalsPerSec := float64(iterations*config.PopSize) / elapsed.Seconds()

	slog.Info("Resume complete",
		"job_id", jobID,
		"elapsed", elapsed,
		"best_cost", bestCost,
		"total_iterations", totalIterations,
	)

	result := runResult{
		JobID:       jobID,
		Objective:   config.Objective,
		Dim:         config.Dim,
		Optimizer:   "cma",
		Seed:        config.Seed,
		BestParams:  bestParams,
		BestCost:    bestCost,
		InitialCost: checkpoint.InitialCost,
		Iterations:  totalIterations,
		Elapsed:     elapsed.Seconds(),
		EvalsPerSec: evalsPerSec,
	}

	if err := writeResult(resumeOut, result); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (cost: %.6g, %d total iterations)\n", resumeOut, bestCost, totalIterations)

	return nil
}
