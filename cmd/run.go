package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cwbudde/cmaopt/internal/bench"
	"github.com/cwbudde/cmaopt/internal/opt"
	"github.com/cwbudde/cmaopt/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	objective      string
	dim            int
	optimizerName  string
	outPath        string
	iters          int
	popSize        int
	seed           int64
	sigma0         float64
	dataDir        string
	saveCheckpoint bool
	earlyStop      bool
	patience       int
	threshold      float64
)

// runResult is the JSON document written after a single-shot run.
type runResult struct {
	JobID       string    `json:"jobId,omitempty"`
	Objective   string    `json:"objective"`
	Dim         int       `json:"dim"`
	Optimizer   string    `json:"optimizer"`
	Seed        int64     `json:"seed"`
	BestParams  []float64 `json:"bestParams"`
	BestCost    float64   `json:"bestCost"`
	InitialCost float64   `json:"initialCost"`
	Iterations  int       `json:"iterations"`
	Elapsed     float64   `json:"elapsedSeconds"`
	EvalsPerSec float64   `json:"evalsPerSec"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run single-shot optimization",
	Long:  `Runs a black-box optimization against a named objective and writes the result as JSON.`,
	RunE:  runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&objective, "objective", "", "Objective function name (required), see 'cmaopt run --help' for choices")
	runCmd.Flags().IntVar(&dim, "dim", 10, "Problem dimensionality")
	runCmd.Flags().StringVar(&optimizerName, "optimizer", "cma", "Optimizer: cma, mayfly")
	runCmd.Flags().StringVar(&outPath, "out", "result.json", "Output result path")
	runCmd.Flags().IntVar(&iters, "iters", 100, "Max iterations")
	runCmd.Flags().IntVar(&popSize, "pop", 30, "Population size")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")
	runCmd.Flags().Float64Var(&sigma0, "sigma0", 0, "Initial step size (0 = derive from bounds)")
	runCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
	runCmd.Flags().BoolVar(&saveCheckpoint, "save-checkpoint", false, "Save a resumable checkpoint and cost trace")
	runCmd.Flags().BoolVar(&earlyStop, "early-stop", false, "Stop early once improvement stalls")
	runCmd.Flags().IntVar(&patience, "patience", 25, "Stalled iterations tolerated before early stop")
	runCmd.Flags().Float64Var(&threshold, "threshold", 0.001, "Relative improvement below which an iteration counts as stalled")

	runCmd.MarkFlagRequired("objective")
	rootCmd.AddCommand(runCmd)
}

func runOptimization(cmd *cobra.Command, args []string) error {
	slog.Info("Starting optimization", "objective", objective, "dim", dim, "optimizer", optimizerName, "iters", iters)

	fn, err := bench.Lookup(objective)
	if err != nil {
		return err
	}

	if dim <= 0 {
		return fmt.Errorf("dim must be positive, got %d", dim)
	}

	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = fn.Lower
		upper[i] = fn.Upper
	}

	optimizer, err := buildOptimizer(optimizerName, iters, popSize, seed, sigma0)
	if err != nil {
		return err
	}

	// Initial cost at the box midpoint, where the search starts
	initial := make([]float64, dim)
	for i := range initial {
		initial[i] = (lower[i] + upper[i]) / 2
	}
	initialCost := fn.Eval(initial)

	jobID := ""
	var trace *store.TraceWriter
	var checkpointStore *store.FSStore
	if saveCheckpoint {
		jobID = uuid.New().String()
		checkpointStore, err = store.NewFSStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		trace, err = store.NewTraceWriter(dataDir, jobID, false)
		if err != nil {
			return fmt.Errorf("failed to create trace: %w", err)
		}
		defer trace.Close()
	}

	iterations := 0
	if prog, ok := optimizer.(opt.Progressive); ok {
		prog.OnProgress(func(iteration int, best []float64, cost float64) {
			iterations = iteration
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
					slog.Warn("Failed to write trace entry", "error", err)
				}
			}
		})
	}

	start := time.Now()
	bestParams, bestCost := optimizer.Run(fn.Eval, lower, upper, dim)
	elapsed := time.Since(start)

	if iterations == 0 {
		iterations = iters
	}

	totalEvals := iterations * popSize
	evalsPerSec := float64(totalEvals) / elapsed.Seconds()

	slog.Info("Optimization complete",
		"elapsed", elapsed,
		"initial_cost", initialCost,
		"final_cost", bestCost,
		"improvement", initialCost-bestCost,
		"evals_per_second", fmt.Sprintf("%.0f", evalsPerSec),
	)

	if checkpointStore != nil {
		config := store.JobConfig{
			Objective: objective,
			Dim:       dim,
			Optimizer: optimizerName,
			Iters:     iters,
			PopSize:   popSize,
			Seed:      seed,
			Sigma0:    sigma0,
		}
		checkpoint := store.NewCheckpoint(jobID, bestParams, bestCost, initialCost, iterations, config)
		if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		slog.Info("Checkpoint saved", "job_id", jobID, "data_dir", dataDir)
	}

	result := runResult{
		JobID:       jobID,
		Objective:   objective,
		Dim:         dim,
		Optimizer:   optimizerName,
		Seed:        seed,
		BestParams:  bestParams,
		BestCost:    bestCost,
		InitialCost: initialCost,
		Iterations:  iterations,
		Elapsed:     elapsed.Seconds(),
		EvalsPerSec: evalsPerSec,
	}

	if err := writeResult(outPath, result); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (cost: %.6g -> %.6g, %.0f evals/sec)\n", outPath, initialCost, bestCost, evalsPerSec)

	return nil
}

// buildOptimizer constructs an Optimizer by name with shared tuning flags.
func buildOptimizer(name string, iters, popSize int, seed int64, sigma0 float64) (opt.Optimizer, error) {
	switch name {
	case "cma":
		cmaOpt := opt.NewCMA(iters, popSize, seed)
		if sigma0 > 0 {
			cmaOpt.SetSigma0(sigma0)
		}
		if earlyStop {
			cmaOpt.SetConvergence(opt.ConvergenceConfig{
				Enabled:   true,
				Patience:  patience,
				Threshold: threshold,
			})
		}
		return cmaOpt, nil
	case "mayfly":
		return opt.NewMayfly(iters, popSize, seed), nil
	default:
		return nil, fmt.Errorf("unknown optimizer: %s", name)
	}
}

func writeResult(path string, result runResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
