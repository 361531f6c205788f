package store

import (
	"testing"
	"time"
)

func validCheckpoint() *Checkpoint {
	return &Checkpoint{
		JobID:       "valid-job",
		BestParams:  []float64{0.12, -3.4, 1.1},
		BestCost:    0.1,
		InitialCost: 12.5,
		Iteration:   500,
		Timestamp:   time.Now(),
		Config: JobConfig{
			Objective: "sphere",
			Dim:       3,
			Optimizer: "cma",
			Iters:     1000,
			PopSize:   12,
			Seed:      42,
		},
	}
}

func TestCheckpoint_Validate_Valid(t *testing.T) {
	if err := validCheckpoint().Validate(); err != nil {
		t.Fatalf("Expected valid checkpoint, got: %v", err)
	}
}

func TestCheckpoint_Validate_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Checkpoint)
		field  string
	}{
		{"empty job id", func(c *Checkpoint) { c.JobID = "" }, "JobID"},
		{"nil params", func(c *Checkpoint) { c.BestParams = nil }, "BestParams"},
		{"empty params", func(c *Checkpoint) { c.BestParams = []float64{} }, "BestParams"},
		{"negative cost", func(c *Checkpoint) { c.BestCost = -1 }, "BestCost"},
		{"negative iteration", func(c *Checkpoint) { c.Iteration = -1 }, "Iteration"},
		{"zero timestamp", func(c *Checkpoint) { c.Timestamp = time.Time{} }, "Timestamp"},
		{"empty objective", func(c *Checkpoint) { c.Config.Objective = "" }, "Config.Objective"},
		{"empty optimizer", func(c *Checkpoint) { c.Config.Optimizer = "" }, "Config.Optimizer"},
		{"zero dim", func(c *Checkpoint) { c.Config.Dim = 0 }, "Config.Dim"},
		{"zero iters", func(c *Checkpoint) { c.Config.Iters = 0 }, "Config.Iters"},
		{"zero popsize", func(c *Checkpoint) { c.Config.PopSize = 0 }, "Config.PopSize"},
		{"params length mismatch", func(c *Checkpoint) { c.Config.Dim = 5 }, "BestParams"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkpoint := validCheckpoint()
			tc.mutate(checkpoint)

			err := checkpoint.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			vErr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("Expected *ValidationError, got %T", err)
			}
			if vErr.Field != tc.field {
				t.Errorf("Expected error on field %s, got %s", tc.field, vErr.Field)
			}
		})
	}
}

func TestCheckpoint_IsCompatible_Compatible(t *testing.T) {
	checkpoint := validCheckpoint()

	config := checkpoint.Config
	config.Iters = 5000 // budget may differ between runs
	config.Seed = 99    // so may the seed

	if err := checkpoint.IsCompatible(config); err != nil {
		t.Errorf("Expected compatible configs, got: %v", err)
	}
}

func TestCheckpoint_IsCompatible_Incompatible(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*JobConfig)
		field  string
	}{
		{"different objective", func(c *JobConfig) { c.Objective = "rastrigin" }, "Objective"},
		{"different dimension", func(c *JobConfig) { c.Dim = 10 }, "Dim"},
		{"different optimizer", func(c *JobConfig) { c.Optimizer = "mayfly" }, "Optimizer"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkpoint := validCheckpoint()
			config := checkpoint.Config
			tc.mutate(&config)

			err := checkpoint.IsCompatible(config)
			if err == nil {
				t.Fatal("Expected compatibility error, got nil")
			}
			cErr, ok := err.(*CompatibilityError)
			if !ok {
				t.Fatalf("Expected *CompatibilityError, got %T", err)
			}
			if cErr.Field != tc.field {
				t.Errorf("Expected error on field %s, got %s", tc.field, cErr.Field)
			}
		})
	}
}

func TestCheckpointToInfo(t *testing.T) {
	checkpoint := validCheckpoint()
	info := checkpoint.ToInfo()

	if info.JobID != checkpoint.JobID {
		t.Errorf("JobID mismatch: %s", info.JobID)
	}
	if info.BestCost != checkpoint.BestCost {
		t.Errorf("BestCost mismatch: %f", info.BestCost)
	}
	if info.Iteration != checkpoint.Iteration {
		t.Errorf("Iteration mismatch: %d", info.Iteration)
	}
	if info.Objective != checkpoint.Config.Objective {
		t.Errorf("Objective mismatch: %s", info.Objective)
	}
	if info.Optimizer != checkpoint.Config.Optimizer {
		t.Errorf("Optimizer mismatch: %s", info.Optimizer)
	}
	if info.Dim != checkpoint.Config.Dim {
		t.Errorf("Dim mismatch: %d", info.Dim)
	}
}

func TestNewCheckpoint(t *testing.T) {
	config := JobConfig{
		Objective: "rosenbrock",
		Dim:       2,
		Optimizer: "cma",
		Iters:     100,
		PopSize:   10,
		Seed:      7,
	}

	checkpoint := NewCheckpoint("job-1", []float64{1, 1}, 0.01, 9.5, 60, config)

	if checkpoint.Timestamp.IsZero() {
		t.Error("Expected NewCheckpoint to set a timestamp")
	}
	if err := checkpoint.Validate(); err != nil {
		t.Errorf("Expected valid checkpoint from NewCheckpoint: %v", err)
	}
}
