package opt

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines when an optimizer run counts as converged.
type ConvergenceConfig struct {
	// Enabled controls whether convergence detection is active.
	Enabled bool

	// Patience is the number of iterations with no significant
	// improvement before stopping.
	Patience int

	// Threshold is the minimum relative improvement required to count
	// as progress: (oldCost - newCost) / oldCost.
	Threshold float64
}

// DefaultConvergenceConfig returns sensible defaults for early stopping.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled:   true,
		Patience:  25,
		Threshold: 0.001,
	}
}

// ConvergenceTracker tracks best-cost history and detects stagnation.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	bestCost        float64
	lastSignificant float64
	staleCount      int
	updates         int
}

// NewConvergenceTracker creates a tracker with the given config.
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		bestCost:        math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records the cost of one iteration and returns true once the run
// has gone Patience iterations without a significant relative improvement.
func (c *ConvergenceTracker) Update(cost float64) bool {
	if !c.config.Enabled {
		return false
	}

	c.updates++
	if cost < c.bestCost {
		c.bestCost = cost
	}

	if c.updates == 1 {
		c.lastSignificant = cost
		return false
	}

	improvement := (c.lastSignificant - cost) / c.lastSignificant
	if improvement >= c.config.Threshold {
		c.lastSignificant = cost
		c.staleCount = 0
		return false
	}

	c.staleCount++
	if c.staleCount >= c.config.Patience {
		slog.Info("Convergence detected - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best_cost", c.bestCost,
		)
		return true
	}
	return false
}

// BestCost returns the best cost seen so far.
func (c *ConvergenceTracker) BestCost() float64 {
	return c.bestCost
}

// StaleCount returns the current number of iterations without improvement.
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state.
func (c *ConvergenceTracker) Reset() {
	c.bestCost = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
	c.updates = 0
}
