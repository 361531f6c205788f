package opt

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Run executes the optimization
	// eval: objective function to minimize
	// lower, upper: parameter bounds
	// dim: dimensionality of parameter space
	// Returns: best parameters and best cost
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}

// ProgressFunc receives the best point found so far after each iteration.
type ProgressFunc func(iteration int, best []float64, cost float64)

// Progressive is implemented by optimizers that report per-iteration
// progress. Adapters around external libraries without iteration hooks
// (mayfly) do not implement it.
type Progressive interface {
	OnProgress(fn ProgressFunc)
}
