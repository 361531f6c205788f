package opt

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/cmaopt/internal/cma"
)

// CMAAdapter drives the in-repo CMA-ES strategy behind the Optimizer
// interface: it owns the generation loop and the stopping policy, while the
// cma package owns the per-generation state transition.
type CMAAdapter struct {
	maxIters int
	popSize  int
	seed     int64
	sigma0   float64
	initial  []float64
	tracker  *ConvergenceTracker
	progress ProgressFunc
	sigma    float64
}

// NewCMA creates a CMA-ES optimizer with an iteration budget, an offspring
// population size λ (μ is λ/2) and a random seed.
func NewCMA(maxIters, popSize int, seed int64) *CMAAdapter {
	return &CMAAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// SetSigma0 overrides the initial step size. Without an override, Run picks
// 30% of the first dimension's bound range.
func (a *CMAAdapter) SetSigma0(sigma0 float64) {
	a.sigma0 = sigma0
}

// SetInitialMean starts the search at x instead of the box midpoint. Used
// when resuming from a checkpointed best point.
func (a *CMAAdapter) SetInitialMean(x []float64) {
	a.initial = append([]float64(nil), x...)
}

// SetConvergence enables early stopping once per-iteration improvement
// stays below the tracker's threshold for its patience window.
func (a *CMAAdapter) SetConvergence(cfg ConvergenceConfig) {
	a.tracker = NewConvergenceTracker(cfg)
}

// OnProgress registers a callback invoked after every generation with the
// best point found so far.
func (a *CMAAdapter) OnProgress(fn ProgressFunc) {
	a.progress = fn
}

// Sigma reports the global step size after the most recent generation. Valid
// only while Run is in flight or after it returns.
func (a *CMAAdapter) Sigma() float64 {
	return a.sigma
}

// Run executes the CMA-ES optimization within the given box bounds. On a
// numeric-degeneracy stop the best point found before the failure is
// returned.
func (a *CMAAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	lambda := a.popSize
	if lambda < 4 {
		lambda = 4
	}
	mu := lambda / 2

	cfg := cma.DefaultConfig(mu, lambda)
	if a.sigma0 > 0 {
		cfg.Sigma0 = a.sigma0
	} else {
		cfg.Sigma0 = 0.3 * (upper[0] - lower[0])
	}

	start := make([]float64, dim)
	if a.initial != nil && len(a.initial) == dim {
		copy(start, a.initial)
	} else {
		for i := range start {
			start[i] = (lower[i] + upper[i]) / 2
		}
	}

	state, err := cma.NewState(cfg, start)
	if err != nil {
		// Fallback mirrors the mayfly adapter: report the start point.
		slog.Error("CMA-ES initialization failed", "error", err)
		return start, eval(start)
	}

	a.sigma = cfg.Sigma0

	cons := boxConstraints{lower: lower, upper: upper}
	rng := rand.New(rand.NewSource(a.seed))
	pop := make([][]float64, mu)
	for i := range pop {
		pop[i] = make([]float64, dim)
	}

	best := append([]float64(nil), start...)
	bestCost := math.Inf(1)

	for itr := 0; itr < a.maxIters; itr++ {
		if err := state.Step(rng, funcObjective(eval), cons, pop, itr); err != nil {
			slog.Warn("CMA-ES stopped on degenerate covariance", "iteration", itr, "error", err)
			break
		}

		a.sigma = state.Sigma()

		if cost := state.BestFitness(); cost < bestCost {
			bestCost = cost
			copy(best, state.Fittest())
		}

		if a.progress != nil {
			a.progress(itr+1, best, bestCost)
		}
		if a.tracker != nil && a.tracker.Update(state.BestFitness()) {
			break
		}
	}

	if math.IsInf(bestCost, 1) {
		bestCost = eval(best)
	}
	return best, bestCost
}

// funcObjective adapts a plain evaluation function to the core's Objective.
type funcObjective func([]float64) float64

func (f funcObjective) Evaluate(x []float64) float64 { return f(x) }

// boxConstraints clamps candidates into [lower, upper] per dimension.
type boxConstraints struct {
	lower, upper []float64
}

func (b boxConstraints) Repair(x []float64) []float64 {
	for i := range x {
		x[i] = math.Max(b.lower[i], math.Min(b.upper[i], x[i]))
	}
	return x
}

func (b boxConstraints) Evaluate(obj cma.Objective, x []float64) float64 {
	return obj.Evaluate(b.Repair(x))
}
