// Package cma implements the (μ/μ_W,λ)-CMA-ES strategy: a derivative-free
// stochastic optimizer for continuous black-box objectives. The package owns
// the per-run algorithm state and the per-generation update rule; the driver
// loop, stopping policy, and objective live with the caller.
package cma

import "math"

// Objective evaluates a candidate point. Lower fitness is better.
type Objective interface {
	Evaluate(x []float64) float64
}

// Constraints maps candidates into the feasible region and composes repair
// with objective evaluation. Unconstrained problems use an identity Repair.
type Constraints interface {
	Repair(x []float64) []float64
	Evaluate(obj Objective, x []float64) float64
}

// Source supplies the standard-normal draws consumed during sampling.
// *math/rand.Rand satisfies it. Exactly N·λ draws are consumed per
// generation, offspring index major, dimension minor, so two runs with the
// same seed produce identical trajectories.
type Source interface {
	NormFloat64() float64
}

// Config holds the immutable algorithm parameters of one CMA-ES run.
// Learning rates left at NaN are derived from μ, λ and the problem dimension
// when the run state is initialized.
type Config struct {
	// Mu is the number of parents (survivors) per generation.
	Mu int

	// Lambda is the number of offspring sampled per generation. Must
	// exceed Mu.
	Lambda int

	// CSigma, CC, C1 and CMu are the step-size path, covariance path,
	// rank-one and rank-μ learning rates. NaN means "derive a default".
	CSigma, CC, C1, CMu float64

	// CM is the mean learning rate. Must be <= 1.
	CM float64

	// Sigma0 is the initial step size. Must be > 0.
	Sigma0 float64

	// Weights are the λ recombination coefficients, rank-ordered best to
	// worst, possibly negative. An all-zero vector (the default) requests
	// the standard log-rank weights.
	Weights []float64
}

// DefaultConfig returns a Config with all learning rates unset and the
// weights left at their all-zero default, so that initialization derives the
// standard values for the problem dimension.
func DefaultConfig(mu, lambda int) Config {
	nan := math.NaN()
	return Config{
		Mu:      mu,
		Lambda:  lambda,
		CSigma:  nan,
		CC:      nan,
		C1:      nan,
		CMu:     nan,
		CM:      1,
		Sigma0:  0.5,
		Weights: make([]float64, lambda),
	}
}

// Validate checks the constructed-once invariants. Any violation is a fatal
// configuration error: no run state may be built from an invalid Config.
func (c Config) Validate() error {
	if c.Mu < 1 {
		return &ConfigError{Field: "Mu", Reason: "must be at least 1"}
	}
	if c.Lambda <= c.Mu {
		return &ConfigError{Field: "Lambda", Reason: "must be greater than Mu"}
	}
	if len(c.Weights) != c.Lambda {
		return &ConfigError{Field: "Weights", Reason: "length must equal Lambda"}
	}
	if c.CM > 1 {
		return &ConfigError{Field: "CM", Reason: "must not exceed 1"}
	}
	if !(c.Sigma0 > 0) {
		return &ConfigError{Field: "Sigma0", Reason: "must be positive"}
	}
	return nil
}
