package cma

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// State is the mutable per-run data of one CMA-ES optimization. It is built
// once from a Config and a sample individual, mutated in place exactly once
// per generation by Step, and must not be shared between concurrent runs.
type State struct {
	dim    int
	mu     int
	lambda int

	// Learning rates and selection mass, resolved at initialization and
	// fixed for the run.
	muEff  float64
	cSigma float64
	cc     float64
	c1     float64
	cMu    float64
	cm     float64
	dSigma float64

	weights []float64

	cov       *mat.SymDense
	pathC     []float64 // covariance evolution path
	pathSigma []float64 // step-size evolution path
	sigma     float64
	mean      []float64

	fittest []float64
	fitness []float64 // fitnesses of the current survivors, best first

	chiN float64 // expected norm of an N-dimensional standard-normal vector
	gen  int
}

// NewState builds the run state from a validated Config and one sample
// individual, which supplies the problem dimension N and the starting mean.
// Unset learning rates and all-zero weights are resolved here; any derived
// invariant violation is a fatal *ConfigError.
func NewState(cfg Config, sample []float64) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(sample)
	if n == 0 {
		return nil, &ConfigError{Field: "sample", Reason: "must have at least one dimension"}
	}

	s := &State{
		dim:    n,
		mu:     cfg.Mu,
		lambda: cfg.Lambda,
		cSigma: cfg.CSigma,
		cc:     cfg.CC,
		c1:     cfg.C1,
		cMu:    cfg.CMu,
		cm:     cfg.CM,
	}
	s.weights = append([]float64(nil), cfg.Weights...)

	// Effective selection mass from the supplied weights. All-zero default
	// weights give +Inf here, which routes into the derivation branch.
	var sqSum float64
	for _, w := range s.weights[:s.mu] {
		sqSum += w * w
	}
	s.muEff = 1 / sqSum

	fn := float64(n)
	if s.muEff < 1 || s.muEff > float64(s.mu) {
		s.deriveWeights(fn)
	} else {
		// Supplied weights already carry a valid selection mass; only
		// fill in rates that were left unset. C1 resolves before CMu so
		// the CMu default never reads an unset rate.
		if math.IsNaN(s.cc) {
			s.cc = 1 / math.Sqrt(fn)
		}
		if math.IsNaN(s.cSigma) {
			s.cSigma = 1 / math.Sqrt(fn)
		}
		if math.IsNaN(s.c1) {
			limit := 1.0
			if !math.IsNaN(s.cMu) {
				limit = 1 - s.cMu
			}
			s.c1 = math.Min(2/(fn*fn), limit)
		}
		if math.IsNaN(s.cMu) {
			s.cMu = math.Min(s.muEff/(fn*fn), 1-s.c1)
		}
	}

	if s.muEff < 1 || s.muEff > float64(s.mu) {
		return nil, &ConfigError{Field: "Weights", Reason: "effective selection mass outside [1, Mu]"}
	}
	if s.c1+s.cMu > 1 {
		return nil, &ConfigError{Field: "C1", Reason: "rank-one and rank-mu rates must sum to at most 1"}
	}
	if s.cSigma >= 1 {
		return nil, &ConfigError{Field: "CSigma", Reason: "must be below 1"}
	}
	if s.cc > 1 {
		return nil, &ConfigError{Field: "CC", Reason: "must not exceed 1"}
	}

	s.dSigma = 1 + 2*math.Max(0, math.Sqrt((s.muEff-1)/(fn+1))-1) + s.cSigma
	s.chiN = math.Sqrt(fn) * (1 - 1/(4*fn) + 1/(21*fn*fn))

	s.cov = identity(n)
	s.pathC = make([]float64, n)
	s.pathSigma = make([]float64, n)
	s.sigma = cfg.Sigma0
	s.mean = append([]float64(nil), sample...)
	s.fittest = append([]float64(nil), sample...)
	s.fitness = make([]float64, s.mu)
	for i := range s.fitness {
		s.fitness[i] = math.Inf(1)
	}

	return s, nil
}

// deriveWeights replaces the weights with the standard log-rank scheme and
// resolves any unset learning rates from the resulting selection mass.
// Negative ranks are kept (active CMA-ES) but rescaled so that the
// covariance update cannot lose positive semi-definiteness.
func (s *State) deriveWeights(fn float64) {
	raw := make([]float64, s.lambda)
	base := math.Log((float64(s.lambda) + 1) / 2)
	for i := range raw {
		raw[i] = base - math.Log(float64(i+1))
	}

	var posSum, negSum float64
	for _, w := range raw {
		if w >= 0 {
			posSum += w
		} else {
			negSum += w
		}
	}

	var muSum, muSqSum float64
	for _, w := range raw[:s.mu] {
		muSum += w
		muSqSum += w * w
	}
	s.muEff = muSum * muSum / muSqSum

	var tailSum, tailSqSum float64
	for _, w := range raw[s.mu:] {
		tailSum += w
		tailSqSum += w * w
	}
	muEffNeg := tailSum * tailSum / tailSqSum

	alphaNeg := -negSum
	alphaEffNeg := 1 + 2*muEffNeg/(s.muEff+2)

	const alphaCov = 2
	if math.IsNaN(s.c1) {
		s.c1 = alphaCov / ((fn+1.3)*(fn+1.3) + s.muEff)
	}
	if math.IsNaN(s.cMu) {
		s.cMu = math.Min(1-s.c1, alphaCov*(s.muEff-2+1/s.muEff)/((fn+2)*(fn+2)+alphaCov*s.muEff/2))
	}
	if math.IsNaN(s.cc) {
		s.cc = (4 + s.muEff/fn) / (fn + 4 + 2*s.muEff/fn)
	}
	if math.IsNaN(s.cSigma) {
		s.cSigma = (s.muEff + 2) / (fn + s.muEff + 5)
	}
	alphaPD := (1 - s.c1 - s.cMu) / (fn * s.cMu)

	negScale := math.Min(alphaNeg, math.Min(alphaEffNeg, alphaPD))
	for i, w := range raw {
		if w >= 0 {
			s.weights[i] = w / posSum
		} else {
			s.weights[i] = negScale * w / alphaNeg
		}
	}
}

func identity(n int) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1)
	}
	return m
}

// Dim returns the problem dimension N.
func (s *State) Dim() int { return s.dim }

// Generation returns the number of completed update steps.
func (s *State) Generation() int { return s.gen }

// Sigma returns the current global step size.
func (s *State) Sigma() float64 { return s.sigma }

// MuEff returns the effective selection mass resolved at initialization.
func (s *State) MuEff() float64 { return s.muEff }

// Mean returns a copy of the current mean point.
func (s *State) Mean() []float64 {
	return append([]float64(nil), s.mean...)
}

// Fittest returns a copy of the best survivor of the latest generation.
func (s *State) Fittest() []float64 {
	return append([]float64(nil), s.fittest...)
}

// BestFitness returns the fitness of the best current survivor, or +Inf
// before the first completed generation.
func (s *State) BestFitness() float64 { return s.fitness[0] }

// Fitness returns a copy of the survivors' fitness values, best first.
func (s *State) Fitness() []float64 {
	return append([]float64(nil), s.fitness...)
}

// Covariance returns a copy of the current covariance matrix.
func (s *State) Covariance() *mat.SymDense {
	c := mat.NewSymDense(s.dim, nil)
	c.CopySym(s.cov)
	return c
}
