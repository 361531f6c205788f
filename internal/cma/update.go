package cma

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Step advances the run by one generation: sample λ offspring around the
// current mean, evaluate them through the constraint/objective composition,
// select the best μ into pop (best first), and adapt mean, step size,
// evolution paths and covariance.
//
// pop is an externally owned buffer of exactly μ individuals, each of length
// N; it is overwritten in place. itr is the 0-based generation index. A nil
// return means the run may continue; a *DegeneracyError means the covariance
// could no longer be decomposed and the state was left unmutated.
func (s *State) Step(src Source, obj Objective, cons Constraints, pop [][]float64, itr int) error {
	if len(pop) != s.mu {
		return fmt.Errorf("population buffer holds %d individuals, want %d", len(pop), s.mu)
	}
	for i := range pop {
		if len(pop[i]) != s.dim {
			return fmt.Errorf("population individual %d has dimension %d, want %d", i, len(pop[i]), s.dim)
		}
	}

	dec, err := decompose(s.cov)
	if err != nil {
		return err
	}

	n := s.dim

	// Sample and evaluate λ offspring. Draw order is fixed (offspring
	// major, dimension minor) so a seeded source reproduces trajectories.
	draws := make([][]float64, s.lambda)
	cands := make([][]float64, s.lambda)
	fits := make([]float64, s.lambda)
	for i := 0; i < s.lambda; i++ {
		z := make([]float64, n)
		for j := range z {
			z[j] = src.NormFloat64()
		}
		draws[i] = z

		step := dec.transform(z)
		x := make([]float64, n)
		for j := range x {
			x[j] = s.mean[j] + s.sigma*step[j]
		}
		x = cons.Repair(x)
		cands[i] = x
		fits[i] = cons.Evaluate(obj, x)
	}

	// Rank ascending. Ties keep sample order (stable sort).
	order := make([]int, s.lambda)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return fits[order[a]] < fits[order[b]]
	})

	// Select survivors and accumulate the weighted mean step ȳ and the
	// weighted mean draw z̄ over the first μ (non-negative) weights.
	yw := make([]float64, n)
	zw := make([]float64, n)
	newFitness := make([]float64, s.mu)
	for r := 0; r < s.mu; r++ {
		idx := order[r]
		copy(pop[r], cands[idx])
		newFitness[r] = fits[idx]
		w := s.weights[r]
		for j := 0; j < n; j++ {
			yw[j] += w * (cands[idx][j] - s.mean[j]) / s.sigma
			zw[j] += w * draws[idx][j]
		}
	}

	newMean := make([]float64, n)
	for j := range newMean {
		newMean[j] = s.mean[j] + s.cm*s.sigma*yw[j]
	}

	// Step-size path and step size.
	rotated := dec.rotate(zw)
	kSigma := math.Sqrt(s.muEff * s.cSigma * (2 - s.cSigma))
	newPathSigma := make([]float64, n)
	for j := range newPathSigma {
		newPathSigma[j] = (1-s.cSigma)*s.pathSigma[j] + kSigma*rotated[j]
	}
	pathNorm := floats.Norm(newPathSigma, 2)
	newSigma := s.sigma * math.Exp((s.cSigma/s.dSigma)*(pathNorm/s.chiN-1))

	// Heaviside indicator: suppress the covariance-path update when the
	// step-size path grew disproportionately fast.
	unbias := math.Sqrt(1 - math.Pow(1-s.cSigma, 2*float64(itr+1)))
	hSigma := 0.0
	if pathNorm/unbias < (1.4+2/(float64(n)+1))*s.chiN {
		hSigma = 1
	}

	kc := math.Sqrt(s.muEff * s.cc * (2 - s.cc))
	newPathC := make([]float64, n)
	for j := range newPathC {
		newPathC[j] = (1-s.cc)*s.pathC[j] + hSigma*kc*yw[j]
	}

	// Covariance: decay plus rank-one and rank-μ terms. When the rank-one
	// input was suppressed, the lost variance is restored into the decay.
	decay := 1 - s.c1 - s.cMu*floats.Sum(s.weights)
	if hSigma == 0 {
		decay += s.c1 * s.cc * (2 - s.cc)
	}
	newCov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			newCov.SetSym(i, j, decay*s.cov.At(i, j)+s.c1*newPathC[i]*newPathC[j])
		}
	}
	// Rank-μ over all λ ranked steps in y-space, the same space as the
	// rank-one path (active CMA-ES): negative-weight directions are
	// downweighted by their Mahalanobis norm to keep the matrix positive
	// semi-definite.
	for r := 0; r < s.lambda; r++ {
		w := s.weights[r]
		if w == 0 {
			continue
		}
		z := draws[order[r]]
		y := dec.transform(z)
		scale := 1.0
		if w < 0 {
			bz := dec.rotate(z)
			scale = float64(n) / floats.Dot(bz, bz)
		}
		k := s.cMu * scale * w
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				newCov.SetSym(i, j, newCov.At(i, j)+k*y[i]*y[j])
			}
		}
	}

	// Commit the generation as a single transition.
	s.mean = newMean
	s.sigma = newSigma
	s.pathSigma = newPathSigma
	s.pathC = newPathC
	s.cov = newCov
	copy(s.fitness, newFitness)
	copy(s.fittest, pop[0])
	s.gen++
	return nil
}
