package cma

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// sphereObjective is f(x) = sum(x_i^2), minimum 0 at the origin.
type sphereObjective struct{}

func (sphereObjective) Evaluate(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

// identityConstraints leaves candidates unrepaired.
type identityConstraints struct{}

func (identityConstraints) Repair(x []float64) []float64 { return x }

func (identityConstraints) Evaluate(obj Objective, x []float64) float64 {
	return obj.Evaluate(x)
}

// boxConstraints clamps candidates to [lower, upper] in every dimension.
type boxConstraints struct {
	lower, upper float64
}

func (b boxConstraints) Repair(x []float64) []float64 {
	for i, v := range x {
		x[i] = math.Max(b.lower, math.Min(b.upper, v))
	}
	return x
}

func (b boxConstraints) Evaluate(obj Objective, x []float64) float64 {
	return obj.Evaluate(b.Repair(x))
}

// countingSource counts the normal draws consumed from the wrapped source.
type countingSource struct {
	rng   *rand.Rand
	calls int
}

func (c *countingSource) NormFloat64() float64 {
	c.calls++
	return c.rng.NormFloat64()
}

func newPop(mu, dim int) [][]float64 {
	pop := make([][]float64, mu)
	for i := range pop {
		pop[i] = make([]float64, dim)
	}
	return pop
}

func TestStepConvergesOnSphere(t *testing.T) {
	cfg := DefaultConfig(3, 6)
	cfg.Sigma0 = 1

	s, err := NewState(cfg, []float64{3, -2})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	pop := newPop(3, 2)
	for itr := 0; itr < 200; itr++ {
		if err := s.Step(rng, sphereObjective{}, identityConstraints{}, pop, itr); err != nil {
			t.Fatalf("Step failed at generation %d: %v", itr, err)
		}
	}

	if got := s.BestFitness(); got >= 1e-8 {
		t.Errorf("Expected fitness below 1e-8 after 200 generations, got %g", got)
	}
	for i, v := range s.Fittest() {
		if math.Abs(v) > 1e-3 {
			t.Errorf("fittest[%d]=%g, expected near origin", i, v)
		}
	}
}

func TestStepDeterministic(t *testing.T) {
	run := func() *State {
		cfg := DefaultConfig(4, 8)
		cfg.Sigma0 = 0.8
		s, err := NewState(cfg, []float64{1, 1, 1})
		if err != nil {
			t.Fatalf("NewState failed: %v", err)
		}
		rng := rand.New(rand.NewSource(123))
		pop := newPop(4, 3)
		for itr := 0; itr < 50; itr++ {
			if err := s.Step(rng, sphereObjective{}, identityConstraints{}, pop, itr); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
		}
		return s
	}

	a, b := run(), run()

	if a.Sigma() != b.Sigma() {
		t.Errorf("Non-deterministic sigma: %g vs %g", a.Sigma(), b.Sigma())
	}
	if a.BestFitness() != b.BestFitness() {
		t.Errorf("Non-deterministic best fitness: %g vs %g", a.BestFitness(), b.BestFitness())
	}
	for i := range a.mean {
		if a.mean[i] != b.mean[i] {
			t.Errorf("Non-deterministic mean[%d]: %g vs %g", i, a.mean[i], b.mean[i])
		}
	}
	for i := 0; i < a.dim; i++ {
		for j := 0; j < a.dim; j++ {
			if a.cov.At(i, j) != b.cov.At(i, j) {
				t.Errorf("Non-deterministic cov[%d,%d]: %g vs %g", i, j, a.cov.At(i, j), b.cov.At(i, j))
			}
		}
	}
}

func TestStepCovarianceStaysSymmetric(t *testing.T) {
	cfg := DefaultConfig(3, 7)
	s, err := NewState(cfg, []float64{0.5, -0.5, 1, 2})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	pop := newPop(3, 4)
	for itr := 0; itr < 30; itr++ {
		if err := s.Step(rng, sphereObjective{}, identityConstraints{}, pop, itr); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		cov := s.Covariance()
		for i := 0; i < s.dim; i++ {
			for j := 0; j < s.dim; j++ {
				if d := math.Abs(cov.At(i, j) - cov.At(j, i)); d > 1e-12 {
					t.Fatalf("Covariance asymmetric at generation %d: |C[%d,%d]-C[%d,%d]|=%g", itr, i, j, j, i, d)
				}
			}
		}
	}
}

func TestStepCovarianceSpectrumStaysNonnegative(t *testing.T) {
	// Negative recombination weights subtract from the covariance; the
	// rank-mu term must do so in the same coordinate space as the rank-one
	// term, otherwise the smallest eigenvalue decays below zero within a
	// few generations.
	cfg := DefaultConfig(3, 6)
	cfg.Sigma0 = 1

	s, err := NewState(cfg, []float64{3, -2})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	pop := newPop(3, 2)
	for itr := 0; itr < 150; itr++ {
		if err := s.Step(rng, sphereObjective{}, identityConstraints{}, pop, itr); err != nil {
			t.Fatalf("Step failed at generation %d: %v", itr, err)
		}

		var eig mat.EigenSym
		if !eig.Factorize(s.Covariance(), false) {
			t.Fatalf("Eigendecomposition failed at generation %d", itr)
		}
		vals := eig.Values(nil)
		maxVal := 0.0
		for _, v := range vals {
			if v > maxVal {
				maxVal = v
			}
		}
		for _, v := range vals {
			if v < -1e-10*math.Max(1, maxVal) {
				t.Fatalf("Negative eigenvalue %g at generation %d", v, itr)
			}
		}
	}
}

func TestStepConsumesFixedDrawCount(t *testing.T) {
	cases := []struct {
		mu, lambda, dim int
	}{
		{2, 4, 3},
		{3, 6, 2},
		{5, 11, 7},
	}

	for _, tc := range cases {
		cfg := DefaultConfig(tc.mu, tc.lambda)
		s, err := NewState(cfg, make([]float64, tc.dim))
		if err != nil {
			t.Fatalf("NewState failed: %v", err)
		}

		src := &countingSource{rng: rand.New(rand.NewSource(1))}
		pop := newPop(tc.mu, tc.dim)
		for itr := 0; itr < 3; itr++ {
			before := src.calls
			if err := s.Step(src, sphereObjective{}, identityConstraints{}, pop, itr); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			want := tc.dim * tc.lambda
			if got := src.calls - before; got != want {
				t.Errorf("mu=%d lambda=%d dim=%d: consumed %d draws in one generation, want %d", tc.mu, tc.lambda, tc.dim, got, want)
			}
		}
	}
}

func TestStepDegeneracyLeavesStateUnmutated(t *testing.T) {
	cfg := DefaultConfig(3, 6)
	s, err := NewState(cfg, []float64{1, -1})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}

	rng := rand.New(rand.NewSource(9))
	pop := newPop(3, 2)
	if err := s.Step(rng, sphereObjective{}, identityConstraints{}, pop, 0); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// Force a matrix with a genuinely negative eigenvalue into the
	// decomposition step.
	s.cov.SetSym(0, 0, 1)
	s.cov.SetSym(0, 1, 2)
	s.cov.SetSym(1, 1, 1)

	sigma := s.Sigma()
	mean := s.Mean()
	fitness := s.Fitness()
	pathC := append([]float64(nil), s.pathC...)
	pathSigma := append([]float64(nil), s.pathSigma...)
	gen := s.Generation()

	err = s.Step(rng, sphereObjective{}, identityConstraints{}, pop, 1)
	if err == nil {
		t.Fatal("Expected degeneracy error, got nil")
	}

	var degErr *DegeneracyError
	if !errors.As(err, &degErr) {
		t.Fatalf("Expected *DegeneracyError, got %T", err)
	}
	if degErr.Dim != 2 {
		t.Errorf("Expected snapshot dimension 2, got %d", degErr.Dim)
	}
	if len(degErr.Cov) != 4 {
		t.Errorf("Expected %d snapshot entries, got %d", 4, len(degErr.Cov))
	}

	if s.Sigma() != sigma {
		t.Error("sigma mutated by failed step")
	}
	if s.Generation() != gen {
		t.Error("generation counter mutated by failed step")
	}
	for i := range mean {
		if s.mean[i] != mean[i] {
			t.Error("mean mutated by failed step")
		}
		if s.pathC[i] != pathC[i] || s.pathSigma[i] != pathSigma[i] {
			t.Error("evolution paths mutated by failed step")
		}
	}
	for i := range fitness {
		if s.fitness[i] != fitness[i] {
			t.Error("fitness cache mutated by failed step")
		}
	}
}

// recordingConstraints captures every candidate in evaluation order.
type recordingConstraints struct {
	seen [][]float64
}

func (r *recordingConstraints) Repair(x []float64) []float64 { return x }

func (r *recordingConstraints) Evaluate(obj Objective, x []float64) float64 {
	r.seen = append(r.seen, append([]float64(nil), x...))
	return obj.Evaluate(x)
}

// constantObjective gives every candidate the same fitness, so ranking is
// decided purely by the tie-break rule.
type constantObjective struct{}

func (constantObjective) Evaluate([]float64) float64 { return 1 }

func TestStepTieBreakPreservesSampleOrder(t *testing.T) {
	cfg := DefaultConfig(3, 6)
	s, err := NewState(cfg, []float64{0, 0})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}

	rec := &recordingConstraints{}
	rng := rand.New(rand.NewSource(5))
	pop := newPop(3, 2)
	if err := s.Step(rng, constantObjective{}, rec, pop, 0); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if len(rec.seen) != 6 {
		t.Fatalf("Expected 6 evaluations, got %d", len(rec.seen))
	}
	// All fitnesses equal: survivors must be the first mu candidates in
	// sample order.
	for r := 0; r < 3; r++ {
		for j := range pop[r] {
			if pop[r][j] != rec.seen[r][j] {
				t.Fatalf("Survivor %d is not candidate %d: ties must preserve sample order", r, r)
			}
		}
	}
}

func TestStepSelectsBestFirst(t *testing.T) {
	cfg := DefaultConfig(4, 9)
	s, err := NewState(cfg, []float64{2, 2, 2})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}

	obj := sphereObjective{}
	rng := rand.New(rand.NewSource(31))
	pop := newPop(4, 3)
	if err := s.Step(rng, obj, identityConstraints{}, pop, 0); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	fitness := s.Fitness()
	for i := 1; i < len(fitness); i++ {
		if fitness[i] < fitness[i-1] {
			t.Errorf("fitness[%d]=%g better than fitness[%d]=%g: survivors must be ordered best first", i, fitness[i], i-1, fitness[i-1])
		}
	}
	if got := obj.Evaluate(pop[0]); got != fitness[0] {
		t.Errorf("pop[0] fitness %g does not match recorded best %g", got, fitness[0])
	}
	for j, v := range s.Fittest() {
		if v != pop[0][j] {
			t.Error("fittest does not match the best survivor of the generation")
			break
		}
	}
}

func TestStepRepairedCandidatesStayFeasible(t *testing.T) {
	cfg := DefaultConfig(3, 6)
	cfg.Sigma0 = 2
	s, err := NewState(cfg, []float64{0.9, 0.9})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}

	box := boxConstraints{lower: -1, upper: 1}
	rng := rand.New(rand.NewSource(11))
	pop := newPop(3, 2)
	for itr := 0; itr < 10; itr++ {
		if err := s.Step(rng, sphereObjective{}, box, pop, itr); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		for r := range pop {
			for j, v := range pop[r] {
				if v < -1 || v > 1 {
					t.Fatalf("Survivor %d dimension %d out of bounds: %g", r, j, v)
				}
			}
		}
	}
}

func TestStepRejectsWrongPopulationBuffer(t *testing.T) {
	cfg := DefaultConfig(3, 6)
	s, err := NewState(cfg, []float64{0, 0})
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	rng := rand.New(rand.NewSource(1))

	if err := s.Step(rng, sphereObjective{}, identityConstraints{}, newPop(2, 2), 0); err == nil {
		t.Error("Expected error for undersized population buffer")
	}
	if err := s.Step(rng, sphereObjective{}, identityConstraints{}, newPop(3, 5), 0); err == nil {
		t.Error("Expected error for wrong-dimension individuals")
	}
}
