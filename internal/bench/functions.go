// Package bench provides the named benchmark objectives the CLI and server
// can optimize: classic continuous test functions with canonical box bounds.
// All functions are minimization problems with a known optimum of 0.
package bench

import (
	"fmt"
	"math"
	"sort"
)

// Function is a scalar objective over R^n with uniform box bounds. Eval must
// be pure: same input, same output, no retained references.
type Function struct {
	Name string

	// Eval computes the fitness of a candidate. Lower is better.
	Eval func(x []float64) float64

	// Lower and Upper bound every dimension of the search box.
	Lower, Upper float64
}

var functions = map[string]Function{
	"sphere": {
		Name:  "sphere",
		Eval:  Sphere,
		Lower: -10, Upper: 10,
	},
	"rosenbrock": {
		Name:  "rosenbrock",
		Eval:  Rosenbrock,
		Lower: -5, Upper: 10,
	},
	"rastrigin": {
		Name:  "rastrigin",
		Eval:  Rastrigin,
		Lower: -5.12, Upper: 5.12,
	},
	"ackley": {
		Name:  "ackley",
		Eval:  Ackley,
		Lower: -32.768, Upper: 32.768,
	},
	"griewank": {
		Name:  "griewank",
		Eval:  Griewank,
		Lower: -600, Upper: 600,
	},
}

// Lookup returns the benchmark function registered under name.
func Lookup(name string) (Function, error) {
	f, ok := functions[name]
	if !ok {
		return Function{}, fmt.Errorf("unknown objective %q (available: %v)", name, Names())
	}
	return f, nil
}

// Names returns the registered function names in sorted order.
func Names() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sphere is f(x) = sum(x_i^2), minimum 0 at the origin.
func Sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

// Rosenbrock is the banana valley, minimum 0 at (1, ..., 1).
func Rosenbrock(x []float64) float64 {
	var sum float64
	for i := 0; i < len(x)-1; i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum
}

// Rastrigin is highly multimodal, minimum 0 at the origin.
func Rastrigin(x []float64) float64 {
	sum := 10 * float64(len(x))
	for _, v := range x {
		sum += v*v - 10*math.Cos(2*math.Pi*v)
	}
	return sum
}

// Ackley has a nearly flat outer region and a deep central hole,
// minimum 0 at the origin.
func Ackley(x []float64) float64 {
	n := float64(len(x))
	var sqSum, cosSum float64
	for _, v := range x {
		sqSum += v * v
		cosSum += math.Cos(2 * math.Pi * v)
	}
	return -20*math.Exp(-0.2*math.Sqrt(sqSum/n)) - math.Exp(cosSum/n) + 20 + math.E
}

// Griewank combines a quadratic bowl with an oscillating product term,
// minimum 0 at the origin.
func Griewank(x []float64) float64 {
	var sum float64
	prod := 1.0
	for i, v := range x {
		sum += v * v / 4000
		prod *= math.Cos(v / math.Sqrt(float64(i+1)))
	}
	return sum - prod + 1
}
