package cma

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// decomposition holds the orthonormal eigenbasis B and the per-axis scales
// D = sqrt(eigenvalue) of a successfully decomposed covariance matrix.
type decomposition struct {
	basis *mat.Dense
	scale []float64
}

// decompose eigendecomposes a symmetric covariance matrix. Eigenvalues with
// small negative drift are clamped to zero; a spectrum that is genuinely
// negative, non-finite, or that the factorization cannot converge on is
// reported as a *DegeneracyError carrying a snapshot of the matrix.
func decompose(cov *mat.SymDense) (*decomposition, error) {
	n := cov.SymmetricDim()

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return nil, degeneracy(cov)
	}

	vals := eig.Values(nil)
	maxVal := 0.0
	for _, v := range vals {
		if v > maxVal {
			maxVal = v
		}
	}
	tol := 1e-12 * math.Max(1, maxVal)

	scale := make([]float64, n)
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < -tol {
			return nil, degeneracy(cov)
		}
		scale[i] = math.Sqrt(math.Max(0, v))
	}

	var basis mat.Dense
	eig.VectorsTo(&basis)
	return &decomposition{basis: &basis, scale: scale}, nil
}

// transform returns B·D·z, mapping a standard-normal draw into the
// covariance-shaped coordinate system.
func (d *decomposition) transform(z []float64) []float64 {
	scaled := make([]float64, len(z))
	for i, v := range z {
		scaled[i] = d.scale[i] * v
	}
	return mulVec(d.basis, scaled)
}

// rotate returns B·z without the eigenvalue scaling.
func (d *decomposition) rotate(z []float64) []float64 {
	return mulVec(d.basis, z)
}

func mulVec(a mat.Matrix, x []float64) []float64 {
	var dst mat.VecDense
	dst.MulVec(a, mat.NewVecDense(len(x), x))
	return dst.RawVector().Data
}

func degeneracy(cov *mat.SymDense) *DegeneracyError {
	n := cov.SymmetricDim()
	snap := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			snap = append(snap, cov.At(i, j))
		}
	}
	return &DegeneracyError{Dim: n, Cov: snap}
}
