package calib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NoiseSpec selects how the observation-noise covariance is built: a full
// matrix when Matrix is non-nil, otherwise Scalar times the identity. These
// are the only valid shapes; anything else is a configuration error at
// construction time.
type NoiseSpec struct {
	Scalar float64    // variance on the diagonal, used when Matrix is nil
	Matrix mat.Matrix // full covariance, optional
}

// Build constructs the n x n noise covariance for an observation vector of
// length n.
func (s NoiseSpec) Build(n int) (*mat.SymDense, error) {
	if s.Matrix != nil {
		return NoiseFromMatrix(s.Matrix, n)
	}
	return NoiseFromScalar(s.Scalar, n)
}

// NoiseFromScalar returns variance * I_n.
func NoiseFromScalar(variance float64, n int) (*mat.SymDense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("noise covariance: observation length must be > 0, got %d", n)
	}
	if variance <= 0 {
		return nil, fmt.Errorf("noise covariance: scalar variance must be > 0, got %g", variance)
	}
	gamma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		gamma.SetSym(i, i, variance)
	}
	return gamma, nil
}

// NoiseFromMatrix passes a full covariance through unchanged after checking
// that it is n x n and symmetric.
func NoiseFromMatrix(cov mat.Matrix, n int) (*mat.SymDense, error) {
	r, c := cov.Dims()
	if r != n || c != n {
		return nil, fmt.Errorf("noise covariance: matrix is %dx%d, want %dx%d", r, c, n, n)
	}
	gamma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a, b := cov.At(i, j), cov.At(j, i)
			if !symClose(a, b) {
				return nil, fmt.Errorf("noise covariance: matrix is not symmetric at (%d,%d): %g vs %g", i, j, a, b)
			}
			gamma.SetSym(i, j, a)
		}
	}
	return gamma, nil
}

func symClose(a, b float64) bool {
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-12*math.Max(scale, 1)
}
