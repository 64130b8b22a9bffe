// Package process implements the ensemble-process side of the calibration
// loop: the update mathematics that turn simulated outputs into a new
// parameter ensemble. The driver in package calib holds a single replaceable
// Process handle and never touches the internal ensemble storage.
//
// Two implementations are provided:
//   - EKI: ensemble Kalman inversion over a randomly seeded ensemble
//   - UKI: unscented Kalman inversion over deterministic sigma points,
//     which additionally records mean/covariance/error trajectories
package process

import (
	"gonum.org/v1/gonum/mat"
)

// Process is the ensemble-process collaborator contract. Update and Ensemble
// are its only mutation and query points.
type Process interface {
	// Ensemble returns a copy of the current unconstrained parameter
	// ensemble, shaped (n_params x n_members). Mutating the returned matrix
	// does not affect the process.
	Ensemble() *mat.Dense
	// Update consumes the (n_obs x n_members) simulated outputs for the
	// current ensemble and advances the internal state one iteration.
	Update(outputs *mat.Dense) error
}

// Trajectories is implemented by processes that track a mean/covariance
// trajectory, the UKI variant. The plain EKI variant does not implement it.
type Trajectories interface {
	// MeanHistory returns the unconstrained mean at every recorded
	// iteration, the prior mean first.
	MeanHistory() []*mat.VecDense
	// CovHistory returns the unconstrained covariance at every recorded
	// iteration, parallel to MeanHistory.
	CovHistory() []*mat.SymDense
	// ErrorHistory returns the per-update observation misfit
	// (y - mean output) weighted by the inverse noise covariance.
	ErrorHistory() []float64
}

// ensembleMean returns the row-wise mean of an (n x m) matrix.
func ensembleMean(m *mat.Dense) *mat.VecDense {
	rows, cols := m.Dims()
	mean := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sum += m.At(i, j)
		}
		mean.SetVec(i, sum/float64(cols))
	}
	return mean
}

// anomalies returns m with the given mean subtracted from every column.
func anomalies(m *mat.Dense, mean *mat.VecDense) *mat.Dense {
	rows, cols := m.Dims()
	a := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			a.Set(i, j, m.At(i, j)-mean.AtVec(i))
		}
	}
	return a
}

// symFromDense copies a square matrix into a SymDense, averaging the
// off-diagonal pairs to absorb floating-point asymmetry.
func symFromDense(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}

// addSym returns a + b for same-sized symmetric matrices.
func addSym(a, b *mat.SymDense) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, a.At(i, j)+b.At(i, j))
		}
	}
	return out
}
