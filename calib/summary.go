package calib

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// IterationSummary is an immutable snapshot of one inversion iteration: the
// unconstrained parameter ensemble that was evaluated and the per-member
// mean-squared error of its simulated outputs against the fixed observation
// vector. Never mutated after creation.
type IterationSummary struct {
	Parameters        *mat.Dense // n_params x n_ens, copy
	MeanSquaredErrors []float64  // one entry per ensemble member
}

// NewIterationSummary snapshots the ensemble and scores each member's output
// column against y: mean over observation dimensions of the squared residual.
func NewIterationSummary(ensemble, outputs *mat.Dense, y *mat.VecDense) *IterationSummary {
	nObs, nEns := outputs.Dims()
	obs := make([]float64, nObs)
	for i := range obs {
		obs[i] = y.AtVec(i)
	}
	mse := make([]float64, nEns)
	col := make([]float64, nObs)
	for j := 0; j < nEns; j++ {
		mat.Col(col, j, outputs)
		d := floats.Distance(col, obs, 2)
		mse[j] = d * d / float64(nObs)
	}
	return &IterationSummary{
		Parameters:        mat.DenseCopyOf(ensemble),
		MeanSquaredErrors: mse,
	}
}

// EnsembleSize returns the number of members in the snapshot.
func (s *IterationSummary) EnsembleSize() int {
	_, c := s.Parameters.Dims()
	return c
}

// BestMember returns the index and error of the member with the smallest
// mean-squared error.
func (s *IterationSummary) BestMember() (int, float64) {
	best := 0
	for j, e := range s.MeanSquaredErrors {
		if e < s.MeanSquaredErrors[best] {
			best = j
		}
	}
	return best, s.MeanSquaredErrors[best]
}

// MeanError returns the ensemble-mean of the per-member errors.
func (s *IterationSummary) MeanError() float64 {
	if len(s.MeanSquaredErrors) == 0 {
		return 0
	}
	return floats.Sum(s.MeanSquaredErrors) / float64(len(s.MeanSquaredErrors))
}

// withoutMember returns a copy of the summary with the given ensemble column
// and its error removed. Bounds are the caller's responsibility.
func (s *IterationSummary) withoutMember(index int) *IterationSummary {
	rows, cols := s.Parameters.Dims()
	reduced := mat.NewDense(rows, cols-1, nil)
	for j, dst := 0, 0; j < cols; j++ {
		if j == index {
			continue
		}
		for i := 0; i < rows; i++ {
			reduced.Set(i, dst, s.Parameters.At(i, j))
		}
		dst++
	}
	mse := make([]float64, 0, cols-1)
	mse = append(mse, s.MeanSquaredErrors[:index]...)
	mse = append(mse, s.MeanSquaredErrors[index+1:]...)
	return &IterationSummary{Parameters: reduced, MeanSquaredErrors: mse}
}
