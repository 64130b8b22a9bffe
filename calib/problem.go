package calib

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FreeParameter names one calibrated scalar and its physical-space prior.
// Order matters: it fixes the row order of every parameter ensemble.
type FreeParameter struct {
	Name  string
	Prior Prior
}

// ParameterSet is one candidate parameter vector in physical space, keyed by
// free-parameter name.
type ParameterSet map[string]float64

// InverseProblem is the external collaborator that owns the physical
// simulation. The driver never sees grids or fields, only flattened
// observation-space matrices.
type InverseProblem interface {
	// FreeParameters returns the ordered calibrated parameters.
	FreeParameters() []FreeParameter
	// EnsembleSize returns the number of ensemble members to draw.
	EnsembleSize() int
	// ObservationMap returns the observed outputs; the driver flattens it
	// row-major into the observation vector y.
	ObservationMap() *mat.Dense
	// ForwardMap runs the simulation for a batch of physical parameter sets
	// and returns an (n_obs x batch) matrix of predicted outputs.
	ForwardMap(params []ParameterSet) (*mat.Dense, error)
}

// ForwardMap evaluates a batch of unconstrained parameter columns through the
// inverse transforms and the problem's simulation, returning an
// (n_obs x batch) output matrix.
type ForwardMap func(theta *mat.Dense) (*mat.Dense, error)

// newForwardMap builds the forward-map closure over a problem and its ordered
// priors. Each column of theta is mapped back to physical space per prior
// before the batch simulation call.
func newForwardMap(problem InverseProblem, names []string, priors []Prior, nObs int) ForwardMap {
	return func(theta *mat.Dense) (*mat.Dense, error) {
		rows, cols := theta.Dims()
		if rows != len(priors) {
			return nil, fmt.Errorf("forward map: ensemble has %d rows, want %d parameters", rows, len(priors))
		}
		batch := make([]ParameterSet, cols)
		for j := 0; j < cols; j++ {
			set := make(ParameterSet, rows)
			for i, p := range priors {
				phys, err := InverseTransform(p, theta.At(i, j))
				if err != nil {
					return nil, fmt.Errorf("forward map: parameter %q: %w", names[i], err)
				}
				set[names[i]] = phys
			}
			batch[j] = set
		}
		out, err := problem.ForwardMap(batch)
		if err != nil {
			return nil, fmt.Errorf("forward map: %w", err)
		}
		r, c := out.Dims()
		if r != nObs || c != cols {
			return nil, fmt.Errorf("forward map: simulation returned %dx%d outputs, want %dx%d", r, c, nObs, cols)
		}
		return out, nil
	}
}

// flattenObservations stacks an observation matrix row-major into a vector.
func flattenObservations(obs *mat.Dense) *mat.VecDense {
	r, c := obs.Dims()
	y := mat.NewVecDense(r*c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			y.SetVec(i*c+j, obs.At(i, j))
		}
	}
	return y
}
