package process

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// EKI is the ensemble Kalman inversion process. Each Update applies the
// standard ensemble Kalman update
//
//	theta_j <- theta_j + C_tg (C_gg + Gamma_y)^-1 (y - g_j)
//
// where C_tg and C_gg are the ensemble cross- and output-covariances. A zero
// residual leaves the ensemble exactly unchanged.
type EKI struct {
	ensemble *mat.Dense    // n_params x n_ens
	y        *mat.VecDense // observation vector
	gammaY   *mat.SymDense // observation noise covariance
}

// NewEKI builds an EKI process from an initial unconstrained ensemble, the
// observation vector, and its noise covariance.
func NewEKI(initial *mat.Dense, y *mat.VecDense, gammaY *mat.SymDense) (*EKI, error) {
	rows, cols := initial.Dims()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("eki: initial ensemble is %dx%d, want non-empty", rows, cols)
	}
	if cols < 2 {
		return nil, fmt.Errorf("eki: need at least 2 ensemble members, got %d", cols)
	}
	if gammaY.SymmetricDim() != y.Len() {
		return nil, fmt.Errorf("eki: noise covariance is %dx%d but observation length is %d",
			gammaY.SymmetricDim(), gammaY.SymmetricDim(), y.Len())
	}
	return &EKI{
		ensemble: mat.DenseCopyOf(initial),
		y:        mat.VecDenseCopyOf(y),
		gammaY:   gammaY,
	}, nil
}

// Ensemble returns a copy of the current ensemble.
func (e *EKI) Ensemble() *mat.Dense {
	return mat.DenseCopyOf(e.ensemble)
}

// Update advances the ensemble one Kalman step from the simulated outputs of
// the current ensemble.
func (e *EKI) Update(outputs *mat.Dense) error {
	nObs, nOut := outputs.Dims()
	nParams, nEns := e.ensemble.Dims()
	if nObs != e.y.Len() || nOut != nEns {
		return fmt.Errorf("eki update: outputs are %dx%d, want %dx%d", nObs, nOut, e.y.Len(), nEns)
	}

	thetaMean := ensembleMean(e.ensemble)
	gMean := ensembleMean(outputs)
	thetaAnom := anomalies(e.ensemble, thetaMean)
	gAnom := anomalies(outputs, gMean)

	inv := 1 / float64(nEns)

	// C_tg = Theta' G'^T / J, C_gg = G' G'^T / J
	var ctg mat.Dense
	ctg.Mul(thetaAnom, gAnom.T())
	ctg.Scale(inv, &ctg)

	var cggDense mat.Dense
	cggDense.Mul(gAnom, gAnom.T())
	cggDense.Scale(inv, &cggDense)

	lhs := addSym(symFromDense(&cggDense), e.gammaY)

	var chol mat.Cholesky
	if !chol.Factorize(lhs) {
		return fmt.Errorf("eki update: output covariance plus noise is not positive definite")
	}

	// Residual matrix, column j = y - g_j.
	resid := mat.NewDense(nObs, nEns, nil)
	for j := 0; j < nEns; j++ {
		for i := 0; i < nObs; i++ {
			resid.Set(i, j, e.y.AtVec(i)-outputs.At(i, j))
		}
	}

	var solved mat.Dense
	if err := chol.SolveTo(&solved, resid); err != nil {
		return fmt.Errorf("eki update: solving Kalman gain system: %w", err)
	}

	var delta mat.Dense
	delta.Mul(&ctg, &solved)

	next := mat.NewDense(nParams, nEns, nil)
	next.Add(e.ensemble, &delta)
	e.ensemble = next
	return nil
}
