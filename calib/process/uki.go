package process

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// UKIConfig parameterizes the unscented Kalman inversion process.
type UKIConfig struct {
	PriorMean []float64     // unconstrained prior mean, one entry per parameter
	PriorCov  *mat.SymDense // unconstrained prior covariance
	// AlphaReg in (0,1] regularizes each prediction step toward the prior
	// mean; 1 disables the regularization.
	AlphaReg float64
	// UpdateFreq > 0 re-estimates the process noise from the current
	// covariance every UpdateFreq steps, converging to a posterior
	// covariance approximation for identifiable problems. 0 keeps the
	// prior-derived process noise fixed, producing sensitivity information
	// only.
	UpdateFreq int
}

// UKI is the unscented Kalman inversion process. Instead of a random
// ensemble it propagates 2p+1 deterministic sigma points drawn from the
// current (mean, covariance) Gaussian approximation, and records the
// mean/covariance/error trajectory required by the unscented postprocess.
type UKI struct {
	y      *mat.VecDense
	gammaY *mat.SymDense
	cholG  mat.Cholesky // factorization of gammaY, for the error norm

	priorMean  *mat.VecDense
	priorCov   *mat.SymDense
	alphaReg   float64
	updateFreq int

	mean *mat.VecDense // current posterior mean
	cov  *mat.SymDense // current posterior covariance

	procNoise *mat.SymDense // Sigma_omega, refreshed per UpdateFreq
	predMean  *mat.VecDense // prediction for the in-flight iteration
	predCov   *mat.SymDense
	sigma     *mat.Dense // p x (2p+1) sigma points for the in-flight iteration

	// unscented-transform weights
	scale       float64
	meanWeights []float64
	covWeights  []float64

	step     int
	meanHist []*mat.VecDense
	covHist  []*mat.SymDense
	errHist  []float64
}

// NewUKI builds a UKI process from the observations, their noise covariance,
// and the unscented configuration.
func NewUKI(y *mat.VecDense, gammaY *mat.SymDense, cfg UKIConfig) (*UKI, error) {
	if gammaY.SymmetricDim() != y.Len() {
		return nil, fmt.Errorf("uki: noise covariance is %dx%d but observation length is %d",
			gammaY.SymmetricDim(), gammaY.SymmetricDim(), y.Len())
	}
	p := len(cfg.PriorMean)
	if p == 0 {
		return nil, fmt.Errorf("uki: prior mean must not be empty")
	}
	if cfg.PriorCov == nil || cfg.PriorCov.SymmetricDim() != p {
		return nil, fmt.Errorf("uki: prior covariance must be %dx%d", p, p)
	}
	if !(cfg.AlphaReg > 0 && cfg.AlphaReg <= 1) {
		return nil, fmt.Errorf("uki: alpha_reg must be in (0, 1], got %g", cfg.AlphaReg)
	}
	if cfg.UpdateFreq < 0 {
		return nil, fmt.Errorf("uki: update frequency must be >= 0, got %d", cfg.UpdateFreq)
	}

	u := &UKI{
		y:          mat.VecDenseCopyOf(y),
		gammaY:     gammaY,
		priorMean:  mat.NewVecDense(p, append([]float64(nil), cfg.PriorMean...)),
		priorCov:   cloneSym(cfg.PriorCov),
		alphaReg:   cfg.AlphaReg,
		updateFreq: cfg.UpdateFreq,
		mean:       mat.NewVecDense(p, append([]float64(nil), cfg.PriorMean...)),
		cov:        cloneSym(cfg.PriorCov),
	}
	if !u.cholG.Factorize(gammaY) {
		return nil, fmt.Errorf("uki: noise covariance is not positive definite")
	}
	u.initWeights(p)
	u.procNoise = scaleSym(u.priorCov, 2-u.alphaReg*u.alphaReg)

	u.meanHist = append(u.meanHist, mat.VecDenseCopyOf(u.mean))
	u.covHist = append(u.covHist, cloneSym(u.cov))

	if err := u.predict(); err != nil {
		return nil, err
	}
	return u, nil
}

// initWeights sets the standard unscented-transform weights for p dimensions
// (kappa = 0, beta = 2, alpha capped at 1).
func (u *UKI) initWeights(p int) {
	alpha := math.Min(math.Sqrt(4/float64(p)), 1)
	lambda := alpha*alpha*float64(p) - float64(p)
	u.scale = math.Sqrt(float64(p) + lambda)

	n := 2*p + 1
	u.meanWeights = make([]float64, n)
	u.covWeights = make([]float64, n)
	u.meanWeights[0] = lambda / (float64(p) + lambda)
	u.covWeights[0] = u.meanWeights[0] + 1 - alpha*alpha + 2
	for j := 1; j < n; j++ {
		u.meanWeights[j] = 1 / (2 * (float64(p) + lambda))
		u.covWeights[j] = u.meanWeights[j]
	}
}

// predict regularizes the current state toward the prior and regenerates the
// sigma points for the next forward-map evaluation.
func (u *UKI) predict() error {
	p := u.mean.Len()
	a := u.alphaReg

	if u.updateFreq > 0 && u.step%u.updateFreq == 0 {
		u.procNoise = scaleSym(u.cov, 2-a*a)
	}

	pred := mat.NewVecDense(p, nil)
	for i := 0; i < p; i++ {
		pred.SetVec(i, u.priorMean.AtVec(i)+a*(u.mean.AtVec(i)-u.priorMean.AtVec(i)))
	}
	u.predMean = pred
	u.predCov = addSym(scaleSym(u.cov, a*a), u.procNoise)

	var chol mat.Cholesky
	if !chol.Factorize(u.predCov) {
		return fmt.Errorf("uki: predicted covariance is not positive definite at step %d", u.step)
	}
	var lower mat.TriDense
	chol.LTo(&lower)

	sigma := mat.NewDense(p, 2*p+1, nil)
	for i := 0; i < p; i++ {
		sigma.Set(i, 0, pred.AtVec(i))
	}
	for j := 0; j < p; j++ {
		for i := 0; i < p; i++ {
			d := u.scale * lower.At(i, j)
			sigma.Set(i, 1+j, pred.AtVec(i)+d)
			sigma.Set(i, 1+p+j, pred.AtVec(i)-d)
		}
	}
	u.sigma = sigma
	return nil
}

// Ensemble returns a copy of the current sigma-point ensemble,
// shaped (n_params x 2*n_params+1).
func (u *UKI) Ensemble() *mat.Dense {
	return mat.DenseCopyOf(u.sigma)
}

// Update consumes the forward-map outputs of the current sigma points and
// performs one unscented Kalman step.
func (u *UKI) Update(outputs *mat.Dense) error {
	p := u.mean.Len()
	d := u.y.Len()
	nSigma := 2*p + 1
	r, c := outputs.Dims()
	if r != d || c != nSigma {
		return fmt.Errorf("uki update: outputs are %dx%d, want %dx%d", r, c, d, nSigma)
	}

	// Weighted output mean.
	gMean := mat.NewVecDense(d, nil)
	for j := 0; j < nSigma; j++ {
		for i := 0; i < d; i++ {
			gMean.SetVec(i, gMean.AtVec(i)+u.meanWeights[j]*outputs.At(i, j))
		}
	}

	// Weighted cross- and output-covariances.
	ctg := mat.NewDense(p, d, nil)
	cgg := mat.NewDense(d, d, nil)
	for j := 0; j < nSigma; j++ {
		w := u.covWeights[j]
		for i := 0; i < p; i++ {
			ti := u.sigma.At(i, j) - u.predMean.AtVec(i)
			for k := 0; k < d; k++ {
				ctg.Set(i, k, ctg.At(i, k)+w*ti*(outputs.At(k, j)-gMean.AtVec(k)))
			}
		}
		for i := 0; i < d; i++ {
			gi := outputs.At(i, j) - gMean.AtVec(i)
			for k := i; k < d; k++ {
				cgg.Set(i, k, cgg.At(i, k)+w*gi*(outputs.At(k, j)-gMean.AtVec(k)))
			}
		}
	}
	for i := 0; i < d; i++ {
		for k := i + 1; k < d; k++ {
			cgg.Set(k, i, cgg.At(i, k))
		}
	}

	// Observation noise inflation Sigma_nu = 2 Gamma_y.
	lhs := addSym(symFromDense(cgg), scaleSym(u.gammaY, 2))
	var chol mat.Cholesky
	if !chol.Factorize(lhs) {
		return fmt.Errorf("uki update: output covariance is not positive definite")
	}

	resid := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		resid.SetVec(i, u.y.AtVec(i)-gMean.AtVec(i))
	}

	// Kalman gain applied to the residual: mean update.
	var solvedResid mat.VecDense
	if err := chol.SolveVecTo(&solvedResid, resid); err != nil {
		return fmt.Errorf("uki update: solving for mean update: %w", err)
	}
	next := mat.NewVecDense(p, nil)
	var gain mat.VecDense
	gain.MulVec(ctg, &solvedResid)
	next.AddVec(u.predMean, &gain)

	// Covariance update: C = C_pred - C_tg (C_gg + Sigma_nu)^-1 C_tg^T.
	var solvedCross mat.Dense
	if err := chol.SolveTo(&solvedCross, ctg.T()); err != nil {
		return fmt.Errorf("uki update: solving for covariance update: %w", err)
	}
	var reduction mat.Dense
	reduction.Mul(ctg, &solvedCross)
	covNext := mat.NewDense(p, p, nil)
	covNext.Sub(u.predCov, &reduction)

	u.mean = next
	u.cov = symFromDense(covNext)
	u.step++

	u.meanHist = append(u.meanHist, mat.VecDenseCopyOf(u.mean))
	u.covHist = append(u.covHist, cloneSym(u.cov))
	u.errHist = append(u.errHist, u.errorNorm(resid))

	return u.predict()
}

// errorNorm computes r^T Gamma_y^-1 r for a residual r.
func (u *UKI) errorNorm(resid *mat.VecDense) float64 {
	var solved mat.VecDense
	if err := u.cholG.SolveVecTo(&solved, resid); err != nil {
		return math.Inf(1)
	}
	return mat.Dot(resid, &solved)
}

// MeanHistory implements Trajectories.
func (u *UKI) MeanHistory() []*mat.VecDense {
	out := make([]*mat.VecDense, len(u.meanHist))
	for i, m := range u.meanHist {
		out[i] = mat.VecDenseCopyOf(m)
	}
	return out
}

// CovHistory implements Trajectories.
func (u *UKI) CovHistory() []*mat.SymDense {
	out := make([]*mat.SymDense, len(u.covHist))
	for i, c := range u.covHist {
		out[i] = cloneSym(c)
	}
	return out
}

// ErrorHistory implements Trajectories.
func (u *UKI) ErrorHistory() []float64 {
	return append([]float64(nil), u.errHist...)
}

func cloneSym(s *mat.SymDense) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(s)
	return out
}

func scaleSym(s *mat.SymDense, f float64) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, f*s.At(i, j))
		}
	}
	return out
}
