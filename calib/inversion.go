package calib

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/calibrate-sim/calibrate-sim/calib/process"
)

// Inversion is the calibration run state: the problem reference, the ordered
// priors, the replaceable ensemble-process handle, the fixed observations,
// and the append-only iteration record. Created once per run and mutated in
// place by Iterate; not safe for concurrent use.
type Inversion struct {
	problem InverseProblem
	names   []string
	priors  []Prior

	process process.Process
	y       *mat.VecDense
	gammaY  *mat.SymDense
	forward ForwardMap

	iteration int
	summaries []*IterationSummary
	dropped   map[int]struct{}
}

// NewEnsembleKalmanInversion constructs an EKI run: converts every prior to
// its unconstrained normal equivalent, draws a reproducible initial ensemble
// of the problem's size from the given seed, flattens the observation map,
// and seeds the ensemble process.
func NewEnsembleKalmanInversion(problem InverseProblem, noise NoiseSpec, seed uint64) (*Inversion, error) {
	inv, err := newInversion(problem, noise)
	if err != nil {
		return nil, err
	}

	nEns := problem.EnsembleSize()
	if nEns < 2 {
		return nil, fmt.Errorf("ensemble inversion: ensemble size must be >= 2, got %d", nEns)
	}
	initial := drawInitialEnsemble(inv.priors, nEns, seed)

	proc, err := process.NewEKI(initial, inv.y, inv.gammaY)
	if err != nil {
		return nil, fmt.Errorf("ensemble inversion: %w", err)
	}
	inv.process = proc
	logrus.Infof("ensemble inversion ready: %d parameters, %d members, %d observations",
		len(inv.priors), nEns, inv.y.Len())
	return inv, nil
}

// UnscentedConfig parameterizes NewUnscentedKalmanInversion. Zero-value
// PriorMean/PriorCov default to the converted priors' moments.
type UnscentedConfig struct {
	PriorMean  []float64     // unconstrained prior mean (optional)
	PriorCov   *mat.SymDense // unconstrained prior covariance (optional)
	AlphaReg   float64       // regularization in (0, 1]
	UpdateFreq int           // 0 = sensitivity-only mode, > 0 = identifiable mode
}

// NewUnscentedKalmanInversion constructs a UKI run. No initial ensemble is
// drawn; the unscented process generates its own deterministic sigma points.
func NewUnscentedKalmanInversion(problem InverseProblem, noise NoiseSpec, cfg UnscentedConfig) (*Inversion, error) {
	inv, err := newInversion(problem, noise)
	if err != nil {
		return nil, err
	}

	priorMean := cfg.PriorMean
	if priorMean == nil {
		priorMean = make([]float64, len(inv.priors))
		for i, p := range inv.priors {
			priorMean[i] = p.Mean
		}
	}
	if len(priorMean) != len(inv.priors) {
		return nil, fmt.Errorf("unscented inversion: prior mean has %d entries, want %d", len(priorMean), len(inv.priors))
	}
	priorCov := cfg.PriorCov
	if priorCov == nil {
		priorCov = mat.NewSymDense(len(inv.priors), nil)
		for i, p := range inv.priors {
			priorCov.SetSym(i, i, p.Std*p.Std)
		}
	}

	proc, err := process.NewUKI(inv.y, inv.gammaY, process.UKIConfig{
		PriorMean:  priorMean,
		PriorCov:   priorCov,
		AlphaReg:   cfg.AlphaReg,
		UpdateFreq: cfg.UpdateFreq,
	})
	if err != nil {
		return nil, fmt.Errorf("unscented inversion: %w", err)
	}
	inv.process = proc
	logrus.Infof("unscented inversion ready: %d parameters, %d sigma points, %d observations",
		len(inv.priors), 2*len(inv.priors)+1, inv.y.Len())
	return inv, nil
}

// newInversion performs the construction steps shared by both variants.
func newInversion(problem InverseProblem, noise NoiseSpec) (*Inversion, error) {
	free := problem.FreeParameters()
	if len(free) == 0 {
		return nil, fmt.Errorf("inversion: problem has no free parameters")
	}
	names := make([]string, len(free))
	priors := make([]Prior, len(free))
	for i, fp := range free {
		names[i] = fp.Name
		priors[i] = fp.Prior
	}

	y := flattenObservations(problem.ObservationMap())
	gammaY, err := noise.Build(y.Len())
	if err != nil {
		return nil, fmt.Errorf("inversion: building noise covariance: %w", err)
	}

	inv := &Inversion{
		problem: problem,
		names:   names,
		priors:  priors,
		y:       y,
		gammaY:  gammaY,
		dropped: make(map[int]struct{}),
	}
	inv.forward = newForwardMap(problem, names, priors, y.Len())
	return inv, nil
}

// drawInitialEnsemble samples one independent unconstrained normal per
// parameter dimension from a fixed seed.
func drawInitialEnsemble(priors []Prior, nEns int, seed uint64) *mat.Dense {
	src := rand.NewPCG(seed, seed)
	ensemble := mat.NewDense(len(priors), nEns, nil)
	for i, p := range priors {
		latent := ConvertPrior(p)
		dist := distuv.Normal{Mu: latent.Mean, Sigma: latent.Std, Src: src}
		for j := 0; j < nEns; j++ {
			ensemble.Set(i, j, dist.Rand())
		}
	}
	return ensemble
}

// Iteration returns the completed iteration count.
func (inv *Inversion) Iteration() int { return inv.iteration }

// IterationSummaries returns the recorded per-iteration snapshots in order.
func (inv *Inversion) IterationSummaries() []*IterationSummary {
	return inv.summaries
}

// Observations returns a copy of the flattened observation vector.
func (inv *Inversion) Observations() *mat.VecDense {
	return mat.VecDenseCopyOf(inv.y)
}

// ParameterNames returns the ordered free-parameter names.
func (inv *Inversion) ParameterNames() []string {
	return append([]string(nil), inv.names...)
}

// DroppedMembers returns the dropped ensemble-member indices in ascending
// order.
func (inv *Inversion) DroppedMembers() []int {
	out := make([]int, 0, len(inv.dropped))
	for i := range inv.dropped {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Iterate runs the given number of calibration iterations in strict
// sequence. Each iteration evaluates the forward map on the current
// ensemble, records a summary, and pushes the outputs into the ensemble
// process. A failed forward map or update aborts the whole call without
// recording a partial summary.
func (inv *Inversion) Iterate(iterations int) error {
	if iterations < 0 {
		return fmt.Errorf("iterate: iteration count must be >= 0, got %d", iterations)
	}
	target := inv.iteration + iterations
	for step := inv.iteration + 1; step <= target; step++ {
		theta := inv.process.Ensemble()
		outputs, err := inv.forward(theta)
		if err != nil {
			return fmt.Errorf("iterate: iteration %d: %w", step, err)
		}
		summary := NewIterationSummary(theta, outputs, inv.y)
		if err := inv.process.Update(outputs); err != nil {
			return fmt.Errorf("iterate: iteration %d: %w", step, err)
		}

		inv.iteration = step
		inv.summaries = append(inv.summaries, summary)
		best, bestErr := summary.BestMember()
		logrus.Infof("iteration %d: mean error %.6g, best member %d (%.6g)",
			step, summary.MeanError(), best, bestErr)
	}
	return nil
}

// DropEnsembleMember removes a degenerate member from the most recent
// iteration's ensemble and rebuilds the ensemble process from the reduced
// ensemble with the same observations and noise covariance. Dropping an
// already-dropped or out-of-range index is a configuration error and leaves
// the state untouched. Only valid for the ensemble variant; the unscented
// process owns its sigma points.
func (inv *Inversion) DropEnsembleMember(index int) error {
	if _, ok := inv.process.(process.Trajectories); ok {
		return fmt.Errorf("drop member: unscented inversion has no droppable ensemble members")
	}
	if len(inv.summaries) == 0 {
		return fmt.Errorf("drop member: no iterations recorded yet")
	}
	if _, ok := inv.dropped[index]; ok {
		return fmt.Errorf("drop member: member %d already dropped", index)
	}
	last := inv.summaries[len(inv.summaries)-1]
	if index < 0 || index >= last.EnsembleSize() {
		return fmt.Errorf("drop member: member %d out of range [0, %d)", index, last.EnsembleSize())
	}

	reduced := last.withoutMember(index)
	proc, err := process.NewEKI(reduced.Parameters, inv.y, inv.gammaY)
	if err != nil {
		return fmt.Errorf("drop member: rebuilding ensemble process: %w", err)
	}

	inv.summaries[len(inv.summaries)-1] = reduced
	inv.process = proc
	inv.dropped[index] = struct{}{}
	logrus.Warnf("dropped ensemble member %d, %d members remain", index, reduced.EnsembleSize())
	return nil
}

// UnscentedResults is the physical-space view of a UKI trajectory.
type UnscentedResults struct {
	// Means holds one physical-space mean column per recorded iteration
	// (n_params x n_iterations).
	Means *mat.Dense
	// Covariances holds the physical-space covariance per iteration.
	Covariances []*mat.Dense
	// Stds holds per-parameter standard deviations, parallel to Means.
	Stds *mat.Dense
	// Errors is the raw error history from the unscented process.
	Errors []float64
}

// UnscentedPostprocess maps the recorded unconstrained mean/covariance
// trajectory of a UKI run into physical space. Fails on an EKI-variant
// state, which records no such trajectory.
func (inv *Inversion) UnscentedPostprocess() (*UnscentedResults, error) {
	traj, ok := inv.process.(process.Trajectories)
	if !ok {
		return nil, fmt.Errorf("unscented postprocess: inversion is not the unscented variant")
	}

	means := traj.MeanHistory()
	covs := traj.CovHistory()
	nParams := len(inv.priors)
	nIter := len(means)

	physMeans := mat.NewDense(nParams, nIter, nil)
	physStds := mat.NewDense(nParams, nIter, nil)
	physCovs := make([]*mat.Dense, nIter)
	for k, m := range means {
		raw := make([]float64, nParams)
		for i, p := range inv.priors {
			phys, err := InverseTransform(p, m.AtVec(i))
			if err != nil {
				return nil, fmt.Errorf("unscented postprocess: iteration %d: %w", k, err)
			}
			raw[i] = m.AtVec(i)
			physMeans.Set(i, k, phys)
		}
		cov, err := InverseCovarianceTransform(inv.priors, raw, covs[k])
		if err != nil {
			return nil, fmt.Errorf("unscented postprocess: iteration %d: %w", k, err)
		}
		physCovs[k] = cov
		for i := 0; i < nParams; i++ {
			physStds.Set(i, k, math.Sqrt(cov.At(i, i)))
		}
	}

	return &UnscentedResults{
		Means:       physMeans,
		Covariances: physCovs,
		Stds:        physStds,
		Errors:      traj.ErrorHistory(),
	}, nil
}
