package loss

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Simulation is the external forward-model collaborator. It advances a batch
// of ensemble members through every scenario and exposes the current field
// columns, one column per member.
type Simulation interface {
	// InitializeForwardRun resets the simulation for a new parameter batch.
	// firstTargets holds, per scenario, the index of the first comparison
	// snapshot.
	InitializeForwardRun(parameters *mat.Dense, firstTargets []int) error
	// AdvanceTo steps the given scenario forward to the observation time t.
	AdvanceTo(scenario int, t float64) error
	// FieldColumns returns the current (n_z x n_members) values of a field
	// for the given scenario.
	FieldColumns(scenario int, f Field) (*mat.Dense, error)
}

// ProfileKind selects how a simulated column is compared to an observed one.
type ProfileKind int

const (
	// ProfileValue scores the mean squared residual over the column.
	ProfileValue ProfileKind = iota
	// ProfileValueGradient additionally scores the weighted mean squared
	// residual of interior first differences.
	ProfileValueGradient
)

// Config parameterizes engine construction. Zero values take defaults:
// uniform relative weights, unit data weights, value-only profiles, and a
// time-mean analysis.
type Config struct {
	RelativeWeights FieldWeights // per-field relative weight
	DataWeights     []float64    // per-scenario weight, parallel to scenarios
	Profile         ProfileKind
	GradientWeight  float64 // weight of the gradient term, default 1
	// TimeAnalysis reduces one member's accumulated discrepancy series to a
	// scalar. Defaults to the time mean.
	TimeAnalysis func(series []float64) float64
}

// Engine evaluates simulation-vs-observation discrepancy over a scenario
// batch. Built once per batch; only the accumulators mutate during an
// evaluation pass. Not safe for concurrent use.
type Engine struct {
	scenarios    []*Scenario
	dt           float64
	firstTargets []int
	steps        []int // comparison snapshot count per scenario
	maxSteps     int
	weights      []FieldWeights // combined per-scenario, per-field weights
	cfg          Config

	accumulators []*mat.Dense // per scenario, n_members x steps
}

const dtTolerance = 1e-9

// NewEngine validates the scenario batch and precomputes target indices and
// field weights. Non-uniform time steps within a scenario, or differing time
// steps across scenarios, are configuration errors.
func NewEngine(scenarios []*Scenario, cfg Config) (*Engine, error) {
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("loss engine: scenario batch is empty")
	}
	if cfg.DataWeights != nil && len(cfg.DataWeights) != len(scenarios) {
		return nil, fmt.Errorf("loss engine: %d data weights for %d scenarios", len(cfg.DataWeights), len(scenarios))
	}
	if cfg.RelativeWeights == (FieldWeights{}) {
		cfg.RelativeWeights = UniformWeights(1)
	}
	if cfg.GradientWeight == 0 {
		cfg.GradientWeight = 1
	}
	if cfg.TimeAnalysis == nil {
		cfg.TimeAnalysis = func(series []float64) float64 { return stat.Mean(series, nil) }
	}

	e := &Engine{
		scenarios:    scenarios,
		firstTargets: make([]int, len(scenarios)),
		steps:        make([]int, len(scenarios)),
		weights:      make([]FieldWeights, len(scenarios)),
		cfg:          cfg,
	}

	for s, sc := range scenarios {
		dt, err := uniformTimeStep(sc)
		if err != nil {
			return nil, fmt.Errorf("loss engine: scenario %q: %w", sc.Name, err)
		}
		if s == 0 {
			e.dt = dt
		} else if math.Abs(dt-e.dt) > dtTolerance*math.Max(math.Abs(e.dt), 1) {
			return nil, fmt.Errorf("loss engine: scenario %q time step %g differs from batch time step %g", sc.Name, dt, e.dt)
		}

		ft := sc.firstTarget()
		if ft >= len(sc.Times) {
			return nil, fmt.Errorf("loss engine: scenario %q first target %d beyond %d snapshots", sc.Name, ft, len(sc.Times))
		}
		e.firstTargets[s] = ft
		e.steps[s] = len(sc.Times) - ft
		if e.steps[s] > e.maxSteps {
			e.maxSteps = e.steps[s]
		}

		if err := validateFields(sc); err != nil {
			return nil, fmt.Errorf("loss engine: scenario %q: %w", sc.Name, err)
		}

		dataWeight := 1.0
		if cfg.DataWeights != nil {
			dataWeight = cfg.DataWeights[s]
		}
		for _, f := range AllFields() {
			if !sc.HasField(f) {
				continue
			}
			w := cfg.RelativeWeights.Get(f) * estimateFieldWeight(sc, f, ft) * dataWeight
			e.weights[s].set(f, w)
		}
	}

	logrus.Debugf("loss engine ready: %d scenarios, dt=%g, max %d comparison steps",
		len(scenarios), e.dt, e.maxSteps)
	return e, nil
}

// uniformTimeStep returns the scenario's time step, erroring on fewer than
// two snapshots or non-uniform spacing.
func uniformTimeStep(sc *Scenario) (float64, error) {
	if len(sc.Times) < 2 {
		return 0, fmt.Errorf("need at least 2 snapshots, got %d", len(sc.Times))
	}
	dt := sc.Times[1] - sc.Times[0]
	if dt <= 0 {
		return 0, fmt.Errorf("snapshot times must be strictly increasing")
	}
	for i := 2; i < len(sc.Times); i++ {
		step := sc.Times[i] - sc.Times[i-1]
		if math.Abs(step-dt) > dtTolerance*math.Max(math.Abs(dt), 1) {
			return 0, fmt.Errorf("non-uniform time step at snapshot %d: %g vs %g", i, step, dt)
		}
	}
	return dt, nil
}

// validateFields checks that every present field has one column per snapshot
// and a consistent column height.
func validateFields(sc *Scenario) error {
	for _, f := range AllFields() {
		data := sc.fieldData(f)
		if data == nil {
			continue
		}
		if len(data) != len(sc.Times) {
			return fmt.Errorf("field %v has %d columns for %d snapshots", f, len(data), len(sc.Times))
		}
		height := len(data[0])
		if height == 0 {
			return fmt.Errorf("field %v has empty columns", f)
		}
		for t, col := range data {
			if len(col) != height {
				return fmt.Errorf("field %v column %d has %d points, want %d", f, t, len(col), height)
			}
		}
	}
	return nil
}

// estimateFieldWeight normalizes a field's contribution by its observed
// magnitude over the comparison window, so fields of different physical
// units are commensurable.
func estimateFieldWeight(sc *Scenario, f Field, firstTarget int) float64 {
	data := sc.fieldData(f)
	sum := 0.0
	count := 0
	for t := firstTarget; t < len(data); t++ {
		for _, v := range data[t] {
			sum += v * v
			count++
		}
	}
	if count == 0 || sum == 0 {
		return 1
	}
	return float64(count) / sum
}

// Evaluate runs one discrepancy pass: it initializes the forward run for the
// parameter batch, advances every scenario through its comparison snapshots,
// and fills the per-scenario accumulators with field-weighted discrepancies.
// Non-finite discrepancies are clamped to +Inf so they are penalized
// maximally instead of poisoning the accumulator with NaN.
func (e *Engine) Evaluate(sim Simulation, parameters *mat.Dense) error {
	_, nMembers := parameters.Dims()
	if nMembers == 0 {
		return fmt.Errorf("loss evaluate: empty parameter batch")
	}
	if err := sim.InitializeForwardRun(parameters, append([]int(nil), e.firstTargets...)); err != nil {
		return fmt.Errorf("loss evaluate: initializing forward run: %w", err)
	}

	e.accumulators = make([]*mat.Dense, len(e.scenarios))
	for s := range e.scenarios {
		e.accumulators[s] = mat.NewDense(nMembers, e.steps[s], nil)
	}

	for step := 0; step < e.maxSteps; step++ {
		for s, sc := range e.scenarios {
			if step >= e.steps[s] {
				// Shorter scenarios stop accumulating early.
				continue
			}
			t := sc.Times[e.firstTargets[s]+step]
			if err := sim.AdvanceTo(s, t); err != nil {
				return fmt.Errorf("loss evaluate: scenario %q at t=%g: %w", sc.Name, t, err)
			}

			totals := make([]float64, nMembers)
			for _, f := range AllFields() {
				w := e.weights[s].Get(f)
				if w == 0 {
					continue
				}
				cols, err := sim.FieldColumns(s, f)
				if err != nil {
					return fmt.Errorf("loss evaluate: scenario %q field %v: %w", sc.Name, f, err)
				}
				obs := sc.fieldData(f)[e.firstTargets[s]+step]
				r, c := cols.Dims()
				if r != len(obs) || c != nMembers {
					return fmt.Errorf("loss evaluate: scenario %q field %v: simulation returned %dx%d columns, want %dx%d",
						sc.Name, f, r, c, len(obs), nMembers)
				}
				for j := 0; j < nMembers; j++ {
					d := e.profileDiscrepancy(cols.ColView(j), obs)
					if math.IsNaN(d) || math.IsInf(d, 0) {
						logrus.Warnf("non-finite discrepancy in scenario %q field %v member %d, clamping to +Inf", sc.Name, f, j)
						d = math.Inf(1)
					}
					totals[j] += w * d
				}
			}
			for j := 0; j < nMembers; j++ {
				e.accumulators[s].Set(j, step, totals[j])
			}
		}
	}
	return nil
}

// profileDiscrepancy compares one simulated column against an observed one.
func (e *Engine) profileDiscrepancy(sim mat.Vector, obs []float64) float64 {
	n := len(obs)
	sum := 0.0
	for i := 0; i < n; i++ {
		r := sim.AtVec(i) - obs[i]
		sum += r * r
	}
	d := sum / float64(n)

	if e.cfg.Profile == ProfileValueGradient && n >= 3 {
		// Interior first differences only; the boundary-adjacent
		// differences are excluded.
		gsum := 0.0
		count := 0
		for i := 1; i < n-1; i++ {
			ds := sim.AtVec(i+1) - sim.AtVec(i)
			do := obs[i+1] - obs[i]
			gsum += (ds - do) * (ds - do)
			count++
		}
		d += e.cfg.GradientWeight * gsum / float64(count)
	}
	return d
}

// Accumulator returns the (n_members x steps) discrepancy series filled by
// the last Evaluate for one scenario.
func (e *Engine) Accumulator(scenario int) *mat.Dense {
	return e.accumulators[scenario]
}

// Loss evaluates the batch and reduces each member's accumulated series to a
// single scalar: the sum over scenarios of the time-analysis value,
// normalized by the ensemble size.
func (e *Engine) Loss(sim Simulation, parameters *mat.Dense) ([]float64, error) {
	if err := e.Evaluate(sim, parameters); err != nil {
		return nil, err
	}
	_, nMembers := parameters.Dims()
	out := make([]float64, nMembers)
	for j := 0; j < nMembers; j++ {
		total := 0.0
		for s := range e.scenarios {
			series := mat.Row(nil, j, e.accumulators[s])
			total += e.cfg.TimeAnalysis(series)
		}
		out[j] = total / float64(nMembers)
	}
	return out, nil
}
