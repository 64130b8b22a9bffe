package loss

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// replaySimulation is a perfect model: it serves back the observed columns
// of its scenarios, optionally with an additive offset or a NaN injected at
// one grid point.
type replaySimulation struct {
	scenarios []*Scenario
	nMembers  int
	times     []float64 // current time per scenario

	offset   float64
	nanAt    int // grid index to poison, -1 = none
	nanField Field

	initialized bool
}

func newReplaySimulation(scenarios []*Scenario) *replaySimulation {
	return &replaySimulation{scenarios: scenarios, nanAt: -1}
}

func (r *replaySimulation) InitializeForwardRun(parameters *mat.Dense, firstTargets []int) error {
	_, r.nMembers = parameters.Dims()
	r.times = make([]float64, len(r.scenarios))
	r.initialized = true
	return nil
}

func (r *replaySimulation) AdvanceTo(scenario int, t float64) error {
	if !r.initialized {
		return fmt.Errorf("forward run not initialized")
	}
	r.times[scenario] = t
	return nil
}

func (r *replaySimulation) FieldColumns(scenario int, f Field) (*mat.Dense, error) {
	sc := r.scenarios[scenario]
	data := sc.fieldData(f)
	if data == nil {
		return nil, fmt.Errorf("scenario %d has no field %v", scenario, f)
	}
	idx := -1
	for i, t := range sc.Times {
		if t == r.times[scenario] {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("scenario %d has no snapshot at t=%g", scenario, r.times[scenario])
	}
	col := data[idx]
	out := mat.NewDense(len(col), r.nMembers, nil)
	for i, v := range col {
		value := v + r.offset
		if i == r.nanAt && f == r.nanField {
			value = math.NaN()
		}
		for j := 0; j < r.nMembers; j++ {
			out.Set(i, j, value)
		}
	}
	return out, nil
}

func twoScenarios() []*Scenario {
	return []*Scenario{
		{
			Name:  "short",
			Times: []float64{0, 1, 2},
			U:     [][]float64{{1, 2, 3}, {1.1, 2.1, 3.1}, {1.2, 2.2, 3.2}},
			B:     [][]float64{{0.1, 0.2, 0.3}, {0.1, 0.2, 0.3}, {0.1, 0.2, 0.3}},
		},
		{
			Name:  "long",
			Times: []float64{0, 1, 2, 3, 4},
			U: [][]float64{
				{2, 3, 4}, {2.1, 3.1, 4.1}, {2.2, 3.2, 4.2}, {2.3, 3.3, 4.3}, {2.4, 3.4, 4.4},
			},
		},
	}
}

func params(nMembers int) *mat.Dense {
	return mat.NewDense(2, nMembers, nil)
}

func TestNewEngine_Validation(t *testing.T) {
	t.Run("empty batch", func(t *testing.T) {
		_, err := NewEngine(nil, Config{})
		assert.Error(t, err)
	})

	t.Run("non-uniform time step", func(t *testing.T) {
		sc := &Scenario{Times: []float64{0, 1, 3}, U: [][]float64{{1}, {1}, {1}}}
		_, err := NewEngine([]*Scenario{sc}, Config{})
		assert.Error(t, err)
	})

	t.Run("mismatched time steps across scenarios", func(t *testing.T) {
		a := &Scenario{Name: "a", Times: []float64{0, 1}, U: [][]float64{{1}, {1}}}
		b := &Scenario{Name: "b", Times: []float64{0, 0.5}, U: [][]float64{{1}, {1}}}
		_, err := NewEngine([]*Scenario{a, b}, Config{})
		assert.Error(t, err)
	})

	t.Run("too few snapshots", func(t *testing.T) {
		sc := &Scenario{Times: []float64{0}, U: [][]float64{{1}}}
		_, err := NewEngine([]*Scenario{sc}, Config{})
		assert.Error(t, err)
	})

	t.Run("field column count mismatch", func(t *testing.T) {
		sc := &Scenario{Times: []float64{0, 1}, U: [][]float64{{1}}}
		_, err := NewEngine([]*Scenario{sc}, Config{})
		assert.Error(t, err)
	})

	t.Run("ragged field columns", func(t *testing.T) {
		sc := &Scenario{Times: []float64{0, 1}, U: [][]float64{{1, 2}, {1}}}
		_, err := NewEngine([]*Scenario{sc}, Config{})
		assert.Error(t, err)
	})

	t.Run("data weight count mismatch", func(t *testing.T) {
		sc := &Scenario{Times: []float64{0, 1}, U: [][]float64{{1}, {1}}}
		_, err := NewEngine([]*Scenario{sc}, Config{DataWeights: []float64{1, 2}})
		assert.Error(t, err)
	})
}

func TestEvaluate_PerfectModelIsZero(t *testing.T) {
	// GIVEN two scenarios and a simulation that reproduces them exactly
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{})
	require.NoError(t, err)
	sim := newReplaySimulation(scenarios)

	// WHEN evaluating
	require.NoError(t, engine.Evaluate(sim, params(3)))

	// THEN every accumulated discrepancy is exactly 0
	for s := range scenarios {
		acc := engine.Accumulator(s)
		rows, cols := acc.Dims()
		for j := 0; j < rows; j++ {
			for k := 0; k < cols; k++ {
				assert.Equal(t, 0.0, acc.At(j, k), "scenario %d member %d step %d", s, j, k)
			}
		}
	}
}

func TestEvaluate_ShorterScenarioStopsEarly(t *testing.T) {
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{})
	require.NoError(t, err)
	sim := newReplaySimulation(scenarios)
	require.NoError(t, engine.Evaluate(sim, params(2)))

	// short: 3 snapshots, first target 1 -> 2 comparison steps
	_, shortSteps := engine.Accumulator(0).Dims()
	assert.Equal(t, 2, shortSteps)
	// long: 5 snapshots -> 4 comparison steps
	_, longSteps := engine.Accumulator(1).Dims()
	assert.Equal(t, 4, longSteps)
}

func TestEvaluate_NaNBecomesPositiveInfinity(t *testing.T) {
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{})
	require.NoError(t, err)

	// GIVEN a simulation that produces NaN at one grid point of field U
	sim := newReplaySimulation(scenarios)
	sim.nanAt = 1
	sim.nanField = FieldU

	// WHEN evaluating
	require.NoError(t, engine.Evaluate(sim, params(2)))

	// THEN the poisoned steps accumulate +Inf, never NaN
	acc := engine.Accumulator(0)
	rows, cols := acc.Dims()
	for j := 0; j < rows; j++ {
		for k := 0; k < cols; k++ {
			v := acc.At(j, k)
			assert.False(t, math.IsNaN(v))
			assert.True(t, math.IsInf(v, 1), "member %d step %d: got %g", j, k, v)
		}
	}
}

func TestEvaluate_OffsetModelScoresPositive(t *testing.T) {
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{})
	require.NoError(t, err)
	sim := newReplaySimulation(scenarios)
	sim.offset = 0.5

	require.NoError(t, engine.Evaluate(sim, params(2)))

	acc := engine.Accumulator(0)
	rows, cols := acc.Dims()
	for j := 0; j < rows; j++ {
		for k := 0; k < cols; k++ {
			assert.Greater(t, acc.At(j, k), 0.0)
		}
	}
}

func TestEvaluate_AbsentFieldContributesNothing(t *testing.T) {
	// Scenario "long" has no B field; a B-only weighting leaves it at zero
	// even for an imperfect model.
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{
		RelativeWeights: FieldWeights{B: 1},
	})
	require.NoError(t, err)
	sim := newReplaySimulation(scenarios)
	sim.offset = 0.5

	require.NoError(t, engine.Evaluate(sim, params(2)))

	acc := engine.Accumulator(1)
	_, cols := acc.Dims()
	for k := 0; k < cols; k++ {
		assert.Equal(t, 0.0, acc.At(0, k))
	}
}

func TestProfileGradient_AddsFirstDifferenceResidual(t *testing.T) {
	valueOnly := &Engine{cfg: Config{Profile: ProfileValue}}
	withGrad := &Engine{cfg: Config{Profile: ProfileValueGradient, GradientWeight: 2}}

	// Simulated column has the right values shifted by a constant, so the
	// gradient term sees no residual; then a slope mismatch adds one.
	obs := []float64{1, 2, 3, 4}
	shifted := mat.NewVecDense(4, []float64{1.5, 2.5, 3.5, 4.5})
	assert.InDelta(t, 0.25, valueOnly.profileDiscrepancy(shifted, obs), 1e-15)
	assert.InDelta(t, 0.25, withGrad.profileDiscrepancy(shifted, obs), 1e-15,
		"constant shift has zero gradient residual")

	sloped := mat.NewVecDense(4, []float64{1, 3, 5, 7})
	// value term: (0^2 + 1^2 + 2^2 + 3^2)/4 = 3.5
	assert.InDelta(t, 3.5, valueOnly.profileDiscrepancy(sloped, obs), 1e-15)
	// gradient term: each interior difference is 2 vs 1 -> squared
	// residual 1, mean 1, weighted by 2.
	assert.InDelta(t, 3.5+2.0, withGrad.profileDiscrepancy(sloped, obs), 1e-15)
}

func TestLoss_PerfectModelIsZeroPerMember(t *testing.T) {
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{})
	require.NoError(t, err)
	sim := newReplaySimulation(scenarios)

	losses, err := engine.Loss(sim, params(3))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, losses)
}

func TestLoss_OffsetModelIsPositiveAndUniform(t *testing.T) {
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{})
	require.NoError(t, err)
	sim := newReplaySimulation(scenarios)
	sim.offset = 1.0

	losses, err := engine.Loss(sim, params(4))
	require.NoError(t, err)
	require.Len(t, losses, 4)
	for j, l := range losses {
		assert.Greater(t, l, 0.0, "member %d", j)
		assert.InDelta(t, losses[0], l, 1e-15, "identical members score identically")
	}
}

func TestEvaluate_InitializationErrorAborts(t *testing.T) {
	scenarios := twoScenarios()
	engine, err := NewEngine(scenarios, Config{})
	require.NoError(t, err)

	sim := &failingSimulation{}
	assert.Error(t, engine.Evaluate(sim, params(2)))
}

type failingSimulation struct{}

func (f *failingSimulation) InitializeForwardRun(*mat.Dense, []int) error {
	return fmt.Errorf("backend unavailable")
}
func (f *failingSimulation) AdvanceTo(int, float64) error { return nil }
func (f *failingSimulation) FieldColumns(int, Field) (*mat.Dense, error) {
	return nil, fmt.Errorf("no fields")
}
