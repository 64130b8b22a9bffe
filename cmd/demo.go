package cmd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/calibrate-sim/calibrate-sim/calib"
)

// decayProblem is the built-in demo inverse problem: recover the amplitude
// and rate of an exponential decay y(t) = amplitude * exp(-rate * t) from
// synthetic observations generated at the truth parameters.
type decayProblem struct {
	free  []calib.FreeParameter
	nEns  int
	times []float64
	obs   *mat.Dense
}

func newDecayProblem(cfg *CalibrationConfig) (*decayProblem, error) {
	free, err := cfg.FreeParameters()
	if err != nil {
		return nil, err
	}
	if len(free) != 2 {
		return nil, fmt.Errorf("decay demo needs exactly 2 parameters (amplitude, decay_rate), got %d", len(free))
	}
	if len(cfg.ObservationTimes) == 0 {
		return nil, fmt.Errorf("decay demo needs observation times")
	}
	if cfg.EnsembleSize < 2 {
		return nil, fmt.Errorf("decay demo needs ensemble_size >= 2, got %d", cfg.EnsembleSize)
	}

	truth := make(calib.ParameterSet, len(free))
	for _, fp := range free {
		v, ok := cfg.Truth[fp.Name]
		if !ok {
			return nil, fmt.Errorf("decay demo: truth value for %q missing", fp.Name)
		}
		truth[fp.Name] = v
	}

	p := &decayProblem{
		free:  free,
		nEns:  cfg.EnsembleSize,
		times: cfg.ObservationTimes,
	}
	p.obs = mat.NewDense(len(p.times), 1, nil)
	for i, t := range p.times {
		p.obs.Set(i, 0, p.model(truth, t))
	}
	return p, nil
}

func (p *decayProblem) model(params calib.ParameterSet, t float64) float64 {
	amplitude := params[p.free[0].Name]
	rate := params[p.free[1].Name]
	return amplitude * math.Exp(-rate*t)
}

func (p *decayProblem) FreeParameters() []calib.FreeParameter { return p.free }

func (p *decayProblem) EnsembleSize() int { return p.nEns }

func (p *decayProblem) ObservationMap() *mat.Dense { return p.obs }

func (p *decayProblem) ForwardMap(batch []calib.ParameterSet) (*mat.Dense, error) {
	out := mat.NewDense(len(p.times), len(batch), nil)
	for j, params := range batch {
		for i, t := range p.times {
			out.Set(i, j, p.model(params, t))
		}
	}
	return out, nil
}
