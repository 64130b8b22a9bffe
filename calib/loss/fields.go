// Package loss scores simulated physical-field columns against a batch of
// time-series observation scenarios, producing one scalar error per ensemble
// member. It owns scenario validation, per-field weighting, and the
// discrepancy accumulators written during an evaluation pass.
package loss

import "fmt"

// Field names one calibrated physical quantity. The set is closed and known
// at design time, so weights are stored in a fixed struct rather than a map.
type Field int

const (
	// FieldU is horizontal velocity.
	FieldU Field = iota
	// FieldV is vertical velocity.
	FieldV
	// FieldB is buoyancy.
	FieldB
	// FieldE is turbulent kinetic energy.
	FieldE
)

// AllFields returns the closed field set in fixed order.
func AllFields() []Field {
	return []Field{FieldU, FieldV, FieldB, FieldE}
}

func (f Field) String() string {
	switch f {
	case FieldU:
		return "u"
	case FieldV:
		return "v"
	case FieldB:
		return "b"
	case FieldE:
		return "e"
	default:
		return fmt.Sprintf("Field(%d)", int(f))
	}
}

// FieldWeights carries one weight per physical field.
type FieldWeights struct {
	U float64
	V float64
	B float64
	E float64
}

// UniformWeights returns equal weights for every field.
func UniformWeights(w float64) FieldWeights {
	return FieldWeights{U: w, V: w, B: w, E: w}
}

// Get returns the weight for a field.
func (w FieldWeights) Get(f Field) float64 {
	switch f {
	case FieldU:
		return w.U
	case FieldV:
		return w.V
	case FieldB:
		return w.B
	case FieldE:
		return w.E
	default:
		return 0
	}
}

func (w *FieldWeights) set(f Field, v float64) {
	switch f {
	case FieldU:
		w.U = v
	case FieldV:
		w.V = v
	case FieldB:
		w.B = v
	case FieldE:
		w.E = v
	}
}

// Scenario is one observed time series: snapshot times and, per present
// field, one spatial column per snapshot. A nil field slice means the
// scenario lacks that field and it contributes zero weight.
type Scenario struct {
	Name  string
	Times []float64
	// FirstTarget is the index of the first comparison snapshot; snapshots
	// before it (typically the initial condition) are not scored. 0 means
	// the default of 1.
	FirstTarget int

	U [][]float64
	V [][]float64
	B [][]float64
	E [][]float64
}

// HasField reports whether the scenario carries data for a field.
func (s *Scenario) HasField(f Field) bool {
	return s.fieldData(f) != nil
}

func (s *Scenario) fieldData(f Field) [][]float64 {
	switch f {
	case FieldU:
		return s.U
	case FieldV:
		return s.V
	case FieldB:
		return s.B
	case FieldE:
		return s.E
	default:
		return nil
	}
}

func (s *Scenario) firstTarget() int {
	if s.FirstTarget <= 0 {
		return 1
	}
	return s.FirstTarget
}
