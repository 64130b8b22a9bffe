package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newTestUKI(t *testing.T, alphaReg float64, updateFreq int) *UKI {
	t.Helper()
	y := mat.NewVecDense(2, []float64{1.0, 2.0})
	uki, err := NewUKI(y, identityNoise(2, 0.05), UKIConfig{
		PriorMean:  []float64{0, 0},
		PriorCov:   mat.NewSymDense(2, []float64{1, 0, 0, 1}),
		AlphaReg:   alphaReg,
		UpdateFreq: updateFreq,
	})
	require.NoError(t, err)
	return uki
}

func TestNewUKI_Validation(t *testing.T) {
	y := mat.NewVecDense(2, nil)
	gamma := identityNoise(2, 0.1)
	cov := mat.NewSymDense(1, []float64{1})

	cases := []struct {
		name string
		cfg  UKIConfig
	}{
		{"empty prior mean", UKIConfig{PriorCov: cov, AlphaReg: 1}},
		{"cov size mismatch", UKIConfig{PriorMean: []float64{0, 0}, PriorCov: cov, AlphaReg: 1}},
		{"alpha too small", UKIConfig{PriorMean: []float64{0}, PriorCov: cov, AlphaReg: 0}},
		{"alpha too large", UKIConfig{PriorMean: []float64{0}, PriorCov: cov, AlphaReg: 1.1}},
		{"negative update freq", UKIConfig{PriorMean: []float64{0}, PriorCov: cov, AlphaReg: 1, UpdateFreq: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewUKI(y, gamma, tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestUKI_SigmaPointCountAndMean(t *testing.T) {
	uki := newTestUKI(t, 1.0, 1)

	sigma := uki.Ensemble()
	rows, cols := sigma.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 5, cols, "2p+1 sigma points for p=2")

	// Symmetric points cancel: the plain average equals the prior mean.
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sum += sigma.At(i, j)
		}
		assert.InDelta(t, 0.0, sum/float64(cols), 1e-12)
	}
}

func TestUKI_EnsembleReturnsCopy(t *testing.T) {
	uki := newTestUKI(t, 1.0, 1)
	sigma := uki.Ensemble()
	orig := sigma.At(0, 0)
	sigma.Set(0, 0, 42)
	assert.Equal(t, orig, uki.Ensemble().At(0, 0))
}

// identityOutputs applies the identity forward map to the sigma points.
func identityOutputs(uki *UKI) *mat.Dense {
	return uki.Ensemble()
}

func TestUKI_UpdateRecordsTrajectories(t *testing.T) {
	uki := newTestUKI(t, 1.0, 1)

	require.NoError(t, uki.Update(identityOutputs(uki)))
	require.NoError(t, uki.Update(identityOutputs(uki)))

	assert.Len(t, uki.MeanHistory(), 3, "prior plus two updates")
	assert.Len(t, uki.CovHistory(), 3)
	assert.Len(t, uki.ErrorHistory(), 2)
}

func TestUKI_ConvergesOnIdentityMap(t *testing.T) {
	// Identity map, observations (1, 2): the mean should approach y.
	uki := newTestUKI(t, 1.0, 1)
	for i := 0; i < 5; i++ {
		require.NoError(t, uki.Update(identityOutputs(uki)))
	}

	means := uki.MeanHistory()
	final := means[len(means)-1]
	assert.InDelta(t, 1.0, final.AtVec(0), 0.1)
	assert.InDelta(t, 2.0, final.AtVec(1), 0.1)

	// The observation misfit should shrink across updates.
	errs := uki.ErrorHistory()
	assert.Less(t, errs[len(errs)-1], errs[0])
}

func TestUKI_RegularizationPullsTowardPrior(t *testing.T) {
	// With alpha < 1 the prediction step shrinks toward the prior mean, so
	// the converged mean sits between the prior (0) and the data.
	strong := newTestUKI(t, 0.5, 1)
	weak := newTestUKI(t, 1.0, 1)
	for i := 0; i < 5; i++ {
		require.NoError(t, strong.Update(identityOutputs(strong)))
		require.NoError(t, weak.Update(identityOutputs(weak)))
	}

	sm := strong.MeanHistory()
	wm := weak.MeanHistory()
	sFinal := sm[len(sm)-1].AtVec(1)
	wFinal := wm[len(wm)-1].AtVec(1)
	assert.Less(t, sFinal, wFinal, "stronger regularization keeps the mean closer to the prior")
}

func TestUKI_UpdateDimensionMismatch(t *testing.T) {
	uki := newTestUKI(t, 1.0, 1)
	assert.Error(t, uki.Update(mat.NewDense(2, 4, nil)))
	assert.Error(t, uki.Update(mat.NewDense(3, 5, nil)))
}

func TestUKI_HistoryAccessorsReturnCopies(t *testing.T) {
	uki := newTestUKI(t, 1.0, 1)
	require.NoError(t, uki.Update(identityOutputs(uki)))

	means := uki.MeanHistory()
	means[0].SetVec(0, 123)
	assert.Equal(t, 0.0, uki.MeanHistory()[0].AtVec(0))
}
