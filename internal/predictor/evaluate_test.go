package predictor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"load_projection/internal/model"
)

func TestEvaluate_Statistics(t *testing.T) {
	pred := model.Series{ID: "R", Start: base, Values: []float64{110, 190, 300, 400}}
	obs := model.Series{ID: "R", Start: base, Values: []float64{100, 200, 300, 400}}

	rec, err := Evaluate(pred, obs)
	require.NoError(t, err)

	assert.Equal(t, model.RegionID("R"), rec.Region)
	assert.Equal(t, 4, rec.N)
	assert.InDelta(t, 250.0, rec.MeanObserved, 1e-9)
	assert.InDelta(t, math.Sqrt(200.0/4), rec.RMSE, 1e-9)
	assert.InDelta(t, rec.RMSE/250.0, rec.NRMSE, 1e-9)
	assert.InDelta(t, (0.1+0.05)/4, rec.MAPE, 1e-9)
	// SSres = 200, SStot = 50000
	assert.InDelta(t, 1-200.0/50000.0, rec.R2, 1e-9)
}

func TestEvaluate_ZeroObservationsExcludedFromMAPE(t *testing.T) {
	pred := model.Series{ID: "R", Start: base, Values: []float64{5, 110, 0}}
	obs := model.Series{ID: "R", Start: base, Values: []float64{0, 100, 0}}

	rec, err := Evaluate(pred, obs)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.MAPEExcluded)
	assert.InDelta(t, 0.1, rec.MAPE, 1e-9)
	assert.False(t, math.IsInf(rec.MAPE, 0))
	assert.False(t, math.IsNaN(rec.NRMSE))
}

func TestEvaluate_SkipsMissingObservations(t *testing.T) {
	pred := model.Series{ID: "R", Start: base, Values: []float64{1, 2, 3}}
	obs := model.Series{ID: "R", Start: base, Values: []float64{1, math.NaN(), 3}}

	rec, err := Evaluate(pred, obs)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.N)
	assert.Equal(t, 0.0, rec.RMSE)
	assert.InDelta(t, 1.0, rec.R2, 1e-12)
}

func TestEvaluate_ConstantObservations(t *testing.T) {
	pred := model.Series{ID: "R", Start: base, Values: []float64{1, 2}}
	obs := model.Series{ID: "R", Start: base, Values: []float64{0, 0}}

	rec, err := Evaluate(pred, obs)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.R2)
	assert.Equal(t, 0.0, rec.NRMSE)
	assert.Equal(t, 0.0, rec.MAPE)
}

func TestEvaluate_Misaligned(t *testing.T) {
	pred := model.Series{ID: "R", Start: base, Values: []float64{1, 2}}
	obs := model.Series{ID: "R", Start: base, Values: []float64{1}}

	_, err := Evaluate(pred, obs)
	assert.ErrorIs(t, err, model.ErrMisaligned)
}
