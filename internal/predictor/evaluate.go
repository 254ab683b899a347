package predictor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"load_projection/internal/model"
)

// zeroLoad is the magnitude below which an observation is excluded from MAPE.
const zeroLoad = 1e-9

// Evaluate compares a predicted series to observed demand over the same hours.
// Hours whose observation is NaN are skipped.
func Evaluate(predicted, observed model.Series) (model.ValidationRecord, error) {
	rec := model.ValidationRecord{Region: model.RegionID(predicted.ID)}
	if !predicted.Aligned(observed) {
		return rec, fmt.Errorf("%w: predicted %s+%dh vs observed %s+%dh", model.ErrMisaligned,
			predicted.Start.Format("2006-01-02T15"), predicted.Len(), observed.Start.Format("2006-01-02T15"), observed.Len())
	}

	var est, obs []float64
	for i, o := range observed.Values {
		p := predicted.Values[i]
		if math.IsNaN(o) || math.IsNaN(p) {
			continue
		}
		est = append(est, p)
		obs = append(obs, o)
	}
	rec.N = len(obs)
	if rec.N == 0 {
		return rec, nil
	}

	rec.MeanObserved = stat.Mean(obs, nil)

	var sse, ape float64
	var nAPE int
	for i, o := range obs {
		d := est[i] - o
		sse += d * d
		if math.Abs(o) < zeroLoad {
			rec.MAPEExcluded++
			continue
		}
		ape += math.Abs(d / o)
		nAPE++
	}
	rec.RMSE = math.Sqrt(sse / float64(rec.N))
	if rec.MeanObserved != 0 {
		rec.NRMSE = rec.RMSE / rec.MeanObserved
	}
	if nAPE > 0 {
		rec.MAPE = ape / float64(nAPE)
	}
	if _, variance := stat.PopMeanVariance(obs, nil); variance > 0 {
		rec.R2 = stat.RSquaredFrom(est, obs, nil)
	}
	return rec, nil
}
