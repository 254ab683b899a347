package predictor

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"load_projection/internal/model"
)

// calendarWidth is the number of values EncodeCalendar produces.
const calendarWidth = 6

// EncodeCalendar converts a timestamp to cyclical hour, month and weekday features.
// Features: sin(hour), cos(hour), sin(month), cos(month), sin(weekday), cos(weekday).
func EncodeCalendar(t time.Time) []float64 {
	t = t.UTC()
	hAngle := 2 * math.Pi * float64(t.Hour()) / 24.0
	mAngle := 2 * math.Pi * float64(int(t.Month())-1) / 12.0
	dAngle := 2 * math.Pi * float64(t.Weekday()) / 7.0
	return []float64{
		math.Sin(hAngle),
		math.Cos(hAngle),
		math.Sin(mAngle),
		math.Cos(mAngle),
		math.Sin(dAngle),
		math.Cos(dAngle),
	}
}

// Normalization holds z-score parameters for each schema feature and the target,
// plus the raw training range of every feature for domain checks.
type Normalization struct {
	FeatureMean []float64 `json:"feature_mean"`
	FeatureStd  []float64 `json:"feature_std"`
	FeatureMin  []float64 `json:"feature_min"`
	FeatureMax  []float64 `json:"feature_max"`
	TargetMean  float64   `json:"target_mean"`
	TargetStd   float64   `json:"target_std"`
}

// ComputeNormalization computes population z-score parameters from raw rows.
func ComputeNormalization(X [][]float64, y []float64) Normalization {
	width := 0
	if len(X) > 0 {
		width = len(X[0])
	}
	norm := Normalization{
		FeatureMean: make([]float64, width),
		FeatureStd:  make([]float64, width),
		FeatureMin:  make([]float64, width),
		FeatureMax:  make([]float64, width),
	}
	col := make([]float64, len(X))
	for j := 0; j < width; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		norm.FeatureMean[j] = mean
		norm.FeatureStd[j] = guardStd(std)
		norm.FeatureMin[j] = slices.Min(col)
		norm.FeatureMax[j] = slices.Max(col)
	}
	mean, std := stat.PopMeanStdDev(y, nil)
	norm.TargetMean = mean
	norm.TargetStd = guardStd(std)
	return norm
}

// guardStd avoids dividing by a zero spread.
func guardStd(std float64) float64 {
	if std < 1e-10 || math.IsNaN(std) {
		return 1
	}
	return std
}

func (n Normalization) target(v float64) float64 { return (v - n.TargetMean) / n.TargetStd }

func (n Normalization) invert(v float64) float64 { return v*n.TargetStd + n.TargetMean }

// encoder turns raw schema values plus a timestamp into a network input vector.
type encoder struct {
	norm     Normalization
	calendar bool
}

func (e encoder) width(schema int) int {
	if e.calendar {
		return schema + calendarWidth
	}
	return schema
}

func (e encoder) encode(raw []float64, ts time.Time) []float64 {
	out := make([]float64, 0, e.width(len(raw)))
	for j, v := range raw {
		out = append(out, (v-e.norm.FeatureMean[j])/e.norm.FeatureStd[j])
	}
	if e.calendar {
		out = append(out, EncodeCalendar(ts)...)
	}
	return out
}

// resolveColumns maps each schema feature to its column in the table.
func resolveColumns(table *model.FeatureTable, schema []string) ([]int, error) {
	idx := table.ColumnIndex()
	cols := make([]int, len(schema))
	var missing []string
	for i, name := range schema {
		c, ok := idx[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		cols[i] = c
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: region %s table lacks %v", model.ErrSchemaMismatch, table.Region, missing)
	}
	return cols, nil
}

// checkExactSchema requires the table columns to be exactly the schema set.
// Column order may differ.
func checkExactSchema(table *model.FeatureTable, schema []string) error {
	want := make(map[string]bool, len(schema))
	for _, s := range schema {
		want[s] = true
	}
	have := make(map[string]bool, len(table.Columns))
	var extra, missing []string
	for _, c := range table.Columns {
		have[c] = true
		if !want[c] {
			extra = append(extra, c)
		}
	}
	for _, s := range schema {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	if len(extra) > 0 || len(missing) > 0 {
		sort.Strings(extra)
		sort.Strings(missing)
		return fmt.Errorf("%w: region %s missing %v, unexpected %v", model.ErrSchemaMismatch, table.Region, missing, extra)
	}
	return nil
}

// rawRow extracts schema-ordered values, reporting whether all are finite.
func rawRow(row model.FeatureRow, cols []int) ([]float64, bool) {
	out := make([]float64, len(cols))
	for i, c := range cols {
		v := row.Values[c]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// ShuffleAndSplit shuffles data and returns a 90/10 train/val split.
func ShuffleAndSplit(X, Y [][]float64, rng *rand.Rand) (trainX, trainY, valX, valY [][]float64) {
	n := len(X)
	nVal := max(n/10, 1)
	nTrain := n - nVal

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	trainX = make([][]float64, nTrain)
	trainY = make([][]float64, nTrain)
	valX = make([][]float64, nVal)
	valY = make([][]float64, nVal)
	for i := 0; i < nTrain; i++ {
		trainX[i] = X[indices[i]]
		trainY[i] = Y[indices[i]]
	}
	for i := 0; i < nVal; i++ {
		valX[i] = X[indices[nTrain+i]]
		valY[i] = Y[indices[nTrain+i]]
	}
	return
}

// TrainNetworkOnData creates a network, shuffles/splits data, trains, and returns the network + per-epoch losses.
func TrainNetworkOnData(X, Y [][]float64, sizes []int, cfg TrainConfig, rng *rand.Rand) (*Network, []float64) {
	trainX, trainY, valX, valY := ShuffleAndSplit(X, Y, rng)
	net := NewNetwork(sizes, rng)
	losses := net.Train(trainX, trainY, valX, valY, cfg, rng)
	return net, losses
}
