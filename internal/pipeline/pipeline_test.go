package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"load_projection/internal/aggregate"
	"load_projection/internal/ingest"
	"load_projection/internal/ledger"
	"load_projection/internal/model"
	"load_projection/internal/output"
	"load_projection/internal/predictor"
	"load_projection/internal/registry"
	"load_projection/internal/spatial"
	"load_projection/internal/store"
)

// fakeModels returns fixed series per source and region.
type fakeModels struct {
	series map[string]map[model.RegionID][]float64
}

func (f *fakeModels) PredictMany(ctx context.Context, regions []model.RegionID, source string, tr model.TimeRange, _ int) registry.PredictBatch {
	out := registry.PredictBatch{Results: make(map[model.RegionID]predictor.Prediction)}
	if ctx.Err() != nil {
		out.Cancelled = true
		return out
	}
	for _, r := range regions {
		vals, ok := f.series[source][r]
		if !ok {
			out.Failures = append(out.Failures, model.Failure{Entity: string(r), Stage: model.StagePredict, Err: model.ErrNotFound})
			continue
		}
		out.Results[r] = predictor.Prediction{Series: model.Series{ID: string(r), Start: tr.Start, Values: vals}}
	}
	return out
}

func loadByName(u Unit) (string, error) {
	if u.Scenario == "broken" {
		return "", errors.New("scenario files missing")
	}
	return ingest.ScenarioSource(u.Scenario, u.Year), nil
}

func mustWeights(t *testing.T, records []spatial.Record) *spatial.Table {
	t.Helper()
	table, err := spatial.NewTable(records, 0, spatial.Linear)
	require.NoError(t, err)
	return table
}

func targets(values map[model.TargetKey]float64) *model.TargetTable {
	var ts []model.AnnualTarget
	for k, v := range values {
		ts = append(ts, model.AnnualTarget{TargetKey: k, Value: v})
	}
	return model.NewTargetTable(ts)
}

func TestRunUnit_SingleStateScenario(t *testing.T) {
	models := &fakeModels{series: map[string]map[model.RegionID][]float64{
		"rcp85/2040": {"R": {10, 20, 30}},
	}}
	r, err := NewRunner(Deps{
		Models:  models,
		Load:    loadByName,
		Weights: mustWeights(t, []spatial.Record{{County: "06001", Region: "R", Year: 2020, Weight: 1}}),
		Targets: targets(map[model.TargetKey]float64{{State: "06", Year: 2040, Scenario: "rcp85"}: 120}),
	}, Options{})
	require.NoError(t, err)

	res := r.RunUnit(context.Background(), uuid.New(), Unit{Year: 2040, Scenario: "rcp85"})
	require.True(t, res.OK(), "unit error: %v", res.Err)
	require.Empty(t, res.Failures)

	st := res.States["06"]
	assert.InDelta(t, 2.0, st.Factor, 1e-12)
	assert.InDeltaSlice(t, []float64{20, 40, 60}, st.Scaled.Values, 1e-12)
	assert.InDelta(t, 120.0, st.Scaled.Sum(), 1e-9)

	require.Len(t, res.Summary, 1)
	assert.Equal(t, model.SummaryRow{State: "06", Year: 2040, Scenario: "rcp85", RawTotal: 60, TargetTotal: 120, ScaleFactor: 2}, res.Summary[0])

	assert.InDeltaSlice(t, []float64{20, 40, 60}, res.Regions["R"].Scaled.Values, 1e-12)
	assert.InDeltaSlice(t, []float64{10, 20, 30}, res.Regions["R"].Raw.Values, 1e-12)
	assert.Nil(t, res.Counties, "counties only when requested")
}

// twoStateSetup has region A serving counties in two states and region B
// sharing one of A's counties.
func twoStateSetup(t *testing.T) Deps {
	weights := mustWeights(t, []spatial.Record{
		{County: "06001", Region: "A", Year: 2020, Weight: 0.5},
		{County: "06003", Region: "A", Year: 2020, Weight: 0.3},
		{County: "32001", Region: "A", Year: 2020, Weight: 0.2},
		{County: "32001", Region: "B", Year: 2020, Weight: 0.6},
		{County: "32003", Region: "B", Year: 2020, Weight: 0.4},
	})
	rng := rand.New(rand.NewPCG(3, 4))
	series := func() []float64 {
		v := make([]float64, 48)
		for i := range v {
			v[i] = 100 + 50*math.Sin(float64(i)/4) + 10*rng.Float64()
		}
		return v
	}
	return Deps{
		Models: &fakeModels{series: map[string]map[model.RegionID][]float64{
			"rcp85/2040": {"A": series(), "B": series()},
			"rcp45/2040": {"A": series(), "B": series()},
			"rcp45/2060": {"A": series()},
		}},
		Load:    loadByName,
		Weights: weights,
		Targets: targets(map[model.TargetKey]float64{
			{State: "06", Year: 2040, Scenario: "rcp85"}: 50000,
			{State: "32", Year: 2040, Scenario: "rcp85"}: 20000,
			{State: "06", Year: 2040, Scenario: "rcp45"}: 40000,
			{State: "06", Year: 2060, Scenario: "rcp45"}: 40000,
			{State: "32", Year: 2060, Scenario: "rcp45"}: 40000,
		}),
	}
}

func TestRunUnit_ConservationAcrossLevels(t *testing.T) {
	deps := twoStateSetup(t)
	r, err := NewRunner(deps, Options{EmitCounty: true, VerifyConservation: true})
	require.NoError(t, err)

	assert.Equal(t, []model.RegionID{"A", "B"}, r.Regions())

	res := r.RunUnit(context.Background(), uuid.New(), Unit{Year: 2040, Scenario: "rcp85"})
	require.True(t, res.OK(), "unit error: %v", res.Err)
	require.Len(t, res.States, 2)
	require.Len(t, res.Counties, 4)

	for st, s := range res.States {
		var target float64
		switch st {
		case "06":
			target = 50000
		case "32":
			target = 20000
		}
		assert.InDelta(t, target, s.Scaled.Sum(), 1e-6*target)
	}

	// scaled counties add up to the scaled state every hour
	byCounty := make(map[model.CountyID]model.Series)
	for c, s := range res.Counties {
		byCounty[c] = s.Scaled
	}
	sums, err := aggregate.ToState(byCounty, model.StateOfCounty)
	require.NoError(t, err)
	for st, s := range res.States {
		assert.NoError(t, aggregate.Conserved(s.Scaled, sums[st], 1e-9))
	}

	// unscaled counties add up to the unscaled region predictions
	var rawRegions, rawCounties float64
	for _, s := range res.Regions {
		rawRegions += s.Raw.Sum()
	}
	for _, s := range res.Counties {
		rawCounties += s.Raw.Sum()
	}
	assert.InDelta(t, rawRegions, rawCounties, 1e-6*rawRegions)

	// scaled regions add up to the scaled states
	var scaledRegions, scaledStates float64
	for _, s := range res.Regions {
		scaledRegions += s.Scaled.Sum()
	}
	for _, s := range res.States {
		scaledStates += s.Scaled.Sum()
	}
	assert.InDelta(t, scaledStates, scaledRegions, 1e-6*scaledStates)
}

func TestRunUnit_MissingTargetIsolatedPerState(t *testing.T) {
	deps := twoStateSetup(t)
	r, err := NewRunner(deps, Options{EmitCounty: true})
	require.NoError(t, err)

	res := r.RunUnit(context.Background(), uuid.New(), Unit{Year: 2040, Scenario: "rcp45"})
	require.True(t, res.OK(), "unit error: %v", res.Err)

	assert.Contains(t, res.States, model.StateID("06"))
	assert.NotContains(t, res.States, model.StateID("32"))
	require.Len(t, res.Summary, 1)

	// state 32 has no target; A spans it and B lies in it
	var entities []string
	for _, f := range res.Failures {
		assert.Equal(t, model.StageScale, f.Stage)
		entities = append(entities, f.Entity)
	}
	assert.ElementsMatch(t, []string{"32", "A", "B"}, entities)
	assert.ErrorIs(t, res.Failures[0].Err, model.ErrMissingTarget)

	assert.Len(t, res.Counties, 2, "only counties of scaled states")
	assert.Empty(t, res.Regions)
}

func TestRun_SiblingUnitsSurviveFailures(t *testing.T) {
	deps := twoStateSetup(t)
	r, err := NewRunner(deps, Options{})
	require.NoError(t, err)

	units := []Unit{
		{Year: 2040, Scenario: "broken"},
		{Year: 2060, Scenario: "rcp45"},
		{Year: 2040, Scenario: "rcp85"},
	}
	rep := r.Run(context.Background(), units)
	require.Len(t, rep.Units, 3)
	assert.False(t, rep.Cancelled)

	var ee *model.EntityError
	require.ErrorAs(t, rep.Units[0].Err, &ee)
	assert.Equal(t, "2040/broken", ee.Entity)
	assert.Equal(t, model.StageLoadFeatures, ee.Stage)

	// region B has no prediction for 2060: the whole unit halts
	require.ErrorAs(t, rep.Units[1].Err, &ee)
	assert.Equal(t, model.StagePredict, ee.Stage)
	assert.ErrorIs(t, rep.Units[1].Err, model.ErrNotFound)
	assert.Contains(t, rep.Units[1].Err.Error(), "B")
	assert.Empty(t, rep.Units[1].States)

	assert.True(t, rep.Units[2].OK())
	assert.Equal(t, ledger.StatusPartial, rep.Status())
}

func TestRunUnit_WeightErrorHaltsAtAllocate(t *testing.T) {
	table, err := spatial.NewTable([]spatial.Record{
		{County: "06001", Region: "R", Year: 2020, Weight: 0.5},
		{County: "06003", Region: "R", Year: 2020, Weight: 0.3},
	}, 1e-3, spatial.Linear)
	require.NoError(t, err)

	r, err := NewRunner(Deps{
		Models:  &fakeModels{series: map[string]map[model.RegionID][]float64{"s/2040": {"R": {1, 2}}}},
		Load:    loadByName,
		Weights: table,
	}, Options{})
	require.NoError(t, err)

	res := r.RunUnit(context.Background(), uuid.New(), Unit{Year: 2040, Scenario: "s"})
	assert.ErrorIs(t, res.Err, model.ErrWeightNormalization)
	var ee *model.EntityError
	require.ErrorAs(t, res.Err, &ee)
	assert.Equal(t, model.StageAllocate, ee.Stage)
}

func TestRunUnit_DegenerateState(t *testing.T) {
	r, err := NewRunner(Deps{
		Models:  &fakeModels{series: map[string]map[model.RegionID][]float64{"s/2040": {"R": {0, 0, 0}}}},
		Load:    loadByName,
		Weights: mustWeights(t, []spatial.Record{{County: "06001", Region: "R", Year: 2020, Weight: 1}}),
		Targets: targets(map[model.TargetKey]float64{{State: "06", Year: 2040, Scenario: "s"}: 10}),
	}, Options{})
	require.NoError(t, err)

	res := r.RunUnit(context.Background(), uuid.New(), Unit{Year: 2040, Scenario: "s"})
	var ee *model.EntityError
	require.ErrorAs(t, res.Err, &ee)
	assert.Equal(t, model.StageScale, ee.Stage)
	require.NotEmpty(t, res.Failures)
	assert.Equal(t, "06", res.Failures[0].Entity)
	assert.ErrorIs(t, res.Failures[0].Err, model.ErrDegenerateSeries)
}

func TestRun_Cancelled(t *testing.T) {
	deps := twoStateSetup(t)
	r, err := NewRunner(deps, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := r.Run(ctx, []Unit{{Year: 2040, Scenario: "rcp85"}})
	assert.True(t, rep.Cancelled)
	assert.Empty(t, rep.Units)
	assert.Equal(t, ledger.StatusCancelled, rep.Status())
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []model.Stage
	units  int
	done   *RunReport
	runID  uuid.UUID
}

func (o *recordingObserver) OnRunStarted(runID uuid.UUID, _ []Unit) { o.runID = runID }

func (o *recordingObserver) OnStage(_ uuid.UUID, _ Unit, s model.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, s)
}

func (o *recordingObserver) OnUnitDone(uuid.UUID, *UnitResult) { o.units++ }

func (o *recordingObserver) OnRunDone(rep *RunReport) { o.done = rep }

func TestRun_EmitsAndRecords(t *testing.T) {
	deps := twoStateSetup(t)
	root := t.TempDir()
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	obs := &recordingObserver{}
	deps.Emitter = output.NewEmitter(root)
	deps.Ledger = l
	deps.Observer = obs

	r, err := NewRunner(deps, Options{EmitCounty: true})
	require.NoError(t, err)
	rep := r.Run(context.Background(), []Unit{{Year: 2040, Scenario: "rcp85"}, {Year: 2040, Scenario: "rcp45"}})
	require.Len(t, rep.Units, 2)

	assert.Equal(t, []model.Stage{
		model.StageLoadFeatures, model.StagePredict, model.StageAllocate, model.StageAggregate, model.StageScale, model.StageEmit,
		model.StageLoadFeatures, model.StagePredict, model.StageAllocate, model.StageAggregate, model.StageScale, model.StageEmit,
	}, obs.stages)
	assert.Equal(t, 2, obs.units)
	assert.Equal(t, rep.RunID, obs.runID)
	assert.Same(t, rep, obs.done)

	unitDir := filepath.Join(root, "rcp85", "2040")
	for _, p := range []string{"state/06.csv", "state/32.csv", "region/A.csv", "region/B.csv", "county/32001.csv", "summary.csv"} {
		assert.FileExists(t, filepath.Join(unitDir, p))
	}

	f, err := os.Open(filepath.Join(unitDir, "state", "32.csv"))
	require.NoError(t, err)
	defer f.Close()
	st, err := output.ReadSeries(f, "32")
	require.NoError(t, err)
	assert.InDelta(t, 20000, st.Scaled.Sum(), 1e-6)

	run, err := l.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartial, run.Status, "rcp45 lacks a target for state 32")

	summaries, err := l.Summaries(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Len(t, summaries, 3)

	fails, err := l.Failures(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Len(t, fails, 3)
	for _, f := range fails {
		assert.Equal(t, "2040/rcp45", f.Unit)
	}
}

func TestRunUnit_RerunReplacesUnitOutputs(t *testing.T) {
	deps := twoStateSetup(t)
	root := t.TempDir()
	deps.Emitter = output.NewEmitter(root)
	unit := Unit{Year: 2040, Scenario: "rcp85"}
	unitDir := deps.Emitter.UnitDir(unit.Year, unit.Scenario)

	r, err := NewRunner(deps, Options{EmitCounty: true})
	require.NoError(t, err)
	res := r.RunUnit(context.Background(), uuid.New(), unit)
	require.True(t, res.OK(), "unit error: %v", res.Err)
	assert.FileExists(t, filepath.Join(unitDir, "state", "32.csv"))
	assert.FileExists(t, filepath.Join(unitDir, "region", "A.csv"))

	// state 32 loses its target, so 32 and both regions spanning it drop out
	deps.Targets = targets(map[model.TargetKey]float64{{State: "06", Year: 2040, Scenario: "rcp85"}: 50000})
	r, err = NewRunner(deps, Options{EmitCounty: true})
	require.NoError(t, err)
	res = r.RunUnit(context.Background(), uuid.New(), unit)
	require.True(t, res.OK(), "unit error: %v", res.Err)

	assert.FileExists(t, filepath.Join(unitDir, "state", "06.csv"))
	assert.FileExists(t, filepath.Join(unitDir, "county", "06001.csv"))
	assert.FileExists(t, filepath.Join(unitDir, "summary.csv"))
	for _, p := range []string{"state/32.csv", "region/A.csv", "region/B.csv", "county/32001.csv"} {
		assert.NoFileExists(t, filepath.Join(unitDir, p))
	}
	entries, err := os.ReadDir(filepath.Dir(unitDir))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging directories left behind")
	assert.Equal(t, "2040", entries[0].Name())

	// a unit that halts leaves no outputs from the earlier run
	deps.Load = func(Unit) (string, error) { return "", errors.New("scenario files missing") }
	r, err = NewRunner(deps, Options{EmitCounty: true})
	require.NoError(t, err)
	res = r.RunUnit(context.Background(), uuid.New(), unit)
	require.Error(t, res.Err)
	assert.NoDirExists(t, unitDir)
}

// weatherTable builds hourly rows whose demand depends linearly on
// temperature.
func weatherTable(region model.RegionID, start time.Time, hours int, scale float64, seed uint64) *model.FeatureTable {
	rng := rand.New(rand.NewPCG(seed, 2))
	ft := &model.FeatureTable{Region: region, Columns: []string{"t2"}}
	for i := range hours {
		t2 := 15 + 10*math.Sin(2*math.Pi*float64(i)/24) + rng.NormFloat64()
		ft.Rows = append(ft.Rows, model.FeatureRow{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Values:    []float64{t2},
			Demand:    scale * (100 + 3*t2),
			HasDemand: true,
		})
	}
	return ft
}

func TestRun_PoorModelRegionIsRetained(t *testing.T) {
	s := store.New()
	histStart := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	window := model.Window{TrainStart: histStart, SplitAt: histStart.AddDate(0, 1, 0), EvalEnd: histStart.AddDate(0, 2, 0)}
	hours := window.Eval().End.Sub(histStart) / time.Hour

	require.NoError(t, s.AddTable(store.Historical, weatherTable("BIG", histStart, int(hours), 50, 1)))
	// SMALL's demand is unrelated to weather, so its model validates badly
	small := weatherTable("SMALL", histStart, int(hours), 1, 2)
	rng := rand.New(rand.NewPCG(8, 8))
	for i := range small.Rows {
		small.Rows[i].Demand = 200 + 100*rng.Float64()
	}
	require.NoError(t, s.AddTable(store.Historical, small))

	year := model.YearRange(2045)
	source := ingest.ScenarioSource("hot", 2045)
	require.NoError(t, s.AddTable(source, weatherTable("BIG", year.Start, year.Hours(), 0, 3)))
	require.NoError(t, s.AddTable(source, weatherTable("SMALL", year.Start, year.Hours(), 0, 4)))

	cfg := predictor.DefaultConfig()
	cfg.Family = predictor.FamilyLinear
	cfg.MinRows = 48
	reg := registry.New(s, registry.Options{Model: cfg})
	batch := reg.TrainMany(context.Background(), []model.RegionID{"BIG", "SMALL"}, window, 2)
	require.Empty(t, batch.Failures)
	assert.Less(t, batch.Results["SMALL"].Validation.R2, 0.2)

	weights := mustWeights(t, []spatial.Record{
		{County: "06001", Region: "BIG", Year: 2020, Weight: 1},
		{County: "06003", Region: "SMALL", Year: 2020, Weight: 1},
	})
	r, err := NewRunner(Deps{
		Models:  reg,
		Load:    func(u Unit) (string, error) { return ingest.ScenarioSource(u.Scenario, u.Year), nil },
		Weights: weights,
		Targets: targets(map[model.TargetKey]float64{{State: "06", Year: 2045, Scenario: "hot"}: 1e9}),
	}, Options{EmitCounty: true, VerifyConservation: true})
	require.NoError(t, err)

	res := r.RunUnit(context.Background(), uuid.New(), Unit{Year: 2045, Scenario: "hot"})
	require.True(t, res.OK(), "unit error: %v", res.Err)

	require.Contains(t, res.Regions, model.RegionID("SMALL"))
	require.Contains(t, res.Counties, model.CountyID("06003"))
	state := res.States["06"]
	assert.InDelta(t, res.Regions["BIG"].Raw.Sum()+res.Regions["SMALL"].Raw.Sum(), state.Raw.Sum(), 1e-6*state.Raw.Sum(),
		"the poorly validated region still contributes to the state total")
	assert.InDelta(t, 1e9, state.Scaled.Sum(), 1)
}

func TestUnits(t *testing.T) {
	units := Units([]int{2040, 2060, 2040}, []string{"rcp45", "rcp85"})
	assert.Equal(t, []Unit{
		{Year: 2040, Scenario: "rcp45"},
		{Year: 2040, Scenario: "rcp85"},
		{Year: 2060, Scenario: "rcp45"},
		{Year: 2060, Scenario: "rcp85"},
	}, units)
	assert.Equal(t, "2060/rcp85", units[3].String())
	assert.Empty(t, Units(nil, []string{"rcp45"}))
}
