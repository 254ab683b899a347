// Package registry manages the trained model of every region: batch
// training, batch prediction and on-disk persistence.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"load_projection/internal/metrics"
	"load_projection/internal/model"
	"load_projection/internal/predictor"
	"load_projection/internal/store"
	"load_projection/internal/workpool"
)

// Features supplies feature tables by region and source. *store.Store
// satisfies it.
type Features interface {
	RowsInRange(key store.Key, start, end time.Time) (*model.FeatureTable, bool)
}

// Observer is notified as batch training progresses. Calls may come from
// several goroutines at once.
type Observer interface {
	RegionTrained(o *Outcome)
	RegionFailed(f model.Failure)
}

type Options struct {
	// Dir holds persisted models, one file per region.
	Dir string
	// Schema is the ordered feature list. Empty means every column of the
	// training table.
	Schema []string
	Model  predictor.Config
	// Save persists every successfully trained model during TrainMany.
	Save bool
	// Overwrite allows Save and Persist to replace an existing model file.
	Overwrite bool

	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
	Observer Observer
}

// Registry owns one TrainedModel per region.
type Registry struct {
	features Features
	opts     Options
	log      logrus.FieldLogger
	files    *fileLocks

	mu     sync.RWMutex
	models map[model.RegionID]*predictor.TrainedModel
}

func New(features Features, opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Registry{
		features: features,
		opts:     opts,
		log:      log,
		files:    newFileLocks(),
		models:   make(map[model.RegionID]*predictor.TrainedModel),
	}
}

// Outcome is the result of training one region: the model, its prediction
// over the evaluation window and the validation statistics of that
// prediction.
type Outcome struct {
	Region     model.RegionID
	Model      *predictor.TrainedModel
	Prediction predictor.Prediction
	Validation model.ValidationRecord
	Duration   time.Duration
}

// TrainOne fits a model for region on the training part of window and
// evaluates it on the evaluation part. When the evaluation part holds no
// rows the model is evaluated on its own training rows. A successful model
// replaces the region's in-memory model regardless of its validation score.
func (r *Registry) TrainOne(region model.RegionID, window model.Window) (*Outcome, error) {
	if err := window.Validate(); err != nil {
		return nil, model.Fail(string(region), model.StageTrain, err)
	}

	key := store.Key{Region: region, Source: store.Historical}
	train, ok := r.features.RowsInRange(key, window.TrainStart, window.SplitAt)
	if !ok || train.Len() == 0 {
		return nil, model.Fail(string(region), model.StageLoadFeatures,
			fmt.Errorf("%w: no historical rows in %s - %s", model.ErrInsufficientData,
				window.TrainStart.Format(time.DateOnly), window.SplitAt.Format(time.DateOnly)))
	}
	eval, _ := r.features.RowsInRange(key, window.SplitAt, window.EvalEnd)

	schema := r.opts.Schema
	if len(schema) == 0 {
		schema = train.Columns
	}
	if eval != nil && eval.Len() > 0 {
		projected, err := eval.Project(schema)
		if err != nil {
			return nil, model.Fail(string(region), model.StageTrain, fmt.Errorf("evaluation rows: %w", err))
		}
		eval = projected
	}

	started := time.Now()
	m, err := predictor.Fit(region, train, eval, schema, r.opts.Model)
	if err != nil {
		return nil, model.Fail(string(region), model.StageTrain, err)
	}
	elapsed := time.Since(started)
	r.opts.Metrics.ObserveTraining(string(m.Family), elapsed)

	check := eval
	if check == nil || check.Len() == 0 {
		check = train
	}
	check, err = check.Project(m.Schema)
	if err != nil {
		return nil, model.Fail(string(region), model.StageTrain, err)
	}
	// history may have dropped hours; Evaluate skips them
	pred, err := m.Backcast(check)
	if err != nil {
		return nil, model.Fail(string(region), model.StagePredict, err)
	}
	rec, err := predictor.Evaluate(pred.Series, check.Observed())
	if err != nil {
		return nil, model.Fail(string(region), model.StageTrain, err)
	}
	rec.Region = region
	r.opts.Metrics.SetValidation(string(region), rec.NRMSE)

	r.mu.Lock()
	r.models[region] = m
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"region": region,
		"rows":   m.Rows,
		"nrmse":  fmt.Sprintf("%.4f", rec.NRMSE),
		"r2":     fmt.Sprintf("%.4f", rec.R2),
		"took":   elapsed.Round(time.Millisecond),
	}).Info("Region trained")

	return &Outcome{
		Region:     region,
		Model:      m,
		Prediction: pred,
		Validation: rec,
		Duration:   elapsed,
	}, nil
}

// BatchResult holds what a batch training completed. Results and Failures
// never share a region, except for regions whose model trained but could
// not be persisted.
type BatchResult struct {
	Results   map[model.RegionID]*Outcome
	Failures  []model.Failure
	Cancelled bool
}

// collector is the only state shared between concurrent region jobs.
type collector struct {
	mu       sync.Mutex
	results  map[model.RegionID]*Outcome
	failures []model.Failure
}

func (c *collector) ok(o *Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[o.Region] = o
}

func (c *collector) fail(f model.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
}

func (c *collector) sortedFailures() []model.Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Clone(c.failures)
	sortFailures(out)
	return out
}

func sortFailures(fs []model.Failure) {
	slices.SortStableFunc(fs, func(a, b model.Failure) int {
		return cmp.Compare(a.Entity, b.Entity)
	})
}

// TrainMany trains every region independently on at most parallelism
// goroutines (<= 0 means all CPUs). A region that fails is recorded in
// Failures and the batch continues. Cancelling ctx stops new regions from
// starting; regions already training run to completion.
func (r *Registry) TrainMany(ctx context.Context, regions []model.RegionID, window model.Window, parallelism int) BatchResult {
	col := &collector{results: make(map[model.RegionID]*Outcome)}

	r.log.WithFields(logrus.Fields{
		"regions": len(regions),
		"workers": workpool.Size(parallelism),
	}).Info("Training regions")

	cancelled := workpool.Run(ctx, parallelism, regions, func(_ context.Context, region model.RegionID) {
		o, err := r.TrainOne(region, window)
		if err != nil {
			f := model.FailureOf(err, string(region), model.StageTrain)
			r.log.WithFields(logrus.Fields{"region": region, "stage": f.Stage}).WithError(f.Err).Warn("Region training failed")
			r.opts.Metrics.TrainingFailed(string(region))
			col.fail(f)
			if r.opts.Observer != nil {
				r.opts.Observer.RegionFailed(f)
			}
			return
		}

		col.ok(o)
		if r.opts.Observer != nil {
			r.opts.Observer.RegionTrained(o)
		}

		if r.opts.Save {
			if err := r.Persist(region, o.Model, r.opts.Overwrite); err != nil {
				col.fail(model.FailureOf(err, string(region), model.StagePersist))
			}
		}
	})

	if cancelled {
		r.log.Warn("Training cancelled, remaining regions skipped")
	}
	return BatchResult{
		Results:   col.results,
		Failures:  col.sortedFailures(),
		Cancelled: cancelled,
	}
}

// Model returns the in-memory model of region.
func (r *Registry) Model(region model.RegionID) (*predictor.TrainedModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[region]
	return m, ok
}

// Regions returns the regions with an in-memory model, sorted.
func (r *Registry) Regions() []model.RegionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RegionID, 0, len(r.models))
	for region := range r.models {
		out = append(out, region)
	}
	slices.Sort(out)
	return out
}

// Resolve returns the in-memory model of region, loading it from disk when
// it has not been trained or loaded in this process.
func (r *Registry) Resolve(region model.RegionID) (*predictor.TrainedModel, error) {
	if m, ok := r.Model(region); ok {
		return m, nil
	}
	return r.Load(region)
}

// PredictBatch holds the predictions a batch completed.
type PredictBatch struct {
	Results   map[model.RegionID]predictor.Prediction
	Failures  []model.Failure
	Cancelled bool
}

// PredictOne runs region's model over the feature table of source covering
// exactly tr.
func (r *Registry) PredictOne(region model.RegionID, source string, tr model.TimeRange) (predictor.Prediction, error) {
	m, err := r.Resolve(region)
	if err != nil {
		return predictor.Prediction{}, model.Fail(string(region), model.StagePredict, err)
	}

	table, ok := r.features.RowsInRange(store.Key{Region: region, Source: source}, tr.Start, tr.End)
	if !ok || table.Len() == 0 {
		return predictor.Prediction{}, model.Fail(string(region), model.StageLoadFeatures,
			fmt.Errorf("%w: no %s features for %s", model.ErrNotFound, source, tr.Start.Format(time.DateOnly)))
	}
	if got := table.Range(); !got.Start.Equal(tr.Start) || !got.End.Equal(tr.End) || table.Len() != tr.Hours() {
		return predictor.Prediction{}, model.Fail(string(region), model.StageLoadFeatures,
			fmt.Errorf("%w: %s features cover %d of %d hours", model.ErrMisaligned, source, table.Len(), tr.Hours()))
	}
	table, err = table.Project(m.Schema)
	if err != nil {
		return predictor.Prediction{}, model.Fail(string(region), model.StageLoadFeatures, err)
	}

	pred, err := m.Predict(table)
	if err != nil {
		return predictor.Prediction{}, model.Fail(string(region), model.StagePredict, err)
	}
	r.opts.Metrics.Predicted(string(region), pred.OutOfDomain())
	if pred.OutOfDomain() {
		for _, w := range pred.Warnings {
			r.log.WithFields(logrus.Fields{"region": region, "source": source}).Warn("Out of domain: " + w.String())
		}
	}
	return pred, nil
}

// PredictMany predicts every region in parallel. Failures are isolated per
// region the same way as in TrainMany.
func (r *Registry) PredictMany(ctx context.Context, regions []model.RegionID, source string, tr model.TimeRange, parallelism int) PredictBatch {
	var mu sync.Mutex
	out := PredictBatch{Results: make(map[model.RegionID]predictor.Prediction)}

	out.Cancelled = workpool.Run(ctx, parallelism, regions, func(_ context.Context, region model.RegionID) {
		pred, err := r.PredictOne(region, source, tr)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			out.Failures = append(out.Failures, model.FailureOf(err, string(region), model.StagePredict))
			return
		}
		out.Results[region] = pred
	})

	sortFailures(out.Failures)
	return out
}
