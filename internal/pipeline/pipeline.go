// Package pipeline runs forward execution for (year, scenario) units:
// region predictions are split across counties, summed to states, scaled to
// annual state targets and written out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"load_projection/internal/aggregate"
	"load_projection/internal/ledger"
	"load_projection/internal/metrics"
	"load_projection/internal/model"
	"load_projection/internal/output"
	"load_projection/internal/predictor"
	"load_projection/internal/registry"
	"load_projection/internal/scaling"
	"load_projection/internal/spatial"
)

// ConservationTolerance is the relative tolerance of the optional
// conservation checks.
const ConservationTolerance = 1e-6

// Unit is one (year, scenario) combination.
type Unit struct {
	Year     int
	Scenario string
}

func (u Unit) String() string {
	return strconv.Itoa(u.Year) + "/" + u.Scenario
}

// Units returns every (year, scenario) combination, years outermost.
// Duplicates are dropped.
func Units(years []int, scenarios []string) []Unit {
	seen := make(map[Unit]bool, len(years)*len(scenarios))
	out := make([]Unit, 0, len(years)*len(scenarios))
	for _, y := range years {
		for _, s := range scenarios {
			u := Unit{Year: y, Scenario: s}
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// Predictor produces region predictions. *registry.Registry satisfies it.
type Predictor interface {
	PredictMany(ctx context.Context, regions []model.RegionID, source string, tr model.TimeRange, parallelism int) registry.PredictBatch
}

// LoadFunc makes a unit's features available and returns the source name
// under which the predictor finds them.
type LoadFunc func(u Unit) (source string, err error)

// Observer receives pipeline events.
type Observer interface {
	OnRunStarted(runID uuid.UUID, units []Unit)
	OnStage(runID uuid.UUID, u Unit, stage model.Stage)
	OnUnitDone(runID uuid.UUID, res *UnitResult)
	OnRunDone(rep *RunReport)
}

type Options struct {
	// Regions to project. Empty means every region of the weight table.
	Regions     []model.RegionID
	Parallelism int
	EmitCounty  bool
	// VerifyConservation fails a unit whose allocation or county scaling
	// does not add back up to the region or state series.
	VerifyConservation bool
}

// Deps are the collaborators of a Runner. Emitter, Ledger, Observer,
// Metrics and Logger are optional.
type Deps struct {
	Models   Predictor
	Load     LoadFunc
	Weights  *spatial.Table
	Targets  *model.TargetTable
	Emitter  *output.Emitter
	Ledger   *ledger.Ledger
	Observer Observer
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
}

// Runner executes units one after another; the regions of a unit are
// predicted in parallel.
type Runner struct {
	deps Deps
	opts Options
	log  logrus.FieldLogger
}

func NewRunner(deps Deps, opts Options) (*Runner, error) {
	if deps.Models == nil || deps.Load == nil || deps.Weights == nil {
		return nil, errors.New("pipeline needs models, a feature loader and a weight table")
	}
	log := deps.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	if len(opts.Regions) == 0 {
		opts.Regions = deps.Weights.Regions()
	}
	return &Runner{deps: deps, opts: opts, log: log}, nil
}

// Regions returns the regions every unit projects.
func (r *Runner) Regions() []model.RegionID { return slices.Clone(r.opts.Regions) }

// UnitResult is the outcome of one unit. Err is set when a stage halted the
// unit; per-entity failures that did not halt it (a state without a valid
// target, a region spanning such a state) are listed in Failures.
type UnitResult struct {
	Unit      Unit
	States    map[model.StateID]model.ScaledSeries
	Regions   map[model.RegionID]model.ScaledSeries
	Counties  map[model.CountyID]model.ScaledSeries
	Summary   []model.SummaryRow
	Failures  []model.Failure
	Warnings  map[model.RegionID][]predictor.DomainWarning
	Err       error
	Cancelled bool
}

// OK reports whether the unit reached EMIT.
func (r *UnitResult) OK() bool { return r.Err == nil && !r.Cancelled }

// RunReport collects the results of every unit of a run.
type RunReport struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Units      []*UnitResult
	Cancelled  bool
}

// Status summarizes the run as one of the ledger statuses.
func (rep *RunReport) Status() string {
	if rep.Cancelled {
		return ledger.StatusCancelled
	}
	ok, clean := 0, true
	for _, u := range rep.Units {
		if u.OK() {
			ok++
		}
		if !u.OK() || len(u.Failures) > 0 {
			clean = false
		}
	}
	switch {
	case len(rep.Units) > 0 && clean:
		return ledger.StatusOK
	case ok > 0:
		return ledger.StatusPartial
	default:
		return ledger.StatusFailed
	}
}

// Run executes every unit. A failing unit never stops its siblings.
// Cancelling ctx stops before the next unit or region starts.
func (r *Runner) Run(ctx context.Context, units []Unit) *RunReport {
	rep := &RunReport{RunID: uuid.New(), StartedAt: time.Now().UTC()}
	log := r.log.WithField("run_id", rep.RunID)

	if r.deps.Ledger != nil {
		if _, err := r.deps.Ledger.StartRun(ctx, rep.RunID, ledger.KindProject, fmt.Sprint(units)); err != nil {
			log.WithError(err).Warn("Ledger unavailable")
		}
	}
	if r.deps.Observer != nil {
		r.deps.Observer.OnRunStarted(rep.RunID, units)
	}
	log.WithFields(logrus.Fields{"units": len(units), "regions": len(r.opts.Regions)}).Info("Projection started")

	for _, u := range units {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		res := r.RunUnit(ctx, rep.RunID, u)
		rep.Units = append(rep.Units, res)
		r.finishUnit(ctx, rep.RunID, res)
		if res.Cancelled {
			rep.Cancelled = true
			break
		}
	}

	rep.FinishedAt = time.Now().UTC()
	if r.deps.Ledger != nil {
		// record the outcome even when ctx was cancelled
		if err := r.deps.Ledger.FinishRun(context.WithoutCancel(ctx), rep.RunID, rep.Status()); err != nil {
			log.WithError(err).Warn("Failed to finish ledger run")
		}
	}
	if r.deps.Observer != nil {
		r.deps.Observer.OnRunDone(rep)
	}
	log.WithFields(logrus.Fields{
		"status": rep.Status(),
		"took":   rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
	}).Info("Projection finished")
	return rep
}

func (r *Runner) finishUnit(ctx context.Context, runID uuid.UUID, res *UnitResult) {
	log := r.log.WithFields(logrus.Fields{"run_id": runID, "year": res.Unit.Year, "scenario": res.Unit.Scenario})

	failures := slices.Clone(res.Failures)
	if res.Err != nil {
		failures = append(failures, model.FailureOf(res.Err, res.Unit.String(), ""))
		log.WithError(res.Err).Error("Unit failed")
		r.deps.Metrics.UnitDone("failed")
	} else if res.OK() {
		log.WithFields(logrus.Fields{"states": len(res.States), "failures": len(res.Failures)}).Info("Unit done")
		r.deps.Metrics.UnitDone("ok")
	}

	if r.deps.Ledger != nil {
		lctx := context.WithoutCancel(ctx)
		if err := r.deps.Ledger.RecordSummaries(lctx, runID, res.Summary); err != nil {
			log.WithError(err).Warn("Failed to record summaries")
		}
		if err := r.deps.Ledger.RecordFailures(lctx, runID, res.Unit.String(), failures); err != nil {
			log.WithError(err).Warn("Failed to record failures")
		}
	}
	if r.deps.Observer != nil {
		r.deps.Observer.OnUnitDone(runID, res)
	}
}

func (r *Runner) stage(runID uuid.UUID, u Unit, s model.Stage) {
	r.log.WithFields(logrus.Fields{"year": u.Year, "scenario": u.Scenario, "stage": s}).Debug("Stage")
	if r.deps.Observer != nil {
		r.deps.Observer.OnStage(runID, u, s)
	}
}

// RunUnit executes LOAD_FEATURES, PREDICT, ALLOCATE, AGGREGATE, SCALE and
// EMIT for one unit.
func (r *Runner) RunUnit(ctx context.Context, runID uuid.UUID, u Unit) *UnitResult {
	res := &UnitResult{Unit: u}
	unit := u.String()
	halt := func(stage model.Stage, err error) *UnitResult {
		res.Err = model.Fail(unit, stage, err)
		// outputs of an earlier run are not this run's result
		if r.deps.Emitter != nil {
			if err := r.deps.Emitter.Clear(u.Year, u.Scenario); err != nil {
				r.log.WithError(err).Warn("Failed to clear unit outputs")
			}
		}
		return res
	}

	r.stage(runID, u, model.StageLoadFeatures)
	source, err := r.deps.Load(u)
	if err != nil {
		return halt(model.StageLoadFeatures, err)
	}

	r.stage(runID, u, model.StagePredict)
	batch := r.deps.Models.PredictMany(ctx, r.opts.Regions, source, model.YearRange(u.Year), r.opts.Parallelism)
	if batch.Cancelled {
		res.Cancelled = true
		return res
	}
	if len(batch.Failures) > 0 {
		// every region must be represented or state totals are wrong
		res.Failures = append(res.Failures, batch.Failures...)
		f := batch.Failures[0]
		return halt(model.StagePredict, fmt.Errorf("%d of %d regions failed, first: %w",
			len(batch.Failures), len(r.opts.Regions), model.Fail(f.Entity, f.Stage, f.Err)))
	}
	for region, p := range batch.Results {
		if p.OutOfDomain() {
			if res.Warnings == nil {
				res.Warnings = make(map[model.RegionID][]predictor.DomainWarning)
			}
			res.Warnings[region] = p.Warnings
		}
	}

	r.stage(runID, u, model.StageAllocate)
	allocs := make(map[model.RegionID]map[model.CountyID]model.Series, len(r.opts.Regions))
	parts := make([]map[model.CountyID]model.Series, 0, len(r.opts.Regions))
	for _, region := range r.opts.Regions {
		pred := batch.Results[region].Series
		alloc, err := r.deps.Weights.Allocate(region, pred)
		if err != nil {
			return halt(model.StageAllocate, model.Fail(string(region), model.StageAllocate, err))
		}
		if r.opts.VerifyConservation {
			back, err := aggregate.ToRegion(region, alloc)
			if err == nil {
				err = aggregate.Conserved(pred, back, ConservationTolerance)
			}
			if err != nil {
				return halt(model.StageAllocate, model.Fail(string(region), model.StageAllocate, err))
			}
		}
		allocs[region] = alloc
		parts = append(parts, alloc)
	}

	r.stage(runID, u, model.StageAggregate)
	counties, err := aggregate.MergeCounties(parts...)
	if err != nil {
		return halt(model.StageAggregate, err)
	}
	states, err := aggregate.ToState(counties, r.deps.Weights.StateOf)
	if err != nil {
		return halt(model.StageAggregate, err)
	}

	r.stage(runID, u, model.StageScale)
	r.scale(res, allocs, counties, states)
	if len(res.States) == 0 {
		return halt(model.StageScale, fmt.Errorf("no state could be scaled (%d failures)", len(res.Failures)))
	}
	if r.opts.VerifyConservation && res.Counties != nil {
		if err := r.verifyStates(res); err != nil {
			return halt(model.StageScale, err)
		}
	}

	if r.deps.Emitter != nil {
		r.stage(runID, u, model.StageEmit)
		if err := r.emit(res); err != nil {
			return halt(model.StageEmit, err)
		}
	}
	return res
}

// scale fills the scaled series and summary of res. Failures are isolated
// per state, and per region for regions that span a failed state.
func (r *Runner) scale(res *UnitResult, allocs map[model.RegionID]map[model.CountyID]model.Series,
	counties map[model.CountyID]model.Series, states map[model.StateID]model.Series) {
	u := res.Unit
	res.States = make(map[model.StateID]model.ScaledSeries, len(states))
	factors := make(map[model.StateID]float64, len(states))

	ids := make([]model.StateID, 0, len(states))
	for st := range states {
		ids = append(ids, st)
	}
	slices.Sort(ids)

	for _, st := range ids {
		target, ok := r.deps.Targets.Lookup(st, u.Year, u.Scenario)
		if !ok {
			res.Failures = append(res.Failures, model.Failure{
				Entity: string(st), Stage: model.StageScale,
				Err: fmt.Errorf("%w for %s", model.ErrMissingTarget, model.TargetKey{State: st, Year: u.Year, Scenario: u.Scenario}),
			})
			continue
		}
		sc, err := scaling.Scale(states[st], target)
		if err != nil {
			res.Failures = append(res.Failures, model.Failure{Entity: string(st), Stage: model.StageScale, Err: err})
			continue
		}
		res.States[st] = sc
		factors[st] = sc.Factor
		res.Summary = append(res.Summary, model.SummaryRow{
			State:       st,
			Year:        u.Year,
			Scenario:    u.Scenario,
			RawTotal:    sc.Raw.Sum(),
			TargetTotal: target,
			ScaleFactor: sc.Factor,
		})
		r.deps.Metrics.SetScaleFactor(string(st), strconv.Itoa(u.Year), u.Scenario, sc.Factor)
	}

	res.Regions = make(map[model.RegionID]model.ScaledSeries, len(allocs))
	for _, region := range r.opts.Regions {
		sc, err := scaling.ScaleRegion(region, allocs[region], r.deps.Weights.StateOf, factors)
		if err != nil {
			res.Failures = append(res.Failures, model.Failure{Entity: string(region), Stage: model.StageScale, Err: err})
			continue
		}
		res.Regions[region] = sc
	}

	if r.opts.EmitCounty {
		res.Counties = scaling.ScaleCounties(counties, r.deps.Weights.StateOf, factors)
	}
}

// verifyStates checks that scaled counties add up to their scaled state.
func (r *Runner) verifyStates(res *UnitResult) error {
	byCounty := make(map[model.CountyID]model.Series, len(res.Counties))
	for c, s := range res.Counties {
		byCounty[c] = s.Scaled
	}
	sums, err := aggregate.ToState(byCounty, r.deps.Weights.StateOf)
	if err != nil {
		return err
	}
	for st, want := range res.States {
		got, ok := sums[st]
		if !ok {
			return fmt.Errorf("state %s has no scaled counties", st)
		}
		if err := aggregate.Conserved(want.Scaled, got, ConservationTolerance); err != nil {
			return model.Fail(string(st), model.StageScale, err)
		}
	}
	return nil
}

func (r *Runner) emit(res *UnitResult) error {
	u := res.Unit
	w, err := r.deps.Emitter.Begin(u.Year, u.Scenario)
	if err != nil {
		return err
	}
	if err := r.write(w, res); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

func (r *Runner) write(w *output.UnitWriter, res *UnitResult) error {
	states := make(map[string]model.ScaledSeries, len(res.States))
	for st, s := range res.States {
		states[string(st)] = s
	}
	if _, err := w.WriteLevel(output.LevelState, states); err != nil {
		return err
	}

	regions := make(map[string]model.ScaledSeries, len(res.Regions))
	for rg, s := range res.Regions {
		regions[string(rg)] = s
	}
	if _, err := w.WriteLevel(output.LevelRegion, regions); err != nil {
		return err
	}

	if r.opts.EmitCounty {
		counties := make(map[string]model.ScaledSeries, len(res.Counties))
		for c, s := range res.Counties {
			counties[string(c)] = s
		}
		if _, err := w.WriteLevel(output.LevelCounty, counties); err != nil {
			return err
		}
	}
	return w.WriteSummary(res.Summary)
}
