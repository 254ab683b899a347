// Package app builds the training and projection components from a Config.
// The commands share it so that train-regions, project and server read the
// same inputs the same way.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"load_projection/internal/config"
	"load_projection/internal/ingest"
	"load_projection/internal/ledger"
	"load_projection/internal/metrics"
	"load_projection/internal/model"
	"load_projection/internal/output"
	"load_projection/internal/pipeline"
	"load_projection/internal/registry"
	"load_projection/internal/spatial"
	"load_projection/internal/store"
)

// RegionIDs converts configured region names.
func RegionIDs(names []string) []model.RegionID {
	out := make([]model.RegionID, len(names))
	for i, n := range names {
		out[i] = model.RegionID(n)
	}
	return out
}

// OpenLedger opens the run ledger, or returns nil when it is disabled.
func OpenLedger(ctx context.Context, cfg *config.Config) (*ledger.Ledger, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return ledger.Open(ctx, cfg.Ledger.Path)
}

// NewRegistry returns a model registry over features configured by cfg.
func NewRegistry(cfg *config.Config, features registry.Features, log logrus.FieldLogger, m *metrics.Metrics, obs registry.Observer) *registry.Registry {
	return registry.New(features, registry.Options{
		Dir:       cfg.Model.Dir,
		Schema:    cfg.Model.Features,
		Model:     cfg.Model.Predictor(),
		Save:      cfg.Model.Save,
		Overwrite: cfg.Model.Overwrite,
		Logger:    log,
		Metrics:   m,
		Observer:  obs,
	})
}

// LoadSpatial reads the weight and target tables.
func LoadSpatial(cfg *config.Config) (*spatial.Table, *model.TargetTable, error) {
	records, err := ingest.LoadWeights(cfg.Data.WeightsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading weights: %w", err)
	}
	weights, err := spatial.NewTable(records, cfg.Data.WeightTolerance, spatial.Mode(cfg.Data.WeightMode))
	if err != nil {
		return nil, nil, fmt.Errorf("indexing weights: %w", err)
	}
	targets, err := ingest.LoadTargets(cfg.Data.TargetsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading targets: %w", err)
	}
	return weights, model.NewTargetTable(targets), nil
}

// ScenarioLoader returns a pipeline.LoadFunc that reads a unit's scenario
// features from disk into s. The previous unit's features are dropped first,
// so s holds at most one scenario year at a time.
func ScenarioLoader(s *store.Store, root string, log logrus.FieldLogger) pipeline.LoadFunc {
	var previous string
	return func(u pipeline.Unit) (string, error) {
		if previous != "" {
			s.DropSource(previous)
			previous = ""
		}
		source := ingest.ScenarioSource(u.Scenario, u.Year)
		s.DropSource(source)
		n, err := ingest.LoadScenario(s, root, u.Scenario, u.Year, log)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("%w: no feature files for %s", model.ErrNotFound, source)
		}
		previous = source
		log.WithFields(logrus.Fields{"source": source, "regions": n}).Info("Scenario features loaded")
		return source, nil
	}
}

// Projection holds the optional collaborators of a projection runner.
type Projection struct {
	Ledger   *ledger.Ledger
	Observer pipeline.Observer
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
}

// NewRunner loads the weight and target tables and returns a runner that
// predicts with models, reads scenario features into s and writes under
// cfg.Output.Dir.
func NewRunner(cfg *config.Config, models pipeline.Predictor, s *store.Store, p Projection) (*pipeline.Runner, error) {
	weights, targets, err := LoadSpatial(cfg)
	if err != nil {
		return nil, err
	}
	log := p.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return pipeline.NewRunner(pipeline.Deps{
		Models:   models,
		Load:     ScenarioLoader(s, cfg.Data.FeaturesDir, log),
		Weights:  weights,
		Targets:  targets,
		Emitter:  output.NewEmitter(cfg.Output.Dir),
		Ledger:   p.Ledger,
		Observer: p.Observer,
		Metrics:  p.Metrics,
		Logger:   log,
	}, pipeline.Options{
		Regions:            RegionIDs(cfg.Pipeline.Regions),
		Parallelism:        cfg.Pipeline.Parallelism,
		EmitCounty:         cfg.Pipeline.EmitCounty,
		VerifyConservation: cfg.Pipeline.VerifyConservation,
	})
}
