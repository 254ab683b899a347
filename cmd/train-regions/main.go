// train-regions fits one demand model per balancing region on the historical
// feature tables, prints the validation statistics of every region and
// optionally persists the models.
//
// Usage:
//
//	train-regions -config config.yaml
//	train-regions -regions CISO,ERCO -save
//	train-regions -save -overwrite
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"load_projection/internal/app"
	"load_projection/internal/config"
	"load_projection/internal/ingest"
	"load_projection/internal/ledger"
	"load_projection/internal/logger"
	"load_projection/internal/model"
	"load_projection/internal/registry"
	"load_projection/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults and LOADPROJ_* env when empty)")
	regions := flag.String("regions", "", "comma-separated regions to train (default: training.regions, then every historical region)")
	save := flag.Bool("save", false, "persist trained models to model.dir")
	overwrite := flag.Bool("overwrite", false, "replace existing model files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *regions != "" {
		cfg.Training.Regions = splitList(*regions)
	}
	cfg.Model.Save = cfg.Model.Save || *save
	cfg.Model.Overwrite = cfg.Model.Overwrite || *overwrite
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdout); err != nil {
		log.WithError(err).Error("Training failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, out io.Writer) error {
	window, err := cfg.Window()
	if err != nil {
		return err
	}

	s := store.New()
	n, err := ingest.LoadHistorical(s, cfg.Data.FeaturesDir, log)
	if err != nil {
		return fmt.Errorf("loading historical features: %w", err)
	}
	log.WithField("regions", n).Info("Historical features loaded")

	regions := app.RegionIDs(cfg.Training.Regions)
	if len(regions) == 0 {
		regions = s.Regions(store.Historical)
	}
	if len(regions) == 0 {
		return fmt.Errorf("no regions to train under %s", cfg.Data.FeaturesDir)
	}

	l, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	if l != nil {
		defer l.Close()
	}

	runID := uuid.New()
	if l != nil {
		note := fmt.Sprintf("%d regions, %s", len(regions), window.Eval().Start.Format("2006-01-02"))
		if _, err := l.StartRun(ctx, runID, ledger.KindTrain, note); err != nil {
			log.WithError(err).Warn("Ledger unavailable")
			l = nil
		}
	}

	reg := app.NewRegistry(cfg, s, log, nil, nil)
	fmt.Fprintf(out, "Training %d regions: family=%s train=%s..%s eval=..%s\n",
		len(regions), cfg.Model.Family, cfg.Training.Start, cfg.Training.Split, cfg.Training.End)
	res := reg.TrainMany(ctx, regions, window, cfg.Training.Parallelism)

	printValidation(out, res)

	status := trainStatus(res)
	if l != nil {
		lctx := context.WithoutCancel(ctx)
		if err := l.RecordValidations(lctx, runID, validations(res)); err != nil {
			log.WithError(err).Warn("Failed to record validations")
		}
		if err := l.RecordFailures(lctx, runID, "train", res.Failures); err != nil {
			log.WithError(err).Warn("Failed to record failures")
		}
		if err := l.FinishRun(lctx, runID, status); err != nil {
			log.WithError(err).Warn("Failed to finish ledger run")
		}
		fmt.Fprintf(out, "\nRun %s recorded as %s\n", runID, status)
	}

	if status == ledger.StatusFailed {
		return fmt.Errorf("no region trained")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validations(res registry.BatchResult) []model.ValidationRecord {
	out := make([]model.ValidationRecord, 0, len(res.Results))
	for _, o := range res.Results {
		out = append(out, o.Validation)
	}
	slices.SortFunc(out, func(a, b model.ValidationRecord) int { return strings.Compare(string(a.Region), string(b.Region)) })
	return out
}

func trainStatus(res registry.BatchResult) string {
	switch {
	case res.Cancelled:
		return ledger.StatusCancelled
	case len(res.Results) == 0:
		return ledger.StatusFailed
	case len(res.Failures) > 0:
		return ledger.StatusPartial
	default:
		return ledger.StatusOK
	}
}

// printValidation writes one line per trained region followed by the
// failures.
func printValidation(w io.Writer, res registry.BatchResult) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-10s  %7s  %12s  %8s  %8s  %7s  %8s\n", "Region", "N", "Mean", "NRMSE", "MAPE %", "R2", "Time")
	fmt.Fprintf(w, "%-10s  %7s  %12s  %8s  %8s  %7s  %8s\n", "----------", "-------", "------------", "--------", "--------", "-------", "--------")
	for _, v := range validations(res) {
		o := res.Results[v.Region]
		fmt.Fprintf(w, "%-10s  %7d  %12.1f  %8.4f  %8.2f  %7.3f  %8s\n",
			v.Region, v.N, v.MeanObserved, v.NRMSE, 100*v.MAPE, v.R2, o.Duration.Round(time.Millisecond))
	}

	if len(res.Failures) > 0 {
		fmt.Fprintf(w, "\nFailed regions (%d):\n", len(res.Failures))
		for _, f := range res.Failures {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
	if res.Cancelled {
		fmt.Fprintln(w, "\nTraining was cancelled; remaining regions were skipped.")
	}
}
