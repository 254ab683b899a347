// project runs forward execution: persisted region models predict hourly
// demand under each weather scenario, the predictions are split across
// counties, summed to states and scaled to the annual state targets.
//
// Usage:
//
//	project -config config.yaml
//	project -years 2040,2060 -scenarios rcp45hotter,rcp85cooler
//	project -years 2050 -scenarios rcp85hotter -county
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"load_projection/internal/app"
	"load_projection/internal/config"
	"load_projection/internal/ledger"
	"load_projection/internal/logger"
	"load_projection/internal/pipeline"
	"load_projection/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults and LOADPROJ_* env when empty)")
	years := flag.String("years", "", "comma-separated years (default: pipeline.years)")
	scenarios := flag.String("scenarios", "", "comma-separated scenarios (default: pipeline.scenarios)")
	county := flag.Bool("county", false, "also write county series")
	verify := flag.Bool("verify", false, "check conservation across levels")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *years != "" {
		ys, err := parseYears(*years)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -years: %v\n", err)
			os.Exit(1)
		}
		cfg.Pipeline.Years = ys
	}
	if *scenarios != "" {
		cfg.Pipeline.Scenarios = splitList(*scenarios)
	}
	cfg.Pipeline.EmitCounty = cfg.Pipeline.EmitCounty || *county
	cfg.Pipeline.VerifyConservation = cfg.Pipeline.VerifyConservation || *verify
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := run(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("Projection failed")
		stop()
		os.Exit(1)
	}
	printReport(os.Stdout, rep)
	if rep.Status() == ledger.StatusFailed {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*pipeline.RunReport, error) {
	units := pipeline.Units(cfg.Pipeline.Years, cfg.Pipeline.Scenarios)
	if len(units) == 0 {
		return nil, fmt.Errorf("nothing to project: set pipeline.years and pipeline.scenarios")
	}

	l, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if l != nil {
		defer l.Close()
	}

	s := store.New()
	models := app.NewRegistry(cfg, s, log, nil, nil)
	runner, err := app.NewRunner(cfg, models, s, app.Projection{Ledger: l, Logger: log})
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, units), nil
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

func parseYears(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		y, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("year %q: %w", part, err)
		}
		out = append(out, y)
	}
	return out, nil
}

// printReport writes the summary rows of every unit and its failures.
func printReport(w io.Writer, rep *pipeline.RunReport) {
	fmt.Fprintf(w, "Run %s: %s (%d units, %s)\n\n", rep.RunID, rep.Status(), len(rep.Units),
		rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))

	fmt.Fprintf(w, "%-6s  %-4s  %-16s  %16s  %16s  %10s\n", "State", "Year", "Scenario", "Raw (MWh)", "Target (MWh)", "Factor")
	fmt.Fprintf(w, "%-6s  %-4s  %-16s  %16s  %16s  %10s\n", "------", "----", "----------------", "----------------", "----------------", "----------")
	for _, u := range rep.Units {
		for _, row := range u.Summary {
			fmt.Fprintf(w, "%-6s  %-4d  %-16s  %16.0f  %16.0f  %10.4f\n",
				row.State, row.Year, row.Scenario, row.RawTotal, row.TargetTotal, row.ScaleFactor)
		}
	}

	for _, u := range rep.Units {
		if u.Err == nil && len(u.Failures) == 0 && len(u.Warnings) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", u.Unit)
		if u.Err != nil {
			fmt.Fprintf(w, "  halted: %v\n", u.Err)
		}
		for _, f := range u.Failures {
			fmt.Fprintf(w, "  %s\n", f)
		}
		for region, ws := range u.Warnings {
			for _, dw := range ws {
				fmt.Fprintf(w, "  %s out of domain: %s\n", region, dw)
			}
		}
	}
	if rep.Cancelled {
		fmt.Fprintln(w, "\nRun was cancelled; remaining units were skipped.")
	}
}
