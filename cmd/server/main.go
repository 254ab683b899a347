package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"load_projection/internal/app"
	"load_projection/internal/config"
	"load_projection/internal/ingest"
	"load_projection/internal/logger"
	"load_projection/internal/metrics"
	"load_projection/internal/store"
	"load_projection/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults and LOADPROJ_* env when empty)")
	addr := flag.String("addr", "", "listen address (default: server.addr)")
	train := flag.Bool("train", false, "train every region on the historical features before serving")
	frontendDir := flag.String("frontend-dir", "", "directory containing a frontend build")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log, *train, *frontendDir); err != nil {
		log.WithError(err).Error("Server failed")
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger, train bool, frontendDir string) error {
	m := metrics.New()
	s := store.New()

	hub := ws.NewHub(log)
	bridge := ws.NewBridge(hub, log)
	models := app.NewRegistry(cfg, s, log, m, bridge)

	if train {
		window, err := cfg.Window()
		if err != nil {
			return err
		}
		if _, err := ingest.LoadHistorical(s, cfg.Data.FeaturesDir, log); err != nil {
			return fmt.Errorf("loading historical features: %w", err)
		}
		regions := app.RegionIDs(cfg.Training.Regions)
		if len(regions) == 0 {
			regions = s.Regions(store.Historical)
		}
		res := models.TrainMany(ctx, regions, window, cfg.Training.Parallelism)
		log.WithFields(logrus.Fields{"trained": len(res.Results), "failed": len(res.Failures)}).Info("Regions trained")
		// feature tables are reloaded per unit
		s.DropSource(store.Historical)
	}

	l, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	if l != nil {
		defer l.Close()
	}

	runner, err := app.NewRunner(cfg, models, s, app.Projection{Ledger: l, Observer: bridge, Metrics: m, Logger: log})
	if err != nil {
		return err
	}

	control := ws.NewRunControl(ctx, runner)
	regions := make([]string, 0)
	for _, r := range runner.Regions() {
		regions = append(regions, string(r))
	}
	handler := ws.NewHandler(hub, control, regions, log)

	mux := newMux(handler, m)
	if frontendDir != "" {
		if _, err := os.Stat(frontendDir); err == nil {
			log.WithField("dir", frontendDir).Info("Serving frontend")
			mux.Handle("/", http.FileServer(http.Dir(frontendDir)))
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// the run context derives from ctx, so an active run stops at its next unit
	control.Wait()
	return err
}

// newMux routes the health probe, the Prometheus scrape endpoint and the
// WebSocket control channel.
func newMux(handler http.Handler, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("/ws", handler)
	return mux
}
