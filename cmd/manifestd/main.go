// Command manifestd is the thin control surface over the two engines:
// start/stop/status/stats per engine, read-only file listing, health, and
// Prometheus metrics. It is an internal service — access control is the
// deployment's concern.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/arnweb/dfsrag/control"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("manifestd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file")
	listen := flags.String("listen", "", "listen address (overrides config)")
	dbPath := flags.String("db-path", "", "manifest database file (overrides config)")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		logger.Error("config_load_failed", "error", err)
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	manager := control.NewManager(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		control.NewManifestCollector(cfg.DBPath, logger),
	)

	api := &apiServer{
		manager: manager,
		config:  cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Route("/bootstrap", func(r chi.Router) {
			r.Post("/start", api.startBootstrap)
			r.Post("/stop", api.stopBootstrap)
			r.Get("/status", api.bootstrapStatus)
			r.Get("/stats", api.bootstrapStats)
		})
		r.Route("/ingestion", func(r chi.Router) {
			r.Post("/start", api.startIngestion)
			r.Post("/stop", api.stopIngestion)
			r.Get("/status", api.ingestionStatus)
			r.Get("/stats", api.ingestionStats)
		})
		r.Get("/files", api.listFiles)
		r.Get("/files/{id}", api.getFile)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("manifestd_listening", "addr", cfg.Listen, "db_path", cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting_down")
		// Stop any live engines first so they flush their state.
		manager.StopBootstrap()
		manager.StopIngestion()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return 130
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
