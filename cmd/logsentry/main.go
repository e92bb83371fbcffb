// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package main is the entry point for the LogSentry analyzer.
//
// LogSentry ingests Zscaler NSS proxy log exports, detects suspicious
// behavior with deterministic rules, and maintains decaying per-user
// risk scores across uploads.
//
// # Modes
//
// With file arguments, LogSentry runs one-shot: each file is ingested,
// a summary is printed, and the process exits non-zero if any file
// failed.
//
//	logsentry proxy-2025-06-02.log exports/friday.log.gz
//
// Without arguments it runs as a daemon: the supervision tree keeps the
// drop-directory watcher (LOGSENTRY_INGEST_WATCH_DIR) and the
// Prometheus endpoint (LOGSENTRY_METRICS_LISTEN) running until SIGINT
// or SIGTERM.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, an optional YAML file found
// via LOGSENTRY_CONFIG_PATH or the default search paths, and built-in
// defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/logsentry/internal/config"
	"github.com/tomtom215/logsentry/internal/ingest"
	"github.com/tomtom215/logsentry/internal/logging"
	"github.com/tomtom215/logsentry/internal/storage"
	"github.com/tomtom215/logsentry/internal/supervisor"
	"github.com/tomtom215/logsentry/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.Logging)
	logging.Info().
		Str("storage_path", cfg.Storage.Path).
		Str("watch_dir", cfg.Ingest.WatchDir).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("Starting LogSentry")

	store, err := openStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	svc, err := ingest.NewService(cfg, store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build ingestion service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if files := os.Args[1:]; len(files) > 0 {
		if !runOnce(ctx, svc, files) {
			store.Close()
			os.Exit(1)
		}
		return
	}

	runDaemon(ctx, cfg, svc)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Path == "" {
		logging.Warn().Msg("No storage path configured; results will not survive restarts")
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenBadger(cfg.Storage.Path)
}

// runOnce ingests the named files sequentially and prints a summary per
// file. Returns false if any file failed.
func runOnce(ctx context.Context, svc *ingest.Service, paths []string) bool {
	ok := true
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			logging.Error().Err(err).Str("path", path).Msg("Cannot open file")
			ok = false
			continue
		}

		handle, err := svc.Ingest(ctx, path, f)
		if err != nil {
			f.Close()
			logging.Error().Err(err).Str("path", path).Msg("Cannot start ingestion")
			ok = false
			continue
		}
		file, runErr := handle.Wait(ctx)
		f.Close()

		if runErr != nil || file == nil {
			logging.Error().Err(runErr).Str("path", path).Msg("Ingestion failed")
			ok = false
			continue
		}

		summary, err := svc.FileSummary(ctx, file.ID)
		if err != nil {
			logging.Error().Err(err).Str("file_id", file.ID).Msg("Cannot summarize file")
			ok = false
			continue
		}
		fmt.Printf("%s: %d entries, %d parse errors", path, file.TotalEntries, file.ParseErrors)
		for ruleType, n := range summary.AnomalyCounts {
			fmt.Printf(", %s=%d", ruleType, n)
		}
		fmt.Println()
	}
	return ok
}

// runDaemon serves the supervision tree until the context is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, svc *ingest.Service) {
	tree := supervisor.NewTree(supervisorLogger(cfg), supervisor.DefaultTreeConfig())

	if cfg.Ingest.WatchDir != "" {
		tree.AddIntakeService(services.NewWatchService(svc, cfg.Ingest.WatchDir, cfg.Ingest.WatchInterval))
	} else {
		logging.Warn().Msg("No watch directory configured; daemon mode has no intake")
	}
	if cfg.Metrics.Enabled {
		tree.AddTelemetryService(services.NewMetricsService(cfg.Metrics.Listen))
	}

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor exited")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, s := range report {
			logging.Warn().Str("service", s.Name).Msg("Service did not stop in time")
		}
	}
	logging.Info().Msg("Shutdown complete")
}

// supervisorLogger adapts the configured log level for sutureslog.
func supervisorLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "trace", "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error", "fatal":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
