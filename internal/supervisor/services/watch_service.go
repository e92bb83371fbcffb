// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package services wraps the application's long-running components as
// supervised suture services.
package services

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomtom215/logsentry/internal/ingest"
	"github.com/tomtom215/logsentry/internal/logging"
)

// Ingestor starts asynchronous processing of one upload.
// Satisfied by *ingest.Service.
type Ingestor interface {
	Ingest(ctx context.Context, name string, r io.Reader) (*ingest.FileHandle, error)
}

// Suffixes appended to dropped files once a run finalizes. Files
// already carrying one are never picked up again.
const (
	suffixDone   = ".done"
	suffixFailed = ".failed"
)

// WatchService polls a drop directory for NSS log files and feeds them
// to the pipeline. Processed files are renamed in place with an outcome
// suffix so restarts never re-ingest them.
type WatchService struct {
	ingestor Ingestor
	dir      string
	interval time.Duration
}

// NewWatchService builds a watcher over dir, polling at interval.
func NewWatchService(ingestor Ingestor, dir string, interval time.Duration) *WatchService {
	return &WatchService{ingestor: ingestor, dir: dir, interval: interval}
}

// Serve implements suture.Service. It returns ctx.Err() on shutdown.
func (w *WatchService) Serve(ctx context.Context) error {
	logging.Info().Str("dir", w.dir).Dur("interval", w.interval).Msg("Watching for log files")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.scan(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (w *WatchService) String() string { return "intake-watcher" }

func (w *WatchService) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logging.Warn().Err(err).Str("dir", w.dir).Msg("Watch directory unreadable")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !eligible(entry.Name()) {
			continue
		}
		w.ingestFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// eligible accepts plain and gzipped log files that have not been
// claimed or finalized by a previous scan.
func eligible(name string) bool {
	if strings.HasSuffix(name, suffixDone) || strings.HasSuffix(name, suffixFailed) {
		return false
	}
	switch {
	case strings.HasSuffix(name, ".log"),
		strings.HasSuffix(name, ".log.gz"),
		strings.HasSuffix(name, ".txt"):
		return true
	}
	return false
}

// ingestFile claims the file by renaming it, runs it through the
// pipeline, and marks the outcome. The rename doubles as a lock against
// a concurrent scanner instance.
func (w *WatchService) ingestFile(ctx context.Context, path string) {
	claimed := path + ".ingesting"
	if err := os.Rename(path, claimed); err != nil {
		return // claimed by someone else, or vanished
	}

	f, err := os.Open(claimed)
	if err != nil {
		logging.Error().Err(err).Str("path", claimed).Msg("Failed to open dropped file")
		return
	}

	handle, err := w.ingestor.Ingest(ctx, filepath.Base(path), f)
	if err != nil {
		f.Close()
		logging.Error().Err(err).Str("path", path).Msg("Failed to start ingestion")
		w.mark(claimed, path+suffixFailed)
		return
	}

	go func() {
		defer f.Close()
		file, runErr := handle.Wait(context.WithoutCancel(ctx))
		if runErr != nil || file == nil {
			w.mark(claimed, path+suffixFailed)
			return
		}
		logging.Info().
			Str("path", path).
			Str("file_id", file.ID).
			Int64("entries", file.TotalEntries).
			Msg("Dropped file ingested")
		w.mark(claimed, path+suffixDone)
	}()
}

func (w *WatchService) mark(from, to string) {
	if err := os.Rename(from, to); err != nil {
		logging.Error().Err(err).Str("path", from).Msg("Failed to mark file outcome")
	}
}
