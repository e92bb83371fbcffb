// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/logsentry/internal/config"
	"github.com/tomtom215/logsentry/internal/logging"
	"github.com/tomtom215/logsentry/internal/metrics"
)

// storageWriter serializes storage writes through bounded retries and a
// circuit breaker. Once the breaker opens, further writes fail fast so a
// dead store cannot stall every in-flight file for the full retry budget.
type storageWriter struct {
	cfg     config.IngestConfig
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func newStorageWriter(cfg config.IngestConfig) *storageWriter {
	settings := gobreaker.Settings{
		Name:    "storage",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Storage circuit breaker state changed")
		},
	}
	return &storageWriter{
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// do runs op with exponential backoff and jitter. Every attempt passes
// through the breaker; an open breaker aborts immediately.
func (w *storageWriter) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	backoff := w.cfg.StorageInitialBackoff
	var lastErr error

	for attempt := 0; attempt <= w.cfg.StorageRetries; attempt++ {
		if attempt > 0 {
			metrics.StorageRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > w.cfg.StorageMaxBackoff {
				backoff = w.cfg.StorageMaxBackoff
			}
		}

		_, lastErr = w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, op(ctx)
		})
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		logging.Warn().
			Err(lastErr).
			Str("operation", name).
			Int("attempt", attempt+1).
			Msg("Storage write failed")
	}
	return fmt.Errorf("%s: retries exhausted: %w", name, lastErr)
}

// jitter spreads a delay over [d/2, d) so concurrent files do not retry
// in lockstep.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
