// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tomtom215/logsentry/internal/config"
	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/logging"
	"github.com/tomtom215/logsentry/internal/risk"
	"github.com/tomtom215/logsentry/internal/storage"
)

// Service is the external surface of the analyzer: file ingestion plus
// queries over committed results and live risk scores.
type Service struct {
	pipeline *Pipeline
	store    storage.Store
	scorer   *risk.Scorer
}

// NewService builds the scorer, seeds it from persisted user
// aggregates, and wires the pipeline.
func NewService(cfg *config.Config, store storage.Store) (*Service, error) {
	scorer, err := risk.NewScorer(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("risk scorer: %w", err)
	}

	aggregates, err := store.ListUserAggregates(context.Background())
	if err != nil {
		return nil, fmt.Errorf("restore risk scores: %w", err)
	}
	for _, agg := range aggregates {
		scorer.Restore(risk.UserScore{
			UserKey:      agg.UserKey,
			Score:        agg.RiskScore,
			AnomalyCount: agg.AnomalyCount,
			LastUpdate:   agg.LastUpdate,
		})
	}
	if len(aggregates) > 0 {
		logging.Info().Int("users", len(aggregates)).Msg("Risk scores restored")
	}

	return &Service{
		pipeline: NewPipeline(cfg.Ingest, cfg.Detection, store, scorer),
		store:    store,
		scorer:   scorer,
	}, nil
}

// Ingest starts asynchronous processing of a new upload.
func (s *Service) Ingest(ctx context.Context, name string, r io.Reader) (*FileHandle, error) {
	return s.pipeline.Ingest(ctx, name, r)
}

// Reingest reprocesses an already-known file with fresh content. The
// new results atomically replace the previous run's.
func (s *Service) Reingest(ctx context.Context, fileID string, r io.Reader) (*FileHandle, error) {
	return s.pipeline.Reingest(ctx, fileID, r)
}

// QueryAnomalies returns committed anomalies matching the filter.
func (s *Service) QueryAnomalies(ctx context.Context, filter storage.AnomalyFilter) ([]detection.Anomaly, error) {
	return s.store.QueryAnomalies(ctx, filter)
}

// UserRiskScore returns the user's current decayed score. Unknown users
// score zero; querying never mutates state.
func (s *Service) UserRiskScore(_ context.Context, userKey string) risk.UserScore {
	return s.scorer.Snapshot(userKey, time.Now().UTC())
}

// HighRiskUsers returns every user whose decayed score is at or above
// the high-risk threshold.
func (s *Service) HighRiskUsers(ctx context.Context) ([]risk.UserScore, error) {
	aggregates, err := s.store.ListUserAggregates(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	threshold := s.scorer.Config().HighRiskThreshold

	var out []risk.UserScore
	for _, agg := range aggregates {
		score := s.scorer.Snapshot(agg.UserKey, now)
		if score.Score >= threshold {
			out = append(out, score)
		}
	}
	return out, nil
}

// FileSummary describes one file's processing outcome.
type FileSummary struct {
	File          *storage.LogFile             `json:"file"`
	EventCount    int64                        `json:"event_count"`
	AnomalyCounts map[detection.RuleType]int64 `json:"anomaly_counts"`
}

// FileSummary reports the file record plus committed event and anomaly
// counts. Uncommitted generations are invisible here.
func (s *Service) FileSummary(ctx context.Context, fileID string) (*FileSummary, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.CountEvents(ctx, fileID)
	if err != nil {
		return nil, err
	}
	anomalies, err := s.store.QueryAnomalies(ctx, storage.AnomalyFilter{FileID: fileID})
	if err != nil {
		return nil, err
	}

	counts := make(map[detection.RuleType]int64, len(detection.AllRuleTypes()))
	for _, a := range anomalies {
		counts[a.Type]++
	}
	return &FileSummary{File: file, EventCount: events, AnomalyCounts: counts}, nil
}

// ListFiles returns every known file record.
func (s *Service) ListFiles(ctx context.Context) ([]*storage.LogFile, error) {
	return s.store.ListFiles(ctx)
}
