// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package detection evaluates deterministic threat rules against parsed
// proxy events. All rules are explainable: every anomaly carries a
// human-readable reason and a confidence derived from a documented policy,
// never from a model.
package detection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/logsentry/internal/behavior"
	"github.com/tomtom215/logsentry/internal/logging"
	"github.com/tomtom215/logsentry/internal/metrics"
	"github.com/tomtom215/logsentry/internal/nss"
)

// Engine runs the closed set of detection rules against events.
//
// Rules are independent and not mutually exclusive: one event may yield
// several anomalies of different types, all sharing the source event ID.
// The engine itself is stateless between events; all cross-event state
// lives in the behavior store snapshot handed to Check.
type Engine struct {
	detectors []Detector
	config    Config

	metricsMu sync.Mutex
	stats     EngineStats
}

// EngineStats tracks engine activity since construction.
type EngineStats struct {
	EventsEvaluated int64
	AnomaliesFound  int64
	ByType          map[RuleType]int64
	LastEvaluatedAt time.Time
}

// NewEngine validates the config snapshot and builds all five detectors.
// An invalid snapshot is a hard error: ingestion must not run with a rule
// silently disabled.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config: cfg,
		detectors: []Detector{
			NewBurstBlockedDetector(cfg),
			NewMaliciousDomainDetector(cfg),
			NewRiskyCategoryDetector(cfg),
			NewUnusualUserAgentDetector(cfg),
			NewLargeDownloadDetector(cfg),
		},
		stats: EngineStats{ByType: make(map[RuleType]int64)},
	}

	logging.Debug().
		Str("config_version", cfg.Version).
		Int("detectors", len(e.detectors)).
		Msg("detection engine ready")
	return e, nil
}

// Config returns the snapshot the engine was built from.
func (e *Engine) Config() Config {
	return e.config
}

// Evaluate runs every detector against the event and returns all
// anomalies, stamped with the owning file ID. Safe for concurrent use.
func (e *Engine) Evaluate(fileID string, event *nss.LogEvent, snapshot behavior.WindowSnapshot) []Anomaly {
	var anomalies []Anomaly
	for _, d := range e.detectors {
		if a := d.Check(event, snapshot); a != nil {
			a.FileID = fileID
			anomalies = append(anomalies, *a)
			metrics.AnomaliesDetected.WithLabelValues(string(a.Type)).Inc()
		}
	}

	e.metricsMu.Lock()
	e.stats.EventsEvaluated++
	e.stats.AnomaliesFound += int64(len(anomalies))
	for i := range anomalies {
		e.stats.ByType[anomalies[i].Type]++
	}
	e.stats.LastEvaluatedAt = time.Now()
	e.metricsMu.Unlock()

	return anomalies
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() EngineStats {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()

	out := e.stats
	out.ByType = make(map[RuleType]int64, len(e.stats.ByType))
	for k, v := range e.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

// newAnomaly builds an anomaly for one event. FileID is stamped by the
// engine, which is the only producer of anomalies.
func newAnomaly(ruleType RuleType, event *nss.LogEvent, confidence float64, reason string) *Anomaly {
	return &Anomaly{
		ID:            uuid.New().String(),
		Type:          ruleType,
		SourceEventID: event.ID,
		UserKey:       event.UserKey(),
		Confidence:    confidence,
		Reason:        reason,
		DetectedAt:    time.Now().UTC(),
	}
}
