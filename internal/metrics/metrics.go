// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline, detection engine and storage layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion pipeline metrics.

	LinesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_lines_processed_total",
			Help: "Total number of log lines read from uploaded files",
		},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_parse_errors_total",
			Help: "Total number of unparsable log lines by reason",
		},
		[]string{"reason"},
	)

	FilesFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_files_finalized_total",
			Help: "Total number of log files reaching a terminal status",
		},
		[]string{"status", "reason"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logsentry_ingest_duration_seconds",
			Help:    "Wall-clock duration of one file ingestion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~3.4min
		},
	)

	ActiveIngestions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logsentry_active_ingestions",
			Help: "Number of files currently being processed",
		},
	)

	// Detection engine metrics.

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_anomalies_detected_total",
			Help: "Total number of anomalies emitted by rule type",
		},
		[]string{"rule_type"},
	)

	// Risk scorer metrics.

	RiskScoreUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_risk_score_updates_total",
			Help: "Total number of per-user risk score mutations",
		},
	)

	HighRiskUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logsentry_high_risk_users",
			Help: "Number of users at or above the high-risk threshold at last scoring pass",
		},
	)

	// Storage metrics.

	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_storage_operations_total",
			Help: "Total storage operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	StorageRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_storage_retries_total",
			Help: "Total storage operations retried after transient failure",
		},
	)
)
