// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package detection

import (
	"fmt"

	"github.com/tomtom215/logsentry/internal/behavior"
	"github.com/tomtom215/logsentry/internal/nss"
)

// largeDownloadConfidenceBase is the confidence at exactly the threshold.
const largeDownloadConfidenceBase = 0.65

// LargeDownloadDetector flags responses at or above the configured size
// threshold. Confidence grows with size relative to the threshold and
// reaches the 1.0 cap at twice the threshold.
type LargeDownloadDetector struct {
	thresholdBytes int64
}

// NewLargeDownloadDetector creates the download detector from a config
// snapshot.
func NewLargeDownloadDetector(cfg Config) *LargeDownloadDetector {
	return &LargeDownloadDetector{thresholdBytes: cfg.LargeDownloadBytes}
}

// Type returns the rule type.
func (d *LargeDownloadDetector) Type() RuleType {
	return RuleTypeLargeDownload
}

// Check fires iff ResponseBytes is present and at least the threshold.
// A nil ResponseBytes is skipped, never treated as zero.
func (d *LargeDownloadDetector) Check(event *nss.LogEvent, _ behavior.WindowSnapshot) *Anomaly {
	if event.ResponseBytes == nil {
		return nil
	}
	size := *event.ResponseBytes
	if size < d.thresholdBytes {
		return nil
	}

	excess := float64(size-d.thresholdBytes) / float64(d.thresholdBytes)
	confidence := largeDownloadConfidenceBase + (1.0-largeDownloadConfidenceBase)*excess
	if confidence > 1.0 {
		confidence = 1.0
	}

	return newAnomaly(RuleTypeLargeDownload, event, confidence, fmt.Sprintf(
		"response of %.2f MB exceeds %.0f MB download threshold",
		float64(size)/(1024*1024), float64(d.thresholdBytes)/(1024*1024),
	))
}
