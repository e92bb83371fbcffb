// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package detection

import (
	"fmt"
	"time"

	"github.com/tomtom215/logsentry/internal/behavior"
	"github.com/tomtom215/logsentry/internal/nss"
)

// burstConfidenceBase is the confidence at exactly the threshold.
const burstConfidenceBase = 0.8

// burstConfidenceStep is the confidence gained per blocked request above
// the threshold, up to the 1.0 cap.
const burstConfidenceStep = 0.02

// BurstBlockedDetector flags users whose blocked-request count within the
// trailing window crosses both an absolute threshold and a blocked/total
// ratio. The ratio guard keeps heavy-but-mostly-allowed users from firing.
type BurstBlockedDetector struct {
	window    time.Duration
	threshold int
	ratio     float64
}

// NewBurstBlockedDetector creates the burst detector from a config snapshot.
func NewBurstBlockedDetector(cfg Config) *BurstBlockedDetector {
	return &BurstBlockedDetector{
		window:    cfg.BurstWindow,
		threshold: cfg.BurstThreshold,
		ratio:     cfg.BurstRatio,
	}
}

// Type returns the rule type.
func (d *BurstBlockedDetector) Type() RuleType {
	return RuleTypeBurstBlocked
}

// Check fires when the event is blocked and the user's window holds at
// least threshold blocked requests making up at least ratio of the total.
// Boundaries are inclusive: exactly threshold blocked at exactly ratio fires.
func (d *BurstBlockedDetector) Check(event *nss.LogEvent, snapshot behavior.WindowSnapshot) *Anomaly {
	if !event.IsBlocked() {
		return nil
	}
	if snapshot.BlockedCount < d.threshold {
		return nil
	}
	if snapshot.BlockedRatio() < d.ratio {
		return nil
	}

	confidence := burstConfidenceBase + float64(snapshot.BlockedCount-d.threshold)*burstConfidenceStep
	if confidence > 1.0 {
		confidence = 1.0
	}

	return newAnomaly(RuleTypeBurstBlocked, event, confidence, fmt.Sprintf(
		"%d of %d requests blocked for %s within %s window",
		snapshot.BlockedCount, snapshot.TotalCount, event.UserKey(), d.window,
	))
}
