// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package detection

import (
	"time"

	"github.com/tomtom215/logsentry/internal/behavior"
	"github.com/tomtom215/logsentry/internal/nss"
)

// RuleType identifies the type of detection rule. The set is closed:
// every type has exactly one detector and the engine registers all of them.
type RuleType string

const (
	// RuleTypeBurstBlocked flags bursts of blocked requests per user.
	RuleTypeBurstBlocked RuleType = "burst_blocked"

	// RuleTypeMaliciousDomain flags requests to known-bad domains.
	RuleTypeMaliciousDomain RuleType = "malicious_domain"

	// RuleTypeRiskyCategory flags requests in risky URL categories.
	RuleTypeRiskyCategory RuleType = "risky_category"

	// RuleTypeUnusualUserAgent flags automation-tool user agents.
	RuleTypeUnusualUserAgent RuleType = "unusual_user_agent"

	// RuleTypeLargeDownload flags unusually large response bodies.
	RuleTypeLargeDownload RuleType = "large_download"
)

// AllRuleTypes lists every rule type in evaluation order.
func AllRuleTypes() []RuleType {
	return []RuleType{
		RuleTypeBurstBlocked,
		RuleTypeMaliciousDomain,
		RuleTypeRiskyCategory,
		RuleTypeUnusualUserAgent,
		RuleTypeLargeDownload,
	}
}

// Anomaly is a rule-engine finding tied to one event, one user and one
// rule type. Anomalies are immutable once created and owned by the log
// file whose ingestion produced them.
type Anomaly struct {
	ID            string    `json:"id"`
	Type          RuleType  `json:"type"`
	FileID        string    `json:"file_id"`
	SourceEventID string    `json:"source_event_id"`
	UserKey       string    `json:"user_key"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Detector is implemented by every detection rule.
//
// Check is pure with respect to the detector: it consumes one event plus
// the user's window snapshot and returns an anomaly or nil. Detectors
// never error on missing optional fields; absence means the rule does not
// fire for that event. Implementations must be safe for concurrent use.
type Detector interface {
	// Type returns the rule type this detector handles.
	Type() RuleType

	// Check evaluates one event against the rule.
	Check(event *nss.LogEvent, snapshot behavior.WindowSnapshot) *Anomaly
}
