// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package detection

import (
	"fmt"
	"strings"

	"github.com/tomtom215/logsentry/internal/behavior"
	"github.com/tomtom215/logsentry/internal/nss"
)

// UnusualUserAgentDetector flags requests whose user agent matches a
// configured automation-tool pattern (curl, python-requests, wget and
// friends) by case-insensitive substring.
type UnusualUserAgentDetector struct {
	patterns   []string // lowercase
	confidence float64
}

// NewUnusualUserAgentDetector creates the user-agent detector from a
// config snapshot.
func NewUnusualUserAgentDetector(cfg Config) *UnusualUserAgentDetector {
	d := &UnusualUserAgentDetector{
		patterns:   make([]string, 0, len(cfg.UserAgentPatterns)),
		confidence: cfg.UserAgentConfidence,
	}
	for _, p := range cfg.UserAgentPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			d.patterns = append(d.patterns, p)
		}
	}
	return d
}

// Type returns the rule type.
func (d *UnusualUserAgentDetector) Type() RuleType {
	return RuleTypeUnusualUserAgent
}

// Check fires on the first matching pattern. An empty user agent never
// fires: absence of the field is not evidence of automation.
func (d *UnusualUserAgentDetector) Check(event *nss.LogEvent, _ behavior.WindowSnapshot) *Anomaly {
	if event.UserAgent == "" {
		return nil
	}
	ua := strings.ToLower(event.UserAgent)
	for _, pattern := range d.patterns {
		if strings.Contains(ua, pattern) {
			return newAnomaly(RuleTypeUnusualUserAgent, event, d.confidence, fmt.Sprintf(
				"user agent matches automation pattern %q", pattern,
			))
		}
	}
	return nil
}
