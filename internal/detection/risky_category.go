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

// RiskyCategoryDetector flags requests whose URL category or
// super-category is in the configured risky set. A match on either field
// is sufficient; when both match, the category match wins.
type RiskyCategoryDetector struct {
	weights map[string]float64 // lowercase category -> confidence
}

// NewRiskyCategoryDetector creates the category detector from a config
// snapshot, lowercasing the set for case-insensitive matching.
func NewRiskyCategoryDetector(cfg Config) *RiskyCategoryDetector {
	d := &RiskyCategoryDetector{weights: make(map[string]float64, len(cfg.RiskyCategories))}
	for cat, w := range cfg.RiskyCategories {
		d.weights[strings.ToLower(strings.TrimSpace(cat))] = w
	}
	return d
}

// Type returns the rule type.
func (d *RiskyCategoryDetector) Type() RuleType {
	return RuleTypeRiskyCategory
}

// Check fires when URLCategory or URLSuperCategory is in the risky set.
func (d *RiskyCategoryDetector) Check(event *nss.LogEvent, _ behavior.WindowSnapshot) *Anomaly {
	if anomaly := d.match(event, event.URLCategory, "category"); anomaly != nil {
		return anomaly
	}
	return d.match(event, event.URLSuperCategory, "super-category")
}

func (d *RiskyCategoryDetector) match(event *nss.LogEvent, category, field string) *Anomaly {
	if category == "" {
		return nil
	}
	weight, ok := d.weights[strings.ToLower(category)]
	if !ok {
		return nil
	}
	return newAnomaly(RuleTypeRiskyCategory, event, weight, fmt.Sprintf(
		"URL %s %q is in the risky-category list", field, category,
	))
}
