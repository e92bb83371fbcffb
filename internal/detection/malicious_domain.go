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

// MaliciousDomainDetector flags requests whose domain is in the configured
// malicious set, either exactly or as a subdomain of a listed entry.
type MaliciousDomainDetector struct {
	domains    map[string]struct{}
	suffixes   []string
	confidence float64
}

// NewMaliciousDomainDetector creates the domain detector from a config
// snapshot. The set is normalized to lowercase once at construction so
// Check stays allocation-free on the hot path.
func NewMaliciousDomainDetector(cfg Config) *MaliciousDomainDetector {
	d := &MaliciousDomainDetector{
		domains:    make(map[string]struct{}, len(cfg.MaliciousDomains)),
		suffixes:   make([]string, 0, len(cfg.MaliciousDomains)),
		confidence: cfg.MaliciousDomainConfidence,
	}
	for _, dom := range cfg.MaliciousDomains {
		dom = strings.ToLower(strings.TrimSpace(dom))
		if dom == "" {
			continue
		}
		d.domains[dom] = struct{}{}
		d.suffixes = append(d.suffixes, "."+dom)
	}
	return d
}

// Type returns the rule type.
func (d *MaliciousDomainDetector) Type() RuleType {
	return RuleTypeMaliciousDomain
}

// Check fires on an exact or suffix match of the event's domain.
func (d *MaliciousDomainDetector) Check(event *nss.LogEvent, _ behavior.WindowSnapshot) *Anomaly {
	domain := strings.ToLower(event.Domain)
	if domain == "" {
		return nil
	}

	matched := ""
	if _, ok := d.domains[domain]; ok {
		matched = domain
	} else {
		for _, suffix := range d.suffixes {
			if strings.HasSuffix(domain, suffix) {
				matched = strings.TrimPrefix(suffix, ".")
				break
			}
		}
	}
	if matched == "" {
		return nil
	}

	return newAnomaly(RuleTypeMaliciousDomain, event, d.confidence, fmt.Sprintf(
		"domain %s matches malicious-domain list entry %s", event.Domain, matched,
	))
}
