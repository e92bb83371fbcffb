// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package detection

import (
	"errors"
	"time"
)

// ErrInvalidConfig is returned when detection configuration cannot be used.
// Ingestion fails fast on it rather than silently disabling a rule.
var ErrInvalidConfig = errors.New("invalid detection configuration")

// Config is the versioned detection configuration snapshot. It is loaded
// once per ingestion run; a mid-run change never retroactively affects
// events already processed in that run.
type Config struct {
	// Version identifies the configuration snapshot in logs and anomalies.
	Version string `json:"version" koanf:"version"`

	// BurstWindow is the trailing window for burst detection.
	BurstWindow time.Duration `json:"burst_window" koanf:"burst_window"`

	// BurstThreshold is the minimum blocked-request count in the window.
	BurstThreshold int `json:"burst_threshold" koanf:"burst_threshold"`

	// BurstRatio is the minimum blocked/total ratio in the window.
	BurstRatio float64 `json:"burst_ratio" koanf:"burst_ratio"`

	// MaliciousDomains are matched exactly or as suffixes, case-insensitive.
	MaliciousDomains []string `json:"malicious_domains" koanf:"malicious_domains"`

	// MaliciousDomainConfidence is the fixed confidence for domain hits.
	MaliciousDomainConfidence float64 `json:"malicious_domain_confidence" koanf:"malicious_domain_confidence"`

	// RiskyCategories maps category name to confidence weight. Matching is
	// case-insensitive against both category and super-category.
	RiskyCategories map[string]float64 `json:"risky_categories" koanf:"risky_categories"`

	// UserAgentPatterns are case-insensitive substrings of automation tools.
	UserAgentPatterns []string `json:"user_agent_patterns" koanf:"user_agent_patterns"`

	// UserAgentConfidence is the fixed confidence for user-agent hits.
	UserAgentConfidence float64 `json:"user_agent_confidence" koanf:"user_agent_confidence"`

	// LargeDownloadBytes is the response-size threshold in bytes.
	LargeDownloadBytes int64 `json:"large_download_bytes" koanf:"large_download_bytes"`
}

// DefaultConfig returns the built-in detection configuration. The default
// sets mirror the threat feeds this system ships with; deployments
// override them via the configuration file.
func DefaultConfig() Config {
	return Config{
		Version:        "builtin",
		BurstWindow:    5 * time.Minute,
		BurstThreshold: 10,
		BurstRatio:     0.5,
		MaliciousDomains: []string{
			"phishing-login.co",
			"suspicious-domain.xyz",
			"malicious-example.ru",
		},
		MaliciousDomainConfidence: 0.95,
		RiskyCategories: map[string]float64{
			"Malware":         0.9,
			"Phishing":        0.9,
			"Proxy Avoidance": 0.7,
			"File Sharing":    0.6,
			"Gambling":        0.6,
		},
		UserAgentPatterns: []string{
			"curl/",
			"wget/",
			"python-requests/",
			"python-urllib",
			"go-http-client",
			"libwww",
			"scrapy",
			"headlesschrome",
			"phantomjs",
		},
		UserAgentConfidence: 0.7,
		LargeDownloadBytes:  50_000_000,
	}
}

// Validate reports whether the snapshot can drive all five rules.
func (c *Config) Validate() error {
	switch {
	case c.BurstWindow <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("burst window must be positive"))
	case c.BurstThreshold < 1:
		return errors.Join(ErrInvalidConfig, errors.New("burst threshold must be at least 1"))
	case c.BurstRatio <= 0 || c.BurstRatio > 1:
		return errors.Join(ErrInvalidConfig, errors.New("burst ratio must be in (0, 1]"))
	case c.MaliciousDomainConfidence <= 0 || c.MaliciousDomainConfidence > 1:
		return errors.Join(ErrInvalidConfig, errors.New("malicious domain confidence must be in (0, 1]"))
	case c.UserAgentConfidence <= 0 || c.UserAgentConfidence > 1:
		return errors.Join(ErrInvalidConfig, errors.New("user agent confidence must be in (0, 1]"))
	case c.LargeDownloadBytes < 1:
		return errors.Join(ErrInvalidConfig, errors.New("large download threshold must be at least 1 byte"))
	}
	for cat, w := range c.RiskyCategories {
		if w <= 0 || w > 1 {
			return errors.Join(ErrInvalidConfig, errors.New("risky category weight out of range: "+cat))
		}
	}
	return nil
}
