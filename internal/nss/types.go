// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package nss

import (
	"fmt"
	"time"
)

// FieldCount is the number of positional fields in an NSS web log line.
const FieldCount = 34

// Canonical values of the Action field. Raw values other than these are
// preserved as-is; an empty action becomes ActionUnknown.
const (
	ActionAllowed = "Allowed"
	ActionBlocked = "Blocked"
	ActionUnknown = "Unknown"
)

// LogEvent is one validated proxy-access record.
//
// Numeric fields are pointers: nil means the source field was empty or
// unparsable. Detection rules treat nil as "rule does not apply", never
// as zero.
type LogEvent struct {
	ID         string    `json:"id"`
	LineNumber int       `json:"line_number"`
	Timestamp  time.Time `json:"timestamp"`

	Location string `json:"location,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	URL      string `json:"url"`
	Domain   string `json:"domain,omitempty"`
	Action   string `json:"action"`

	AppName  string `json:"app_name,omitempty"`
	AppClass string `json:"app_class,omitempty"`

	ThrottleReqBytes  *int64 `json:"throttle_req_bytes,omitempty"`
	ThrottleRespBytes *int64 `json:"throttle_resp_bytes,omitempty"`
	RequestBytes      *int64 `json:"request_bytes,omitempty"`
	ResponseBytes     *int64 `json:"response_bytes,omitempty"`

	URLClass         string `json:"url_class,omitempty"`
	URLSuperCategory string `json:"url_supercategory,omitempty"`
	URLCategory      string `json:"url_category,omitempty"`

	DLPDictionaries string `json:"dlp_dictionaries,omitempty"`
	DLPEngine       string `json:"dlp_engine,omitempty"`
	DLPHits         *int64 `json:"dlp_hits,omitempty"`

	FileClass string `json:"file_class,omitempty"`
	FileType  string `json:"file_type,omitempty"`

	Location2  string `json:"location2,omitempty"`
	Department string `json:"department,omitempty"`
	ClientIP   string `json:"client_ip,omitempty"`
	ServerIP   string `json:"server_ip,omitempty"`

	HTTPMethod     string `json:"http_method,omitempty"`
	HTTPStatus     *int   `json:"http_status,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	ThreatCategory string `json:"threat_category,omitempty"`

	FirewallFilter string `json:"fw_filter,omitempty"`
	FirewallRule   string `json:"fw_rule,omitempty"`
	PolicyType     string `json:"policy_type,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// UserKey returns the identifier used for per-user aggregation:
// department when present, otherwise client IP.
func (e *LogEvent) UserKey() string {
	if e.Department != "" {
		return e.Department
	}
	if e.ClientIP != "" {
		return e.ClientIP
	}
	return "unknown"
}

// IsBlocked reports whether the proxy blocked the request.
func (e *LogEvent) IsBlocked() bool {
	return e.Action == ActionBlocked
}

// ParseReason classifies why a line failed to parse.
type ParseReason string

const (
	// ReasonTooFewFields means the line has fewer than the minimum
	// required positional fields (timestamp, url, action).
	ReasonTooFewFields ParseReason = "too_few_fields"

	// ReasonBadTimestamp means field 0 did not parse as an NSS timestamp.
	// Always fatal for the line: the event cannot be ordered or windowed.
	ReasonBadTimestamp ParseReason = "bad_timestamp"

	// ReasonMalformedLine means CSV-level corruption (unterminated quote etc).
	ReasonMalformedLine ParseReason = "malformed_line"
)

// maxRawSample bounds how much of a bad line is retained for reporting.
const maxRawSample = 256

// ParseError describes one unparsable line. It is counted per file and
// never promoted to a LogEvent.
type ParseError struct {
	LineNumber int         `json:"line_number"`
	Raw        string      `json:"raw"`
	Reason     ParseReason `json:"reason"`
}

// Error implements the error interface.
func (p *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", p.LineNumber, p.Reason)
}
