// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package nss parses Zscaler NSS web-proxy log lines into typed events.
//
// An NSS line is CSV with 34 positional, quoted fields. Parsing is pure
// and stateless: Parse performs no I/O and touches no shared state, so it
// is safe to call from any number of goroutines concurrently.
package nss

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timestampLayout is the NSS timestamp format, e.g. "Mon Jun 20 12:00:00 2022".
// This matches time.ANSIC, which also accepts single-digit padded days.
const timestampLayout = time.ANSIC

// minRequiredFields covers the positions of the three required fields:
// timestamp (0), url (3) and action (4). A line with fewer fields cannot
// carry all of them.
const minRequiredFields = 5

// Field positions within an NSS line.
const (
	fieldTimestamp = iota
	fieldLocation
	fieldProtocol
	fieldURL
	fieldAction
	fieldAppName
	fieldAppClass
	fieldThrottleReqBytes
	fieldThrottleRespBytes
	fieldRequestBytes
	fieldResponseBytes
	fieldURLClass
	fieldURLSuperCategory
	fieldURLCategory
	fieldDLPDictionaries
	fieldDLPEngine
	fieldDLPHits
	fieldFileClass
	fieldFileType
	fieldLocation2
	fieldDepartment
	fieldClientIP
	fieldServerIP
	fieldHTTPMethod
	fieldHTTPStatus
	fieldUserAgent
	fieldThreatCategory
	fieldFirewallFilter
	fieldFirewallRule
	fieldPolicyType
	fieldReason
)

// Parse converts one raw NSS log line into a LogEvent.
//
// Failure semantics: a missing or malformed timestamp is fatal for the
// line, as is CSV-level corruption or too few fields. Numeric fields that
// fail to convert become nil rather than failing the record. Fields past
// position 33 are ignored so minor trailing format drift does not reject
// otherwise valid lines.
func Parse(rawLine string, lineNumber int) (*LogEvent, *ParseError) {
	fields, err := splitLine(rawLine)
	if err != nil {
		return nil, newParseError(rawLine, lineNumber, ReasonMalformedLine)
	}
	if len(fields) < minRequiredFields {
		return nil, newParseError(rawLine, lineNumber, ReasonTooFewFields)
	}

	ts, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(fields[fieldTimestamp]), time.UTC)
	if err != nil {
		return nil, newParseError(rawLine, lineNumber, ReasonBadTimestamp)
	}

	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	action := get(fieldAction)
	if action == "" {
		action = ActionUnknown
	}

	url := get(fieldURL)

	return &LogEvent{
		ID:                uuid.New().String(),
		LineNumber:        lineNumber,
		Timestamp:         ts,
		Location:          get(fieldLocation),
		Protocol:          get(fieldProtocol),
		URL:               url,
		Domain:            ExtractDomain(url),
		Action:            action,
		AppName:           get(fieldAppName),
		AppClass:          get(fieldAppClass),
		ThrottleReqBytes:  parseInt64(get(fieldThrottleReqBytes)),
		ThrottleRespBytes: parseInt64(get(fieldThrottleRespBytes)),
		RequestBytes:      parseInt64(get(fieldRequestBytes)),
		ResponseBytes:     parseInt64(get(fieldResponseBytes)),
		URLClass:          get(fieldURLClass),
		URLSuperCategory:  get(fieldURLSuperCategory),
		URLCategory:       get(fieldURLCategory),
		DLPDictionaries:   get(fieldDLPDictionaries),
		DLPEngine:         get(fieldDLPEngine),
		DLPHits:           parseInt64(get(fieldDLPHits)),
		FileClass:         get(fieldFileClass),
		FileType:          get(fieldFileType),
		Location2:         get(fieldLocation2),
		Department:        get(fieldDepartment),
		ClientIP:          get(fieldClientIP),
		ServerIP:          get(fieldServerIP),
		HTTPMethod:        get(fieldHTTPMethod),
		HTTPStatus:        parseInt(get(fieldHTTPStatus)),
		UserAgent:         get(fieldUserAgent),
		ThreatCategory:    normalizeThreatCategory(get(fieldThreatCategory)),
		FirewallFilter:    get(fieldFirewallFilter),
		FirewallRule:      get(fieldFirewallRule),
		PolicyType:        get(fieldPolicyType),
		Reason:            get(fieldReason),
	}, nil
}

// splitLine splits one CSV line into fields, tolerating quoted commas
// inside URLs and user agents. An empty line yields zero fields.
func splitLine(rawLine string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(rawLine))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return fields, err
}

// ExtractDomain pulls the host out of an NSS URL field. The field may or
// may not carry a scheme, and may include a path and port.
func ExtractDomain(url string) string {
	if url == "" {
		return ""
	}
	host := url
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	// Strip userinfo and port. IPv6 literals keep their brackets.
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i >= 0 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

// normalizeThreatCategory maps the NSS "None" placeholder to empty.
func normalizeThreatCategory(v string) string {
	if strings.EqualFold(v, "none") {
		return ""
	}
	return v
}

// parseInt64 converts a numeric field, returning nil when the value is
// empty or unparsable. Negative byte counts are treated as unparsable.
func parseInt64(v string) *int64 {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// parseInt converts an integer field such as the HTTP status code,
// returning nil when empty or unparsable.
func parseInt(v string) *int {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// newParseError builds a ParseError with a bounded raw sample.
func newParseError(rawLine string, lineNumber int, reason ParseReason) *ParseError {
	raw := rawLine
	if len(raw) > maxRawSample {
		raw = raw[:maxRawSample]
	}
	return &ParseError{
		LineNumber: lineNumber,
		Raw:        raw,
		Reason:     reason,
	}
}
