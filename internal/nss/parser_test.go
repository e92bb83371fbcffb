// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package nss

import (
	"strings"
	"testing"
	"time"
)

// sampleFields returns a valid 34-field NSS record as a field slice, so
// tests can tweak individual positions before joining.
func sampleFields() []string {
	f := make([]string, FieldCount)
	f[fieldTimestamp] = "Mon Jun 20 12:00:00 2022"
	f[fieldLocation] = "HQ"
	f[fieldProtocol] = "HTTPS"
	f[fieldURL] = "www.example.com/path/page?q=1"
	f[fieldAction] = "Allowed"
	f[fieldAppName] = "General Browsing"
	f[fieldAppClass] = "Web Browsing"
	f[fieldThrottleReqBytes] = "0"
	f[fieldThrottleRespBytes] = "0"
	f[fieldRequestBytes] = "512"
	f[fieldResponseBytes] = "2048"
	f[fieldURLClass] = "Business Use"
	f[fieldURLSuperCategory] = "Information Technology"
	f[fieldURLCategory] = "Professional Services"
	f[fieldDLPDictionaries] = "None"
	f[fieldDLPEngine] = "None"
	f[fieldDLPHits] = "0"
	f[fieldFileClass] = "None"
	f[fieldFileType] = "None"
	f[fieldLocation2] = "HQ"
	f[fieldDepartment] = "Engineering"
	f[fieldClientIP] = "10.1.2.3"
	f[fieldServerIP] = "93.184.216.34"
	f[fieldHTTPMethod] = "GET"
	f[fieldHTTPStatus] = "200"
	f[fieldUserAgent] = "Mozilla/5.0 (Windows NT 10.0)"
	f[fieldThreatCategory] = "None"
	f[fieldFirewallFilter] = "None"
	f[fieldFirewallRule] = "Default"
	f[fieldPolicyType] = "URL Filtering"
	f[fieldReason] = "Allowed"
	f[31] = ""
	f[32] = ""
	f[33] = ""
	return f
}

func joinFields(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, ",")
}

func TestParse_ValidLine(t *testing.T) {
	ev, perr := Parse(joinFields(sampleFields()), 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}

	want := time.Date(2022, time.June, 20, 12, 0, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.Domain != "www.example.com" {
		t.Errorf("Domain = %q, want www.example.com", ev.Domain)
	}
	if ev.Action != ActionAllowed {
		t.Errorf("Action = %q, want %q", ev.Action, ActionAllowed)
	}
	if ev.ResponseBytes == nil || *ev.ResponseBytes != 2048 {
		t.Errorf("ResponseBytes = %v, want 2048", ev.ResponseBytes)
	}
	if ev.HTTPStatus == nil || *ev.HTTPStatus != 200 {
		t.Errorf("HTTPStatus = %v, want 200", ev.HTTPStatus)
	}
	if ev.UserKey() != "Engineering" {
		t.Errorf("UserKey = %q, want Engineering", ev.UserKey())
	}
	if ev.ThreatCategory != "" {
		t.Errorf("ThreatCategory = %q, want empty for None", ev.ThreatCategory)
	}
	if ev.ID == "" {
		t.Error("expected event ID to be assigned")
	}
}

func TestParse_TimestampRoundTrip(t *testing.T) {
	ev, perr := Parse(joinFields(sampleFields()), 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}

	reformatted := ev.Timestamp.Format(timestampLayout)
	back, err := time.ParseInLocation(timestampLayout, reformatted, time.UTC)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if !back.Equal(ev.Timestamp) {
		t.Errorf("round trip %v != %v", back, ev.Timestamp)
	}
}

func TestParse_TooFewFields(t *testing.T) {
	cases := []string{
		``,
		`"Mon Jun 20 12:00:00 2022"`,
		`"Mon Jun 20 12:00:00 2022","HQ","HTTPS"`,
		`one,two,three,four`,
	}
	for _, line := range cases {
		ev, perr := Parse(line, 7)
		if ev != nil {
			t.Fatalf("Parse(%q) returned event, want error", line)
		}
		if perr == nil || perr.Reason != ReasonTooFewFields {
			t.Errorf("Parse(%q) reason = %v, want %v", line, perr, ReasonTooFewFields)
		}
		if perr.LineNumber != 7 {
			t.Errorf("LineNumber = %d, want 7", perr.LineNumber)
		}
	}
}

func TestParse_BadTimestampIsFatal(t *testing.T) {
	f := sampleFields()
	f[fieldTimestamp] = "2022-06-20T12:00:00Z"
	ev, perr := Parse(joinFields(f), 3)
	if ev != nil {
		t.Fatal("expected parse failure for bad timestamp")
	}
	if perr.Reason != ReasonBadTimestamp {
		t.Errorf("Reason = %v, want %v", perr.Reason, ReasonBadTimestamp)
	}
}

func TestParse_SingleDigitDay(t *testing.T) {
	f := sampleFields()
	f[fieldTimestamp] = "Thu Jun  2 01:02:03 2022"
	ev, perr := Parse(joinFields(f), 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}
	want := time.Date(2022, time.June, 2, 1, 2, 3, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestParse_BadNumericFieldsBecomeNil(t *testing.T) {
	f := sampleFields()
	f[fieldResponseBytes] = "not-a-number"
	f[fieldRequestBytes] = ""
	f[fieldHTTPStatus] = "abc"
	f[fieldDLPHits] = "-5"

	ev, perr := Parse(joinFields(f), 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}
	if ev.ResponseBytes != nil {
		t.Errorf("ResponseBytes = %v, want nil", *ev.ResponseBytes)
	}
	if ev.RequestBytes != nil {
		t.Errorf("RequestBytes = %v, want nil", *ev.RequestBytes)
	}
	if ev.HTTPStatus != nil {
		t.Errorf("HTTPStatus = %v, want nil", *ev.HTTPStatus)
	}
	if ev.DLPHits != nil {
		t.Errorf("DLPHits = %v, want nil for negative", *ev.DLPHits)
	}
}

func TestParse_EmptyActionDefaultsToUnknown(t *testing.T) {
	f := sampleFields()
	f[fieldAction] = ""
	ev, perr := Parse(joinFields(f), 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}
	if ev.Action != ActionUnknown {
		t.Errorf("Action = %q, want %q", ev.Action, ActionUnknown)
	}
}

func TestParse_ExtraTrailingFieldsIgnored(t *testing.T) {
	line := joinFields(sampleFields()) + `,"extra1","extra2"`
	ev, perr := Parse(line, 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}
	if ev.Reason != "Allowed" {
		t.Errorf("Reason = %q, want Allowed", ev.Reason)
	}
}

func TestParse_QuotedCommaInsideField(t *testing.T) {
	f := sampleFields()
	f[fieldUserAgent] = "Mozilla/5.0 (Windows NT 10.0, Win64, x64)"
	ev, perr := Parse(joinFields(f), 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}
	if ev.UserAgent != f[fieldUserAgent] {
		t.Errorf("UserAgent = %q, want %q", ev.UserAgent, f[fieldUserAgent])
	}
	// The quoted comma must not shift later positions.
	if ev.PolicyType != "URL Filtering" {
		t.Errorf("PolicyType = %q, want URL Filtering", ev.PolicyType)
	}
}

func TestExtractDomain(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"www.example.com/path", "www.example.com"},
		{"https://www.example.com/path", "www.example.com"},
		{"http://example.com:8080/x", "example.com"},
		{"example.com", "example.com"},
		{"Example.COM/Path", "example.com"},
		{"user@example.com/x", "example.com"},
		{"", ""},
		{"phishing-login.co/login?next=/", "phishing-login.co"},
	}
	for _, tc := range cases {
		if got := ExtractDomain(tc.url); got != tc.want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestParse_UserKeyFallsBackToClientIP(t *testing.T) {
	f := sampleFields()
	f[fieldDepartment] = ""
	ev, perr := Parse(joinFields(f), 1)
	if perr != nil {
		t.Fatalf("Parse returned error: %v", perr)
	}
	if ev.UserKey() != "10.1.2.3" {
		t.Errorf("UserKey = %q, want client IP fallback", ev.UserKey())
	}
}
