// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package detection

import (
	"testing"

	"github.com/tomtom215/logsentry/internal/behavior"
	"github.com/tomtom215/logsentry/internal/nss"
)

func blockedEvent() *nss.LogEvent {
	ev := testEvent()
	ev.Action = nss.ActionBlocked
	return ev
}

func TestBurstBlocked_Boundaries(t *testing.T) {
	d := NewBurstBlockedDetector(DefaultConfig())

	cases := []struct {
		name    string
		blocked int
		total   int
		fires   bool
	}{
		{"exactly threshold and ratio", 10, 20, true},
		{"one below threshold", 9, 20, false},
		{"below ratio", 10, 21, false},
		{"all blocked", 10, 10, true},
		{"well above", 30, 40, true},
		{"empty window", 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := behavior.WindowSnapshot{BlockedCount: tc.blocked, TotalCount: tc.total}
			got := d.Check(blockedEvent(), snap)
			if (got != nil) != tc.fires {
				t.Errorf("blocked=%d total=%d: fired=%v, want %v", tc.blocked, tc.total, got != nil, tc.fires)
			}
		})
	}
}

func TestBurstBlocked_OnlyFiresOnBlockedEvent(t *testing.T) {
	d := NewBurstBlockedDetector(DefaultConfig())
	snap := behavior.WindowSnapshot{BlockedCount: 15, TotalCount: 20}

	if got := d.Check(testEvent(), snap); got != nil {
		t.Error("rule fired on an allowed event")
	}
	if got := d.Check(blockedEvent(), snap); got == nil {
		t.Error("rule did not fire on a blocked event")
	}
}

func TestBurstBlocked_ConfidenceScalesAndCaps(t *testing.T) {
	d := NewBurstBlockedDetector(DefaultConfig())

	at := d.Check(blockedEvent(), behavior.WindowSnapshot{BlockedCount: 10, TotalCount: 10})
	if at == nil || at.Confidence != burstConfidenceBase {
		t.Fatalf("confidence at threshold = %+v, want %v", at, burstConfidenceBase)
	}

	above := d.Check(blockedEvent(), behavior.WindowSnapshot{BlockedCount: 15, TotalCount: 15})
	if above == nil || above.Confidence <= at.Confidence {
		t.Fatalf("confidence did not scale: %+v", above)
	}

	capped := d.Check(blockedEvent(), behavior.WindowSnapshot{BlockedCount: 500, TotalCount: 500})
	if capped == nil || capped.Confidence != 1.0 {
		t.Fatalf("confidence not capped at 1.0: %+v", capped)
	}
}
