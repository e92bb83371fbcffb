// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/nss"
)

// eachStore runs fn against both Store implementations so they stay
// behaviorally interchangeable.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})

	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger(t.TempDir())
		if err != nil {
			t.Fatalf("OpenBadger: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func newTestFile(id string) *LogFile {
	return &LogFile{
		ID:         id,
		Name:       id + ".log",
		Status:     StatusUploading,
		UploadedAt: time.Now().UTC(),
	}
}

func newTestEvent(ts time.Time) *nss.LogEvent {
	return &nss.LogEvent{
		ID:        uuid.NewString(),
		Timestamp: ts,
		ClientIP:  "10.0.0.1",
		Action:    nss.ActionAllowed,
	}
}

func newTestAnomaly(ruleType detection.RuleType, userKey string, detectedAt time.Time) detection.Anomaly {
	return detection.Anomaly{
		ID:         uuid.NewString(),
		Type:       ruleType,
		UserKey:    userKey,
		Confidence: 0.9,
		Reason:     "test",
		DetectedAt: detectedAt,
	}
}

func TestStore_FileLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.CreateFile(ctx, newTestFile("f1")); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if err := s.CreateFile(ctx, newTestFile("f1")); err == nil {
			t.Fatal("expected duplicate CreateFile to fail")
		}

		if err := s.UpdateFileStatus(ctx, "f1", StatusProcessing, "", FileCounts{}); err != nil {
			t.Fatalf("UpdateFileStatus processing: %v", err)
		}

		start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
		end := start.Add(time.Hour)
		counts := FileCounts{TotalEntries: 100, ParseErrors: 3, DateRangeStart: &start, DateRangeEnd: &end}
		if err := s.UpdateFileStatus(ctx, "f1", StatusCompleted, "", counts); err != nil {
			t.Fatalf("UpdateFileStatus completed: %v", err)
		}

		f, err := s.GetFile(ctx, "f1")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if f.Status != StatusCompleted {
			t.Errorf("status = %s, want %s", f.Status, StatusCompleted)
		}
		if f.TotalEntries != 100 || f.ParseErrors != 3 {
			t.Errorf("counts = %d/%d, want 100/3", f.TotalEntries, f.ParseErrors)
		}
		if f.DateRangeStart == nil || !f.DateRangeStart.Equal(start) {
			t.Errorf("date range start = %v, want %v", f.DateRangeStart, start)
		}
		if f.FinalizedAt == nil {
			t.Error("FinalizedAt not set on terminal status")
		}

		// Terminal status is sticky.
		if err := s.UpdateFileStatus(ctx, "f1", StatusProcessing, "", FileCounts{}); err == nil {
			t.Error("expected transition out of terminal status to fail")
		}
	})
}

func TestStore_FailureReasonOnlyOnFailed(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.CreateFile(ctx, newTestFile("f1")); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if err := s.UpdateFileStatus(ctx, "f1", StatusFailed, ReasonFormatMismatch, FileCounts{}); err != nil {
			t.Fatalf("UpdateFileStatus failed: %v", err)
		}

		f, err := s.GetFile(ctx, "f1")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if f.FailureReason != ReasonFormatMismatch {
			t.Errorf("reason = %s, want %s", f.FailureReason, ReasonFormatMismatch)
		}
	})
}

func TestStore_GetFileNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetFile(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_GenerationVisibility(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		if err := s.CreateFile(ctx, newTestFile("f1")); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if err := s.SaveEvents(ctx, "f1", 1, []*nss.LogEvent{newTestEvent(now), newTestEvent(now)}); err != nil {
			t.Fatalf("SaveEvents: %v", err)
		}
		anoms := []detection.Anomaly{newTestAnomaly(detection.RuleTypeBurstBlocked, "eng", now)}
		if err := s.SaveAnomalies(ctx, "f1", 1, anoms); err != nil {
			t.Fatalf("SaveAnomalies: %v", err)
		}

		// Nothing visible before commit.
		n, err := s.CountEvents(ctx, "f1")
		if err != nil {
			t.Fatalf("CountEvents: %v", err)
		}
		if n != 0 {
			t.Errorf("pre-commit events = %d, want 0", n)
		}
		got, err := s.QueryAnomalies(ctx, AnomalyFilter{FileID: "f1"})
		if err != nil {
			t.Fatalf("QueryAnomalies: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("pre-commit anomalies = %d, want 0", len(got))
		}

		if err := s.CommitGeneration(ctx, "f1", 1); err != nil {
			t.Fatalf("CommitGeneration: %v", err)
		}

		n, err = s.CountEvents(ctx, "f1")
		if err != nil {
			t.Fatalf("CountEvents: %v", err)
		}
		if n != 2 {
			t.Errorf("post-commit events = %d, want 2", n)
		}
		got, err = s.QueryAnomalies(ctx, AnomalyFilter{FileID: "f1"})
		if err != nil {
			t.Fatalf("QueryAnomalies: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("post-commit anomalies = %d, want 1", len(got))
		}
	})
}

func TestStore_RecommitReplacesGeneration(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		if err := s.CreateFile(ctx, newTestFile("f1")); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}

		first := []detection.Anomaly{
			newTestAnomaly(detection.RuleTypeBurstBlocked, "eng", now),
			newTestAnomaly(detection.RuleTypeMaliciousDomain, "eng", now),
		}
		if err := s.SaveAnomalies(ctx, "f1", 1, first); err != nil {
			t.Fatalf("SaveAnomalies gen 1: %v", err)
		}
		if err := s.CommitGeneration(ctx, "f1", 1); err != nil {
			t.Fatalf("CommitGeneration 1: %v", err)
		}

		second := []detection.Anomaly{newTestAnomaly(detection.RuleTypeLargeDownload, "ops", now)}
		if err := s.SaveAnomalies(ctx, "f1", 2, second); err != nil {
			t.Fatalf("SaveAnomalies gen 2: %v", err)
		}
		if err := s.CommitGeneration(ctx, "f1", 2); err != nil {
			t.Fatalf("CommitGeneration 2: %v", err)
		}

		got, err := s.QueryAnomalies(ctx, AnomalyFilter{FileID: "f1"})
		if err != nil {
			t.Fatalf("QueryAnomalies: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("anomalies after recommit = %d, want 1", len(got))
		}
		if got[0].Type != detection.RuleTypeLargeDownload {
			t.Errorf("anomaly type = %s, want %s", got[0].Type, detection.RuleTypeLargeDownload)
		}

		// Stale commits are rejected.
		if err := s.CommitGeneration(ctx, "f1", 1); err == nil {
			t.Error("expected stale CommitGeneration to fail")
		}
	})
}

func TestStore_DiscardGeneration(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		if err := s.CreateFile(ctx, newTestFile("f1")); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if err := s.SaveEvents(ctx, "f1", 1, []*nss.LogEvent{newTestEvent(now)}); err != nil {
			t.Fatalf("SaveEvents: %v", err)
		}
		if err := s.DiscardGeneration(ctx, "f1", 1); err != nil {
			t.Fatalf("DiscardGeneration: %v", err)
		}

		// The aborted generation can never be committed over.
		if err := s.SaveEvents(ctx, "f1", 2, []*nss.LogEvent{newTestEvent(now)}); err != nil {
			t.Fatalf("SaveEvents gen 2: %v", err)
		}
		if err := s.CommitGeneration(ctx, "f1", 2); err != nil {
			t.Fatalf("CommitGeneration: %v", err)
		}
		n, err := s.CountEvents(ctx, "f1")
		if err != nil {
			t.Fatalf("CountEvents: %v", err)
		}
		if n != 1 {
			t.Errorf("events = %d, want 1", n)
		}

		// A committed generation cannot be discarded.
		if err := s.DiscardGeneration(ctx, "f1", 2); err == nil {
			t.Error("expected discard of committed generation to fail")
		}
	})
}

func TestStore_QueryAnomaliesFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

		if err := s.CreateFile(ctx, newTestFile("f1")); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		anoms := []detection.Anomaly{
			newTestAnomaly(detection.RuleTypeBurstBlocked, "eng", base),
			newTestAnomaly(detection.RuleTypeMaliciousDomain, "eng", base.Add(time.Hour)),
			newTestAnomaly(detection.RuleTypeBurstBlocked, "ops", base.Add(2*time.Hour)),
		}
		if err := s.SaveAnomalies(ctx, "f1", 1, anoms); err != nil {
			t.Fatalf("SaveAnomalies: %v", err)
		}
		if err := s.CommitGeneration(ctx, "f1", 1); err != nil {
			t.Fatalf("CommitGeneration: %v", err)
		}

		tests := []struct {
			name   string
			filter AnomalyFilter
			want   int
		}{
			{"all", AnomalyFilter{}, 3},
			{"by type", AnomalyFilter{Type: detection.RuleTypeBurstBlocked}, 2},
			{"by user", AnomalyFilter{UserKey: "eng"}, 2},
			{"by type and user", AnomalyFilter{Type: detection.RuleTypeBurstBlocked, UserKey: "ops"}, 1},
			{"time range inclusive", AnomalyFilter{From: base, To: base.Add(time.Hour)}, 2},
			{"time range excludes earlier", AnomalyFilter{From: base.Add(30 * time.Minute)}, 2},
			{"limit", AnomalyFilter{Limit: 2}, 2},
			{"no match", AnomalyFilter{UserKey: "nobody"}, 0},
		}
		for _, tt := range tests {
			got, err := s.QueryAnomalies(ctx, tt.filter)
			if err != nil {
				t.Fatalf("%s: QueryAnomalies: %v", tt.name, err)
			}
			if len(got) != tt.want {
				t.Errorf("%s: got %d anomalies, want %d", tt.name, len(got), tt.want)
			}
		}
	})
}

func TestStore_UserAggregates(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		agg := &UserAggregate{
			UserKey:       "engineering",
			RiskScore:     42.5,
			AnomalyCount:  7,
			BlockedCount:  120,
			TotalRequests: 900,
			LastUpdate:    time.Now().UTC(),
		}
		if err := s.UpsertUserAggregate(ctx, agg); err != nil {
			t.Fatalf("UpsertUserAggregate: %v", err)
		}

		got, err := s.GetUserAggregate(ctx, "engineering")
		if err != nil {
			t.Fatalf("GetUserAggregate: %v", err)
		}
		if got.RiskScore != 42.5 || got.AnomalyCount != 7 {
			t.Errorf("aggregate = %+v", got)
		}

		agg.RiskScore = 55
		if err := s.UpsertUserAggregate(ctx, agg); err != nil {
			t.Fatalf("UpsertUserAggregate update: %v", err)
		}
		got, err = s.GetUserAggregate(ctx, "engineering")
		if err != nil {
			t.Fatalf("GetUserAggregate after update: %v", err)
		}
		if got.RiskScore != 55 {
			t.Errorf("RiskScore = %v, want 55", got.RiskScore)
		}

		if err := s.UpsertUserAggregate(ctx, &UserAggregate{UserKey: "ops"}); err != nil {
			t.Fatalf("UpsertUserAggregate ops: %v", err)
		}
		all, err := s.ListUserAggregates(ctx)
		if err != nil {
			t.Fatalf("ListUserAggregates: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("aggregates = %d, want 2", len(all))
		}

		if _, err := s.GetUserAggregate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}
