// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package storage defines the persistence contract consumed by the
// ingestion pipeline, plus the Badger-backed and in-memory
// implementations.
//
// Visibility model: events and anomalies are written under a generation
// number and stay invisible to readers until CommitGeneration flips the
// file's committed-generation pointer. Reprocessing a file writes the
// next generation and commits it in one step, so readers always see a
// coherent, complete generation or nothing.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/nss"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// FileStatus is the lifecycle state of an uploaded log file.
// Completed and Failed are terminal.
type FileStatus string

const (
	StatusUploading  FileStatus = "uploading"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s FileStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureReason is the machine-readable reason code on a failed file.
type FailureReason string

const (
	// ReasonTooLarge: the upload exceeded the size ceiling.
	ReasonTooLarge FailureReason = "too_large"

	// ReasonFormatMismatch: too many of the leading lines were unparsable.
	ReasonFormatMismatch FailureReason = "format_mismatch"

	// ReasonStorageError: persistence kept failing after bounded retries.
	ReasonStorageError FailureReason = "storage_error"

	// ReasonCancelled: ingestion was cancelled before completion.
	ReasonCancelled FailureReason = "cancelled"

	// ReasonConfigError: the detection configuration was unusable.
	ReasonConfigError FailureReason = "config_error"
)

// LogFile is the pipeline-owned record of one uploaded file. Status
// transitions are the only externally observable progress signal.
type LogFile struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         FileStatus    `json:"status"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	TotalEntries   int64         `json:"total_entries"`
	ParseErrors    int64         `json:"parse_error_count"`
	DateRangeStart *time.Time    `json:"date_range_start,omitempty"`
	DateRangeEnd   *time.Time    `json:"date_range_end,omitempty"`

	// CommittedGeneration is the generation visible to readers; 0 means
	// no generation has been committed yet.
	CommittedGeneration uint64 `json:"committed_generation"`

	UploadedAt  time.Time  `json:"uploaded_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// FileCounts carries the finalized counters for a status update.
type FileCounts struct {
	TotalEntries   int64
	ParseErrors    int64
	DateRangeStart *time.Time
	DateRangeEnd   *time.Time
}

// UserAggregate is the persisted cross-file state for one user. Risk is
// cumulative across uploads and decays over wall-clock time; it is never
// deleted by the read path.
type UserAggregate struct {
	UserKey       string    `json:"user_key"`
	RiskScore     float64   `json:"risk_score"`
	AnomalyCount  int64     `json:"anomaly_count"`
	BlockedCount  int64     `json:"blocked_count"`
	TotalRequests int64     `json:"total_requests"`
	LastUpdate    time.Time `json:"last_update"`
}

// AnomalyFilter selects anomalies for queries. Zero-valued fields match
// everything.
type AnomalyFilter struct {
	FileID  string
	Type    detection.RuleType
	UserKey string
	From    time.Time
	To      time.Time
	Limit   int
}

// Matches reports whether the anomaly passes the filter. The time range
// applies to DetectedAt and is inclusive on both ends.
func (f AnomalyFilter) Matches(a *detection.Anomaly) bool {
	if f.FileID != "" && a.FileID != f.FileID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.UserKey != "" && a.UserKey != f.UserKey {
		return false
	}
	if !f.From.IsZero() && a.DetectedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.DetectedAt.After(f.To) {
		return false
	}
	return true
}

// Store is the persistence contract. The pipeline treats each call as a
// transactional per-file commit; any failure surfaces as a storage error
// after the pipeline's bounded retries.
type Store interface {
	// CreateFile registers a new log file in Uploading status.
	CreateFile(ctx context.Context, file *LogFile) error

	// GetFile retrieves a file record.
	GetFile(ctx context.Context, fileID string) (*LogFile, error)

	// ListFiles returns all known file records.
	ListFiles(ctx context.Context) ([]*LogFile, error)

	// UpdateFileStatus transitions a file and updates its counters.
	UpdateFileStatus(ctx context.Context, fileID string, status FileStatus, reason FailureReason, counts FileCounts) error

	// SaveEvents persists a batch of events under an uncommitted generation.
	SaveEvents(ctx context.Context, fileID string, generation uint64, events []*nss.LogEvent) error

	// SaveAnomalies persists a batch of anomalies under an uncommitted generation.
	SaveAnomalies(ctx context.Context, fileID string, generation uint64, anomalies []detection.Anomaly) error

	// CommitGeneration makes a generation visible and retires prior ones.
	CommitGeneration(ctx context.Context, fileID string, generation uint64) error

	// DiscardGeneration drops an uncommitted generation (cancellation path).
	DiscardGeneration(ctx context.Context, fileID string, generation uint64) error

	// UpsertUserAggregate persists cross-file per-user state.
	UpsertUserAggregate(ctx context.Context, aggregate *UserAggregate) error

	// GetUserAggregate retrieves one user's aggregate.
	GetUserAggregate(ctx context.Context, userKey string) (*UserAggregate, error)

	// ListUserAggregates returns all user aggregates.
	ListUserAggregates(ctx context.Context) ([]*UserAggregate, error)

	// QueryAnomalies returns committed anomalies matching the filter.
	QueryAnomalies(ctx context.Context, filter AnomalyFilter) ([]detection.Anomaly, error)

	// CountEvents returns the number of committed events for a file.
	CountEvents(ctx context.Context, fileID string) (int64, error)

	// Close releases underlying resources.
	Close() error
}
