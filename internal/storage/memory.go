// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/nss"
)

// MemoryStore is a map-backed Store for tests and single-run analysis
// sessions. It honors the same generation visibility rules as the
// Badger store.
type MemoryStore struct {
	mu         sync.RWMutex
	files      map[string]*LogFile
	events     map[string]map[uint64][]*nss.LogEvent
	anomalies  map[string]map[uint64][]detection.Anomaly
	aggregates map[string]*UserAggregate
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:      make(map[string]*LogFile),
		events:     make(map[string]map[uint64][]*nss.LogEvent),
		anomalies:  make(map[string]map[uint64][]detection.Anomaly),
		aggregates: make(map[string]*UserAggregate),
	}
}

func (s *MemoryStore) CreateFile(_ context.Context, file *LogFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[file.ID]; ok {
		return fmt.Errorf("file %s: already exists", file.ID)
	}
	cp := *file
	s.files[file.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, fileID string) (*LogFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFiles(_ context.Context) ([]*LogFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*LogFile, 0, len(s.files))
	for _, f := range s.files {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateFileStatus(_ context.Context, fileID string, status FileStatus, reason FailureReason, counts FileCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if f.Status.Terminal() && !status.Terminal() {
		return fmt.Errorf("file %s: cannot leave terminal status %s", fileID, f.Status)
	}
	applyStatus(f, status, reason, counts)
	return nil
}

func (s *MemoryStore) SaveEvents(_ context.Context, fileID string, generation uint64, events []*nss.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, ok := s.events[fileID]
	if !ok {
		gens = make(map[uint64][]*nss.LogEvent)
		s.events[fileID] = gens
	}
	gens[generation] = append(gens[generation], events...)
	return nil
}

func (s *MemoryStore) SaveAnomalies(_ context.Context, fileID string, generation uint64, anomalies []detection.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, ok := s.anomalies[fileID]
	if !ok {
		gens = make(map[uint64][]detection.Anomaly)
		s.anomalies[fileID] = gens
	}
	gens[generation] = append(gens[generation], anomalies...)
	return nil
}

func (s *MemoryStore) CommitGeneration(_ context.Context, fileID string, generation uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if generation <= f.CommittedGeneration {
		return fmt.Errorf("file %s: generation %d already superseded", fileID, generation)
	}
	prev := f.CommittedGeneration
	f.CommittedGeneration = generation
	if prev != 0 {
		delete(s.events[fileID], prev)
		delete(s.anomalies[fileID], prev)
	}
	return nil
}

func (s *MemoryStore) DiscardGeneration(_ context.Context, fileID string, generation uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[fileID]; ok && f.CommittedGeneration == generation {
		return fmt.Errorf("file %s: generation %d is committed", fileID, generation)
	}
	if gens, ok := s.events[fileID]; ok {
		delete(gens, generation)
	}
	if gens, ok := s.anomalies[fileID]; ok {
		delete(gens, generation)
	}
	return nil
}

func (s *MemoryStore) UpsertUserAggregate(_ context.Context, aggregate *UserAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *aggregate
	s.aggregates[aggregate.UserKey] = &cp
	return nil
}

func (s *MemoryStore) GetUserAggregate(_ context.Context, userKey string) (*UserAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aggregates[userKey]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userKey, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListUserAggregates(_ context.Context) ([]*UserAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*UserAggregate, 0, len(s.aggregates))
	for _, a := range s.aggregates {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) QueryAnomalies(_ context.Context, filter AnomalyFilter) ([]detection.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []detection.Anomaly
	for fileID, gens := range s.anomalies {
		f, ok := s.files[fileID]
		if !ok || f.CommittedGeneration == 0 {
			continue
		}
		for _, a := range gens[f.CommittedGeneration] {
			a := a
			if !filter.Matches(&a) {
				continue
			}
			out = append(out, a)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) CountEvents(_ context.Context, fileID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[fileID]
	if !ok {
		return 0, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if f.CommittedGeneration == 0 {
		return 0, nil
	}
	return int64(len(s.events[fileID][f.CommittedGeneration])), nil
}

func (s *MemoryStore) Close() error { return nil }

// applyStatus mutates the file record for a status transition. Shared
// with the Badger store so both enforce identical finalization rules.
func applyStatus(f *LogFile, status FileStatus, reason FailureReason, counts FileCounts) {
	f.Status = status
	f.FailureReason = ""
	if status == StatusFailed {
		f.FailureReason = reason
	}
	if counts.TotalEntries > 0 || counts.ParseErrors > 0 {
		f.TotalEntries = counts.TotalEntries
		f.ParseErrors = counts.ParseErrors
	}
	if counts.DateRangeStart != nil {
		f.DateRangeStart = counts.DateRangeStart
	}
	if counts.DateRangeEnd != nil {
		f.DateRangeEnd = counts.DateRangeEnd
	}
	if status.Terminal() {
		now := time.Now().UTC()
		f.FinalizedAt = &now
	}
}
