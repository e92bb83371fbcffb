// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package behavior maintains per-user sliding-window request counters for
// burst detection.
//
// State is an arena of per-user windows addressed by user key. Each window
// carries its own mutex, so concurrent ingestion of files that touch
// different users is fully parallel while updates for the same user are
// serialized. There is no global lock on the hot path; the shard locks
// only guard map access.
//
// The window clock is insertion order: events must be recorded in
// timestamp order within a file. Out-of-order lines produce a window keyed
// by arrival order, not event time.
package behavior

import (
	"hash/fnv"
	"sync"
	"time"
)

// DefaultWindow is the default trailing burst-detection window.
const DefaultWindow = 5 * time.Minute

// shardCount spreads users across independently locked map shards.
const shardCount = 64

// WindowSnapshot is the per-user window state as of one recorded event.
type WindowSnapshot struct {
	UserKey      string    `json:"user_key"`
	BlockedCount int       `json:"blocked_count"`
	TotalCount   int       `json:"total_count"`
	WindowStart  time.Time `json:"window_start"`
	At           time.Time `json:"at"`
}

// BlockedRatio returns blocked/total, or 0 for an empty window.
func (s WindowSnapshot) BlockedRatio() float64 {
	if s.TotalCount == 0 {
		return 0
	}
	return float64(s.BlockedCount) / float64(s.TotalCount)
}

// entry is one observed request inside a user's window.
type entry struct {
	ts      time.Time
	blocked bool
}

// userWindow is the append-only window for one user. Eviction of entries
// older than the window happens on each insert, amortized O(1).
type userWindow struct {
	mu      sync.Mutex
	entries []entry
	head    int // index of the oldest live entry
	blocked int // blocked entries in [head:len)
}

// Store holds the sliding windows for all users.
type Store struct {
	window time.Duration
	shards [shardCount]shard
}

type shard struct {
	mu    sync.RWMutex
	users map[string]*userWindow
}

// NewStore creates a behavior store with the given window size.
// A non-positive window falls back to DefaultWindow.
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Store{window: window}
	for i := range s.shards {
		s.shards[i].users = make(map[string]*userWindow)
	}
	return s
}

// Window returns the configured window size.
func (s *Store) Window() time.Duration {
	return s.window
}

// RecordEvent inserts one request observation for the user and returns the
// window counts as of the event's timestamp. The window is trailing and
// inclusive: entries at exactly windowStart still count.
func (s *Store) RecordEvent(userKey string, ts time.Time, blocked bool) WindowSnapshot {
	uw := s.userFor(userKey)

	uw.mu.Lock()
	defer uw.mu.Unlock()

	uw.entries = append(uw.entries, entry{ts: ts, blocked: blocked})
	if blocked {
		uw.blocked++
	}

	windowStart := ts.Add(-s.window)
	for uw.head < len(uw.entries) && uw.entries[uw.head].ts.Before(windowStart) {
		if uw.entries[uw.head].blocked {
			uw.blocked--
		}
		uw.head++
	}

	// Reclaim the evicted prefix once it dominates the slice.
	if uw.head > len(uw.entries)/2 && uw.head > 32 {
		live := copy(uw.entries, uw.entries[uw.head:])
		uw.entries = uw.entries[:live]
		uw.head = 0
	}

	return WindowSnapshot{
		UserKey:      userKey,
		BlockedCount: uw.blocked,
		TotalCount:   len(uw.entries) - uw.head,
		WindowStart:  windowStart,
		At:           ts,
	}
}

// Peek returns the current window counts for a user without recording an
// event and without advancing the window. Returns a zero snapshot for
// unknown users.
func (s *Store) Peek(userKey string) WindowSnapshot {
	sh := s.shardFor(userKey)
	sh.mu.RLock()
	uw, ok := sh.users[userKey]
	sh.mu.RUnlock()
	if !ok {
		return WindowSnapshot{UserKey: userKey}
	}

	uw.mu.Lock()
	defer uw.mu.Unlock()

	snap := WindowSnapshot{
		UserKey:      userKey,
		BlockedCount: uw.blocked,
		TotalCount:   len(uw.entries) - uw.head,
	}
	if snap.TotalCount > 0 {
		snap.At = uw.entries[len(uw.entries)-1].ts
		snap.WindowStart = snap.At.Add(-s.window)
	}
	return snap
}

// Users returns the number of users with window state.
func (s *Store) Users() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += len(sh.users)
		sh.mu.RUnlock()
	}
	return total
}

// userFor returns the window for the user, creating it lazily.
func (s *Store) userFor(userKey string) *userWindow {
	sh := s.shardFor(userKey)

	sh.mu.RLock()
	uw, ok := sh.users[userKey]
	sh.mu.RUnlock()
	if ok {
		return uw
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if uw, ok = sh.users[userKey]; ok {
		return uw
	}
	uw = &userWindow{}
	sh.users[userKey] = uw
	return uw
}

func (s *Store) shardFor(userKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userKey))
	return &s.shards[h.Sum32()%shardCount]
}
