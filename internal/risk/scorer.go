// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package risk maintains a decaying per-user risk score driven by anomaly
// emissions.
//
// The score is a single accumulator per user that decays multiplicatively
// toward zero with a configurable half-life. Decay is computed lazily from
// the stored last-update timestamp at both write and read time, so there
// is no background sweep and tests only need to inject "now". Bursts of
// recent anomalies therefore dominate stale ones without keeping history.
package risk

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/metrics"
)

// ErrInvalidConfig is returned for unusable scorer configuration.
var ErrInvalidConfig = errors.New("invalid risk scorer configuration")

// Config holds the scoring parameters, loaded once per ingestion run as
// part of the detection configuration snapshot.
type Config struct {
	// HalfLife is the time for an untouched score to halve.
	HalfLife time.Duration `json:"half_life" koanf:"half_life"`

	// MaxScore bounds runaway accumulation.
	MaxScore float64 `json:"max_score" koanf:"max_score"`

	// HighRiskThreshold classifies users for dashboard aggregation.
	HighRiskThreshold float64 `json:"high_risk_threshold" koanf:"high_risk_threshold"`

	// TypeWeights are points contributed per anomaly at confidence 1.0.
	TypeWeights map[detection.RuleType]float64 `json:"type_weights" koanf:"type_weights"`
}

// DefaultConfig returns the built-in scoring parameters.
func DefaultConfig() Config {
	return Config{
		HalfLife:          24 * time.Hour,
		MaxScore:          100,
		HighRiskThreshold: 50,
		TypeWeights: map[detection.RuleType]float64{
			detection.RuleTypeBurstBlocked:     15,
			detection.RuleTypeMaliciousDomain:  20,
			detection.RuleTypeRiskyCategory:    10,
			detection.RuleTypeUnusualUserAgent: 8,
			detection.RuleTypeLargeDownload:    12,
		},
	}
}

// Validate reports whether the configuration can drive scoring.
func (c *Config) Validate() error {
	switch {
	case c.HalfLife <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("half-life must be positive"))
	case c.MaxScore <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("max score must be positive"))
	case c.HighRiskThreshold <= 0 || c.HighRiskThreshold > c.MaxScore:
		return errors.Join(ErrInvalidConfig, errors.New("high-risk threshold must be in (0, max score]"))
	case len(c.TypeWeights) == 0:
		return errors.Join(ErrInvalidConfig, errors.New("type weights must not be empty"))
	}
	for rt, w := range c.TypeWeights {
		if w < 0 {
			return errors.Join(ErrInvalidConfig, errors.New("negative weight for rule type "+string(rt)))
		}
	}
	return nil
}

// UserScore is the current scoring state for one user.
type UserScore struct {
	UserKey      string    `json:"user_key"`
	Score        float64   `json:"score"`
	AnomalyCount int64     `json:"anomaly_count"`
	LastUpdate   time.Time `json:"last_update"`
}

// HighRisk reports whether the score crosses the given threshold.
func (u UserScore) HighRisk(threshold float64) bool {
	return u.Score >= threshold
}

// userState is the mutable accumulator for one user.
type userState struct {
	mu           sync.Mutex
	score        float64
	anomalyCount int64
	lastUpdate   time.Time
}

// Scorer computes and stores decaying risk scores per user.
type Scorer struct {
	cfg Config

	mu    sync.RWMutex
	users map[string]*userState
}

// NewScorer validates the configuration and creates an empty scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{
		cfg:   cfg,
		users: make(map[string]*userState),
	}, nil
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Apply decays the user's accumulator to now, adds the contribution of
// each anomaly and returns the clamped current score. Calls for the same
// user are serialized on the user's own lock; different users proceed in
// parallel.
func (s *Scorer) Apply(userKey string, anomalies []detection.Anomaly, now time.Time) float64 {
	st := s.userFor(userKey)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.score = s.decayed(st.score, st.lastUpdate, now)
	for i := range anomalies {
		weight, ok := s.cfg.TypeWeights[anomalies[i].Type]
		if !ok {
			continue
		}
		st.score += anomalies[i].Confidence * weight
		st.anomalyCount++
	}
	if st.score > s.cfg.MaxScore {
		st.score = s.cfg.MaxScore
	}
	st.lastUpdate = now

	metrics.RiskScoreUpdates.Inc()
	return st.score
}

// Query returns the user's score decayed to now without mutating state.
// Unknown users score zero.
func (s *Scorer) Query(userKey string, now time.Time) float64 {
	s.mu.RLock()
	st, ok := s.users[userKey]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return s.decayed(st.score, st.lastUpdate, now)
}

// Snapshot returns the user's full scoring state decayed to now.
func (s *Scorer) Snapshot(userKey string, now time.Time) UserScore {
	s.mu.RLock()
	st, ok := s.users[userKey]
	s.mu.RUnlock()
	if !ok {
		return UserScore{UserKey: userKey}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return UserScore{
		UserKey:      userKey,
		Score:        s.decayed(st.score, st.lastUpdate, now),
		AnomalyCount: st.anomalyCount,
		LastUpdate:   st.lastUpdate,
	}
}

// Restore seeds a user's accumulator from persisted state. Used at
// startup so risk remains cumulative across process restarts.
func (s *Scorer) Restore(score UserScore) {
	st := s.userFor(score.UserKey)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.score = score.Score
	st.anomalyCount = score.AnomalyCount
	st.lastUpdate = score.LastUpdate
}

// HighRiskCount returns how many users are at or above the high-risk
// threshold as of now, and updates the exported gauge.
func (s *Scorer) HighRiskCount(now time.Time) int {
	s.mu.RLock()
	keys := make([]string, 0, len(s.users))
	for k := range s.users {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	count := 0
	for _, k := range keys {
		if s.Query(k, now) >= s.cfg.HighRiskThreshold {
			count++
		}
	}
	metrics.HighRiskUsers.Set(float64(count))
	return count
}

// decayed applies half-life decay to a score for the elapsed interval.
// A zero lastUpdate means the accumulator was never touched.
func (s *Scorer) decayed(score float64, lastUpdate, now time.Time) float64 {
	if score == 0 || lastUpdate.IsZero() {
		return score
	}
	elapsed := now.Sub(lastUpdate)
	if elapsed <= 0 {
		return score
	}
	halfLives := float64(elapsed) / float64(s.cfg.HalfLife)
	return score * math.Exp2(-halfLives)
}

// userFor returns the state for the user, creating it lazily.
func (s *Scorer) userFor(userKey string) *userState {
	s.mu.RLock()
	st, ok := s.users[userKey]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.users[userKey]; ok {
		return st
	}
	st = &userState{}
	s.users[userKey] = st
	return st
}
