// Package trackers holds the per-account state the hybrid selection
// strategy scores on: health, client-side token buckets, and quota.
package trackers

import (
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/config"
)

// HealthRecord stores the health state for one account.
type HealthRecord struct {
	Score               float64
	LastUpdated         time.Time
	ConsecutiveFailures int
}

// HealthTracker keeps a per-account health score. Successes nudge the
// score up, rate limits and failures pull it down, and elapsed time
// passively recovers it toward the cap.
type HealthTracker struct {
	mu     sync.RWMutex
	scores map[string]*HealthRecord
	config config.HealthScoreConfig
}

// NewHealthTracker creates a HealthTracker, filling zero-valued config
// fields with defaults.
func NewHealthTracker(cfg config.HealthScoreConfig) *HealthTracker {
	if cfg.Initial == 0 {
		cfg.Initial = 70
	}
	if cfg.SuccessReward == 0 {
		cfg.SuccessReward = 1
	}
	if cfg.RateLimitPenalty == 0 {
		cfg.RateLimitPenalty = -10
	}
	if cfg.FailurePenalty == 0 {
		cfg.FailurePenalty = -20
	}
	if cfg.RecoveryPerHour == 0 {
		cfg.RecoveryPerHour = 10
	}
	if cfg.MinUsable == 0 {
		cfg.MinUsable = 50
	}
	if cfg.MaxScore == 0 {
		cfg.MaxScore = 100
	}

	return &HealthTracker{
		scores: make(map[string]*HealthRecord),
		config: cfg,
	}
}

// GetScore returns the current score with passive recovery applied.
// Unknown accounts start at the configured initial score.
func (t *HealthTracker) GetScore(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getScoreLocked(email)
}

func (t *HealthTracker) getScoreLocked(email string) float64 {
	record, ok := t.scores[email]
	if !ok {
		return t.config.Initial
	}

	hoursElapsed := time.Since(record.LastUpdated).Hours()
	recovered := record.Score + hoursElapsed*t.config.RecoveryPerHour
	if recovered > t.config.MaxScore {
		return t.config.MaxScore
	}
	return recovered
}

// RecordSuccess rewards a successful request and resets the consecutive
// failure counter.
func (t *HealthTracker) RecordSuccess(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := t.getScoreLocked(email) + t.config.SuccessReward
	if score > t.config.MaxScore {
		score = t.config.MaxScore
	}
	t.scores[email] = &HealthRecord{Score: score, LastUpdated: time.Now()}
}

// RecordRateLimit applies the rate-limit penalty.
func (t *HealthTracker) RecordRateLimit(email string) {
	t.penalize(email, t.config.RateLimitPenalty)
}

// RecordFailure applies the failure penalty.
func (t *HealthTracker) RecordFailure(email string) {
	t.penalize(email, t.config.FailurePenalty)
}

func (t *HealthTracker) penalize(email string, penalty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := t.getScoreLocked(email) + penalty
	if score < 0 {
		score = 0
	}

	failures := 0
	if record, ok := t.scores[email]; ok {
		failures = record.ConsecutiveFailures
	}

	t.scores[email] = &HealthRecord{
		Score:               score,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: failures + 1,
	}
}

// IsUsable reports whether the score clears the usability floor.
func (t *HealthTracker) IsUsable(email string) bool {
	return t.GetScore(email) >= t.config.MinUsable
}

// GetMinUsable returns the usability floor.
func (t *HealthTracker) GetMinUsable() float64 {
	return t.config.MinUsable
}

// GetMaxScore returns the score cap.
func (t *HealthTracker) GetMaxScore() float64 {
	return t.config.MaxScore
}

// GetConsecutiveFailures returns the consecutive failure count.
func (t *HealthTracker) GetConsecutiveFailures(email string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if record, ok := t.scores[email]; ok {
		return record.ConsecutiveFailures
	}
	return 0
}

// Reset restores an account to its initial score.
func (t *HealthTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[email] = &HealthRecord{Score: t.config.Initial, LastUpdated: time.Now()}
}

// Clear drops all tracked state.
func (t *HealthTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores = make(map[string]*HealthRecord)
}

// Snapshot returns a copy of all records with recovery applied, for the
// status endpoint.
func (t *HealthTracker) Snapshot() map[string]*HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*HealthRecord, len(t.scores))
	for email, record := range t.scores {
		result[email] = &HealthRecord{
			Score:               t.getScoreLocked(email),
			LastUpdated:         record.LastUpdated,
			ConsecutiveFailures: record.ConsecutiveFailures,
		}
	}
	return result
}
