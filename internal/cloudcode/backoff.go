package cloudcode

import (
	"math"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// rateLimitEntry tracks consecutive 429s for one account+model pair.
type rateLimitEntry struct {
	consecutive429 int
	lastAt         time.Time
}

// BackoffTracker deduplicates rate limit hits and escalates backoff per
// account+model. Repeated hits inside the dedup window share the previous
// attempt count instead of escalating further.
type BackoffTracker struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	stop    chan struct{}
}

// BackoffResult is the outcome of recording a rate limit hit.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

// NewBackoffTracker creates a BackoffTracker.
func NewBackoffTracker() *BackoffTracker {
	return &BackoffTracker{
		entries: make(map[string]*rateLimitEntry),
	}
}

func dedupKey(email, model string) string {
	return email + ":" + model
}

// Record registers a rate limit hit and returns the delay to apply.
// serverRetryAfterMs takes precedence as the base delay when positive;
// the exponential term is clamped at 60s and never drops below the base.
func (t *BackoffTracker) Record(email, model string, serverRetryAfterMs int64) *BackoffResult {
	now := time.Now()
	key := dedupKey(email, model)

	t.mu.Lock()
	defer t.mu.Unlock()

	baseDelay := serverRetryAfterMs
	if baseDelay <= 0 {
		baseDelay = config.FirstRetryDelayMs
	}

	previous := t.entries[key]

	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		delay := escalatedDelay(baseDelay, previous.consecutive429)
		utils.Debug("[CloudCode] Rate limit on %s:%s within dedup window, attempt=%d",
			utils.MaskEmail(email), model, previous.consecutive429)
		return &BackoffResult{
			Attempt:     previous.consecutive429,
			DelayMs:     delay,
			IsDuplicate: true,
		}
	}

	// Attempt counts reset after a quiet period.
	attempt := 1
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.consecutive429 + 1
	}

	t.entries[key] = &rateLimitEntry{consecutive429: attempt, lastAt: now}

	delay := escalatedDelay(baseDelay, attempt)
	utils.Debug("[CloudCode] Rate limit backoff for %s:%s: attempt=%d, delayMs=%d",
		utils.MaskEmail(email), model, attempt, delay)
	return &BackoffResult{Attempt: attempt, DelayMs: delay, IsDuplicate: false}
}

func escalatedDelay(baseDelay int64, attempt int) int64 {
	backoff := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(attempt-1)), 60000))
	return utils.Max(baseDelay, backoff)
}

// Clear drops the tracked state after a successful request.
func (t *BackoffTracker) Clear(email, model string) {
	t.mu.Lock()
	delete(t.entries, dedupKey(email, model))
	t.mu.Unlock()
}

// Attempts returns the current consecutive 429 count for a pair.
func (t *BackoffTracker) Attempts(email, model string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry := t.entries[dedupKey(email, model)]; entry != nil {
		return entry.consecutive429
	}
	return 0
}

// StartCleanup sweeps stale entries every minute until Stop is called.
func (t *BackoffTracker) StartCleanup() {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the cleanup goroutine.
func (t *BackoffTracker) Stop() {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.mu.Unlock()
}

func (t *BackoffTracker) sweep() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.entries {
		if entry.lastAt.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}

// CalculateSmartBackoff picks a cooldown for a failed request. A server
// supplied reset wins, floored at MinBackoffMs to avoid tight loops;
// otherwise the delay follows the classified error kind, with quota
// exhaustion escalating through progressive tiers and capacity getting
// jitter against thundering herds.
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return utils.Max(serverResetMs, config.MinBackoffMs)
	}

	switch ClassifyError(errorText, 0) {
	case ErrorKindQuotaExhausted:
		tier := consecutiveFailures
		if tier > len(config.QuotaExhaustedBackoffTiersMs)-1 {
			tier = len(config.QuotaExhaustedBackoffTiersMs) - 1
		}
		return config.QuotaExhaustedBackoffTiersMs[tier]
	case ErrorKindRateLimitExceeded:
		return config.BackoffByErrorKind["RATE_LIMIT_EXCEEDED"]
	case ErrorKindModelCapacityExhausted:
		return config.BackoffByErrorKind["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case ErrorKindServerError:
		return config.BackoffByErrorKind["SERVER_ERROR"]
	default:
		return config.BackoffByErrorKind["UNKNOWN"]
	}
}
