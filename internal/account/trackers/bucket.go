package trackers

import (
	"math"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/config"
)

// TokenBucket is the bucket state for one account.
type TokenBucket struct {
	Tokens      float64
	LastUpdated time.Time
}

// TokenBucketTracker smooths request distribution with a per-account
// token bucket. Tokens regenerate continuously; accounts with an empty
// bucket are deprioritized rather than hard-blocked by the caller.
type TokenBucketTracker struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  config.TokenBucketConfig
}

// NewTokenBucketTracker creates a TokenBucketTracker, filling
// zero-valued config fields with defaults.
func NewTokenBucketTracker(cfg config.TokenBucketConfig) *TokenBucketTracker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50
	}
	if cfg.TokensPerMinute == 0 {
		cfg.TokensPerMinute = 6
	}
	if cfg.InitialTokens == 0 {
		cfg.InitialTokens = 50
	}

	return &TokenBucketTracker{
		buckets: make(map[string]*TokenBucket),
		config:  cfg,
	}
}

// GetTokens returns the current token count with regeneration applied.
func (t *TokenBucketTracker) GetTokens(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getTokensLocked(email)
}

func (t *TokenBucketTracker) getTokensLocked(email string) float64 {
	bucket, ok := t.buckets[email]
	if !ok {
		return t.config.InitialTokens
	}

	minutesElapsed := time.Since(bucket.LastUpdated).Minutes()
	tokens := bucket.Tokens + minutesElapsed*t.config.TokensPerMinute
	if tokens > t.config.MaxTokens {
		return t.config.MaxTokens
	}
	return tokens
}

// HasTokens reports whether at least one whole token is available.
func (t *TokenBucketTracker) HasTokens(email string) bool {
	return t.GetTokens(email) >= 1
}

// Consume takes one token. Returns false when the bucket is empty.
func (t *TokenBucketTracker) Consume(email string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := t.getTokensLocked(email)
	if tokens < 1 {
		return false
	}
	t.buckets[email] = &TokenBucket{Tokens: tokens - 1, LastUpdated: time.Now()}
	return true
}

// Refund returns one token, for requests that failed before reaching
// the upstream.
func (t *TokenBucketTracker) Refund(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := t.getTokensLocked(email) + 1
	if tokens > t.config.MaxTokens {
		tokens = t.config.MaxTokens
	}
	t.buckets[email] = &TokenBucket{Tokens: tokens, LastUpdated: time.Now()}
}

// GetMaxTokens returns the bucket capacity.
func (t *TokenBucketTracker) GetMaxTokens() float64 {
	return t.config.MaxTokens
}

// GetTimeUntilNextToken returns the milliseconds until one whole token
// regenerates, or 0 when a token is already available.
func (t *TokenBucketTracker) GetTimeUntilNextToken(email string) int64 {
	tokens := t.GetTokens(email)
	if tokens >= 1 {
		return 0
	}
	minutesNeeded := (1 - tokens) / t.config.TokensPerMinute
	return int64(math.Ceil(minutesNeeded * 60 * 1000))
}

// GetMinTimeUntilToken returns the shortest wait until any of the given
// accounts has a token.
func (t *TokenBucketTracker) GetMinTimeUntilToken(emails []string) int64 {
	minWait := int64(math.MaxInt64)
	for _, email := range emails {
		wait := t.GetTimeUntilNextToken(email)
		if wait == 0 {
			return 0
		}
		if wait < minWait {
			minWait = wait
		}
	}
	if minWait == int64(math.MaxInt64) {
		return 0
	}
	return minWait
}

// Reset refills an account's bucket to the initial level.
func (t *TokenBucketTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[email] = &TokenBucket{Tokens: t.config.InitialTokens, LastUpdated: time.Now()}
}

// Clear drops all tracked buckets.
func (t *TokenBucketTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[string]*TokenBucket)
}
