package strategies

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	account "github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
	"github.com/hollowb/antigravity-bridge/internal/account/trackers"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// FallbackLevel records how many filters were relaxed to find a
// candidate.
type FallbackLevel string

const (
	FallbackNormal     FallbackLevel = "normal"
	FallbackQuota      FallbackLevel = "quota"
	FallbackEmergency  FallbackLevel = "emergency"
	FallbackLastResort FallbackLevel = "lastResort"
)

// HybridStrategy combines health score, token bucket, quota, and LRU
// freshness into one ranking:
//
//	score = (Health × 2) + ((Tokens / MaxTokens × 100) × 5) + (Quota × 3) + (LRU × 0.1)
//
// Filters relax progressively when nothing qualifies: first the quota
// check is dropped, then health, then the token bucket. Relaxed picks
// carry a throttle delay so a degraded pool is not hammered.
type HybridStrategy struct {
	*BaseStrategy
	healthTracker      *trackers.HealthTracker
	tokenBucketTracker *trackers.TokenBucketTracker
	quotaTracker       *trackers.QuotaTracker
	weights            *WeightConfig
	globalThreshold    *float64
}

// NewHybridStrategy creates a HybridStrategy.
func NewHybridStrategy(cfg *Config) *HybridStrategy {
	weights := DefaultWeights()

	var healthCfg config.HealthScoreConfig
	var tokenCfg config.TokenBucketConfig
	var quotaCfg config.QuotaConfig
	if cfg != nil {
		healthCfg = cfg.HealthScore
		tokenCfg = cfg.TokenBucket
		quotaCfg = cfg.Quota
		if cfg.Weights != nil {
			weights = cfg.Weights
		}
	}

	return &HybridStrategy{
		BaseStrategy:       NewBaseStrategy(cfg),
		healthTracker:      trackers.NewHealthTracker(healthCfg),
		tokenBucketTracker: trackers.NewTokenBucketTracker(tokenCfg),
		quotaTracker:       trackers.NewQuotaTracker(quotaCfg),
		weights:            weights,
	}
}

// SetGlobalThreshold sets the pool-wide quota threshold used when an
// account has no override of its own.
func (s *HybridStrategy) SetGlobalThreshold(threshold *float64) {
	s.globalThreshold = threshold
}

// SelectAccount scores candidates and picks the highest.
func (s *HybridStrategy) SelectAccount(ctx context.Context, accounts []*account.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: 0}
	}

	candidates, fallbackLevel := s.getCandidates(accounts, modelID)
	if len(candidates) == 0 {
		reason, waitMs := s.diagnoseNoCandidates(accounts, modelID)
		utils.Warn("[HybridStrategy] No candidates available: %s", reason)
		return &SelectionResult{Account: nil, Index: 0, WaitMs: waitMs}
	}

	type scoredCandidate struct {
		account *account.Account
		index   int
		score   float64
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{
			account: c.Account,
			index:   c.Index,
			score:   s.calculateScore(c.Account, modelID),
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	best := scored[0]
	best.account.LastUsed = time.Now().UnixMilli()

	// In lastResort mode the token check was bypassed; don't drive the
	// bucket further negative.
	if fallbackLevel != FallbackLastResort {
		s.tokenBucketTracker.Consume(best.account.Email)
	}

	if options.OnSave != nil {
		options.OnSave()
	}

	var waitMs int64
	switch fallbackLevel {
	case FallbackLastResort:
		waitMs = 500
	case FallbackEmergency:
		waitMs = 250
	}

	fallbackInfo := ""
	if fallbackLevel != FallbackNormal {
		fallbackInfo = fmt.Sprintf(", fallback: %s", fallbackLevel)
	}
	utils.Info("[HybridStrategy] Using account: %s (%d/%d, score: %.1f%s)",
		best.account.Email, best.index+1, len(accounts), best.score, fallbackInfo)

	return &SelectionResult{Account: best.account, Index: best.index, WaitMs: waitMs}
}

// OnSuccess rewards the account's health score.
func (s *HybridStrategy) OnSuccess(acc *account.Account, modelID string) {
	if acc != nil && acc.Email != "" {
		s.healthTracker.RecordSuccess(acc.Email)
	}
}

// OnRateLimit penalizes the account's health score.
func (s *HybridStrategy) OnRateLimit(acc *account.Account, modelID string) {
	if acc != nil && acc.Email != "" {
		s.healthTracker.RecordRateLimit(acc.Email)
	}
}

// OnFailure penalizes health and refunds the consumed token, since the
// request never completed.
func (s *HybridStrategy) OnFailure(acc *account.Account, modelID string) {
	if acc != nil && acc.Email != "" {
		s.healthTracker.RecordFailure(acc.Email)
		s.tokenBucketTracker.Refund(acc.Email)
	}
}

func (s *HybridStrategy) getCandidates(accounts []*account.Account, modelID string) ([]AccountWithIndex, FallbackLevel) {
	candidates := make([]AccountWithIndex, 0, len(accounts))
	for i, acc := range accounts {
		if !s.IsAccountUsable(acc, modelID) {
			continue
		}
		if !s.healthTracker.IsUsable(acc.Email) {
			continue
		}
		if !s.tokenBucketTracker.HasTokens(acc.Email) {
			continue
		}
		threshold := s.getEffectiveThreshold(acc, modelID)
		if s.quotaTracker.IsQuotaCritical(acc, modelID, threshold) {
			utils.Debug("[HybridStrategy] Excluding %s: quota critically low for %s (threshold: %v)",
				acc.Email, modelID, threshold)
			continue
		}
		candidates = append(candidates, AccountWithIndex{Account: acc, Index: i})
	}
	if len(candidates) > 0 {
		return candidates, FallbackNormal
	}

	// Relax the quota filter.
	fallback := make([]AccountWithIndex, 0, len(accounts))
	for i, acc := range accounts {
		if !s.IsAccountUsable(acc, modelID) {
			continue
		}
		if !s.healthTracker.IsUsable(acc.Email) {
			continue
		}
		if !s.tokenBucketTracker.HasTokens(acc.Email) {
			continue
		}
		fallback = append(fallback, AccountWithIndex{Account: acc, Index: i})
	}
	if len(fallback) > 0 {
		utils.Warn("[HybridStrategy] All accounts have critical quota, using fallback")
		return fallback, FallbackQuota
	}

	// Relax the health filter too.
	emergency := make([]AccountWithIndex, 0, len(accounts))
	for i, acc := range accounts {
		if !s.IsAccountUsable(acc, modelID) {
			continue
		}
		if !s.tokenBucketTracker.HasTokens(acc.Email) {
			continue
		}
		emergency = append(emergency, AccountWithIndex{Account: acc, Index: i})
	}
	if len(emergency) > 0 {
		utils.Warn("[HybridStrategy] EMERGENCY: All accounts unhealthy, using least bad account")
		return emergency, FallbackEmergency
	}

	// Only the hard usability check remains.
	lastResort := make([]AccountWithIndex, 0, len(accounts))
	for i, acc := range accounts {
		if s.IsAccountUsable(acc, modelID) {
			lastResort = append(lastResort, AccountWithIndex{Account: acc, Index: i})
		}
	}
	if len(lastResort) > 0 {
		utils.Warn("[HybridStrategy] LAST RESORT: All accounts exhausted, using any usable account")
		return lastResort, FallbackLastResort
	}

	return nil, FallbackNormal
}

// getEffectiveThreshold resolves per-model > per-account > global.
func (s *HybridStrategy) getEffectiveThreshold(acc *account.Account, modelID string) *float64 {
	if acc.ModelQuotaThresholds != nil {
		if threshold, ok := acc.ModelQuotaThresholds[modelID]; ok {
			return &threshold
		}
	}
	if acc.QuotaThreshold != nil {
		return acc.QuotaThreshold
	}
	return s.globalThreshold
}

func (s *HybridStrategy) calculateScore(acc *account.Account, modelID string) float64 {
	email := acc.Email

	health := s.healthTracker.GetScore(email)
	healthComponent := health * s.weights.Health

	tokens := s.tokenBucketTracker.GetTokens(email)
	tokenRatio := tokens / s.tokenBucketTracker.GetMaxTokens()
	tokenComponent := (tokenRatio * 100) * s.weights.Tokens

	quotaComponent := s.quotaTracker.GetScore(acc, modelID) * s.weights.Quota

	// Idle time, capped at one hour so long-dormant accounts don't
	// dominate the other signals.
	idleMs := time.Now().UnixMilli() - acc.LastUsed
	if idleMs > 3600000 {
		idleMs = 3600000
	}
	lruComponent := float64(idleMs) / 1000 * s.weights.LRU

	return healthComponent + tokenComponent + quotaComponent + lruComponent
}

// diagnoseNoCandidates explains an empty candidate set and, when every
// account is merely out of bucket tokens, computes how long to wait.
func (s *HybridStrategy) diagnoseNoCandidates(accounts []*account.Account, modelID string) (string, int64) {
	var unusableCount, unhealthyCount, noTokensCount, criticalQuotaCount int
	accountsWithoutTokens := make([]string, 0)

	for _, acc := range accounts {
		if !s.IsAccountUsable(acc, modelID) {
			unusableCount++
			continue
		}
		if !s.healthTracker.IsUsable(acc.Email) {
			unhealthyCount++
			continue
		}
		if !s.tokenBucketTracker.HasTokens(acc.Email) {
			noTokensCount++
			accountsWithoutTokens = append(accountsWithoutTokens, acc.Email)
			continue
		}
		if s.quotaTracker.IsQuotaCritical(acc, modelID, s.getEffectiveThreshold(acc, modelID)) {
			criticalQuotaCount++
		}
	}

	if noTokensCount > 0 && unusableCount == 0 && unhealthyCount == 0 {
		waitMs := s.tokenBucketTracker.GetMinTimeUntilToken(accountsWithoutTokens)
		return fmt.Sprintf("all %d account(s) exhausted token bucket, waiting for refill", noTokensCount), waitMs
	}

	parts := make([]string, 0, 4)
	if unusableCount > 0 {
		parts = append(parts, fmt.Sprintf("%d unusable/disabled", unusableCount))
	}
	if unhealthyCount > 0 {
		parts = append(parts, fmt.Sprintf("%d unhealthy", unhealthyCount))
	}
	if noTokensCount > 0 {
		parts = append(parts, fmt.Sprintf("%d no tokens", noTokensCount))
	}
	if criticalQuotaCount > 0 {
		parts = append(parts, fmt.Sprintf("%d critical quota", criticalQuotaCount))
	}
	if len(parts) == 0 {
		return "unknown", 0
	}
	return strings.Join(parts, ", "), 0
}

// HealthTracker exposes the health tracker for status reporting.
func (s *HybridStrategy) HealthTracker() *trackers.HealthTracker {
	return s.healthTracker
}

// TokenBucketTracker exposes the token bucket tracker.
func (s *HybridStrategy) TokenBucketTracker() *trackers.TokenBucketTracker {
	return s.tokenBucketTracker
}

// QuotaTracker exposes the quota tracker.
func (s *HybridStrategy) QuotaTracker() *trackers.QuotaTracker {
	return s.quotaTracker
}
