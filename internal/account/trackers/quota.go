package trackers

import (
	"time"

	account "github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
	"github.com/hollowb/antigravity-bridge/internal/config"
)

// QuotaTracker scores accounts by their last known per-model quota.
// Accounts at or below the critical threshold (with fresh data) are
// excluded from selection entirely.
type QuotaTracker struct {
	config config.QuotaConfig
}

// NewQuotaTracker creates a QuotaTracker, filling zero-valued config
// fields with defaults.
func NewQuotaTracker(cfg config.QuotaConfig) *QuotaTracker {
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = 0.10
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = 0.05
	}
	if cfg.StaleMs == 0 {
		cfg.StaleMs = 300000
	}
	if cfg.UnknownScore == 0 {
		cfg.UnknownScore = 50
	}
	return &QuotaTracker{config: cfg}
}

// GetQuotaFraction returns the remaining fraction in [0,1] for a model,
// or -1 when unknown.
func (t *QuotaTracker) GetQuotaFraction(acc *account.Account, modelID string) float64 {
	if acc == nil || acc.Quota == nil || acc.Quota.Models == nil {
		return -1
	}
	modelQuota, ok := acc.Quota.Models[modelID]
	if !ok || modelQuota == nil {
		return -1
	}
	return modelQuota.RemainingFraction
}

// IsQuotaFresh reports whether the snapshot is recent enough to trust.
func (t *QuotaTracker) IsQuotaFresh(acc *account.Account) bool {
	if acc == nil || acc.Quota == nil || acc.Quota.LastChecked == 0 {
		return false
	}
	lastChecked := time.UnixMilli(acc.Quota.LastChecked)
	return time.Since(lastChecked) < time.Duration(t.config.StaleMs)*time.Millisecond
}

// IsQuotaCritical reports whether the account should be excluded for
// this model. Unknown or stale quota is never critical; thresholdOverride
// replaces the configured critical threshold when positive.
func (t *QuotaTracker) IsQuotaCritical(acc *account.Account, modelID string, thresholdOverride *float64) bool {
	fraction := t.GetQuotaFraction(acc, modelID)
	if fraction < 0 {
		return false
	}
	if !t.IsQuotaFresh(acc) {
		return false
	}

	threshold := t.config.CriticalThreshold
	if thresholdOverride != nil && *thresholdOverride > 0 {
		threshold = *thresholdOverride
	}
	return fraction <= threshold
}

// IsQuotaLow reports whether quota is low but not yet critical.
func (t *QuotaTracker) IsQuotaLow(acc *account.Account, modelID string) bool {
	fraction := t.GetQuotaFraction(acc, modelID)
	if fraction < 0 {
		return false
	}
	return fraction <= t.config.LowThreshold && fraction > t.config.CriticalThreshold
}

// GetScore maps quota to a 0-100 score. Unknown quota gets the neutral
// middle score; stale data is dampened by 10%.
func (t *QuotaTracker) GetScore(acc *account.Account, modelID string) float64 {
	fraction := t.GetQuotaFraction(acc, modelID)
	if fraction < 0 {
		return t.config.UnknownScore
	}
	score := fraction * 100
	if !t.IsQuotaFresh(acc) {
		score *= 0.9
	}
	return score
}

// GetCriticalThreshold returns the configured critical threshold.
func (t *QuotaTracker) GetCriticalThreshold() float64 {
	return t.config.CriticalThreshold
}

// GetLowThreshold returns the configured low threshold.
func (t *QuotaTracker) GetLowThreshold() float64 {
	return t.config.LowThreshold
}
