// Package accounttypes holds the plain account data types shared by the
// account pool manager and the selection strategies/trackers, keeping the
// two sides free of an import cycle. The account package re-exports these
// types via aliases, so they remain part of its API.
package accounttypes

import (
	"time"
)

// Credential sources.
const (
	SourceOAuth   = "oauth"    // composite refresh token
	SourceManual  = "manual"   // direct API key
	SourceLocalDB = "local-db" // token read from the local Antigravity database
)

// Account is one upstream identity in the pool.
type Account struct {
	Email        string `json:"email"`
	Source       string `json:"source"`
	Enabled      bool   `json:"enabled"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`

	Subscription *SubscriptionInfo `json:"subscription,omitempty"`

	// Quota thresholds are fractions in [0,1); below them the hybrid
	// strategy excludes the account for that model.
	QuotaThreshold       *float64           `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64 `json:"modelQuotaThresholds,omitempty"`
	Quota                *QuotaSnapshot     `json:"quota,omitempty"`

	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`

	AddedAt  int64 `json:"addedAt,omitempty"`  // unix ms
	LastUsed int64 `json:"lastUsed,omitempty"` // unix ms

	IsInvalid     bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"` // unix ms

	// Runtime-only fields, never persisted.
	ConsecutiveFailures int    `json:"-"`
	CoolingDownUntil    int64  `json:"-"`
	CooldownReason      string `json:"-"`
}

// SubscriptionInfo records the detected subscription tier.
type SubscriptionInfo struct {
	Tier       string `json:"tier"` // free, pro, ultra, unknown
	ProjectID  string `json:"projectId,omitempty"`
	DetectedAt int64  `json:"detectedAt"` // unix ms
}

// QuotaSnapshot is the last fetched per-model quota view.
type QuotaSnapshot struct {
	Models      map[string]*ModelQuotaInfo `json:"models"`
	LastChecked int64                      `json:"lastChecked,omitempty"` // unix ms
}

// ModelQuotaInfo is the remaining quota for one model.
type ModelQuotaInfo struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime,omitempty"`
}

// RateLimitInfo is the per-model rate-limit mark.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"`     // absolute unix ms
	ActualResetMs int64 `json:"actualResetMs,omitempty"` // server-provided duration
}

// IsRateLimitedFor reports whether the account is currently limited for a
// model. Expired marks count as not limited.
func (a *Account) IsRateLimitedFor(modelID string, now int64) bool {
	if a.ModelRateLimits == nil {
		return false
	}
	limit, ok := a.ModelRateLimits[modelID]
	if !ok || !limit.IsRateLimited {
		return false
	}
	return limit.ResetTime > now
}

// IsCoolingDown reports whether a temporary cooldown is active.
func (a *Account) IsCoolingDown(now int64) bool {
	return a.CoolingDownUntil > now
}

// ClearExpiredRateLimits drops marks whose reset instant has passed and
// returns how many were cleared.
func (a *Account) ClearExpiredRateLimits(now int64) int {
	cleared := 0
	for modelID, limit := range a.ModelRateLimits {
		if limit.IsRateLimited && limit.ResetTime <= now {
			delete(a.ModelRateLimits, modelID)
			cleared++
		}
	}
	return cleared
}

// EffectiveThreshold returns the quota threshold for a model, preferring the
// per-model entry over the account-wide one over the global default.
func (a *Account) EffectiveThreshold(modelID string, globalThreshold float64) float64 {
	if a.ModelQuotaThresholds != nil {
		if t, ok := a.ModelQuotaThresholds[modelID]; ok {
			return t
		}
	}
	if a.QuotaThreshold != nil {
		return *a.QuotaThreshold
	}
	return globalThreshold
}

// Clone returns a deep copy, used for read-only snapshots.
func (a *Account) Clone() *Account {
	clone := *a
	if a.Subscription != nil {
		sub := *a.Subscription
		clone.Subscription = &sub
	}
	if a.QuotaThreshold != nil {
		t := *a.QuotaThreshold
		clone.QuotaThreshold = &t
	}
	if a.ModelQuotaThresholds != nil {
		clone.ModelQuotaThresholds = make(map[string]float64, len(a.ModelQuotaThresholds))
		for k, v := range a.ModelQuotaThresholds {
			clone.ModelQuotaThresholds[k] = v
		}
	}
	if a.Quota != nil {
		q := QuotaSnapshot{LastChecked: a.Quota.LastChecked}
		if a.Quota.Models != nil {
			q.Models = make(map[string]*ModelQuotaInfo, len(a.Quota.Models))
			for k, v := range a.Quota.Models {
				info := *v
				q.Models[k] = &info
			}
		}
		clone.Quota = &q
	}
	if a.ModelRateLimits != nil {
		clone.ModelRateLimits = make(map[string]*RateLimitInfo, len(a.ModelRateLimits))
		for k, v := range a.ModelRateLimits {
			info := *v
			clone.ModelRateLimits[k] = &info
		}
	}
	return &clone
}

// CachedToken is a refreshed access token with its extraction time.
type CachedToken struct {
	AccessToken string    `json:"accessToken"`
	ExtractedAt time.Time `json:"extractedAt"`
}
