package account

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hollowb/antigravity-bridge/internal/utils"
)

func TestIsRateLimitedFor(t *testing.T) {
	now := utils.NowMs()
	acc := &Account{
		Email: "a@example.com",
		ModelRateLimits: map[string]*RateLimitInfo{
			"claude-sonnet-4-5": {IsRateLimited: true, ResetTime: now + 60000},
			"gemini-3-flash":    {IsRateLimited: true, ResetTime: now - 1000},
		},
	}

	assert.True(t, acc.IsRateLimitedFor("claude-sonnet-4-5", now))
	// Expired mark no longer counts.
	assert.False(t, acc.IsRateLimitedFor("gemini-3-flash", now))
	assert.False(t, acc.IsRateLimitedFor("claude-opus-4-6", now))

	assert.False(t, (&Account{}).IsRateLimitedFor("claude-sonnet-4-5", now))
}

func TestClearExpiredRateLimits(t *testing.T) {
	now := utils.NowMs()
	acc := &Account{
		ModelRateLimits: map[string]*RateLimitInfo{
			"m1": {IsRateLimited: true, ResetTime: now - 1},
			"m2": {IsRateLimited: true, ResetTime: now + 60000},
		},
	}

	assert.Equal(t, 1, acc.ClearExpiredRateLimits(now))
	assert.NotContains(t, acc.ModelRateLimits, "m1")
	assert.Contains(t, acc.ModelRateLimits, "m2")
}

func TestIsCoolingDown(t *testing.T) {
	now := utils.NowMs()
	acc := &Account{CoolingDownUntil: now + 5000}

	assert.True(t, acc.IsCoolingDown(now))
	assert.False(t, acc.IsCoolingDown(now+6000))
}

func TestEffectiveThreshold(t *testing.T) {
	acc := &Account{
		QuotaThreshold:       utils.Ptr(0.2),
		ModelQuotaThresholds: map[string]float64{"claude-opus-4-6": 0.5},
	}

	assert.Equal(t, 0.5, acc.EffectiveThreshold("claude-opus-4-6", 0.1))
	assert.Equal(t, 0.2, acc.EffectiveThreshold("claude-sonnet-4-5", 0.1))
	assert.Equal(t, 0.1, (&Account{}).EffectiveThreshold("claude-sonnet-4-5", 0.1))
}

func TestCloneIsDeep(t *testing.T) {
	acc := &Account{
		Email:          "a@example.com",
		QuotaThreshold: utils.Ptr(0.2),
		Quota: &QuotaSnapshot{
			Models: map[string]*ModelQuotaInfo{"m": {RemainingFraction: 0.8}},
		},
		ModelRateLimits: map[string]*RateLimitInfo{"m": {IsRateLimited: true}},
	}

	clone := acc.Clone()
	clone.Quota.Models["m"].RemainingFraction = 0.1
	clone.ModelRateLimits["m"].IsRateLimited = false
	*clone.QuotaThreshold = 0.9

	assert.Equal(t, 0.8, acc.Quota.Models["m"].RemainingFraction)
	assert.True(t, acc.ModelRateLimits["m"].IsRateLimited)
	assert.Equal(t, 0.2, *acc.QuotaThreshold)
}
