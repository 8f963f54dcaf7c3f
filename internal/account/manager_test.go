package account

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowb/antigravity-bridge/internal/apperr"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

func newTestManager(t *testing.T, strategy string, emails ...string) *Manager {
	t.Helper()

	store := NewFileStore(filepath.Join(t.TempDir(), "accounts.json"), 0)
	require.NoError(t, store.Load())
	for _, email := range emails {
		require.NoError(t, store.Upsert(&Account{
			Email:        email,
			Source:       SourceOAuth,
			Enabled:      true,
			RefreshToken: "1//refresh|proj",
		}))
	}

	manager := NewManager(store, config.DefaultConfig(), nil)
	require.NoError(t, manager.Initialize(context.Background(), strategy))
	return manager
}

func TestManagerSelectAccount(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com", "b@example.com")

	result, err := manager.SelectAccount(context.Background(), "claude-sonnet-4-5", SelectOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Zero(t, result.WaitMs)

	// Round-robin rotates to the other account next.
	second, err := manager.SelectAccount(context.Background(), "claude-sonnet-4-5", SelectOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, result.Account.Email, second.Account.Email)
}

func TestManagerSelectWithoutAccounts(t *testing.T) {
	manager := newTestManager(t, "round-robin")

	_, err := manager.SelectAccount(context.Background(), "claude-sonnet-4-5", SelectOptions{})

	var na *apperr.NoAccountsError
	require.True(t, errors.As(err, &na))
	assert.False(t, na.AllRateLimited)
}

func TestManagerSelectBeforeInitialize(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "accounts.json"), 0)
	manager := NewManager(store, config.DefaultConfig(), nil)

	_, err := manager.SelectAccount(context.Background(), "claude-sonnet-4-5", SelectOptions{})
	assert.Error(t, err)
}

func TestManagerInitializeIdempotent(t *testing.T) {
	manager := newTestManager(t, "sticky", "a@example.com")

	require.NoError(t, manager.Initialize(context.Background(), "round-robin"))
	// The second call is a no-op; the original strategy stays.
	assert.Equal(t, "sticky", manager.GetStrategyName())
}

func TestMarkRateLimitedExcludesAccount(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com", "b@example.com")

	manager.MarkRateLimited("a@example.com", 30000, "claude-sonnet-4-5")

	for i := 0; i < 3; i++ {
		result, err := manager.SelectAccount(context.Background(), "claude-sonnet-4-5", SelectOptions{})
		require.NoError(t, err)
		assert.Equal(t, "b@example.com", result.Account.Email)
	}

	// The mark is per-model.
	assert.False(t, manager.IsAllRateLimited("gemini-3-flash"))
	assert.Len(t, manager.GetAvailableAccounts("gemini-3-flash"), 2)
	assert.Len(t, manager.GetAvailableAccounts("claude-sonnet-4-5"), 1)
}

func TestAllRateLimited(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com", "b@example.com")

	manager.MarkRateLimited("a@example.com", 30000, "claude-sonnet-4-5")
	manager.MarkRateLimited("b@example.com", 60000, "claude-sonnet-4-5")

	assert.True(t, manager.IsAllRateLimited("claude-sonnet-4-5"))

	_, err := manager.SelectAccount(context.Background(), "claude-sonnet-4-5", SelectOptions{})
	var na *apperr.NoAccountsError
	require.True(t, errors.As(err, &na))
	assert.True(t, na.AllRateLimited)

	// The shortest reset across the pool drives the advertised wait.
	wait := manager.GetMinWaitTimeMs("claude-sonnet-4-5")
	assert.Greater(t, wait, int64(0))
	assert.LessOrEqual(t, wait, int64(30000))
}

func TestGetMinWaitTimeZeroWhenAvailable(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com", "b@example.com")
	manager.MarkRateLimited("a@example.com", 30000, "claude-sonnet-4-5")

	assert.Zero(t, manager.GetMinWaitTimeMs("claude-sonnet-4-5"))
}

func TestRecordFailureTriggersExtendedCooldown(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com")

	// Below the ceiling nothing happens.
	manager.RecordFailure("a@example.com")
	manager.RecordFailure("a@example.com")
	assert.Len(t, manager.GetAvailableAccounts("claude-sonnet-4-5"), 1)

	manager.RecordFailure("a@example.com")

	acc := manager.GetAllAccounts()[0]
	assert.True(t, acc.IsCoolingDown(utils.NowMs()))
	assert.Equal(t, "consecutive failures", acc.CooldownReason)
	assert.Empty(t, manager.GetAvailableAccounts("claude-sonnet-4-5"))
}

func TestNotifySuccessClearsState(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com")
	manager.MarkRateLimited("a@example.com", 30000, "claude-sonnet-4-5")

	acc := manager.GetAllAccounts()[0]
	manager.NotifySuccess(acc, "claude-sonnet-4-5")

	assert.Zero(t, acc.ConsecutiveFailures)
	assert.NotContains(t, acc.ModelRateLimits, "claude-sonnet-4-5")
	assert.NotZero(t, acc.LastUsed)
	assert.Len(t, manager.GetAvailableAccounts("claude-sonnet-4-5"), 1)
}

func TestResetAllRateLimits(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com", "b@example.com")
	manager.MarkRateLimited("a@example.com", 30000, "claude-sonnet-4-5")
	manager.MarkRateLimited("b@example.com", 30000, "claude-sonnet-4-5")

	manager.ResetAllRateLimits()

	assert.False(t, manager.IsAllRateLimited("claude-sonnet-4-5"))
	assert.Len(t, manager.GetAvailableAccounts("claude-sonnet-4-5"), 2)
}

func TestClearExpiredLimits(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com")

	acc := manager.GetAllAccounts()[0]
	acc.ModelRateLimits = map[string]*RateLimitInfo{
		"m1": {IsRateLimited: true, ResetTime: utils.NowMs() - 1000},
		"m2": {IsRateLimited: true, ResetTime: utils.NowMs() + 60000},
	}

	assert.Equal(t, 1, manager.ClearExpiredLimits())
	assert.NotContains(t, acc.ModelRateLimits, "m1")
	assert.Contains(t, acc.ModelRateLimits, "m2")
}

func TestMarkInvalidExcludesAccount(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com", "b@example.com")

	require.NoError(t, manager.MarkInvalid("a@example.com", "invalid_grant"))

	result, err := manager.SelectAccount(context.Background(), "claude-sonnet-4-5", SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", result.Account.Email)

	invalid := manager.GetInvalidAccounts()
	require.Len(t, invalid, 1)
	assert.Equal(t, "a@example.com", invalid[0].Email)
	assert.Equal(t, "invalid_grant", invalid[0].InvalidReason)
}

func TestSetStrategy(t *testing.T) {
	manager := newTestManager(t, "sticky", "a@example.com")

	require.NoError(t, manager.SetStrategy("round-robin"))
	assert.Equal(t, "round-robin", manager.GetStrategyName())
	assert.Equal(t, "Round-Robin (Load-Balanced)", manager.GetStrategyLabel())

	assert.Error(t, manager.SetStrategy("random"))
	assert.Equal(t, "round-robin", manager.GetStrategyName())
}

func TestUpdateAccountSubscriptionAndQuota(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com")

	manager.UpdateAccountSubscription("a@example.com", "pro", "proj-123")
	manager.UpdateAccountQuota("a@example.com", map[string]*ModelQuotaInfo{
		"claude-sonnet-4-5": {RemainingFraction: 0.4, ResetTime: "2026-08-24T18:00:00Z"},
	})

	acc := manager.GetAllAccounts()[0]
	require.NotNil(t, acc.Subscription)
	assert.Equal(t, "pro", acc.Subscription.Tier)
	assert.Equal(t, "proj-123", acc.Subscription.ProjectID)

	require.NotNil(t, acc.Quota)
	assert.Equal(t, 0.4, acc.Quota.Models["claude-sonnet-4-5"].RemainingFraction)
	assert.NotZero(t, acc.Quota.LastChecked)

	// Unknown emails are ignored.
	manager.UpdateAccountSubscription("missing@example.com", "pro", "")
	manager.UpdateAccountQuota("missing@example.com", nil)
}

func TestGetStatusCounts(t *testing.T) {
	manager := newTestManager(t, "round-robin", "a@example.com", "b@example.com", "c@example.com")

	require.NoError(t, manager.MarkInvalid("a@example.com", "revoked"))
	manager.MarkRateLimited("b@example.com", 30000, "claude-sonnet-4-5")

	status := manager.GetStatus("claude-sonnet-4-5")
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 1, status.Invalid)
	assert.Equal(t, 1, status.RateLimited)
	assert.Equal(t, 1, status.Available)
	assert.Len(t, status.Accounts, 3)
	assert.Equal(t, "round-robin", status.Strategy)
}

func TestGetStrategyHealthData(t *testing.T) {
	manager := newTestManager(t, "hybrid", "a@example.com")

	data := manager.GetStrategyHealthData()
	assert.Equal(t, "hybrid", data.Strategy)
	require.Len(t, data.Accounts, 1)
	assert.Equal(t, "a@example.com", data.Accounts[0].Email)
	assert.Greater(t, data.Accounts[0].HealthScore, 0.0)
	assert.Greater(t, data.Accounts[0].TokensAvailable, 0.0)
}
