package strategies

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	account "github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

func poolOf(emails ...string) []*account.Account {
	accounts := make([]*account.Account, 0, len(emails))
	for _, email := range emails {
		accounts = append(accounts, &account.Account{Email: email, Enabled: true})
	}
	return accounts
}

func limitFor(acc *account.Account, modelID string, resetInMs int64) {
	if acc.ModelRateLimits == nil {
		acc.ModelRateLimits = make(map[string]*account.RateLimitInfo)
	}
	acc.ModelRateLimits[modelID] = &account.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     utils.NowMs() + resetInMs,
	}
}

func TestIsValidStrategy(t *testing.T) {
	assert.True(t, IsValidStrategy(StrategySticky))
	assert.True(t, IsValidStrategy(StrategyRoundRobin))
	assert.True(t, IsValidStrategy(StrategyHybrid))
	assert.True(t, IsValidStrategy("roundrobin"))
	assert.False(t, IsValidStrategy("random"))
	assert.False(t, IsValidStrategy(""))
}

func TestGetStrategyLabel(t *testing.T) {
	assert.Equal(t, "Sticky (Cache-Optimized)", GetStrategyLabel(StrategySticky))
	assert.Equal(t, "Round-Robin (Load-Balanced)", GetStrategyLabel("roundrobin"))
	// Unknown and empty names fall back to the default strategy's label.
	assert.NotEmpty(t, GetStrategyLabel(""))
	assert.NotEmpty(t, GetStrategyLabel("random"))
}

func TestNewStrategyByName(t *testing.T) {
	cfg := &Config{Weights: DefaultWeights()}

	assert.IsType(t, &StickyStrategy{}, NewStrategy(StrategySticky, cfg))
	assert.IsType(t, &RoundRobinStrategy{}, NewStrategy(StrategyRoundRobin, cfg))
	assert.IsType(t, &HybridStrategy{}, NewStrategy(StrategyHybrid, cfg))
	// Unknown names fall back to hybrid.
	assert.IsType(t, &HybridStrategy{}, NewStrategy("random", cfg))
}

func TestBaseStrategyUsability(t *testing.T) {
	base := NewBaseStrategy(&Config{})
	now := utils.NowMs()

	usable := &account.Account{Email: "a@example.com", Enabled: true}
	assert.True(t, base.IsAccountUsable(usable, "claude-sonnet-4-5"))

	assert.False(t, base.IsAccountUsable(nil, "m"))
	assert.False(t, base.IsAccountUsable(&account.Account{Email: "x", Enabled: false}, "m"))
	assert.False(t, base.IsAccountUsable(&account.Account{Email: "x", Enabled: true, IsInvalid: true}, "m"))

	cooling := &account.Account{Email: "x", Enabled: true, CoolingDownUntil: now + 5000}
	assert.False(t, base.IsAccountUsable(cooling, "m"))

	limited := &account.Account{Email: "x", Enabled: true}
	limitFor(limited, "claude-sonnet-4-5", 60000)
	assert.False(t, base.IsAccountUsable(limited, "claude-sonnet-4-5"))
	// Only limited for that model.
	assert.True(t, base.IsAccountUsable(limited, "gemini-3-flash"))
}

func TestBaseStrategyClearsExpiredCooldown(t *testing.T) {
	base := NewBaseStrategy(&Config{})
	acc := &account.Account{Email: "a", Enabled: true, CoolingDownUntil: utils.NowMs() - 1000, CooldownReason: "consecutive failures"}

	assert.False(t, base.IsAccountCoolingDown(acc))
	assert.Zero(t, acc.CoolingDownUntil)
	assert.Empty(t, acc.CooldownReason)
}

func TestStickyStaysOnCurrentAccount(t *testing.T) {
	strategy := NewStickyStrategy(&Config{})
	accounts := poolOf("a@example.com", "b@example.com", "c@example.com")

	result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 1})
	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
	assert.Equal(t, 1, result.Index)

	// Same pick on the next request.
	result = strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 1})
	assert.Equal(t, "b@example.com", result.Account.Email)
}

func TestStickyFailsOverWhenCurrentLimited(t *testing.T) {
	strategy := NewStickyStrategy(&Config{})
	accounts := poolOf("a@example.com", "b@example.com")
	limitFor(accounts[0], "claude-sonnet-4-5", 60000)

	saved := false
	result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{
		CurrentIndex: 0,
		OnSave:       func() { saved = true },
	})

	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
	assert.Equal(t, 1, result.Index)
	assert.True(t, saved)
	assert.NotZero(t, result.Account.LastUsed)
}

func TestStickyWaitsForShortReset(t *testing.T) {
	strategy := NewStickyStrategy(&Config{})
	accounts := poolOf("a@example.com", "b@example.com")
	limitFor(accounts[0], "claude-sonnet-4-5", 5000)
	limitFor(accounts[1], "claude-sonnet-4-5", 30000)

	result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})

	assert.Nil(t, result.Account)
	assert.Equal(t, 0, result.Index)
	assert.Greater(t, result.WaitMs, int64(0))
	assert.LessOrEqual(t, result.WaitMs, int64(5000))
}

func TestStickyOutOfRangeCursor(t *testing.T) {
	strategy := NewStickyStrategy(&Config{})
	accounts := poolOf("a@example.com")

	result := strategy.SelectAccount(context.Background(), accounts, "m", SelectOptions{CurrentIndex: 7})
	require.NotNil(t, result.Account)
	assert.Equal(t, 0, result.Index)
}

func TestRoundRobinRotates(t *testing.T) {
	strategy := NewRoundRobinStrategy(&Config{})
	accounts := poolOf("a@example.com", "b@example.com", "c@example.com")

	var picks []string
	for i := 0; i < 4; i++ {
		result := strategy.SelectAccount(context.Background(), accounts, "m", SelectOptions{})
		require.NotNil(t, result.Account)
		picks = append(picks, result.Account.Email)
	}

	assert.Equal(t, []string{"b@example.com", "c@example.com", "a@example.com", "b@example.com"}, picks)
}

func TestRoundRobinSkipsLimitedAccounts(t *testing.T) {
	strategy := NewRoundRobinStrategy(&Config{})
	accounts := poolOf("a@example.com", "b@example.com", "c@example.com")
	limitFor(accounts[1], "m", 60000)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		result := strategy.SelectAccount(context.Background(), accounts, "m", SelectOptions{})
		require.NotNil(t, result.Account)
		seen[result.Account.Email] = true
	}

	assert.False(t, seen["b@example.com"])
	assert.True(t, seen["a@example.com"])
	assert.True(t, seen["c@example.com"])
}

func TestRoundRobinExhaustedPool(t *testing.T) {
	strategy := NewRoundRobinStrategy(&Config{})
	accounts := poolOf("a@example.com")
	limitFor(accounts[0], "m", 60000)

	result := strategy.SelectAccount(context.Background(), accounts, "m", SelectOptions{})
	assert.Nil(t, result.Account)
	assert.Zero(t, result.WaitMs)
}

func TestHybridPicksHealthiestAccount(t *testing.T) {
	strategy := NewHybridStrategy(&Config{Weights: DefaultWeights()})
	accounts := poolOf("a@example.com", "b@example.com")

	// Drag one account's health below the other.
	strategy.HealthTracker().RecordFailure("a@example.com")

	result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{})
	require.NotNil(t, result.Account)
	assert.Equal(t, "b@example.com", result.Account.Email)
	assert.Zero(t, result.WaitMs)
}

func TestHybridExcludesCriticalQuota(t *testing.T) {
	strategy := NewHybridStrategy(&Config{Weights: DefaultWeights()})
	accounts := poolOf("a@example.com", "b@example.com")
	accounts[0].Quota = &account.QuotaSnapshot{
		Models:      map[string]*account.ModelQuotaInfo{"claude-sonnet-4-5": {RemainingFraction: 0.01}},
		LastChecked: utils.NowMs(),
	}

	for i := 0; i < 3; i++ {
		result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{})
		require.NotNil(t, result.Account)
		assert.Equal(t, "b@example.com", result.Account.Email)
	}
}

func TestHybridQuotaFallbackWhenAllCritical(t *testing.T) {
	strategy := NewHybridStrategy(&Config{Weights: DefaultWeights()})
	accounts := poolOf("a@example.com")
	accounts[0].Quota = &account.QuotaSnapshot{
		Models:      map[string]*account.ModelQuotaInfo{"claude-sonnet-4-5": {RemainingFraction: 0.01}},
		LastChecked: utils.NowMs(),
	}

	// Critical quota everywhere relaxes the filter instead of failing.
	result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{})
	require.NotNil(t, result.Account)
	assert.Equal(t, "a@example.com", result.Account.Email)
}

func TestHybridEmergencyFallbackThrottles(t *testing.T) {
	strategy := NewHybridStrategy(&Config{Weights: DefaultWeights()})
	accounts := poolOf("a@example.com")

	// Make the only account unhealthy; the emergency path still serves
	// it but asks the caller to slow down.
	for i := 0; i < 3; i++ {
		strategy.HealthTracker().RecordFailure("a@example.com")
	}

	result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{})
	require.NotNil(t, result.Account)
	assert.Equal(t, int64(250), result.WaitMs)
}

func TestHybridNoUsableAccounts(t *testing.T) {
	strategy := NewHybridStrategy(&Config{Weights: DefaultWeights()})
	accounts := poolOf("a@example.com")
	limitFor(accounts[0], "claude-sonnet-4-5", 60000)

	result := strategy.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{})
	assert.Nil(t, result.Account)
}

func TestHybridOnFailureRefundsToken(t *testing.T) {
	strategy := NewHybridStrategy(&Config{Weights: DefaultWeights()})
	acc := &account.Account{Email: "a@example.com", Enabled: true}

	before := strategy.TokenBucketTracker().GetTokens(acc.Email)
	strategy.TokenBucketTracker().Consume(acc.Email)
	strategy.OnFailure(acc, "m")

	assert.InDelta(t, before, strategy.TokenBucketTracker().GetTokens(acc.Email), 0.01)
	assert.Less(t, strategy.HealthTracker().GetScore(acc.Email), 70.0)
}
