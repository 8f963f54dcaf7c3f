package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, MaxRetries, cfg.MaxRetries)
	assert.Equal(t, MaxAccounts, cfg.MaxAccounts)
	assert.Equal(t, DefaultSelectionStrategy, cfg.AccountSelection.Strategy)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.NotNil(t, cfg.ModelMapping)

	require.NotNil(t, cfg.AccountSelection.HealthScore)
	assert.Equal(t, 70.0, cfg.AccountSelection.HealthScore.Initial)
	assert.Equal(t, 50.0, cfg.AccountSelection.HealthScore.MinUsable)

	require.NotNil(t, cfg.AccountSelection.Quota)
	assert.Equal(t, 0.05, cfg.AccountSelection.Quota.CriticalThreshold)

	assert.NoError(t, cfg.validate())
}

func TestValidateRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	assert.ErrorContains(t, cfg.validate(), "maxRetries")

	cfg = DefaultConfig()
	cfg.MaxRetries = 21
	assert.Error(t, cfg.validate())

	cfg = DefaultConfig()
	cfg.MaxAccounts = 101
	assert.ErrorContains(t, cfg.validate(), "maxAccounts")

	cfg = DefaultConfig()
	cfg.GlobalQuotaThreshold = 1.0
	assert.ErrorContains(t, cfg.validate(), "globalQuotaThreshold")

	cfg = DefaultConfig()
	cfg.DefaultCooldownMs = -1
	assert.Error(t, cfg.validate())
}

func TestStrategyAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultSelectionStrategy, cfg.GetStrategy())

	cfg.SetStrategy("sticky")
	assert.Equal(t, "sticky", cfg.GetStrategy())
}

func TestIsDevMode(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.IsDevMode())
	cfg.DevMode = true
	assert.True(t, cfg.IsDevMode())
}

func TestGetModelFamily(t *testing.T) {
	assert.Equal(t, ModelFamilyClaude, GetModelFamily("claude-sonnet-4-5"))
	assert.Equal(t, ModelFamilyGemini, GetModelFamily("gemini-3-flash"))
	assert.Equal(t, ModelFamilyUnknown, GetModelFamily("gpt-4o"))
}

func TestIsThinkingModel(t *testing.T) {
	assert.True(t, IsThinkingModel("claude-sonnet-4-5-thinking"))
	assert.False(t, IsThinkingModel("claude-sonnet-4-5"))

	assert.True(t, IsThinkingModel("gemini-2.0-flash-thinking"))
	assert.True(t, IsThinkingModel("gemini-3-flash"))
	assert.False(t, IsThinkingModel("gemini-2.5-pro"))

	assert.False(t, IsThinkingModel("gpt-4o"))
}

func TestGetFallbackModel(t *testing.T) {
	for model, fallback := range ModelFallbackMap {
		got, ok := GetFallbackModel(model)
		assert.True(t, ok)
		assert.Equal(t, fallback, got)
	}

	_, ok := GetFallbackModel("no-such-model")
	assert.False(t, ok)
}
