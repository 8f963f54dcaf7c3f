package cloudcode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hollowb/antigravity-bridge/internal/config"
)

func TestBackoffRecordEscalates(t *testing.T) {
	tracker := NewBackoffTracker()

	first := tracker.Record("a@example.com", "claude-sonnet-4-5", 0)
	assert.Equal(t, 1, first.Attempt)
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, int64(config.FirstRetryDelayMs), first.DelayMs)

	// Force past the dedup window without waiting.
	tracker.entries[dedupKey("a@example.com", "claude-sonnet-4-5")].lastAt =
		time.Now().Add(-3 * time.Second)

	second := tracker.Record("a@example.com", "claude-sonnet-4-5", 0)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, int64(2*config.FirstRetryDelayMs), second.DelayMs)
}

func TestBackoffRecordDuplicateInsideWindow(t *testing.T) {
	tracker := NewBackoffTracker()

	first := tracker.Record("a@example.com", "m", 0)
	second := tracker.Record("a@example.com", "m", 0)

	assert.False(t, first.IsDuplicate)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.Attempt, second.Attempt)
	assert.Equal(t, 1, tracker.Attempts("a@example.com", "m"))
}

func TestBackoffServerDelayWins(t *testing.T) {
	tracker := NewBackoffTracker()

	result := tracker.Record("a@example.com", "m", 5000)
	assert.Equal(t, int64(5000), result.DelayMs)
}

func TestBackoffDelayClampedAt60s(t *testing.T) {
	assert.Equal(t, int64(60000), escalatedDelay(1000, 10))
	// Exponential term never undercuts the server-provided base.
	assert.Equal(t, int64(90000), escalatedDelay(90000, 1))
}

func TestBackoffClearResetsState(t *testing.T) {
	tracker := NewBackoffTracker()
	tracker.Record("a@example.com", "m", 0)
	tracker.Clear("a@example.com", "m")

	assert.Equal(t, 0, tracker.Attempts("a@example.com", "m"))
}

func TestBackoffPairsAreIndependent(t *testing.T) {
	tracker := NewBackoffTracker()
	tracker.Record("a@example.com", "m1", 0)

	assert.Equal(t, 1, tracker.Attempts("a@example.com", "m1"))
	assert.Equal(t, 0, tracker.Attempts("a@example.com", "m2"))
	assert.Equal(t, 0, tracker.Attempts("b@example.com", "m1"))
}

func TestCalculateSmartBackoffServerReset(t *testing.T) {
	assert.Equal(t, int64(45000), CalculateSmartBackoff("", 45000, 0))
	// Floored at the minimum to avoid tight loops.
	assert.Equal(t, int64(config.MinBackoffMs), CalculateSmartBackoff("", 100, 0))
}

func TestCalculateSmartBackoffQuotaTiers(t *testing.T) {
	tiers := config.QuotaExhaustedBackoffTiersMs

	assert.Equal(t, tiers[0], CalculateSmartBackoff("QUOTA_EXHAUSTED", 0, 0))
	assert.Equal(t, tiers[1], CalculateSmartBackoff("QUOTA_EXHAUSTED", 0, 1))
	assert.Equal(t, tiers[3], CalculateSmartBackoff("QUOTA_EXHAUSTED", 0, 3))
	// Beyond the last tier the cap holds.
	assert.Equal(t, tiers[3], CalculateSmartBackoff("QUOTA_EXHAUSTED", 0, 99))
}

func TestCalculateSmartBackoffByKind(t *testing.T) {
	assert.Equal(t, config.BackoffByErrorKind["RATE_LIMIT_EXCEEDED"],
		CalculateSmartBackoff("rate limit exceeded", 0, 0))
	assert.Equal(t, config.BackoffByErrorKind["SERVER_ERROR"],
		CalculateSmartBackoff("internal server error", 0, 0))
	assert.Equal(t, config.BackoffByErrorKind["UNKNOWN"],
		CalculateSmartBackoff("mystery", 0, 0))

	capacity := CalculateSmartBackoff("MODEL_CAPACITY_EXHAUSTED", 0, 0)
	base := config.BackoffByErrorKind["MODEL_CAPACITY_EXHAUSTED"]
	assert.GreaterOrEqual(t, capacity, base)
	assert.Less(t, capacity, base+config.CapacityJitterMaxMs+1)
}
