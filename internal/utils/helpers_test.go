package utils

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45000))
	assert.Equal(t, "23m45s", FormatDuration(1425000))
	assert.Equal(t, "1h23m45s", FormatDuration(5025000))
	assert.Equal(t, "0s", FormatDuration(250))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, 5000)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepZeroReturnsImmediately(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), -5))
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsNetworkError(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsNetworkError(errors.New("unexpected EOF")))
	assert.False(t, IsNetworkError(errors.New("400 bad request")))
	assert.False(t, IsNetworkError(nil))
}

func TestGenerateJitterRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		jitter := GenerateJitter(1000)
		assert.GreaterOrEqual(t, jitter, int64(-500))
		assert.LessOrEqual(t, jitter, int64(500))
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, int64(5), Clamp(5, 0, 10))
	assert.Equal(t, int64(0), Clamp(-3, 0, 10))
	assert.Equal(t, int64(10), Clamp(99, 0, 10))
}

func TestEnsureParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "file.json")
	require.NoError(t, EnsureParentDir(path))
	assert.True(t, FileExists(filepath.Dir(path)))
	assert.False(t, FileExists(path))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "a***@example.com", MaskEmail("a@example.com"))
	assert.Equal(t, "***", MaskEmail("not-an-email"))
}

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "75%", FormatPercent(0.75))
	assert.Equal(t, "0%", FormatPercent(0))
	assert.Equal(t, "100%", FormatPercent(1))
}

func TestContainsAny(t *testing.T) {
	assert.True(t, ContainsAny("rate limit exceeded", "quota", "rate limit"))
	assert.False(t, ContainsAny("all good", "quota", "rate limit"))
}
