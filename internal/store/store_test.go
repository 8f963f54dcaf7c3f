package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The Redis-backed stores must degrade to no-ops when Redis is not
// configured: a nil receiver or nil client never panics.

func TestSignatureStoreNilSafety(t *testing.T) {
	ctx := context.Background()

	var nilStore *SignatureStore
	assert.Empty(t, nilStore.GetToolSignature(ctx, "toolu_01"))
	nilStore.SetToolSignature(ctx, "toolu_01", "sig")
	assert.Empty(t, nilStore.GetThinkingSignatureFamily(ctx, "sig"))
	nilStore.SetThinkingSignatureFamily(ctx, "sig", "claude")

	clientless := NewSignatureStore(nil)
	clientless.SetToolSignature(ctx, "toolu_01", "sig")
	assert.Empty(t, clientless.GetToolSignature(ctx, "toolu_01"))
}

func TestStatsStoreNilSafety(t *testing.T) {
	ctx := context.Background()

	var nilStore *StatsStore
	nilStore.RecordRequest(ctx, "claude", "opus-4-6")

	pruned, err := nilStore.PruneOldStats(ctx, 30)
	assert.NoError(t, err)
	assert.Zero(t, pruned)

	clientless := NewStatsStore(nil)
	clientless.RecordRequest(ctx, "claude", "opus-4-6")
	pruned, err = clientless.PruneOldStats(ctx, 30)
	assert.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestNewTokenStoreNilClient(t *testing.T) {
	assert.Nil(t, NewTokenStore(nil))
}

func TestHashSignatureStable(t *testing.T) {
	long := strings.Repeat("x", 4096)

	first := hashSignature(long)
	assert.Equal(t, first, hashSignature(long))
	assert.NotEqual(t, first, hashSignature(long+"y"))
	// Hex-encoded SHA-256.
	assert.Len(t, first, 64)
}
