package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignatureCacheToolRoundTrip(t *testing.T) {
	cache := NewSignatureCache(nil)

	cache.CacheToolSignature("toolu_01", validSignature)
	assert.Equal(t, validSignature, cache.ToolSignature("toolu_01"))
	assert.Empty(t, cache.ToolSignature("toolu_missing"))

	// Empty keys and values are ignored.
	cache.CacheToolSignature("", validSignature)
	cache.CacheToolSignature("toolu_02", "")
	assert.Empty(t, cache.ToolSignature(""))
	assert.Empty(t, cache.ToolSignature("toolu_02"))
}

func TestSignatureCacheThinkingFamily(t *testing.T) {
	cache := NewSignatureCache(nil)

	cache.CacheThinkingFamily(validSignature, "gemini")
	assert.Equal(t, "gemini", cache.ThinkingFamily(validSignature))

	// Short signatures are not tracked.
	cache.CacheThinkingFamily("short", "gemini")
	assert.Empty(t, cache.ThinkingFamily("short"))
}

func TestSignatureCacheClearThinking(t *testing.T) {
	cache := NewSignatureCache(nil)
	cache.CacheThinkingFamily(validSignature, "claude")
	cache.CacheToolSignature("toolu_01", validSignature)

	cache.ClearThinking()

	assert.Empty(t, cache.ThinkingFamily(validSignature))
	// Tool signatures are untouched.
	assert.Equal(t, validSignature, cache.ToolSignature("toolu_01"))
}

func TestSignatureCacheEntryExpiry(t *testing.T) {
	cache := NewSignatureCache(nil)
	cache.CacheToolSignature("toolu_01", validSignature)

	// Age the entry past the TTL.
	cache.mu.Lock()
	cache.tools["toolu_01"].savedAt = time.Now().Add(-3 * time.Hour)
	cache.mu.Unlock()

	assert.Empty(t, cache.ToolSignature("toolu_01"))
}
