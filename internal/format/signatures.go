package format

import (
	"context"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/store"
)

// maxSignatureEntries bounds each in-process signature map.
const maxSignatureEntries = 10000

// SignatureCache keeps Gemini thoughtSignatures alive across turns.
// Gemini requires a thoughtSignature on replayed tool calls, but most
// Anthropic clients strip unknown fields, so signatures are cached by
// tool_use id here and restored on the next request. Thinking block
// signatures are also mapped to the model family that produced them so
// cross-model history can be filtered.
//
// Entries live in-process with a TTL; when a Redis mirror is attached,
// writes go through to it and misses fall back to it.
type SignatureCache struct {
	mu       sync.RWMutex
	mirror   *store.SignatureStore
	tools    map[string]*cacheEntry
	thinking map[string]*cacheEntry
}

type cacheEntry struct {
	value   string
	savedAt time.Time
}

// NewSignatureCache creates a SignatureCache. mirror may be nil.
func NewSignatureCache(mirror *store.SignatureStore) *SignatureCache {
	return &SignatureCache{
		mirror:   mirror,
		tools:    make(map[string]*cacheEntry),
		thinking: make(map[string]*cacheEntry),
	}
}

func signatureTTL() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// CacheToolSignature stores the thoughtSignature for a tool_use id.
func (c *SignatureCache) CacheToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	c.mu.Lock()
	putEntry(c.tools, toolUseID, signature)
	c.mu.Unlock()

	c.mirror.SetToolSignature(context.Background(), toolUseID, signature)
}

// ToolSignature returns the cached thoughtSignature for a tool_use id,
// or empty.
func (c *SignatureCache) ToolSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.Lock()
	value := getEntry(c.tools, toolUseID)
	c.mu.Unlock()
	if value != "" {
		return value
	}

	if value = c.mirror.GetToolSignature(context.Background(), toolUseID); value != "" {
		c.mu.Lock()
		putEntry(c.tools, toolUseID, value)
		c.mu.Unlock()
	}
	return value
}

// CacheThinkingFamily records which model family produced a thinking
// signature. Short signatures are not worth tracking.
func (c *SignatureCache) CacheThinkingFamily(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	c.mu.Lock()
	putEntry(c.thinking, signature, modelFamily)
	c.mu.Unlock()

	c.mirror.SetThinkingSignatureFamily(context.Background(), signature, modelFamily)
}

// ThinkingFamily returns the model family for a thinking signature, or
// empty when its origin is unknown.
func (c *SignatureCache) ThinkingFamily(signature string) string {
	if signature == "" {
		return ""
	}

	c.mu.Lock()
	value := getEntry(c.thinking, signature)
	c.mu.Unlock()
	if value != "" {
		return value
	}

	if value = c.mirror.GetThinkingSignatureFamily(context.Background(), signature); value != "" {
		c.mu.Lock()
		putEntry(c.thinking, signature, value)
		c.mu.Unlock()
	}
	return value
}

// ClearThinking drops all thinking family entries.
func (c *SignatureCache) ClearThinking() {
	c.mu.Lock()
	c.thinking = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// putEntry inserts with lock held, evicting expired entries when the
// map hits its size bound.
func putEntry(m map[string]*cacheEntry, key, value string) {
	if len(m) >= maxSignatureEntries {
		cutoff := time.Now().Add(-signatureTTL())
		for k, e := range m {
			if e.savedAt.Before(cutoff) {
				delete(m, k)
			}
		}
		// Still full of fresh entries: drop arbitrary ones to make room.
		for k := range m {
			if len(m) < maxSignatureEntries {
				break
			}
			delete(m, k)
		}
	}
	m[key] = &cacheEntry{value: value, savedAt: time.Now()}
}

// getEntry reads with lock held, expiring stale entries in place.
func getEntry(m map[string]*cacheEntry, key string) string {
	entry, ok := m[key]
	if !ok {
		return ""
	}
	if time.Since(entry.savedAt) > signatureTTL() {
		delete(m, key)
		return ""
	}
	return entry.value
}

var (
	defaultCache     *SignatureCache
	defaultCacheOnce sync.Once
)

// Initialize wires the package-level cache to a Redis mirror. Safe to
// call once at startup; converters fall back to a memory-only cache if
// it never runs.
func Initialize(mirror *store.SignatureStore) {
	defaultCacheOnce.Do(func() {
		defaultCache = NewSignatureCache(mirror)
	})
}

// Signatures returns the package-level signature cache.
func Signatures() *SignatureCache {
	if defaultCache == nil {
		defaultCache = NewSignatureCache(nil)
	}
	return defaultCache
}
