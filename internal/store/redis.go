// Package store provides optional Redis-backed caches: refreshed access
// tokens, thinking/tool signatures, and a usage-stats mirror. The file
// store remains the source of truth; everything here survives a missing
// or unreachable Redis by degrading to no-ops.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// Key prefixes.
const (
	PrefixTokenCache        = "bridge:token_cache:"
	PrefixSignatureTool     = "bridge:signatures:tool:"
	PrefixSignatureThinking = "bridge:signatures:thinking:"
	PrefixStats             = "bridge:stats:"
)

// Client wraps go-redis. A nil *Client is valid and makes every
// operation a no-op, so callers never branch on availability.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis, returning nil (not an error) when the
// server is unreachable so the bridge runs without acceleration.
func NewClient(cfg Config) *Client {
	if cfg.Addr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		utils.Warn("[Redis] Not available at %s, caching disabled: %v", cfg.Addr, err)
		_ = rdb.Close()
		return nil
	}

	utils.Info("[Redis] Connected to %s", cfg.Addr)
	return &Client{rdb: rdb}
}

// Close closes the connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("redis not configured")
	}
	return c.rdb.Ping(ctx).Err()
}

// Available reports whether Redis is usable.
func (c *Client) Available() bool {
	return c != nil
}

// SetJSON stores a JSON-encoded value with a TTL.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// GetJSON retrieves and decodes a value. Returns false when absent.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c == nil {
		return false, nil
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}

// SetString stores a raw string with a TTL.
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString retrieves a raw string; empty when absent.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	if c == nil {
		return "", nil
	}
	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if c == nil {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// HIncrBy increments a hash field.
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	if c == nil {
		return nil
	}
	return c.rdb.HIncrBy(ctx, key, field, incr).Err()
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// ScanKeys lists keys matching a pattern.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if c == nil {
		return nil, nil
	}

	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
