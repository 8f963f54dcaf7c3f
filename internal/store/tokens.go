package store

import (
	"context"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/account"
)

// TokenStore persists refreshed access tokens in Redis so restarts
// don't trigger a refresh stampede. Satisfies account.TokenCache.
type TokenStore struct {
	client *Client
}

// NewTokenStore creates a TokenStore. Returns nil when Redis is
// unavailable; the credentials layer skips a nil cache.
func NewTokenStore(client *Client) *TokenStore {
	if client == nil {
		return nil
	}
	return &TokenStore{client: client}
}

// GetToken returns the cached token for an account, or nil.
func (s *TokenStore) GetToken(ctx context.Context, email string) (*account.CachedToken, error) {
	var token account.CachedToken
	found, err := s.client.GetJSON(ctx, PrefixTokenCache+email, &token)
	if err != nil || !found {
		return nil, err
	}
	return &token, nil
}

// SetToken caches a token with the given TTL.
func (s *TokenStore) SetToken(ctx context.Context, email, token string, ttl time.Duration) error {
	return s.client.SetJSON(ctx, PrefixTokenCache+email, &account.CachedToken{
		AccessToken: token,
		ExtractedAt: time.Now(),
	}, ttl)
}

// ClearToken removes a cached token.
func (s *TokenStore) ClearToken(ctx context.Context, email string) error {
	return s.client.Delete(ctx, PrefixTokenCache+email)
}
