package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/apperr"
	"github.com/hollowb/antigravity-bridge/internal/auth"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// TokenCache persists access tokens across restarts. Implementations
// must tolerate a nil receiver being skipped by the caller.
type TokenCache interface {
	GetToken(ctx context.Context, email string) (*CachedToken, error)
	SetToken(ctx context.Context, email, token string, ttl time.Duration) error
	ClearToken(ctx context.Context, email string) error
}

type memToken struct {
	token     string
	expiresAt time.Time
}

// Credentials resolves access tokens and project IDs for accounts,
// caching both with a TTL so hot requests never block on OAuth.
type Credentials struct {
	mu         sync.RWMutex
	store      *FileStore
	persistent TokenCache

	tokens   map[string]*memToken
	projects map[string]string
}

// NewCredentials creates a credentials resolver. persistent may be nil.
func NewCredentials(store *FileStore, persistent TokenCache) *Credentials {
	return &Credentials{
		store:      store,
		persistent: persistent,
		tokens:     make(map[string]*memToken),
		projects:   make(map[string]string),
	}
}

// GetAccessToken returns a cached access token when fresh, otherwise
// resolves one from the account's credential source.
func (c *Credentials) GetAccessToken(ctx context.Context, acc *Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account is nil")
	}

	ttl := time.Duration(config.TokenCacheTTLMs) * time.Millisecond

	c.mu.RLock()
	cached, ok := c.tokens[acc.Email]
	c.mu.RUnlock()
	if ok && cached.expiresAt.After(time.Now()) {
		return cached.token, nil
	}

	if c.persistent != nil {
		if stored, err := c.persistent.GetToken(ctx, acc.Email); err == nil && stored != nil && stored.AccessToken != "" {
			if time.Since(stored.ExtractedAt) < ttl {
				c.cacheToken(acc.Email, stored.AccessToken, ttl)
				return stored.AccessToken, nil
			}
		}
	}

	token, err := c.freshToken(ctx, acc)
	if err != nil {
		return "", err
	}

	c.cacheToken(acc.Email, token, ttl)
	if c.persistent != nil {
		_ = c.persistent.SetToken(ctx, acc.Email, token, ttl)
	}
	return token, nil
}

func (c *Credentials) freshToken(ctx context.Context, acc *Account) (string, error) {
	switch acc.Source {
	case SourceOAuth:
		if acc.RefreshToken == "" {
			return "", apperr.NewAuthError(fmt.Sprintf("no refresh token for account %s", acc.Email), acc.Email, "missing_refresh_token")
		}
		refresh, _, _ := auth.ParseCompositeRefresh(acc.RefreshToken)
		utils.Debug("[Credentials] Refreshing OAuth token for %s", acc.Email)
		result, err := auth.RefreshAccessToken(ctx, refresh)
		if err != nil {
			// Network blips stay retryable; real refusals mean the
			// grant is dead.
			if utils.IsNetworkError(err) {
				utils.Warn("[Credentials] Transient refresh failure for %s: %v", acc.Email, err)
				return "", err
			}
			utils.Error("[Credentials] Failed to refresh token for %s: %v", acc.Email, err)
			return "", apperr.NewAuthError(fmt.Sprintf("token refresh failed: %v", err), acc.Email, "invalid_grant")
		}
		utils.Success("[Credentials] Refreshed OAuth token for %s", acc.Email)
		return result.AccessToken, nil

	case SourceManual:
		if acc.APIKey != "" {
			return acc.APIKey, nil
		}
		return "", apperr.NewAuthError(fmt.Sprintf("no API key for manual account %s", acc.Email), acc.Email, "missing_api_key")

	case SourceLocalDB:
		token, err := auth.ReadLocalDBToken(ctx)
		if err != nil {
			return "", fmt.Errorf("local database token: %w", err)
		}
		return token, nil

	default:
		return "", fmt.Errorf("unknown account source: %s", acc.Source)
	}
}

// GetProjectForAccount resolves the managed project id for an account:
// cache, then the composite token's managed segment, then remote
// discovery, and finally the static default. A discovered id is written
// back into the composite token and persisted.
func (c *Credentials) GetProjectForAccount(ctx context.Context, acc *Account, token string) string {
	if acc == nil {
		return config.DefaultProjectID
	}

	c.mu.RLock()
	cached, ok := c.projects[acc.Email]
	c.mu.RUnlock()
	if ok && cached != "" {
		return cached
	}

	refresh, projectID, managedProjectID := auth.ParseCompositeRefresh(acc.RefreshToken)

	if managedProjectID != "" {
		c.cacheProject(acc.Email, managedProjectID)
		if acc.Subscription == nil || acc.Subscription.Tier == "" || acc.Subscription.Tier == "unknown" {
			c.refreshSubscription(ctx, acc, token)
		}
		return managedProjectID
	}

	discovered, tier, err := auth.DiscoverProject(ctx, token, projectID)
	if err != nil {
		utils.Warn("[Credentials] Project discovery failed for %s: %v", acc.Email, err)
		if projectID != "" {
			return projectID
		}
		if acc.ProjectID != "" {
			return acc.ProjectID
		}
		return config.DefaultProjectID
	}

	if tier != "" {
		c.saveSubscription(acc, tier, discovered)
	}

	if discovered != "" {
		c.cacheProject(acc.Email, discovered)
		acc.RefreshToken = auth.FormatCompositeRefresh(refresh, projectID, discovered)
		if c.store != nil {
			if err := c.store.Update(acc.Email, func(stored *Account) {
				stored.RefreshToken = acc.RefreshToken
				stored.Subscription = acc.Subscription
			}); err != nil {
				utils.Warn("[Credentials] Failed to persist project for %s: %v", acc.Email, err)
			}
		}
		return discovered
	}

	if projectID != "" {
		return projectID
	}
	return config.DefaultProjectID
}

func (c *Credentials) refreshSubscription(ctx context.Context, acc *Account, token string) {
	tier, err := auth.FetchSubscriptionTier(ctx, token)
	if err != nil {
		utils.Debug("[Credentials] Tier fetch failed for %s: %v", acc.Email, err)
		return
	}
	c.saveSubscription(acc, tier, "")
	if c.store != nil {
		_ = c.store.Update(acc.Email, func(stored *Account) {
			stored.Subscription = acc.Subscription
		})
	}
}

func (c *Credentials) saveSubscription(acc *Account, tier, projectID string) {
	if acc.Subscription == nil {
		acc.Subscription = &SubscriptionInfo{}
	}
	acc.Subscription.Tier = tier
	if projectID != "" {
		acc.Subscription.ProjectID = projectID
	}
	acc.Subscription.DetectedAt = utils.NowMs()
}

func (c *Credentials) cacheToken(email, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[email] = &memToken{token: token, expiresAt: time.Now().Add(ttl)}
}

func (c *Credentials) cacheProject(email, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects[email] = projectID
}

// ClearTokenCache drops all cached tokens.
func (c *Credentials) ClearTokenCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[string]*memToken)
}

// ClearTokenCacheFor drops the cached token for one account.
func (c *Credentials) ClearTokenCacheFor(ctx context.Context, email string) {
	c.mu.Lock()
	delete(c.tokens, email)
	c.mu.Unlock()
	if c.persistent != nil {
		_ = c.persistent.ClearToken(ctx, email)
	}
}

// ClearProjectCache drops all cached project ids.
func (c *Credentials) ClearProjectCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects = make(map[string]string)
}

// ClearProjectCacheFor drops the cached project id for one account.
func (c *Credentials) ClearProjectCacheFor(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.projects, email)
}
