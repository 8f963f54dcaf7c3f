// Package account implements the account pool: the persisted credential
// store, the pool manager, and credential resolution.
package account

import (
	"github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
)

// Credential sources.
const (
	SourceOAuth   = accounttypes.SourceOAuth
	SourceManual  = accounttypes.SourceManual
	SourceLocalDB = accounttypes.SourceLocalDB
)

// The account data types live in the accounttypes leaf package so the
// strategies and trackers subpackages can use them without importing
// this package back. The aliases keep them part of this package's API.

// Account is one upstream identity in the pool.
type Account = accounttypes.Account

// SubscriptionInfo records the detected subscription tier.
type SubscriptionInfo = accounttypes.SubscriptionInfo

// QuotaSnapshot is the last fetched per-model quota view.
type QuotaSnapshot = accounttypes.QuotaSnapshot

// ModelQuotaInfo is the remaining quota for one model.
type ModelQuotaInfo = accounttypes.ModelQuotaInfo

// RateLimitInfo is the per-model rate-limit mark.
type RateLimitInfo = accounttypes.RateLimitInfo

// CachedToken is a refreshed access token with its extraction time.
type CachedToken = accounttypes.CachedToken
