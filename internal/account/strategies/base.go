package strategies

import (
	"time"

	account "github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
)

// BaseStrategy provides the usability checks shared by all strategies.
type BaseStrategy struct {
	config *Config
}

// NewBaseStrategy creates a BaseStrategy.
func NewBaseStrategy(cfg *Config) *BaseStrategy {
	return &BaseStrategy{config: cfg}
}

// IsAccountUsable reports whether an account can serve a request for
// the given model right now: enabled, not invalid, not cooling down,
// and not rate-limited for the model.
func (s *BaseStrategy) IsAccountUsable(acc *account.Account, modelID string) bool {
	if acc == nil || acc.IsInvalid || !acc.Enabled {
		return false
	}
	if s.IsAccountCoolingDown(acc) {
		return false
	}
	if modelID != "" && acc.IsRateLimitedFor(modelID, time.Now().UnixMilli()) {
		return false
	}
	return true
}

// IsAccountCoolingDown checks the failure cooldown, clearing it in
// place once expired.
func (s *BaseStrategy) IsAccountCoolingDown(acc *account.Account) bool {
	if acc == nil || acc.CoolingDownUntil == 0 {
		return false
	}
	if time.Now().UnixMilli() >= acc.CoolingDownUntil {
		acc.CoolingDownUntil = 0
		acc.CooldownReason = ""
		return false
	}
	return true
}

// AccountWithIndex pairs an account with its pool index.
type AccountWithIndex struct {
	Account *account.Account
	Index   int
}

// GetUsableAccounts returns every usable account with its index.
func (s *BaseStrategy) GetUsableAccounts(accounts []*account.Account, modelID string) []AccountWithIndex {
	result := make([]AccountWithIndex, 0, len(accounts))
	for i, acc := range accounts {
		if s.IsAccountUsable(acc, modelID) {
			result = append(result, AccountWithIndex{Account: acc, Index: i})
		}
	}
	return result
}

// OnSuccess is a no-op; strategies that track state override it.
func (s *BaseStrategy) OnSuccess(acc *account.Account, modelID string) {}

// OnRateLimit is a no-op; strategies that track state override it.
func (s *BaseStrategy) OnRateLimit(acc *account.Account, modelID string) {}

// OnFailure is a no-op; strategies that track state override it.
func (s *BaseStrategy) OnFailure(acc *account.Account, modelID string) {}
