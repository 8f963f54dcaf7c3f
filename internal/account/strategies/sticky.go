package strategies

import (
	"context"
	"time"

	account "github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// StickyStrategy keeps serving from the same account until it becomes
// unavailable, which preserves upstream prompt-cache continuity. It
// switches only when the current account is invalid, disabled, or
// rate-limited with no short reset in sight.
type StickyStrategy struct {
	*BaseStrategy
}

// NewStickyStrategy creates a StickyStrategy.
func NewStickyStrategy(cfg *Config) *StickyStrategy {
	return &StickyStrategy{BaseStrategy: NewBaseStrategy(cfg)}
}

// SelectAccount prefers the account at options.CurrentIndex. When that
// account is unusable it fails over to the next usable one; when no
// account is usable but the current one resets within the wait budget,
// it reports the wait instead of switching.
func (s *StickyStrategy) SelectAccount(ctx context.Context, accounts []*account.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: options.CurrentIndex}
	}

	index := options.CurrentIndex
	if index < 0 || index >= len(accounts) {
		index = 0
	}

	current := accounts[index]
	if s.IsAccountUsable(current, modelID) {
		current.LastUsed = time.Now().UnixMilli()
		if options.OnSave != nil {
			options.OnSave()
		}
		return &SelectionResult{Account: current, Index: index}
	}

	if len(s.GetUsableAccounts(accounts, modelID)) > 0 {
		next, nextIndex := s.pickNext(accounts, index, modelID, options.OnSave)
		if next != nil {
			utils.Info("[StickyStrategy] Switched to new account (failover): %s", next.Email)
			return &SelectionResult{Account: next, Index: nextIndex}
		}
	}

	if shouldWait, waitMs := s.shouldWaitForAccount(current, modelID); shouldWait {
		utils.Info("[StickyStrategy] Waiting %s for sticky account: %s",
			utils.FormatDuration(waitMs), current.Email)
		return &SelectionResult{Account: nil, Index: index, WaitMs: waitMs}
	}

	next, nextIndex := s.pickNext(accounts, index, modelID, options.OnSave)
	return &SelectionResult{Account: next, Index: nextIndex}
}

func (s *StickyStrategy) pickNext(accounts []*account.Account, currentIndex int, modelID string, onSave func()) (*account.Account, int) {
	for i := 1; i <= len(accounts); i++ {
		idx := (currentIndex + i) % len(accounts)
		acc := accounts[idx]
		if s.IsAccountUsable(acc, modelID) {
			acc.LastUsed = time.Now().UnixMilli()
			if onSave != nil {
				onSave()
			}
			utils.Info("[StickyStrategy] Using account: %s (%d/%d)", acc.Email, idx+1, len(accounts))
			return acc, idx
		}
	}
	return nil, currentIndex
}

// shouldWaitForAccount reports whether the current account's rate limit
// resets soon enough to wait out rather than abandoning stickiness.
func (s *StickyStrategy) shouldWaitForAccount(acc *account.Account, modelID string) (bool, int64) {
	if acc == nil || acc.IsInvalid || !acc.Enabled {
		return false, 0
	}

	var waitMs int64
	if modelID != "" && acc.ModelRateLimits != nil {
		if info, ok := acc.ModelRateLimits[modelID]; ok && info.IsRateLimited && info.ResetTime > 0 {
			waitMs = info.ResetTime - time.Now().UnixMilli()
		}
	}

	if waitMs > 0 && waitMs <= config.MaxWaitBeforeErrorMs {
		return true, waitMs
	}
	return false, 0
}
