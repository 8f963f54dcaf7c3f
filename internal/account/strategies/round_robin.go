package strategies

import (
	"context"
	"sync"
	"time"

	account "github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// RoundRobinStrategy rotates to the next usable account on every
// request. It maximizes parallel throughput at the cost of prompt-cache
// continuity.
type RoundRobinStrategy struct {
	*BaseStrategy
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinStrategy creates a RoundRobinStrategy.
func NewRoundRobinStrategy(cfg *Config) *RoundRobinStrategy {
	return &RoundRobinStrategy{BaseStrategy: NewBaseStrategy(cfg)}
}

// SelectAccount picks the first usable account after the cursor.
func (s *RoundRobinStrategy) SelectAccount(ctx context.Context, accounts []*account.Account, modelID string, options SelectOptions) *SelectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: 0}
	}

	if s.cursor >= len(accounts) {
		s.cursor = 0
	}

	start := (s.cursor + 1) % len(accounts)
	for i := 0; i < len(accounts); i++ {
		idx := (start + i) % len(accounts)
		acc := accounts[idx]
		if !s.IsAccountUsable(acc, modelID) {
			continue
		}

		acc.LastUsed = time.Now().UnixMilli()
		s.cursor = idx
		if options.OnSave != nil {
			options.OnSave()
		}

		utils.Info("[RoundRobinStrategy] Using account: %s (%d/%d)", acc.Email, idx+1, len(accounts))
		return &SelectionResult{Account: acc, Index: idx}
	}

	return &SelectionResult{Account: nil, Index: s.cursor}
}

// ResetCursor rewinds the rotation cursor.
func (s *RoundRobinStrategy) ResetCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}
