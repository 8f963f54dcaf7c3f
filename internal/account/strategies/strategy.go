// Package strategies implements account selection for the pool manager:
// sticky (cache continuity), round-robin (throughput), and hybrid
// (multi-signal scoring).
package strategies

import (
	"context"

	account "github.com/hollowb/antigravity-bridge/internal/account/accounttypes"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// Strategy names.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

// StrategyLabels maps strategy names to display labels.
var StrategyLabels = map[string]string{
	StrategySticky:     "Sticky (Cache-Optimized)",
	StrategyRoundRobin: "Round-Robin (Load-Balanced)",
	StrategyHybrid:     "Hybrid (Smart Distribution)",
}

// SelectOptions carries per-request selection inputs.
type SelectOptions struct {
	// CurrentIndex is the persisted sticky cursor.
	CurrentIndex int
	// SessionID identifies the conversation, for session-aware logging.
	SessionID string
	// OnSave is invoked when the strategy mutates account state that
	// should be persisted (LastUsed, cursor moves).
	OnSave func()
}

// SelectionResult is the outcome of one selection pass. A nil Account
// with WaitMs > 0 means every account is busy and the caller should
// wait that long and retry; a nil Account with WaitMs == 0 means the
// pool is exhausted.
type SelectionResult struct {
	Account *account.Account
	Index   int
	WaitMs  int64
}

// Strategy selects an account for each request and receives outcome
// feedback to steer future picks.
type Strategy interface {
	SelectAccount(ctx context.Context, accounts []*account.Account, modelID string, options SelectOptions) *SelectionResult

	OnSuccess(acc *account.Account, modelID string)
	OnRateLimit(acc *account.Account, modelID string)
	OnFailure(acc *account.Account, modelID string)
}

// Config carries tracker tuning for strategies that use them.
type Config struct {
	HealthScore config.HealthScoreConfig
	TokenBucket config.TokenBucketConfig
	Quota       config.QuotaConfig
	Weights     *WeightConfig
}

// WeightConfig holds the hybrid scoring weights.
type WeightConfig struct {
	Health float64
	Tokens float64
	Quota  float64
	LRU    float64
}

// DefaultWeights returns the default hybrid scoring weights.
func DefaultWeights() *WeightConfig {
	return &WeightConfig{
		Health: 2.0,
		Tokens: 5.0,
		Quota:  3.0,
		LRU:    0.1,
	}
}

// NewStrategy creates a strategy by name, falling back to hybrid for
// unknown names.
func NewStrategy(strategyName string, cfg *Config) Strategy {
	name := strategyName
	if name == "" {
		name = config.DefaultSelectionStrategy
	}

	switch name {
	case StrategySticky:
		utils.Debug("[Strategy] Creating StickyStrategy")
		return NewStickyStrategy(cfg)

	case StrategyRoundRobin, "roundrobin":
		utils.Debug("[Strategy] Creating RoundRobinStrategy")
		return NewRoundRobinStrategy(cfg)

	case StrategyHybrid:
		utils.Debug("[Strategy] Creating HybridStrategy")
		return NewHybridStrategy(cfg)

	default:
		utils.Warn("[Strategy] Unknown strategy \"%s\", falling back to %s", strategyName, config.DefaultSelectionStrategy)
		return NewHybridStrategy(cfg)
	}
}

// IsValidStrategy reports whether name is a recognised strategy.
func IsValidStrategy(name string) bool {
	switch name {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid, "roundrobin":
		return true
	default:
		return false
	}
}

// GetStrategyLabel returns the display label for a strategy name.
func GetStrategyLabel(name string) string {
	if name == "" {
		name = config.DefaultSelectionStrategy
	}
	if name == "roundrobin" {
		return StrategyLabels[StrategyRoundRobin]
	}
	if label, ok := StrategyLabels[name]; ok {
		return label
	}
	return StrategyLabels[config.DefaultSelectionStrategy]
}
