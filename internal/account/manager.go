package account

import (
	"context"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/account/strategies"
	"github.com/hollowb/antigravity-bridge/internal/apperr"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// Manager owns the live account pool. It routes selection through the
// configured strategy, applies rate-limit marks and cooldowns, and
// persists durable state through the file store.
type Manager struct {
	mu sync.RWMutex

	store       *FileStore
	credentials *Credentials

	accounts     []*Account
	currentIndex int
	initialized  bool

	strategy     strategies.Strategy
	strategyName string

	config *config.Config
}

// NewManager creates a pool manager over the given store. tokenCache
// may be nil.
func NewManager(store *FileStore, cfg *config.Config, tokenCache TokenCache) *Manager {
	return &Manager{
		store:        store,
		credentials:  NewCredentials(store, tokenCache),
		strategyName: config.DefaultSelectionStrategy,
		config:       cfg,
	}
}

// Initialize loads accounts and builds the strategy. A non-empty
// strategyOverride wins over the configured strategy.
func (m *Manager) Initialize(ctx context.Context, strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	if err := m.store.Load(); err != nil {
		return err
	}
	m.accounts = m.store.Live()
	m.currentIndex = m.store.ActiveIndex()

	if strategyOverride != "" {
		m.strategyName = strategyOverride
	} else if configured := m.config.GetStrategy(); configured != "" {
		m.strategyName = configured
	}

	strategyConfig := &strategies.Config{Weights: strategies.DefaultWeights()}
	sel := m.config.AccountSelection
	if sel.HealthScore != nil {
		strategyConfig.HealthScore = *sel.HealthScore
	}
	if sel.TokenBucket != nil {
		strategyConfig.TokenBucket = *sel.TokenBucket
	}
	if sel.Quota != nil {
		strategyConfig.Quota = *sel.Quota
	}
	if sel.Weights != nil {
		strategyConfig.Weights = &strategies.WeightConfig{
			Health: sel.Weights.Health,
			Tokens: sel.Weights.Tokens,
			Quota:  sel.Weights.Quota,
			LRU:    sel.Weights.Lru,
		}
	}
	m.strategy = strategies.NewStrategy(m.strategyName, strategyConfig)

	if hybrid, ok := m.strategy.(*strategies.HybridStrategy); ok && m.config.GlobalQuotaThreshold > 0 {
		threshold := m.config.GlobalQuotaThreshold
		hybrid.SetGlobalThreshold(&threshold)
	}

	utils.Info("[AccountManager] Using %s selection strategy", strategies.GetStrategyLabel(m.strategyName))

	m.clearExpiredLimitsLocked()
	m.initialized = true
	return nil
}

// Reload re-reads accounts.json, preserving transient runtime state.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.Reload(); err != nil {
		return err
	}
	m.accounts = m.store.Live()
	if m.currentIndex >= len(m.accounts) {
		m.currentIndex = 0
	}
	utils.Info("[AccountManager] Accounts reloaded from disk (%d account(s))", len(m.accounts))
	return nil
}

// GetAccountCount returns the pool size.
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// GetAllAccounts returns the live accounts. Callers must not mutate.
func (m *Manager) GetAllAccounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Account, len(m.accounts))
	copy(result, m.accounts)
	return result
}

// SelectOptions carries per-request selection inputs.
type SelectOptions struct {
	SessionID string
}

// SelectionResult is the manager-level selection outcome.
type SelectionResult struct {
	Account *Account
	Index   int
	WaitMs  int64
}

// SelectAccount sweeps expired rate-limit marks and delegates to the
// active strategy.
func (m *Manager) SelectAccount(ctx context.Context, modelID string, options SelectOptions) (*SelectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, apperr.New("account manager not initialized", "NOT_INITIALIZED", false, nil)
	}
	if len(m.accounts) == 0 {
		return nil, apperr.NewNoAccountsError("No accounts configured", false)
	}

	m.clearExpiredLimitsLocked()

	result := m.strategy.SelectAccount(ctx, m.accounts, modelID, strategies.SelectOptions{
		CurrentIndex: m.currentIndex,
		SessionID:    options.SessionID,
		OnSave:       func() { m.saveLocked() },
	})

	if result.Account == nil {
		if result.WaitMs > 0 {
			return &SelectionResult{Index: result.Index, WaitMs: result.WaitMs}, nil
		}
		return nil, apperr.NewNoAccountsError("No available accounts", m.isAllRateLimitedLocked(modelID))
	}

	if result.Index != m.currentIndex {
		m.currentIndex = result.Index
		_ = m.store.SetActiveIndex(result.Index)
	}

	return &SelectionResult{Account: result.Account, Index: result.Index, WaitMs: result.WaitMs}, nil
}

// GetTokenForAccount resolves an access token, marking the account
// invalid on credential refusal.
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if apperr.IsAuthError(err) {
			_ = m.MarkInvalid(acc.Email, err.Error())
		}
		return "", err
	}

	// A working credential clears a stale invalid mark.
	if acc.IsInvalid {
		m.mu.Lock()
		acc.IsInvalid = false
		acc.InvalidReason = ""
		acc.InvalidAt = 0
		m.saveLocked()
		m.mu.Unlock()
	}
	return token, nil
}

// GetProjectForAccount resolves the managed project id for an account.
func (m *Manager) GetProjectForAccount(ctx context.Context, acc *Account, token string) string {
	return m.credentials.GetProjectForAccount(ctx, acc, token)
}

// MarkRateLimited records a per-model rate-limit mark with an absolute
// reset instant and bumps the consecutive-failure counter.
func (m *Manager) MarkRateLimited(email string, resetMs int64, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}

	if acc.ModelRateLimits == nil {
		acc.ModelRateLimits = make(map[string]*RateLimitInfo)
	}
	acc.ModelRateLimits[modelID] = &RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     utils.NowMs() + resetMs,
		ActualResetMs: resetMs,
	}
	m.bumpFailuresLocked(acc)

	m.saveLocked()
	utils.Info("[AccountManager] %s rate-limited for %s, reset in %s",
		utils.MaskEmail(email), modelID, utils.FormatDuration(resetMs))
}

// RecordFailure counts a network or server failure against an account.
// Failures accumulate into the same extended-cooldown ceiling as rate
// limits without placing a rate-limit mark.
func (m *Manager) RecordFailure(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	m.bumpFailuresLocked(acc)
	m.saveLocked()
}

func (m *Manager) bumpFailuresLocked(acc *Account) {
	acc.ConsecutiveFailures++
	if m.config.MaxConsecutiveFailures > 0 && acc.ConsecutiveFailures >= m.config.MaxConsecutiveFailures {
		acc.CoolingDownUntil = utils.NowMs() + m.config.ExtendedCooldownMs
		acc.CooldownReason = "consecutive failures"
		utils.Warn("[AccountManager] %s cooling down for %s after %d consecutive failures",
			utils.MaskEmail(acc.Email), utils.FormatDuration(m.config.ExtendedCooldownMs), acc.ConsecutiveFailures)
	}
}

// MarkInvalid flags an account so it is never selected again until
// re-enrolled.
func (m *Manager) MarkInvalid(email, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return nil
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = utils.NowMs()
	m.saveLocked()
	utils.Warn("[AccountManager] Account %s marked invalid: %s", utils.MaskEmail(email), reason)
	return nil
}

// NotifySuccess clears rate-limit state for the (account, model) pair,
// resets the failure counter, and informs the strategy.
func (m *Manager) NotifySuccess(acc *Account, modelID string) {
	if acc == nil {
		return
	}

	m.mu.Lock()
	if acc.ModelRateLimits != nil {
		delete(acc.ModelRateLimits, modelID)
	}
	acc.ConsecutiveFailures = 0
	acc.CoolingDownUntil = 0
	acc.CooldownReason = ""
	acc.LastUsed = utils.NowMs()
	m.saveLocked()
	m.mu.Unlock()

	if m.strategy != nil {
		m.strategy.OnSuccess(acc, modelID)
	}
}

// NotifyRateLimit informs the strategy of a rate limit.
func (m *Manager) NotifyRateLimit(acc *Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnRateLimit(acc, modelID)
	}
}

// NotifyFailure informs the strategy of a non-rate-limit failure.
func (m *Manager) NotifyFailure(acc *Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnFailure(acc, modelID)
	}
}

// IsAllRateLimited reports whether every eligible account is limited
// for the model.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAllRateLimitedLocked(modelID)
}

func (m *Manager) isAllRateLimitedLocked(modelID string) bool {
	now := utils.NowMs()
	eligible := false
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		eligible = true
		if !acc.IsRateLimitedFor(modelID, now) && !acc.IsCoolingDown(now) {
			return false
		}
	}
	return eligible
}

// GetAvailableAccounts returns the enabled, valid, non-limited accounts
// for a model.
func (m *Manager) GetAvailableAccounts(modelID string) []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := utils.NowMs()
	result := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if acc.IsRateLimitedFor(modelID, now) || acc.IsCoolingDown(now) {
			continue
		}
		result = append(result, acc)
	}
	return result
}

// GetInvalidAccounts returns accounts flagged invalid.
func (m *Manager) GetInvalidAccounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0)
	for _, acc := range m.accounts {
		if acc.IsInvalid {
			result = append(result, acc)
		}
	}
	return result
}

// GetMinWaitTimeMs returns the minimum positive reset delay across the
// pool for a model, or 0 when some account is already available.
func (m *Manager) GetMinWaitTimeMs(modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := utils.NowMs()
	var minWait int64 = -1
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}

		var wait int64
		if acc.IsCoolingDown(now) {
			wait = acc.CoolingDownUntil - now
		}
		if acc.ModelRateLimits != nil {
			if info, ok := acc.ModelRateLimits[modelID]; ok && info.IsRateLimited && info.ResetTime > now {
				if limitWait := info.ResetTime - now; limitWait > wait {
					wait = limitWait
				}
			}
		}

		if wait <= 0 {
			return 0
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// ResetAllRateLimits clears every rate-limit mark. The dispatcher uses
// this as an optimistic retry lever when the whole pool looks limited.
func (m *Manager) ResetAllRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		acc.ModelRateLimits = nil
		acc.CoolingDownUntil = 0
		acc.CooldownReason = ""
	}
	m.saveLocked()
	utils.Info("[AccountManager] All rate limits reset")
}

// ClearExpiredLimits removes rate-limit marks whose reset instant has
// passed and returns how many were cleared.
func (m *Manager) ClearExpiredLimits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearExpiredLimitsLocked()
}

func (m *Manager) clearExpiredLimitsLocked() int {
	now := utils.NowMs()
	cleared := 0
	for _, acc := range m.accounts {
		cleared += acc.ClearExpiredRateLimits(now)
	}
	if cleared > 0 {
		utils.Debug("[AccountManager] Cleared %d expired rate limit(s)", cleared)
	}
	return cleared
}

// UpdateAccountSubscription records a detected subscription tier.
func (m *Manager) UpdateAccountSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.Subscription == nil {
		acc.Subscription = &SubscriptionInfo{}
	}
	acc.Subscription.Tier = tier
	acc.Subscription.ProjectID = projectID
	acc.Subscription.DetectedAt = utils.NowMs()
	m.saveLocked()
}

// UpdateAccountQuota records a fresh per-model quota snapshot.
func (m *Manager) UpdateAccountQuota(email string, models map[string]*ModelQuotaInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.Quota == nil {
		acc.Quota = &QuotaSnapshot{Models: make(map[string]*ModelQuotaInfo)}
	}
	acc.Quota.LastChecked = utils.NowMs()
	for modelID, info := range models {
		acc.Quota.Models[modelID] = info
	}
	m.saveLocked()
}

// ClearTokenCache drops all cached tokens.
func (m *Manager) ClearTokenCache() {
	m.credentials.ClearTokenCache()
}

// ClearTokenCacheFor drops the cached token for one account.
func (m *Manager) ClearTokenCacheFor(email string) {
	m.credentials.ClearTokenCacheFor(context.Background(), email)
}

// ClearProjectCache drops all cached project ids.
func (m *Manager) ClearProjectCache() {
	m.credentials.ClearProjectCache()
}

// ClearProjectCacheFor drops the cached project id for one account.
func (m *Manager) ClearProjectCacheFor(email string) {
	m.credentials.ClearProjectCacheFor(email)
}

// GetStrategyName returns the active strategy name.
func (m *Manager) GetStrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// GetStrategyLabel returns the active strategy's display label.
func (m *Manager) GetStrategyLabel() string {
	return strategies.GetStrategyLabel(m.GetStrategyName())
}

// SetStrategy replaces the active strategy, resetting strategy state.
func (m *Manager) SetStrategy(name string) error {
	if !strategies.IsValidStrategy(name) {
		return apperr.New("unknown strategy: "+name, "INVALID_STRATEGY", false, nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	strategyConfig := &strategies.Config{Weights: strategies.DefaultWeights()}
	sel := m.config.AccountSelection
	if sel.HealthScore != nil {
		strategyConfig.HealthScore = *sel.HealthScore
	}
	if sel.TokenBucket != nil {
		strategyConfig.TokenBucket = *sel.TokenBucket
	}
	if sel.Quota != nil {
		strategyConfig.Quota = *sel.Quota
	}

	m.strategyName = name
	m.strategy = strategies.NewStrategy(name, strategyConfig)
	m.config.SetStrategy(name)
	utils.Info("[AccountManager] Strategy switched to %s", strategies.GetStrategyLabel(name))
	return nil
}

// SaveToDisk persists the pool.
func (m *Manager) SaveToDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save()
}

func (m *Manager) saveLocked() {
	if err := m.store.Save(); err != nil {
		utils.Warn("[AccountManager] Failed to save accounts: %v", err)
	}
}

func (m *Manager) findLocked(email string) *Account {
	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// ManagerStatus summarises the pool for status endpoints.
type ManagerStatus struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Strategy    string           `json:"strategy"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus is one account's status view.
type AccountStatus struct {
	Email                string                    `json:"email"`
	Source               string                    `json:"source"`
	Enabled              bool                      `json:"enabled"`
	ProjectID            string                    `json:"projectId,omitempty"`
	Tier                 string                    `json:"tier,omitempty"`
	IsInvalid            bool                      `json:"isInvalid"`
	InvalidReason        string                    `json:"invalidReason,omitempty"`
	LastUsed             int64                     `json:"lastUsed,omitempty"`
	ConsecutiveFailures  int                       `json:"consecutiveFailures,omitempty"`
	QuotaThreshold       *float64                  `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64        `json:"modelQuotaThresholds,omitempty"`
	ModelRateLimits      map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`
}

// GetStatus returns the pool status.
func (m *Manager) GetStatus(modelID string) *ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := utils.NowMs()
	status := &ManagerStatus{
		Total:    len(m.accounts),
		Strategy: m.strategyName,
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}

	for _, acc := range m.accounts {
		entry := &AccountStatus{
			Email:                acc.Email,
			Source:               acc.Source,
			Enabled:              acc.Enabled,
			ProjectID:            acc.ProjectID,
			IsInvalid:            acc.IsInvalid,
			InvalidReason:        acc.InvalidReason,
			LastUsed:             acc.LastUsed,
			ConsecutiveFailures:  acc.ConsecutiveFailures,
			QuotaThreshold:       acc.QuotaThreshold,
			ModelQuotaThresholds: acc.ModelQuotaThresholds,
			ModelRateLimits:      acc.ModelRateLimits,
		}
		if acc.Subscription != nil {
			entry.Tier = acc.Subscription.Tier
		}

		switch {
		case acc.IsInvalid || !acc.Enabled:
			status.Invalid++
		case acc.IsRateLimitedFor(modelID, now) || acc.IsCoolingDown(now):
			status.RateLimited++
		default:
			status.Available++
		}
		status.Accounts = append(status.Accounts, entry)
	}

	return status
}

// StrategyHealthData is the hybrid strategy inspector payload.
type StrategyHealthData struct {
	Strategy    string              `json:"strategy"`
	Accounts    []AccountHealthData `json:"accounts"`
	LastUpdated int64               `json:"lastUpdated"`
}

// AccountHealthData is one account's hybrid tracker view.
type AccountHealthData struct {
	Email            string  `json:"email"`
	HealthScore      float64 `json:"healthScore"`
	TokensAvailable  float64 `json:"tokensAvailable"`
	ConsecutiveFails int     `json:"consecutiveFails"`
	LastUsed         int64   `json:"lastUsed"`
}

// GetStrategyHealthData returns tracker state for the inspector
// endpoint; zero values when the active strategy has no trackers.
func (m *Manager) GetStrategyHealthData() *StrategyHealthData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := &StrategyHealthData{
		Strategy:    m.strategyName,
		Accounts:    make([]AccountHealthData, 0, len(m.accounts)),
		LastUpdated: time.Now().UnixMilli(),
	}

	hybrid, _ := m.strategy.(*strategies.HybridStrategy)
	for _, acc := range m.accounts {
		entry := AccountHealthData{Email: acc.Email, LastUsed: acc.LastUsed}
		if hybrid != nil {
			entry.HealthScore = hybrid.HealthTracker().GetScore(acc.Email)
			entry.TokensAvailable = hybrid.TokenBucketTracker().GetTokens(acc.Email)
			entry.ConsecutiveFails = hybrid.HealthTracker().GetConsecutiveFailures(acc.Email)
		}
		data.Accounts = append(data.Accounts, entry)
	}
	return data
}
