package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/auth"
	"github.com/hollowb/antigravity-bridge/internal/cloudcode"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/stats"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// AccountsHandler serves GET /account-limits and the strategy routes.
type AccountsHandler struct {
	pool     *account.Manager
	recorder *stats.Recorder
	cfg      *config.Config
}

// NewAccountsHandler creates an AccountsHandler. recorder may be nil.
func NewAccountsHandler(pool *account.Manager, recorder *stats.Recorder, cfg *config.Config) *AccountsHandler {
	return &AccountsHandler{pool: pool, recorder: recorder, cfg: cfg}
}

// accountLimitResult holds the live quota fetch for one account.
type accountLimitResult struct {
	Email     string                             `json:"email"`
	Status    string                             `json:"status"`
	Error     string                             `json:"error,omitempty"`
	Tier      string                             `json:"tier,omitempty"`
	ProjectID string                             `json:"projectId,omitempty"`
	Models    map[string]*account.ModelQuotaInfo `json:"models"`
}

// AccountLimits handles GET /account-limits. ?format=table renders an
// ASCII table; ?includeHistory=true appends the usage history.
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	ctx := c.Request.Context()
	allAccounts := h.pool.GetAllAccounts()
	format := c.Query("format")
	includeHistory := c.Query("includeHistory") == "true"

	results := make([]*accountLimitResult, 0, len(allAccounts))

	for _, acc := range allAccounts {
		result := &accountLimitResult{
			Email:  acc.Email,
			Models: make(map[string]*account.ModelQuotaInfo),
		}

		if acc.IsInvalid {
			result.Status = "invalid"
			result.Error = acc.InvalidReason
			results = append(results, result)
			continue
		}

		token, err := h.pool.GetTokenForAccount(ctx, acc)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		result.ProjectID = h.pool.GetProjectForAccount(ctx, acc, token)

		tierID, err := auth.FetchSubscriptionTier(ctx, token)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			if acc.Subscription != nil {
				result.Tier = acc.Subscription.Tier
			} else {
				result.Tier = "unknown"
			}
			results = append(results, result)
			continue
		}
		result.Tier = auth.ParseTierLabel(tierID)

		quotas, err := cloudcode.GetModelQuotas(ctx, token, result.ProjectID)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		result.Status = "ok"
		result.Models = quotas

		h.pool.UpdateAccountSubscription(acc.Email, result.Tier, result.ProjectID)
		h.pool.UpdateAccountQuota(acc.Email, quotas)

		results = append(results, result)
	}

	modelIDSet := make(map[string]bool)
	for _, result := range results {
		for modelID := range result.Models {
			modelIDSet[modelID] = true
		}
	}
	sortedModels := make([]string, 0, len(modelIDSet))
	for modelID := range modelIDSet {
		sortedModels = append(sortedModels, modelID)
	}
	sort.Strings(sortedModels)

	if format == "table" {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, h.buildAccountLimitsTable(results, sortedModels))
		return
	}

	accountStatus := h.pool.GetStatus("")

	accountsData := make([]map[string]interface{}, 0, len(results))
	for _, result := range results {
		var metadata *account.AccountStatus
		for _, s := range accountStatus.Accounts {
			if s.Email == result.Email {
				metadata = s
				break
			}
		}

		accData := map[string]interface{}{
			"email":  result.Email,
			"status": result.Status,
			"tier":   result.Tier,
		}
		if result.Error != "" {
			accData["error"] = result.Error
		}

		if metadata != nil {
			accData["source"] = metadata.Source
			accData["enabled"] = metadata.Enabled
			accData["projectId"] = metadata.ProjectID
			accData["isInvalid"] = metadata.IsInvalid
			accData["invalidReason"] = metadata.InvalidReason
			accData["lastUsed"] = metadata.LastUsed
			accData["modelRateLimits"] = metadata.ModelRateLimits
			if metadata.QuotaThreshold != nil {
				accData["quotaThreshold"] = metadata.QuotaThreshold
			}
			if len(metadata.ModelQuotaThresholds) > 0 {
				accData["modelQuotaThresholds"] = metadata.ModelQuotaThresholds
			}
		}

		limits := make(map[string]interface{})
		for _, modelID := range sortedModels {
			quota := result.Models[modelID]
			if quota == nil {
				limits[modelID] = nil
				continue
			}
			limits[modelID] = map[string]interface{}{
				"remaining":         utils.FormatPercent(quota.RemainingFraction),
				"remainingFraction": quota.RemainingFraction,
				"resetTime":         quota.ResetTime,
			}
		}
		accData["limits"] = limits

		accountsData = append(accountsData, accData)
	}

	responseData := gin.H{
		"timestamp":            time.Now().Format(time.RFC3339),
		"totalAccounts":        len(allAccounts),
		"models":               sortedModels,
		"modelConfig":          h.cfg.ModelMapping,
		"globalQuotaThreshold": h.cfg.GlobalQuotaThreshold,
		"accounts":             accountsData,
	}

	if includeHistory && h.recorder != nil {
		responseData["history"] = h.recorder.History()
	}

	c.JSON(http.StatusOK, responseData)
}

// buildAccountLimitsTable renders the two-table plain-text view.
func (h *AccountsHandler) buildAccountLimitsTable(results []*accountLimitResult, sortedModels []string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Account Limits (%s)\n", time.Now().Format(time.RFC1123)))

	status := h.pool.GetStatus("")
	sb.WriteString(fmt.Sprintf("Accounts: %d total, %d available, %d rate-limited, %d invalid\n\n",
		status.Total, status.Available, status.RateLimited, status.Invalid))

	// Table 1: account status.
	accColWidth := 25
	statusColWidth := 15
	lastUsedColWidth := 25
	resetColWidth := 25

	sb.WriteString(fmt.Sprintf("%-*s%-*s%-*s%s\n",
		accColWidth, "Account",
		statusColWidth, "Status",
		lastUsedColWidth, "Last Used",
		"Quota Reset"))
	sb.WriteString(strings.Repeat("─", accColWidth+statusColWidth+lastUsedColWidth+resetColWidth) + "\n")

	for _, acc := range status.Accounts {
		shortEmail := acc.Email
		if idx := strings.Index(shortEmail, "@"); idx > 0 {
			shortEmail = shortEmail[:idx]
		}
		if len(shortEmail) > 22 {
			shortEmail = shortEmail[:22]
		}

		lastUsed := "never"
		if acc.LastUsed > 0 {
			lastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC1123)
		}

		var accResult *accountLimitResult
		for _, r := range results {
			if r.Email == acc.Email {
				accResult = r
				break
			}
		}

		var accStatus string
		switch {
		case acc.IsInvalid:
			accStatus = "invalid"
		case accResult != nil && accResult.Status == "error":
			accStatus = "error"
		case accResult != nil:
			exhausted := 0
			for _, q := range accResult.Models {
				if q.RemainingFraction <= 0 {
					exhausted++
				}
			}
			if exhausted == 0 {
				accStatus = "ok"
			} else {
				accStatus = fmt.Sprintf("(%d/%d) limited", exhausted, len(accResult.Models))
			}
		default:
			accStatus = "unknown"
		}

		// Claude models share a quota pool upstream, so any Claude reset
		// time stands in for the account.
		resetTime := "-"
		for _, modelID := range sortedModels {
			if strings.Contains(modelID, "claude") && accResult != nil {
				if quota := accResult.Models[modelID]; quota != nil && quota.ResetTime != "" {
					resetTime = quota.ResetTime
					break
				}
			}
		}

		sb.WriteString(fmt.Sprintf("%-*s%-*s%-*s%s\n",
			accColWidth, shortEmail,
			statusColWidth, accStatus,
			lastUsedColWidth, lastUsed,
			resetTime))

		if accResult != nil && accResult.Error != "" {
			sb.WriteString(fmt.Sprintf("  └─ %s\n", accResult.Error))
		}
	}
	sb.WriteString("\n")

	// Table 2: per-model quotas.
	modelColWidth := 28
	for _, m := range sortedModels {
		if len(m)+2 > modelColWidth {
			modelColWidth = len(m) + 2
		}
	}
	accountColWidth := 30

	sb.WriteString(fmt.Sprintf("%-*s", modelColWidth, "Model"))
	for _, acc := range results {
		shortEmail := acc.Email
		if idx := strings.Index(shortEmail, "@"); idx > 0 {
			shortEmail = shortEmail[:idx]
		}
		if len(shortEmail) > 26 {
			shortEmail = shortEmail[:26]
		}
		sb.WriteString(fmt.Sprintf("%-*s", accountColWidth, shortEmail))
	}
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", modelColWidth+len(results)*accountColWidth) + "\n")

	for _, modelID := range sortedModels {
		sb.WriteString(fmt.Sprintf("%-*s", modelColWidth, modelID))
		for _, acc := range results {
			var cell string
			if acc.Status != "ok" && acc.Status != "rate-limited" {
				cell = fmt.Sprintf("[%s]", acc.Status)
			} else if quota := acc.Models[modelID]; quota == nil {
				cell = "-"
			} else if quota.RemainingFraction <= 0 {
				if quota.ResetTime != "" {
					resetMs := msUntil(quota.ResetTime)
					if resetMs > 0 {
						cell = fmt.Sprintf("0%% (wait %s)", utils.FormatDuration(resetMs))
					} else {
						cell = "0% (resetting...)"
					}
				} else {
					cell = "0% (exhausted)"
				}
			} else {
				cell = fmt.Sprintf("%d%%", int(quota.RemainingFraction*100))
			}
			sb.WriteString(fmt.Sprintf("%-*s", accountColWidth, cell))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// msUntil returns the milliseconds until an RFC 3339 instant, or 0
// when the value cannot be parsed or lies in the past.
func msUntil(resetTime string) int64 {
	t, err := time.Parse(time.RFC3339, resetTime)
	if err != nil {
		return 0
	}
	return t.UnixMilli() - time.Now().UnixMilli()
}

// StrategyHealth handles GET /strategy/health, exposing the hybrid
// strategy tracker state.
func (h *AccountsHandler) StrategyHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.GetStrategyHealthData())
}

// SetStrategy handles POST /strategy, switching the selection strategy
// at runtime.
func (h *AccountsHandler) SetStrategy(c *gin.Context) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Strategy == "" {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "strategy is required")
		return
	}
	if err := h.pool.SetStrategy(body.Strategy); err != nil {
		sendError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"strategy": h.pool.GetStrategyName(),
	})
}

// UsageHistory handles GET /stats/history.
func (h *AccountsHandler) UsageHistory(c *gin.Context) {
	if h.recorder == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.recorder.History())
}
