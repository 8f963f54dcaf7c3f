package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/cloudcode"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	pool *account.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(pool *account.Manager) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// Health reports pool status plus live per-account quota details.
func (h *HealthHandler) Health(c *gin.Context) {
	start := time.Now()

	status := h.pool.GetStatus("")
	allAccounts := h.pool.GetAllAccounts()

	type accountDetail struct {
		Email                      string                 `json:"email"`
		Status                     string                 `json:"status"`
		Error                      string                 `json:"error,omitempty"`
		LastUsed                   string                 `json:"lastUsed,omitempty"`
		ModelRateLimits            map[string]interface{} `json:"modelRateLimits,omitempty"`
		RateLimitCooldownRemaining int64                  `json:"rateLimitCooldownRemaining"`
		Models                     map[string]interface{} `json:"models,omitempty"`
	}

	detailedAccounts := make([]accountDetail, 0, len(allAccounts))

	for _, acc := range allAccounts {
		detail := accountDetail{
			Email:           acc.Email,
			ModelRateLimits: make(map[string]interface{}),
			Models:          make(map[string]interface{}),
		}

		if acc.LastUsed > 0 {
			detail.LastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}

		now := utils.NowMs()
		var soonestReset int64
		isRateLimited := false

		for modelID, limit := range acc.ModelRateLimits {
			if limit.IsRateLimited && limit.ResetTime > now {
				isRateLimited = true
				if soonestReset == 0 || limit.ResetTime < soonestReset {
					soonestReset = limit.ResetTime
				}
			}
			detail.ModelRateLimits[modelID] = map[string]interface{}{
				"isRateLimited": limit.IsRateLimited,
				"resetTime":     limit.ResetTime,
			}
		}
		if soonestReset > 0 {
			detail.RateLimitCooldownRemaining = soonestReset - now
		}

		if acc.IsInvalid {
			detail.Status = "invalid"
			detail.Error = acc.InvalidReason
			detailedAccounts = append(detailedAccounts, detail)
			continue
		}

		ctx := c.Request.Context()
		token, err := h.pool.GetTokenForAccount(ctx, acc)
		if err != nil {
			detail.Status = "error"
			detail.Error = err.Error()
			detailedAccounts = append(detailedAccounts, detail)
			continue
		}

		projectID := ""
		if acc.Subscription != nil {
			projectID = acc.Subscription.ProjectID
		}

		quotas, err := cloudcode.GetModelQuotas(ctx, token, projectID)
		if err != nil {
			detail.Status = "error"
			detail.Error = err.Error()
			detailedAccounts = append(detailedAccounts, detail)
			continue
		}

		for modelID, info := range quotas {
			detail.Models[modelID] = map[string]interface{}{
				"remaining":         utils.FormatPercent(info.RemainingFraction),
				"remainingFraction": info.RemainingFraction,
				"resetTime":         info.ResetTime,
			}
		}

		if isRateLimited {
			detail.Status = "rate-limited"
		} else {
			detail.Status = "ok"
		}
		detailedAccounts = append(detailedAccounts, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"latencyMs": time.Since(start).Milliseconds(),
		"summary": fmt.Sprintf("%d/%d accounts available (%d rate-limited, %d invalid)",
			status.Available, status.Total, status.RateLimited, status.Invalid),
		"strategy": status.Strategy,
		"counts": gin.H{
			"total":       status.Total,
			"available":   status.Available,
			"rateLimited": status.RateLimited,
			"invalid":     status.Invalid,
		},
		"accounts": detailedAccounts,
	})
}
