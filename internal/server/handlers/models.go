package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/cloudcode"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	pool *account.Manager
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(pool *account.Manager) *ModelsHandler {
	return &ModelsHandler{pool: pool}
}

// ListModels returns the upstream model catalog in OpenAI list format.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := h.pool.SelectAccount(ctx, "", account.SelectOptions{})
	if err != nil || result == nil || result.Account == nil {
		sendError(c, http.StatusServiceUnavailable, "api_error", "No accounts available")
		return
	}

	token, err := h.pool.GetTokenForAccount(ctx, result.Account)
	if err != nil {
		utils.Error("[API] Error getting token for models: %v", err)
		sendError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	models, err := cloudcode.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Error listing models: %v", err)
		sendError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	c.JSON(http.StatusOK, models)
}
