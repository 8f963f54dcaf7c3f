// Package handlers implements the HTTP request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/apperr"
	"github.com/hollowb/antigravity-bridge/internal/cloudcode"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/server/sse"
	"github.com/hollowb/antigravity-bridge/internal/stats"
	"github.com/hollowb/antigravity-bridge/internal/utils"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

const defaultModel = "claude-sonnet-4-5"

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	dispatcher *cloudcode.Dispatcher
	recorder   *stats.Recorder
	cfg        *config.Config
}

// NewMessagesHandler creates a MessagesHandler. recorder may be nil.
func NewMessagesHandler(dispatcher *cloudcode.Dispatcher, recorder *stats.Recorder, cfg *config.Config) *MessagesHandler {
	return &MessagesHandler{
		dispatcher: dispatcher,
		recorder:   recorder,
		cfg:        cfg,
	}
}

// Messages handles POST /v1/messages, Anthropic Messages API compatible.
func (h *MessagesHandler) Messages(c *gin.Context) {
	ctx := c.Request.Context()
	pool := h.dispatcher.Pool()

	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	requestedModel := req.Model
	if requestedModel == "" {
		requestedModel = defaultModel
	}
	if mapped, ok := h.cfg.ModelMapping[requestedModel]; ok && mapped != "" {
		utils.Info("[Server] Mapping model %s -> %s", requestedModel, mapped)
		requestedModel = mapped
	}
	req.Model = requestedModel

	// Validate the model id against the upstream catalog when an
	// account can lend us a token. Validation fails open otherwise.
	if result, _ := pool.SelectAccount(ctx, "", account.SelectOptions{}); result != nil && result.Account != nil {
		if token, err := pool.GetTokenForAccount(ctx, result.Account); err == nil {
			projectID := pool.GetProjectForAccount(ctx, result.Account, token)
			if !cloudcode.IsValidModel(ctx, req.Model, token, projectID) {
				sendError(c, http.StatusBadRequest, "invalid_request_error",
					"Invalid model: "+req.Model+". Use /v1/models to see available models.")
				return
			}
		}
	}

	if len(req.Messages) == 0 {
		sendError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be an array")
		return
	}

	// Probe requests used by some clients to measure connectivity.
	if len(req.Messages) == 1 && len(req.Messages[0].Content) == 1 {
		block := req.Messages[0].Content[0]
		if block.Type == "text" && block.Text == "count" {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)
	if utils.IsDebug() {
		for i, msg := range req.Messages {
			types := make([]string, 0, len(msg.Content))
			for _, block := range msg.Content {
				types = append(types, block.Type)
			}
			utils.Debug("  [%d] %s: %s", i, msg.Role, strings.Join(types, ", "))
		}
	}

	if h.recorder != nil {
		h.recorder.Track(req.Model)
	}

	if req.Stream {
		h.handleStreaming(c, &req)
	} else {
		h.handleNonStreaming(c, &req)
	}
}

// handleStreaming forwards translated events as SSE. Headers are held
// back until the first event arrives so pre-stream failures still get
// a proper JSON error response.
func (h *MessagesHandler) handleStreaming(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	var writer *sse.Writer
	started := false

	err := h.dispatcher.StreamMessage(ctx, req, func(event *anthropic.SSEEvent) error {
		if !started {
			w, err := sse.NewWriter(c.Writer)
			if err != nil {
				return err
			}
			writer = w
			c.Status(http.StatusOK)
			writer.SetHeaders()
			writer.Flush()
			started = true
		}
		return writer.WriteEvent(event)
	})

	if err == nil {
		return
	}

	if !started {
		utils.Error("[API] Initial stream error: %v", err)
		errorType, statusCode, message := h.mapError(err)
		sendError(c, statusCode, errorType, message)
		return
	}

	// Headers already sent; the best we can do is a terminal error event.
	utils.Error("[API] Mid-stream error: %v", err)
	errorType, _, message := h.mapError(err)
	writer.WriteError(errorType, message)
}

func (h *MessagesHandler) handleNonStreaming(c *gin.Context, req *anthropic.MessagesRequest) {
	response, err := h.dispatcher.SendMessage(c.Request.Context(), req)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, message := h.mapError(err)
		sendError(c, statusCode, errorType, message)
		return
	}
	c.JSON(http.StatusOK, response)
}

// mapError translates a pipeline error into the Anthropic error
// envelope. Quota exhaustion surfaces as an invalid_request_error so
// agent clients stop retrying instead of hammering an empty pool.
func (h *MessagesHandler) mapError(err error) (errorType string, statusCode int, message string) {
	pool := h.dispatcher.Pool()

	var rl *apperr.RateLimitError
	var na *apperr.NoAccountsError
	var mr *apperr.MaxRetriesError
	var ap *apperr.ApiError

	switch {
	case apperr.IsAuthError(err):
		utils.Warn("[API] Token might be expired, clearing credential caches")
		pool.ClearTokenCache()
		pool.ClearProjectCache()
		return "authentication_error", http.StatusUnauthorized,
			"Authentication failed and credential caches were cleared. Please retry your request."

	case errors.As(err, &rl):
		message = "You have exhausted your capacity on " + limitedModel(rl.Message) + "."
		if rl.ResetMs != nil && *rl.ResetMs > 0 {
			message += " Quota will reset after " + utils.FormatDuration(*rl.ResetMs) + "."
		} else {
			message += " Please wait for your quota to reset."
		}
		return "invalid_request_error", http.StatusBadRequest, message

	case errors.As(err, &na):
		if na.AllRateLimited {
			return "rate_limit_error", http.StatusTooManyRequests, err.Error()
		}
		return "api_error", http.StatusServiceUnavailable,
			"No accounts available. Add an account with the accounts CLI."

	case errors.As(err, &mr):
		return "api_error", http.StatusServiceUnavailable,
			"Unable to get a response from the upstream API after retries."

	case errors.As(err, &ap):
		errorType = ap.ErrorType
		if ap.StatusCode == http.StatusBadRequest {
			errorType = "invalid_request_error"
		}
		return errorType, ap.StatusCode, ap.Message

	case apperr.IsEmptyResponseError(err):
		return "api_error", http.StatusBadGateway, err.Error()
	}

	return "api_error", apperr.HTTPStatusFromError(err), err.Error()
}

// limitedModel pulls the model name out of a rate-limit message of the
// form "All accounts rate limited for <model>. ...".
func limitedModel(msg string) string {
	if idx := strings.Index(msg, " for "); idx >= 0 {
		rest := msg[idx+len(" for "):]
		if end := strings.IndexAny(rest, ".,"); end > 0 {
			return rest[:end]
		}
	}
	return "the model"
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented. Use /v1/messages with max_tokens or configure your client to skip token counting.",
		},
	})
}

// sendError writes an Anthropic-style error envelope.
func sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// RefreshTokenHandler serves POST /refresh-token.
type RefreshTokenHandler struct {
	pool *account.Manager
}

// NewRefreshTokenHandler creates a RefreshTokenHandler.
func NewRefreshTokenHandler(pool *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{pool: pool}
}

// RefreshToken drops every cached access token and project id so the
// next request resolves fresh credentials.
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	h.pool.ClearTokenCache()
	h.pool.ClearProjectCache()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared and refreshed",
	})
}
