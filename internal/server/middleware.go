package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// CORSMiddleware handles CORS headers for browser clients.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKeyAuthMiddleware validates the API key on /v1 routes. Accepts a
// Bearer token or the X-API-Key header; a blank configured key
// disables the check.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var providedKey string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			providedKey = strings.TrimPrefix(auth, "Bearer ")
		} else if key := c.GetHeader("X-API-Key"); key != "" {
			providedKey = key
		}

		if providedKey == "" || providedKey != cfg.APIKey {
			utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs every request with its status and
// latency. Noisy CLI probe paths log only in debug mode.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		elapsedMs := time.Since(start).Milliseconds()
		const logMsg = "[%s] %s %d (%dms)"

		if path == "/api/event_logging/batch" ||
			strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			utils.Debug(logMsg, c.Request.Method, path, status, elapsedMs)
			return
		}

		switch {
		case status >= 500:
			utils.Error(logMsg, c.Request.Method, path, status, elapsedMs)
		case status >= 400:
			utils.Warn(logMsg, c.Request.Method, path, status, elapsedMs)
		default:
			utils.Info(logMsg, c.Request.Method, path, status, elapsedMs)
		}
	}
}

// SilentHandlerMiddleware answers CLI housekeeping endpoints without
// touching the pool.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/" || c.Request.URL.Path == "/api/event_logging/batch") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}
