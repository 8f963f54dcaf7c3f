// Package server exposes the Anthropic-compatible HTTP surface over
// the dispatch pipeline.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hollowb/antigravity-bridge/internal/cloudcode"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/format"
	"github.com/hollowb/antigravity-bridge/internal/server/handlers"
	"github.com/hollowb/antigravity-bridge/internal/stats"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// Server is the HTTP front end.
type Server struct {
	engine     *gin.Engine
	dispatcher *cloudcode.Dispatcher
	recorder   *stats.Recorder
	cfg        *config.Config

	strategyOverride string

	initOnce    sync.Once
	initError   error
	initialized bool
}

// Options holds server construction options.
type Options struct {
	StrategyOverride string
	Debug            bool
}

// New creates a Server. recorder may be nil when usage tracking is off.
func New(cfg *config.Config, dispatcher *cloudcode.Dispatcher, recorder *stats.Recorder, opts Options) *Server {
	if opts.Debug || cfg.IsDevMode() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:           engine,
		dispatcher:       dispatcher,
		recorder:         recorder,
		cfg:              cfg,
		strategyOverride: opts.StrategyOverride,
	}
}

// Initialize loads the account pool. Called lazily from the first
// request when Run did not do it eagerly.
func (s *Server) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		if err := s.dispatcher.Initialize(ctx, s.strategyOverride); err != nil {
			s.initError = err
			utils.Error("[Server] Failed to initialize account pool: %v", err)
			return
		}

		status := s.dispatcher.Pool().GetStatus("")
		utils.Success("[Server] Account pool initialized: %d/%d available (%s)",
			status.Available, status.Total, status.Strategy)
		s.initialized = true
	})
	return s.initError
}

func (s *Server) ensureInitialized(c *gin.Context) bool {
	if s.initialized {
		return true
	}
	if err := s.Initialize(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "Server not initialized: " + err.Error(),
			},
		})
		return false
	}
	return true
}

// SetupRoutes registers middleware and all HTTP routes.
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())

	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	pool := s.dispatcher.Pool()
	healthHandler := handlers.NewHealthHandler(pool)
	modelsHandler := handlers.NewModelsHandler(pool)
	accountsHandler := handlers.NewAccountsHandler(pool, s.recorder, s.cfg)
	messagesHandler := handlers.NewMessagesHandler(s.dispatcher, s.recorder, s.cfg)
	refreshHandler := handlers.NewRefreshTokenHandler(pool)

	s.engine.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.Signatures().ClearThinking()
		utils.Debug("[Test] Cleared thinking signature cache")
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Thinking signature cache cleared",
		})
	})

	s.engine.GET("/health", s.gated(healthHandler.Health))
	s.engine.GET("/account-limits", s.gated(accountsHandler.AccountLimits))
	s.engine.GET("/stats/history", s.gated(accountsHandler.UsageHistory))
	s.engine.GET("/strategy/health", s.gated(accountsHandler.StrategyHealth))
	s.engine.POST("/strategy", s.gated(accountsHandler.SetStrategy))
	s.engine.POST("/refresh-token", s.gated(refreshHandler.RefreshToken))

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", s.gated(modelsHandler.ListModels))
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
		v1.POST("/messages", s.gated(messagesHandler.Messages))
	}

	s.engine.NoRoute(func(c *gin.Context) {
		utils.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// gated wraps a handler behind the lazy pool initialization check.
func (s *Server) gated(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		handler(c)
	}
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(addr string) error {
	s.SetupRoutes()

	utils.Info("[Server] Starting on %s", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams run for minutes
		IdleTimeout:  120 * time.Second,
	}
	return srv.ListenAndServe()
}

// Engine returns the gin engine, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
