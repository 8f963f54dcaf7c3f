// Package main runs the Antigravity bridge server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/account/strategies"
	"github.com/hollowb/antigravity-bridge/internal/cloudcode"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/format"
	"github.com/hollowb/antigravity-bridge/internal/server"
	"github.com/hollowb/antigravity-bridge/internal/stats"
	"github.com/hollowb/antigravity-bridge/internal/store"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

type serverFlags struct {
	debug    bool
	devMode  bool
	fallback bool
	strategy string
	port     int
	host     string
}

func main() {
	flags := &serverFlags{}

	root := &cobra.Command{
		Use:           "antigravity-bridge",
		Short:         "Anthropic-compatible bridge over the Cloud Code API",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	root.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug mode (legacy alias for dev-mode)")
	root.Flags().BoolVar(&flags.devMode, "dev-mode", false, "Enable developer mode")
	root.Flags().BoolVar(&flags.fallback, "fallback", false, "Enable model fallback on quota exhaust")
	root.Flags().StringVar(&flags.strategy, "strategy", "", "Account selection strategy (sticky/round-robin/hybrid)")
	root.Flags().IntVar(&flags.port, "port", 0, "Server port (default: 8080)")
	root.Flags().StringVar(&flags.host, "host", "", "Bind address (default: 0.0.0.0)")

	if err := root.Execute(); err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}
}

func run(flags *serverFlags) error {
	if flags.debug {
		flags.devMode = true
	}
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		flags.devMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		flags.fallback = true
	}

	if flags.port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				flags.port = p
			}
		}
	}
	if flags.host == "" {
		flags.host = os.Getenv("HOST")
	}

	strategyName := strings.ToLower(flags.strategy)
	if strategyName != "" && !strategies.IsValidStrategy(strategyName) {
		utils.Warn("[Startup] Invalid strategy %q. Valid options: %s, %s, %s. Using default.",
			flags.strategy, strategies.StrategySticky, strategies.StrategyRoundRobin, strategies.StrategyHybrid)
		strategyName = ""
	}

	utils.SetDebug(flags.devMode)

	cfg := config.GetConfig()
	if flags.devMode {
		cfg.DevMode = true
		utils.Debug("Developer mode enabled")
	}
	if flags.fallback {
		cfg.FallbackEnabled = true
		utils.Info("Model fallback mode enabled")
	}
	if flags.port != 0 {
		cfg.Port = flags.port
	}
	if flags.host != "" {
		cfg.Host = flags.host
	}

	redisClient := store.NewClient(store.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if redisClient == nil {
		utils.Warn("[Startup] Redis unavailable - signature and token caches stay in memory")
	}

	format.Initialize(store.NewSignatureStore(redisClient))

	fileStore := account.NewFileStore(config.AccountConfigPath, cfg.MaxAccounts)

	var tokenCache account.TokenCache
	if cfg.PersistTokenCache {
		if ts := store.NewTokenStore(redisClient); ts != nil {
			tokenCache = ts
		}
	}
	manager := account.NewManager(fileStore, cfg, tokenCache)

	backoff := cloudcode.NewBackoffTracker()
	backoff.StartCleanup()
	defer backoff.Stop()

	recorder := stats.NewRecorder(config.UsageHistoryPath, store.NewStatsStore(redisClient))
	if err := recorder.Load(config.LegacyUsageHistoryPath); err != nil {
		utils.Warn("[Startup] Failed to load usage history: %v", err)
	}
	recorder.Start()

	dispatcher := cloudcode.NewDispatcher(manager, backoff, cfg)

	srv := server.New(cfg, dispatcher, recorder, server.Options{
		StrategyOverride: strategyName,
		Debug:            flags.devMode,
	})

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := srv.Initialize(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	srv.SetupRoutes()

	printBanner(cfg, manager, flags.devMode, cfg.FallbackEnabled)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams run for minutes
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	utils.Success("Server started successfully on port %d", cfg.Port)
	if flags.devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	utils.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recorder.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
	return nil
}

func printBanner(cfg *config.Config, manager *account.Manager, devMode, fallback bool) {
	status := manager.GetStatus("")
	strategyLabel := strategies.GetStrategyLabel(manager.GetStrategyName())

	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}

	statusLines := []string{
		fmt.Sprintf("    ✓ Strategy: %s", strategyLabel),
		fmt.Sprintf("    ✓ Accounts: %d/%d available (%d rate-limited, %d invalid)",
			status.Available, status.Total, status.RateLimited, status.Invalid),
	}
	if devMode {
		statusLines = append(statusLines, "    ✓ Developer mode enabled")
	}
	if fallback {
		statusLines = append(statusLines, "    ✓ Model fallback enabled")
	}

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║              Antigravity Bridge Server v` + config.Version + `                 ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Server running at: http://%s:%-25d ║\n", displayHost, cfg.Port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Active Modes:                                               ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages         - Anthropic Messages API        ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health check                  ║")
	fmt.Println("║    GET  /account-limits      - Account status & quotas       ║")
	fmt.Println("║    GET  /stats/history       - Usage history                 ║")
	fmt.Println("║    POST /refresh-token       - Force token refresh           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with an Anthropic client:                             ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-15d ║\n", cfg.Port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Add Google accounts:                                        ║")
	fmt.Println("║    antigravity-bridge-accounts add                           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
