package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// HealthScoreConfig tunes the hybrid strategy health tracker.
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig tunes the hybrid strategy token bucket.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig tunes quota-based exclusion for the hybrid strategy.
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// WeightsConfig holds the hybrid score weights.
type WeightsConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	Lru    float64 `json:"lru"`
}

// AccountSelectionConfig selects and tunes the account strategy.
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
	Weights     *WeightsConfig     `json:"weights,omitempty"`
}

// Config is the runtime configuration, persisted as config.json.
type Config struct {
	mu sync.RWMutex

	APIKey        string `json:"apiKey"`
	WebUIPassword string `json:"webuiPassword"`

	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	PersistTokenCache bool `json:"persistTokenCache"`

	// DefaultCooldownMs is the single knob for the first-rate-limit quick
	// retry threshold used by the dispatcher.
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	MaxAccounts          int     `json:"maxAccounts"`
	GlobalQuotaThreshold float64 `json:"globalQuotaThreshold"`

	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`
	SwitchAccountDelayMs   int64 `json:"switchAccountDelayMs"`

	// ModelMapping aliases inbound model ids before dispatch.
	ModelMapping map[string]string `json:"modelMapping"`

	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	Port int    `json:"port"`
	Host string `json:"host"`

	FallbackEnabled bool `json:"fallbackEnabled"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:               "info",
		MaxRetries:             MaxRetries,
		RetryBaseMs:            1000,
		RetryMaxMs:             30000,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		MaxAccounts:            MaxAccounts,
		GlobalQuotaThreshold:   0,
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		ExtendedCooldownMs:     ExtendedCooldownMs,
		MaxCapacityRetries:     MaxCapacityRetries,
		SwitchAccountDelayMs:   SwitchAccountDelayMs,
		ModelMapping:           make(map[string]string),
		AccountSelection: AccountSelectionConfig{
			Strategy: DefaultSelectionStrategy,
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  10,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300000,
				UnknownScore:      50,
			},
			Weights: &WeightsConfig{
				Health: 2,
				Tokens: 5,
				Quota:  3,
				Lru:    0.1,
			},
		},
		RedisAddr: "localhost:6379",
		Port:      DefaultPort,
		Host:      "0.0.0.0",
	}
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the lazily loaded global configuration.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load reads config.json (if present) and applies environment overrides.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureParentDir(RuntimeConfigPath); err != nil {
		utils.Warn("[Config] Failed to create config directory: %v", err)
	}

	if utils.FileExists(RuntimeConfigPath) {
		if err := c.loadFromFile(RuntimeConfigPath); err != nil {
			utils.Warn("[Config] Failed to load %s: %v", RuntimeConfigPath, err)
		}
	} else if utils.FileExists("config.json") {
		if err := c.loadFromFile("config.json"); err != nil {
			utils.Warn("[Config] Failed to load local config: %v", err)
		}
	}

	c.loadFromEnv()

	// Legacy flag: debug implies devMode.
	if c.Debug && !c.DevMode {
		c.DevMode = true
	}

	utils.SetDebug(c.Debug || c.DevMode)

	return c.validate()
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Unmarshal over a defaulted copy so absent fields keep their defaults.
	loaded := DefaultConfig()
	if err := json.Unmarshal(data, loaded); err != nil {
		return err
	}
	c.copyFrom(loaded)
	return nil
}

func (c *Config) copyFrom(src *Config) {
	c.APIKey = src.APIKey
	c.WebUIPassword = src.WebUIPassword
	c.Debug = src.Debug
	c.DevMode = src.DevMode
	c.LogLevel = src.LogLevel
	c.MaxRetries = src.MaxRetries
	c.RetryBaseMs = src.RetryBaseMs
	c.RetryMaxMs = src.RetryMaxMs
	c.PersistTokenCache = src.PersistTokenCache
	c.DefaultCooldownMs = src.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = src.MaxWaitBeforeErrorMs
	c.MaxAccounts = src.MaxAccounts
	c.GlobalQuotaThreshold = src.GlobalQuotaThreshold
	c.RateLimitDedupWindowMs = src.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = src.MaxConsecutiveFailures
	c.ExtendedCooldownMs = src.ExtendedCooldownMs
	c.MaxCapacityRetries = src.MaxCapacityRetries
	c.SwitchAccountDelayMs = src.SwitchAccountDelayMs
	c.ModelMapping = src.ModelMapping
	c.AccountSelection = src.AccountSelection
	c.RedisAddr = src.RedisAddr
	c.RedisPassword = src.RedisPassword
	c.RedisDB = src.RedisDB
	c.Port = src.Port
	c.Host = src.Host
	c.FallbackEnabled = src.FallbackEnabled
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("WEBUI_PASSWORD"); v != "" {
		c.WebUIPassword = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
}

// validate rejects values outside their documented ranges.
func (c *Config) validate() error {
	if c.MaxRetries < 1 || c.MaxRetries > 20 {
		return fmt.Errorf("maxRetries out of range [1,20]: %d", c.MaxRetries)
	}
	if c.MaxAccounts < 1 || c.MaxAccounts > 100 {
		return fmt.Errorf("maxAccounts out of range [1,100]: %d", c.MaxAccounts)
	}
	if c.GlobalQuotaThreshold < 0 || c.GlobalQuotaThreshold >= 1 {
		return fmt.Errorf("globalQuotaThreshold out of range [0,1): %f", c.GlobalQuotaThreshold)
	}
	if c.DefaultCooldownMs < 0 || c.MaxWaitBeforeErrorMs < 0 {
		return fmt.Errorf("cooldown values must be non-negative")
	}
	return nil
}

// Save writes the configuration to config.json.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := utils.EnsureParentDir(RuntimeConfigPath); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := RuntimeConfigPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, RuntimeConfigPath)
}

// GetStrategy returns the configured selection strategy name.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// SetStrategy updates the configured selection strategy name.
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AccountSelection.Strategy = strategy
}

// IsDevMode reports whether developer mode is on.
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}
