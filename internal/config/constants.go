// Package config provides upstream constants and runtime configuration
// management for the bridge.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version is the bridge version reported in the User-Agent.
const Version = "1.0.0"

// Cloud Code API endpoints.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// GenerateEndpoints is the endpoint fallback order for content generation
// (daily first).
var GenerateEndpoints = []string{
	EndpointDaily,
	EndpointProd,
}

// ProvisionEndpoints is the endpoint order for loadCodeAssist and
// onboarding. Prod goes first: fresh accounts provision more reliably there.
var ProvisionEndpoints = []string{
	EndpointProd,
	EndpointDaily,
}

// DefaultProjectID is used when no managed project can be discovered.
const DefaultProjectID = "rising-fact-p41fc"

// UpstreamHeaders returns the headers every Cloud Code request carries.
func UpstreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        platformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

func platformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// ClientMetadata enums, numeric values as the Cloud Code API expects them.
const (
	IdeTypeUnspecified = 0
	IdeTypeAntigravity = 6

	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3

	PluginTypeUnspecified = 0
	PluginTypeGemini      = 2
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func clientMetadata() string {
	metadata := map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": PluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants.
const (
	// TokenCacheTTLMs is how long a refreshed access token is reused.
	TokenCacheTTLMs = 5 * 60 * 1000
	// RequestBodyLimit caps inbound request bodies (10MB).
	RequestBodyLimit int64 = 10 * 1024 * 1024
	// DefaultPort is the default listen port.
	DefaultPort = 8080
)

// File locations under the user config directory.
var (
	// AccountConfigPath holds the persisted account pool.
	AccountConfigPath = filepath.Join(homeDir(), ".antigravity-bridge", "accounts.json")
	// UsageHistoryPath holds hourly usage counters.
	UsageHistoryPath = filepath.Join(homeDir(), ".antigravity-bridge", "usage-history.json")
	// LegacyUsageHistoryPath is migrated to UsageHistoryPath on startup.
	LegacyUsageHistoryPath = filepath.Join(homeDir(), ".config", "antigravity-proxy", "usage-history.json")
	// RuntimeConfigPath holds tunables (config.json).
	RuntimeConfigPath = filepath.Join(homeDir(), ".antigravity-bridge", "config.json")
	// AntigravityDBPath is the local editor state database.
	AntigravityDBPath = antigravityDBPath()
)

// Rate limit and retry constants.
const (
	DefaultCooldownMs       = 10 * 1000
	MaxRetries              = 5
	MaxEmptyResponseRetries = 2
	MaxAccounts             = 10
	MaxWaitBeforeErrorMs    = 120000
	RateLimitDedupWindowMs  = 2000
	RateLimitStateResetMs   = 120000
	FirstRetryDelayMs       = 1000
	SwitchAccountDelayMs    = 5000
	MaxConsecutiveFailures  = 3
	ExtendedCooldownMs      = 60000
	MaxCapacityRetries      = 5
	MinBackoffMs            = 2000
	CapacityJitterMaxMs     = 10000
)

// CapacityBackoffTiersMs is the progressive same-endpoint backoff for model
// capacity exhaustion.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs escalates with consecutive quota failures
// (60s, 5m, 30m, 2h).
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorKind is the smart backoff when the server gives no hint.
var BackoffByErrorKind = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

// MinSignatureLength is the shortest thinking signature worth caching.
const MinSignatureLength = 50

// Account selection strategies.
var SelectionStrategies = []string{"sticky", "round-robin", "hybrid"}

// DefaultSelectionStrategy is used when neither CLI nor config names one.
const DefaultSelectionStrategy = "hybrid"

// StrategyLabels are display labels for the startup banner.
var StrategyLabels = map[string]string{
	"sticky":      "Sticky (Cache Optimized)",
	"round-robin": "Round Robin (Load Balanced)",
	"hybrid":      "Hybrid (Smart Distribution)",
}

// Gemini-specific limits.
const (
	GeminiMaxOutputTokens     = 16384
	GeminiSkipSignature       = "skip_thought_signature_validator"
	SignatureCacheTTLMs       = 2 * 60 * 60 * 1000
	ModelValidationCacheTTLMs = 5 * 60 * 1000
)

// OAuthSettings describes the Google OAuth client used for enrolment.
type OAuthSettings struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

// OAuth is the Google OAuth configuration.
var OAuth = OAuthSettings{
	ClientID:              "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret:          "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",
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort:          oauthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// OAuthRedirectURI returns the redirect URI for the configured callback port.
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuth.CallbackPort)
}

// UpstreamSystemInstruction is the minimal system instruction prepended to
// every upstream request.
const UpstreamSystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap assigns each model a cross-family fallback used when its
// accounts are exhausted.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// ModelFamily is the family a model id belongs to.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily detects the family from the model name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether a model emits thinking/reasoning output.
// Claude models must carry "thinking" in the name; Gemini models qualify by
// name or by major version 3 and above.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		matches := geminiVersionRe.FindStringSubmatch(lower)
		if len(matches) >= 2 {
			version, err := strconv.Atoi(matches[1])
			if err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the configured fallback for a model, if any.
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func antigravityDBPath() string {
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func oauthCallbackPort() int {
	if portStr := os.Getenv("OAUTH_CALLBACK_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			return port
		}
	}
	return 51121
}
