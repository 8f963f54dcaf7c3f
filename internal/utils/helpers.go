package utils

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FormatDuration renders a millisecond duration as "1h23m45s" style text.
func FormatDuration(ms int64) string {
	seconds := ms / 1000
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, secs)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// Sleep pauses for ms milliseconds or until the context is cancelled.
func Sleep(ctx context.Context, ms int64) error {
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsNetworkError reports whether an error looks like a transient network
// failure rather than an upstream rejection.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}

// GenerateJitter returns a value uniformly distributed in
// [-maxJitterMs/2, +maxJitterMs/2]. Spreads out retries so concurrent
// requests do not all wake at the same instant.
func GenerateJitter(maxJitterMs int64) int64 {
	return int64(rand.Float64()*float64(maxJitterMs)) - maxJitterMs/2
}

// Clamp restricts value to [min, max].
func Clamp(value, min, max int64) int64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// ClampFloat restricts value to [min, max].
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Max returns the larger of two int64 values.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of two int64 values.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MaxInt returns the larger of two ints.
func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// EnsureParentDir creates the parent directory of filePath if needed.
func EnsureParentDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0o755)
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NowMs returns the current wall clock in milliseconds since the epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// ContainsAny reports whether s contains any of the given substrings.
func ContainsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// MaskEmail hides most of the local part of an address for log output.
func MaskEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***"
	}
	local := parts[0]
	if len(local) <= 1 {
		return local + "***@" + parts[1]
	}
	return string(local[0]) + "***@" + parts[1]
}

// FormatPercent renders a fraction as an integer percentage, e.g. 0.75 -> "75%".
func FormatPercent(fraction float64) string {
	return fmt.Sprintf("%d%%", int(fraction*100))
}
