// Package cloudcode implements the Cloud Code upstream client: request
// dispatch, retry and failover, rate limit handling, and SSE streaming.
package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// ErrorKind classifies an upstream failure for backoff selection.
type ErrorKind string

const (
	ErrorKindRateLimitExceeded      ErrorKind = "RATE_LIMIT_EXCEEDED"
	ErrorKindQuotaExhausted         ErrorKind = "QUOTA_EXHAUSTED"
	ErrorKindModelCapacityExhausted ErrorKind = "MODEL_CAPACITY_EXHAUSTED"
	ErrorKindServerError            ErrorKind = "SERVER_ERROR"
	ErrorKindPermanentAuth          ErrorKind = "PERMANENT_AUTH"
	ErrorKindInvalidRequest         ErrorKind = "INVALID_REQUEST"
	ErrorKindUnknown                ErrorKind = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRegex        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRegex   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime extracts a rate limit reset delay in milliseconds from
// response headers, falling back to the error body. Returns -1 when no
// hint is present. Values at or below zero normalise to 500ms and very
// short resets gain a 200ms network-latency buffer.
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
			utils.Debug("[CloudCode] Retry-After header: %ds", seconds)
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			resetMs = time.Until(t).Milliseconds()
			if resetMs > 0 {
				utils.Debug("[CloudCode] Retry-After date: %s", retryAfter)
			} else {
				resetMs = -1
			}
		}
	}

	// x-ratelimit-reset is a unix timestamp in seconds
	if resetMs < 0 {
		if ratelimitReset := headers.Get("x-ratelimit-reset"); ratelimitReset != "" {
			if ts, err := strconv.ParseInt(ratelimitReset, 10, 64); err == nil {
				resetMs = ts*1000 - time.Now().UnixMilli()
				if resetMs > 0 {
					utils.Debug("[CloudCode] x-ratelimit-reset: %s", time.UnixMilli(ts*1000).Format(time.RFC3339))
				} else {
					resetMs = -1
				}
			}
		}
	}

	if resetMs < 0 {
		if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
			if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
				utils.Debug("[CloudCode] x-ratelimit-reset-after: %ds", seconds)
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	if resetMs >= 0 {
		if resetMs == 0 {
			utils.Debug("[CloudCode] Reset time invalid (%dms), using 500ms default", resetMs)
			resetMs = 500
		} else if resetMs < 500 {
			utils.Debug("[CloudCode] Short reset time (%dms), adding 200ms buffer", resetMs)
			resetMs += 200
		}
	}

	return resetMs
}

// parseResetTimeFromBody walks the known quota/retry hint formats the
// upstream embeds in error bodies, most specific first.
func parseResetTimeFromBody(msg string) int64 {
	var resetMs int64 = -1

	// quotaResetDelay like "754.431528ms" or "1.5s"
	if match := quotaDelayRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.EqualFold(match[2], "s") {
			resetMs = int64(value * 1000)
		} else {
			resetMs = int64(value)
		}
		utils.Debug("[CloudCode] Parsed quotaResetDelay from body: %dms", resetMs)
		return resetMs
	}

	if match := quotaTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			resetMs = time.Until(t).Milliseconds()
			utils.Debug("[CloudCode] Parsed quotaResetTimeStamp: %s (delta %dms)", match[1], resetMs)
			return resetMs
		}
	}

	// retryDelay / retry-after-ms in fractional seconds
	if match := retrySecondsRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		resetMs = int64(value * 1000)
		utils.Debug("[CloudCode] Parsed retry seconds from body: %dms", resetMs)
		return resetMs
	}

	// same keys with an explicit or implicit ms value
	if match := retryMsRegex.FindStringSubmatch(msg); match != nil {
		resetMs, _ = strconv.ParseInt(match[1], 10, 64)
		utils.Debug("[CloudCode] Parsed retry-after-ms from body: %dms", resetMs)
		return resetMs
	}

	// prose like "retry after 60 seconds"
	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		resetMs = seconds * 1000
		utils.Debug("[CloudCode] Parsed retry seconds from body: %ds", seconds)
		return resetMs
	}

	// Go-style durations "1h23m45s", "23m45s", "45s"
	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		if match[1] != "" {
			hours, _ := strconv.Atoi(match[1])
			minutes, _ := strconv.Atoi(match[2])
			seconds, _ := strconv.Atoi(match[3])
			resetMs = int64((hours*3600 + minutes*60 + seconds) * 1000)
		} else if match[4] != "" {
			minutes, _ := strconv.Atoi(match[4])
			seconds, _ := strconv.Atoi(match[5])
			resetMs = int64((minutes*60 + seconds) * 1000)
		} else if match[6] != "" {
			seconds, _ := strconv.Atoi(match[6])
			resetMs = int64(seconds * 1000)
		}
		if resetMs > 0 {
			utils.Debug("[CloudCode] Parsed duration from body: %s", utils.FormatDuration(resetMs))
		}
		return resetMs
	}

	if match := isoTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			resetMs = time.Until(t).Milliseconds()
			if resetMs > 0 {
				utils.Debug("[CloudCode] Parsed ISO reset time: %s", match[1])
				return resetMs
			}
		}
	}

	return -1
}

// ClassifyError maps an upstream status and error body to an ErrorKind.
// Status codes win over body text: 529 and 503 are capacity, 500 is a
// server error regardless of wording.
func ClassifyError(errorText string, status int) ErrorKind {
	switch status {
	case 529, 503:
		return ErrorKindModelCapacityExhausted
	case 500:
		return ErrorKindServerError
	case 400:
		return ErrorKindInvalidRequest
	}

	lower := strings.ToLower(errorText)

	if status == 401 && IsPermanentAuthFailure(lower) {
		return ErrorKindPermanentAuth
	}

	// daily/hourly quota
	if utils.ContainsAny(lower,
		"quota_exhausted",
		"quotaresetdelay",
		"quotaresettimestamp",
		"resource_exhausted",
		"daily limit",
		"quota exceeded") {
		return ErrorKindQuotaExhausted
	}

	// temporary capacity, retry quickly
	if utils.ContainsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable") {
		return ErrorKindModelCapacityExhausted
	}

	// per-minute throttling
	if utils.ContainsAny(lower,
		"rate_limit_exceeded",
		"rate limit",
		"too many requests",
		"throttl") {
		return ErrorKindRateLimitExceeded
	}

	if utils.ContainsAny(lower,
		"internal server error",
		"server error",
		"503",
		"502",
		"504") {
		return ErrorKindServerError
	}

	return ErrorKindUnknown
}

// IsPermanentAuthFailure detects credential failures that re-auth alone
// can fix; the dispatch loop marks the account invalid instead of retrying.
func IsPermanentAuthFailure(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsCapacityExhausted detects a 429 caused by model capacity rather than
// the account's own quota.
func IsCapacityExhausted(errorText string) bool {
	lower := strings.ToLower(errorText)
	return utils.ContainsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}
