// Package apperr defines the typed errors shared across the bridge.
package apperr

import (
	"encoding/json"
	"errors"
	"strings"
)

// BridgeError is the base error carried across package boundaries.
type BridgeError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *BridgeError) Error() string {
	return e.Message
}

// ToJSON renders the error for API responses.
func (e *BridgeError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *BridgeError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// New creates a BridgeError.
func New(message, code string, retryable bool, metadata map[string]interface{}) *BridgeError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &BridgeError{Message: message, Code: code, Retryable: retryable, Metadata: metadata}
}

// RateLimitError signals a 429 / RESOURCE_EXHAUSTED response.
type RateLimitError struct {
	*BridgeError
	ResetMs      *int64 `json:"resetMs,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
	IsDuplicate  bool   `json:"isDuplicate,omitempty"`
}

// NewRateLimitError creates a RateLimitError.
func NewRateLimitError(message string, resetMs *int64, accountEmail string) *RateLimitError {
	metadata := map[string]interface{}{}
	if resetMs != nil {
		metadata["resetMs"] = *resetMs
	}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		BridgeError:  &BridgeError{Message: message, Code: "RATE_LIMITED", Retryable: true, Metadata: metadata},
		ResetMs:      resetMs,
		AccountEmail: accountEmail,
	}
}

// AuthError signals invalid or revoked credentials.
type AuthError struct {
	*BridgeError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewAuthError creates an AuthError.
func NewAuthError(message, accountEmail, reason string) *AuthError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return &AuthError{
		BridgeError:  &BridgeError{Message: message, Code: "AUTH_INVALID", Retryable: false, Metadata: metadata},
		AccountEmail: accountEmail,
		Reason:       reason,
	}
}

// NoAccountsError signals an empty or fully exhausted pool.
type NoAccountsError struct {
	*BridgeError
	AllRateLimited bool  `json:"allRateLimited"`
	MinWaitMs      int64 `json:"minWaitMs,omitempty"`
}

// NewNoAccountsError creates a NoAccountsError.
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		BridgeError: &BridgeError{
			Message:   message,
			Code:      "NO_ACCOUNTS",
			Retryable: allRateLimited,
			Metadata:  map[string]interface{}{"allRateLimited": allRateLimited},
		},
		AllRateLimited: allRateLimited,
	}
}

// MaxRetriesError signals a depleted attempt budget.
type MaxRetriesError struct {
	*BridgeError
	Attempts int `json:"attempts"`
}

// NewMaxRetriesError creates a MaxRetriesError.
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{
		BridgeError: &BridgeError{
			Message:   message,
			Code:      "MAX_RETRIES",
			Retryable: false,
			Metadata:  map[string]interface{}{"attempts": attempts},
		},
		Attempts: attempts,
	}
}

// ApiError wraps an upstream HTTP error.
type ApiError struct {
	*BridgeError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

// NewApiError creates an ApiError.
func NewApiError(message string, statusCode int, errorType string) *ApiError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &ApiError{
		BridgeError: &BridgeError{
			Message:   message,
			Code:      strings.ToUpper(errorType),
			Retryable: statusCode >= 500,
			Metadata:  map[string]interface{}{"statusCode": statusCode, "errorType": errorType},
		},
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// EmptyResponseError signals an upstream 200 that carried no content.
type EmptyResponseError struct {
	*BridgeError
}

// NewEmptyResponseError creates an EmptyResponseError.
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from API"
	}
	return &EmptyResponseError{
		BridgeError: &BridgeError{
			Message:   message,
			Code:      "EMPTY_RESPONSE",
			Retryable: true,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// CapacityError signals model capacity exhaustion (429/503/529 with
// capacity wording).
type CapacityError struct {
	*BridgeError
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

// NewCapacityError creates a CapacityError.
func NewCapacityError(message string, retryAfterMs *int64) *CapacityError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	metadata := map[string]interface{}{}
	if retryAfterMs != nil {
		metadata["retryAfterMs"] = *retryAfterMs
	}
	return &CapacityError{
		BridgeError:  &BridgeError{Message: message, Code: "CAPACITY_EXHAUSTED", Retryable: true, Metadata: metadata},
		RetryAfterMs: retryAfterMs,
	}
}

// IsRateLimitError reports whether err is (or reads like) a rate limit.
func IsRateLimitError(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError reports whether err is (or reads like) an auth failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "AUTH_INVALID") ||
		strings.Contains(msg, "INVALID_GRANT") ||
		strings.Contains(msg, "TOKEN REFRESH FAILED")
}

// IsEmptyResponseError reports whether err is an empty-response error.
func IsEmptyResponseError(err error) bool {
	var ee *EmptyResponseError
	return errors.As(err, &ee)
}

// IsCapacityError reports whether err is (or reads like) capacity exhaustion.
func IsCapacityError(err error) bool {
	var ce *CapacityError
	if errors.As(err, &ce) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model_capacity_exhausted") ||
		strings.Contains(msg, "capacity_exhausted") ||
		strings.Contains(msg, "model is currently overloaded") ||
		strings.Contains(msg, "service temporarily unavailable")
}

// HTTPStatusFromError maps an error to the HTTP status it should surface as.
func HTTPStatusFromError(err error) int {
	var (
		rl *RateLimitError
		au *AuthError
		na *NoAccountsError
		mr *MaxRetriesError
		ap *ApiError
		ee *EmptyResponseError
		ce *CapacityError
	)
	switch {
	case errors.As(err, &rl):
		return 429
	case errors.As(err, &au):
		return 401
	case errors.As(err, &na):
		if na.AllRateLimited {
			return 429
		}
		return 503
	case errors.As(err, &mr):
		return 503
	case errors.As(err, &ap):
		return ap.StatusCode
	case errors.As(err, &ee):
		return 502
	case errors.As(err, &ce):
		return 503
	default:
		return 500
	}
}
