package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitErrorCarriesMetadata(t *testing.T) {
	resetMs := int64(30000)
	err := NewRateLimitError("rate limited", &resetMs, "a@example.com")

	assert.Equal(t, "rate limited", err.Error())
	assert.Equal(t, "RATE_LIMITED", err.Code)
	assert.True(t, err.Retryable)
	assert.Equal(t, int64(30000), err.Metadata["resetMs"])
	assert.Equal(t, "a@example.com", err.Metadata["accountEmail"])
}

func TestBridgeErrorJSON(t *testing.T) {
	err := New("boom", "SOME_CODE", true, map[string]interface{}{"extra": "x"})

	data, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)
	assert.JSONEq(t, `{"code":"SOME_CODE","message":"boom","retryable":true,"extra":"x"}`, string(data))
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(NewRateLimitError("limited", nil, "")))
	assert.True(t, IsRateLimitError(fmt.Errorf("wrapped: %w", NewRateLimitError("limited", nil, ""))))

	// String fallbacks for errors that lost their type.
	assert.True(t, IsRateLimitError(errors.New("upstream returned 429")))
	assert.True(t, IsRateLimitError(errors.New("RESOURCE_EXHAUSTED: quota")))
	assert.False(t, IsRateLimitError(errors.New("connection refused")))
	assert.False(t, IsRateLimitError(nil))
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(NewAuthError("bad token", "a@example.com", "invalid_grant")))
	assert.True(t, IsAuthError(errors.New("oauth: invalid_grant")))
	assert.True(t, IsAuthError(errors.New("token refresh failed: 400")))
	assert.False(t, IsAuthError(errors.New("429 too many requests")))
	assert.False(t, IsAuthError(nil))
}

func TestIsEmptyResponseError(t *testing.T) {
	assert.True(t, IsEmptyResponseError(NewEmptyResponseError("")))
	assert.False(t, IsEmptyResponseError(errors.New("empty")))
}

func TestIsCapacityError(t *testing.T) {
	assert.True(t, IsCapacityError(NewCapacityError("", nil)))
	assert.True(t, IsCapacityError(errors.New("MODEL_CAPACITY_EXHAUSTED")))
	assert.True(t, IsCapacityError(errors.New("the model is currently overloaded")))
	assert.False(t, IsCapacityError(errors.New("quota exceeded")))
}

func TestDefaultMessages(t *testing.T) {
	assert.Equal(t, "No accounts available", NewNoAccountsError("", false).Error())
	assert.Equal(t, "Max retries exceeded", NewMaxRetriesError("", 3).Error())
	assert.Equal(t, "No content received from API", NewEmptyResponseError("").Error())
	assert.Equal(t, "Model capacity exhausted", NewCapacityError("", nil).Error())
}

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewRateLimitError("limited", nil, ""), 429},
		{NewAuthError("bad", "", ""), 401},
		{NewNoAccountsError("", true), 429},
		{NewNoAccountsError("", false), 503},
		{NewMaxRetriesError("", 3), 503},
		{NewApiError("bad request", 400, "invalid_request_error"), 400},
		{NewApiError("overloaded", 529, ""), 529},
		{NewEmptyResponseError(""), 502},
		{NewCapacityError("", nil), 503},
		{errors.New("anything else"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatusFromError(tt.err), "err=%v", tt.err)
	}

	// Wrapped errors keep their mapping.
	wrapped := fmt.Errorf("dispatch: %w", NewAuthError("bad", "", ""))
	assert.Equal(t, 401, HTTPStatusFromError(wrapped))
}

func TestApiErrorRetryable(t *testing.T) {
	assert.True(t, NewApiError("server", 500, "").Retryable)
	assert.False(t, NewApiError("client", 400, "").Retryable)
	assert.Equal(t, "api_error", NewApiError("x", 500, "").ErrorType)
}
