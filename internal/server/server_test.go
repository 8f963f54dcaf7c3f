package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/cloudcode"
	"github.com/hollowb/antigravity-bridge/internal/config"
)

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.APIKey = apiKey

	store := account.NewFileStore(filepath.Join(t.TempDir(), "accounts.json"), 0)
	require.NoError(t, store.Load())
	pool := account.NewManager(store, cfg, nil)
	dispatcher := cloudcode.NewDispatcher(pool, cloudcode.NewBackoffTracker(), cfg)

	srv := New(cfg, dispatcher, nil, Options{})
	srv.SetupRoutes()
	return srv
}

func perform(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodOptions, "/v1/messages", "", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestSilentHandlers(t *testing.T) {
	srv := newTestServer(t, "")

	for _, path := range []string{"/", "/api/event_logging/batch"} {
		w := perform(srv, http.MethodPost, path, "{}", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	}
}

func TestNoRouteEnvelope(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodGet, "/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found_error")
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, "secret")

	// Missing key.
	w := perform(srv, http.MethodPost, "/v1/messages/count_tokens", "{}", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication_error")

	// Wrong key.
	w = perform(srv, http.MethodPost, "/v1/messages/count_tokens", "{}",
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Bearer token.
	w = perform(srv, http.MethodPost, "/v1/messages/count_tokens", "{}",
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	// X-API-Key header.
	w = perform(srv, http.MethodPost, "/v1/messages/count_tokens", "{}",
		map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAPIKeyAuthDisabledWhenBlank(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodPost, "/v1/messages/count_tokens", "{}", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "not_implemented")
}

func TestMessagesRejectsBadBody(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodPost, "/v1/messages", "{not json", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request_error")
}

func TestMessagesRequiresMessages(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[]}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "messages is required")
}

func TestMessagesCountProbe(t *testing.T) {
	srv := newTestServer(t, "")

	body := `{"model":"claude-sonnet-4-5","max_tokens":1,"messages":[{"role":"user","content":[{"type":"text","text":"count"}]}]}`
	w := perform(srv, http.MethodPost, "/v1/messages", body, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestSetStrategyEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodPost, "/strategy", `{"strategy":"round-robin"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"round-robin"`)

	w = perform(srv, http.MethodPost, "/strategy", `{"strategy":"random"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(srv, http.MethodPost, "/strategy", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "strategy is required")
}

func TestStrategyHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodGet, "/strategy/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "strategy")
}

func TestUsageHistoryWithoutRecorder(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodGet, "/stats/history", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestClearSignatureCacheEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodPost, "/test/clear-signature-cache", "{}", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestHealthEndpointEmptyPool(t *testing.T) {
	srv := newTestServer(t, "")

	w := perform(srv, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"total":0`)
}
