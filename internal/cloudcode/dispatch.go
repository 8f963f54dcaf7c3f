package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hollowb/antigravity-bridge/internal/account"
	"github.com/hollowb/antigravity-bridge/internal/apperr"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// Dispatcher runs the retry and failover pipeline for every request:
// account selection, credential resolution, endpoint rotation, backoff
// and cross-model fallback.
type Dispatcher struct {
	pool    *account.Manager
	backoff *BackoffTracker
	cfg     *config.Config

	// No client-level timeout; streams run for minutes and the inbound
	// request context bounds every call.
	httpClient *http.Client

	initOnce sync.Once
	initErr  error
}

// NewDispatcher wires a dispatcher over the account pool.
func NewDispatcher(pool *account.Manager, backoff *BackoffTracker, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		backoff:    backoff,
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// Initialize eagerly loads the account pool, honouring an optional
// strategy override. Concurrent first requests wait on a single load.
func (d *Dispatcher) Initialize(ctx context.Context, strategyOverride string) error {
	d.initOnce.Do(func() {
		d.initErr = d.pool.Initialize(ctx, strategyOverride)
	})
	return d.initErr
}

func (d *Dispatcher) ensureInitialized(ctx context.Context) error {
	return d.Initialize(ctx, "")
}

// Pool exposes the underlying account manager.
func (d *Dispatcher) Pool() *account.Manager { return d.pool }

// Backoff exposes the rate-limit tracker.
func (d *Dispatcher) Backoff() *BackoffTracker { return d.backoff }

// Switch-account reasons.
const (
	reasonRateLimit          = "RATE_LIMIT_EXCEEDED"
	reasonRateLimitDuplicate = "RATE_LIMIT_DUPLICATE"
	reasonQuotaExhausted     = "QUOTA_EXHAUSTED"
	reasonCapacity           = "MODEL_CAPACITY_EXHAUSTED"
	reasonAuth               = "AUTH_INVALID"
	reasonNetwork            = "NETWORK_ERROR"
	reasonServer             = "SERVER_ERROR"
)

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeNextEndpoint
	outcomeSwitchAccount
	outcomeFatal
)

// attemptOutcome is the tagged result of one endpoint attempt. The
// endpoint loop folds NextEndpoint into trying the next host; the
// outer loop dispatches on the rest.
type attemptOutcome struct {
	kind    outcomeKind
	reason  string // SwitchAccount classification
	delayMs int64  // sleep before moving to the next account
	err     error  // Fatal error, or the last observed error otherwise
}

func okOutcome() attemptOutcome {
	return attemptOutcome{kind: outcomeOK}
}

func nextEndpoint(err error) attemptOutcome {
	return attemptOutcome{kind: outcomeNextEndpoint, err: err}
}

func switchAccount(reason string, delayMs int64, err error) attemptOutcome {
	return attemptOutcome{kind: outcomeSwitchAccount, reason: reason, delayMs: delayMs, err: err}
}

func fatal(err error) attemptOutcome {
	return attemptOutcome{kind: outcomeFatal, err: err}
}

// consumeFunc drains a 2xx upstream response. model is the model
// actually dispatched (it differs from the inbound one after a
// cross-model fallback). refetch re-issues the identical request,
// used by the streaming empty-response recovery.
type consumeFunc func(ctx context.Context, resp *http.Response, model string, refetch refetchFunc) error

type refetchFunc func(ctx context.Context) (*http.Response, error)

// dispatchState is the request-local retry bookkeeping.
type dispatchState struct {
	model           string
	sessionID       string
	useSSE          bool
	capacityRetries int
}

// dispatch runs the per-attempt loop for one request. fallbackEnabled
// guards the cross-model fallback; the recursive call always passes
// false so fallbacks never chain.
func (d *Dispatcher) dispatch(ctx context.Context, request *anthropic.MessagesRequest, fallbackEnabled bool, consume consumeFunc) error {
	if err := d.ensureInitialized(ctx); err != nil {
		return err
	}

	model := request.Model
	state := &dispatchState{
		model:     model,
		sessionID: DeriveSessionID(request),
		useSSE:    request.Stream || config.IsThinkingModel(model),
	}

	// Optimistic lever: if the whole pool looks limited at entry, a
	// reset may have elapsed while the bridge sat idle.
	if d.pool.GetAccountCount() > 0 && d.pool.IsAllRateLimited(model) {
		utils.Info("[Dispatch] All accounts rate-limited at entry, resetting marks optimistically")
		d.pool.ResetAllRateLimits()
	}

	maxAttempts := utils.MaxInt(d.cfg.MaxRetries, d.pool.GetAccountCount()+1)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d.pool.ClearExpiredLimits()

		if len(d.pool.GetAvailableAccounts(model)) == 0 {
			if !d.pool.IsAllRateLimited(model) {
				return apperr.NewNoAccountsError("No accounts configured", false)
			}

			minWait := d.pool.GetMinWaitTimeMs(model)
			if minWait > d.cfg.MaxWaitBeforeErrorMs {
				if fallbackEnabled {
					if fallback, ok := config.GetFallbackModel(model); ok {
						utils.Warn("[Dispatch] All accounts exhausted for %s (reset in %s), falling back to %s",
							model, utils.FormatDuration(minWait), fallback)
						return d.dispatchFallback(ctx, request, fallback, consume)
					}
				}
				return apperr.NewRateLimitError(
					fmt.Sprintf("All accounts rate limited for %s. Next reset in %s.",
						model, utils.FormatDuration(minWait)),
					&minWait, "")
			}

			utils.Info("[Dispatch] All accounts rate-limited, waiting %s", utils.FormatDuration(minWait))
			if err := utils.Sleep(ctx, minWait+500); err != nil {
				return err
			}
			attempt-- // waiting does not consume the retry budget
			continue
		}

		selection, err := d.pool.SelectAccount(ctx, model, account.SelectOptions{SessionID: state.sessionID})
		if err != nil {
			return err
		}
		if selection.Account == nil {
			if selection.WaitMs > 0 {
				utils.Info("[Dispatch] Strategy suggests waiting %s", utils.FormatDuration(selection.WaitMs))
				if err := utils.Sleep(ctx, selection.WaitMs+500); err != nil {
					return err
				}
				attempt--
				continue
			}
			return apperr.NewNoAccountsError("No available accounts", true)
		}
		if selection.WaitMs > 0 {
			// Emergency/last-resort throttle from the hybrid strategy.
			if err := utils.Sleep(ctx, selection.WaitMs); err != nil {
				return err
			}
		}
		acc := selection.Account

		token, err := d.pool.GetTokenForAccount(ctx, acc)
		if err != nil {
			utils.Warn("[Dispatch] Token acquisition failed for %s: %v", utils.MaskEmail(acc.Email), err)
			lastErr = err
			continue
		}
		projectID := d.pool.GetProjectForAccount(ctx, acc, token)

		payload, err := BuildPayload(request, projectID)
		if err != nil {
			return err
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		accept := "application/json"
		if state.useSSE {
			accept = "text/event-stream"
		}
		headers := BuildHeaders(token, model, accept)

		outcome := d.tryEndpoints(ctx, state, acc, body, headers, consume)
		switch outcome.kind {
		case outcomeOK:
			d.pool.NotifySuccess(acc, model)
			d.backoff.Clear(acc.Email, model)
			return nil

		case outcomeFatal:
			return outcome.err

		case outcomeSwitchAccount:
			lastErr = outcome.err
			switch outcome.reason {
			case reasonRateLimitDuplicate:
				d.pool.NotifyRateLimit(acc, model)
				attempt-- // a duplicate does not consume the budget
			case reasonRateLimit, reasonQuotaExhausted, reasonCapacity:
				d.pool.NotifyRateLimit(acc, model)
			case reasonNetwork, reasonServer:
				d.pool.NotifyFailure(acc, model)
			}
			if outcome.delayMs > 0 {
				if err := utils.Sleep(ctx, outcome.delayMs); err != nil {
					return err
				}
			}
		}
	}

	if fallbackEnabled {
		if fallback, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[Dispatch] Retry budget exhausted for %s, falling back to %s", model, fallback)
			return d.dispatchFallback(ctx, request, fallback, consume)
		}
	}

	if lastErr != nil {
		return apperr.NewMaxRetriesError(
			fmt.Sprintf("Max retries exceeded for %s: %v", model, lastErr), maxAttempts)
	}
	return apperr.NewMaxRetriesError(fmt.Sprintf("Max retries exceeded for %s", model), maxAttempts)
}

func (d *Dispatcher) dispatchFallback(ctx context.Context, request *anthropic.MessagesRequest, fallback string, consume consumeFunc) error {
	clone := *request
	clone.Model = fallback
	return d.dispatch(ctx, &clone, false, consume)
}

// tryEndpoints walks the endpoint fallback order for one account,
// folding NextEndpoint outcomes into the next host. When every host is
// spent the last failure escalates to an account switch.
func (d *Dispatcher) tryEndpoints(ctx context.Context, state *dispatchState, acc *account.Account, body []byte, headers map[string]string, consume consumeFunc) attemptOutcome {
	var last attemptOutcome

	for _, endpoint := range config.GenerateEndpoints {
		outcome := d.attemptEndpoint(ctx, state, acc, endpoint, body, headers, consume)
		if outcome.kind != outcomeNextEndpoint {
			return outcome
		}
		last = outcome
	}

	reason := reasonServer
	if last.err != nil && utils.IsNetworkError(last.err) {
		reason = reasonNetwork
	}
	d.pool.RecordFailure(acc.Email)
	return switchAccount(reason, 1000, last.err)
}

func (d *Dispatcher) buildURL(endpoint string, state *dispatchState) string {
	if state.useSSE {
		return endpoint + "/v1internal:streamGenerateContent?alt=sse"
	}
	return endpoint + "/v1internal:generateContent"
}

func (d *Dispatcher) post(ctx context.Context, url string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return d.httpClient.Do(req)
}

// attemptEndpoint posts to one host and classifies the result into a
// tagged outcome. Short resets and capacity tiers are absorbed here by
// retrying the same host; everything else is returned for the caller
// to dispatch on.
func (d *Dispatcher) attemptEndpoint(ctx context.Context, state *dispatchState, acc *account.Account, endpoint string, body []byte, headers map[string]string, consume consumeFunc) attemptOutcome {
	url := d.buildURL(endpoint, state)
	model := state.model

	for {
		resp, err := d.post(ctx, url, headers, body)
		if err != nil {
			if ctx.Err() != nil {
				return fatal(ctx.Err())
			}
			utils.Warn("[Dispatch] Request to %s failed: %v", endpoint, err)
			d.pool.RecordFailure(acc.Email)
			return switchAccount(reasonNetwork, 1000, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			refetch := func(ctx context.Context) (*http.Response, error) {
				again, err := d.post(ctx, url, headers, body)
				if err != nil {
					return nil, err
				}
				if again.StatusCode < 200 || again.StatusCode >= 300 {
					defer again.Body.Close()
					return nil, errorFromResponse(again)
				}
				return again, nil
			}

			err := consume(ctx, resp, model, refetch)
			if err == nil {
				return okOutcome()
			}
			return d.classifyConsumeError(ctx, acc, err)
		}

		bodyText := readErrorBody(resp)
		status := resp.StatusCode

		switch {
		case status == http.StatusBadRequest:
			utils.Error("[Dispatch] Invalid request (400): %s", truncateForLog(bodyText))
			return fatal(apperr.NewApiError(bodyText, http.StatusBadRequest, "invalid_request_error"))

		case status == http.StatusUnauthorized:
			if IsPermanentAuthFailure(bodyText) {
				_ = d.pool.MarkInvalid(acc.Email, "Credentials revoked or invalid")
				return switchAccount(reasonAuth, 0,
					apperr.NewAuthError("Account credentials permanently invalid", acc.Email, bodyText))
			}
			// Transient: the cached token may be stale.
			d.pool.ClearTokenCacheFor(acc.Email)
			d.pool.ClearProjectCacheFor(acc.Email)
			return nextEndpoint(apperr.NewAuthError("Unauthorized", acc.Email, ""))

		case status == http.StatusForbidden || status == http.StatusNotFound:
			utils.Warn("[Dispatch] %d from %s, trying next endpoint", status, endpoint)
			return nextEndpoint(apperr.NewApiError(bodyText, status, "api_error"))

		case status == http.StatusTooManyRequests ||
			((status == http.StatusServiceUnavailable || status == 529) && IsCapacityExhausted(bodyText)):

			resetMs := ParseResetTime(resp.Header, bodyText)

			if IsCapacityExhausted(bodyText) {
				if state.capacityRetries < d.cfg.MaxCapacityRetries {
					tier := state.capacityRetries
					if tier >= len(config.CapacityBackoffTiersMs) {
						tier = len(config.CapacityBackoffTiersMs) - 1
					}
					waitMs := config.CapacityBackoffTiersMs[tier]
					if resetMs > 0 {
						waitMs = resetMs
					}
					state.capacityRetries++
					d.pool.RecordFailure(acc.Email)
					utils.Warn("[Dispatch] Model capacity exhausted, retrying in %s (%d/%d)",
						utils.FormatDuration(waitMs), state.capacityRetries, d.cfg.MaxCapacityRetries)
					if err := utils.Sleep(ctx, waitMs); err != nil {
						return fatal(err)
					}
					continue
				}
				smart := CalculateSmartBackoff(bodyText, resetMs, acc.ConsecutiveFailures)
				d.pool.MarkRateLimited(acc.Email, smart, model)
				return switchAccount(reasonCapacity, 0,
					apperr.NewCapacityError("Model capacity exhausted after retries", &smart))
			}

			record := d.backoff.Record(acc.Email, model, resetMs)
			smart := CalculateSmartBackoff(bodyText, resetMs, acc.ConsecutiveFailures)

			// Sub-second resets are cheaper to wait out in place.
			if resetMs > 0 && resetMs < 1000 {
				utils.Debug("[Dispatch] Short reset (%dms), retrying same endpoint", resetMs)
				if err := utils.Sleep(ctx, resetMs); err != nil {
					return fatal(err)
				}
				continue
			}

			if record.IsDuplicate {
				d.pool.MarkRateLimited(acc.Email, smart, model)
				return switchAccount(reasonRateLimitDuplicate, 0,
					apperr.NewRateLimitError("Duplicate rate limit", &smart, acc.Email))
			}

			if record.Attempt == 1 && smart <= d.cfg.DefaultCooldownMs {
				// First rate limit with a short backoff: quick retry on
				// the same endpoint after the cooldown.
				d.pool.MarkRateLimited(acc.Email, smart, model)
				utils.Info("[Dispatch] Rate limited, quick retry in %s", utils.FormatDuration(smart))
				if err := utils.Sleep(ctx, smart); err != nil {
					return fatal(err)
				}
				continue
			}

			// Long-term quota exhaustion: mark and hand off.
			d.pool.MarkRateLimited(acc.Email, smart, model)
			utils.Warn("[Dispatch] Quota exhausted for %s on %s, switching account (reset in %s)",
				model, utils.MaskEmail(acc.Email), utils.FormatDuration(smart))
			return switchAccount(reasonQuotaExhausted, d.cfg.SwitchAccountDelayMs,
				apperr.NewRateLimitError("Quota exhausted", &smart, acc.Email))

		case status >= 500:
			utils.Warn("[Dispatch] Server error %d from %s: %s", status, endpoint, truncateForLog(bodyText))
			d.pool.RecordFailure(acc.Email)
			if err := utils.Sleep(ctx, 1000); err != nil {
				return fatal(err)
			}
			return nextEndpoint(apperr.NewApiError(bodyText, status, "api_error"))

		default:
			return fatal(apperr.NewApiError(bodyText, status, "api_error"))
		}
	}
}

// classifyConsumeError maps an error raised while draining a 2xx
// response (or refetching during empty-response recovery) back into
// the outer switch logic.
func (d *Dispatcher) classifyConsumeError(ctx context.Context, acc *account.Account, err error) attemptOutcome {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return fatal(err)
	case apperr.IsRateLimitError(err):
		return switchAccount(reasonRateLimit, 0, err)
	case apperr.IsAuthError(err):
		return switchAccount(reasonAuth, 0, err)
	case apperr.IsEmptyResponseError(err):
		return nextEndpoint(err)
	case utils.IsNetworkError(err):
		d.pool.RecordFailure(acc.Email)
		return switchAccount(reasonNetwork, 1000, err)
	default:
		return fatal(err)
	}
}

// errorFromResponse turns a non-2xx refetch into a typed error.
func errorFromResponse(resp *http.Response) error {
	bodyText := readErrorBody(resp)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		resetMs := ParseResetTime(resp.Header, bodyText)
		var reset *int64
		if resetMs > 0 {
			reset = &resetMs
		}
		return apperr.NewRateLimitError(bodyText, reset, "")
	case http.StatusUnauthorized:
		return apperr.NewAuthError("Unauthorized", "", bodyText)
	default:
		return apperr.NewApiError(bodyText, resp.StatusCode, "api_error")
	}
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ""
	}
	return string(data)
}

func truncateForLog(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
