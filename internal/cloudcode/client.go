// Package cloudcode implements the Cloud Code upstream client: request
// building, SSE translation, rate-limit classification and the dispatch
// pipeline.
package cloudcode

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hollowb/antigravity-bridge/internal/apperr"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/format"
	"github.com/hollowb/antigravity-bridge/internal/utils"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

const emptyResponseFallbackText = "[No response after retries - please try again]"

// SendMessage handles a non-streaming request end to end and returns
// the converted response. Thinking models are fetched over the SSE
// endpoint and aggregated, because upstream omits thought parts on the
// unary path.
func (d *Dispatcher) SendMessage(ctx context.Context, request *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	var result *anthropic.MessagesResponse

	err := d.dispatch(ctx, request, d.cfg.FallbackEnabled,
		func(ctx context.Context, resp *http.Response, model string, refetch refetchFunc) error {
			defer resp.Body.Close()

			if config.IsThinkingModel(model) {
				aggregated, err := ParseThinkingSSEResponse(resp.Body)
				if err != nil {
					return err
				}
				result = format.ConvertGeminiToAnthropic(aggregated, model)
				return nil
			}

			var decoded map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
				return err
			}
			result = format.ConvertGeminiToAnthropic(format.GeminiResponseFromMap(decoded), model)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StreamMessage handles a streaming request, forwarding translated
// events through emit as they arrive. emit errors (client gone) abort
// the request.
func (d *Dispatcher) StreamMessage(ctx context.Context, request *anthropic.MessagesRequest, emit func(*anthropic.SSEEvent) error) error {
	return d.dispatch(ctx, request, d.cfg.FallbackEnabled,
		func(ctx context.Context, resp *http.Response, model string, refetch refetchFunc) error {
			return d.consumeStream(ctx, resp, model, refetch, emit)
		})
}

// consumeStream forwards one SSE body to the client. An empty stream
// (no events at all) is retried against the same URL with exponential
// backoff; when the retries run out a synthetic terminal stream is
// emitted so the client never hangs. Retrying is safe only because an
// empty stream by definition forwarded nothing.
func (d *Dispatcher) consumeStream(ctx context.Context, resp *http.Response, model string, refetch refetchFunc, emit func(*anthropic.SSEEvent) error) error {
	for emptyRetries := 0; ; emptyRetries++ {
		events, errs := StreamSSEResponse(resp.Body, model)

		forwarded := false
		for event := range events {
			forwarded = true
			if err := emit(event); err != nil {
				resp.Body.Close()
				return err
			}
		}
		streamErr := <-errs
		resp.Body.Close()

		if streamErr == nil {
			return nil
		}
		if forwarded || !apperr.IsEmptyResponseError(streamErr) {
			return streamErr
		}

		if emptyRetries >= config.MaxEmptyResponseRetries {
			utils.Warn("[CloudCode] Empty response after %d retries, emitting fallback stream", emptyRetries)
			return emitEmptyResponseFallback(model, emit)
		}

		backoffMs := int64(500 * (1 << emptyRetries))
		utils.Warn("[CloudCode] Empty response, retrying in %dms (%d/%d)",
			backoffMs, emptyRetries+1, config.MaxEmptyResponseRetries)
		if err := utils.Sleep(ctx, backoffMs); err != nil {
			return err
		}

		again, err := refetch(ctx)
		if err != nil {
			return err
		}
		resp = again
	}
}

// emitEmptyResponseFallback sends a minimal well-formed stream telling
// the client the upstream produced nothing.
func emitEmptyResponseFallback(model string, emit func(*anthropic.SSEEvent) error) error {
	sequence := []*anthropic.SSEEvent{
		{
			Type: anthropic.SSEEventMessageStart,
			Message: &anthropic.MessagesResponse{
				ID:      anthropic.GenerateMessageID(),
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ContentBlock{},
				Model:   model,
				Usage:   &anthropic.Usage{},
			},
		},
		{
			Type:         anthropic.SSEEventContentBlockStart,
			ContentBlock: &anthropic.ContentBlock{Type: "text"},
		},
		{
			Type:  anthropic.SSEEventContentBlockDelta,
			Delta: &anthropic.ContentDelta{Type: "text_delta", Text: emptyResponseFallbackText},
		},
		{Type: anthropic.SSEEventContentBlockStop},
		{
			Type:  anthropic.SSEEventMessageDelta,
			Delta: &anthropic.ContentDelta{StopReason: "end_turn"},
			Usage: &anthropic.Usage{},
		},
		{Type: anthropic.SSEEventMessageStop},
	}

	for _, event := range sequence {
		if err := emit(event); err != nil {
			return err
		}
	}
	return nil
}
