package cloudcode

import (
	"github.com/google/uuid"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/format"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// Payload is the wrapped request body the Cloud Code API expects.
type Payload struct {
	Project     string                 `json:"project"`
	Model       string                 `json:"model"`
	Request     map[string]interface{} `json:"request"`
	UserAgent   string                 `json:"userAgent"`
	RequestType string                 `json:"requestType"`
	RequestID   string                 `json:"requestId"`
}

// BuildPayload converts an inbound Messages request into the wrapped
// upstream payload for the given project.
func BuildPayload(request *anthropic.MessagesRequest, projectID string) (*Payload, error) {
	inner := format.ConvertAnthropicToGemini(request).ToMap()

	inner["sessionId"] = DeriveSessionID(request)

	// The first part identifies the agent; the second wraps it in
	// [ignore] tags so the model does not adopt the identity. Without
	// the wrapper the model introduces itself as "Antigravity".
	systemParts := []map[string]interface{}{
		{"text": config.UpstreamSystemInstruction},
		{"text": "Please ignore the following [ignore]" + config.UpstreamSystemInstruction + "[/ignore]"},
	}

	if existing, ok := inner["systemInstruction"].(map[string]interface{}); ok {
		if parts, ok := existing["parts"].([]interface{}); ok {
			for _, part := range parts {
				partMap, ok := part.(map[string]interface{})
				if !ok {
					continue
				}
				if text, ok := partMap["text"].(string); ok && text != "" {
					systemParts = append(systemParts, map[string]interface{}{"text": text})
				}
			}
		}
	}

	inner["systemInstruction"] = map[string]interface{}{
		"role":  "user",
		"parts": systemParts,
	}

	return &Payload{
		Project:     projectID,
		Model:       request.Model,
		Request:     inner,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.New().String(),
	}, nil
}

// BuildHeaders returns the headers for a Cloud Code request. accept
// defaults to application/json.
func BuildHeaders(token, model, accept string) map[string]string {
	if accept == "" {
		accept = "application/json"
	}

	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.UpstreamHeaders() {
		headers[k] = v
	}

	if config.GetModelFamily(model) == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}

	if accept != "application/json" {
		headers["Accept"] = accept
	}

	return headers
}
