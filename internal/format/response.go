package format

import (
	"encoding/json"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// ConvertGeminiToAnthropic converts a generateContent response to the
// Messages API format. Thinking signatures and tool-call signatures are
// recorded in the signature cache on the way through.
func ConvertGeminiToAnthropic(response *GeminiResponse, model string) *anthropic.MessagesResponse {
	var candidates []Candidate
	var usage *UsageMetadata

	if response.Response != nil {
		candidates = response.Response.Candidates
		usage = response.Response.UsageMetadata
	} else {
		candidates = response.Candidates
		usage = response.UsageMetadata
	}

	var first Candidate
	if len(candidates) > 0 {
		first = candidates[0]
	}
	var parts []GeminiPart
	if first.Content != nil {
		parts = first.Content.Parts
	}

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false
	cache := Signatures()

	for _, part := range parts {
		switch {
		case part.Text != "" && part.Thought:
			signature := part.ThoughtSignature
			if signature != "" && len(signature) >= config.MinSignatureLength {
				cache.CacheThinkingFamily(signature, string(config.GetModelFamily(model)))
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: signature,
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{Type: "text", Text: part.Text})

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			input := json.RawMessage("{}")
			if part.FunctionCall.Args != nil {
				if encoded, err := json.Marshal(part.FunctionCall.Args); err == nil {
					input = encoded
				}
			}

			block := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: input,
			}

			// Gemini 3+ signs tool calls; cache it because clients strip
			// the non-standard field from replayed history.
			if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
				block.ThoughtSignature = part.ThoughtSignature
				cache.CacheToolSignature(toolID, part.ThoughtSignature)
			}

			content = append(content, block)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	stopReason := "end_turn"
	switch {
	case first.FinishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	case first.FinishReason == "TOOL_USE" || hasToolCalls:
		stopReason = "tool_use"
	}

	// promptTokenCount is the total including cache reads; Anthropic's
	// input_tokens excludes them.
	var promptTokens, cachedTokens, outputTokens int
	if usage != nil {
		promptTokens = usage.PromptTokenCount
		cachedTokens = usage.CachedContentTokenCount
		outputTokens = usage.CandidatesTokenCount
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return anthropic.NewMessagesResponse(
		anthropic.GenerateMessageID(),
		model,
		content,
		stopReason,
		&anthropic.Usage{
			InputTokens:          promptTokens - cachedTokens,
			OutputTokens:         outputTokens,
			CacheReadInputTokens: cachedTokens,
		},
	)
}
