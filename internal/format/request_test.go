package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

func userMessage(text string) anthropic.Message {
	return anthropic.Message{
		Role:    "user",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestConvertRequestBasic(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    "You are terse.",
		Messages:  []anthropic.Message{userMessage("hi")},
	}

	result := ConvertAnthropicToGemini(request)

	require.NotNil(t, result.SystemInstruction)
	require.Len(t, result.SystemInstruction.Parts, 1)
	assert.Equal(t, "You are terse.", result.SystemInstruction.Parts[0].Text)

	require.Len(t, result.Contents, 1)
	assert.Equal(t, "user", result.Contents[0].Role)
	assert.Equal(t, "hi", result.Contents[0].Parts[0].Text)

	assert.Equal(t, 1024, result.GenerationConfig.MaxOutputTokens)
	assert.Nil(t, result.GenerationConfig.ThinkingConfig)
	assert.Nil(t, result.Tools)
}

func TestConvertRequestSystemBlockArray(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		System: []interface{}{
			map[string]interface{}{"type": "text", "text": "first"},
			map[string]interface{}{"type": "image"},
			map[string]interface{}{"type": "text", "text": "second"},
		},
		Messages: []anthropic.Message{userMessage("hi")},
	}

	result := ConvertAnthropicToGemini(request)

	require.NotNil(t, result.SystemInstruction)
	require.Len(t, result.SystemInstruction.Parts, 2)
	assert.Equal(t, "first", result.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "second", result.SystemInstruction.Parts[1].Text)
}

func TestConvertRequestInterleavedThinkingHint(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model:    "claude-sonnet-4-5-thinking",
		System:   "Base prompt.",
		Messages: []anthropic.Message{userMessage("hi")},
		Tools:    []anthropic.Tool{{Name: "get_weather"}},
	}

	result := ConvertAnthropicToGemini(request)

	require.NotNil(t, result.SystemInstruction)
	parts := result.SystemInstruction.Parts
	require.Len(t, parts, 1)
	assert.Contains(t, parts[0].Text, "Base prompt.")
	assert.Contains(t, parts[0].Text, "Interleaved thinking is enabled")

	// Without tools there is no hint.
	request.Tools = nil
	result = ConvertAnthropicToGemini(request)
	assert.NotContains(t, result.SystemInstruction.Parts[0].Text, "Interleaved thinking")
}

func TestConvertRequestClaudeThinkingBudget(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5-thinking",
		MaxTokens: 4000,
		Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 8000},
		Messages:  []anthropic.Message{userMessage("hi")},
	}

	result := ConvertAnthropicToGemini(request)

	cfg := result.GenerationConfig
	require.NotNil(t, cfg.ThinkingConfig)
	assert.True(t, cfg.ThinkingConfig.IncludeThoughts)
	assert.Equal(t, 8000, cfg.ThinkingConfig.ThinkingBudget)
	assert.False(t, cfg.ThinkingConfig.IncludeThoughtsGemini)

	// max_tokens must exceed the budget; bumped to budget + headroom.
	assert.Equal(t, 16192, cfg.MaxOutputTokens)
}

func TestConvertRequestGeminiThinkingDefaults(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model:    "gemini-3-flash",
		Messages: []anthropic.Message{userMessage("hi")},
	}

	result := ConvertAnthropicToGemini(request)

	cfg := result.GenerationConfig.ThinkingConfig
	require.NotNil(t, cfg)
	assert.True(t, cfg.IncludeThoughtsGemini)
	assert.Equal(t, 16000, cfg.ThinkingBudgetGemini)
	assert.False(t, cfg.IncludeThoughts)
}

func TestConvertRequestGeminiMaxTokensCap(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model:     "gemini-3-flash",
		MaxTokens: 64000,
		Messages:  []anthropic.Message{userMessage("hi")},
	}

	result := ConvertAnthropicToGemini(request)
	assert.Equal(t, config.GeminiMaxOutputTokens, result.GenerationConfig.MaxOutputTokens)
}

func TestConvertRequestTools(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []anthropic.Message{userMessage("hi")},
		Tools: []anthropic.Tool{{
			Name:        "mcp.weather/lookup!",
			Description: "Weather lookup",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		}},
	}

	result := ConvertAnthropicToGemini(request)

	require.Len(t, result.Tools, 1)
	declarations := result.Tools[0].FunctionDeclarations
	require.Len(t, declarations, 1)
	assert.Equal(t, "mcp_weather_lookup_", declarations[0].Name)
	assert.Equal(t, "Weather lookup", declarations[0].Description)
	assert.Equal(t, "OBJECT", declarations[0].Parameters["type"])

	require.NotNil(t, result.ToolConfig)
	assert.Equal(t, "VALIDATED", result.ToolConfig.FunctionCallingConfig.Mode)

	// Gemini gets no tool config.
	request.Model = "gemini-3-flash"
	result = ConvertAnthropicToGemini(request)
	assert.Nil(t, result.ToolConfig)
}

func TestConvertRequestEmptyPartsGetPlaceholder(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "thinking", Thinking: "unsigned"}},
		}},
	}

	result := ConvertAnthropicToGemini(request)

	require.Len(t, result.Contents, 1)
	require.Len(t, result.Contents[0].Parts, 1)
	assert.Equal(t, ".", result.Contents[0].Parts[0].Text)
}

func TestCleanToolName(t *testing.T) {
	assert.Equal(t, "get_weather", cleanToolName("get_weather"))
	assert.Equal(t, "a_b_c", cleanToolName("a.b c"))

	long := make([]byte, 80)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, cleanToolName(string(long)), 64)
}
