package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// validSignature clears the minimum signature length.
var validSignature = strings.Repeat("sig-", 16)

func TestConvertRole(t *testing.T) {
	assert.Equal(t, "model", ConvertRole("assistant"))
	assert.Equal(t, "model", ConvertRole("model"))
	assert.Equal(t, "user", ConvertRole("user"))
	assert.Equal(t, "user", ConvertRole("system"))
}

func TestConvertContentTextAndImage(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "text", Text: "hello"},
		{Type: "text", Text: ""},
		{Type: "image", Source: &anthropic.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
	}, true, false)

	require.Len(t, parts, 2)
	assert.Equal(t, "hello", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
	assert.Equal(t, "aGk=", parts[1].InlineData.Data)
}

func TestConvertContentURLSources(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "image", Source: &anthropic.ImageSource{Type: "url", URL: "https://example.com/a"}},
		{Type: "document", Source: &anthropic.ImageSource{Type: "url", URL: "https://example.com/b"}},
	}, true, false)

	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].FileData)
	assert.Equal(t, "image/jpeg", parts[0].FileData.MimeType)
	assert.Equal(t, "application/pdf", parts[1].FileData.MimeType)
	assert.Equal(t, "https://example.com/b", parts[1].FileData.FileURI)
}

func TestConvertToolUseForClaude(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_01", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)},
	}, true, false)

	require.Len(t, parts, 1)
	call := parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "toolu_01", call.ID)
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, "Paris", call.Args["city"])
	assert.Empty(t, parts[0].ThoughtSignature)
}

func TestConvertToolUseForGeminiSignaturePriority(t *testing.T) {
	// Inline signature wins.
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_inline", Name: "f", ThoughtSignature: validSignature},
	}, false, true)
	require.Len(t, parts, 1)
	assert.Equal(t, validSignature, parts[0].ThoughtSignature)

	// Cached signatures are restored by tool_use id.
	Signatures().CacheToolSignature("toolu_cached", validSignature)
	parts = ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_cached", Name: "f"},
	}, false, true)
	assert.Equal(t, validSignature, parts[0].ThoughtSignature)

	// Nothing known: the skip sentinel keeps the upstream validator quiet.
	parts = ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_unknown", Name: "f"},
	}, false, true)
	assert.Equal(t, config.GeminiSkipSignature, parts[0].ThoughtSignature)
}

func TestConvertToolResultString(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_01", Content: "ok"},
	}, true, false)

	require.Len(t, parts, 1)
	response := parts[0].FunctionResponse
	require.NotNil(t, response)
	assert.Equal(t, "toolu_01", response.Name)
	assert.Equal(t, "toolu_01", response.ID)
	assert.Equal(t, "ok", response.Response["result"])
}

func TestConvertToolResultMissingIDUsesUnknown(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_result", Content: "ok"},
	}, false, true)

	require.Len(t, parts, 1)
	assert.Equal(t, "unknown", parts[0].FunctionResponse.Name)
	assert.Empty(t, parts[0].FunctionResponse.ID)
}

func TestConvertToolResultDefersEmbeddedImages(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_01", Content: []anthropic.ContentBlock{
			{Type: "image", Source: &anthropic.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
		}},
		{Type: "text", Text: "done"},
	}, true, false)

	// The image rides at the end, after the text block.
	require.Len(t, parts, 3)
	assert.Equal(t, "Image attached", parts[0].FunctionResponse.Response["result"])
	assert.Equal(t, "done", parts[1].Text)
	require.NotNil(t, parts[2].InlineData)
}

func TestConvertToolResultGenericSlice(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_01", Content: []interface{}{
			map[string]interface{}{"type": "text", "text": "line one"},
			map[string]interface{}{"type": "text", "text": "line two"},
		}},
	}, true, false)

	require.Len(t, parts, 1)
	assert.Equal(t, "line one\nline two", parts[0].FunctionResponse.Response["result"])
}

func TestConvertThinkingDropsUnsigned(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "thinking", Thinking: "unsigned"},
		{Type: "thinking", Thinking: "short", Signature: "abc"},
	}, true, false)

	assert.Empty(t, parts)
}

func TestConvertThinkingSignedForClaude(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "thinking", Thinking: "reasoning", Signature: validSignature},
	}, true, false)

	require.Len(t, parts, 1)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, "reasoning", parts[0].Text)
	assert.Equal(t, validSignature, parts[0].ThoughtSignature)
}

func TestConvertThinkingFamilyFilterForGemini(t *testing.T) {
	claudeSig := validSignature + "claude"
	geminiSig := validSignature + "gemini"
	unknownSig := validSignature + "nobody"
	Signatures().CacheThinkingFamily(claudeSig, "claude")
	Signatures().CacheThinkingFamily(geminiSig, "gemini")

	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "thinking", Thinking: "from claude", Signature: claudeSig},
		{Type: "thinking", Thinking: "from gemini", Signature: geminiSig},
		{Type: "thinking", Thinking: "origin unknown", Signature: unknownSig},
	}, false, true)

	// Only the gemini-minted signature survives.
	require.Len(t, parts, 1)
	assert.Equal(t, "from gemini", parts[0].Text)
}
