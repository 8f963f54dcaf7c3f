package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

func TestCleanCacheControl(t *testing.T) {
	messages := []anthropic.Message{{
		Role: "user",
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "hi", CacheControl: &anthropic.CacheControl{Type: "ephemeral"}},
			{Type: "text", Text: "there"},
		},
	}}

	cleaned := CleanCacheControl(messages)

	require.Len(t, cleaned, 1)
	assert.Nil(t, cleaned[0].Content[0].CacheControl)
	assert.Equal(t, "hi", cleaned[0].Content[0].Text)
	// The input is left alone.
	assert.NotNil(t, messages[0].Content[0].CacheControl)
}

func TestRestoreThinkingSignatures(t *testing.T) {
	content := []anthropic.ContentBlock{
		{Type: "thinking", Thinking: "signed", Signature: validSignature, CacheControl: &anthropic.CacheControl{Type: "ephemeral"}},
		{Type: "thinking", Thinking: "unsigned"},
		{Type: "text", Text: "answer"},
	}

	filtered := RestoreThinkingSignatures(content)

	require.Len(t, filtered, 2)
	assert.Equal(t, "signed", filtered[0].Thinking)
	// Sanitised down to the accepted field set.
	assert.Nil(t, filtered[0].CacheControl)
	assert.Equal(t, "answer", filtered[1].Text)
}

func TestRemoveTrailingThinkingBlocks(t *testing.T) {
	content := []anthropic.ContentBlock{
		{Type: "text", Text: "answer"},
		{Type: "thinking", Thinking: "trailing unsigned"},
	}

	trimmed := RemoveTrailingThinkingBlocks(content)
	require.Len(t, trimmed, 1)
	assert.Equal(t, "answer", trimmed[0].Text)

	// A signed trailing block stays.
	signed := []anthropic.ContentBlock{
		{Type: "text", Text: "answer"},
		{Type: "thinking", Thinking: "signed", Signature: validSignature},
	}
	assert.Len(t, RemoveTrailingThinkingBlocks(signed), 2)
}

func TestReorderAssistantContent(t *testing.T) {
	content := []anthropic.ContentBlock{
		{Type: "text", Text: "answer"},
		{Type: "tool_use", ID: "toolu_01", Name: "f"},
		{Type: "thinking", Thinking: "first thought", Signature: validSignature},
		{Type: "text", Text: ""},
	}

	reordered := ReorderAssistantContent(content)

	require.Len(t, reordered, 3)
	assert.Equal(t, "thinking", reordered[0].Type)
	assert.Equal(t, "text", reordered[1].Type)
	assert.Equal(t, "tool_use", reordered[2].Type)
}

func TestHasGeminiHistory(t *testing.T) {
	plain := []anthropic.Message{{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "tool_use", ID: "toolu_01", Name: "f"}},
	}}
	assert.False(t, HasGeminiHistory(plain))

	signed := []anthropic.Message{{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "tool_use", ID: "toolu_01", Name: "f", ThoughtSignature: validSignature}},
	}}
	assert.True(t, HasGeminiHistory(signed))
}

func TestHasUnsignedThinkingBlocks(t *testing.T) {
	messages := []anthropic.Message{
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "thinking", Thinking: "user blocks don't count"}}},
		{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "thinking", Thinking: "signed", Signature: validSignature}}},
	}
	assert.False(t, HasUnsignedThinkingBlocks(messages))

	messages = append(messages, anthropic.Message{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "thinking", Thinking: "unsigned"}},
	})
	assert.True(t, HasUnsignedThinkingBlocks(messages))
}

func toolLoopMessages(withThinking bool) []anthropic.Message {
	assistant := anthropic.Message{
		Role: "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_01", Name: "f"},
		},
	}
	if withThinking {
		assistant.Content = append([]anthropic.ContentBlock{
			{Type: "thinking", Thinking: "plan", Signature: validSignature},
		}, assistant.Content...)
	}
	return []anthropic.Message{
		userMessage("run the tool"),
		assistant,
		{Role: "user", Content: []anthropic.ContentBlock{{Type: "tool_result", ToolUseID: "toolu_01", Content: "ok"}}},
	}
}

func TestNeedsThinkingRecovery(t *testing.T) {
	assert.True(t, NeedsThinkingRecovery(toolLoopMessages(false)))
	assert.False(t, NeedsThinkingRecovery(toolLoopMessages(true)))
	assert.False(t, NeedsThinkingRecovery([]anthropic.Message{userMessage("hi")}))
}

func TestCloseToolLoopInjectsSyntheticTurns(t *testing.T) {
	messages := toolLoopMessages(false)

	repaired := CloseToolLoopForThinking(messages, "claude")

	require.Len(t, repaired, 5)
	assert.Equal(t, "assistant", repaired[3].Role)
	assert.Contains(t, repaired[3].Content[0].Text, "Tool execution completed")
	assert.Equal(t, "user", repaired[4].Role)
	assert.Equal(t, "[Continue]", repaired[4].Content[0].Text)
}

func TestCloseToolLoopInterruptedTool(t *testing.T) {
	messages := []anthropic.Message{
		userMessage("run the tool"),
		{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "tool_use", ID: "toolu_01", Name: "f"}}},
		userMessage("never mind, do something else"),
	}

	repaired := CloseToolLoopForThinking(messages, "claude")

	require.Len(t, repaired, 4)
	assert.Equal(t, "assistant", repaired[2].Role)
	assert.Contains(t, repaired[2].Content[0].Text, "interrupted")
	assert.Equal(t, "never mind, do something else", repaired[3].Content[0].Text)
}

func TestCloseToolLoopNoopOutsideToolLoop(t *testing.T) {
	messages := []anthropic.Message{userMessage("hi")}
	assert.Equal(t, messages, CloseToolLoopForThinking(messages, "claude"))
}
