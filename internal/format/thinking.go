package format

import (
	"fmt"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// CleanCacheControl strips cache_control markers from every content
// block. The upstream rejects them with "Extra inputs are not
// permitted", so they must never reach the wire.
func CleanCacheControl(messages []anthropic.Message) []anthropic.Message {
	if len(messages) == 0 {
		return messages
	}

	removed := 0
	cleaned := make([]anthropic.Message, 0, len(messages))

	for _, message := range messages {
		if len(message.Content) == 0 {
			cleaned = append(cleaned, message)
			continue
		}

		content := make([]anthropic.ContentBlock, 0, len(message.Content))
		for _, block := range message.Content {
			if block.CacheControl != nil {
				block.CacheControl = nil
				removed++
			}
			content = append(content, block)
		}
		cleaned = append(cleaned, anthropic.Message{Role: message.Role, Content: content})
	}

	if removed > 0 {
		utils.Debug("[Thinking] Removed cache_control from %d block(s)", removed)
	}
	return cleaned
}

func isThinkingBlock(block anthropic.ContentBlock) bool {
	return block.Type == "thinking" ||
		block.Type == "redacted_thinking" ||
		block.Thinking != ""
}

func hasValidSignature(block anthropic.ContentBlock) bool {
	return block.Signature != "" && len(block.Signature) >= config.MinSignatureLength
}

// HasGeminiHistory reports whether the conversation carries Gemini-style
// turns. Gemini signs tool_use blocks; Claude signs thinking blocks.
func HasGeminiHistory(messages []anthropic.Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant turn holds a
// thinking block that will be dropped for lacking a signature.
func HasUnsignedThinkingBlocks(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, block := range msg.Content {
			if isThinkingBlock(block) && !hasValidSignature(block) {
				return true
			}
		}
	}
	return false
}

// sanitizeThinkingBlock keeps only the fields the upstream accepts on a
// thinking block.
func sanitizeThinkingBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	switch block.Type {
	case "thinking":
		return anthropic.ContentBlock{
			Type:      "thinking",
			Thinking:  block.Thinking,
			Signature: block.Signature,
		}
	case "redacted_thinking":
		return anthropic.ContentBlock{
			Type: "redacted_thinking",
			Data: block.Data,
		}
	}
	return block
}

func sanitizeTextBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "text" {
		return block
	}
	return anthropic.ContentBlock{Type: "text", Text: block.Text}
}

func sanitizeToolUseBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "tool_use" {
		return block
	}
	sanitized := anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    block.ID,
		Name:  block.Name,
		Input: block.Input,
	}
	// Gemini needs the signature replayed on the tool call.
	if block.ThoughtSignature != "" {
		sanitized.ThoughtSignature = block.ThoughtSignature
	}
	return sanitized
}

// RestoreThinkingSignatures keeps only thinking blocks that carry a
// valid signature, sanitized down to the accepted field set.
func RestoreThinkingSignatures(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	filtered := make([]anthropic.ContentBlock, 0, len(content))
	for _, block := range content {
		if block.Type != "thinking" {
			filtered = append(filtered, block)
			continue
		}
		if hasValidSignature(block) {
			filtered = append(filtered, sanitizeThinkingBlock(block))
		}
	}

	if len(filtered) < len(content) {
		utils.Debug("[Thinking] Dropped %d unsigned thinking block(s)", len(content)-len(filtered))
	}
	return filtered
}

// RemoveTrailingThinkingBlocks trims unsigned thinking blocks off the
// end of an assistant turn. A signed block or any other type ends the
// scan.
func RemoveTrailingThinkingBlocks(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	end := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		block := content[i]
		if !isThinkingBlock(block) {
			break
		}
		if hasValidSignature(block) {
			break
		}
		end = i
	}

	if end < len(content) {
		utils.Debug("[Thinking] Removed %d trailing unsigned thinking block(s)", len(content)-end)
		return content[:end]
	}
	return content
}

// ReorderAssistantContent orders an assistant turn as thinking, then
// text, then tool_use, which is the order the upstream requires when
// thinking is enabled. Empty text blocks are dropped along the way.
func ReorderAssistantContent(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}
	if len(content) == 1 {
		block := content[0]
		if block.Type == "thinking" || block.Type == "redacted_thinking" {
			return []anthropic.ContentBlock{sanitizeThinkingBlock(block)}
		}
		return content
	}

	var thinkingBlocks, textBlocks, toolUseBlocks []anthropic.ContentBlock
	droppedEmpty := 0

	for _, block := range content {
		switch {
		case block.Type == "thinking" || block.Type == "redacted_thinking":
			thinkingBlocks = append(thinkingBlocks, sanitizeThinkingBlock(block))
		case block.Type == "tool_use":
			toolUseBlocks = append(toolUseBlocks, sanitizeToolUseBlock(block))
		case block.Type == "text":
			if block.Text != "" {
				textBlocks = append(textBlocks, sanitizeTextBlock(block))
			} else {
				droppedEmpty++
			}
		default:
			textBlocks = append(textBlocks, block)
		}
	}

	if droppedEmpty > 0 {
		utils.Debug("[Thinking] Dropped %d empty text block(s)", droppedEmpty)
	}

	reordered := make([]anthropic.ContentBlock, 0, len(thinkingBlocks)+len(textBlocks)+len(toolUseBlocks))
	reordered = append(reordered, thinkingBlocks...)
	reordered = append(reordered, textBlocks...)
	reordered = append(reordered, toolUseBlocks...)
	return reordered
}

// conversationState is the analysed shape of the conversation tail.
type conversationState struct {
	inToolLoop       bool
	interruptedTool  bool
	turnHasThinking  bool
	toolResultCount  int
	lastAssistantIdx int
}

func analyzeConversationState(messages []anthropic.Message) conversationState {
	state := conversationState{lastAssistantIdx: -1}
	if len(messages) == 0 {
		return state
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			state.lastAssistantIdx = i
			break
		}
	}
	if state.lastAssistantIdx == -1 {
		return state
	}

	lastAssistant := messages[state.lastAssistantIdx]
	hasToolUse := messageHasBlock(lastAssistant, "tool_use")
	state.turnHasThinking = messageHasValidThinking(lastAssistant)

	hasPlainUserAfter := false
	for i := state.lastAssistantIdx + 1; i < len(messages); i++ {
		if messageHasBlock(messages[i], "tool_result") {
			state.toolResultCount++
		}
		if isPlainUserMessage(messages[i]) {
			hasPlainUserAfter = true
		}
	}

	state.inToolLoop = hasToolUse && state.toolResultCount > 0
	// The user interrupted a pending tool call with a fresh message.
	state.interruptedTool = hasToolUse && state.toolResultCount == 0 && hasPlainUserAfter

	return state
}

func messageHasValidThinking(message anthropic.Message) bool {
	for _, block := range message.Content {
		if !isThinkingBlock(block) {
			continue
		}
		if hasValidSignature(block) {
			return true
		}
		if block.ThoughtSignature != "" && len(block.ThoughtSignature) >= config.MinSignatureLength {
			return true
		}
	}
	return false
}

func messageHasBlock(message anthropic.Message, blockType string) bool {
	for _, block := range message.Content {
		if block.Type == blockType {
			return true
		}
	}
	return false
}

func isPlainUserMessage(message anthropic.Message) bool {
	if message.Role != "user" {
		return false
	}
	return !messageHasBlock(message, "tool_result")
}

// NeedsThinkingRecovery reports whether the conversation is mid tool
// loop (or holds an interrupted tool call) with no valid thinking block
// to anchor the turn.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	state := analyzeConversationState(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return false
	}
	return !state.turnHasThinking
}

// stripInvalidThinkingBlocks removes unsigned thinking blocks, and for
// Gemini targets also blocks whose signature came from another family
// or an unknown origin. Claude validates its own signatures, so only
// the generic check applies there.
func stripInvalidThinkingBlocks(messages []anthropic.Message, targetFamily string) []anthropic.Message {
	stripped := 0
	cache := Signatures()

	result := make([]anthropic.Message, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Content) == 0 {
			result = append(result, msg)
			continue
		}

		filtered := make([]anthropic.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if !isThinkingBlock(block) {
				filtered = append(filtered, block)
				continue
			}
			if !hasValidSignature(block) {
				stripped++
				continue
			}
			if targetFamily == "gemini" {
				family := cache.ThinkingFamily(block.Signature)
				if family == "" || family != targetFamily {
					stripped++
					continue
				}
			}
			filtered = append(filtered, block)
		}

		// Claude rejects empty content arrays and empty text parts.
		if len(filtered) == 0 {
			filtered = []anthropic.ContentBlock{{Type: "text", Text: "."}}
		}
		result = append(result, anthropic.Message{Role: msg.Role, Content: filtered})
	}

	if stripped > 0 {
		utils.Debug("[Thinking] Stripped %d invalid thinking block(s)", stripped)
	}
	return result
}

// CloseToolLoopForThinking repairs a conversation whose thinking chain
// is broken mid tool loop by injecting synthetic turns, letting the
// model start fresh instead of the upstream rejecting the history.
func CloseToolLoopForThinking(messages []anthropic.Message, targetFamily string) []anthropic.Message {
	state := analyzeConversationState(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return messages
	}

	modified := stripInvalidThinkingBlocks(messages, targetFamily)

	if state.interruptedTool {
		// Acknowledge the dangling tool call before the user's new message.
		insertIdx := state.lastAssistantIdx + 1
		synthetic := anthropic.Message{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}

		patched := make([]anthropic.Message, 0, len(modified)+1)
		patched = append(patched, modified[:insertIdx]...)
		patched = append(patched, synthetic)
		patched = append(patched, modified[insertIdx:]...)
		modified = patched

		utils.Debug("[Thinking] Applied recovery for interrupted tool")
		return modified
	}

	syntheticText := "[Tool execution completed.]"
	if state.toolResultCount > 1 {
		syntheticText = fmt.Sprintf("[%d tool executions completed.]", state.toolResultCount)
	}

	modified = append(modified, anthropic.Message{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "text", Text: syntheticText}},
	})
	modified = append(modified, anthropic.Message{
		Role:    "user",
		Content: []anthropic.ContentBlock{{Type: "text", Text: "[Continue]"}},
	})

	utils.Debug("[Thinking] Applied recovery for tool loop")
	return modified
}
