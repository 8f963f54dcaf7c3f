package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// defaultGeminiThinkingBudget applies when the client enables thinking
// without naming a budget.
const defaultGeminiThinkingBudget = 16000

// ConvertAnthropicToGemini converts a Messages API request to the
// Google generateContent format, applying cache_control cleaning,
// thinking recovery and reordering, signature filtering, and tool
// schema sanitisation along the way.
func ConvertAnthropicToGemini(request *anthropic.MessagesRequest) *GeminiRequest {
	messages := CleanCacheControl(request.Messages)

	modelFamily := config.GetModelFamily(request.Model)
	isClaudeModel := modelFamily == config.ModelFamilyClaude
	isGeminiModel := modelFamily == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(request.Model)

	geminiRequest := &GeminiRequest{
		Contents:         make([]GeminiContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	if systemParts := convertSystemContent(request.System); len(systemParts) > 0 {
		geminiRequest.SystemInstruction = &GeminiContent{Parts: systemParts}
	}

	if isClaudeModel && isThinking && len(request.Tools) > 0 {
		appendSystemHint(geminiRequest, interleavedThinkingHint)
	}

	processed := messages
	if isGeminiModel && isThinking && NeedsThinkingRecovery(messages) {
		utils.Debug("[Format] Applying thinking recovery for gemini")
		processed = CloseToolLoopForThinking(messages, "gemini")
	}
	// Claude only needs recovery after a cross-model switch or when
	// unsigned thinking blocks are about to be dropped.
	if isClaudeModel && isThinking && NeedsThinkingRecovery(messages) &&
		(HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)) {
		utils.Debug("[Format] Applying thinking recovery for claude")
		processed = CloseToolLoopForThinking(messages, "claude")
	}

	for _, msg := range processed {
		content := msg.Content
		if (msg.Role == "assistant" || msg.Role == "model") && len(content) > 0 {
			content = RestoreThinkingSignatures(content)
			content = RemoveTrailingThinkingBlocks(content)
			content = ReorderAssistantContent(content)
		}

		parts := ConvertContentToParts(content, isClaudeModel, isGeminiModel)
		if len(parts) == 0 {
			// The API requires at least one part per content entry.
			utils.Warn("[Format] Empty parts after filtering, adding placeholder")
			parts = append(parts, GeminiPart{Text: "."})
		}

		geminiRequest.Contents = append(geminiRequest.Contents, GeminiContent{
			Role:  ConvertRole(msg.Role),
			Parts: parts,
		})
	}

	if isClaudeModel {
		geminiRequest.Contents = dropUnsignedThoughtParts(geminiRequest.Contents)
	}

	applyGenerationConfig(geminiRequest.GenerationConfig, request)

	if isThinking {
		applyThinkingConfig(geminiRequest.GenerationConfig, request, isClaudeModel)
	}

	if len(request.Tools) > 0 {
		geminiRequest.Tools = []GeminiTool{{FunctionDeclarations: convertTools(request.Tools)}}
		if isClaudeModel {
			geminiRequest.ToolConfig = &ToolConfig{
				FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
			}
		}
	}

	if isGeminiModel && geminiRequest.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		utils.Debug("[Format] Capping gemini max_tokens from %d to %d",
			geminiRequest.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
		geminiRequest.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return geminiRequest
}

// convertSystemContent accepts the string shorthand and the block-array
// form of the system field.
func convertSystemContent(system anthropic.SystemContent) []GeminiPart {
	var parts []GeminiPart

	switch s := system.(type) {
	case nil:
	case string:
		if s != "" {
			parts = append(parts, GeminiPart{Text: s})
		}
	case []interface{}:
		for _, block := range s {
			blockMap, ok := block.(map[string]interface{})
			if !ok || blockMap["type"] != "text" {
				continue
			}
			if text, ok := blockMap["text"].(string); ok {
				parts = append(parts, GeminiPart{Text: text})
			}
		}
	case []anthropic.ContentBlock:
		for _, block := range s {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, GeminiPart{Text: block.Text})
			}
		}
	}

	return parts
}

func appendSystemHint(request *GeminiRequest, hint string) {
	if request.SystemInstruction == nil {
		request.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: hint}}}
		return
	}
	parts := request.SystemInstruction.Parts
	if len(parts) > 0 && parts[len(parts)-1].Text != "" {
		parts[len(parts)-1].Text += "\n\n" + hint
		return
	}
	request.SystemInstruction.Parts = append(parts, GeminiPart{Text: hint})
}

func applyGenerationConfig(cfg *GenerationConfig, request *anthropic.MessagesRequest) {
	if request.MaxTokens > 0 {
		cfg.MaxOutputTokens = request.MaxTokens
	}
	cfg.Temperature = request.Temperature
	cfg.TopP = request.TopP
	cfg.TopK = request.TopK
	if len(request.StopSequences) > 0 {
		cfg.StopSequences = request.StopSequences
	}
}

func applyThinkingConfig(cfg *GenerationConfig, request *anthropic.MessagesRequest, isClaudeModel bool) {
	if isClaudeModel {
		thinkingConfig := &ThinkingConfig{IncludeThoughts: true}

		var budget int
		if request.Thinking != nil {
			budget = request.Thinking.BudgetTokens
		}
		if budget > 0 {
			thinkingConfig.ThinkingBudget = budget

			// The API requires max_tokens > thinking_budget.
			if cfg.MaxOutputTokens > 0 && cfg.MaxOutputTokens <= budget {
				adjusted := budget + 8192
				utils.Warn("[Format] max_tokens (%d) <= thinking_budget (%d), adjusting to %d",
					cfg.MaxOutputTokens, budget, adjusted)
				cfg.MaxOutputTokens = adjusted
			}
		}
		cfg.ThinkingConfig = thinkingConfig
		return
	}

	budget := defaultGeminiThinkingBudget
	if request.Thinking != nil && request.Thinking.BudgetTokens > 0 {
		budget = request.Thinking.BudgetTokens
	}
	cfg.ThinkingConfig = &ThinkingConfig{
		IncludeThoughtsGemini: true,
		ThinkingBudgetGemini:  budget,
	}
}

func convertTools(tools []anthropic.Tool) []FunctionDeclaration {
	declarations := make([]FunctionDeclaration, 0, len(tools))

	for idx, tool := range tools {
		name := tool.Name
		if name == "" {
			name = fmt.Sprintf("tool-%d", idx)
		}

		var schema map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				utils.Warn("[Format] Bad input_schema for tool %s: %v", name, err)
				schema = map[string]interface{}{"type": "object"}
			}
		}

		parameters := CleanSchema(SanitizeSchema(schema))

		declarations = append(declarations, FunctionDeclaration{
			Name:        cleanToolName(name),
			Description: tool.Description,
			Parameters:  parameters,
		})
	}

	return declarations
}

// dropUnsignedThoughtParts removes thought parts without a full-length
// signature from the converted contents.
func dropUnsignedThoughtParts(contents []GeminiContent) []GeminiContent {
	result := make([]GeminiContent, 0, len(contents))

	for _, content := range contents {
		parts := make([]GeminiPart, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part.Thought {
				if part.ThoughtSignature == "" || len(part.ThoughtSignature) < config.MinSignatureLength {
					utils.Debug("[Format] Dropping unsigned thought part")
					continue
				}
			}
			parts = append(parts, part)
		}
		result = append(result, GeminiContent{Role: content.Role, Parts: parts})
	}

	return result
}

// cleanToolName restricts a tool name to the accepted character set and
// length.
func cleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
