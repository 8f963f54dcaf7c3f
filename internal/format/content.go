package format

import (
	"encoding/json"
	"strings"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// ConvertRole maps an Anthropic role to the Google equivalent.
func ConvertRole(role string) string {
	if role == "assistant" || role == "model" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts converts one message's content blocks to Google
// parts. Images inside tool results are deferred to the end of the
// parts array; the upstream rejects inlineData mixed into a
// functionResponse run.
func ConvertContentToParts(content []anthropic.ContentBlock, isClaudeModel, isGeminiModel bool) []GeminiPart {
	parts := make([]GeminiPart, 0, len(content))
	var deferredImages []GeminiPart

	cache := Signatures()

	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, GeminiPart{Text: block.Text})
			}

		case "image", "document":
			if part, ok := mediaPart(block); ok {
				parts = append(parts, part)
			}

		case "tool_use":
			call := &FunctionCall{
				Name: block.Name,
				Args: decodeToolInput(block.Input),
			}
			if isClaudeModel && block.ID != "" {
				call.ID = block.ID
			}

			part := GeminiPart{FunctionCall: call}

			if isGeminiModel {
				// Priority: inline signature, then cache, then the skip sentinel.
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					if signature = cache.ToolSignature(block.ID); signature != "" {
						utils.Debug("[Format] Restored signature from cache for %s", block.ID)
					}
				}
				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}

			parts = append(parts, part)

		case "tool_result":
			resultText, images := flattenToolResult(block.Content)

			response := map[string]interface{}{"result": resultText}
			if resultText == "" && len(images) > 0 {
				response["result"] = "Image attached"
			}

			name := block.ToolUseID
			if name == "" {
				name = "unknown"
			}
			functionResponse := &FunctionResponse{Name: name, Response: response}
			if isClaudeModel && block.ToolUseID != "" {
				functionResponse.ID = block.ToolUseID
			}

			parts = append(parts, GeminiPart{FunctionResponse: functionResponse})
			deferredImages = append(deferredImages, images...)

		case "thinking":
			if !hasValidSignature(block) {
				continue // unsigned thinking never goes upstream
			}

			if isGeminiModel {
				family := cache.ThinkingFamily(block.Signature)
				if family != "" && family != "gemini" {
					utils.Debug("[Format] Dropping incompatible %s thinking for gemini model", family)
					continue
				}
				// Unknown origin is dropped too; Gemini hard-fails on
				// signatures it didn't mint.
				if family == "" {
					utils.Debug("[Format] Dropping thinking with unknown signature origin")
					continue
				}
			}

			parts = append(parts, GeminiPart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		}
	}

	return append(parts, deferredImages...)
}

// mediaPart converts an image or document block.
func mediaPart(block anthropic.ContentBlock) (GeminiPart, bool) {
	if block.Source == nil {
		return GeminiPart{}, false
	}

	switch block.Source.Type {
	case "base64":
		return GeminiPart{
			InlineData: &InlineData{
				MimeType: block.Source.MediaType,
				Data:     block.Source.Data,
			},
		}, true
	case "url":
		mimeType := block.Source.MediaType
		if mimeType == "" {
			if block.Type == "document" {
				mimeType = "application/pdf"
			} else {
				mimeType = "image/jpeg"
			}
		}
		return GeminiPart{
			FileData: &FileData{
				MimeType: mimeType,
				FileURI:  block.Source.URL,
			},
		}, true
	}
	return GeminiPart{}, false
}

func decodeToolInput(input json.RawMessage) map[string]interface{} {
	if len(input) == 0 {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil
	}
	return args
}

// flattenToolResult reduces tool_result content to a text payload plus
// any embedded base64 images.
func flattenToolResult(content any) (string, []GeminiPart) {
	switch c := content.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	case []anthropic.ContentBlock:
		var texts []string
		var images []GeminiPart
		for _, item := range c {
			if item.Type == "text" {
				texts = append(texts, item.Text)
			} else if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
				images = append(images, GeminiPart{
					InlineData: &InlineData{MimeType: item.Source.MediaType, Data: item.Source.Data},
				})
			}
		}
		return strings.Join(texts, "\n"), images
	case []interface{}:
		var texts []string
		var images []GeminiPart
		for _, item := range c {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "text":
				if text, ok := itemMap["text"].(string); ok {
					texts = append(texts, text)
				}
			case "image":
				if source, ok := itemMap["source"].(map[string]interface{}); ok && source["type"] == "base64" {
					mimeType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					images = append(images, GeminiPart{
						InlineData: &InlineData{MimeType: mimeType, Data: data},
					})
				}
			}
		}
		return strings.Join(texts, "\n"), images
	default:
		return "", nil
	}
}
