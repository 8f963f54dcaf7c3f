// Package anthropic defines the Messages API wire types served by the bridge.
package anthropic

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// Message is one turn of an Anthropic conversation.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// message mirrors Message for raw decoding.
type messageAlias struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// UnmarshalJSON accepts both the array form and the shorthand string form
// of message content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var alias messageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	m.Role = alias.Role
	if len(alias.Content) == 0 {
		m.Content = nil
		return nil
	}
	if alias.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(alias.Content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: "text", Text: text}}
		return nil
	}
	return json.Unmarshal(alias.Content, &m.Content)
}

// ContentBlock is a single content element inside a message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"` // string or []ContentBlock
	IsError   bool   `json:"is_error,omitempty"`

	// Gemini function-call signature
	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	// image / document
	Source *ImageSource `json:"source,omitempty"`

	// prompt caching marker, stripped before upstream dispatch
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource holds image or document payload data.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// CacheControl marks a block for prompt caching.
type CacheControl struct {
	Type string `json:"type"`
}

// Tool describes a callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice expresses the caller's tool preference.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// ThinkingConfig enables extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SystemContent is either a string or an array of content blocks.
type SystemContent interface{}

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	System        SystemContent   `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries request tracking fields.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesResponse is the body of a successful POST /v1/messages.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Usage reports token accounting for one response.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// SSEEventType names a streaming event.
type SSEEventType string

const (
	SSEEventMessageStart      SSEEventType = "message_start"
	SSEEventContentBlockStart SSEEventType = "content_block_start"
	SSEEventContentBlockDelta SSEEventType = "content_block_delta"
	SSEEventContentBlockStop  SSEEventType = "content_block_stop"
	SSEEventMessageDelta      SSEEventType = "message_delta"
	SSEEventMessageStop       SSEEventType = "message_stop"
	SSEEventPing              SSEEventType = "ping"
	SSEEventError             SSEEventType = "error"
)

// SSEEvent is one Anthropic-format streaming event.
type SSEEvent struct {
	Type         SSEEventType      `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        int               `json:"index,omitempty"`
	Delta        *ContentDelta     `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Error        *SSEError         `json:"error,omitempty"`
}

// ContentDelta carries incremental content inside streaming events.
// Type is empty on message_delta payloads, which carry only the stop
// reason.
type ContentDelta struct {
	Type             string `json:"type,omitempty"`
	Text             string `json:"text,omitempty"`
	Thinking         string `json:"thinking,omitempty"`
	Signature        string `json:"signature,omitempty"`
	PartialJSON      string `json:"partial_json,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

// SSEError is the payload of a streaming error event.
type SSEError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the Anthropic-style error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error type and message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(errorType, message string) *ErrorResponse {
	return &ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errorType, Message: message},
	}
}

// NewMessagesResponse builds a response envelope.
func NewMessagesResponse(id, model string, content []ContentBlock, stopReason string, usage *Usage) *MessagesResponse {
	return &MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReason,
		Usage:      usage,
	}
}

// IsToolUse reports whether the block is a tool invocation.
func (cb *ContentBlock) IsToolUse() bool { return cb.Type == "tool_use" }

// IsToolResult reports whether the block is a tool result.
func (cb *ContentBlock) IsToolResult() bool { return cb.Type == "tool_result" }

// IsText reports whether the block is plain text.
func (cb *ContentBlock) IsText() bool { return cb.Type == "text" }

// IsThinking reports whether the block is a thinking block.
func (cb *ContentBlock) IsThinking() bool { return cb.Type == "thinking" }

// GenerateMessageID returns a fresh "msg_" id.
func GenerateMessageID() string {
	return "msg_" + randomHex(24)
}

// GenerateToolUseID returns a fresh "toolu_" id.
func GenerateToolUseID() string {
	return "toolu_" + randomHex(24)
}

func randomHex(length int) string {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = byte(i * 31)
		}
	}
	return hex.EncodeToString(buf)[:length]
}

// CloneContentBlock deep-copies a content block.
func CloneContentBlock(cb ContentBlock) ContentBlock {
	clone := cb
	if cb.Input != nil {
		clone.Input = make(json.RawMessage, len(cb.Input))
		copy(clone.Input, cb.Input)
	}
	if cb.Source != nil {
		src := *cb.Source
		clone.Source = &src
	}
	if cb.CacheControl != nil {
		cc := *cb.CacheControl
		clone.CacheControl = &cc
	}
	return clone
}

// CloneMessage deep-copies a message.
func CloneMessage(msg Message) Message {
	clone := msg
	clone.Content = make([]ContentBlock, len(msg.Content))
	for i, cb := range msg.Content {
		clone.Content[i] = CloneContentBlock(cb)
	}
	return clone
}
