// Package format converts between the Anthropic Messages API and the
// Google Generative AI wire format used by Cloud Code.
package format

import "encoding/json"

// GeminiRequest is a generateContent request body.
type GeminiRequest struct {
	Contents          []GeminiContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GeminiContent    `json:"systemInstruction,omitempty"`
	Tools             []GeminiTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// ToMap renders the request as a generic map so callers can graft on
// fields (sessionId, systemInstruction role) the struct doesn't model.
func (r *GeminiRequest) ToMap() map[string]interface{} {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]interface{}{}
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return map[string]interface{}{}
	}
	return result
}

// GeminiContent is one conversation turn in Google format.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is a single content part.
type GeminiPart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData is base64 media embedded in a part.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references media by URI.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// GenerationConfig carries sampling and budget knobs.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables thought output. Claude models expect the
// snake_case keys, Gemini the camelCase ones.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GeminiTool wraps function declarations.
type GeminiTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig carries function calling options.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig selects the calling mode.
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// GeminiResponse is a generateContent response, possibly wrapped in a
// Cloud Code "response" envelope.
type GeminiResponse struct {
	Response      *GeminiResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GeminiResponseInner is the unwrapped response body.
type GeminiResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one response alternative.
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent holds the candidate's parts.
type CandidateContent struct {
	Parts []GeminiPart `json:"parts,omitempty"`
	Role  string       `json:"role,omitempty"`
}

// UsageMetadata reports upstream token counts. promptTokenCount is the
// total including cache reads.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// GeminiResponseFromMap decodes a generic map into a GeminiResponse.
func GeminiResponseFromMap(data map[string]interface{}) *GeminiResponse {
	raw, err := json.Marshal(data)
	if err != nil {
		return &GeminiResponse{}
	}
	var response GeminiResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return &GeminiResponse{}
	}
	return &response
}
