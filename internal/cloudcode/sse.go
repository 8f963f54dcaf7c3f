package cloudcode

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/hollowb/antigravity-bridge/internal/apperr"
	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/format"
	"github.com/hollowb/antigravity-bridge/internal/utils"
	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// scanner buffer sizing for large SSE frames.
const (
	sseScannerInitial = 64 * 1024
	sseScannerMax     = 1024 * 1024
)

func newSSEScanner(reader io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, sseScannerInitial), sseScannerMax)
	return scanner
}

// decodeSSELine extracts and decodes one "data:" frame, returning nil
// for non-data lines and unparseable payloads.
func decodeSSELine(line string) *format.GeminiResponse {
	if !strings.HasPrefix(line, "data:") {
		return nil
	}
	jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if jsonText == "" {
		return nil
	}

	var chunk format.GeminiResponse
	if err := json.Unmarshal([]byte(jsonText), &chunk); err != nil {
		utils.Warn("[CloudCode] SSE parse error: %v", err)
		return nil
	}
	return &chunk
}

func unwrapChunk(chunk *format.GeminiResponse) ([]format.Candidate, *format.UsageMetadata) {
	if chunk.Response != nil {
		return chunk.Response.Candidates, chunk.Response.UsageMetadata
	}
	return chunk.Candidates, chunk.UsageMetadata
}

// ParseThinkingSSEResponse reads an entire SSE stream and aggregates it
// into a single response. Thinking models only emit thought parts on
// the streaming endpoint, so the unary dispatch path fetches SSE and
// collapses it here.
func ParseThinkingSSEResponse(reader io.Reader) (*format.GeminiResponse, error) {
	var (
		parts        []format.GeminiPart
		thinkingText strings.Builder
		thinkingSig  string
		plainText    strings.Builder
		finishReason string
		usage        format.UsageMetadata
		sawUsage     bool
	)

	flushThinking := func() {
		if thinkingText.Len() == 0 {
			return
		}
		parts = append(parts, format.GeminiPart{
			Text:             thinkingText.String(),
			Thought:          true,
			ThoughtSignature: thinkingSig,
		})
		thinkingText.Reset()
		thinkingSig = ""
	}
	flushText := func() {
		if plainText.Len() == 0 {
			return
		}
		parts = append(parts, format.GeminiPart{Text: plainText.String()})
		plainText.Reset()
	}

	scanner := newSSEScanner(reader)
	for scanner.Scan() {
		chunk := decodeSSELine(scanner.Text())
		if chunk == nil {
			continue
		}

		candidates, chunkUsage := unwrapChunk(chunk)
		if chunkUsage != nil {
			sawUsage = true
			usage.PromptTokenCount = utils.MaxInt(usage.PromptTokenCount, chunkUsage.PromptTokenCount)
			usage.CandidatesTokenCount = utils.MaxInt(usage.CandidatesTokenCount, chunkUsage.CandidatesTokenCount)
			usage.CachedContentTokenCount = utils.MaxInt(usage.CachedContentTokenCount, chunkUsage.CachedContentTokenCount)
		}

		if len(candidates) == 0 {
			continue
		}
		candidate := candidates[0]
		if candidate.FinishReason != "" {
			finishReason = candidate.FinishReason
		}
		if candidate.Content == nil {
			continue
		}

		for _, part := range candidate.Content.Parts {
			switch {
			case part.Thought:
				flushText()
				thinkingText.WriteString(part.Text)
				if part.ThoughtSignature != "" {
					thinkingSig = part.ThoughtSignature
				}
			case part.FunctionCall != nil:
				flushThinking()
				flushText()
				parts = append(parts, part)
			case part.InlineData != nil:
				flushThinking()
				flushText()
				parts = append(parts, part)
			case part.Text != "":
				flushThinking()
				plainText.WriteString(part.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	flushThinking()
	flushText()

	if len(parts) == 0 {
		return nil, apperr.NewEmptyResponseError("No content parts received from API")
	}

	if finishReason == "" {
		finishReason = "STOP"
	}

	aggregated := &format.GeminiResponse{
		Candidates: []format.Candidate{{
			Content:      &format.CandidateContent{Parts: parts, Role: "model"},
			FinishReason: finishReason,
		}},
	}
	if sawUsage {
		aggregated.UsageMetadata = &usage
	}
	return aggregated, nil
}

// StreamSSEResponse reads an upstream SSE body and re-emits it as
// Anthropic streaming events. The error channel carries at most one
// error; an empty stream is reported as an EmptyResponseError so the
// caller can retry.
func StreamSSEResponse(reader io.Reader, originalModel string) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		emitter := newStreamEmitter(events, originalModel)

		scanner := newSSEScanner(reader)
		for scanner.Scan() {
			chunk := decodeSSELine(scanner.Text())
			if chunk == nil {
				continue
			}
			emitter.consume(chunk)
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !emitter.started {
			utils.Warn("[CloudCode] No content parts received, signalling retry")
			errs <- apperr.NewEmptyResponseError("No content parts received from API")
			return
		}

		emitter.finish()
	}()

	return events, errs
}

// streamEmitter tracks block state while translating Google SSE chunks
// into Anthropic events.
type streamEmitter struct {
	events chan<- *anthropic.SSEEvent
	model  string

	messageID   string
	started     bool
	blockIndex  int
	blockType   string // "", "thinking", "text", "tool_use", "image"
	thinkingSig string
	stopReason  string

	inputTokens     int
	outputTokens    int
	cacheReadTokens int
}

func newStreamEmitter(events chan<- *anthropic.SSEEvent, model string) *streamEmitter {
	return &streamEmitter{
		events:    events,
		model:     model,
		messageID: anthropic.GenerateMessageID(),
	}
}

func (e *streamEmitter) consume(chunk *format.GeminiResponse) {
	candidates, usage := unwrapChunk(chunk)

	if usage != nil {
		e.inputTokens = utils.MaxInt(e.inputTokens, usage.PromptTokenCount)
		e.outputTokens = utils.MaxInt(e.outputTokens, usage.CandidatesTokenCount)
		e.cacheReadTokens = utils.MaxInt(e.cacheReadTokens, usage.CachedContentTokenCount)
	}

	if len(candidates) == 0 {
		return
	}
	candidate := candidates[0]
	if candidate.Content == nil {
		e.noteFinish(candidate.FinishReason)
		return
	}

	parts := candidate.Content.Parts
	if !e.started && len(parts) > 0 {
		e.started = true
		e.events <- &anthropic.SSEEvent{
			Type: anthropic.SSEEventMessageStart,
			Message: &anthropic.MessagesResponse{
				ID:      e.messageID,
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ContentBlock{},
				Model:   e.model,
				Usage: &anthropic.Usage{
					InputTokens:          e.inputTokens - e.cacheReadTokens,
					CacheReadInputTokens: e.cacheReadTokens,
				},
			},
		}
	}

	for _, part := range parts {
		switch {
		case part.Thought:
			e.emitThinking(part)
		case part.FunctionCall != nil:
			e.emitToolUse(part)
		case part.InlineData != nil:
			e.emitImage(part)
		case part.Text != "":
			e.emitText(part.Text)
		}
	}

	e.noteFinish(candidate.FinishReason)
}

func (e *streamEmitter) noteFinish(reason string) {
	if reason == "" || e.stopReason != "" {
		return
	}
	switch reason {
	case "MAX_TOKENS":
		e.stopReason = "max_tokens"
	default:
		e.stopReason = "end_turn"
	}
}

// closeBlock flushes any pending thinking signature and ends the open
// content block.
func (e *streamEmitter) closeBlock() {
	if e.blockType == "" {
		return
	}
	if e.blockType == "thinking" && e.thinkingSig != "" {
		e.events <- &anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: e.blockIndex,
			Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: e.thinkingSig},
		}
		e.thinkingSig = ""
	}
	e.events <- &anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: e.blockIndex}
	e.blockIndex++
	e.blockType = ""
}

func (e *streamEmitter) openBlock(blockType string, block *anthropic.ContentBlock) {
	e.blockType = blockType
	e.events <- &anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        e.blockIndex,
		ContentBlock: block,
	}
}

func (e *streamEmitter) emitThinking(part format.GeminiPart) {
	if e.blockType != "thinking" {
		e.closeBlock()
		e.openBlock("thinking", &anthropic.ContentBlock{Type: "thinking"})
	}

	if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
		e.thinkingSig = sig
		family := config.GetModelFamily(e.model)
		format.Signatures().CacheThinkingFamily(sig, string(family))
	}

	e.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: e.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text},
	}
}

func (e *streamEmitter) emitText(text string) {
	if e.blockType != "text" {
		e.closeBlock()
		e.openBlock("text", &anthropic.ContentBlock{Type: "text"})
	}
	e.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: e.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "text_delta", Text: text},
	}
}

func (e *streamEmitter) emitToolUse(part format.GeminiPart) {
	e.closeBlock()
	e.stopReason = "tool_use"

	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = anthropic.GenerateToolUseID()
	}

	block := &anthropic.ContentBlock{
		Type: "tool_use",
		ID:   toolID,
		Name: part.FunctionCall.Name,
	}
	// Keep the signature on the block and in the cache; clients strip
	// the non-standard field when replaying history.
	if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
		block.ThoughtSignature = sig
		format.Signatures().CacheToolSignature(toolID, sig)
	}

	e.openBlock("tool_use", block)

	argsJSON, _ := json.Marshal(part.FunctionCall.Args)
	e.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: e.blockIndex,
		Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: string(argsJSON)},
	}
}

func (e *streamEmitter) emitImage(part format.GeminiPart) {
	e.closeBlock()
	e.openBlock("image", &anthropic.ContentBlock{
		Type: "image",
		Source: &anthropic.ImageSource{
			Type:      "base64",
			MediaType: part.InlineData.MimeType,
			Data:      part.InlineData.Data,
		},
	})
	e.closeBlock()
}

// finish closes the open block and emits the terminal events.
func (e *streamEmitter) finish() {
	e.closeBlock()

	stopReason := e.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	e.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{StopReason: stopReason},
		Usage: &anthropic.Usage{
			OutputTokens:         e.outputTokens,
			CacheReadInputTokens: e.cacheReadTokens,
		},
	}
	e.events <- &anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop}
}
