// Package sse writes Anthropic-format Server-Sent Events responses.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// Writer wraps an http.ResponseWriter for SSE streaming.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates a Writer, failing when the underlying writer
// cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers. Must run before the first
// event is written.
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one translated event and flushes it.
func (sw *Writer) WriteEvent(event *anthropic.SSEEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError writes a terminal error event for mid-stream failures.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventError,
		Error: &anthropic.SSEError{Type: errorType, Message: message},
	})
}

// Flush flushes any buffered data.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
