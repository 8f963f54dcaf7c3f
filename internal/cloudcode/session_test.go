package cloudcode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

func userMessage(texts ...string) anthropic.Message {
	blocks := make([]anthropic.ContentBlock, 0, len(texts))
	for _, text := range texts {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
	}
	return anthropic.Message{Role: "user", Content: blocks}
}

func TestDeriveSessionIDStableAcrossTurns(t *testing.T) {
	first := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{userMessage("hello world")},
	}
	later := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			userMessage("hello world"),
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
			userMessage("second turn"),
		},
	}

	id1 := DeriveSessionID(first)
	id2 := DeriveSessionID(later)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 32)
}

func TestDeriveSessionIDDiffersPerConversation(t *testing.T) {
	a := &anthropic.MessagesRequest{Messages: []anthropic.Message{userMessage("conversation a")}}
	b := &anthropic.MessagesRequest{Messages: []anthropic.Message{userMessage("conversation b")}}

	assert.NotEqual(t, DeriveSessionID(a), DeriveSessionID(b))
}

func TestDeriveSessionIDJoinsTextBlocks(t *testing.T) {
	joined := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{userMessage("part one", "part two")},
	}
	single := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{userMessage("part one\npart two")},
	}

	assert.Equal(t, DeriveSessionID(single), DeriveSessionID(joined))
}

func TestDeriveSessionIDSkipsAssistantMessages(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "preamble"}}},
			userMessage("the real start"),
		},
	}
	direct := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{userMessage("the real start")},
	}

	assert.Equal(t, DeriveSessionID(direct), DeriveSessionID(request))
}

func TestDeriveSessionIDRandomWithoutUserText(t *testing.T) {
	request := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "image"}}},
		},
	}

	id1 := DeriveSessionID(request)
	id2 := DeriveSessionID(request)

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}
