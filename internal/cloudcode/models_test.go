package cloudcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSupportedModel(t *testing.T) {
	assert.True(t, isSupportedModel("claude-sonnet-4-5"))
	assert.True(t, isSupportedModel("claude-opus-4-6-thinking"))
	assert.True(t, isSupportedModel("gemini-3-pro-high"))

	assert.False(t, isSupportedModel("gpt-4o"))
	assert.False(t, isSupportedModel(""))
}
