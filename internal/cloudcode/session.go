package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/hollowb/antigravity-bridge/pkg/anthropic"
)

// DeriveSessionID returns a stable session id for a conversation. The
// upstream uses it for cache locality, so it must be identical across
// turns: it is hashed from the first user message's text, which never
// changes as the conversation grows. A request with no user text gets
// a random id.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	for _, msg := range request.Messages {
		if msg.Role != "user" {
			continue
		}

		var texts []string
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
		if len(texts) == 0 {
			break
		}

		sum := sha256.Sum256([]byte(strings.Join(texts, "\n")))
		return hex.EncodeToString(sum[:])[:32]
	}

	return uuid.New().String()
}
