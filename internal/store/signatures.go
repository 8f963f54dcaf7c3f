package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/config"
)

// SignatureStore mirrors thinking/tool signature metadata into Redis so
// multi-turn conversations survive a restart. The format layer keeps
// its own in-process cache and consults this one on misses.
type SignatureStore struct {
	client *Client
}

// NewSignatureStore creates a SignatureStore; client may be nil.
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

func signatureTTL() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// Signatures can be several KB; key by hash.
func hashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}

// GetToolSignature returns the cached thoughtSignature for a tool use
// id, or empty.
func (s *SignatureStore) GetToolSignature(ctx context.Context, toolUseID string) string {
	if s == nil || s.client == nil {
		return ""
	}
	sig, err := s.client.GetString(ctx, PrefixSignatureTool+toolUseID)
	if err != nil {
		return ""
	}
	return sig
}

// SetToolSignature caches a thoughtSignature for a tool use id.
func (s *SignatureStore) SetToolSignature(ctx context.Context, toolUseID, signature string) {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.SetString(ctx, PrefixSignatureTool+toolUseID, signature, signatureTTL())
}

// GetThinkingSignatureFamily returns the model family that produced a
// thinking signature, or empty when unknown.
func (s *SignatureStore) GetThinkingSignatureFamily(ctx context.Context, signature string) string {
	if s == nil || s.client == nil {
		return ""
	}
	family, err := s.client.GetString(ctx, PrefixSignatureThinking+hashSignature(signature))
	if err != nil {
		return ""
	}
	return family
}

// SetThinkingSignatureFamily records which family produced a signature.
func (s *SignatureStore) SetThinkingSignatureFamily(ctx context.Context, signature, modelFamily string) {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.SetString(ctx, PrefixSignatureThinking+hashSignature(signature), modelFamily, signatureTTL())
}
