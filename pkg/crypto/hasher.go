package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher provides deterministic keyed digests for agent payloads.
type Hasher interface {
	Digest(v any, secret string) (string, error)
}

// CanonicalHasher computes SHA-256(canonical_bytes || secret), hex-encoded.
// This is a shared-secret construction: anyone able to verify can also sign.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Digest(v any, secret string) (string, error) {
	payload, err := CanonicalPayload(v)
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}

	sum := sha256.New()
	sum.Write(payload)
	sum.Write([]byte(secret))
	return hex.EncodeToString(sum.Sum(nil)), nil
}
