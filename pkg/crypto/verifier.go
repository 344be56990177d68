package crypto

import (
	"crypto/subtle"
)

// Verifier checks a payload signature with a caller-supplied secret.
type Verifier interface {
	Verify(payload any, signature, secret string) bool
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(payload any, signature, secret string) bool

func (f VerifierFunc) Verify(payload any, signature, secret string) bool {
	return f(payload, signature, secret)
}

// DefaultVerifier recomputes the canonical digest.
var DefaultVerifier Verifier = VerifierFunc(Verify)

// Verify recomputes the digest of payload under secret and compares it with
// signature in constant time. Unserializable payloads never verify.
func Verify(payload any, signature, secret string) bool {
	if signature == "" {
		return false
	}
	expected, err := NewCanonicalHasher().Digest(payload, secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
