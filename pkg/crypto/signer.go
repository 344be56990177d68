package crypto

import (
	"errors"
)

var ErrEmptySecret = errors.New("signing secret is empty")

// Signer signs arbitrary structured payloads on behalf of one agent.
type Signer interface {
	Sign(payload any) (string, error)
	AgentID() string
}

// SharedSecretSigner binds an agent id to the secret it signs with.
type SharedSecretSigner struct {
	agentID string
	secret  string
	hasher  *CanonicalHasher
}

// NewSharedSecretSigner returns a signer for agentID. The secret must be non-empty.
func NewSharedSecretSigner(agentID, secret string) (*SharedSecretSigner, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &SharedSecretSigner{
		agentID: agentID,
		secret:  secret,
		hasher:  NewCanonicalHasher(),
	}, nil
}

func (s *SharedSecretSigner) AgentID() string {
	return s.agentID
}

// Sign returns the hex digest of the canonical payload keyed with the agent secret.
func (s *SharedSecretSigner) Sign(payload any) (string, error) {
	return s.hasher.Digest(payload, s.secret)
}

// Verify checks a signature produced by this signer's secret.
func (s *SharedSecretSigner) Verify(payload any, signature string) bool {
	return Verify(payload, signature, s.secret)
}
