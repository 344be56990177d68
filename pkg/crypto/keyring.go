package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var ErrUnknownAgentSecret = errors.New("no secret known for agent")

// SecretResolver returns the shared secret an agent signs with.
type SecretResolver interface {
	Secret(ctx context.Context, agentID string) (string, error)
}

// KeyRing resolves agent secrets. Explicitly provisioned secrets win; when a
// master secret is configured, other agents get an HKDF-SHA256 derived secret
// so the service never has to store them.
type KeyRing struct {
	mu      sync.RWMutex
	secrets map[string]string
	master  []byte
}

// NewKeyRing creates a key ring. master may be empty to disable derivation.
func NewKeyRing(master string) *KeyRing {
	return &KeyRing{
		secrets: make(map[string]string),
		master:  []byte(master),
	}
}

// SetSecret provisions an explicit secret for agentID, replacing any previous one.
func (k *KeyRing) SetSecret(agentID, secret string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets[agentID] = secret
}

// RevokeSecret removes an explicit secret.
func (k *KeyRing) RevokeSecret(agentID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.secrets, agentID)
}

func (k *KeyRing) Secret(_ context.Context, agentID string) (string, error) {
	k.mu.RLock()
	secret, ok := k.secrets[agentID]
	k.mu.RUnlock()
	if ok {
		return secret, nil
	}
	if len(k.master) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgentSecret, agentID)
	}
	return DeriveAgentSecret(k.master, agentID)
}

// Signer returns a signer for agentID using the resolved secret.
func (k *KeyRing) Signer(ctx context.Context, agentID string) (*SharedSecretSigner, error) {
	secret, err := k.Secret(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return NewSharedSecretSigner(agentID, secret)
}

// DeriveAgentSecret derives a 32-byte per-agent secret from master, hex-encoded.
func DeriveAgentSecret(master []byte, agentID string) (string, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("helm-pay/agent-secret/v1:"+agentID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("derive agent secret: %w", err)
	}
	return hex.EncodeToString(out), nil
}
