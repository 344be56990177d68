// Package mandate issues and verifies signed, time-bounded payment mandates.
//
// A mandate is an agent's authorization to spend up to a bounded amount. It
// is signed once at issuance and never mutated afterwards; verification only
// reads it.
package mandate

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// Type distinguishes an open-ended intent from a concrete cart authorization.
type Type string

const (
	TypeIntent Type = "intent"
	TypeCart   Type = "cart"
)

// Valid reports whether t is one of the known mandate types.
func (t Type) Valid() bool {
	switch t {
	case TypeIntent, TypeCart:
		return true
	}
	return false
}

var (
	ErrInvalidAmount      = errors.New("mandate amount must be positive")
	ErrInvalidMandateType = errors.New("unknown mandate type")
	ErrInvalidExpiry      = errors.New("mandate expiry is required")
	ErrExpiredMandate     = errors.New("mandate has expired")
	ErrSignatureMismatch  = errors.New("mandate signature does not match its contents")
	ErrMandateNotFound    = errors.New("mandate not found")
)

// Mandate is a signed spending authorization.
type Mandate struct {
	ID          string         `json:"id"`
	Type        Type           `json:"mandate_type"`
	AgentID     string         `json:"agent_id"`
	Amount      finance.Money  `json:"amount"`
	Description string         `json:"description"`
	Expiry      time.Time      `json:"expiry"`
	Signature   string         `json:"signature"`
	Metadata    map[string]any `json:"metadata"`
}

// Currency is a shorthand for m.Amount.Currency.
func (m *Mandate) Currency() string {
	return m.Amount.Currency
}

// ExpiredAt reports whether the mandate is no longer valid at now.
// A mandate is valid only while now < expiry.
func (m *Mandate) ExpiredAt(now time.Time) bool {
	return !now.Before(m.Expiry)
}

// signingView is the exact field set covered by the signature. Expiry is
// rendered in UTC so that a mandate survives a JSON round trip through a
// client in another timezone.
type signingView struct {
	ID          string         `json:"id"`
	Type        Type           `json:"mandate_type"`
	AgentID     string         `json:"agent_id"`
	Amount      finance.Money  `json:"amount"`
	Description string         `json:"description"`
	Expiry      string         `json:"expiry"`
	Metadata    map[string]any `json:"metadata"`
}

func (m *Mandate) signingView() signingView {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return signingView{
		ID:          m.ID,
		Type:        m.Type,
		AgentID:     m.AgentID,
		Amount:      m.Amount,
		Description: m.Description,
		Expiry:      m.Expiry.UTC().Format(time.RFC3339Nano),
		Metadata:    meta,
	}
}
