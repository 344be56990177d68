package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// Authority issues mandates on behalf of one agent and verifies mandates of
// any agent whose secret its resolver knows.
type Authority struct {
	agentID string
	secrets crypto.SecretResolver
	store   Store
	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithStore records every issued mandate in s.
func WithStore(s Store) Option {
	return func(a *Authority) { a.store = s }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(a *Authority) { a.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

// NewAuthority creates an authority issuing for agentID.
func NewAuthority(agentID string, secrets crypto.SecretResolver, opts ...Option) *Authority {
	a := &Authority{
		agentID: agentID,
		secrets: secrets,
		clock:   time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  slog.Default().With("component", "mandate"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Create issues a new signed mandate. The amount must be positive.
func (a *Authority) Create(
	ctx context.Context,
	typ Type,
	amount finance.Money,
	description string,
	expiry time.Time,
	metadata map[string]any,
) (*Mandate, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMandateType, typ)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	if expiry.IsZero() {
		return nil, ErrInvalidExpiry
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	secret, err := a.secrets.Secret(ctx, a.agentID)
	if err != nil {
		return nil, fmt.Errorf("create mandate: %w", err)
	}

	m := &Mandate{
		ID:          a.newID(),
		Type:        typ,
		AgentID:     a.agentID,
		Amount:      amount,
		Description: description,
		Expiry:      expiry.UTC().Round(0),
		Metadata:    metadata,
	}

	sig, err := crypto.NewCanonicalHasher().Digest(m.signingView(), secret)
	if err != nil {
		return nil, fmt.Errorf("sign mandate: %w", err)
	}
	m.Signature = sig

	if a.store != nil {
		if err := a.store.Save(ctx, m); err != nil {
			return nil, fmt.Errorf("record mandate %s: %w", m.ID, err)
		}
	}

	a.logger.InfoContext(ctx, "mandate issued",
		"mandate_id", m.ID,
		"agent_id", m.AgentID,
		"type", m.Type,
		"amount", m.Amount.String(),
		"expiry", m.Expiry,
	)
	return m, nil
}

// Check verifies expiry and signature, naming the failed invariant.
// The mandate is never modified.
func (a *Authority) Check(ctx context.Context, m *Mandate) error {
	if m == nil {
		return ErrMandateNotFound
	}
	if m.ExpiredAt(a.clock()) {
		return fmt.Errorf("%w: mandate %s expired at %s", ErrExpiredMandate, m.ID, m.Expiry.UTC().Format(time.RFC3339))
	}

	secret, err := a.secrets.Secret(ctx, m.AgentID)
	if err != nil {
		if errors.Is(err, crypto.ErrUnknownAgentSecret) {
			return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
		return fmt.Errorf("verify mandate %s: %w", m.ID, err)
	}
	if !crypto.Verify(m.signingView(), m.Signature, secret) {
		return fmt.Errorf("%w: mandate %s", ErrSignatureMismatch, m.ID)
	}
	return nil
}

// Verify reports whether m is unexpired and carries a valid signature.
func (a *Authority) Verify(ctx context.Context, m *Mandate) bool {
	return a.Check(ctx, m) == nil
}

// Lookup returns a previously issued mandate from the store.
func (a *Authority) Lookup(ctx context.Context, id string) (*Mandate, error) {
	if a.store == nil {
		return nil, fmt.Errorf("%w: %s (no issuance record configured)", ErrMandateNotFound, id)
	}
	return a.store.Get(ctx, id)
}
