// Package settlement turns authorized payments into platform transfers.
//
// Bridge is the single place that touches the payment platform. It guards
// every transfer with an idempotency key, charges the payer's spending limit
// before the call and refunds it when the transfer fails.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm-pay/pkg/actions"
	"github.com/Mindburn-Labs/helm-pay/pkg/bridgeclient"
	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/idempotency"
)

var (
	ErrTransferFailed        = errors.New("transfer failed")
	ErrUnknownTransferStatus = errors.New("unknown transfer status")
	ErrTransferInFlight      = errors.New("transfer already in flight")
)

// TransferCreator is the slice of the platform client the bridge needs.
type TransferCreator interface {
	CreateTransfer(ctx context.Context, idempotencyKey, fromWallet, toWallet string, amount finance.Money) (*bridgeclient.Transfer, error)
}

// Bridge settles payments against the platform.
type Bridge struct {
	transfers TransferCreator
	idem      idempotency.Store
	budget    finance.Tracker
	actions   actions.Log
	mandates  consensus.MandateVerifier
	logger    *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithIdempotency guards transfers with s. Without it every call reaches the platform.
func WithIdempotency(s idempotency.Store) Option { return func(b *Bridge) { b.idem = s } }

// WithTracker enforces per-agent spending limits.
func WithTracker(t finance.Tracker) Option { return func(b *Bridge) { b.budget = t } }

// WithActionLog records direct payments.
func WithActionLog(l actions.Log) Option { return func(b *Bridge) { b.actions = l } }

// WithMandates resolves the mandates referenced by payment requests.
func WithMandates(m consensus.MandateVerifier) Option { return func(b *Bridge) { b.mandates = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// NewBridge creates a bridge over the given platform client.
func NewBridge(transfers TransferCreator, opts ...Option) *Bridge {
	b := &Bridge{
		transfers: transfers,
		logger:    slog.Default().With("component", "settlement"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// outcome is what the idempotency store remembers about a transfer.
type outcome struct {
	TransferID     string `json:"transfer_id"`
	TransferStatus string `json:"transfer_status"`
}

// Settle implements consensus.Settler. The transaction's initiator pays.
func (b *Bridge) Settle(ctx context.Context, tx *consensus.Transaction, fromWallet, toWallet string) (*consensus.Settlement, error) {
	out, err := b.transfer(ctx, "settlement:"+tx.ID, tx.InitiatorAgentID, fromWallet, toWallet, tx.Amount)
	if out == nil {
		return nil, err
	}
	return &consensus.Settlement{TransferID: out.TransferID, TransferStatus: out.TransferStatus}, err
}

// transfer performs at most one platform transfer per key.
func (b *Bridge) transfer(ctx context.Context, key, payer, fromWallet, toWallet string, amount finance.Money) (*outcome, error) {
	if b.idem != nil {
		rec, reserved, err := b.idem.Reserve(ctx, key, "")
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", key, err)
		}
		if !reserved {
			return b.replay(ctx, key, rec)
		}
	}

	if b.budget != nil {
		if err := b.budget.Consume(ctx, payer, amount); err != nil {
			b.release(ctx, key)
			return nil, fmt.Errorf("charge %s for %s: %w", payer, amount, err)
		}
	}

	tr, err := b.transfers.CreateTransfer(ctx, key, fromWallet, toWallet, amount)
	if err != nil {
		b.refund(ctx, payer, amount)
		// The platform deduplicates on the same key, so a retry is safe.
		b.release(ctx, key)
		return nil, fmt.Errorf("create transfer %s: %w", key, err)
	}

	out := &outcome{TransferID: tr.ID, TransferStatus: tr.Status}
	settleErr := classify(out)
	if settleErr != nil {
		b.refund(ctx, payer, amount)
	}
	b.complete(ctx, key, out, settleErr)

	b.logger.InfoContext(ctx, "transfer settled",
		"key", key,
		"payer", payer,
		"transfer_id", out.TransferID,
		"transfer_status", out.TransferStatus,
		"amount", amount.String(),
	)
	return out, settleErr
}

func (b *Bridge) replay(ctx context.Context, key string, rec *idempotency.Record) (*outcome, error) {
	if rec.State != idempotency.StateCompleted {
		return nil, fmt.Errorf("%w: %w: %s", ErrTransferInFlight, consensus.ErrSettlementRetryable, key)
	}
	var out outcome
	if err := json.Unmarshal(rec.Response, &out); err != nil {
		return nil, fmt.Errorf("decode recorded outcome for %s: %w", key, err)
	}
	b.logger.InfoContext(ctx, "replaying recorded transfer", "key", key, "transfer_id", out.TransferID)
	return &out, classify(&out)
}

// classify maps a platform status onto success or failure.
func classify(out *outcome) error {
	switch out.TransferStatus {
	case bridgeclient.TransferPending, bridgeclient.TransferCompleted:
		return nil
	case bridgeclient.TransferFailed:
		return fmt.Errorf("%w: transfer %s", ErrTransferFailed, out.TransferID)
	default:
		return fmt.Errorf("%w: %q for transfer %s", ErrUnknownTransferStatus, out.TransferStatus, out.TransferID)
	}
}

func (b *Bridge) complete(ctx context.Context, key string, out *outcome, settleErr error) {
	if b.idem == nil {
		return
	}
	status := http.StatusOK
	if settleErr != nil {
		status = http.StatusBadGateway
	}
	body, _ := json.Marshal(out)
	if err := b.idem.Complete(ctx, key, status, body); err != nil {
		b.logger.ErrorContext(ctx, "failed to record transfer outcome", "key", key, "error", err)
	}
}

func (b *Bridge) release(ctx context.Context, key string) {
	if b.idem == nil {
		return
	}
	if err := b.idem.Release(ctx, key); err != nil {
		b.logger.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
	}
}

func (b *Bridge) refund(ctx context.Context, payer string, amount finance.Money) {
	if b.budget == nil {
		return
	}
	if err := b.budget.Refund(ctx, payer, amount); err != nil {
		b.logger.ErrorContext(ctx, "failed to refund spending limit", "agent_id", payer, "amount", amount.String(), "error", err)
	}
}
