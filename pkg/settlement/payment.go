package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-pay/pkg/actions"
	"github.com/Mindburn-Labs/helm-pay/pkg/bridgeclient"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

var (
	ErrMandateRequired   = errors.New("payment request does not reference a mandate")
	ErrMandateNotCovered = errors.New("mandate does not cover payment")
)

// PaymentResult is the outcome of a direct payment.
type PaymentResult struct {
	RequestID      string `json:"request_id"`
	TransferID     string `json:"transfer_id,omitempty"`
	TransferStatus string `json:"transfer_status,omitempty"`
	Status         string `json:"status"`
}

// ProcessPayment settles a direct agent-to-agent payment. The referenced
// mandate must be valid, belong to the payer and cover the requested amount.
func (b *Bridge) ProcessPayment(ctx context.Context, req *mandate.PaymentRequest, payerAgentID, fromWallet, toWallet string) (*PaymentResult, error) {
	if err := b.authorize(ctx, req, payerAgentID); err != nil {
		return nil, err
	}

	out, err := b.transfer(ctx, "payment:"+req.RequestID, payerAgentID, fromWallet, toWallet, req.Amount)

	res := &PaymentResult{RequestID: req.RequestID, Status: actions.StatusFailed}
	if out != nil {
		res.TransferID = out.TransferID
		res.TransferStatus = out.TransferStatus
		if err == nil {
			res.Status = out.TransferStatus
		}
	}
	if errors.Is(err, ErrTransferInFlight) {
		return nil, err
	}
	b.record(ctx, req, payerAgentID, res)
	return res, err
}

func (b *Bridge) authorize(ctx context.Context, req *mandate.PaymentRequest, payer string) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", mandate.ErrInvalidAmount, req.Amount)
	}
	if req.MandateID == "" {
		return fmt.Errorf("%w: request %s", ErrMandateRequired, req.RequestID)
	}
	if b.mandates == nil {
		return fmt.Errorf("payment request %s: no mandate verifier configured", req.RequestID)
	}
	m, err := b.mandates.Lookup(ctx, req.MandateID)
	if err != nil {
		return err
	}
	if err := b.mandates.Check(ctx, m); err != nil {
		return err
	}
	if m.AgentID != payer {
		return fmt.Errorf("%w: mandate %s belongs to %s, not %s", ErrMandateNotCovered, m.ID, m.AgentID, payer)
	}
	if !req.CoveredBy(m) {
		return fmt.Errorf("%w: mandate %s allows %s, request %s asks %s", ErrMandateNotCovered, m.ID, m.Amount, req.RequestID, req.Amount)
	}
	return nil
}

func (b *Bridge) record(ctx context.Context, req *mandate.PaymentRequest, payer string, res *PaymentResult) {
	if b.actions == nil {
		return
	}
	status := actions.StatusFailed
	switch res.Status {
	case bridgeclient.TransferCompleted:
		status = actions.StatusCompleted
	case bridgeclient.TransferPending:
		status = actions.StatusPending
	}
	a := &actions.Action{
		AgentID: payer,
		Type:    actions.TypeDirectPayment,
		Amount:  req.Amount,
		Status:  status,
		Metadata: map[string]any{
			"request_id":      req.RequestID,
			"mandate_id":      req.MandateID,
			"recipient_agent": req.RecipientAgent,
			"payment_method":  req.PaymentMethod,
			"transfer_id":     res.TransferID,
		},
	}
	if err := b.actions.Append(ctx, a); err != nil {
		b.logger.ErrorContext(ctx, "failed to record payment action", "request_id", req.RequestID, "error", err)
	}
}
