package mandate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// PaymentRequest is an X402-style agent-to-agent payment request. It may
// reference the mandate that authorizes it.
type PaymentRequest struct {
	RequestID      string         `json:"request_id"`
	Amount         finance.Money  `json:"amount"`
	RecipientAgent string         `json:"recipient_agent"`
	PaymentMethod  string         `json:"payment_method"`
	MandateID      string         `json:"mandate_id,omitempty"`
	Metadata       map[string]any `json:"metadata"`
}

// NewPaymentRequest builds a payment request with a fresh id.
func NewPaymentRequest(amount finance.Money, recipientAgent, paymentMethod, mandateID string, metadata map[string]any) (*PaymentRequest, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	if strings.TrimSpace(recipientAgent) == "" {
		return nil, fmt.Errorf("payment request: recipient agent is required")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &PaymentRequest{
		RequestID:      uuid.New().String(),
		Amount:         amount,
		RecipientAgent: recipientAgent,
		PaymentMethod:  paymentMethod,
		MandateID:      mandateID,
		Metadata:       metadata,
	}, nil
}

// CoveredBy reports whether m authorizes this request: same currency and an
// amount no larger than the mandate's.
func (r *PaymentRequest) CoveredBy(m *Mandate) bool {
	return m != nil &&
		m.Amount.Currency == r.Amount.Currency &&
		r.Amount.AmountMinor <= m.Amount.AmountMinor
}
