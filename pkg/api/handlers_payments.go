package api

import (
	"net/http"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

type paymentRequest struct {
	Amount         string         `json:"amount"`
	Currency       string         `json:"currency"`
	RecipientAgent string         `json:"recipient_agent"`
	PaymentMethod  string         `json:"payment_method"`
	MandateID      string         `json:"mandate_id"`
	FromWalletID   string         `json:"from_wallet_id"`
	ToWalletID     string         `json:"to_wallet_id"`
	Metadata       map[string]any `json:"metadata"`
}

// handlePayment settles a direct X402 payment from the calling agent,
// authorized by one of its mandates.
func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settlement == nil {
		WriteNotFound(w, "Direct payments are not enabled")
		return
	}
	var req paymentRequest
	if !decodeBody(w, r, "payment", &req) {
		return
	}
	amount, err := finance.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	method := req.PaymentMethod
	if method == "" {
		method = "x402"
	}
	pr, err := mandate.NewPaymentRequest(amount, req.RecipientAgent, method, req.MandateID, req.Metadata)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	res, err := s.deps.Settlement.ProcessPayment(r.Context(), pr, principal(r).AgentID, req.FromWalletID, req.ToWalletID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
