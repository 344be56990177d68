package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

const defaultMandateExpiry = 24 * time.Hour

type createMandateRequest struct {
	Type        mandate.Type   `json:"mandate_type"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description"`
	ExpiryHours float64        `json:"expiry_hours"`
	Metadata    map[string]any `json:"metadata"`
}

// handleCreateMandate issues a mandate signed for the calling agent.
func (s *Server) handleCreateMandate(w http.ResponseWriter, r *http.Request) {
	var req createMandateRequest
	if !decodeBody(w, r, "create_mandate", &req) {
		return
	}
	amount, err := finance.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	ttl := defaultMandateExpiry
	if req.ExpiryHours > 0 {
		ttl = time.Duration(req.ExpiryHours * float64(time.Hour))
	}

	p := principal(r)
	m, err := s.authority(p.AgentID).Create(r.Context(), req.Type, amount, req.Description, s.clock().Add(ttl), req.Metadata)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Mandates.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type verifyMandateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// handleVerifyMandate checks a mandate presented by the caller. Invalid
// mandates are a normal answer, not an error.
func (s *Server) handleVerifyMandate(w http.ResponseWriter, r *http.Request) {
	var m mandate.Mandate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&m); err != nil {
		writeBadRequest(w, r, "Invalid mandate body")
		return
	}
	if m.ID == "" || m.AgentID == "" {
		writeBadRequest(w, r, "Mandate id and agent_id are required")
		return
	}

	resp := verifyMandateResponse{Valid: true}
	if err := s.authority(principal(r).AgentID).Check(r.Context(), &m); err != nil {
		if status, _ := classifyError(err); status == http.StatusInternalServerError {
			WriteInternal(w, err)
			return
		}
		resp = verifyMandateResponse{Valid: false, Reason: err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}
