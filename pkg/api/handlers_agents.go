package api

import (
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-pay/pkg/agents"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

const defaultActionLimit = 50

type registerAgentRequest struct {
	AgentID   string         `json:"agent_id"`
	PublicKey string         `json:"public_key"`
	Role      agents.Role    `json:"role"`
	Version   string         `json:"version"`
	Metadata  map[string]any `json:"metadata"`
}

// handleRegisterAgent registers or updates an agent. Agents may register
// themselves; admins may register anyone.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeBody(w, r, "register_agent", &req) {
		return
	}
	if !principal(r).CanActAs(req.AgentID) {
		WriteForbidden(w, "Agents may only register themselves")
		return
	}
	rec, err := s.deps.Registry.Register(r.Context(), agents.Record{
		AgentID:   req.AgentID,
		PublicKey: req.PublicKey,
		Role:      req.Role,
		Version:   req.Version,
		Metadata:  req.Metadata,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Registry.List(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*agents.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.deps.Registry.Lookup(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if !ok {
		WriteNotFound(w, "agent "+id+" is not registered")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsAdmin() {
		WriteForbidden(w, "Removing agents requires the admin role")
		return
	}
	if err := s.deps.Registry.Remove(r.Context(), r.PathValue("id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsAdmin() {
		WriteForbidden(w, "Changing agent status requires the admin role")
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if !decodeBody(w, r, "set_active", &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Registry.SetActive(r.Context(), id, req.Active); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "active": req.Active})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		WriteNotFound(w, "Action log is not enabled")
		return
	}
	id := r.PathValue("id")
	if !principal(r).CanActAs(id) {
		WriteForbidden(w, "Agents may only read their own actions")
		return
	}
	limit := defaultActionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.deps.Actions.List(r.Context(), id, limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "actions": list})
}

type spendingResponse struct {
	AgentID        string `json:"agent_id"`
	Restricted     bool   `json:"restricted"`
	Currency       string `json:"currency,omitempty"`
	Limit          string `json:"limit,omitempty"`
	Spent          string `json:"spent,omitempty"`
	Remaining      string `json:"remaining,omitempty"`
	LimitMinor     int64  `json:"limit_minor,omitempty"`
	SpentMinor     int64  `json:"spent_minor,omitempty"`
	RemainingMinor int64  `json:"remaining_minor,omitempty"`
}

func spendingView(agentID string, l *finance.SpendingLimit) (spendingResponse, error) {
	limit, err := finance.NewMoney(l.Limit, l.Currency)
	if err != nil {
		return spendingResponse{}, err
	}
	spent := limit
	spent.AmountMinor = l.Spent
	remaining := limit
	remaining.AmountMinor = l.Remaining()
	return spendingResponse{
		AgentID:        agentID,
		Restricted:     true,
		Currency:       l.Currency,
		Limit:          limit.Decimal(),
		Spent:          spent.Decimal(),
		Remaining:      remaining.Decimal(),
		LimitMinor:     l.Limit,
		SpentMinor:     l.Spent,
		RemainingMinor: l.Remaining(),
	}, nil
}

// handleGetSpending reports the agent's spending limit. Agents without a
// limit are unrestricted.
func (s *Server) handleGetSpending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !principal(r).CanActAs(id) {
		WriteForbidden(w, "Agents may only read their own spending")
		return
	}
	if s.deps.Budget == nil {
		writeJSON(w, http.StatusOK, spendingResponse{AgentID: id})
		return
	}
	l, err := s.deps.Budget.Get(r.Context(), id)
	if err != nil {
		if status, _ := classifyError(err); status == http.StatusNotFound {
			writeJSON(w, http.StatusOK, spendingResponse{AgentID: id})
			return
		}
		WriteDomainError(w, r, err)
		return
	}
	view, err := spendingView(id, l)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetSpendingLimit(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsAdmin() {
		WriteForbidden(w, "Setting spending limits requires the admin role")
		return
	}
	if s.deps.Budget == nil {
		WriteNotFound(w, "Spending limits are not enabled")
		return
	}
	var req struct {
		Limit    string `json:"limit"`
		Currency string `json:"currency"`
	}
	if !decodeBody(w, r, "set_spending_limit", &req) {
		return
	}
	limit, err := finance.ParseMoney(req.Limit, req.Currency)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Budget.SetLimit(r.Context(), id, limit); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	l, err := s.deps.Budget.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	view, err := spendingView(id, l)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
