package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
)

type initiateRequest struct {
	InitiatorAgentID string   `json:"initiator_agent_id"`
	Validators       []string `json:"validator_agents"`
	Amount           string   `json:"amount"`
	Currency         string   `json:"currency"`
	RequiredVotes    *int     `json:"required_votes"`
	MandateID        string   `json:"mandate_id"`
}

type initiateResponse struct {
	Transaction *consensus.Transaction `json:"transaction"`
	Security    security.Report        `json:"security"`
}

// handleInitiate opens a multi-agent transaction. The security report is
// returned alongside; warnings and errors in it do not block initiation.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !decodeBody(w, r, "initiate_transaction", &req) {
		return
	}
	p := principal(r)
	if req.InitiatorAgentID == "" {
		req.InitiatorAgentID = p.AgentID
	}
	if !p.CanActAs(req.InitiatorAgentID) {
		WriteForbidden(w, "Agents may only initiate transactions as themselves")
		return
	}
	amount, err := finance.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	tx, err := s.deps.Engine.Initiate(r.Context(), consensus.InitiateRequest{
		InitiatorAgentID: req.InitiatorAgentID,
		Validators:       req.Validators,
		Amount:           amount,
		RequiredVotes:    req.RequiredVotes,
		MandateID:        req.MandateID,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, initiateResponse{
		Transaction: tx,
		Security:    s.deps.Policy.ValidateTransaction(r.Context(), tx),
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	var filter consensus.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := consensus.ParseStatus(strings.ToUpper(raw))
		if err != nil {
			writeBadRequest(w, r, err.Error())
			return
		}
		filter = st
	}
	all, err := s.deps.Engine.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	out := []*consensus.Transaction{}
	for _, tx := range all {
		if filter == "" || tx.Status == filter {
			out = append(out, tx)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type voteRequest struct {
	ValidatorAgentID string `json:"validator_agent_id"`
	Vote             *bool  `json:"vote"`
	Signature        string `json:"signature"`
}

type voteResponse struct {
	TransactionID  string           `json:"transaction_id"`
	Status         consensus.Status `json:"status"`
	PositiveVotes  int              `json:"positive_votes"`
	RequiredVotes  int              `json:"required_votes"`
	ConsensusVotes []consensus.Vote `json:"consensus_votes"`
}

// handleVote admits a vote from the calling validator.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decodeBody(w, r, "vote", &req) {
		return
	}
	p := principal(r)
	if req.ValidatorAgentID == "" {
		req.ValidatorAgentID = p.AgentID
	}
	if !p.CanActAs(req.ValidatorAgentID) {
		WriteForbidden(w, "Validators may only vote as themselves")
		return
	}

	tx, err := s.deps.Engine.AdmitVote(r.Context(), r.PathValue("id"), req.ValidatorAgentID, *req.Vote, req.Signature)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResponse{
		TransactionID:  tx.ID,
		Status:         tx.Status,
		PositiveVotes:  tx.PositiveVotes(),
		RequiredVotes:  tx.RequiredVotes,
		ConsensusVotes: tx.Votes,
	})
}

// handleExecute settles an authorized transaction. Only its initiator or an
// admin may execute it.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromWalletID string `json:"from_wallet_id"`
		ToWalletID   string `json:"to_wallet_id"`
	}
	if !decodeBody(w, r, "execute", &req) {
		return
	}
	id := r.PathValue("id")
	tx, err := s.deps.Engine.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if !principal(r).CanActAs(tx.InitiatorAgentID) {
		WriteForbidden(w, "Only the initiator may execute a transaction")
		return
	}

	res, err := s.deps.Engine.Execute(r.Context(), id, req.FromWalletID, req.ToWalletID)
	if err != nil {
		var failure *consensus.SettlementFailure
		if errors.As(err, &failure) && res != nil {
			s.logger.WarnContext(r.Context(), "settlement failed", "transaction_id", id, "error", err)
			writeSettlementFailure(w, r, err, res)
			return
		}
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSecurityReport(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Policy.ValidateTransaction(r.Context(), tx))
}

type byzantineResponse struct {
	Valid        bool `json:"valid"`
	TotalAgents  int  `json:"total_agents"`
	FaultyAgents int  `json:"faulty_agents"`
	MaxFaulty    int  `json:"max_faulty"`
}

func (s *Server) handleByzantine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalAgents  int `json:"total_agents"`
		FaultyAgents int `json:"faulty_agents"`
	}
	if !decodeBody(w, r, "byzantine", &req) {
		return
	}
	writeJSON(w, http.StatusOK, byzantineResponse{
		Valid:        security.ValidateByzantineTolerance(req.TotalAgents, req.FaultyAgents),
		TotalAgents:  req.TotalAgents,
		FaultyAgents: req.FaultyAgents,
		MaxFaulty:    security.MaxFaulty(req.TotalAgents),
	})
}

// writeSettlementFailure answers 502 and carries the failed execution so the
// client can reconcile the transfer without another read.
func writeSettlementFailure(w http.ResponseWriter, r *http.Request, err error, res *consensus.ExecutionResult) {
	p := problem(http.StatusBadGateway, "settlement_failed", err.Error())
	p.Extensions = map[string]any{
		"transaction_id":     res.TransactionID,
		"transfer_id":        res.TransferID,
		"transaction_status": res.Status,
		"transfer_status":    res.TransferStatus,
		"consensus_votes":    res.ConsensusVotes,
		"required_votes":     res.RequiredVotes,
	}
	writeProblem(w, r, p)
}
