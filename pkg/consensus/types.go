// Package consensus runs the multi-agent authorization state machine.
//
// A transaction is opened against a fixed validator set and a required vote
// count. Validators vote once each; reaching the quorum authorizes the
// transaction, exhausting the validator set without it fails the transaction.
// An authorized transaction is settled exactly once and ends COMPLETED or
// FAILED.
//
//	PENDING ──quorum──▶ AUTHORIZED ──settled──▶ COMPLETED
//	   │                    │
//	   └──no quorum/expired─┴──settlement error──▶ FAILED
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// Status is the lifecycle state of a multi-agent transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusPending, StatusAuthorized:
		return false
	}
	panic(fmt.Sprintf("consensus: unknown status %q", string(s)))
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAuthorized || to == StatusFailed
	case StatusAuthorized:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	}
	return false
}

var (
	ErrInvalidValidatorSet  = errors.New("invalid validator set")
	ErrNotAValidator        = errors.New("agent is not a validator for this transaction")
	ErrDuplicateVote        = errors.New("agent has already voted on this transaction")
	ErrTerminalTransaction  = errors.New("transaction is in a terminal state")
	ErrNotAuthorized        = errors.New("transaction is not authorized")
	ErrSettlementInProgress = errors.New("settlement already in progress")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInvalidAmount        = errors.New("transaction amount must be positive")
	ErrMandateMismatch      = errors.New("transaction does not match referenced mandate")
	ErrSignatureMismatch    = errors.New("vote signature does not verify")
	ErrSettlementRetryable  = errors.New("settlement outcome not yet known")
)

// SettlementFailure wraps the collaborator error that failed a transaction.
type SettlementFailure struct {
	TransactionID string
	TransferID    string
	Err           error
}

func (e *SettlementFailure) Error() string {
	if e.TransferID != "" {
		return fmt.Sprintf("settlement of transaction %s failed (transfer %s): %v", e.TransactionID, e.TransferID, e.Err)
	}
	return fmt.Sprintf("settlement of transaction %s failed: %v", e.TransactionID, e.Err)
}

func (e *SettlementFailure) Unwrap() error { return e.Err }

// Vote is one validator's decision. Votes are never withdrawn or replaced.
type Vote struct {
	AgentID   string    `json:"agent_id"`
	Approve   bool      `json:"vote"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction is a multi-agent payment under consensus.
type Transaction struct {
	ID               string        `json:"transaction_id"`
	InitiatorAgentID string        `json:"initiator_agent_id"`
	Validators       []string      `json:"validator_agents"`
	RequiredVotes    int           `json:"required_votes"`
	Votes            []Vote        `json:"consensus_votes"`
	Status           Status        `json:"status"`
	Amount           finance.Money `json:"amount"`
	MandateID        string        `json:"mandate_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	TransferID       string        `json:"transfer_id,omitempty"`
	TransferStatus   string        `json:"transfer_status,omitempty"`
	FailureReason    string        `json:"failure_reason,omitempty"`
}

// IsValidator reports whether agentID belongs to the validator set.
func (t *Transaction) IsValidator(agentID string) bool {
	for _, v := range t.Validators {
		if v == agentID {
			return true
		}
	}
	return false
}

// HasVoted reports whether agentID has a recorded vote.
func (t *Transaction) HasVoted(agentID string) bool {
	for _, v := range t.Votes {
		if v.AgentID == agentID {
			return true
		}
	}
	return false
}

// PositiveVotes counts approving votes.
func (t *Transaction) PositiveVotes() int {
	n := 0
	for _, v := range t.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Validators = append([]string(nil), t.Validators...)
	c.Votes = append([]Vote(nil), t.Votes...)
	return &c
}

// ExecutionResult is returned by Engine.Execute.
type ExecutionResult struct {
	TransactionID  string `json:"transaction_id"`
	TransferID     string `json:"transfer_id"`
	Status         Status `json:"status"`
	TransferStatus string `json:"transfer_status"`
	ConsensusVotes int    `json:"consensus_votes"`
	RequiredVotes  int    `json:"required_votes"`
}
