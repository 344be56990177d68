package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-pay/pkg/actions"
	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
)

// DefaultByzantineThreshold is the fraction of validators whose approval is
// required when the caller does not set a vote count.
const DefaultByzantineThreshold = 0.67

// ReasonExpired is the failure reason of a transaction failed by ExpirePending.
const ReasonExpired = "expired"

// Settlement is what a Settler reports for a transfer it attempted.
type Settlement struct {
	TransferID     string
	TransferStatus string
}

// Settler moves the funds of an authorized transaction. A non-nil error means
// the transfer failed; the returned Settlement may still carry the transfer id.
//
// An error wrapping ErrSettlementRetryable means the outcome is not known yet
// and the transaction stays AUTHORIZED; any other error fails it.
type Settler interface {
	Settle(ctx context.Context, tx *Transaction, fromWallet, toWallet string) (*Settlement, error)
}

// MandateVerifier resolves and checks mandates referenced at initiation.
type MandateVerifier interface {
	Lookup(ctx context.Context, id string) (*mandate.Mandate, error)
	Check(ctx context.Context, m *mandate.Mandate) error
}

// InitiateRequest opens a multi-agent transaction.
type InitiateRequest struct {
	InitiatorAgentID string
	Validators       []string
	Amount           finance.Money
	// RequiredVotes overrides the threshold-derived quorum when non-nil.
	RequiredVotes *int
	MandateID     string
}

// entry serializes all mutation of one transaction.
type entry struct {
	mu       sync.Mutex
	tx       *Transaction
	settling bool
}

// Engine owns the lifecycle of multi-agent transactions.
type Engine struct {
	mu      sync.Mutex
	entries map[string]*entry

	settler    Settler
	threshold  float64
	pendingTTL time.Duration
	store      Store
	secrets    crypto.SecretResolver
	mandates   MandateVerifier
	actions    actions.Log
	obs        *observability.Provider
	clock      func() time.Time
	newID      func() string
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the fraction used to derive the default quorum.
func WithThreshold(f float64) Option { return func(e *Engine) { e.threshold = f } }

// WithStore persists every transition.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithVoteSecrets enables vote signature verification.
func WithVoteSecrets(r crypto.SecretResolver) Option { return func(e *Engine) { e.secrets = r } }

// WithMandates lets Initiate reference issued mandates.
func WithMandates(m MandateVerifier) Option { return func(e *Engine) { e.mandates = m } }

// WithActionLog records consensus outcomes and settlements per initiator.
func WithActionLog(l actions.Log) Option { return func(e *Engine) { e.actions = l } }

// WithObservability records spans and transition metrics.
func WithObservability(p *observability.Provider) Option { return func(e *Engine) { e.obs = p } }

// WithPendingTTL makes ExpirePending fail transactions left PENDING longer than ttl.
// Zero disables expiry.
func WithPendingTTL(ttl time.Duration) Option { return func(e *Engine) { e.pendingTTL = ttl } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an engine that settles through settler.
func NewEngine(settler Settler, opts ...Option) *Engine {
	e := &Engine{
		entries:   make(map[string]*entry),
		settler:   settler,
		threshold: DefaultByzantineThreshold,
		obs:       observability.Noop(),
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
		logger:    slog.Default().With("component", "consensus"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DefaultRequiredVotes is floor(validators × threshold), clamped to [0, validators].
func DefaultRequiredVotes(validators int, threshold float64) int {
	// The epsilon absorbs binary representation error, e.g. 10 × 0.7.
	r := int(math.Floor(float64(validators)*threshold + 1e-9))
	if r < 0 {
		return 0
	}
	if r > validators {
		return validators
	}
	return r
}

// Initiate opens a new transaction. With zero required votes the transaction
// is authorized at initiation.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	if len(req.Validators) == 0 {
		return nil, fmt.Errorf("%w: at least one validator is required", ErrInvalidValidatorSet)
	}
	seen := make(map[string]struct{}, len(req.Validators))
	for _, v := range req.Validators {
		if v == "" {
			return nil, fmt.Errorf("%w: empty validator id", ErrInvalidValidatorSet)
		}
		if _, dup := seen[v]; dup {
			return nil, fmt.Errorf("%w: validator %q listed more than once", ErrInvalidValidatorSet, v)
		}
		seen[v] = struct{}{}
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, req.Amount)
	}

	n := len(req.Validators)
	required := DefaultRequiredVotes(n, e.threshold)
	if req.RequiredVotes != nil {
		required = *req.RequiredVotes
		if required < 0 || required > n {
			return nil, fmt.Errorf("%w: required votes %d outside [0, %d]", ErrInvalidValidatorSet, required, n)
		}
	}

	if req.MandateID != "" {
		if err := e.checkMandate(ctx, req); err != nil {
			return nil, err
		}
	}

	now := e.clock().UTC()
	tx := &Transaction{
		ID:               e.newID(),
		InitiatorAgentID: req.InitiatorAgentID,
		Validators:       append([]string(nil), req.Validators...),
		RequiredVotes:    required,
		Votes:            []Vote{},
		Status:           StatusPending,
		Amount:           req.Amount,
		MandateID:        req.MandateID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if required == 0 {
		tx.Status = StatusAuthorized
	}

	if e.store != nil {
		if err := e.store.Save(ctx, tx); err != nil {
			return nil, fmt.Errorf("persist transaction %s: %w", tx.ID, err)
		}
	}

	e.mu.Lock()
	e.entries[tx.ID] = &entry{tx: tx}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "transaction initiated",
		"transaction_id", tx.ID,
		"initiator", tx.InitiatorAgentID,
		"validators", n,
		"required_votes", required,
		"amount", tx.Amount.String(),
		"status", tx.Status,
	)
	if tx.Status == StatusAuthorized {
		e.recordTransition(ctx, tx, StatusPending)
	}
	return tx.Clone(), nil
}

func (e *Engine) checkMandate(ctx context.Context, req InitiateRequest) error {
	if e.mandates == nil {
		return fmt.Errorf("%w: mandate %s cannot be resolved", ErrMandateMismatch, req.MandateID)
	}
	m, err := e.mandates.Lookup(ctx, req.MandateID)
	if err != nil {
		return fmt.Errorf("resolve mandate: %w", err)
	}
	if err := e.mandates.Check(ctx, m); err != nil {
		return err
	}
	if !m.Amount.Equal(req.Amount) {
		return fmt.Errorf("%w: mandate %s authorizes %s, transaction requests %s",
			ErrMandateMismatch, m.ID, m.Amount, req.Amount)
	}
	if req.InitiatorAgentID != "" && req.InitiatorAgentID != m.AgentID {
		return fmt.Errorf("%w: mandate %s was issued to %s, not %s",
			ErrMandateMismatch, m.ID, m.AgentID, req.InitiatorAgentID)
	}
	return nil
}

// AdmitVote records agentID's vote and re-evaluates the quorum. The check,
// append and evaluation happen in one critical section per transaction.
func (e *Engine) AdmitVote(ctx context.Context, txID, agentID string, approve bool, signature string) (*Transaction, error) {
	ctx, done := e.obs.TrackOperation(ctx, "consensus.admit_vote", observability.ConsensusOperation(txID, agentID)...)
	tx, err := e.admitVote(ctx, txID, agentID, approve, signature)
	done(err)
	return tx, err
}

func (e *Engine) admitVote(ctx context.Context, txID, agentID string, approve bool, signature string) (*Transaction, error) {
	ent, err := e.entry(ctx, txID)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	cur := ent.tx

	if !cur.IsValidator(agentID) {
		return nil, fmt.Errorf("%w: agent %s, transaction %s", ErrNotAValidator, agentID, txID)
	}
	if cur.HasVoted(agentID) {
		return nil, fmt.Errorf("%w: agent %s, transaction %s", ErrDuplicateVote, agentID, txID)
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: transaction %s is %s, vote from %s rejected", ErrTerminalTransaction, txID, cur.Status, agentID)
	}
	if e.secrets != nil {
		if err := e.verifyVote(ctx, txID, agentID, approve, signature); err != nil {
			return nil, err
		}
	}

	now := e.clock().UTC()
	next := cur.Clone()
	next.Votes = append(next.Votes, Vote{AgentID: agentID, Approve: approve, Signature: signature, Timestamp: now})
	next.UpdatedAt = now

	if cur.Status == StatusPending {
		switch {
		case next.PositiveVotes() >= next.RequiredVotes:
			next.Status = StatusAuthorized
		case len(next.Votes) == len(next.Validators):
			next.Status = StatusFailed
			next.FailureReason = fmt.Sprintf("consensus not reached: %d of %d required approvals", next.PositiveVotes(), next.RequiredVotes)
		}
	}

	if e.store != nil {
		if err := e.store.Save(ctx, next); err != nil {
			return nil, fmt.Errorf("persist vote on transaction %s: %w", txID, err)
		}
	}
	ent.tx = next
	if next.Status.Terminal() {
		e.evict(txID)
	}

	e.obs.RecordVote(ctx, approve)
	e.logger.InfoContext(ctx, "vote admitted",
		"transaction_id", txID,
		"agent_id", agentID,
		"approve", approve,
		"positive", next.PositiveVotes(),
		"required", next.RequiredVotes,
		"status", next.Status,
	)
	if next.Status != cur.Status {
		e.recordTransition(ctx, next, cur.Status)
	}
	return next.Clone(), nil
}

func (e *Engine) verifyVote(ctx context.Context, txID, agentID string, approve bool, signature string) error {
	secret, err := e.secrets.Secret(ctx, agentID)
	if err != nil {
		if errors.Is(err, crypto.ErrUnknownAgentSecret) {
			return fmt.Errorf("%w: agent %s, transaction %s: %v", ErrSignatureMismatch, agentID, txID, err)
		}
		return fmt.Errorf("resolve vote secret: %w", err)
	}
	if !crypto.Verify(VotePayload(txID, agentID, approve), signature, secret) {
		return fmt.Errorf("%w: agent %s, transaction %s", ErrSignatureMismatch, agentID, txID)
	}
	return nil
}

// Execute settles an authorized transaction. The settler is called at most
// once per transaction; on failure the transaction is FAILED and the error is
// returned as a *SettlementFailure alongside the result. A retryable settler
// error leaves the transaction AUTHORIZED so Execute can be called again.
func (e *Engine) Execute(ctx context.Context, txID, fromWallet, toWallet string) (*ExecutionResult, error) {
	ent, err := e.entry(ctx, txID)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	cur := ent.tx
	switch {
	case cur.Status != StatusAuthorized:
		ent.mu.Unlock()
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrNotAuthorized, txID, cur.Status)
	case ent.settling:
		ent.mu.Unlock()
		return nil, fmt.Errorf("%w: transaction %s", ErrSettlementInProgress, txID)
	}
	if e.settler == nil {
		ent.mu.Unlock()
		return nil, fmt.Errorf("execute transaction %s: no settler configured", txID)
	}
	ent.settling = true
	snapshot := cur.Clone()
	ent.mu.Unlock()

	sctx, done := e.obs.TrackOperation(ctx, "consensus.execute",
		observability.SettlementOperation(txID, snapshot.Amount.Currency)...)
	settlement, settleErr := e.settler.Settle(sctx, snapshot, fromWallet, toWallet)
	done(settleErr)

	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.settling = false

	if errors.Is(settleErr, ErrSettlementRetryable) {
		e.logger.WarnContext(ctx, "settlement outcome unknown, transaction stays authorized",
			"transaction_id", txID, "error", settleErr)
		return nil, settleErr
	}

	next := ent.tx.Clone()
	next.UpdatedAt = e.clock().UTC()
	if settlement != nil {
		next.TransferID = settlement.TransferID
		next.TransferStatus = settlement.TransferStatus
	}
	if settleErr != nil {
		next.Status = StatusFailed
		next.FailureReason = settleErr.Error()
	} else {
		next.Status = StatusCompleted
	}

	persisted := false
	if e.store != nil {
		if err := e.store.Save(ctx, next); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist settlement outcome",
				"transaction_id", txID, "status", next.Status, "error", err)
		} else {
			persisted = true
		}
	}
	ent.tx = next
	if persisted {
		e.evict(txID)
	}
	e.recordTransition(ctx, next, StatusAuthorized)

	result := &ExecutionResult{
		TransactionID:  next.ID,
		TransferID:     next.TransferID,
		Status:         next.Status,
		TransferStatus: next.TransferStatus,
		ConsensusVotes: len(next.Votes),
		RequiredVotes:  next.RequiredVotes,
	}
	if settleErr != nil {
		return result, &SettlementFailure{TransactionID: txID, TransferID: next.TransferID, Err: settleErr}
	}
	return result, nil
}

// ExpirePending fails every PENDING transaction older than the pending TTL.
// It is a no-op unless WithPendingTTL was set.
func (e *Engine) ExpirePending(ctx context.Context) ([]*Transaction, error) {
	if e.pendingTTL <= 0 {
		return nil, nil
	}

	e.mu.Lock()
	ents := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		ents = append(ents, ent)
	}
	e.mu.Unlock()

	now := e.clock().UTC()
	var expired []*Transaction
	for _, ent := range ents {
		ent.mu.Lock()
		cur := ent.tx
		if cur.Status != StatusPending || now.Sub(cur.CreatedAt) < e.pendingTTL {
			ent.mu.Unlock()
			continue
		}
		next := cur.Clone()
		next.Status = StatusFailed
		next.FailureReason = ReasonExpired
		next.UpdatedAt = now
		if e.store != nil {
			if err := e.store.Save(ctx, next); err != nil {
				ent.mu.Unlock()
				return expired, fmt.Errorf("persist expiry of transaction %s: %w", cur.ID, err)
			}
		}
		ent.tx = next
		ent.mu.Unlock()
		e.evict(cur.ID)

		e.recordTransition(ctx, next, StatusPending)
		expired = append(expired, next.Clone())
	}
	return expired, nil
}

// Restore loads PENDING and AUTHORIZED transactions from the store so List and
// ExpirePending cover them after a restart. It returns how many were loaded.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	n := 0
	for _, st := range []Status{StatusPending, StatusAuthorized} {
		txs, err := e.store.List(ctx, st, 0)
		if err != nil {
			return n, fmt.Errorf("restore %s transactions: %w", st, err)
		}
		e.mu.Lock()
		for _, tx := range txs {
			if _, ok := e.entries[tx.ID]; !ok {
				e.entries[tx.ID] = &entry{tx: tx}
				n++
			}
		}
		e.mu.Unlock()
	}
	return n, nil
}

// Get returns a snapshot of the transaction.
func (e *Engine) Get(ctx context.Context, txID string) (*Transaction, error) {
	ent, err := e.entry(ctx, txID)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.tx.Clone(), nil
}

// List returns snapshots of every transaction, oldest first. With a store,
// settled transactions that are no longer held in memory are read from it.
func (e *Engine) List(ctx context.Context) ([]*Transaction, error) {
	e.mu.Lock()
	ents := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		ents = append(ents, ent)
	}
	e.mu.Unlock()

	byID := make(map[string]*Transaction, len(ents))
	if e.store != nil {
		stored, err := e.store.List(ctx, "", 0)
		if err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		for _, tx := range stored {
			byID[tx.ID] = tx
		}
	}
	for _, ent := range ents {
		ent.mu.Lock()
		byID[ent.tx.ID] = ent.tx.Clone()
		ent.mu.Unlock()
	}

	out := make([]*Transaction, 0, len(byID))
	for _, tx := range byID {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// evict drops a settled transaction from memory once the store holds it.
// Later reads reload it through entry.
func (e *Engine) evict(txID string) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	delete(e.entries, txID)
	e.mu.Unlock()
}

// entry returns the live entry for txID, loading it from the store when the
// engine has not seen it yet.
func (e *Engine) entry(ctx context.Context, txID string) (*entry, error) {
	e.mu.Lock()
	ent, ok := e.entries[txID]
	e.mu.Unlock()
	if ok {
		return ent, nil
	}
	if e.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}

	tx, err := e.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[txID]; ok {
		return ent, nil
	}
	ent = &entry{tx: tx}
	e.entries[txID] = ent
	return ent, nil
}

func (e *Engine) recordTransition(ctx context.Context, tx *Transaction, from Status) {
	e.obs.RecordTransition(ctx, string(from), string(tx.Status))
	e.logger.InfoContext(ctx, "transaction transition",
		"transaction_id", tx.ID,
		"from", from,
		"to", tx.Status,
		"reason", tx.FailureReason,
	)
	if e.actions == nil || tx.InitiatorAgentID == "" {
		return
	}

	a := &actions.Action{
		AgentID: tx.InitiatorAgentID,
		Amount:  tx.Amount,
		Metadata: map[string]any{
			"transaction_id": tx.ID,
			"validators":     len(tx.Validators),
			"votes":          len(tx.Votes),
			"required_votes": tx.RequiredVotes,
		},
	}
	switch tx.Status {
	case StatusAuthorized:
		a.Type, a.Status = actions.TypeConsensusAuthorized, actions.StatusPending
	case StatusCompleted:
		a.Type, a.Status = actions.TypeMultiAgentPayment, actions.StatusCompleted
		a.Metadata["transfer_id"] = tx.TransferID
	case StatusFailed:
		a.Type, a.Status = actions.TypeConsensusFailed, actions.StatusFailed
		if from == StatusAuthorized {
			a.Type = actions.TypeMultiAgentPayment
		}
		a.Metadata["reason"] = tx.FailureReason
	case StatusPending:
		return
	}
	if err := e.actions.Append(ctx, a); err != nil {
		e.logger.WarnContext(ctx, "failed to append action", "transaction_id", tx.ID, "error", err)
	}
}
