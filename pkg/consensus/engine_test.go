package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/actions"
	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

type fakeSettler struct {
	mu      sync.Mutex
	calls   int
	result  *Settlement
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeSettler) Settle(_ context.Context, tx *Transaction, _, _ string) (*Settlement, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

func (f *fakeSettler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func usd(t *testing.T, amount string) finance.Money {
	t.Helper()
	m, err := finance.ParseMoney(amount, "USD")
	require.NoError(t, err)
	return m
}

func intPtr(i int) *int { return &i }

func initiate(t *testing.T, e *Engine, validators []string, required *int) *Transaction {
	t.Helper()
	tx, err := e.Initiate(context.Background(), InitiateRequest{
		InitiatorAgentID: "initiator",
		Validators:       validators,
		Amount:           usd(t, "100.00"),
		RequiredVotes:    required,
	})
	require.NoError(t, err)
	return tx
}

func TestInitiate_DefaultQuorum(t *testing.T) {
	e := NewEngine(nil)
	tests := []struct {
		validators int
		want       int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{10, 6},
		{100, 67},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.validators), func(t *testing.T) {
			vs := make([]string, tt.validators)
			for i := range vs {
				vs[i] = fmt.Sprintf("v%d", i)
			}
			tx := initiate(t, e, vs, nil)
			assert.Equal(t, tt.want, tx.RequiredVotes)
			assert.LessOrEqual(t, tx.RequiredVotes, len(tx.Validators))
		})
	}
	assert.Equal(t, 7, DefaultRequiredVotes(10, 0.7))
}

func TestInitiate_Rejects(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()

	_, err := e.Initiate(ctx, InitiateRequest{Amount: usd(t, "1")})
	assert.ErrorIs(t, err, ErrInvalidValidatorSet)

	_, err = e.Initiate(ctx, InitiateRequest{Validators: []string{"a", "b", "a"}, Amount: usd(t, "1")})
	assert.ErrorIs(t, err, ErrInvalidValidatorSet)

	_, err = e.Initiate(ctx, InitiateRequest{Validators: []string{"a", "b"}, Amount: usd(t, "1"), RequiredVotes: intPtr(3)})
	assert.ErrorIs(t, err, ErrInvalidValidatorSet)

	_, err = e.Initiate(ctx, InitiateRequest{Validators: []string{"a"}, Amount: usd(t, "1"), RequiredVotes: intPtr(-1)})
	assert.ErrorIs(t, err, ErrInvalidValidatorSet)

	_, err = e.Initiate(ctx, InitiateRequest{Validators: []string{"a"}, Amount: usd(t, "0")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAdmitVote_AuthorizesOnQuorumVote(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()
	tx := initiate(t, e, []string{"A", "B", "C"}, intPtr(2))
	assert.Equal(t, StatusPending, tx.Status)
	assert.Empty(t, tx.Votes)

	tx, err := e.AdmitVote(ctx, tx.ID, "A", true, "sig-a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status, "one approval is not a quorum")

	tx, err = e.AdmitVote(ctx, tx.ID, "B", true, "sig-b")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, tx.Status)

	tx, err = e.AdmitVote(ctx, tx.ID, "C", false, "sig-c")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, tx.Status, "late votes never re-transition")
	assert.Len(t, tx.Votes, 3)
}

func TestAdmitVote_FailsOnlyAfterFinalVote(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()
	tx := initiate(t, e, []string{"A", "B", "C"}, intPtr(2))

	tx, err := e.AdmitVote(ctx, tx.ID, "A", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)

	tx, err = e.AdmitVote(ctx, tx.ID, "B", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status, "quorum is unreachable but not every validator has voted")

	tx, err = e.AdmitVote(ctx, tx.ID, "C", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.NotEmpty(t, tx.FailureReason)
}

func TestAdmitVote_Rejections(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()
	tx := initiate(t, e, []string{"A", "B", "C"}, intPtr(2))

	_, err := e.AdmitVote(ctx, tx.ID, "Z", true, "")
	require.ErrorIs(t, err, ErrNotAValidator)
	assert.Contains(t, err.Error(), "agent Z")

	_, err = e.AdmitVote(ctx, tx.ID, "A", true, "")
	require.NoError(t, err)

	_, err = e.AdmitVote(ctx, tx.ID, "A", false, "")
	require.ErrorIs(t, err, ErrDuplicateVote)

	got, err := e.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, got.Votes, 1, "duplicate must not mutate the vote list")
	assert.True(t, got.Votes[0].Approve)

	_, err = e.AdmitVote(ctx, "missing", "A", true, "")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestZeroRequiredVotes_AuthorizedAtInitiation(t *testing.T) {
	log := actions.NewMemoryLog()
	e := NewEngine(nil, WithActionLog(log))
	ctx := context.Background()

	tx := initiate(t, e, []string{"A", "B"}, intPtr(0))
	assert.Equal(t, StatusAuthorized, tx.Status)

	tx, err := e.AdmitVote(ctx, tx.ID, "A", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, tx.Status)

	tx, err = e.AdmitVote(ctx, tx.ID, "B", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, tx.Status, "all-negative votes do not fail an authorized transaction")

	recorded, err := log.List(ctx, "initiator", 0)
	require.NoError(t, err)
	require.Len(t, recorded, 1, "exactly one transition")
	assert.Equal(t, actions.TypeConsensusAuthorized, recorded[0].Type)
}

func TestExecute_Completes(t *testing.T) {
	settler := &fakeSettler{result: &Settlement{TransferID: "tr_1", TransferStatus: "pending"}}
	e := NewEngine(settler)
	ctx := context.Background()
	tx := initiate(t, e, []string{"A", "B", "C"}, intPtr(2))

	_, err := e.Execute(ctx, tx.ID, "w1", "w2")
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 0, settler.Calls())

	_, _ = e.AdmitVote(ctx, tx.ID, "A", true, "")
	_, _ = e.AdmitVote(ctx, tx.ID, "B", true, "")

	res, err := e.Execute(ctx, tx.ID, "w1", "w2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "tr_1", res.TransferID)
	assert.Equal(t, 2, res.ConsensusVotes)
	assert.Equal(t, 2, res.RequiredVotes)
	assert.Equal(t, 1, settler.Calls())

	_, err = e.Execute(ctx, tx.ID, "w1", "w2")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = e.AdmitVote(ctx, tx.ID, "C", true, "")
	assert.ErrorIs(t, err, ErrTerminalTransaction)
	assert.Equal(t, 1, settler.Calls())

	got, _ := e.Get(ctx, tx.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, got.Votes, 2)
}

func TestExecute_SettlementFailure(t *testing.T) {
	cause := errors.New("insufficient funds")
	settler := &fakeSettler{result: &Settlement{TransferID: "tr_2", TransferStatus: "failed"}, err: cause}
	log := actions.NewMemoryLog()
	e := NewEngine(settler, WithActionLog(log))
	ctx := context.Background()
	tx := initiate(t, e, []string{"A"}, intPtr(1))
	_, err := e.AdmitVote(ctx, tx.ID, "A", true, "")
	require.NoError(t, err)

	res, err := e.Execute(ctx, tx.ID, "w1", "w2")
	require.Error(t, err)
	var sf *SettlementFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, tx.ID, sf.TransactionID)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StatusFailed, res.Status)

	got, _ := e.Get(ctx, tx.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "tr_2", got.TransferID)
	assert.Contains(t, got.FailureReason, "insufficient funds")

	recorded, _ := log.List(ctx, "initiator", 1)
	require.Len(t, recorded, 1)
	assert.Equal(t, actions.TypeMultiAgentPayment, recorded[0].Type)
	assert.Equal(t, actions.StatusFailed, recorded[0].Status)

	_, err = e.Execute(ctx, tx.ID, "w1", "w2")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 1, settler.Calls())
}

func TestExecute_ConcurrentExecuteRejected(t *testing.T) {
	settler := &fakeSettler{
		result:  &Settlement{TransferID: "tr_3", TransferStatus: "completed"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := NewEngine(settler)
	ctx := context.Background()
	tx := initiate(t, e, []string{"A"}, intPtr(0))

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, tx.ID, "w1", "w2")
		done <- err
	}()
	<-settler.started

	_, err := e.Execute(ctx, tx.ID, "w1", "w2")
	assert.ErrorIs(t, err, ErrSettlementInProgress)

	// Reads are not blocked by the in-flight settlement.
	got, err := e.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, got.Status)

	close(settler.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, settler.Calls())
}

func TestAdmitVote_ConcurrentVotesAreLinearizable(t *testing.T) {
	const n = 64
	validators := make([]string, n)
	for i := range validators {
		validators[i] = fmt.Sprintf("validator-%02d", i)
	}
	log := actions.NewMemoryLog()
	e := NewEngine(nil, WithActionLog(log))
	ctx := context.Background()
	tx := initiate(t, e, validators, nil)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, v := range validators {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			if _, err := e.AdmitVote(ctx, tx.ID, agent, true, "sig"); err != nil {
				errs <- err
			}
		}(v)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected vote error: %v", err)
	}

	got, err := e.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, got.Votes, n)
	assert.Equal(t, StatusAuthorized, got.Status)

	recorded, _ := log.List(ctx, "initiator", 0)
	assert.Len(t, recorded, 1, "exactly one status transition")
}

func TestAdmitVote_IndependentTransactions(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, initiate(t, e, []string{"A", "B", "C"}, intPtr(2)).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for _, v := range []string{"A", "B", "C"} {
			wg.Add(1)
			go func(id, v string) {
				defer wg.Done()
				_, err := e.AdmitVote(ctx, id, v, v != "C", "")
				assert.NoError(t, err)
			}(id, v)
		}
	}
	wg.Wait()

	listed, err := e.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, len(ids))
	for _, tx := range listed {
		assert.Equal(t, StatusAuthorized, tx.Status)
		assert.Len(t, tx.Votes, 3)
	}
}

func TestAdmitVote_SignatureVerification(t *testing.T) {
	ring := crypto.NewKeyRing("")
	ring.SetSecret("A", "secret-a")
	ring.SetSecret("B", "secret-b")
	e := NewEngine(nil, WithVoteSecrets(ring))
	ctx := context.Background()
	tx := initiate(t, e, []string{"A", "B", "C"}, intPtr(2))

	signerA, err := ring.Signer(ctx, "A")
	require.NoError(t, err)
	sig, err := signerA.Sign(VotePayload(tx.ID, "A", true))
	require.NoError(t, err)

	_, err = e.AdmitVote(ctx, tx.ID, "A", false, sig)
	assert.ErrorIs(t, err, ErrSignatureMismatch, "signature covers the decision")

	_, err = e.AdmitVote(ctx, tx.ID, "B", true, sig)
	assert.ErrorIs(t, err, ErrSignatureMismatch, "signature of another agent")

	_, err = e.AdmitVote(ctx, tx.ID, "C", true, "whatever")
	assert.ErrorIs(t, err, ErrSignatureMismatch, "unknown secret")

	got, err := e.AdmitVote(ctx, tx.ID, "A", true, sig)
	require.NoError(t, err)
	assert.Len(t, got.Votes, 1)
}

func TestInitiate_WithMandate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ring := crypto.NewKeyRing("")
	ring.SetSecret("initiator", "s3cret")
	authority := mandate.NewAuthority("initiator", ring,
		mandate.WithStore(mandate.NewMemoryStore()), mandate.WithClock(clock))
	m, err := authority.Create(ctx, mandate.TypeCart, usd(t, "100.00"), "cart", now.Add(time.Hour), nil)
	require.NoError(t, err)

	e := NewEngine(nil, WithMandates(authority), WithClock(clock))
	req := InitiateRequest{InitiatorAgentID: "initiator", Validators: []string{"A"}, Amount: usd(t, "100.00"), MandateID: m.ID}

	tx, err := e.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, m.ID, tx.MandateID)

	req.Amount = usd(t, "100.01")
	_, err = e.Initiate(ctx, req)
	assert.ErrorIs(t, err, ErrMandateMismatch)

	req.Amount = usd(t, "100.00")
	req.InitiatorAgentID = "someone-else"
	_, err = e.Initiate(ctx, req)
	assert.ErrorIs(t, err, ErrMandateMismatch)

	req.InitiatorAgentID = "initiator"
	req.MandateID = "unknown"
	_, err = e.Initiate(ctx, req)
	assert.ErrorIs(t, err, mandate.ErrMandateNotFound)

	now = now.Add(2 * time.Hour)
	req.MandateID = m.ID
	_, err = e.Initiate(ctx, req)
	assert.ErrorIs(t, err, mandate.ErrExpiredMandate)
}

func TestExpirePending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	disabled := NewEngine(nil, WithClock(clock))
	initiate(t, disabled, []string{"A", "B"}, intPtr(2))
	now = now.Add(24 * time.Hour)
	expired, err := disabled.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired, "expiry is opt-in")

	e := NewEngine(nil, WithClock(clock), WithPendingTTL(time.Hour))
	stale := initiate(t, e, []string{"A", "B"}, intPtr(2))
	authorized := initiate(t, e, []string{"A"}, intPtr(0))
	now = now.Add(30 * time.Minute)
	fresh := initiate(t, e, []string{"A", "B"}, intPtr(2))
	now = now.Add(31 * time.Minute)

	expired, err = e.ExpirePending(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, ReasonExpired, expired[0].FailureReason)

	_, err = e.AdmitVote(ctx, stale.ID, "A", true, "")
	assert.ErrorIs(t, err, ErrTerminalTransaction)

	got, _ := e.Get(ctx, fresh.ID)
	assert.Equal(t, StatusPending, got.Status)
	got, _ = e.Get(ctx, authorized.ID)
	assert.Equal(t, StatusAuthorized, got.Status)
}

func TestEngine_ResumesFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := NewEngine(nil, WithStore(store))
	tx := initiate(t, first, []string{"A", "B", "C"}, intPtr(2))
	_, err := first.AdmitVote(ctx, tx.ID, "A", true, "")
	require.NoError(t, err)

	settler := &fakeSettler{result: &Settlement{TransferID: "tr_9", TransferStatus: "completed"}}
	second := NewEngine(settler, WithStore(store))
	got, err := second.AdmitVote(ctx, tx.ID, "B", true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, got.Status)

	_, err = second.Execute(ctx, tx.ID, "w1", "w2")
	require.NoError(t, err)

	persisted, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, persisted.Status)
	assert.Equal(t, "tr_9", persisted.TransferID)
}

func TestEngine_Restore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewMemoryStore()

	first := NewEngine(&fakeSettler{result: &Settlement{TransferID: "tr_1", TransferStatus: "completed"}},
		WithStore(store), WithClock(clock))
	pending := initiate(t, first, []string{"A", "B"}, intPtr(2))
	done := initiate(t, first, []string{"A"}, intPtr(0))
	_, err := first.Execute(ctx, done.ID, "w1", "w2")
	require.NoError(t, err)

	second := NewEngine(nil, WithStore(store), WithClock(clock), WithPendingTTL(time.Hour))
	now = now.Add(2 * time.Hour)
	expired, err := second.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired, "nothing is held in memory before Restore")

	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err = second.ExpirePending(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, pending.ID, expired[0].ID)

	persisted, err := store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, persisted.Status)
}

func TestEngine_EvictsSettledTransactions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	settler := &fakeSettler{result: &Settlement{TransferID: "tr_5", TransferStatus: "completed"}}
	e := NewEngine(settler, WithStore(store))

	paid := initiate(t, e, []string{"A"}, intPtr(1))
	_, err := e.AdmitVote(ctx, paid.ID, "A", true, "")
	require.NoError(t, err)
	_, err = e.Execute(ctx, paid.ID, "w1", "w2")
	require.NoError(t, err)

	rejected := initiate(t, e, []string{"A", "B"}, intPtr(2))
	_, err = e.AdmitVote(ctx, rejected.ID, "A", false, "")
	require.NoError(t, err)
	_, err = e.AdmitVote(ctx, rejected.ID, "B", false, "")
	require.NoError(t, err)

	open := initiate(t, e, []string{"A", "B"}, intPtr(2))

	e.mu.Lock()
	_, paidLive := e.entries[paid.ID]
	_, rejectedLive := e.entries[rejected.ID]
	_, openLive := e.entries[open.ID]
	e.mu.Unlock()
	assert.False(t, paidLive)
	assert.False(t, rejectedLive)
	assert.True(t, openLive)

	got, err := e.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "tr_5", got.TransferID)

	_, err = e.Execute(ctx, paid.ID, "w1", "w2")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 1, settler.Calls())

	listed, err := e.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestEngine_KeepsLiveEntriesWithoutStore(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(&fakeSettler{result: &Settlement{TransferID: "tr_6", TransferStatus: "completed"}})
	tx := initiate(t, e, []string{"A"}, intPtr(0))
	_, err := e.Execute(ctx, tx.ID, "w1", "w2")
	require.NoError(t, err)

	got, err := e.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestExecute_RetryableSettlementKeepsAuthorized(t *testing.T) {
	ctx := context.Background()
	settler := &fakeSettler{err: fmt.Errorf("reservation held elsewhere: %w", ErrSettlementRetryable)}
	e := NewEngine(settler, WithStore(NewMemoryStore()))
	tx := initiate(t, e, []string{"A"}, intPtr(1))
	_, err := e.AdmitVote(ctx, tx.ID, "A", true, "")
	require.NoError(t, err)

	res, err := e.Execute(ctx, tx.ID, "w1", "w2")
	require.ErrorIs(t, err, ErrSettlementRetryable)
	assert.Nil(t, res)
	var sf *SettlementFailure
	assert.False(t, errors.As(err, &sf))

	got, err := e.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, got.Status)

	settler.err = nil
	settler.result = &Settlement{TransferID: "tr_7", TransferStatus: "completed"}
	res, err = e.Execute(ctx, tx.ID, "w1", "w2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, settler.Calls())
}

func TestAdmitVote_RejectionOrderOnTerminal(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(nil)
	tx := initiate(t, e, []string{"A", "B", "C"}, intPtr(3))
	_, err := e.AdmitVote(ctx, tx.ID, "A", false, "")
	require.NoError(t, err)
	_, err = e.AdmitVote(ctx, tx.ID, "B", false, "")
	require.NoError(t, err)
	_, err = e.AdmitVote(ctx, tx.ID, "C", false, "")
	require.NoError(t, err)

	_, err = e.AdmitVote(ctx, tx.ID, "Z", true, "")
	assert.ErrorIs(t, err, ErrNotAValidator, "membership is checked before the status")
	_, err = e.AdmitVote(ctx, tx.ID, "A", true, "")
	assert.ErrorIs(t, err, ErrDuplicateVote)

	expiring := NewEngine(nil, WithPendingTTL(time.Nanosecond))
	stale := initiate(t, expiring, []string{"A", "B"}, intPtr(2))
	time.Sleep(time.Millisecond)
	_, err = expiring.ExpirePending(ctx)
	require.NoError(t, err)
	_, err = expiring.AdmitVote(ctx, stale.ID, "A", true, "")
	assert.ErrorIs(t, err, ErrTerminalTransaction)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusAuthorized))
	assert.True(t, CanTransition(StatusPending, StatusFailed))
	assert.True(t, CanTransition(StatusAuthorized, StatusCompleted))
	assert.True(t, CanTransition(StatusAuthorized, StatusFailed))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusAuthorized, StatusPending))
	for _, s := range []Status{StatusCompleted, StatusFailed} {
		assert.True(t, s.Terminal())
		for _, to := range []Status{StatusPending, StatusAuthorized, StatusCompleted, StatusFailed} {
			assert.False(t, CanTransition(s, to))
		}
	}
}
