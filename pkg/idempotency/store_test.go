package idempotency

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReserveCompleteReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	rec, reserved, err := s.Reserve(ctx, "k1", "fp-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, StateInProgress, rec.State)

	rec, reserved, err = s.Reserve(ctx, "k1", "fp-2")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StateInProgress, rec.State)
	assert.Equal(t, "fp-1", rec.Fingerprint, "the first claimant's fingerprint is kept")

	require.NoError(t, s.Complete(ctx, "k1", 201, []byte(`{"ok":true}`)))
	rec, reserved, err = s.Reserve(ctx, "k1", "fp-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, "fp-1", rec.Fingerprint)
	assert.Equal(t, 201, rec.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Response))
}

func TestMemoryStore_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	_, reserved, _ := s.Reserve(ctx, "k", "")
	require.True(t, reserved)
	require.NoError(t, s.Release(ctx, "k"))

	_, reserved, _ = s.Reserve(ctx, "k", "")
	assert.True(t, reserved)

	assert.ErrorIs(t, s.Complete(ctx, "unknown", 200, nil), ErrKeyNotFound)
	_, _, err := s.Reserve(ctx, "", "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Hour).WithClock(func() time.Time { return now })

	_, _, _ = s.Reserve(ctx, "a", "")
	_, _, _ = s.Reserve(ctx, "b", "")
	require.NoError(t, s.Complete(ctx, "a", 200, []byte("x")))

	now = now.Add(time.Hour)
	_, reserved, err := s.Reserve(ctx, "a", "")
	require.NoError(t, err)
	assert.True(t, reserved, "expired key is reclaimed")
	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "b expired")
}

func TestMemoryStore_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, reserved, _ := s.Reserve(ctx, "race", ""); reserved {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestPostgresStore_Reserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewPostgresStore(db, time.Hour)
	s.clock = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("k", "fp", "in_progress", now, now.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, reserved, err := s.Reserve(context.Background(), "k", "fp")
	require.NoError(t, err)
	assert.True(t, reserved)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("k", "other", "in_progress", now, now.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT fingerprint, state, status_code, response, created_at FROM idempotency_keys WHERE key = $1")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "state", "status_code", "response", "created_at"}).
			AddRow("fp", "completed", 200, []byte(`{"transfer_id":"tr_1"}`), now))

	rec, reserved, err := s.Reserve(context.Background(), "k", "other")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, "fp", rec.Fingerprint)
	assert.Equal(t, `{"transfer_id":"tr_1"}`, string(rec.Response))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db, 0)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_keys SET state = $1, status_code = $2, response = $3 WHERE key = $4")).
		WithArgs("completed", 200, []byte("body"), "k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_keys")).
		WithArgs("completed", 200, []byte("body"), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys WHERE key = $1")).
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Complete(context.Background(), "k", 200, []byte("body")))
	assert.ErrorIs(t, s.Complete(context.Background(), "gone", 200, []byte("body")), ErrKeyNotFound)
	require.NoError(t, s.Release(context.Background(), "k"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Cleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewPostgresStore(db, time.Hour)
	s.clock = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys WHERE created_at < $1")).
		WithArgs(now.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	var c Cleaner = s
	n, err := c.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
