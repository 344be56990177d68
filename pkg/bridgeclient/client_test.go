package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

func TestCreateTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transfers", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "settlement:tx-1", r.Header.Get("Idempotency-Key"))

		var req TransferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, TransferRequest{FromWalletID: "w1", ToWalletID: "w2", Amount: "12.50", Currency: "USD"}, req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Transfer{ID: "tr_1", Status: TransferPending, Amount: req.Amount, Currency: req.Currency})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("sk_test"), WithTimeout(time.Second))
	amount, err := finance.ParseMoney("12.50", "USD")
	require.NoError(t, err)

	tr, err := c.CreateTransfer(context.Background(), "settlement:tx-1", "w1", "w2", amount)
	require.NoError(t, err)
	assert.Equal(t, "tr_1", tr.ID)
	assert.Equal(t, TransferPending, tr.Status)
}

func TestGetTransfer_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers/tr_missing", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"transfer not found","code":"not_found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetTransfer(context.Background(), "tr_missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.False(t, apiErr.Temporary())
}

func TestAPIError_UnparseableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetTransfer(context.Background(), "tr_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
	assert.True(t, apiErr.Temporary())
}

func TestRateLimitHonorsContext(t *testing.T) {
	c := New("http://127.0.0.1:0", WithRateLimit(0.001, 1))
	c.limiter.Allow() // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetTransfer(ctx, "tr_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestNew_DefaultsToSandbox(t *testing.T) {
	assert.Equal(t, SandboxBaseURL, New("").baseURL)
}
