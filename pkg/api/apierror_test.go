package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/bridgeclient"
	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/settlement"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWriteBadRequest_CarriesRequestContext(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-7")
	r := httptest.NewRequest(http.MethodPost, "/v1/mandates", nil)

	writeBadRequest(w, r, "amount is required")

	require.Equal(t, http.StatusBadRequest, w.Code)
	p := decodeProblem(t, w)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, "invalid_request", p.Code)
	assert.Equal(t, problemTypeBase+"invalid_request", p.Type)
	assert.Equal(t, "/v1/mandates", p.Instance)
	assert.Equal(t, "req-7", p.TraceID)
}

func TestWriteInternal_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternal(w, errors.New("sqlite: database is locked at /var/lib/helm-pay/tx.db"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	p := decodeProblem(t, w)
	assert.NotContains(t, p.Detail, "sqlite")
	assert.Equal(t, "internal", p.Code)
}

func TestWriteUnauthorized_Challenge(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w, "Missing Authorization header")

	assert.Equal(t, `Bearer realm="helm-pay"`, w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "unauthorized", decodeProblem(t, w).Code)
}

func TestWriteTooManyRequests_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, 30)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", consensus.ErrTransactionNotFound), http.StatusNotFound, "transaction_not_found"},
		{consensus.ErrDuplicateVote, http.StatusConflict, "duplicate_vote"},
		{consensus.ErrNotAValidator, http.StatusForbidden, "not_a_validator"},
		{mandate.ErrExpiredMandate, http.StatusForbidden, "expired_mandate"},
		{finance.ErrInvalidCurrency, http.StatusBadRequest, "invalid_currency"},
		{fmt.Errorf("charge: %w", finance.ErrLimitExceeded), http.StatusForbidden, "spending_limit_exceeded"},
		{settlement.ErrTransferInFlight, http.StatusConflict, "transfer_in_flight"},
		{&consensus.SettlementFailure{Err: settlement.ErrTransferFailed}, http.StatusBadGateway, "settlement_failed"},
		{&bridgeclient.APIError{Status: 500, Message: "down"}, http.StatusBadGateway, "platform_error"},
		{errors.New("disk on fire"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := classifyError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
