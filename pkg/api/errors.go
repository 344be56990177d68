package api

import (
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/helm-pay/pkg/agents"
	"github.com/Mindburn-Labs/helm-pay/pkg/bridgeclient"
	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/settlement"
)

type errorKind struct {
	err    error
	status int
	code   string
}

// errorKinds maps domain errors onto HTTP statuses. Order matters: the first
// match wins.
var errorKinds = []errorKind{
	{consensus.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{mandate.ErrMandateNotFound, http.StatusNotFound, "mandate_not_found"},
	{agents.ErrAgentNotFound, http.StatusNotFound, "agent_not_found"},
	{finance.ErrLimitNotFound, http.StatusNotFound, "spending_limit_not_found"},

	{consensus.ErrInvalidValidatorSet, http.StatusBadRequest, "invalid_validator_set"},
	{consensus.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{consensus.ErrMandateMismatch, http.StatusBadRequest, "mandate_mismatch"},
	{mandate.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{mandate.ErrInvalidMandateType, http.StatusBadRequest, "invalid_mandate_type"},
	{mandate.ErrInvalidExpiry, http.StatusBadRequest, "invalid_expiry"},
	{finance.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{finance.ErrInvalidCurrency, http.StatusBadRequest, "invalid_currency"},
	{agents.ErrInvalidAgent, http.StatusBadRequest, "invalid_agent"},
	{agents.ErrInvalidRole, http.StatusBadRequest, "invalid_role"},
	{settlement.ErrMandateRequired, http.StatusBadRequest, "mandate_required"},

	{consensus.ErrNotAValidator, http.StatusForbidden, "not_a_validator"},
	{consensus.ErrSignatureMismatch, http.StatusForbidden, "signature_mismatch"},
	{mandate.ErrSignatureMismatch, http.StatusForbidden, "signature_mismatch"},
	{mandate.ErrExpiredMandate, http.StatusForbidden, "expired_mandate"},
	{settlement.ErrMandateNotCovered, http.StatusForbidden, "mandate_not_covered"},
	{finance.ErrLimitExceeded, http.StatusForbidden, "spending_limit_exceeded"},

	{consensus.ErrDuplicateVote, http.StatusConflict, "duplicate_vote"},
	{consensus.ErrTerminalTransaction, http.StatusConflict, "terminal_transaction"},
	{consensus.ErrNotAuthorized, http.StatusConflict, "not_authorized"},
	{consensus.ErrSettlementInProgress, http.StatusConflict, "settlement_in_progress"},
	{settlement.ErrTransferInFlight, http.StatusConflict, "transfer_in_flight"},
	{consensus.ErrSettlementRetryable, http.StatusConflict, "settlement_retryable"},

	{settlement.ErrTransferFailed, http.StatusBadGateway, "transfer_failed"},
	{settlement.ErrUnknownTransferStatus, http.StatusBadGateway, "unknown_transfer_status"},
}

// classifyError returns the HTTP status and code for err. Unknown errors are 500.
func classifyError(err error) (int, string) {
	var failure *consensus.SettlementFailure
	if errors.As(err, &failure) {
		return http.StatusBadGateway, "settlement_failed"
	}
	var apiErr *bridgeclient.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "platform_error"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, ""
}

// WriteDomainError writes err as a problem detail. Internal errors are logged
// and never exposed.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	writeProblem(w, r, problem(status, code, err.Error()))
}
