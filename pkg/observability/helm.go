package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Payment-specific semantic convention attributes.
var (
	AttrTransactionID = attribute.Key("helm_pay.transaction.id")
	AttrAgentID       = attribute.Key("helm_pay.agent.id")
	AttrMandateID     = attribute.Key("helm_pay.mandate.id")
	AttrCurrency      = attribute.Key("helm_pay.currency")

	AttrStatusFrom   = attribute.Key("helm_pay.status.from")
	AttrStatusTo     = attribute.Key("helm_pay.status.to")
	AttrVoteDecision = attribute.Key("helm_pay.vote.approve")

	AttrTransferID     = attribute.Key("helm_pay.settlement.transfer_id")
	AttrTransferStatus = attribute.Key("helm_pay.settlement.status")
)

// ConsensusOperation creates attributes for operations on one transaction.
func ConsensusOperation(transactionID, agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTransactionID.String(transactionID),
		AttrAgentID.String(agentID),
	}
}

// TransitionOperation creates attributes for a status transition. Transaction
// ids are left out to keep metric cardinality bounded.
func TransitionOperation(from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStatusFrom.String(from),
		AttrStatusTo.String(to),
	}
}

// SettlementOperation creates attributes for a settlement call.
func SettlementOperation(transactionID, currency string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTransactionID.String(transactionID),
		AttrCurrency.String(currency),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
