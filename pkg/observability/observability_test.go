package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recordingProvider wires the real instruments to an in-process reader.
func recordingProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	meter := mp.Meter("test")
	inst, err := newInstruments(meter)
	require.NoError(t, err)
	return &Provider{cfg: &Config{}, logger: slog.Default(), meter: meter, inst: inst}, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "helm-pay", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

func TestNew_DisabledIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	p.RecordVote(context.Background(), true)
	p.RecordTransition(context.Background(), "PENDING", "AUTHORIZED")
	_, done := p.TrackOperation(context.Background(), "consensus.execute")
	done(errors.New("bridge unavailable"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0).Description(), "AlwaysOff")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestConsensusCounters(t *testing.T) {
	p, reader := recordingProvider(t)
	ctx := context.Background()

	p.RecordVote(ctx, true)
	p.RecordVote(ctx, false)
	p.RecordVote(ctx, true)
	p.RecordTransition(ctx, "PENDING", "AUTHORIZED")

	assert.Equal(t, int64(3), sumOf(t, reader, "helm_pay.consensus.votes"))
	assert.Equal(t, int64(1), sumOf(t, reader, "helm_pay.consensus.transitions"))
}

func TestTrackOperation_CountsFailures(t *testing.T) {
	p, reader := recordingProvider(t)
	ctx := context.Background()

	_, ok := p.TrackOperation(ctx, "consensus.admit_vote", ConsensusOperation("tx-1", "agent-a")...)
	time.Sleep(time.Millisecond)
	ok(nil)
	_, failed := p.TrackOperation(ctx, "consensus.execute", SettlementOperation("tx-1", "USD")...)
	failed(errors.New("transfer failed"))

	assert.Equal(t, int64(2), sumOf(t, reader, "helm_pay.requests.total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "helm_pay.errors.total"))
	assert.Equal(t, int64(0), sumOf(t, reader, "helm_pay.operations.active"))
}

func TestRecordError_IgnoresNil(t *testing.T) {
	p, reader := recordingProvider(t)
	p.RecordError(context.Background(), nil)
	assert.Equal(t, int64(0), sumOf(t, reader, "helm_pay.errors.total"))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := ConsensusOperation("tx-123", "agent-b")
	require.Len(t, attrs, 2)
	assert.Equal(t, AttrTransactionID, attrs[0].Key)
	assert.Equal(t, "agent-b", attrs[1].Value.AsString())

	attrs = TransitionOperation("AUTHORIZED", "COMPLETED")
	assert.Equal(t, "AUTHORIZED", attrs[0].Value.AsString())
	assert.Equal(t, AttrStatusTo, attrs[1].Key)

	assert.Equal(t, "USD", SettlementOperation("tx-9", "USD")[1].Value.AsString())
	AddSpanEvent(context.Background(), "vote.admitted", AttrVoteDecision.Bool(true))
}
