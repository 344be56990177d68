package finance_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

func mustMoney(t *testing.T, amount, currency string) finance.Money {
	t.Helper()
	m, err := finance.ParseMoney(amount, currency)
	if err != nil {
		t.Fatalf("ParseMoney(%q, %q): %v", amount, currency, err)
	}
	return m
}

func TestTracker_MoneyEnforcement(t *testing.T) {
	ctx := context.Background()
	tracker := finance.NewInMemoryTracker()

	// $10.00 limit
	if err := tracker.SetLimit(ctx, "agent-1", mustMoney(t, "10.00", "USD")); err != nil {
		t.Fatal(err)
	}

	if err := tracker.Consume(ctx, "agent-1", mustMoney(t, "2.50", "USD")); err != nil {
		t.Fatalf("Failed to consume $2.50: %v", err)
	}

	// $8.00 would take the total to $10.50
	err := tracker.Consume(ctx, "agent-1", mustMoney(t, "8.00", "USD"))
	if !errors.Is(err, finance.ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", err)
	}

	if err := tracker.Consume(ctx, "agent-1", mustMoney(t, "1.00", "EUR")); !errors.Is(err, finance.ErrLimitExceeded) {
		t.Errorf("allowed EUR spending on USD limit: %v", err)
	}

	// Exact remainder passes
	if err := tracker.Consume(ctx, "agent-1", mustMoney(t, "7.50", "USD")); err != nil {
		t.Errorf("expected exact remaining consumption to pass, got: %v", err)
	}

	l, err := tracker.Get(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if l.Remaining() != 0 {
		t.Errorf("expected nothing remaining, got %d", l.Remaining())
	}
}

func TestTracker_RefundAndUnlimited(t *testing.T) {
	ctx := context.Background()
	tracker := finance.NewInMemoryTracker()

	if err := tracker.Consume(ctx, "no-limit", mustMoney(t, "1000000", "USD")); err != nil {
		t.Fatalf("agents without a limit must be unrestricted: %v", err)
	}
	if _, err := tracker.Get(ctx, "no-limit"); !errors.Is(err, finance.ErrLimitNotFound) {
		t.Fatalf("expected ErrLimitNotFound, got %v", err)
	}

	_ = tracker.SetLimit(ctx, "agent-2", mustMoney(t, "5", "USD"))
	_ = tracker.Consume(ctx, "agent-2", mustMoney(t, "5", "USD"))
	_ = tracker.Refund(ctx, "agent-2", mustMoney(t, "3", "USD"))

	l, _ := tracker.Get(ctx, "agent-2")
	if l.Spent != 200 {
		t.Errorf("expected 200 minor units spent after refund, got %d", l.Spent)
	}
}
