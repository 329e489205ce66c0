package ole

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/internal/broker"
	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/eventlog"
	"github.com/quantdesk/paperfloor/pkg/types"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	el, err := eventlog.Open(t.TempDir(), time.Hour, 1<<20)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { el.Close() })

	lsc := cache.New()
	brokerCfg := config.BrokerConfig{BaseURL: "https://paper.example.test"}
	bc := broker.New(brokerCfg, true, logger) // dry-run

	cfg := config.OLEConfig{
		AckTimeout:    100 * time.Millisecond,
		ZombieTimeout: 200 * time.Millisecond,
		MaxRetries:    3,
	}
	return New(cfg, bc, el, lsc, logger)
}

func testIntent() types.Intent {
	return types.Intent{
		StrategyID:     "strat-1",
		SignalID:       "sig-1",
		Symbol:         "AAPL",
		Side:           types.Buy,
		Qty:            decimal.NewFromInt(10),
		Type:           types.Market,
		DecisionBucket: "2026-07-31T12:00",
	}
}

func TestSubmitDryRunReachesSubmitted(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, err := e.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.State != types.Submitted {
		t.Errorf("State = %s, want SUBMITTED", order.State)
	}
	if order.BrokerRef == "" {
		t.Error("BrokerRef is empty after a successful dry-run submit")
	}
}

func TestSubmitRefusedWhenHalted(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	e.Halt("test halt")

	_, err := e.Submit(context.Background(), testIntent())
	if err != ErrHaltRequested {
		t.Errorf("err = %v, want ErrHaltRequested", err)
	}
}

func TestOnBrokerEventAppliesFillAndTransitionsToFilled(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, err := e.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	e.OnBrokerEvent(context.Background(), types.StreamEvent{
		Kind:          types.EventFill,
		ClientOrderID: order.ClientOrderID,
		Qty:           "10",
		Price:         "150.25",
	})

	got, ok := e.Get(order.ClientOrderID)
	if !ok {
		t.Fatal("Get: order not found")
	}
	if got.State != types.Filled {
		t.Errorf("State = %s, want FILLED", got.State)
	}
	if !got.FilledQty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("FilledQty = %s, want 10", got.FilledQty)
	}
}

func TestOnBrokerEventPartialFill(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, err := e.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	e.OnBrokerEvent(context.Background(), types.StreamEvent{
		Kind:          types.EventFill,
		ClientOrderID: order.ClientOrderID,
		Qty:           "4",
		Price:         "150.00",
	})

	got, _ := e.Get(order.ClientOrderID)
	if got.State != types.PartialFill {
		t.Errorf("State = %s, want PARTIAL_FILL", got.State)
	}
	if !got.Remaining().Equal(decimal.NewFromInt(6)) {
		t.Errorf("Remaining = %s, want 6", got.Remaining())
	}
}

func TestOnBrokerEventAccumulatesWeightedAvgFillPrice(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, err := e.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	e.OnBrokerEvent(context.Background(), types.StreamEvent{
		Kind:          types.EventFill,
		ClientOrderID: order.ClientOrderID,
		Qty:           "4",
		Price:         "100.00",
	})
	e.OnBrokerEvent(context.Background(), types.StreamEvent{
		Kind:          types.EventFill,
		ClientOrderID: order.ClientOrderID,
		Qty:           "6",
		Price:         "200.00",
	})

	got, ok := e.Get(order.ClientOrderID)
	if !ok {
		t.Fatal("Get: order not found")
	}
	if got.State != types.Filled {
		t.Errorf("State = %s, want FILLED", got.State)
	}
	// (4*100 + 6*200) / 10 = 160, not the latest fill's price of 200.
	if !got.AvgFillPrice.Equal(decimal.NewFromInt(160)) {
		t.Errorf("AvgFillPrice = %s, want 160 (qty-weighted across both fills)", got.AvgFillPrice)
	}
}

func TestSubmitIsIdempotentForSameClientOrderID(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	intent := testIntent()
	intent.ClientOrderID = "fixed-cid-1"

	first, err := e.Submit(context.Background(), intent)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second, err := e.Submit(context.Background(), intent)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if first.BrokerRef != second.BrokerRef {
		t.Errorf("BrokerRef differs across duplicate submits: %q vs %q", first.BrokerRef, second.BrokerRef)
	}
	if len(e.Snapshot()) != 1 {
		t.Errorf("Snapshot() has %d orders after duplicate submit, want exactly 1", len(e.Snapshot()))
	}
}

func TestCancelUnknownOrderErrors(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	if err := e.Cancel(context.Background(), "does-not-exist"); err != ErrUnknownOrder {
		t.Errorf("err = %v, want ErrUnknownOrder", err)
	}
}

func TestCancelTerminalOrderIsNoop(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, _ := e.Submit(context.Background(), testIntent())
	e.OnBrokerEvent(context.Background(), types.StreamEvent{
		Kind:          types.EventFill,
		ClientOrderID: order.ClientOrderID,
		Qty:           "10",
		Price:         "150.00",
	})

	if err := e.Cancel(context.Background(), order.ClientOrderID); err != nil {
		t.Errorf("Cancel on a terminal order returned %v, want nil (no-op)", err)
	}
}

func TestZombieCandidatesDetectsStaleOrder(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, err := e.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(250 * time.Millisecond) // exceed ZombieTimeout (200ms)

	zombies := e.ZombieCandidates()
	found := false
	for _, z := range zombies {
		if z == order.ClientOrderID {
			found = true
		}
	}
	if !found {
		t.Errorf("ZombieCandidates() did not include %s after exceeding zombie timeout", order.ClientOrderID)
	}
}

func TestApplyReconciledStateOverridesLocalState(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, _ := e.Submit(context.Background(), testIntent())

	err := e.ApplyReconciledState(context.Background(), order.ClientOrderID, types.BrokerOrder{
		ID:             order.BrokerRef,
		Status:         "filled",
		FilledQty:      "10",
		FilledAvgPrice: "151.00",
	})
	if err != nil {
		t.Fatalf("ApplyReconciledState: %v", err)
	}

	got, _ := e.Get(order.ClientOrderID)
	if got.State != types.Filled {
		t.Errorf("State = %s, want FILLED", got.State)
	}
}

func TestIllegalTransitionEscalatesToFailed(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	order, _ := e.Submit(context.Background(), testIntent())

	// FILLED -> SUBMITTED is not a legal edge; force it through the private
	// path to verify the safety net.
	slot, _ := e.getSlot(order.ClientOrderID)
	slot.mu.Lock()
	slot.order.State = types.Filled
	e.transitionLocked(slot, types.Submitted, "should be rejected")
	finalState := slot.order.State
	slot.mu.Unlock()

	if finalState != types.Failed {
		t.Errorf("State after illegal transition = %s, want FAILED", finalState)
	}
}
