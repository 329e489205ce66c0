package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/pkg/types"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.RiskConfig{
		MaxPositionPerSymbolPct: 0.10,
		MaxGrossExposurePct:     0.50,
		MaxOpenOrders:           5,
		CooldownAfterReject:     50 * time.Millisecond,
	}
	return New(cfg, logger)
}

func testIntent() types.Intent {
	return types.Intent{
		StrategyID: "strat-1",
		SignalID:   "sig-1",
		Symbol:     "AAPL",
		Side:       types.Buy,
		Qty:        decimal.NewFromInt(100),
		Type:       types.Market,
	}
}

func TestApproveWithinBudgetLeavesQtyUnchanged(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	pf := Portfolio{
		Equity:        decimal.NewFromInt(100_000),
		GrossExposure: decimal.Zero,
		PositionValue: map[string]decimal.Decimal{},
		MarkPrice:     map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(50)},
	}

	got, err := m.Approve(testIntent(), pf)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !got.Qty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Qty = %s, want unchanged 100", got.Qty)
	}
}

func TestApproveClampsQtyToSymbolCap(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	// symbol cap = 10% of 100,000 = 10,000; at $50/share that's 200 shares max.
	pf := Portfolio{
		Equity:        decimal.NewFromInt(100_000),
		GrossExposure: decimal.Zero,
		PositionValue: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(9_000)},
		MarkPrice:     map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(50)},
	}

	intent := testIntent()
	intent.Qty = decimal.NewFromInt(1000) // way over headroom

	got, err := m.Approve(intent, pf)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// headroom = 10,000 - 9,000 = 1,000 -> 1,000/50 = 20 shares
	if !got.Qty.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Qty = %s, want clamped to 20", got.Qty)
	}
}

func TestApproveRejectsWhenNoHeadroom(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	pf := Portfolio{
		Equity:        decimal.NewFromInt(100_000),
		GrossExposure: decimal.Zero,
		PositionValue: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10_000)},
		MarkPrice:     map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(50)},
	}

	_, err := m.Approve(testIntent(), pf)
	if err == nil {
		t.Fatal("expected rejection, got nil error")
	}
}

func TestApproveRejectsAtMaxOpenOrders(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	pf := Portfolio{
		Equity:          decimal.NewFromInt(100_000),
		OpenOrdersCount: 5,
		PositionValue:   map[string]decimal.Decimal{},
		MarkPrice:       map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(50)},
	}

	_, err := m.Approve(testIntent(), pf)
	if err == nil {
		t.Fatal("expected rejection at max open orders, got nil error")
	}
}

func TestApproveEntersCooldownAfterRejection(t *testing.T) {
	t.Parallel()
	m := testManager(t)

	pf := Portfolio{
		Equity:        decimal.NewFromInt(100_000),
		PositionValue: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10_000)},
		MarkPrice:     map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(50)},
	}

	if _, err := m.Approve(testIntent(), pf); err == nil {
		t.Fatal("expected first call to reject")
	}

	// Even a now-fittable intent is refused while cooling down.
	pf.PositionValue["AAPL"] = decimal.Zero
	if _, err := m.Approve(testIntent(), pf); err == nil {
		t.Fatal("expected cooldown rejection immediately after")
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := m.Approve(testIntent(), pf); err != nil {
		t.Errorf("expected approval after cooldown expiry, got %v", err)
	}
}
