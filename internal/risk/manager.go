// Package risk implements the Risk/Portfolio bridge: the pre-trade sizing
// gate that sits between Strategy and the Order Lifecycle Engine (spec §2's
// "Strategy → Risk/Portfolio → OLE" pipeline stage).
//
// Every Intent a strategy produces passes through Approve before it ever
// reaches ole.Engine.Submit. Approve never talks to the broker; it sizes (or
// rejects) the Intent against the latest Equity Point and Position set the
// caller reads from the Live State Cache. The Supervisor-side evaluation of
// similar-shaped thresholds (daily loss, drawdown, concentration) lives in
// internal/supervisor and is deliberately independent — this package is the
// TP's own conservative pre-trade gate, not a substitute for the
// Supervisor's unilateral kill authority.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// ErrRejected is returned by Approve when an Intent cannot be sized to fit
// within any configured budget (the remaining headroom is zero or negative).
var ErrRejected = errors.New("risk: intent rejected")

// ErrCoolingDown is returned by Approve while a symbol is within its
// post-rejection cooldown window.
var ErrCoolingDown = errors.New("risk: symbol is cooling down after a rejection")

// Portfolio is the read-only view of account state Approve sizes against.
// Callers build this from the Live State Cache immediately before each
// Approve call so risk decisions always see the freshest known equity and
// positions.
type Portfolio struct {
	Equity          decimal.Decimal
	GrossExposure   decimal.Decimal          // sum of |position value| across all symbols
	PositionValue   map[string]decimal.Decimal // current |position value| per symbol
	OpenOrdersCount int
	MarkPrice       map[string]decimal.Decimal // latest known mark per symbol, for sizing a Market order
}

// Manager is the Risk/Portfolio bridge.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu       sync.Mutex
	coolings map[string]time.Time // symbol -> cooldown expiry
}

// New creates a Risk/Portfolio bridge.
func New(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "risk"),
		coolings: make(map[string]time.Time),
	}
}

// Approve sizes intent against pf, clamping its Qty down to whatever fits
// the per-symbol and gross exposure budgets. It returns the (possibly
// resized) Intent to submit, or an error if nothing can be approved: a zero
// or negative budget, too many open orders, or an active cooldown.
func (m *Manager) Approve(intent types.Intent, pf Portfolio) (types.Intent, error) {
	if m.cooling(intent.Symbol) {
		return intent, fmt.Errorf("%w: %s", ErrCoolingDown, intent.Symbol)
	}

	if pf.OpenOrdersCount >= m.cfg.MaxOpenOrders {
		m.reject(intent.Symbol, "max open orders reached")
		return intent, fmt.Errorf("%w: open orders %d >= limit %d", ErrRejected, pf.OpenOrdersCount, m.cfg.MaxOpenOrders)
	}

	price := intent.LimitPrice
	if price.IsZero() {
		price = pf.MarkPrice[intent.Symbol]
	}
	if price.IsZero() {
		m.reject(intent.Symbol, "no price reference available for sizing")
		return intent, fmt.Errorf("%w: no mark or limit price for %s", ErrRejected, intent.Symbol)
	}

	symbolValue := pf.PositionValue[intent.Symbol]
	symbolCap := pf.Equity.Mul(decimal.NewFromFloat(m.cfg.MaxPositionPerSymbolPct))
	symbolHeadroom := symbolCap.Sub(symbolValue)

	grossCap := pf.Equity.Mul(decimal.NewFromFloat(m.cfg.MaxGrossExposurePct))
	grossHeadroom := grossCap.Sub(pf.GrossExposure)

	headroom := symbolHeadroom
	if grossHeadroom.LessThan(headroom) {
		headroom = grossHeadroom
	}
	if headroom.LessThanOrEqual(decimal.Zero) {
		m.reject(intent.Symbol, "no exposure headroom remaining")
		return intent, fmt.Errorf("%w: no headroom for %s", ErrRejected, intent.Symbol)
	}

	maxQty := headroom.Div(price)
	if intent.Qty.GreaterThan(maxQty) {
		m.logger.Info("sizing intent down to fit risk budget",
			"symbol", intent.Symbol, "requested_qty", intent.Qty, "sized_qty", maxQty)
		intent.Qty = maxQty
	}

	m.clearCooldown(intent.Symbol)
	return intent, nil
}

func (m *Manager) reject(symbol, reason string) {
	m.mu.Lock()
	m.coolings[symbol] = time.Now().Add(m.cfg.CooldownAfterReject)
	m.mu.Unlock()
	m.logger.Warn("intent rejected by risk gate", "symbol", symbol, "reason", reason)
}

func (m *Manager) cooling(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.coolings[symbol]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(m.coolings, symbol)
		return false
	}
	return true
}

func (m *Manager) clearCooldown(symbol string) {
	m.mu.Lock()
	delete(m.coolings, symbol)
	m.mu.Unlock()
}
