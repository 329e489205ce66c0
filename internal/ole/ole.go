// Package ole implements the Order Lifecycle Engine (OLE): the single
// authority for order state within the Trading Process. It accepts
// risk-approved Intents, submits them idempotently to the broker, applies
// the legal state-transition graph (pkg/types) as broker events arrive, and
// lists orders that go quiet for too long (ZombieCandidates).
//
// Every order is protected by its own lock keyed by client_order_id, so two
// goroutines never race on the same order's state while unrelated orders
// proceed independently.
package ole

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantdesk/paperfloor/internal/broker"
	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/eventlog"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// Errors returned by Engine operations, per the error taxonomy.
var (
	ErrInvariantViolation = errors.New("ole: invariant violation")
	ErrHaltRequested      = errors.New("ole: halt requested")
	ErrUnknownOrder       = errors.New("ole: unknown order")
)

// orderSlot bundles an order's live state with its dedicated lock.
type orderSlot struct {
	mu           sync.Mutex
	order        types.Order
	lastSeenAt   time.Time // last broker ack/fill/event time, drives zombie detection
	retries      int
	submittedAt  time.Time
}

// Engine is the Order Lifecycle Engine.
type Engine struct {
	cfg    config.OLEConfig
	broker *broker.Client
	el     *eventlog.Log
	lsc    *cache.Cache
	logger *slog.Logger

	mu     sync.RWMutex
	orders map[string]*orderSlot // keyed by client_order_id

	halted   atomicBool
	haltedAt time.Time
}

// New creates an Order Lifecycle Engine.
func New(cfg config.OLEConfig, brokerClient *broker.Client, el *eventlog.Log, lsc *cache.Cache, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		broker: brokerClient,
		el:     el,
		lsc:    lsc,
		logger: logger.With("component", "ole"),
		orders: make(map[string]*orderSlot),
	}
}

// Halt sets the engine's local halt flag. From then on Submit fails with
// ErrHaltRequested. The Engine has no method that clears the flag; a newly
// constructed Engine starts unhalted, and the Trading Process's decision
// loop halts it again while the Live State Cache halt flag is active.
func (e *Engine) Halt(reason string) {
	e.halted.Set(true)
	e.haltedAt = time.Now()
	e.logger.Error("OLE halted", "reason", reason)
	if _, err := e.el.Append(types.KindHalt, map[string]string{"reason": reason, "source": "ole"}); err != nil {
		e.logger.Error("failed to log halt", "error", err)
	}
}

// Halted reports whether Submit is currently refusing new orders.
func (e *Engine) Halted() bool { return e.halted.Get() }

// Submit places a new order for the given Intent. It is idempotent on the
// full client_order_id: if an order with intent.ClientOrderID is already
// tracked, Submit returns the existing order rather than resubmitting, by
// checking its local order map first — true broker-side idempotency
// backstops this by client_order_id as well. An Intent with an empty
// ClientOrderID gets a fresh ID from ClientOrderID, whose random suffix
// differs on every call, so such Intents are never deduplicated.
func (e *Engine) Submit(ctx context.Context, intent types.Intent) (*types.Order, error) {
	if e.halted.Get() {
		return nil, ErrHaltRequested
	}

	clientOrderID := intent.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = ClientOrderID(intent)
	}

	// Idempotency (spec §4.1): a submit for a client_order_id that already
	// has a tracked order returns the existing handle untouched — no second
	// EL write, no second broker call.
	if existing, ok := e.getSlot(clientOrderID); ok {
		existing.mu.Lock()
		order := existing.order
		existing.mu.Unlock()
		return &order, nil
	}

	slot := &orderSlot{
		order: types.Order{
			ClientOrderID: clientOrderID,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Qty:           intent.Qty,
			Type:          intent.Type,
			LimitPrice:    intent.LimitPrice,
			State:         types.Pending,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
			StrategyID:    intent.StrategyID,
			SignalID:      intent.SignalID,
		},
	}

	e.mu.Lock()
	if existing, ok := e.orders[clientOrderID]; ok {
		// Lost the race against a concurrent Submit for the same id.
		e.mu.Unlock()
		existing.mu.Lock()
		order := existing.order
		existing.mu.Unlock()
		return &order, nil
	}
	e.orders[clientOrderID] = slot
	e.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if _, err := e.el.Append(types.KindOrderCreated, slot.order); err != nil {
		e.logger.Error("failed to log order creation", "error", err)
	}

	req := types.PlaceOrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Qty:           intent.Qty.String(),
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		TimeInForce:   "day",
	}
	if intent.Type == types.Limit {
		req.LimitPrice = intent.LimitPrice.String()
	}

	ackCtx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()

	bo, err := e.broker.PlaceOrder(ackCtx, req)
	slot.submittedAt = time.Now()

	if err != nil {
		if errors.Is(ackCtx.Err(), context.DeadlineExceeded) {
			e.transitionLocked(slot, types.Unknown, "ack timeout")
			return &slot.order, nil
		}
		e.transitionLocked(slot, types.Failed, fmt.Sprintf("place order: %v", err))
		return &slot.order, err
	}

	slot.order.BrokerRef = bo.ID
	slot.lastSeenAt = time.Now()
	e.transitionLocked(slot, types.Submitted, "broker accepted")
	e.writeCache(ctx, slot.order)

	return &slot.order, nil
}

// Cancel requests cancellation of a live order. It only ever asks the
// broker to cancel; it never marks the order CANCELLED locally — that
// transition happens only when the broker confirms it via OnBrokerEvent or
// a Reconciler sweep.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	slot, ok := e.getSlot(clientOrderID)
	if !ok {
		return ErrUnknownOrder
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.order.State.Terminal() {
		return nil // already done, cancel is a no-op
	}
	if slot.order.BrokerRef == "" {
		return fmt.Errorf("%w: cannot cancel an order the broker has not acknowledged", ErrInvariantViolation)
	}

	if !types.CanTransition(slot.order.State, types.Cancelling) {
		return fmt.Errorf("%w: %s -> CANCELLING", ErrInvariantViolation, slot.order.State)
	}

	if err := e.broker.CancelOrder(ctx, slot.order.BrokerRef); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	e.transitionLocked(slot, types.Cancelling, "cancel requested")
	return nil
}

// OnBrokerEvent applies a broker stream event to the matching local order.
// Unknown orders (events for a client_order_id the OLE never submitted,
// e.g. after a process restart) are logged but otherwise ignored — the
// Reconciler's sweep is responsible for adopting orphaned broker state.
func (e *Engine) OnBrokerEvent(ctx context.Context, evt types.StreamEvent) {
	slot, ok := e.getSlot(evt.ClientOrderID)
	if !ok {
		e.logger.Warn("broker event for untracked order", "client_order_id", evt.ClientOrderID, "kind", evt.Kind)
		return
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	slot.lastSeenAt = time.Now()

	switch evt.Kind {
	case types.EventAck:
		if slot.order.State != types.Submitted {
			e.transitionLocked(slot, types.Submitted, "broker ack")
		}
	case types.EventFill:
		e.applyFillLocked(slot, evt)
	case types.EventCancel:
		e.transitionLocked(slot, types.Cancelled, "broker confirmed cancel")
	case types.EventReject:
		e.transitionLocked(slot, types.Rejected, evt.Reason)
	default:
		e.logger.Debug("ignoring broker event kind", "kind", evt.Kind)
	}

	e.writeCache(ctx, slot.order)
}

func (e *Engine) applyFillLocked(slot *orderSlot, evt types.StreamEvent) {
	qty, err := parseDecimal(evt.Qty)
	if err != nil {
		e.logger.Error("fill event with unparsable qty", "error", err, "raw", evt.Qty)
		return
	}
	price, err := parseDecimal(evt.Price)
	if err != nil {
		e.logger.Error("fill event with unparsable price", "error", err, "raw", evt.Price)
		return
	}

	oldFilled := slot.order.FilledQty
	newFilled := oldFilled.Add(qty)

	if oldFilled.IsZero() {
		slot.order.AvgFillPrice = price
	} else {
		totalCost := slot.order.AvgFillPrice.Mul(oldFilled).Add(price.Mul(qty))
		slot.order.AvgFillPrice = totalCost.Div(newFilled)
	}
	slot.order.FilledQty = newFilled

	if _, err := e.el.Append(types.KindFill, map[string]interface{}{
		"client_order_id": slot.order.ClientOrderID,
		"qty":             qty.String(),
		"price":           price.String(),
	}); err != nil {
		e.logger.Error("failed to log fill", "error", err)
	}

	if slot.order.Remaining().IsZero() {
		e.transitionLocked(slot, types.Filled, "fully filled")
	} else {
		e.transitionLocked(slot, types.PartialFill, "partial fill")
	}
}

// transitionLocked validates and applies a state transition. Must be
// called with slot.mu held. An illegal transition is escalated to FAILED
// rather than silently applied. The escalation is applied without a second
// check, so an order already in a terminal state also ends in FAILED.
func (e *Engine) transitionLocked(slot *orderSlot, to types.OrderState, reason string) {
	from := slot.order.State
	if !types.CanTransition(from, to) {
		e.logger.Error("illegal order transition attempted, forcing FAILED",
			"client_order_id", slot.order.ClientOrderID, "from", from, "to", to)
		reason = fmt.Sprintf("illegal transition %s -> %s", from, to)
		to = types.Failed
	}

	slot.order.State = to
	slot.order.UpdatedAt = time.Now().UTC()

	if _, err := e.el.Append(types.KindOrderTransition, map[string]string{
		"client_order_id": slot.order.ClientOrderID,
		"from":            string(from),
		"to":              string(to),
		"reason":          reason,
	}); err != nil {
		e.logger.Error("failed to log transition", "error", err)
	}
}

func (e *Engine) writeCache(ctx context.Context, order types.Order) {
	if _, err := e.lsc.Set(ctx, "order:"+order.ClientOrderID, order.UpdatedAt, order); err != nil {
		e.logger.Error("failed to write order to cache", "error", err)
	}
}

func (e *Engine) getSlot(clientOrderID string) (*orderSlot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	slot, ok := e.orders[clientOrderID]
	return slot, ok
}

// Snapshot returns a point-in-time copy of every order currently tracked.
func (e *Engine) Snapshot() []types.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.Order, 0, len(e.orders))
	for _, slot := range e.orders {
		slot.mu.Lock()
		out = append(out, slot.order)
		slot.mu.Unlock()
	}
	return out
}

// Get returns the current state of one order.
func (e *Engine) Get(clientOrderID string) (types.Order, bool) {
	slot, ok := e.getSlot(clientOrderID)
	if !ok {
		return types.Order{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.order, true
}

// ZombieCandidates returns client_order_ids whose last broker contact
// exceeds the configured zombie timeout and are still non-terminal. Nothing
// in the Trading Process calls it; the Reconciler sweeps only UNKNOWN orders.
func (e *Engine) ZombieCandidates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []string
	now := time.Now()
	for id, slot := range e.orders {
		slot.mu.Lock()
		stale := !slot.order.State.Terminal() && now.Sub(slot.lastSeenAt) > e.cfg.ZombieTimeout
		slot.mu.Unlock()
		if stale {
			out = append(out, id)
		}
	}
	return out
}

// ApplyReconciledState overwrites a single order's local state with the
// broker's authoritative view, as produced by the Reconciler. This is the
// one path allowed to set state without going through the legal-transition
// check, since the broker is always right by definition (spec invariant).
func (e *Engine) ApplyReconciledState(ctx context.Context, clientOrderID string, bo types.BrokerOrder) error {
	slot, ok := e.getSlot(clientOrderID)
	if !ok {
		return ErrUnknownOrder
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	filled, _ := parseDecimal(bo.FilledQty)
	avgPrice, _ := parseDecimal(bo.FilledAvgPrice)

	from := slot.order.State
	to := mapBrokerStatus(bo.Status)

	slot.order.FilledQty = filled
	slot.order.AvgFillPrice = avgPrice
	slot.order.BrokerRef = bo.ID
	slot.order.State = to
	slot.order.UpdatedAt = time.Now().UTC()
	slot.lastSeenAt = time.Now()

	if _, err := e.el.Append(types.KindOrderTransition, map[string]string{
		"client_order_id": clientOrderID,
		"from":            string(from),
		"to":              string(to),
		"reason":          "reconciled against broker",
	}); err != nil {
		e.logger.Error("failed to log reconciliation", "error", err)
	}

	e.writeCache(ctx, slot.order)
	return nil
}

// MarkFailed forces a tracked order straight to FAILED. This is the
// Reconciler's path for an order the broker has no record of after the
// not-found grace period has elapsed — the spec's "never assume SUBMITTED
// without evidence" rule means the only safe resolution is FAILED, not a
// guess at some other state.
func (e *Engine) MarkFailed(ctx context.Context, clientOrderID, reason string) error {
	slot, ok := e.getSlot(clientOrderID)
	if !ok {
		return ErrUnknownOrder
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.order.State.Terminal() {
		return nil
	}

	e.transitionLocked(slot, types.Failed, reason)
	e.writeCache(ctx, slot.order)
	return nil
}

func mapBrokerStatus(status string) types.OrderState {
	switch status {
	case "new", "accepted", "pending_new":
		return types.Submitted
	case "partially_filled":
		return types.PartialFill
	case "filled":
		return types.Filled
	case "canceled", "cancelled":
		return types.Cancelled
	case "rejected", "expired":
		return types.Rejected
	case "pending_cancel":
		return types.Cancelling
	default:
		return types.Unknown
	}
}
