// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the control plane — orders,
// fills, positions, intents, broker wire formats, and event/broadcast
// envelopes. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderState is a node in the Order Lifecycle Engine's state graph (spec §4.1).
type OrderState string

const (
	Pending     OrderState = "PENDING"
	Submitted   OrderState = "SUBMITTED"
	PartialFill OrderState = "PARTIAL_FILL"
	Filled      OrderState = "FILLED"
	Cancelling  OrderState = "CANCELLING"
	Cancelled   OrderState = "CANCELLED"
	Rejected    OrderState = "REJECTED"
	Unknown     OrderState = "UNKNOWN"
	Failed      OrderState = "FAILED"
)

// Terminal reports whether no further transitions are legal from this state.
func (s OrderState) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Failed:
		return true
	default:
		return false
	}
}

// legalTransitions encodes the directed graph from spec §4.1.
var legalTransitions = map[OrderState]map[OrderState]bool{
	Pending: {
		Submitted: true,
		Rejected:  true,
		Unknown:   true, // no broker ack within the ack timeout (ole.Submit)
		Failed:    true,
	},
	Submitted: {
		PartialFill: true,
		Filled:      true,
		Cancelling:  true,
		Rejected:    true,
		Unknown:     true,
		Failed:      true,
	},
	PartialFill: {
		PartialFill: true,
		Filled:      true,
		Cancelling:  true,
		Unknown:     true,
		Failed:      true,
	},
	Cancelling: {
		Cancelled:   true,
		Filled:      true,
		PartialFill: true,
		Unknown:     true,
		Failed:      true,
	},
	Unknown: {
		Submitted:   true,
		PartialFill: true,
		Filled:      true,
		Cancelled:   true,
		Rejected:    true,
		Failed:      true,
	},
}

// CanTransition reports whether moving from s to next is a legal edge in the
// state graph. FAILED is reachable from any non-terminal state on an
// unrecoverable local error, independent of the table above.
func CanTransition(from, to OrderState) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ————————————————————————————————————————————————————————————————————————
// Order / Fill / Position
// ————————————————————————————————————————————————————————————————————————

// Order is the server-side record of a trading intent tracked by the OLE.
// All monetary and quantity fields are decimal (spec §3: "at least 4
// fractional digits").
type Order struct {
	OrderID       string // server-generated, ULID-like, monotonic
	ClientOrderID string // deterministic idempotency key
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Type          OrderType
	LimitPrice    decimal.Decimal // zero value iff Type == Market
	State         OrderState
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StrategyID    string
	SignalID      string
	BrokerRef     string // empty until accepted by the broker
}

// Remaining returns Qty - FilledQty.
func (o Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fill is an immutable broker confirmation of executed quantity.
type Fill struct {
	FillID  string
	OrderID string
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Fees    decimal.Decimal
	Ts      time.Time
}

// Position is the derived net holding in one symbol. The broker is
// authoritative on divergence (spec invariant 4).
type Position struct {
	Symbol        string
	NetQty        decimal.Decimal // signed: positive long, negative short
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
	Version       uint64
}

// BarRecord is one OHLCV candle ingested from a market data source. Tier
// classifies data quality; bars tagged "universe" are rejected by the
// Analytical Store's backtest loader (spec §6/§9).
type BarRecord struct {
	Symbol string
	Ts     time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Tier   string
}

// EquityPoint is a recomputed snapshot of account value.
type EquityPoint struct {
	Ts             time.Time
	Equity         decimal.Decimal
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
}

// Regime is the market-regime classification a strategy's ShouldRun gates
// on. Regime-detection math is an external collaborator (spec §1
// Non-goals); only its output contract lives here.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = "unknown"
)

// Role identifies which process a heartbeat or credential set belongs to.
type Role string

const (
	RoleTrading    Role = "trading"
	RoleSupervisor Role = "supervisor"
)

// Heartbeat is overwritten in the LSC on every beat; staleness triggers alarms.
type Heartbeat struct {
	ProcessID string
	Role      Role
	Ts        time.Time
	Seq       uint64
}

// KillRuleState is the Supervisor's recomputed view of risk state,
// derived from the LSC and the broker on every evaluation cycle.
type KillRuleState struct {
	DailyPnL           decimal.Decimal
	MaxDD              decimal.Decimal
	PeakEquity         decimal.Decimal
	LargestPositionPct decimal.Decimal
	OpenOrdersCount    int
	OldestPendingAge   time.Duration
}

// HaltFlag is settable by the Supervisor or an operator; cleared only by
// explicit operator action, never by a process restart.
type HaltFlag struct {
	Active bool
	Reason string
	SetBy  string
	SetAt  time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trading intent (the contract strategies produce, per spec §9)
// ————————————————————————————————————————————————————————————————————————

// Intent is a risk-unchecked trading decision a strategy wants to act on.
// The Risk/Portfolio bridge turns an approved Intent into an OLE submission.
type Intent struct {
	StrategyID     string
	SignalID       string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	Type           OrderType
	LimitPrice     decimal.Decimal
	DecisionTs     time.Time
	DecisionBucket string // coarse time bucket used in the client_order_id hash

	// ClientOrderID is the idempotency key for this intent. The decision loop
	// computes it once (see ole.ClientOrderID) and must resend the identical
	// value on every retry of the same decision; leaving it empty lets
	// ole.Engine.Submit derive a fresh one, which is only safe for callers
	// that never retry.
	ClientOrderID string
}

// ————————————————————————————————————————————————————————————————————————
// Broker wire format (Alpaca-shaped paper-trading equities REST API)
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest is the REST body for POST /v2/orders.
type PlaceOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

// BrokerOrder is the REST response shape for order reads.
type BrokerOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	LimitPrice     string `json:"limit_price,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// BrokerPosition is the REST response shape for GET /v2/positions.
type BrokerPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

// StreamEventKind enumerates the broker event-stream frame kinds (spec §6).
type StreamEventKind string

const (
	EventAck     StreamEventKind = "ack"
	EventFill    StreamEventKind = "fill"
	EventCancel  StreamEventKind = "cancel"
	EventReject  StreamEventKind = "reject"
	EventUnknown StreamEventKind = "unknown"
)

// StreamEvent is one frame from the broker's persistent event connection.
type StreamEvent struct {
	Seq           int64           `json:"seq"`
	Kind          StreamEventKind `json:"kind"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Qty           string          `json:"qty,omitempty"`
	Price         string          `json:"price,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Event Log record kinds (spec §4.5 / §6)
// ————————————————————————————————————————————————————————————————————————

// RecordKind enumerates the canonical Event Log record kinds.
type RecordKind string

const (
	KindBar               RecordKind = "BAR"
	KindSignal            RecordKind = "SIGNAL"
	KindIntent            RecordKind = "INTENT"
	KindOrderCreated      RecordKind = "ORDER_CREATED"
	KindOrderTransition   RecordKind = "ORDER_TRANSITION"
	KindFill              RecordKind = "FILL"
	KindPositionReconciled RecordKind = "POSITION_RECONCILED"
	KindHalt              RecordKind = "HALT"
	KindHeartbeat         RecordKind = "HEARTBEAT"
	KindMetric            RecordKind = "METRIC"
)

// ————————————————————————————————————————————————————————————————————————
// Broadcast Bus envelope (spec §4.8 / §6)
// ————————————————————————————————————————————————————————————————————————

// Channel enumerates the Broadcast Bus subscription topics.
type Channel string

const (
	ChannelPositions Channel = "positions"
	ChannelOrders    Channel = "orders"
	ChannelEquity    Channel = "equity"
	ChannelRegime    Channel = "regime"
	ChannelHealth    Channel = "health"
)

// MarketChannel builds the per-symbol market channel name.
func MarketChannel(symbol string) Channel {
	return Channel("market:" + symbol)
}

// MessageType distinguishes broadcast envelope kinds.
type MessageType string

const (
	MsgHandshake MessageType = "HANDSHAKE"
	MsgSnapshot  MessageType = "SNAPSHOT"
	MsgUpdate    MessageType = "UPDATE"
	MsgResync    MessageType = "RESYNC"
)

// Envelope is the single message shape carried over the Broadcast Bus.
type Envelope struct {
	Seq     int64       `json:"seq"`
	Ts      time.Time   `json:"ts"`
	Type    MessageType `json:"type"`
	Channel Channel     `json:"channel,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// ResyncRequest is sent by an observer that detected a sequence gap.
type ResyncRequest struct {
	LastSeenSeq int64 `json:"last_seen_seq"`
}
