package analytics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/eventlog"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// RejectedTierError is returned when the ETL encounters a bar tagged with a
// quality tier unsuitable for backtesting. Per spec §9's resolved Open
// Question, this halts the run rather than silently filtering the row.
type RejectedTierError struct {
	Symbol string
	Ts     time.Time
	Tier   string
}

func (e *RejectedTierError) Error() string {
	return fmt.Sprintf("analytics: bar %s@%s carries rejected tier %q", e.Symbol, e.Ts.Format(time.RFC3339), e.Tier)
}

// rejectedTier is the quality tier the Analytical Store refuses to load,
// named "universe" per spec.md §6 ("tier=universe rows are rejected").
const rejectedTier = "universe"

// ETL replays the Event Log into the Analytical Store's tables. Each run is
// idempotent: every insert is an upsert on that table's natural key, so
// replaying an already-loaded range of the log changes nothing.
type ETL struct {
	store  *Store
	elDir  string
	cfg    config.AnalyticsConfig
	logger *slog.Logger
}

// NewETL creates an ETL worker reading from elDir and writing into store.
func NewETL(store *Store, elDir string, cfg config.AnalyticsConfig, logger *slog.Logger) *ETL {
	return &ETL{store: store, elDir: elDir, cfg: cfg, logger: logger.With("component", "analytics-etl")}
}

// Run replays every record currently in the Event Log directory. It returns
// the first RejectedTierError it encounters (per spec §9) rather than
// continuing past it; every other per-record error is logged and skipped,
// since a single unparsable record must not stop an otherwise-good ETL run.
func (t *ETL) Run() (int, error) {
	reader, err := eventlog.NewReader(t.elDir)
	if err != nil {
		return 0, fmt.Errorf("open event log for etl: %w", err)
	}
	defer reader.Close()

	loaded := 0
	for {
		rec, err := reader.Next()
		if err != nil {
			return loaded, fmt.Errorf("read event log record: %w", err)
		}
		if rec == nil {
			return loaded, nil
		}

		if err := t.loadRecord(*rec); err != nil {
			if _, ok := err.(*RejectedTierError); ok {
				return loaded, err
			}
			t.logger.Error("skipping unloadable record", "kind", rec.Kind, "seq", rec.Seq, "error", err)
			continue
		}
		loaded++
	}
}

func (t *ETL) loadRecord(rec eventlog.Record) error {
	switch rec.Kind {
	case types.KindBar:
		return t.loadBar(rec)
	case types.KindOrderCreated:
		return t.loadOrderCreated(rec)
	case types.KindOrderTransition:
		return t.loadOrderTransition(rec)
	case types.KindFill:
		return t.loadFill(rec)
	case types.KindPositionReconciled:
		return t.loadPosition(rec)
	default:
		return nil // no table for this kind (SIGNAL/INTENT/HALT/HEARTBEAT/METRIC)
	}
}

func (t *ETL) loadBar(rec eventlog.Record) error {
	var bar types.BarRecord
	if err := json.Unmarshal(rec.Payload, &bar); err != nil {
		return err
	}

	if t.cfg.RejectTierUniverse && strings.EqualFold(bar.Tier, rejectedTier) {
		return &RejectedTierError{Symbol: bar.Symbol, Ts: bar.Ts, Tier: bar.Tier}
	}

	_, err := t.store.db.Exec(`
		INSERT INTO bars (symbol, ts, open, high, low, close, volume, tier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, tier = excluded.tier
	`, bar.Symbol, bar.Ts, f64(bar.Open), f64(bar.High), f64(bar.Low), f64(bar.Close), f64(bar.Volume), bar.Tier)
	return err
}

func (t *ETL) loadOrderCreated(rec eventlog.Record) error {
	var order types.Order
	if err := json.Unmarshal(rec.Payload, &order); err != nil {
		return err
	}

	_, err := t.store.db.Exec(`
		INSERT INTO orders (order_id, client_order_id, symbol, side, qty, type, limit_price, final_state, created_at, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (order_id) DO UPDATE SET
			client_order_id = excluded.client_order_id, symbol = excluded.symbol,
			side = excluded.side, qty = excluded.qty, type = excluded.type,
			limit_price = excluded.limit_price, created_at = excluded.created_at
	`, order.OrderID, order.ClientOrderID, order.Symbol, string(order.Side), f64(order.Qty),
		string(order.Type), f64(order.LimitPrice), string(order.State), order.CreatedAt)
	return err
}

func (t *ETL) loadOrderTransition(rec eventlog.Record) error {
	var payload struct {
		ClientOrderID string `json:"client_order_id"`
		To            string `json:"to"`
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return err
	}
	if payload.ClientOrderID == "" {
		return nil
	}

	terminal := types.OrderState(payload.To).Terminal()
	if !terminal {
		_, err := t.store.db.Exec(`UPDATE orders SET final_state = ? WHERE client_order_id = ?`, payload.To, payload.ClientOrderID)
		return err
	}
	_, err := t.store.db.Exec(`
		UPDATE orders SET final_state = ?, terminal_at = ? WHERE client_order_id = ?
	`, payload.To, rec.Ts, payload.ClientOrderID)
	return err
}

func (t *ETL) loadFill(rec eventlog.Record) error {
	var payload struct {
		ClientOrderID string `json:"client_order_id"`
		Qty           string `json:"qty"`
		Price         string `json:"price"`
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return err
	}

	fillID := fmt.Sprintf("%s-%d", payload.ClientOrderID, rec.Seq)
	qty, _ := decimalOrZero(payload.Qty)
	price, _ := decimalOrZero(payload.Price)

	if _, err := t.store.db.Exec(`
		INSERT INTO fills (fill_id, order_id, qty, price, fees, ts)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (fill_id) DO UPDATE SET qty = excluded.qty, price = excluded.price, ts = excluded.ts
	`, fillID, payload.ClientOrderID, qty, price, rec.Ts); err != nil {
		return err
	}

	date := rec.Ts.UTC().Format("2006-01-02")

	var fillCount int
	if err := t.store.db.QueryRow(`
		SELECT COUNT(*) FROM fills WHERE strftime(ts, '%Y-%m-%d') = ?
	`, date).Scan(&fillCount); err != nil {
		return fmt.Errorf("count fills for %s: %w", date, err)
	}

	_, err := t.store.db.Exec(`
		INSERT INTO performance (date, realized_pnl, fill_count)
		VALUES (?, 0, ?)
		ON CONFLICT (date) DO UPDATE SET fill_count = excluded.fill_count
	`, date, fillCount)
	return err
}

func (t *ETL) loadPosition(rec eventlog.Record) error {
	var payload struct {
		Symbol       string `json:"symbol"`
		BrokerNetQty string `json:"broker_net_qty"`
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return err
	}
	if payload.Symbol == "" {
		return nil
	}

	netQty, _ := decimalOrZero(payload.BrokerNetQty)
	date := rec.Ts.UTC().Format("2006-01-02")

	_, err := t.store.db.Exec(`
		INSERT INTO positions (symbol, date, ts, net_qty, avg_cost, unrealized_pnl)
		VALUES (?, ?, ?, ?, 0, 0)
		ON CONFLICT (symbol, date) DO UPDATE SET ts = excluded.ts, net_qty = excluded.net_qty
	`, payload.Symbol, date, rec.Ts, netQty)
	return err
}

func f64(d interface{ InexactFloat64() float64 }) float64 {
	return d.InexactFloat64()
}

func decimalOrZero(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
