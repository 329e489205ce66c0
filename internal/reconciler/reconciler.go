// Package reconciler implements the Reconciler (spec §4.2): the component
// that resolves UNKNOWN orders and divergent positions by treating the
// broker as the sole source of truth. It never resubmits or cancels based on
// local state — it only reads from the broker and writes to the OLE/LSC/EL,
// so running it any number of times never changes the broker's own side
// effect count.
//
// The Reconciler calls the OLE directly: it reads orders through
// Snapshot/Get and writes resolved state through ApplyReconciledState and
// MarkFailed. The OLE never calls the Reconciler.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/internal/broker"
	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/eventlog"
	"github.com/quantdesk/paperfloor/internal/ole"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// Reconciler periodically sweeps UNKNOWN orders and broker/LSC position
// divergence, and can also resolve a single order on demand.
type Reconciler struct {
	cfg    config.ReconcilerConfig
	broker *broker.Client
	ole    *ole.Engine
	lsc    *cache.Cache
	el     *eventlog.Log
	logger *slog.Logger
}

// New creates a Reconciler.
func New(cfg config.ReconcilerConfig, brokerClient *broker.Client, oleEngine *ole.Engine, lsc *cache.Cache, el *eventlog.Log, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		broker: brokerClient,
		ole:    oleEngine,
		lsc:    lsc,
		el:     el,
		logger: logger.With("component", "reconciler"),
	}
}

// Run ticks the periodic sweep every cfg.SweepInterval until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepAll(ctx)
		}
	}
}

// SweepAll resolves every UNKNOWN order and diffs every position the broker
// reports against the LSC. Also the entry point run immediately after a broker
// stream reconnect (spec §4.3: "resubscribe and immediately run
// reconcile_all() before resuming normal processing").
func (r *Reconciler) SweepAll(ctx context.Context) {
	r.sweepUnknownOrders(ctx)
	r.sweepPositions(ctx)
}

func (r *Reconciler) sweepUnknownOrders(ctx context.Context) {
	for _, order := range r.ole.Snapshot() {
		if order.State != types.Unknown {
			continue
		}
		if err := r.ReconcileOne(ctx, order.ClientOrderID); err != nil {
			r.logger.Error("reconcile_one failed", "client_order_id", order.ClientOrderID, "error", err)
		}
	}
}

// ReconcileOne resolves a single UNKNOWN order by querying the broker for
// its authoritative state. A "not found" response only resolves to FAILED
// once NotFoundGrace has elapsed since the order entered UNKNOWN — before
// that, the broker may simply not have processed the placement yet, and
// assuming FAILED prematurely would be as unsafe as assuming SUBMITTED.
func (r *Reconciler) ReconcileOne(ctx context.Context, clientOrderID string) error {
	order, ok := r.ole.Get(clientOrderID)
	if !ok {
		return ole.ErrUnknownOrder
	}

	bo, err := r.broker.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			if time.Since(order.UpdatedAt) < r.cfg.NotFoundGrace {
				return nil // still within grace; try again next sweep
			}
			return r.ole.MarkFailed(ctx, clientOrderID, "broker has no record of order after grace period")
		}
		return err
	}

	return r.ole.ApplyReconciledState(ctx, clientOrderID, *bo)
}

// sweepPositions diffs the broker's authoritative positions against the LSC,
// overwrites the LSC entry of every symbol the broker reports, and appends a
// POSITION_RECONCILED record to the Event Log on any divergence (spec
// invariant 4). An LSC position for a symbol the broker does not report is
// left unchanged.
func (r *Reconciler) sweepPositions(ctx context.Context) {
	positions, err := r.broker.ListPositions(ctx)
	if err != nil {
		r.logger.Error("list positions failed", "error", err)
		return
	}

	for _, bp := range positions {
		netQty, err := decimal.NewFromString(bp.Qty)
		if err != nil {
			r.logger.Error("unparsable position qty", "symbol", bp.Symbol, "raw", bp.Qty, "error", err)
			continue
		}
		avgCost, _ := decimal.NewFromString(bp.AvgEntryPrice)
		unrealized, _ := decimal.NewFromString(bp.UnrealizedPL)

		var cached types.Position
		found, _ := r.lsc.Get("position:"+bp.Symbol, &cached)
		diverged := !found || !cached.NetQty.Equal(netQty)

		pos := types.Position{
			Symbol:        bp.Symbol,
			NetQty:        netQty,
			AvgCost:       avgCost,
			RealizedPnL:   cached.RealizedPnL, // realized PnL is fill-derived, not broker-reported here
			UnrealizedPnL: unrealized,
			UpdatedAt:     time.Now().UTC(),
			Version:       cached.Version + 1,
		}

		if _, err := r.lsc.Set(ctx, "position:"+bp.Symbol, pos.UpdatedAt, pos); err != nil {
			r.logger.Error("failed to write reconciled position to cache", "symbol", bp.Symbol, "error", err)
			continue
		}

		if diverged {
			r.logger.Warn("position divergence corrected from broker",
				"symbol", bp.Symbol, "lsc_net_qty", cached.NetQty, "broker_net_qty", netQty)
			if _, err := r.el.Append(types.KindPositionReconciled, map[string]string{
				"symbol":         bp.Symbol,
				"lsc_net_qty":    cached.NetQty.String(),
				"broker_net_qty": netQty.String(),
			}); err != nil {
				r.logger.Error("failed to log position reconciliation", "error", err)
			}
		}
	}
}
