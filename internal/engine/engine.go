// Package engine is the Trading Process orchestrator. It wires every
// subsystem of the control plane's core together — the Order Lifecycle
// Engine, the Risk/Portfolio bridge, the Reconciler, the Event Log, the
// Live State Cache, the Broker Adapter's event stream, the Broadcast Bus,
// the Analytics ETL worker, and a static strategy registry — and runs the
// goroutine-per-concern loops spec §5 calls for: one ingestion loop per
// data source (an external collaborator this package only consumes from),
// one decision loop, one broker event consumer, one reconciler timer, one
// broadcast loop, and one ETL worker.
//
// Grounded on the teacher's engine.Engine: a constructor that builds every
// dependency up front (New), a Start that launches one goroutine per
// concern, and a Stop that cancels and drains them in dependency order.
// Where the teacher ran one goroutine+book+inventory per traded market
// (marketSlot), this package runs one process-wide decision loop over a
// static strategy registry instead — order-level concurrency is the OLE's
// job (orderSlot, keyed by client_order_id), not the orchestrator's.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/internal/analytics"
	"github.com/quantdesk/paperfloor/internal/broadcast"
	"github.com/quantdesk/paperfloor/internal/broker"
	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/eventlog"
	"github.com/quantdesk/paperfloor/internal/metrics"
	"github.com/quantdesk/paperfloor/internal/ole"
	"github.com/quantdesk/paperfloor/internal/reconciler"
	"github.com/quantdesk/paperfloor/internal/risk"
	"github.com/quantdesk/paperfloor/internal/strategy"
	"github.com/quantdesk/paperfloor/internal/supervisor"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// Live State Cache keys the engine owns as a writer. positionPrefix has the
// same value as supervisor.PositionsPrefix, and internal/broadcast repeats
// keyRegime and barPrefix under its own names; the equity and heartbeat keys
// the engine writes are supervisor.KeyEquity and supervisor.KeyHeartbeat.
const (
	keyRegime      = "regime:current"
	positionPrefix = "position:"
	barPrefix      = "bar:"
)

// Engine orchestrates the Trading Process.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	el         *eventlog.Log
	lsc        *cache.Cache
	brokerCli  *broker.Client
	stream     *broker.EventStream
	ole        *ole.Engine
	reconciler *reconciler.Reconciler
	risk       *risk.Manager
	strategies *strategy.Registry
	analytics  *analytics.Store
	etl        *analytics.ETL
	metrics    *metrics.Registry
	broadcast  *broadcast.Server

	processID string

	cashMu sync.Mutex
	cash   decimal.Decimal

	hbSeq atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopped atomic.Bool // set by the first Stop; later calls only wait
}

// New builds every dependency of the Trading Process but starts none of
// them — call Start to launch the goroutines. Strategies must be
// registered via Strategies().Register before Start; this package carries
// no concrete strategy of its own (spec §1 Non-goals).
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	el, err := eventlog.Open(cfg.EventLog.Dir, cfg.EventLog.FsyncInterval, cfg.EventLog.FsyncMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	var cacheOpts []cache.Option
	if cfg.Cache.RedisAddr != "" {
		cacheOpts = append(cacheOpts, cache.WithRedisMirror(cfg.Cache.RedisAddr, cfg.Cache.RedisDB))
	}
	lsc := cache.New(cacheOpts...)

	brokerCli := broker.New(cfg.Broker, cfg.DryRun, logger)
	stream := broker.NewEventStream(cfg.Broker, logger)
	oleEngine := ole.New(cfg.OLE, brokerCli, el, lsc, logger)
	recon := reconciler.New(cfg.Reconciler, brokerCli, oleEngine, lsc, el, logger)
	riskMgr := risk.New(cfg.Risk, logger)
	reg := metrics.NewRegistry()

	store, err := analytics.Open(cfg.Analytics)
	if err != nil {
		el.Close()
		lsc.Close()
		return nil, fmt.Errorf("open analytical store: %w", err)
	}
	etl := analytics.NewETL(store, cfg.EventLog.Dir, cfg.Analytics, logger)

	server := broadcast.NewServer(cfg.Broadcast, cfg.Metrics, reg, lsc, logger)

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		el:         el,
		lsc:        lsc,
		brokerCli:  brokerCli,
		stream:     stream,
		ole:        oleEngine,
		reconciler: recon,
		risk:       riskMgr,
		strategies: strategy.NewRegistry(),
		analytics:  store,
		etl:        etl,
		metrics:    reg,
		broadcast:  server,
		cash:       decimal.NewFromFloat(cfg.Risk.StartingCash),
		processID:  fmt.Sprintf("tp-%d", os.Getpid()),
	}, nil
}

// Strategies exposes the static strategy registry for callers to populate
// before Start — the decision loop iterates whatever is registered here on
// every tick and nothing else.
func (e *Engine) Strategies() *strategy.Registry { return e.strategies }

// OLE exposes the Order Lifecycle Engine for callers that need to submit
// or cancel orders directly (e.g. an operator CLI), alongside the
// strategy-driven decision loop.
func (e *Engine) OLE() *ole.Engine { return e.ole }

// Start launches every Trading Process goroutine and returns immediately.
// Start does not block; callers wait on a signal or other condition and
// then call Stop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.cfg.Broadcast.Enabled {
		go func() {
			if err := e.broadcast.Start(); err != nil {
				e.logger.Error("broadcast bus exited", "error", err)
			}
		}()
	}

	loops := []func(context.Context){
		e.brokerStreamLoop,
		e.brokerEventLoop,
		e.decisionLoop,
		e.reconciler.Run,
		e.heartbeatLoop,
		e.etlLoop,
	}
	e.wg.Add(len(loops))
	for _, loop := range loops {
		loop := loop
		go func() {
			defer e.wg.Done()
			loop(ctx)
		}()
	}

	e.logger.Info("trading process started", "dry_run", e.cfg.DryRun)
	return nil
}

// Stop cancels every loop, waits for them to drain, and closes every
// substrate the Engine opened. Safe to call once; a second call is a no-op
// beyond waiting on already-stopped goroutines.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.stopped.Swap(true) {
		return nil
	}

	var errs []error
	if err := e.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.cfg.Broadcast.Enabled {
		if err := e.broadcast.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.analytics.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.lsc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.el.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("engine stop had %d error(s): %v", len(errs), errs)
}

// brokerStreamLoop owns the single reader of the broker's event stream
// (spec §4.3: "the event stream is consumed by a single reader per
// process"). Run blocks until ctx is cancelled, auto-reconnecting inside.
func (e *Engine) brokerStreamLoop(ctx context.Context) {
	if err := e.stream.Run(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("broker event stream terminated", "error", err)
	}
}

// brokerEventLoop dispatches every frame off the stream to the OLE, applies
// fills to the local position ledger, and republishes the touched order to
// the Broadcast Bus. A reconnect marker triggers an immediate full sweep
// per spec §4.3 ("resubscribe and immediately run reconcile_all()").
func (e *Engine) brokerEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-e.stream.Events():
			if !ok {
				return
			}
			if evt.Kind == broker.ReconnectMarker {
				e.reconciler.SweepAll(ctx)
				continue
			}

			e.ole.OnBrokerEvent(ctx, evt)

			if evt.Kind == types.EventFill {
				if order, found := e.ole.Get(evt.ClientOrderID); found {
					e.applyFill(ctx, order, evt)
				}
			}

			if order, found := e.ole.Get(evt.ClientOrderID); found {
				if e.metrics != nil {
					e.metrics.RecordTransition(string(evt.Kind), string(order.State))
				}
				e.broadcast.Hub().Publish(types.ChannelOrders, order)
			}
		}
	}
}

// applyFill derives the local position and cash ledger from one incremental
// fill. This is the spec §3 "derived from fills" half of Position; the
// Reconciler's sweep periodically overwrites it with the broker's
// authoritative view, which always wins on divergence.
func (e *Engine) applyFill(ctx context.Context, order types.Order, evt types.StreamEvent) {
	qty, err := decimal.NewFromString(evt.Qty)
	if err != nil {
		e.logger.Error("fill event with unparsable qty", "error", err)
		return
	}
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		e.logger.Error("fill event with unparsable price", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.RecordFill(qty.InexactFloat64())
	}

	delta := qty
	if order.Side == types.Sell {
		delta = delta.Neg()
	}

	key := positionPrefix + order.Symbol
	var pos types.Position
	found, _ := e.lsc.Get(key, &pos)
	if !found {
		pos = types.Position{Symbol: order.Symbol}
	}

	sameDirection := pos.NetQty.Sign() == 0 || pos.NetQty.Sign() == delta.Sign()
	if sameDirection {
		totalCost := pos.AvgCost.Mul(pos.NetQty.Abs()).Add(price.Mul(qty))
		totalQty := pos.NetQty.Abs().Add(qty)
		if !totalQty.IsZero() {
			pos.AvgCost = totalCost.Div(totalQty)
		}
	} else {
		closedQty := qty
		if pos.NetQty.Abs().LessThan(qty) {
			closedQty = pos.NetQty.Abs()
		}
		if pos.NetQty.IsPositive() {
			pos.RealizedPnL = pos.RealizedPnL.Add(price.Sub(pos.AvgCost).Mul(closedQty))
		} else {
			pos.RealizedPnL = pos.RealizedPnL.Add(pos.AvgCost.Sub(price).Mul(closedQty))
		}
	}

	pos.Symbol = order.Symbol
	pos.NetQty = pos.NetQty.Add(delta)
	pos.UpdatedAt = time.Now().UTC()
	pos.Version++

	if _, err := e.lsc.Set(ctx, key, pos.UpdatedAt, pos); err != nil {
		e.logger.Error("failed to write position to cache", "symbol", order.Symbol, "error", err)
	}
	e.broadcast.Hub().Publish(types.ChannelPositions, pos)

	e.cashMu.Lock()
	if order.Side == types.Buy {
		e.cash = e.cash.Sub(price.Mul(qty))
	} else {
		e.cash = e.cash.Add(price.Mul(qty))
	}
	e.cashMu.Unlock()
}

// decisionLoop runs the serial Regime -> Strategy -> Risk/Portfolio -> OLE
// pipeline (spec §2) on cfg.Engine.DecisionInterval. It is a no-op (beyond
// publishing equity) until at least one Capability is registered.
func (e *Engine) decisionLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.DecisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	var halt types.HaltFlag
	if found, _ := e.lsc.Get(supervisor.KeyHalt, &halt); found && halt.Active && !e.ole.Halted() {
		e.ole.Halt(halt.Reason)
	}
	if e.ole.Halted() {
		return
	}

	positions := e.snapshotPositions()
	bars := e.snapshotBars()
	pf := e.buildPortfolio(positions, bars)
	equity := e.publishEquity(ctx, pf)

	regime := e.currentRegime()
	stratCtx := strategy.Context{
		Now:       time.Now().UTC(),
		Regime:    regime,
		Positions: positions,
		Bars:      bars,
		Equity:    equity,
	}

	for _, cap := range e.strategies.All() {
		if !cap.ShouldRun(regime) {
			continue
		}
		for _, intent := range cap.ProduceIntents(stratCtx) {
			e.submitIntent(ctx, intent, pf)
		}
	}
}

func (e *Engine) submitIntent(ctx context.Context, intent types.Intent, pf risk.Portfolio) {
	approved, err := e.risk.Approve(intent, pf)
	if err != nil {
		e.logger.Warn("intent rejected by risk gate", "symbol", intent.Symbol, "error", err)
		if e.metrics != nil {
			e.metrics.RecordRiskRejection(err.Error())
		}
		return
	}

	order, err := e.ole.Submit(ctx, approved)
	if err != nil {
		e.logger.Error("submit failed", "symbol", approved.Symbol, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.RecordOrderCreated(string(approved.Side))
	}
	e.broadcast.Hub().Publish(types.ChannelOrders, order)
}

func (e *Engine) currentRegime() types.Regime {
	var regime types.Regime
	if found, _ := e.lsc.Get(keyRegime, &regime); found {
		return regime
	}
	return types.RegimeUnknown
}

func (e *Engine) snapshotPositions() map[string]types.Position {
	out := make(map[string]types.Position)
	for _, key := range e.lsc.Keys(positionPrefix) {
		var pos types.Position
		if found, _ := e.lsc.Get(key, &pos); found {
			out[pos.Symbol] = pos
		}
	}
	return out
}

func (e *Engine) snapshotBars() map[string]types.BarRecord {
	out := make(map[string]types.BarRecord)
	for _, key := range e.lsc.Keys(barPrefix) {
		var bar types.BarRecord
		if found, _ := e.lsc.Get(key, &bar); found {
			out[bar.Symbol] = bar
		}
	}
	return out
}

func (e *Engine) buildPortfolio(positions map[string]types.Position, bars map[string]types.BarRecord) risk.Portfolio {
	pf := risk.Portfolio{
		PositionValue: make(map[string]decimal.Decimal, len(positions)),
		MarkPrice:     make(map[string]decimal.Decimal, len(positions)),
	}

	var gross decimal.Decimal
	for symbol, pos := range positions {
		value := pos.NetQty.Mul(pos.AvgCost).Abs()
		pf.PositionValue[symbol] = value
		pf.MarkPrice[symbol] = pos.AvgCost
		gross = gross.Add(value)
	}
	// A live bar close is a fresher mark than cost basis — it overrides the
	// position-derived fallback wherever the (out-of-scope) ingestion
	// collaborator has published one.
	for symbol, bar := range bars {
		pf.MarkPrice[symbol] = bar.Close
	}
	pf.GrossExposure = gross

	for _, order := range e.ole.Snapshot() {
		if !order.State.Terminal() {
			pf.OpenOrdersCount++
		}
	}

	e.cashMu.Lock()
	cash := e.cash
	e.cashMu.Unlock()
	pf.Equity = cash.Add(gross)

	return pf
}

// publishEquity recomputes the account's EquityPoint from the cash ledger
// and current positions and writes it to both the Event Log and the Live
// State Cache, where the Supervisor's kill-rule evaluator reads it.
func (e *Engine) publishEquity(ctx context.Context, pf risk.Portfolio) types.EquityPoint {
	point := types.EquityPoint{
		Ts:             time.Now().UTC(),
		Equity:         pf.Equity,
		Cash:           pf.Equity.Sub(pf.GrossExposure),
		PositionsValue: pf.GrossExposure,
	}

	if _, err := e.el.Append(types.KindMetric, point); err != nil {
		e.logger.Error("failed to log equity point", "error", err)
	}
	if _, err := e.lsc.Set(ctx, supervisor.KeyEquity, point.Ts, point); err != nil {
		e.logger.Error("failed to publish equity to cache", "error", err)
	}
	e.broadcast.Hub().Publish(types.ChannelEquity, point)
	return point
}

// heartbeatLoop publishes a Heartbeat to the Live State Cache on
// cfg.Engine.HeartbeatInterval. The Supervisor's RuleHeartbeatStale trips
// if this stops arriving, independent of whether this process is merely
// slow or has crashed outright.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := types.Heartbeat{
				ProcessID: e.processID,
				Role:      types.RoleTrading,
				Ts:        time.Now().UTC(),
				Seq:       e.hbSeq.Add(1),
			}
			if _, err := e.lsc.Set(ctx, supervisor.KeyHeartbeat, hb.Ts, hb); err != nil {
				e.logger.Error("failed to publish heartbeat", "error", err)
			}
			e.broadcast.Hub().Publish(types.ChannelHealth, hb)
		}
	}
}

// etlLoop replays the Event Log into the Analytical Store on
// cfg.Analytics.ETLInterval. A RejectedTierError stops this run (and is
// logged) but never the process — spec §9's TIER_0 rejection only needs to
// keep bad bars out of the Analytical Store, not halt trading.
func (e *Engine) etlLoop(ctx context.Context) {
	interval := e.cfg.Analytics.ETLInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.etl.Run()
			if err != nil {
				e.logger.Error("analytics etl run failed", "error", err)
				continue
			}
			e.logger.Debug("analytics etl run complete", "records_loaded", n)
		}
	}
}
