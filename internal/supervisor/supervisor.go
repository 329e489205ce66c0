// Package supervisor implements the Independent Supervisor (spec §4.4): a
// process that runs separately from the Trading Process, holds its own
// broker credentials, and has the sole authority to halt trading and flatten
// the book. It never depends on the Trading Process being alive or
// cooperative — every read it needs (equity, positions, open orders,
// heartbeats) comes from the Live State Cache and the broker directly, both
// of which the Trading Process writes to but does not gate access to.
//
// The Supervisor's authority is deliberately narrower than it sounds: it can
// only set the halt flag, cancel orders, and flatten positions. It never
// submits a new directional order and never clears its own halt flag — that
// requires explicit operator action against the Live State Cache (spec
// invariant: "cleared only by operator action, not by restart").
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/internal/broker"
	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/eventlog"
	"github.com/quantdesk/paperfloor/pkg/types"
)

// Live State Cache keys shared with the Trading Process. The Trading Process
// publishes the heartbeat, equity and position keys, which the Supervisor
// only reads; the Supervisor writes KeyHalt when it halts trading.
const (
	KeyHeartbeat  = "heartbeat:trading"
	KeyEquity     = "equity:current"
	KeyHalt       = "halt"
	PositionsPrefix = "position:"
)

// Supervisor evaluates kill rules on a fixed cadence and actuates a shutdown
// the first time one trips. It holds its own *broker.Client, constructed by
// the caller from the Supervisor's own credential block (spec §4.4:
// "independent credential pair").
type Supervisor struct {
	cfg    config.KillRuleConfig
	broker *broker.Client
	lsc    *cache.Cache
	el     *eventlog.Log
	logger *slog.Logger

	tpPID func() (int, bool) // resolves the Trading Process pid on demand; nil if unmanaged

	mu            sync.Mutex
	peakEquity    decimal.Decimal
	dayOpenEquity decimal.Decimal
	dayAnchor     string // YYYY-MM-DD in America/New_York, the trading-day this dayOpenEquity belongs to
	halted        bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTradingProcessPID lets the Supervisor send termination signals to the
// Trading Process once it decides to shut down. Without it, Actuate still
// sets the halt flag and flattens the book, but relies on the Trading
// Process observing the halt flag itself and draining (spec §4.4's
// "cooperative" path is always attempted first regardless).
func WithTradingProcessPID(resolve func() (int, bool)) Option {
	return func(s *Supervisor) { s.tpPID = resolve }
}

// New creates a Supervisor.
func New(cfg config.KillRuleConfig, brokerClient *broker.Client, lsc *cache.Cache, el *eventlog.Log, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		broker: brokerClient,
		lsc:    lsc,
		el:     el,
		logger: logger.With("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run evaluates kill rules every cfg.EvalInterval until ctx is cancelled or a
// rule trips and shutdown is actuated. It returns the verdict that caused it
// to stop, or a zero Verdict if ctx was cancelled first.
func (s *Supervisor) Run(ctx context.Context) Verdict {
	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Verdict{}
		case <-ticker.C:
			verdict, err := s.Evaluate(ctx)
			if err != nil {
				s.logger.Error("kill rule evaluation failed", "error", err)
				continue
			}
			if !verdict.Triggered {
				continue
			}
			s.logger.Warn("kill rule triggered", "rule", verdict.Rule, "reason", verdict.Reason)
			if err := s.Actuate(ctx, verdict); err != nil {
				s.logger.Error("shutdown actuation failed", "error", err)
			}
			if verdict.Halts() {
				return verdict
			}
			// Concentration, Zombie, and End-of-week are narrow actions: the
			// book-wide halt flag was never set, so keep auditing.
		}
	}
}

func (s *Supervisor) alreadyHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}
