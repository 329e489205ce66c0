package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/pkg/types"
)

// RuleName identifies which kill rule tripped.
type RuleName string

const (
	RuleDailyLoss      RuleName = "daily_loss"
	RuleMaxDrawdown    RuleName = "max_drawdown"
	RuleConcentration  RuleName = "concentration"
	RuleZombieOrder    RuleName = "zombie_order"
	RuleHeartbeatStale RuleName = "heartbeat_stale"
	RuleEndOfWeek      RuleName = "end_of_week"
)

// Verdict is the outcome of one evaluation cycle. Symbol and ClientOrderID
// are only populated for rules whose spec §4.4 action targets a single
// symbol or order (Concentration, Zombie) rather than the whole book.
type Verdict struct {
	Triggered     bool
	Rule          RuleName
	Reason        string
	Symbol        string
	OrderID       string
	ClientOrderID string
}

// Halts reports whether this rule's spec §4.4 action is a book-wide halt
// (set the halt flag, cancel everything, flatten everything, terminate the
// Trading Process) as opposed to a narrow, targeted action that leaves
// trading running. Only Daily loss, Max drawdown, and Heartbeat staleness
// halt; Concentration and Zombie act on one symbol/order, and End-of-week
// only flattens positions.
func (v Verdict) Halts() bool {
	switch v.Rule {
	case RuleDailyLoss, RuleMaxDrawdown, RuleHeartbeatStale:
		return true
	default:
		return false
	}
}

// newYork is the reference zone for the end-of-week rule (spec §4.4: "Friday
// 15:55 ET"). A missing tzdata install falls back to UTC rather than failing
// evaluation outright — the eval loop must never stop just because a zone
// database is unavailable.
func newYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// Evaluate recomputes KillRuleState from the Live State Cache and the broker
// and checks every rule in spec §4.4's table in a fixed order. The first
// tripped rule wins — the Supervisor acts on one cause at a time.
func (s *Supervisor) Evaluate(ctx context.Context) (Verdict, error) {
	if s.alreadyHalted() {
		return Verdict{}, nil
	}

	if v, ok := s.checkHeartbeat(); ok {
		return v, nil
	}

	var equity types.EquityPoint
	haveEquity, err := s.lsc.Get(KeyEquity, &equity)
	if err != nil {
		return Verdict{}, fmt.Errorf("read equity: %w", err)
	}
	if haveEquity {
		if v, ok := s.checkDrawdownAndDailyLoss(equity); ok {
			return v, nil
		}
	}

	if v, ok, err := s.checkConcentration(haveEquity, equity); err != nil {
		return Verdict{}, err
	} else if ok {
		return v, nil
	}

	if v, ok, err := s.checkZombieOrders(ctx); err != nil {
		return Verdict{}, err
	} else if ok {
		return v, nil
	}

	if v, ok := s.checkEndOfWeek(time.Now()); ok {
		return v, nil
	}

	return Verdict{}, nil
}

func (s *Supervisor) checkHeartbeat() (Verdict, bool) {
	var hb types.Heartbeat
	found, err := s.lsc.Get(KeyHeartbeat, &hb)
	if err != nil || !found {
		// No heartbeat published yet: the Trading Process may simply not have
		// started. Only treat this as staleness once one has been observed.
		return Verdict{}, false
	}
	age := time.Since(hb.Ts)
	if age > s.cfg.HeartbeatStaleTimeout {
		return Verdict{
			Triggered: true,
			Rule:      RuleHeartbeatStale,
			Reason:    fmt.Sprintf("trading process heartbeat is %s old, exceeds %s", age, s.cfg.HeartbeatStaleTimeout),
		}, true
	}
	return Verdict{}, false
}

func (s *Supervisor) checkDrawdownAndDailyLoss(equity types.EquityPoint) (Verdict, bool) {
	s.mu.Lock()
	anchor := equity.Ts.In(newYork()).Format("2006-01-02")
	if s.dayAnchor != anchor {
		s.dayAnchor = anchor
		s.dayOpenEquity = equity.Equity
	}
	if equity.Equity.GreaterThan(s.peakEquity) {
		s.peakEquity = equity.Equity
	}
	peak := s.peakEquity
	dayOpen := s.dayOpenEquity
	s.mu.Unlock()

	if peak.IsPositive() {
		drawdown := peak.Sub(equity.Equity).Div(peak)
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.MaxDrawdownPct)) {
			return Verdict{
				Triggered: true,
				Rule:      RuleMaxDrawdown,
				Reason:    fmt.Sprintf("drawdown %.4f from peak %s exceeds %.4f", drawdown.InexactFloat64(), peak, s.cfg.MaxDrawdownPct),
			}, true
		}
	}

	if dayOpen.IsPositive() {
		dailyPnLPct := equity.Equity.Sub(dayOpen).Div(dayOpen)
		if dailyPnLPct.LessThanOrEqual(decimal.NewFromFloat(-s.cfg.DailyLossPct)) {
			return Verdict{
				Triggered: true,
				Rule:      RuleDailyLoss,
				Reason:    fmt.Sprintf("daily pnl %.4f exceeds loss limit %.4f", dailyPnLPct.InexactFloat64(), s.cfg.DailyLossPct),
			}, true
		}
	}
	return Verdict{}, false
}

func (s *Supervisor) checkConcentration(haveEquity bool, equity types.EquityPoint) (Verdict, bool, error) {
	if !haveEquity || !equity.Equity.IsPositive() {
		return Verdict{}, false, nil
	}

	var largest decimal.Decimal
	var largestSymbol string
	for _, key := range s.lsc.Keys(PositionsPrefix) {
		var pos types.Position
		found, err := s.lsc.Get(key, &pos)
		if err != nil || !found {
			continue
		}
		value := pos.NetQty.Mul(pos.AvgCost).Abs()
		if value.GreaterThan(largest) {
			largest = value
			largestSymbol = pos.Symbol
		}
	}
	if largest.IsZero() {
		return Verdict{}, false, nil
	}

	pct := largest.Div(equity.Equity)
	if pct.GreaterThan(decimal.NewFromFloat(s.cfg.ConcentrationPct)) {
		return Verdict{
			Triggered: true,
			Rule:      RuleConcentration,
			Reason:    fmt.Sprintf("%s position is %.4f of equity, exceeds %.4f", largestSymbol, pct.InexactFloat64(), s.cfg.ConcentrationPct),
			Symbol:    largestSymbol,
		}, true, nil
	}
	return Verdict{}, false, nil
}

func (s *Supervisor) checkZombieOrders(ctx context.Context) (Verdict, bool, error) {
	orders, err := s.broker.ListOrders(ctx)
	if err != nil {
		return Verdict{}, false, fmt.Errorf("list orders for zombie check: %w", err)
	}
	for _, o := range orders {
		if isTerminalBrokerStatus(o.Status) {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339, o.CreatedAt)
		if err != nil {
			continue
		}
		if age := time.Since(createdAt); age > s.cfg.ZombieTimeout {
			return Verdict{
				Triggered:     true,
				Rule:          RuleZombieOrder,
				Reason:        fmt.Sprintf("order %s (%s) open for %s, exceeds %s", o.ID, o.ClientOrderID, age, s.cfg.ZombieTimeout),
				OrderID:       o.ID,
				ClientOrderID: o.ClientOrderID,
			}, true, nil
		}
	}
	return Verdict{}, false, nil
}

func isTerminalBrokerStatus(status string) bool {
	switch status {
	case "filled", "canceled", "cancelled", "rejected", "expired":
		return true
	default:
		return false
	}
}

func (s *Supervisor) checkEndOfWeek(now time.Time) (Verdict, bool) {
	local := now.In(newYork())
	if local.Weekday() != time.Friday {
		return Verdict{}, false
	}
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.EndOfWeekHour, s.cfg.EndOfWeekMinute, 0, 0, local.Location())
	if local.Before(cutoff) {
		return Verdict{}, false
	}
	return Verdict{
		Triggered: true,
		Rule:      RuleEndOfWeek,
		Reason:    fmt.Sprintf("past end-of-week cutoff %02d:%02d ET", s.cfg.EndOfWeekHour, s.cfg.EndOfWeekMinute),
	}, true
}
