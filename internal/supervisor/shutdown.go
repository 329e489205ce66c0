package supervisor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/pkg/types"
)

// Actuate carries out the spec §4.4 action for whatever rule tripped.
// Daily loss, Max drawdown, and Heartbeat staleness get the full shutdown
// sequence (halt flag, cancel everything, flatten everything, terminate the
// Trading Process). Concentration and Zombie are narrow, targeted actions
// that leave the rest of the book and the Trading Process running.
// End-of-week only flattens positions.
func (s *Supervisor) Actuate(ctx context.Context, verdict Verdict) error {
	switch verdict.Rule {
	case RuleConcentration:
		return s.actuateConcentration(ctx, verdict)
	case RuleZombieOrder:
		return s.actuateZombie(ctx, verdict)
	case RuleEndOfWeek:
		return s.flattenPositions(ctx, "")
	default:
		return s.actuateFullShutdown(ctx, verdict)
	}
}

// actuateFullShutdown runs the book-wide shutdown sequence: set the halt
// flag, cancel every open order, flatten every open position, then
// terminate the Trading Process — cooperatively first, forcibly after
// ShutdownGrace. Every step runs even if an earlier one fails; a broker
// outage during cancel must not stop the halt flag from being set, and vice
// versa.
func (s *Supervisor) actuateFullShutdown(ctx context.Context, verdict Verdict) error {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()

	var errs []error

	if err := s.setHaltFlag(ctx, verdict); err != nil {
		errs = append(errs, fmt.Errorf("set halt flag: %w", err))
	}

	if err := s.broker.CancelAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cancel all: %w", err))
	}

	if err := s.flattenPositions(ctx, ""); err != nil {
		errs = append(errs, fmt.Errorf("flatten positions: %w", err))
	}

	s.terminateTradingProcess()

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("shutdown actuation had %d error(s): %v", len(errs), errs)
}

// actuateConcentration flattens only the single over-concentrated symbol
// (spec §4.4: "Flatten that symbol"). It does not touch the halt flag,
// other symbols' positions, open orders elsewhere in the book, or the
// Trading Process.
func (s *Supervisor) actuateConcentration(ctx context.Context, verdict Verdict) error {
	if verdict.Symbol == "" {
		return fmt.Errorf("concentration verdict missing symbol")
	}
	return s.flattenPositions(ctx, verdict.Symbol)
}

// actuateZombie cancels only the one order that tripped the zombie rule
// (spec §4.4: "Cancel via direct broker access"). It does not set the halt
// flag, flatten any position, or touch any other order.
func (s *Supervisor) actuateZombie(ctx context.Context, verdict Verdict) error {
	if verdict.OrderID == "" {
		return fmt.Errorf("zombie verdict missing order id")
	}
	if err := s.broker.CancelOrder(ctx, verdict.OrderID); err != nil {
		return fmt.Errorf("cancel zombie order %s: %w", verdict.OrderID, err)
	}
	return nil
}

func (s *Supervisor) setHaltFlag(ctx context.Context, verdict Verdict) error {
	flag := types.HaltFlag{
		Active: true,
		Reason: fmt.Sprintf("%s: %s", verdict.Rule, verdict.Reason),
		SetBy:  "supervisor",
		SetAt:  time.Now().UTC(),
	}
	if _, err := s.lsc.Set(ctx, KeyHalt, flag.SetAt, flag); err != nil {
		return err
	}
	_, err := s.el.Append(types.KindHalt, flag)
	return err
}

// flattenPositions issues a closing market order for every nonzero position
// the broker reports, or for a single symbol when only is non-empty. It
// bypasses the Trading Process's OLE entirely — the Supervisor talks to the
// broker directly with its own client_order_ids, so a frozen or crashed
// Trading Process never blocks a flatten.
func (s *Supervisor) flattenPositions(ctx context.Context, only string) error {
	positions, err := s.broker.ListPositions(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, bp := range positions {
		if only != "" && bp.Symbol != only {
			continue
		}
		qty, err := decimal.NewFromString(bp.Qty)
		if err != nil || qty.IsZero() {
			continue
		}

		side := types.Sell
		if qty.IsNegative() {
			side = types.Buy
			qty = qty.Abs()
		}

		req := types.PlaceOrderRequest{
			ClientOrderID: fmt.Sprintf("flatten-%s-%d", bp.Symbol, time.Now().UnixNano()),
			Symbol:        bp.Symbol,
			Qty:           qty.String(),
			Side:          string(side),
			Type:          string(types.Market),
			TimeInForce:   "day",
		}
		if _, err := s.broker.PlaceOrder(ctx, req); err != nil {
			s.logger.Error("flatten order failed", "symbol", bp.Symbol, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// terminateTradingProcess sends SIGTERM to the Trading Process and escalates
// to SIGKILL after ShutdownGrace if it is still alive. It is a no-op when no
// pid resolver was configured (WithTradingProcessPID) — in that deployment
// shape the Trading Process is expected to observe the halt flag on its own
// and drain, and nothing here can reach across process boundaries to force it.
func (s *Supervisor) terminateTradingProcess() {
	if s.tpPID == nil {
		return
	}
	pid, ok := s.tpPID()
	if !ok {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		s.logger.Error("cannot find trading process", "pid", pid, "error", err)
		return
	}

	if runtime.GOOS == "windows" {
		_ = proc.Kill()
		return
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM to trading process failed, assuming it is already gone", "pid", pid, "error", err)
		return
	}

	time.AfterFunc(s.cfg.ShutdownGrace, func() {
		if processAlive(pid) {
			s.logger.Warn("trading process still alive after grace period, sending SIGKILL", "pid", pid)
			_ = proc.Signal(syscall.SIGKILL)
		}
	})
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
