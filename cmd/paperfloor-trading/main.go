// Command paperfloor-trading is the run-trading entry point: it owns the
// Order Lifecycle Engine, the Risk/Portfolio bridge, the Reconciler, and
// every substrate (Event Log, Live State Cache, Analytical Store, Broadcast
// Bus) the Trading Process writes to. It never carries a concrete trading
// strategy of its own — registering one is left to whatever binary embeds
// this process's engine, an external collaborator per spec §1's Non-goals.
//
// Exit codes: 0 normal shutdown, 2 config error, 3 halt flag already set on
// start, 5 unrecoverable internal error.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/engine"
	"github.com/quantdesk/paperfloor/internal/supervisor"
	"github.com/quantdesk/paperfloor/pkg/types"
)

var (
	cfgFile string
	pidFile string
)

var rootCmd = &cobra.Command{
	Use:   "paperfloor-trading",
	Short: "Run the paperfloor Trading Process",
	RunE:  runTrading,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&pidFile, "pidfile", "", "write this process's pid here, for the Supervisor's --tp-pidfile")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitErr carries the process's intended exit code alongside the error that
// produced it, so main can translate it without runTrading calling os.Exit
// directly (which would skip cobra's own error printing).
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitErr
	if ok := asExitErr(err, &ee); ok {
		return ee.code
	}
	return 5
}

func asExitErr(err error, target **exitErr) bool {
	for err != nil {
		if ee, ok := err.(*exitErr); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func runTrading(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return &exitErr{2, fmt.Errorf("load config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return &exitErr{2, fmt.Errorf("validate config: %w", err)}
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		return &exitErr{5, fmt.Errorf("build engine: %w", err)}
	}

	if halt, found, herr := peekHalt(cfg.Cache); herr == nil && found && halt.Active {
		logger.Error("halt flag already set, refusing to start trading", "reason", halt.Reason)
		eng.Stop()
		return &exitErr{3, fmt.Errorf("halt flag active: %s", halt.Reason)}
	}

	// Strategies are an external collaborator (spec §1 Non-goals) — none are
	// registered here. An embedding binary calls eng.Strategies().Register
	// before Start if it wants the decision loop to actually submit orders.

	if pidFile != "" {
		if werr := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); werr != nil {
			logger.Warn("failed to write pidfile", "path", pidFile, "error", werr)
		} else {
			defer os.Remove(pidFile)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return &exitErr{5, fmt.Errorf("start engine: %w", err)}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down trading process")
	cancel()
	if err := eng.Stop(); err != nil {
		return &exitErr{5, fmt.Errorf("stop engine: %w", err)}
	}
	return nil
}

// peekHalt opens a throwaway cache handle against the same Redis mirror (if
// configured) purely to check the halt flag before the engine is started.
// It runs after engine.New, but reads the mirror through its own handle
// rather than the engine's cache. With no Redis mirror configured, the halt flag lives only
// in-process and can never be preset before the first run — start proceeds.
func peekHalt(cacheCfg config.CacheConfig) (types.HaltFlag, bool, error) {
	var halt types.HaltFlag
	if cacheCfg.RedisAddr == "" {
		return halt, false, nil
	}
	c := cache.New(cache.WithRedisMirror(cacheCfg.RedisAddr, cacheCfg.RedisDB))
	defer c.Close()

	found, err := c.Get(supervisor.KeyHalt, &halt)
	return halt, found, err
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
