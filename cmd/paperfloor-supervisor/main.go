// Command paperfloor-supervisor is the run-supervisor entry point: the
// Independent Supervisor process (spec §4.4). It holds its own broker
// credentials, distinct from the Trading Process's, and evaluates kill rules
// against the Live State Cache and the broker directly until one trips or it
// is told to stop.
//
// Exit codes: 0 normal shutdown (ctx cancelled before any rule tripped), 2
// config error, 4 supervisor-initiated termination (a kill rule fired and
// shutdown was actuated), 5 unrecoverable internal error.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantdesk/paperfloor/internal/broker"
	"github.com/quantdesk/paperfloor/internal/cache"
	"github.com/quantdesk/paperfloor/internal/config"
	"github.com/quantdesk/paperfloor/internal/eventlog"
	"github.com/quantdesk/paperfloor/internal/supervisor"
)

var (
	cfgFile string
	pidFile string
)

var rootCmd = &cobra.Command{
	Use:   "paperfloor-supervisor",
	Short: "Run the paperfloor Independent Supervisor",
	RunE:  runSupervisor,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "supervisor.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&pidFile, "tp-pidfile", "", "path to the Trading Process's pidfile, for cooperative termination on kill")
}

func main() {
	err := rootCmd.Execute()
	os.Exit(exitCodeFor(err))
}

type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	for e := err; e != nil; {
		if ee, ok := e.(*exitErr); ok {
			return ee.code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return 5
		}
		e = u.Unwrap()
	}
	return 5
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return &exitErr{2, fmt.Errorf("load config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return &exitErr{2, fmt.Errorf("validate config: %w", err)}
	}

	logger := newLogger(cfg.Logging)

	el, err := eventlog.Open(cfg.EventLog.Dir, cfg.EventLog.FsyncInterval, cfg.EventLog.FsyncMaxBytes)
	if err != nil {
		return &exitErr{5, fmt.Errorf("open event log: %w", err)}
	}
	defer el.Close()

	var cacheOpts []cache.Option
	if cfg.Cache.RedisAddr != "" {
		cacheOpts = append(cacheOpts, cache.WithRedisMirror(cfg.Cache.RedisAddr, cfg.Cache.RedisDB))
	}
	lsc := cache.New(cacheOpts...)
	defer lsc.Close()

	brokerCli := broker.New(cfg.Broker, cfg.DryRun, logger)

	var opts []supervisor.Option
	if pidFile != "" {
		opts = append(opts, supervisor.WithTradingProcessPID(pidResolver(pidFile)))
	}
	sup := supervisor.New(cfg.KillRules, brokerCli, lsc, el, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("supervisor received shutdown signal")
		cancel()
	}()

	verdict := sup.Run(ctx)
	if verdict.Triggered {
		logger.Warn("supervisor actuated shutdown", "rule", verdict.Rule, "reason", verdict.Reason)
		return &exitErr{4, fmt.Errorf("kill rule %s triggered: %s", verdict.Rule, verdict.Reason)}
	}

	logger.Info("supervisor stopped without a kill rule triggering")
	return nil
}

// pidResolver reads the Trading Process's pid from a file the TP writes on
// start. A missing or unparsable pidfile is treated as "unmanaged" — the
// Supervisor still sets the halt flag and flattens positions, it just can't
// send the TP a signal directly (spec §4.4: the cooperative halt-flag path
// is always attempted first regardless).
func pidResolver(path string) func() (int, bool) {
	return func() (int, bool) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, false
		}
		pid, err := strconv.Atoi(string(trimNewline(data)))
		if err != nil {
			return 0, false
		}
		return pid, true
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
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
