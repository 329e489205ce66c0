// Package config defines all configuration for both processes (the Trading
// Process and the Supervisor Process). Config is loaded from a YAML file
// with sensitive fields overridable via PAPERFLOOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
// Both cmd/paperfloor-trading and cmd/paperfloor-supervisor load this same
// shape; each process only reads the sections it needs. Each process loads
// its own file, so the single Broker section of that file holds that
// process's own credentials.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	OLE        OLEConfig        `mapstructure:"ole"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Risk       RiskConfig       `mapstructure:"risk"`
	KillRules  KillRuleConfig   `mapstructure:"kill_rules"`
	EventLog   EventLogConfig   `mapstructure:"event_log"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

// EngineConfig tunes the Trading Process orchestrator's own loop cadences —
// the decision loop and heartbeat publication — as opposed to any one
// subsystem's internal timers (those live in OLEConfig, ReconcilerConfig,
// etc.). Spec §5 names exactly one decision loop and one heartbeat per
// process.
type EngineConfig struct {
	DecisionInterval  time.Duration `mapstructure:"decision_interval"`  // cadence of regime -> strategy -> risk -> OLE
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // cadence of LSC heartbeat publication
}

// BrokerConfig holds the credentials and endpoints for the Alpaca-shaped
// paper-trading broker. TP and SP each hold a distinct Config with a
// distinct BrokerConfig — per spec §4.4/§6, "Broker credentials for TP and
// SP are distinct" and neither process shares a broker session.
type BrokerConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	StreamURL     string        `mapstructure:"stream_url"`
	KeyID         string        `mapstructure:"key_id"`
	SecretKey     string        `mapstructure:"secret_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OLEConfig tunes the Order Lifecycle Engine's timers (spec §4.1).
// MaxRetries and RetryBaseDelay are loaded and defaulted, but internal/ole
// does not read them: Submit makes one PlaceOrder call per order, and the
// only retries are those inside the broker client itself.
type OLEConfig struct {
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`      // T_ack, default 3s
	ZombieTimeout   time.Duration `mapstructure:"zombie_timeout"`   // T_zombie, default 300s
	MaxRetries      int           `mapstructure:"max_retries"`      // N_retry, default 3
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
}

// ReconcilerConfig tunes the periodic sweep cadence (spec §4.2).
type ReconcilerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // T_reco, default 30s
	NotFoundGrace time.Duration `mapstructure:"not_found_grace"`
}

// RiskConfig sets the TP-side pre-trade sizing limits the Risk/Portfolio
// bridge enforces before an Intent reaches the OLE.
type RiskConfig struct {
	MaxPositionPerSymbolPct float64       `mapstructure:"max_position_per_symbol_pct"`
	MaxGrossExposurePct     float64       `mapstructure:"max_gross_exposure_pct"`
	MaxOpenOrders           int           `mapstructure:"max_open_orders"`
	CooldownAfterReject     time.Duration `mapstructure:"cooldown_after_reject"`
	StartingCash            float64       `mapstructure:"starting_cash"` // seeds the engine's local cash ledger (spec §3 Equity Point)
}

// KillRuleConfig sets the Supervisor's kill-rule thresholds (spec §4.4 table).
type KillRuleConfig struct {
	EvalInterval            time.Duration `mapstructure:"eval_interval"` // default 5s
	DailyLossPct            float64       `mapstructure:"daily_loss_pct"`            // default 0.05
	MaxDrawdownPct          float64       `mapstructure:"max_drawdown_pct"`          // default 0.15
	ConcentrationPct        float64       `mapstructure:"concentration_pct"`         // default 0.25
	ZombieTimeout           time.Duration `mapstructure:"zombie_timeout"`            // default 300s
	HeartbeatStaleTimeout   time.Duration `mapstructure:"heartbeat_stale_timeout"`   // default 30s
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace"`            // T_grace, default 10s
	EndOfWeekHour           int           `mapstructure:"end_of_week_hour"`          // 15 (ET)
	EndOfWeekMinute         int           `mapstructure:"end_of_week_minute"`        // 55
}

// EventLogConfig controls the append-only Event Log.
type EventLogConfig struct {
	Dir             string        `mapstructure:"dir"`
	FsyncInterval   time.Duration `mapstructure:"fsync_interval"`   // default 100ms
	FsyncMaxBytes   int           `mapstructure:"fsync_max_bytes"`  // default 64 KiB
}

// AnalyticsConfig controls the DuckDB-backed Analytical Store and its ETL.
type AnalyticsConfig struct {
	DBPath          string        `mapstructure:"db_path"`
	ETLInterval     time.Duration `mapstructure:"etl_interval"`
	RejectTierUniverse bool       `mapstructure:"reject_tier_universe"`
}

// CacheConfig controls the Live State Cache and its optional Redis mirror.
type CacheConfig struct {
	RedisAddr string `mapstructure:"redis_addr"` // empty = in-memory only
	RedisDB   int    `mapstructure:"redis_db"`
}

// BroadcastConfig controls the Broadcast Bus HTTP/WebSocket server.
type BroadcastConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PAPERFLOOR_BROKER_KEY_ID, PAPERFLOOR_BROKER_SECRET_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PAPERFLOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("PAPERFLOOR_BROKER_KEY_ID"); key != "" {
		cfg.Broker.KeyID = key
	}
	if secret := os.Getenv("PAPERFLOOR_BROKER_SECRET_KEY"); secret != "" {
		cfg.Broker.SecretKey = secret
	}
	if os.Getenv("PAPERFLOOR_DRY_RUN") == "true" || os.Getenv("PAPERFLOOR_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ole.ack_timeout", 3*time.Second)
	v.SetDefault("ole.zombie_timeout", 300*time.Second)
	v.SetDefault("ole.max_retries", 3)
	v.SetDefault("ole.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("reconciler.sweep_interval", 30*time.Second)
	v.SetDefault("reconciler.not_found_grace", 10*time.Second)
	v.SetDefault("kill_rules.eval_interval", 5*time.Second)
	v.SetDefault("kill_rules.daily_loss_pct", 0.05)
	v.SetDefault("kill_rules.max_drawdown_pct", 0.15)
	v.SetDefault("kill_rules.concentration_pct", 0.25)
	v.SetDefault("kill_rules.zombie_timeout", 300*time.Second)
	v.SetDefault("kill_rules.heartbeat_stale_timeout", 30*time.Second)
	v.SetDefault("kill_rules.shutdown_grace", 10*time.Second)
	v.SetDefault("kill_rules.end_of_week_hour", 15)
	v.SetDefault("kill_rules.end_of_week_minute", 55)
	v.SetDefault("event_log.fsync_interval", 100*time.Millisecond)
	v.SetDefault("event_log.fsync_max_bytes", 64*1024)
	v.SetDefault("analytics.reject_tier_universe", true)
	v.SetDefault("broker.request_timeout", 10*time.Second)
	v.SetDefault("engine.decision_interval", 1*time.Second)
	v.SetDefault("engine.heartbeat_interval", 5*time.Second)
	v.SetDefault("risk.starting_cash", 100000.0)
}

// Validate checks all required fields and value ranges. It is deliberately
// shallow — the spec treats config file parsing itself as an external
// concern (spec.md §1 Non-goals); this only guards the invariants the core
// subsystems depend on to start safely.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.KeyID == "" {
		return fmt.Errorf("broker.key_id is required (set PAPERFLOOR_BROKER_KEY_ID)")
	}
	if c.Broker.SecretKey == "" {
		return fmt.Errorf("broker.secret_key is required (set PAPERFLOOR_BROKER_SECRET_KEY)")
	}
	if c.OLE.AckTimeout <= 0 {
		return fmt.Errorf("ole.ack_timeout must be > 0")
	}
	if c.OLE.ZombieTimeout <= c.OLE.AckTimeout {
		return fmt.Errorf("ole.zombie_timeout must be greater than ole.ack_timeout")
	}
	if c.EventLog.Dir == "" {
		return fmt.Errorf("event_log.dir is required")
	}
	if c.KillRules.DailyLossPct <= 0 || c.KillRules.DailyLossPct >= 1 {
		return fmt.Errorf("kill_rules.daily_loss_pct must be in (0, 1)")
	}
	if c.KillRules.MaxDrawdownPct <= 0 || c.KillRules.MaxDrawdownPct >= 1 {
		return fmt.Errorf("kill_rules.max_drawdown_pct must be in (0, 1)")
	}
	if c.KillRules.ConcentrationPct <= 0 || c.KillRules.ConcentrationPct >= 1 {
		return fmt.Errorf("kill_rules.concentration_pct must be in (0, 1)")
	}
	if c.Engine.DecisionInterval <= 0 {
		return fmt.Errorf("engine.decision_interval must be > 0")
	}
	if c.Engine.HeartbeatInterval <= 0 {
		return fmt.Errorf("engine.heartbeat_interval must be > 0")
	}
	return nil
}
