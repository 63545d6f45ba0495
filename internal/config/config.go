// Package config defines the whole-process configuration for the intraday
// orchestrator. Config is loaded once at bootstrap from a YAML file (default:
// configs/config.yaml) with SENTINEL_* environment overrides for secrets, and
// is frozen for the process lifetime; changing it requires a restart.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML structure.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Dedup        DedupConfig        `mapstructure:"dedup"`
	Store        StoreConfig        `mapstructure:"store"`
	Control      ControlConfig      `mapstructure:"control"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig tunes the main loop and position monitor cadence.
type OrchestratorConfig struct {
	TickPeriod        time.Duration `mapstructure:"tick_period"`
	MonitorPeriod     time.Duration `mapstructure:"monitor_period"`
	WarmupDays        int           `mapstructure:"warmup_days"`
	WarmupSymbolsMin  int           `mapstructure:"warmup_symbols_min"`
	MaxSignalsCycle   int           `mapstructure:"max_signals_per_cycle"`
	InterOrderDelay   time.Duration `mapstructure:"inter_order_delay"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	StrategyJoin      time.Duration `mapstructure:"strategy_join_timeout"`
	FlattenOnShutdown bool          `mapstructure:"flatten_on_shutdown"`
	StaleTick         time.Duration `mapstructure:"stale_tick"`
	BenchmarkSymbol   string        `mapstructure:"benchmark_symbol"`
	InstrumentsFile   string        `mapstructure:"instruments_file"`
	Universe          []string      `mapstructure:"universe"`
}

// FeedConfig controls the push market-data session.
type FeedConfig struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	AccessToken    string        `mapstructure:"access_token"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	TakeoverGrace  time.Duration `mapstructure:"takeover_grace"`
	MaxTakeovers   int           `mapstructure:"max_takeovers"`
	SkipAutoInit   bool          `mapstructure:"skip_auto_init"`
	ReadBufferSize int           `mapstructure:"read_buffer_size"`
}

// BrokerConfig holds broker API access and the outbound rate budget.
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	AccessToken    string        `mapstructure:"access_token"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	OrdersPerSec   float64       `mapstructure:"rate_limit_orders_per_sec"`
	Burst          int           `mapstructure:"rate_limit_burst"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// RiskConfig sets the portfolio gate limits and square-off schedule.
// Percentages are whole numbers of capital (50 = 50%).
type RiskConfig struct {
	OptionsExposureCapPct float64       `mapstructure:"options_exposure_cap_pct"`
	TotalExposureCapPct   float64       `mapstructure:"total_exposure_cap_pct"`
	TotalExposureSoftPct  float64       `mapstructure:"total_exposure_soft_pct"`
	PerTradeRiskPct       float64       `mapstructure:"per_trade_risk_pct"`
	PerPositionOptionPct  float64       `mapstructure:"per_position_option_pct"`
	PerPositionEquityPct  float64       `mapstructure:"per_position_equity_pct"`
	DailyLossBrakePct     float64       `mapstructure:"daily_loss_brake_pct"`
	EmergencyLossPct      float64       `mapstructure:"emergency_loss_pct"`
	EntryWindowStart      string        `mapstructure:"entry_window_start"`
	EntryWindowEnd        string        `mapstructure:"entry_window_end"`
	SquareOffUrgent       string        `mapstructure:"square_off_urgent"`
	SquareOffMandatory    string        `mapstructure:"square_off_mandatory"`
	ReconcilePeriod       time.Duration `mapstructure:"reconcile_period"`
	SLModifyMaxAttempts   int           `mapstructure:"sl_modify_max_attempts"`
}

// DedupConfig controls the signal deduplicator and idempotency store.
type DedupConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyTTL        time.Duration `mapstructure:"key_ttl"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
	MinQuality    float64       `mapstructure:"min_quality"`
}

// StoreConfig sets the relational store for executed trade records.
type StoreConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MasterUser  string `mapstructure:"master_user"`
}

// ControlConfig controls the HTTP control surface.
type ControlConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Secrets use env vars: SENTINEL_BROKER_API_KEY, SENTINEL_BROKER_ACCESS_TOKEN,
// SENTINEL_FEED_ACCESS_TOKEN, SENTINEL_REDIS_PASSWORD, SENTINEL_POSTGRES_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env are a complete config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("SENTINEL_BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if tok := os.Getenv("SENTINEL_BROKER_ACCESS_TOKEN"); tok != "" {
		cfg.Broker.AccessToken = tok
	}
	if tok := os.Getenv("SENTINEL_FEED_ACCESS_TOKEN"); tok != "" {
		cfg.Feed.AccessToken = tok
	}
	if pass := os.Getenv("SENTINEL_REDIS_PASSWORD"); pass != "" {
		cfg.Dedup.RedisPassword = pass
	}
	if dsn := os.Getenv("SENTINEL_POSTGRES_DSN"); dsn != "" {
		cfg.Store.PostgresDSN = dsn
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.tick_period", "1s")
	v.SetDefault("orchestrator.monitor_period", "5s")
	v.SetDefault("orchestrator.warmup_days", 3)
	v.SetDefault("orchestrator.warmup_symbols_min", 5)
	v.SetDefault("orchestrator.max_signals_per_cycle", 5)
	v.SetDefault("orchestrator.inter_order_delay", "1500ms")
	v.SetDefault("orchestrator.drain_timeout", "10s")
	v.SetDefault("orchestrator.strategy_join_timeout", "500ms")
	v.SetDefault("orchestrator.flatten_on_shutdown", false)
	v.SetDefault("orchestrator.stale_tick", "30s")
	v.SetDefault("orchestrator.benchmark_symbol", "NIFTY 50")
	v.SetDefault("orchestrator.instruments_file", "configs/instruments.json")

	v.SetDefault("feed.heartbeat", "300s")
	v.SetDefault("feed.backoff_min", "1s")
	v.SetDefault("feed.backoff_max", "60s")
	v.SetDefault("feed.takeover_grace", "15s")
	v.SetDefault("feed.max_takeovers", 3)
	v.SetDefault("feed.skip_auto_init", false)
	v.SetDefault("feed.read_buffer_size", 4096)

	v.SetDefault("broker.call_timeout", "5s")
	v.SetDefault("broker.max_retries", 3)
	v.SetDefault("broker.rate_limit_orders_per_sec", 7)
	v.SetDefault("broker.rate_limit_burst", 9)
	v.SetDefault("broker.acquire_timeout", "2s")

	v.SetDefault("risk.options_exposure_cap_pct", 50)
	v.SetDefault("risk.total_exposure_cap_pct", 70)
	v.SetDefault("risk.total_exposure_soft_pct", 60)
	v.SetDefault("risk.per_trade_risk_pct", 2)
	v.SetDefault("risk.per_position_option_pct", 5)
	v.SetDefault("risk.per_position_equity_pct", 2)
	v.SetDefault("risk.daily_loss_brake_pct", 2)
	v.SetDefault("risk.emergency_loss_pct", 3)
	v.SetDefault("risk.entry_window_start", "09:15")
	v.SetDefault("risk.entry_window_end", "15:00")
	v.SetDefault("risk.square_off_urgent", "15:15")
	v.SetDefault("risk.square_off_mandatory", "15:20")
	v.SetDefault("risk.reconcile_period", "30s")
	v.SetDefault("risk.sl_modify_max_attempts", 5)

	v.SetDefault("dedup.redis_addr", "localhost:6379")
	v.SetDefault("dedup.redis_db", 0)
	v.SetDefault("dedup.key_ttl", "24h")
	v.SetDefault("dedup.op_timeout", "500ms")
	v.SetDefault("dedup.min_quality", 0.60)

	v.SetDefault("store.master_user", "master")

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Orchestrator.TickPeriod <= 0 {
		return fmt.Errorf("orchestrator.tick_period must be > 0")
	}
	if c.Orchestrator.MonitorPeriod <= 0 {
		return fmt.Errorf("orchestrator.monitor_period must be > 0")
	}
	if c.Orchestrator.BenchmarkSymbol == "" {
		return fmt.Errorf("orchestrator.benchmark_symbol is required")
	}
	if c.Broker.OrdersPerSec <= 0 || c.Broker.Burst < int(c.Broker.OrdersPerSec) {
		return fmt.Errorf("broker rate limit: need orders_per_sec > 0 and burst >= orders_per_sec")
	}
	if c.Risk.TotalExposureCapPct <= 0 || c.Risk.TotalExposureCapPct > 100 {
		return fmt.Errorf("risk.total_exposure_cap_pct must be in (0,100]")
	}
	if c.Risk.OptionsExposureCapPct > c.Risk.TotalExposureCapPct {
		return fmt.Errorf("risk.options_exposure_cap_pct cannot exceed total cap")
	}
	if c.Risk.TotalExposureSoftPct >= c.Risk.TotalExposureCapPct {
		return fmt.Errorf("risk.total_exposure_soft_pct must be below the hard cap")
	}
	for _, clock := range []string{
		c.Risk.EntryWindowStart, c.Risk.EntryWindowEnd,
		c.Risk.SquareOffUrgent, c.Risk.SquareOffMandatory,
	} {
		if _, err := time.Parse("15:04", clock); err != nil {
			return fmt.Errorf("invalid HH:MM clock %q: %w", clock, err)
		}
	}
	if c.Dedup.MinQuality < 0 || c.Dedup.MinQuality > 1 {
		return fmt.Errorf("dedup.min_quality must be in [0,1]")
	}
	return nil
}
