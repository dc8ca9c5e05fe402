// Package config defines the top-level configuration for the flash-crash bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// (or YAML) file, then optionally overridden by FLASHBOT_* environment
// variables and finally by command-line flags.
type Config struct {
	Run      RunConfig      `toml:"run" yaml:"run"`
	Strategy StrategyConfig `toml:"strategy" yaml:"strategy"`
	Paper    PaperConfig    `toml:"paper" yaml:"paper"`
	Feed     FeedConfig     `toml:"feed" yaml:"feed"`
	Gamma    GammaConfig    `toml:"gamma" yaml:"gamma"`
	Live     LiveConfig     `toml:"live" yaml:"live"`
	RunLog   RunLogConfig   `toml:"runlog" yaml:"runlog"`
	Journal  JournalConfig  `toml:"journal" yaml:"journal"`
	Postgres PostgresConfig `toml:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `toml:"redis" yaml:"redis"`
	S3       S3Config       `toml:"s3" yaml:"s3"`
	Notify   NotifyConfig   `toml:"notify" yaml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	LogLevel string         `toml:"log_level" yaml:"log_level"`
}

// RunConfig describes one bounded session.
type RunConfig struct {
	Coin            string   `toml:"coin" yaml:"coin"`
	Interval        int      `toml:"interval" yaml:"interval"` // minutes: 5 or 15
	Hours           float64  `toml:"hours" yaml:"hours"`
	StartBankroll   float64  `toml:"start_bankroll" yaml:"start_bankroll"`
	Demo            bool     `toml:"demo" yaml:"demo"` // paper trading
	StateFile       string   `toml:"state_file" yaml:"state_file"`
	Resume          bool     `toml:"resume" yaml:"resume"`
	ResetState      bool     `toml:"reset_state" yaml:"reset_state"`
	ReconnectDelay  duration `toml:"reconnect_delay" yaml:"reconnect_delay"`
	ShutdownTimeout duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	SnapshotEvery   duration `toml:"snapshot_every" yaml:"snapshot_every"`
	Seed            uint64   `toml:"seed" yaml:"seed"` // 0 picks a random seed
}

// StrategyConfig holds flash-crash detection and position management
// parameters.
type StrategyConfig struct {
	DropThreshold  float64  `toml:"drop_threshold" yaml:"drop_threshold"` // absolute probability drop
	Lookback       duration `toml:"lookback" yaml:"lookback"`
	Cooldown       duration `toml:"cooldown" yaml:"cooldown"`
	TakeProfit     float64  `toml:"take_profit" yaml:"take_profit"` // dollars above entry
	StopLoss       float64  `toml:"stop_loss" yaml:"stop_loss"`     // dollars below entry
	SizeUSD        float64  `toml:"size_usd" yaml:"size_usd"`
	SizePercent    float64  `toml:"size_percent" yaml:"size_percent"` // 0 means fixed SizeUSD
	MaxSizeUSD     float64  `toml:"max_size_usd" yaml:"max_size_usd"`
	MinEntryPrice  float64  `toml:"min_entry_price" yaml:"min_entry_price"`
	MaxEntryPrice  float64  `toml:"max_entry_price" yaml:"max_entry_price"`
	MaxDrawdownPct float64  `toml:"max_drawdown_pct" yaml:"max_drawdown_pct"` // 0 disables the kill switch
}

// PaperConfig holds the realistic paper fill model.
type PaperConfig struct {
	Realistic       bool    `toml:"realistic" yaml:"realistic"`
	NoFillProb      float64 `toml:"no_fill_prob" yaml:"no_fill_prob"`
	PartialFillMin  float64 `toml:"partial_fill_min" yaml:"partial_fill_min"`
	PartialFillMax  float64 `toml:"partial_fill_max" yaml:"partial_fill_max"`
	SlippageBps     float64 `toml:"slippage_bps" yaml:"slippage_bps"`
	TakerFeeBps     float64 `toml:"taker_fee_bps" yaml:"taker_fee_bps"`
	LiquidityUSDCap float64 `toml:"liquidity_usd_cap" yaml:"liquidity_usd_cap"`
}

// FeedConfig holds the market websocket parameters.
type FeedConfig struct {
	WSURL                string   `toml:"ws_url" yaml:"ws_url"`
	ReconnectBase        duration `toml:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMax         duration `toml:"reconnect_max" yaml:"reconnect_max"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"` // 0 = unlimited
	MaxProtocolErrors    int      `toml:"max_protocol_errors" yaml:"max_protocol_errors"`
	EventBuffer          int      `toml:"event_buffer" yaml:"event_buffer"`
}

// GammaConfig holds the market discovery endpoint.
type GammaConfig struct {
	BaseURL    string  `toml:"base_url" yaml:"base_url"`
	RatePerSec float64 `toml:"rate_per_sec" yaml:"rate_per_sec"`
}

// LiveConfig holds the external order submission service credentials.
type LiveConfig struct {
	SubmitURL    string   `toml:"submit_url" yaml:"submit_url"`
	ApiKey       string   `toml:"api_key" yaml:"api_key"`
	ApiSecret    string   `toml:"api_secret" yaml:"api_secret"`
	FillTimeout  duration `toml:"fill_timeout" yaml:"fill_timeout"`
	PollInterval duration `toml:"poll_interval" yaml:"poll_interval"`

	// FeeReserveBps is held back from an entry stake for the venue's taker
	// fee, so a full fill never costs more than the bankroll.
	FeeReserveBps float64 `toml:"fee_reserve_bps" yaml:"fee_reserve_bps"`
}

// RunLogConfig controls the per-run JSONL event log.
type RunLogConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Dir     string `toml:"dir" yaml:"dir"`
}

// JournalConfig controls the local sqlite trade journal.
type JournalConfig struct {
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"` // empty disables
}

// PostgresConfig holds PostgreSQL connection parameters. An empty DSN and
// host disables the postgres trade store.
type PostgresConfig struct {
	DSN           string `toml:"dsn" yaml:"dsn"`
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"`
	Database      string `toml:"database" yaml:"database"`
	User          string `toml:"user" yaml:"user"`
	Password      string `toml:"password" yaml:"password"`
	SSLMode       string `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
}

// Enabled reports whether a postgres connection is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || p.Host != ""
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// the redis mirror, event bus and run lock.
type RedisConfig struct {
	Addr       string   `toml:"addr" yaml:"addr"`
	Password   string   `toml:"password" yaml:"password"`
	DB         int      `toml:"db" yaml:"db"`
	PoolSize   int      `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int      `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled" yaml:"tls_enabled"`
	LockTTL    duration `toml:"lock_ttl" yaml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters. An empty Bucket
// disables run-log archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
}

// duration is a wrapper around time.Duration that supports string decoding
// (e.g. "5m", "30s") from TOML and YAML.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Run: RunConfig{
			Coin:            "BTC",
			Interval:        15,
			Hours:           24,
			StartBankroll:   20,
			Demo:            true,
			StateFile:       "flash_crash_demo_state.json",
			Resume:          true,
			ReconnectDelay:  duration{10 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
			SnapshotEvery:   duration{60 * time.Second},
		},
		Strategy: StrategyConfig{
			DropThreshold: 0.30,
			Lookback:      duration{10 * time.Second},
			Cooldown:      duration{10 * time.Second},
			TakeProfit:    0.10,
			StopLoss:      0.05,
			SizeUSD:       5.0,
			MaxSizeUSD:    5.0,
			MinEntryPrice: 0.05,
			MaxEntryPrice: 0.95,
		},
		Paper: PaperConfig{
			Realistic:       true,
			NoFillProb:      0.08,
			PartialFillMin:  0.35,
			PartialFillMax:  0.95,
			SlippageBps:     80,
			TakerFeeBps:     60,
			LiquidityUSDCap: 40,
		},
		Feed: FeedConfig{
			WSURL:                "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ReconnectBase:        duration{2 * time.Second},
			ReconnectMax:         duration{60 * time.Second},
			MaxReconnectAttempts: 10,
			MaxProtocolErrors:    5,
			EventBuffer:          1024,
		},
		Gamma: GammaConfig{
			BaseURL:    "https://gamma-api.polymarket.com",
			RatePerSec: 5,
		},
		Live: LiveConfig{
			FillTimeout:   duration{10 * time.Second},
			PollInterval:  duration{250 * time.Millisecond},
			FeeReserveBps: 200,
		},
		RunLog: RunLogConfig{
			Enabled: true,
			Dir:     "logs/runs",
		},
		Journal: JournalConfig{
			SQLitePath: "flashbot.db",
		},
		Postgres: PostgresConfig{
			Port:          5432,
			SSLMode:       "disable",
			PoolMaxConns:  4,
			PoolMinConns:  0,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
			LockTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Prefix:         "flashbot",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_opened", "trade_closed", "kill_switch_triggered", "supervisor_restart"},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9102",
		},
		LogLevel: "info",
	}
}

// validCoins enumerates the coins with Up/Down contracts.
var validCoins = map[string]bool{
	"BTC": true,
	"ETH": true,
	"SOL": true,
	"XRP": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Run
	if !validCoins[strings.ToUpper(c.Run.Coin)] {
		errs = append(errs, fmt.Sprintf("run: unknown coin %q (valid: BTC, ETH, SOL, XRP)", c.Run.Coin))
	}
	if c.Run.Interval != 5 && c.Run.Interval != 15 {
		errs = append(errs, fmt.Sprintf("run: interval must be 5 or 15, got %d", c.Run.Interval))
	}
	if c.Run.Hours <= 0 {
		errs = append(errs, "run: hours must be > 0")
	}
	if c.Run.StartBankroll <= 0 {
		errs = append(errs, "run: start_bankroll must be > 0")
	}
	if c.Run.StateFile == "" {
		errs = append(errs, "run: state_file must not be empty")
	}
	if c.Run.ReconnectDelay.Duration < 0 {
		errs = append(errs, "run: reconnect_delay must be >= 0")
	}

	// Strategy
	if c.Strategy.DropThreshold <= 0 || c.Strategy.DropThreshold >= 1 {
		errs = append(errs, "strategy: drop_threshold must be in (0, 1)")
	}
	if c.Strategy.Lookback.Duration <= 0 {
		errs = append(errs, "strategy: lookback must be > 0")
	}
	if c.Strategy.Cooldown.Duration < 0 {
		errs = append(errs, "strategy: cooldown must be >= 0")
	}
	if c.Strategy.TakeProfit <= 0 {
		errs = append(errs, "strategy: take_profit must be > 0")
	}
	if c.Strategy.StopLoss <= 0 {
		errs = append(errs, "strategy: stop_loss must be > 0")
	}
	if c.Strategy.SizePercent < 0 || c.Strategy.SizePercent > 100 {
		errs = append(errs, "strategy: size_percent must be in [0, 100]")
	}
	if c.Strategy.SizePercent == 0 && c.Strategy.SizeUSD <= 0 {
		errs = append(errs, "strategy: size_usd must be > 0 when size_percent is unset")
	}
	if c.Strategy.MaxSizeUSD < 0 {
		errs = append(errs, "strategy: max_size_usd must be >= 0")
	}
	if c.Strategy.MinEntryPrice < 0 || c.Strategy.MaxEntryPrice > 1 || c.Strategy.MinEntryPrice >= c.Strategy.MaxEntryPrice {
		errs = append(errs, "strategy: need 0 <= min_entry_price < max_entry_price <= 1")
	}
	if c.Strategy.MaxDrawdownPct < 0 || c.Strategy.MaxDrawdownPct > 100 {
		errs = append(errs, "strategy: max_drawdown_pct must be in [0, 100]")
	}

	// Paper
	if c.Paper.NoFillProb < 0 || c.Paper.NoFillProb >= 1 {
		errs = append(errs, "paper: no_fill_prob must be in [0, 1)")
	}
	if c.Paper.PartialFillMin <= 0 || c.Paper.PartialFillMax > 1 || c.Paper.PartialFillMin > c.Paper.PartialFillMax {
		errs = append(errs, "paper: need 0 < partial_fill_min <= partial_fill_max <= 1")
	}
	if c.Paper.SlippageBps < 0 || c.Paper.TakerFeeBps < 0 {
		errs = append(errs, "paper: slippage_bps and taker_fee_bps must be >= 0")
	}
	if c.Paper.LiquidityUSDCap <= 0 {
		errs = append(errs, "paper: liquidity_usd_cap must be > 0")
	}

	// Feed
	if c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if c.Feed.ReconnectBase.Duration <= 0 || c.Feed.ReconnectMax.Duration < c.Feed.ReconnectBase.Duration {
		errs = append(errs, "feed: need 0 < reconnect_base <= reconnect_max")
	}
	if c.Feed.MaxReconnectAttempts < 0 {
		errs = append(errs, "feed: max_reconnect_attempts must be >= 0")
	}
	if c.Feed.MaxProtocolErrors < 1 {
		errs = append(errs, "feed: max_protocol_errors must be >= 1")
	}
	if c.Feed.EventBuffer < 1 {
		errs = append(errs, "feed: event_buffer must be >= 1")
	}

	// Gamma
	if c.Gamma.BaseURL == "" {
		errs = append(errs, "gamma: base_url must not be empty")
	}

	// Live
	if !c.Run.Demo {
		if c.Live.SubmitURL == "" {
			errs = append(errs, "live: submit_url is required when demo is off")
		}
		if c.Live.ApiKey == "" || c.Live.ApiSecret == "" {
			errs = append(errs, "live: api_key and api_secret are required when demo is off")
		}
		if c.Live.FeeReserveBps < 0 || c.Live.FeeReserveBps >= 10000 {
			errs = append(errs, "live: fee_reserve_bps must be in [0, 10000)")
		}
	}

	// Postgres
	if c.Postgres.Enabled() {
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// RunLog
	if c.RunLog.Enabled && c.RunLog.Dir == "" {
		errs = append(errs, "runlog: dir must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RunDuration is the configured session length.
func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.Run.Hours * float64(time.Hour))
}
