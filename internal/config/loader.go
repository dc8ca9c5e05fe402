package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path (TOML, or YAML for .yaml/.yml),
// merges it on top of the built-in defaults, applies FLASHBOT_* environment
// variable overrides, and returns the final Config. A missing file is not an
// error: the defaults plus environment are used. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after applying
// command-line flags.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides reads well-known FLASHBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the config file.
func applyEnvOverrides(cfg *Config) {
	// ── Run ──
	setStr(&cfg.Run.Coin, "FLASHBOT_COIN")
	setInt(&cfg.Run.Interval, "FLASHBOT_INTERVAL")
	setFloat64(&cfg.Run.Hours, "FLASHBOT_HOURS")
	setFloat64(&cfg.Run.StartBankroll, "FLASHBOT_START_BANKROLL")
	setBool(&cfg.Run.Demo, "FLASHBOT_DEMO")
	setStr(&cfg.Run.StateFile, "FLASHBOT_STATE_FILE")
	setBool(&cfg.Run.Resume, "FLASHBOT_RESUME")
	setDuration(&cfg.Run.ReconnectDelay, "FLASHBOT_RECONNECT_DELAY")
	setDuration(&cfg.Run.ShutdownTimeout, "FLASHBOT_SHUTDOWN_TIMEOUT")
	setUint64(&cfg.Run.Seed, "FLASHBOT_SEED")

	// ── Strategy ──
	setFloat64(&cfg.Strategy.DropThreshold, "FLASHBOT_DROP_THRESHOLD")
	setDuration(&cfg.Strategy.Lookback, "FLASHBOT_LOOKBACK")
	setDuration(&cfg.Strategy.Cooldown, "FLASHBOT_COOLDOWN")
	setFloat64(&cfg.Strategy.TakeProfit, "FLASHBOT_TAKE_PROFIT")
	setFloat64(&cfg.Strategy.StopLoss, "FLASHBOT_STOP_LOSS")
	setFloat64(&cfg.Strategy.SizeUSD, "FLASHBOT_SIZE_USD")
	setFloat64(&cfg.Strategy.SizePercent, "FLASHBOT_SIZE_PERCENT")
	setFloat64(&cfg.Strategy.MaxSizeUSD, "FLASHBOT_MAX_SIZE_USD")
	setFloat64(&cfg.Strategy.MinEntryPrice, "FLASHBOT_MIN_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.MaxEntryPrice, "FLASHBOT_MAX_ENTRY_PRICE")
	setFloat64(&cfg.Strategy.MaxDrawdownPct, "FLASHBOT_MAX_DRAWDOWN_PCT")

	// ── Paper ──
	setBool(&cfg.Paper.Realistic, "FLASHBOT_PAPER_REALISTIC")
	setFloat64(&cfg.Paper.NoFillProb, "FLASHBOT_PAPER_NO_FILL_PROB")
	setFloat64(&cfg.Paper.PartialFillMin, "FLASHBOT_PAPER_PARTIAL_FILL_MIN")
	setFloat64(&cfg.Paper.PartialFillMax, "FLASHBOT_PAPER_PARTIAL_FILL_MAX")
	setFloat64(&cfg.Paper.SlippageBps, "FLASHBOT_PAPER_SLIPPAGE_BPS")
	setFloat64(&cfg.Paper.TakerFeeBps, "FLASHBOT_PAPER_TAKER_FEE_BPS")
	setFloat64(&cfg.Paper.LiquidityUSDCap, "FLASHBOT_PAPER_LIQUIDITY_USD_CAP")

	// ── Feed / Gamma ──
	setStr(&cfg.Feed.WSURL, "FLASHBOT_FEED_WS_URL")
	setInt(&cfg.Feed.MaxReconnectAttempts, "FLASHBOT_FEED_MAX_RECONNECT_ATTEMPTS")
	setStr(&cfg.Gamma.BaseURL, "FLASHBOT_GAMMA_BASE_URL")

	// ── Live ──
	setStr(&cfg.Live.SubmitURL, "FLASHBOT_LIVE_SUBMIT_URL")
	setStr(&cfg.Live.ApiKey, "FLASHBOT_LIVE_API_KEY")
	setStr(&cfg.Live.ApiSecret, "FLASHBOT_LIVE_API_SECRET")
	setFloat64(&cfg.Live.FeeReserveBps, "FLASHBOT_LIVE_FEE_RESERVE_BPS")

	// ── Run log / journal ──
	setBool(&cfg.RunLog.Enabled, "FLASHBOT_RUNLOG_ENABLED")
	setStr(&cfg.RunLog.Dir, "FLASHBOT_RUNLOG_DIR")
	setStr(&cfg.Journal.SQLitePath, "FLASHBOT_JOURNAL_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FLASHBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHBOT_POSTGRES_SSL_MODE")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLASHBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "FLASHBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FLASHBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHBOT_S3_SECRET_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLASHBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLASHBOT_NOTIFY_EVENTS")

	// ── Metrics / top-level ──
	setBool(&cfg.Metrics.Enabled, "FLASHBOT_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "FLASHBOT_METRICS_ADDR")
	setStr(&cfg.LogLevel, "FLASHBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
