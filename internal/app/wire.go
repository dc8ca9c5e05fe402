package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/flashbot/internal/blob/s3"
	"github.com/alanyoungcy/flashbot/internal/cache/redis"
	"github.com/alanyoungcy/flashbot/internal/config"
	"github.com/alanyoungcy/flashbot/internal/domain"
	"github.com/alanyoungcy/flashbot/internal/notify"
	"github.com/alanyoungcy/flashbot/internal/platform/polymarket"
	"github.com/alanyoungcy/flashbot/internal/store/postgres"
	"github.com/alanyoungcy/flashbot/internal/store/sqlite"
)

// Dependencies bundles the collaborators a run needs. Everything except
// Locator is optional and nil when not configured or unreachable.
type Dependencies struct {
	// Market discovery
	Locator domain.MarketLocator

	// Live execution; nil in paper mode.
	Live domain.Executor

	// Trade journals
	Journals []domain.TradeJournal

	// Redis
	BookMirror domain.BookMirror
	EventBus   domain.EventBus
	Locks      domain.LockManager

	// Blob storage
	Archiver *s3blob.RunArchiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs the dependencies described by cfg and returns them with a
// cleanup function that releases them in reverse order. Mirrors that cannot
// be reached are logged and left out; they never stop a run.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Locator: polymarket.NewGammaClient(cfg.Gamma.BaseURL, cfg.Gamma.RatePerSec),
	}

	// --- Live execution ---
	if !cfg.Run.Demo {
		deps.Live = polymarket.NewSubmitClient(polymarket.SubmitConfig{
			BaseURL: cfg.Live.SubmitURL,
			Auth: polymarket.HMACAuth{
				Key:    cfg.Live.ApiKey,
				Secret: cfg.Live.ApiSecret,
			},
			FillTimeout:  cfg.Live.FillTimeout.Duration,
			PollInterval: cfg.Live.PollInterval.Duration,
		})
	}

	// --- SQLite journal ---
	if cfg.Journal.SQLitePath != "" {
		j, err := sqlite.Open(cfg.Journal.SQLitePath)
		if err != nil {
			logger.WarnContext(ctx, "sqlite journal unavailable",
				slog.String("path", cfg.Journal.SQLitePath),
				slog.String("error", err.Error()),
			)
		} else {
			closers = append(closers, func() { _ = j.Close() })
			deps.Journals = append(deps.Journals, j)
		}
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled() {
		if store, closeFn, err := wirePostgres(ctx, cfg); err != nil {
			logger.WarnContext(ctx, "postgres trade store unavailable", slog.String("error", err.Error()))
		} else {
			closers = append(closers, closeFn)
			deps.Journals = append(deps.Journals, store)
		}
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		rc, err := RedisClient(ctx, cfg)
		if err != nil {
			logger.WarnContext(ctx, "redis unavailable", slog.String("error", err.Error()))
		} else {
			closers = append(closers, func() { _ = rc.Close() })
			deps.BookMirror = redis.NewBookMirror(rc)
			deps.EventBus = redis.NewEventBus(rc)
			deps.Locks = redis.NewLockManager(rc)
		}
	}

	// --- S3 run archive ---
	if cfg.S3.Bucket != "" {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err == nil {
			err = sc.Health(ctx)
		}
		if err != nil {
			logger.WarnContext(ctx, "s3 archive unavailable", slog.String("error", err.Error()))
		} else {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), cfg.S3.Prefix)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}

func wirePostgres(ctx context.Context, cfg *config.Config) (*postgres.TradeStore, func(), error) {
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	if cfg.Postgres.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	return postgres.NewTradeStore(pg), pg.Close, nil
}

// RedisClient connects to the configured redis under the flashbot key prefix.
func RedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	return redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  "flashbot",
	})
}
