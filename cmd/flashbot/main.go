// Command flashbot trades flash crashes on Polymarket Up/Down contracts. It
// loads configuration, applies command-line overrides, validates the result,
// sets up signal handling, and runs one bounded session. The report
// subcommand prints the trade journal and watch tails the redis event bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/flashbot/internal/app"
	"github.com/alanyoungcy/flashbot/internal/cache/redis"
	"github.com/alanyoungcy/flashbot/internal/config"
	"github.com/alanyoungcy/flashbot/internal/report"
	"github.com/alanyoungcy/flashbot/internal/store/sqlite"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "report":
			os.Exit(runReport(os.Args[2:]))
		case "watch":
			os.Exit(runWatch(os.Args[2:]))
		}
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("flashbot", flag.ExitOnError)
	flags := config.RegisterFlags(fs)
	_ = fs.Parse(args)

	// Setup structured JSON logger.
	logger := newLogger("info")
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", flags.ConfigPath),
			slog.String("error", err.Error()),
		)
		return 1
	}
	flags.Apply(cfg)

	// Set log level from config.
	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("flashbot starting",
		slog.String("config", flags.ConfigPath),
		slog.String("mode", app.Mode(cfg)),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return 0
		}
		logger.Error("application exited with error",
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}

	logger.Info("flashbot stopped")
	return 0
}

func runReport(args []string) int {
	fs := flag.NewFlagSet("flashbot report", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to TOML or YAML config file")
	journal := fs.String("journal", "", "sqlite journal path (defaults to journal.sqlite_path)")
	runID := fs.String("run", "", "only show trades of this run id")
	limit := fs.Int("limit", 50, "maximum rows per table")
	_ = fs.Parse(args)

	path := *journal
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
		path = cfg.Journal.SQLitePath
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no journal configured")
		return 1
	}

	j, err := sqlite.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	ctx := context.Background()
	if *runID == "" {
		if err := report.Runs(ctx, os.Stdout, j, *limit); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Fprintln(os.Stdout)
	}
	if err := report.Trades(ctx, os.Stdout, j, *runID, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("flashbot watch", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to TOML or YAML config file")
	coin := fs.String("coin", "", "coin to follow (defaults to run.coin)")
	backlog := fs.Int("backlog", 20, "recent events to replay before following")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *coin != "" {
		cfg.Run.Coin = *coin
	}
	if cfg.Redis.Addr == "" {
		fmt.Fprintln(os.Stderr, "no redis configured")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := app.RedisClient(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer rc.Close()

	w := &report.Watcher{
		Bus:     redis.NewEventBus(rc),
		Quotes:  redis.NewBookMirror(rc),
		Coin:    cfg.Run.Coin,
		Backlog: *backlog,
	}
	if err := w.Run(ctx, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
