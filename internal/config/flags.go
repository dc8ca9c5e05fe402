package config

import (
	"flag"
	"time"
)

// Flags holds command-line overrides. Only flags that were explicitly set on
// the command line are applied, so file and environment values survive
// otherwise.
type Flags struct {
	fs *flag.FlagSet

	ConfigPath string

	coin           string
	interval       int
	size           float64
	drop           float64
	lookback       float64
	takeProfit     float64
	stopLoss       float64
	sizePercent    float64
	maxDrawdown    float64
	demo           bool
	live           bool
	hours          float64
	startBankroll  float64
	stateFile      string
	resetState     bool
	noResume       bool
	reconnectDelay float64
	runLogDir      string
	noRunLog       bool
	debug          bool
	seed           uint64
}

// RegisterFlags defines the runner flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "config.toml", "path to TOML or YAML config file")
	fs.StringVar(&f.coin, "coin", "BTC", "coin to trade (BTC, ETH, SOL, XRP)")
	fs.IntVar(&f.interval, "interval", 15, "contract interval in minutes (5 or 15)")
	fs.Float64Var(&f.size, "size", 5.0, "fixed trade size in USD")
	fs.Float64Var(&f.drop, "drop", 0.30, "absolute probability drop that counts as a flash crash")
	fs.Float64Var(&f.lookback, "lookback", 10, "drop detection lookback in seconds")
	fs.Float64Var(&f.takeProfit, "take-profit", 0.10, "take-profit offset in dollars")
	fs.Float64Var(&f.stopLoss, "stop-loss", 0.05, "stop-loss offset in dollars")
	fs.Float64Var(&f.sizePercent, "size-percent", 0, "trade size as percent of bankroll (overrides --size)")
	fs.Float64Var(&f.maxDrawdown, "max-drawdown", 0, "kill switch drawdown percent (0 disables)")
	fs.BoolVar(&f.demo, "demo", false, "paper trade against the fill simulator")
	fs.BoolVar(&f.live, "live", false, "submit orders to the live execution service")
	fs.Float64Var(&f.hours, "hours", 24, "session length in hours")
	fs.Float64Var(&f.startBankroll, "start-bankroll", 20, "starting bankroll in USD")
	fs.StringVar(&f.stateFile, "state-file", "flash_crash_demo_state.json", "session state file")
	fs.BoolVar(&f.resetState, "reset-state", false, "discard any saved session state")
	fs.BoolVar(&f.noResume, "no-resume", false, "start a fresh session without reading saved state")
	fs.Float64Var(&f.reconnectDelay, "reconnect-delay", 10, "seconds to wait before restarting after a fatal error")
	fs.StringVar(&f.runLogDir, "run-log-dir", "logs/runs", "directory for JSONL run logs")
	fs.BoolVar(&f.noRunLog, "no-run-log", false, "disable the JSONL run log")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fs.Uint64Var(&f.seed, "seed", 0, "fill simulator seed (0 picks one)")
	return f
}

// Apply copies every explicitly set flag onto cfg.
func (f *Flags) Apply(cfg *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "coin":
			cfg.Run.Coin = f.coin
		case "interval":
			cfg.Run.Interval = f.interval
		case "size":
			cfg.Strategy.SizeUSD = f.size
			if cfg.Strategy.MaxSizeUSD > 0 && cfg.Strategy.MaxSizeUSD < f.size {
				cfg.Strategy.MaxSizeUSD = f.size
			}
		case "drop":
			cfg.Strategy.DropThreshold = f.drop
		case "lookback":
			cfg.Strategy.Lookback.Duration = seconds(f.lookback)
			cfg.Strategy.Cooldown.Duration = seconds(f.lookback)
		case "take-profit":
			cfg.Strategy.TakeProfit = f.takeProfit
		case "stop-loss":
			cfg.Strategy.StopLoss = f.stopLoss
		case "size-percent":
			cfg.Strategy.SizePercent = f.sizePercent
		case "max-drawdown":
			cfg.Strategy.MaxDrawdownPct = f.maxDrawdown
		case "demo":
			cfg.Run.Demo = f.demo
		case "live":
			cfg.Run.Demo = !f.live
		case "hours":
			cfg.Run.Hours = f.hours
		case "start-bankroll":
			cfg.Run.StartBankroll = f.startBankroll
		case "state-file":
			cfg.Run.StateFile = f.stateFile
		case "reset-state":
			cfg.Run.ResetState = f.resetState
		case "no-resume":
			cfg.Run.Resume = !f.noResume
		case "reconnect-delay":
			cfg.Run.ReconnectDelay.Duration = seconds(f.reconnectDelay)
		case "run-log-dir":
			cfg.RunLog.Dir = f.runLogDir
		case "no-run-log":
			cfg.RunLog.Enabled = !f.noRunLog
		case "debug":
			if f.debug {
				cfg.LogLevel = "debug"
			}
		case "seed":
			cfg.Run.Seed = f.seed
		}
	})
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
