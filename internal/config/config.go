// Package config defines all configuration for the settlement-arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CNF_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cnfutures-arb/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Data     DataConfig     `mapstructure:"data"`
	Store    StoreConfig    `mapstructure:"store"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Backtest BacktestConfig `mapstructure:"backtest"`
}

// StrategyConfig tunes the settlement-arbitrage signal logic.
//
//   - Symbols: main-contract symbols to monitor (IM0, IC0, ...).
//   - WatchStart/WatchEnd: the afternoon watch window, HH:MM exchange time.
//   - Threshold1: drop from the 14:30 base price that triggers the first entry.
//   - Threshold2: deeper drop that triggers the add-on entry; must exceed Threshold1.
//   - AlertThreshold: early-warning drop, fired once per day before Threshold1.
//   - PositionSize1/2: lots opened at each entry level.
//   - MaxPositionPerSymbol: per-symbol cap enforced by the risk manager.
type StrategyConfig struct {
	Symbols              []string `mapstructure:"symbols"`
	WatchStart           string   `mapstructure:"watch_start"`
	WatchEnd             string   `mapstructure:"watch_end"`
	Threshold1           float64  `mapstructure:"threshold1"`
	Threshold2           float64  `mapstructure:"threshold2"`
	AlertThreshold       float64  `mapstructure:"alert_threshold"`
	PositionSize1        int      `mapstructure:"position_size1"`
	PositionSize2        int      `mapstructure:"position_size2"`
	MaxPositionPerSymbol int      `mapstructure:"max_position_per_symbol"`
	NotifyOnEntry        bool     `mapstructure:"notify_on_entry"`
	NotifyOnExit         bool     `mapstructure:"notify_on_exit"`
	NotifyOnAlert        bool     `mapstructure:"notify_on_alert"`
}

// RiskConfig sets hard limits enforced by the risk manager.
//
//   - InitialEquity: starting account equity for P&L and drawdown tracking.
//   - MaxDailyLoss: absolute daily loss cap in currency units (breach is strict <).
//   - MaxDrawdown: fractional peak-to-current drawdown cap.
//   - ForceCloseOnLimit: whether a breach force-closes all open positions.
//   - MaxTotalPosition: cap on total lots across all symbols.
type RiskConfig struct {
	InitialEquity     float64 `mapstructure:"initial_equity"`
	MaxDailyLoss      float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown       float64 `mapstructure:"max_drawdown"`
	ForceCloseOnLimit bool    `mapstructure:"force_close_on_limit"`
	MaxTotalPosition  int     `mapstructure:"max_total_position"`
}

// DataConfig controls the market-data layer: the vendor endpoint, the
// minute-bar polling cadence, and where daily snapshot files land.
type DataConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryCount   int           `mapstructure:"retry_count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DataDir      string        `mapstructure:"data_dir"`
}

// StoreConfig sets the sqlite file used for restart recovery of positions,
// trades, and the signal log. Empty path disables relational persistence.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NotifyConfig holds notification transport settings. Token and chat ID come
// from CNF_TELEGRAM_TOKEN / CNF_TELEGRAM_CHAT_ID in production.
type NotifyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BacktestConfig parameterizes the offline backtest engine.
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	Commission     bool    `mapstructure:"commission"`
	SlippagePoints float64 `mapstructure:"slippage_points"`
	UseMinuteData  bool    `mapstructure:"use_minute_data"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CNF_TELEGRAM_TOKEN, CNF_TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CNF")
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

	// Override sensitive fields from env
	if tok := os.Getenv("CNF_TELEGRAM_TOKEN"); tok != "" {
		cfg.Notify.TelegramToken = tok
	}
	if chat := os.Getenv("CNF_TELEGRAM_CHAT_ID"); chat != "" {
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse CNF_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.TelegramChatID = id
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.watch_start", "14:30")
	v.SetDefault("strategy.watch_end", "15:00")
	v.SetDefault("strategy.threshold1", 0.01)
	v.SetDefault("strategy.threshold2", 0.02)
	v.SetDefault("strategy.alert_threshold", 0.008)
	v.SetDefault("strategy.position_size1", 1)
	v.SetDefault("strategy.position_size2", 1)
	v.SetDefault("strategy.max_position_per_symbol", 2)
	v.SetDefault("strategy.notify_on_entry", true)
	v.SetDefault("strategy.notify_on_exit", true)
	v.SetDefault("strategy.notify_on_alert", true)

	v.SetDefault("risk.initial_equity", 500000.0)
	v.SetDefault("risk.max_daily_loss", 10000.0)
	v.SetDefault("risk.max_drawdown", 0.05)
	v.SetDefault("risk.force_close_on_limit", true)
	v.SetDefault("risk.max_total_position", 4)

	v.SetDefault("data.timeout", 10*time.Second)
	v.SetDefault("data.retry_count", 2)
	v.SetDefault("data.poll_interval", 60*time.Second)
	v.SetDefault("data.data_dir", "data/bars")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("backtest.initial_capital", 500000.0)
	v.SetDefault("backtest.commission", true)
	v.SetDefault("backtest.slippage_points", 0.0)
	v.SetDefault("backtest.use_minute_data", false)
}

// Validate checks all required fields and value ranges. The scheduler refuses
// to start on any validation error; there is no partial apply.
func (c *Config) Validate() error {
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if c.Data.PollInterval <= 0 {
		return fmt.Errorf("data.poll_interval must be > 0")
	}
	return nil
}

// Validate checks the strategy section in isolation so hot updates can be
// validated before being applied. Symbols are rewritten to their canonical
// main-contract form (IM -> IM0) so every consumer sees the same spelling.
func (c *StrategyConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("strategy.symbols must not be empty")
	}
	for i, raw := range c.Symbols {
		sym, err := types.NormalizeSymbol(raw)
		if err != nil {
			return fmt.Errorf("strategy.symbols[%d]: %w", i, err)
		}
		c.Symbols[i] = sym
	}
	if _, err := ParseClock(c.WatchStart); err != nil {
		return fmt.Errorf("strategy.watch_start: %w", err)
	}
	if _, err := ParseClock(c.WatchEnd); err != nil {
		return fmt.Errorf("strategy.watch_end: %w", err)
	}
	if c.Threshold1 <= 0 || c.Threshold1 >= 1 {
		return fmt.Errorf("strategy.threshold1 must be in (0, 1)")
	}
	if c.Threshold2 <= c.Threshold1 || c.Threshold2 >= 1 {
		return fmt.Errorf("strategy.threshold2 must be in (threshold1, 1)")
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold >= c.Threshold1 {
		return fmt.Errorf("strategy.alert_threshold must be in (0, threshold1)")
	}
	if c.PositionSize1 < 1 || c.PositionSize2 < 1 {
		return fmt.Errorf("strategy.position_size1 and position_size2 must be >= 1")
	}
	if c.MaxPositionPerSymbol < 1 {
		return fmt.Errorf("strategy.max_position_per_symbol must be >= 1")
	}
	return nil
}

// Validate checks the risk section in isolation.
func (c *RiskConfig) Validate() error {
	if c.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.MaxDrawdown <= 0 || c.MaxDrawdown > 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 1]")
	}
	if c.MaxTotalPosition < 1 {
		return fmt.Errorf("risk.max_total_position must be >= 1")
	}
	return nil
}

// ParseClock parses an HH:MM wall-clock string into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
