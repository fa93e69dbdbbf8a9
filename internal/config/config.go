// Package config handles configuration loading with validation. A config
// that fails validation is fatal at startup: the bot never runs in a
// partially-configured state.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"moexbot/internal/risk"
)

// Config is the complete bot configuration.
type Config struct {
	System  SystemConfig  `yaml:"system"`
	Trading TradingConfig `yaml:"trading"`
	Risk    RiskConfig    `yaml:"risk"`
	Gateway GatewayConfig `yaml:"gateway"`
	Feed    FeedConfig    `yaml:"feed"`
	Journal JournalConfig `yaml:"journal"`
	Alert   AlertConfig   `yaml:"alert"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	ReportDir   string `yaml:"report_dir"`
}

// TradingConfig selects what and how often to trade.
type TradingConfig struct {
	Symbols          []string `yaml:"symbols"`
	Interval         string   `yaml:"interval"`
	HistoryDays      int      `yaml:"history_days"`
	CycleSeconds     int      `yaml:"cycle_seconds"`
	PriceWaitSeconds int      `yaml:"price_wait_seconds"`
	DryRun           bool     `yaml:"dry_run"`
	InitialEquity    float64  `yaml:"initial_equity"`
	CancelOnExit     bool     `yaml:"cancel_on_exit"`
}

// RiskConfig mirrors risk.Limits in YAML-friendly form.
type RiskConfig struct {
	MaxDrawdownPct          float64                          `yaml:"max_drawdown_pct"`
	MaxDailyLossPct         float64                          `yaml:"max_daily_loss_pct"`
	MaxPositionPct          float64                          `yaml:"max_position_pct"`
	PerTradeRiskPct         float64                          `yaml:"per_trade_risk_pct"`
	StopLossPct             float64                          `yaml:"stop_loss_pct"`
	TakeProfitPct           float64                          `yaml:"take_profit_pct"`
	MaxPositions            int                              `yaml:"max_positions"`
	AllowShort              bool                             `yaml:"allow_short"`
	MaxPortfolioExposurePct float64                          `yaml:"max_portfolio_exposure_pct"`
	MaxLeverage             float64                          `yaml:"max_leverage"`
	MonitorSeconds          int                              `yaml:"monitor_seconds"`
	Instruments             map[string]InstrumentLimitConfig `yaml:"instruments"`
	Classes                 map[string]ClassLimitConfig      `yaml:"classes"`
	SymbolClass             map[string]string                `yaml:"symbol_class"`
}

// InstrumentLimitConfig is a per-symbol override.
type InstrumentLimitConfig struct {
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MaxLots        int     `yaml:"max_lots"`
	MaxLeverage    float64 `yaml:"max_leverage"`
}

// ClassLimitConfig is a per-asset-class cap.
type ClassLimitConfig struct {
	MaxLeverage    float64 `yaml:"max_leverage"`
	MaxExposurePct float64 `yaml:"max_exposure_pct"`
}

// GatewayConfig contains order submission settings.
type GatewayConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	SlippageBps       float64 `yaml:"slippage_bps"`
	RatePerSecond     float64 `yaml:"rate_per_second"`
	RateBurst         int     `yaml:"rate_burst"`
	AttemptTimeoutSec int     `yaml:"attempt_timeout_seconds"`
}

// FeedConfig contains price source settings.
type FeedConfig struct {
	StreamURL         string  `yaml:"stream_url"`
	RestURL           string  `yaml:"rest_url"`
	RestTimeoutSec    int     `yaml:"rest_timeout_seconds"`
	CacheTTLSeconds   float64 `yaml:"cache_ttl_seconds"`
	HistoryTTLMinutes float64 `yaml:"history_ttl_minutes"`
	StaleAfterSeconds int     `yaml:"stale_after_seconds"`
	BufferSize        int     `yaml:"buffer_size"`
	HistoryDir        string  `yaml:"history_dir"`
}

// JournalConfig contains execution journal settings.
type JournalConfig struct {
	Path           string `yaml:"path"`
	FlushThreshold int    `yaml:"flush_threshold"`
}

// AlertConfig contains notification settings.
type AlertConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Load reads and validates a YAML config file, expanding ${VAR}
// references from the environment.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.Expand(string(data), os.Getenv)

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a runnable dry-run configuration.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:    "info",
			MetricsAddr: ":9090",
			ReportDir:   "reports",
		},
		Trading: TradingConfig{
			Interval:         "hour",
			HistoryDays:      90,
			CycleSeconds:     60,
			PriceWaitSeconds: 3,
			DryRun:           true,
			InitialEquity:    1_000_000,
			CancelOnExit:     true,
		},
		Risk: RiskConfig{
			MaxDrawdownPct:          0.2,
			MaxDailyLossPct:         0.05,
			MaxPositionPct:          0.1,
			PerTradeRiskPct:         0.01,
			StopLossPct:             0.05,
			TakeProfitPct:           0.1,
			MaxPositions:            10,
			MaxPortfolioExposurePct: 0.8,
			MaxLeverage:             1.0,
			MonitorSeconds:          5,
		},
		Gateway: GatewayConfig{
			MaxRetries:        3,
			SlippageBps:       5,
			RatePerSecond:     5,
			RateBurst:         10,
			AttemptTimeoutSec: 10,
		},
		Feed: FeedConfig{
			RestTimeoutSec:    5,
			CacheTTLSeconds:   5,
			HistoryTTLMinutes: 5,
			StaleAfterSeconds: 30,
			BufferSize:        256,
			HistoryDir:        "data/history",
		},
		Journal: JournalConfig{
			Path:           "journal/executions.jsonl",
			FlushThreshold: 64,
		},
	}
}

// Validate rejects configurations the bot must not start with.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.System.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("system.log_level: unknown level %q", c.System.LogLevel))
	}
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading.symbols: at least one symbol is required")
	}
	if c.Trading.CycleSeconds <= 0 {
		errs = append(errs, "trading.cycle_seconds: must be positive")
	}
	if c.Trading.InitialEquity <= 0 {
		errs = append(errs, "trading.initial_equity: must be positive")
	}
	if c.Trading.HistoryDays <= 0 {
		errs = append(errs, "trading.history_days: must be positive")
	}
	if c.Trading.PriceWaitSeconds <= 0 {
		errs = append(errs, "trading.price_wait_seconds: must be positive")
	}
	if c.Feed.StaleAfterSeconds <= 0 {
		errs = append(errs, "feed.stale_after_seconds: must be positive")
	}
	if err := c.RiskLimits().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Risk.MonitorSeconds <= 0 {
		errs = append(errs, "risk.monitor_seconds: must be positive")
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, "gateway.max_retries: must not be negative")
	}
	if c.Gateway.SlippageBps < 0 {
		errs = append(errs, "gateway.slippage_bps: must not be negative")
	}
	if !c.Trading.DryRun && c.Feed.RestURL == "" && c.Feed.StreamURL == "" {
		errs = append(errs, "feed: live trading requires a stream_url or rest_url")
	}
	if c.Journal.Path == "" {
		errs = append(errs, "journal.path: must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "\n"))
	}
	return nil
}

// RiskLimits converts the YAML risk section into controller limits.
func (c *Config) RiskLimits() risk.Limits {
	limits := risk.Limits{
		MaxDrawdownPct:          decimal.NewFromFloat(c.Risk.MaxDrawdownPct),
		MaxDailyLossPct:         decimal.NewFromFloat(c.Risk.MaxDailyLossPct),
		MaxPositionPct:          decimal.NewFromFloat(c.Risk.MaxPositionPct),
		PerTradeRiskPct:         decimal.NewFromFloat(c.Risk.PerTradeRiskPct),
		StopLossPct:             decimal.NewFromFloat(c.Risk.StopLossPct),
		TakeProfitPct:           decimal.NewFromFloat(c.Risk.TakeProfitPct),
		MaxPositions:            c.Risk.MaxPositions,
		AllowShort:              c.Risk.AllowShort,
		MaxPortfolioExposurePct: decimal.NewFromFloat(c.Risk.MaxPortfolioExposurePct),
		MaxLeverage:             decimal.NewFromFloat(c.Risk.MaxLeverage),
		SymbolClass:             c.Risk.SymbolClass,
	}
	if len(c.Risk.Instruments) > 0 {
		limits.Instruments = make(map[string]risk.InstrumentLimit, len(c.Risk.Instruments))
		for symbol, lim := range c.Risk.Instruments {
			limits.Instruments[symbol] = risk.InstrumentLimit{
				MaxPositionPct: decimal.NewFromFloat(lim.MaxPositionPct),
				MaxLots:        lim.MaxLots,
				MaxLeverage:    decimal.NewFromFloat(lim.MaxLeverage),
			}
		}
	}
	if len(c.Risk.Classes) > 0 {
		limits.Classes = make(map[string]risk.ClassLimit, len(c.Risk.Classes))
		for name, lim := range c.Risk.Classes {
			limits.Classes[name] = risk.ClassLimit{
				MaxLeverage:    decimal.NewFromFloat(lim.MaxLeverage),
				MaxExposurePct: decimal.NewFromFloat(lim.MaxExposurePct),
			}
		}
	}
	return limits
}

// CycleInterval is the trading cycle period.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trading.CycleSeconds) * time.Second
}

// MonitorInterval is the risk monitor scan period.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Risk.MonitorSeconds) * time.Second
}

// PriceWait is how long a trading cycle waits for a usable price.
func (c *Config) PriceWait() time.Duration {
	return time.Duration(c.Trading.PriceWaitSeconds) * time.Second
}

// StreamStaleAfter is the staleness window for streamed ticks.
func (c *Config) StreamStaleAfter() time.Duration {
	return time.Duration(c.Feed.StaleAfterSeconds) * time.Second
}
