// Package config loads the engine configuration: built-in defaults, then an
// optional YAML file, then a .env file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/arb-engine/internal/feed"
	"github.com/atmx/arb-engine/internal/impact"
	"github.com/atmx/arb-engine/internal/ledger"
	"github.com/atmx/arb-engine/internal/probability"
	"github.com/atmx/arb-engine/internal/supervisor"
	"github.com/atmx/arb-engine/internal/trade"
	"github.com/atmx/arb-engine/internal/venue"
)

// Config is the full engine configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Feed        UpstreamConfig     `yaml:"feed"`
	Venue       UpstreamConfig     `yaml:"venue"`
	Trading     TradingConfig      `yaml:"trading"`
	Risk        RiskConfig         `yaml:"risk"`
	Supervisor  SupervisorConfig   `yaml:"supervisor"`
	Probability probability.Config `yaml:"probability"`
	Impact      ImpactConfig       `yaml:"impact"`
	Log         LogConfig          `yaml:"log"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects Postgres. An empty URL means the in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig enables the read-through cache in front of Postgres.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// UpstreamConfig configures one REST collaborator.
type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second
	Timeout   time.Duration `yaml:"timeout"`
}

// TradingConfig holds opportunity and position parameters.
type TradingConfig struct {
	MinProfitThreshold float64       `yaml:"min_profit_threshold"` // minimum edge
	MaxPositionSize    float64       `yaml:"max_position_size"`    // fraction of balance
	MinPositionSize    float64       `yaml:"min_position_size"`
	TradeDuration      time.Duration `yaml:"trade_duration"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	CorrectionBand     float64       `yaml:"correction_band"`
	StopLossFactor     float64       `yaml:"stop_loss_factor"`
	MaxOpenPerMatch    int           `yaml:"max_open_trades_per_match"`
	MaxMatchExposure   float64       `yaml:"max_match_exposure"` // summed open size per match
	CloseOnShutdown    bool          `yaml:"close_on_shutdown"`
}

// RiskConfig holds the daily ledger limits.
type RiskConfig struct {
	StartingBalance float64 `yaml:"starting_balance"`
	MaxDailyRisk    float64 `yaml:"max_daily_risk"`
	StopLossTrigger int     `yaml:"stop_loss_trigger"`
	CooldownMinutes int     `yaml:"cooldown_minutes"`
	RolloverCron    string  `yaml:"rollover_cron"` // six fields, seconds first, UTC
}

// SupervisorConfig holds the polling cadence.
type SupervisorConfig struct {
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// ImpactConfig overrides the event weight tables.
type ImpactConfig struct {
	Weights            impact.Weights     `yaml:"weights"`
	Multipliers        impact.Multipliers `yaml:"multipliers"`
	GoldEventThreshold int                `yaml:"gold_event_threshold"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Defaults returns the shipped configuration.
func Defaults() Config {
	tc := trade.DefaultConfig()
	lc := ledger.DefaultConfig()
	sc := supervisor.DefaultConfig()
	return Config{
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Database: DatabaseConfig{MaxConns: 10, Migrate: true},
		Redis:    RedisConfig{CacheTTL: 30 * time.Second},
		Feed: UpstreamConfig{
			BaseURL:   feed.DefaultBaseURL,
			RateLimit: 10,
			Timeout:   10 * time.Second,
		},
		Venue: UpstreamConfig{
			BaseURL:   venue.DefaultBaseURL,
			RateLimit: 10,
			Timeout:   10 * time.Second,
		},
		Trading: TradingConfig{
			MinProfitThreshold: 0.02,
			MaxPositionSize:    tc.MaxPositionSize.InexactFloat64(),
			MinPositionSize:    tc.MinPositionSize.InexactFloat64(),
			TradeDuration:      tc.MaxDuration,
			MonitorInterval:    tc.MonitorInterval,
			CorrectionBand:     tc.CorrectionBand.InexactFloat64(),
			StopLossFactor:     tc.StopLossFactor.InexactFloat64(),
		},
		Risk: RiskConfig{
			StartingBalance: lc.SeedBalance.InexactFloat64(),
			MaxDailyRisk:    lc.MaxDailyRisk.InexactFloat64(),
			StopLossTrigger: lc.StopLossTrigger,
			CooldownMinutes: int(lc.Cooldown / time.Minute),
			RolloverCron:    ledger.MidnightUTC,
		},
		Supervisor: SupervisorConfig{
			DiscoveryInterval: sc.DiscoveryInterval,
			PollInterval:      sc.PollInterval,
		},
		Probability: probability.DefaultConfig(),
		Impact: ImpactConfig{
			Weights:            impact.DefaultWeights(),
			Multipliers:        impact.DefaultMultipliers(),
			GoldEventThreshold: 2000,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Trading.MinProfitThreshold > 0 && c.Trading.MinProfitThreshold < 1,
		"trading.min_profit_threshold must be in (0,1), got %v", c.Trading.MinProfitThreshold)
	check(c.Trading.MaxPositionSize > 0 && c.Trading.MaxPositionSize <= 1,
		"trading.max_position_size must be in (0,1], got %v", c.Trading.MaxPositionSize)
	check(c.Trading.MinPositionSize >= 0, "trading.min_position_size must not be negative")
	check(c.Trading.TradeDuration > 0, "trading.trade_duration must be positive")
	check(c.Trading.MonitorInterval > 0, "trading.monitor_interval must be positive")
	check(c.Trading.StopLossFactor > 0 && c.Trading.StopLossFactor < 1,
		"trading.stop_loss_factor must be in (0,1), got %v", c.Trading.StopLossFactor)
	check(c.Trading.MaxOpenPerMatch >= 0, "trading.max_open_trades_per_match must not be negative")
	check(c.Trading.MaxMatchExposure >= 0, "trading.max_match_exposure must not be negative")
	check(c.Risk.StartingBalance > 0, "risk.starting_balance must be positive")
	check(c.Risk.MaxDailyRisk > 0 && c.Risk.MaxDailyRisk <= 1,
		"risk.max_daily_risk must be in (0,1], got %v", c.Risk.MaxDailyRisk)
	check(c.Risk.StopLossTrigger >= 1, "risk.stop_loss_trigger must be at least 1")
	check(c.Risk.CooldownMinutes >= 0, "risk.cooldown_minutes must not be negative")
	check(c.Supervisor.DiscoveryInterval > 0, "supervisor.discovery_interval must be positive")
	check(c.Supervisor.PollInterval > 0, "supervisor.poll_interval must be positive")
	check(c.Probability.Window > 0, "probability.window must be positive")
	check(c.Probability.FeeFactor > 0 && c.Probability.FeeFactor <= 1,
		"probability.fee_factor must be in (0,1], got %v", c.Probability.FeeFactor)

	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(c.Risk.RolloverCron); err != nil {
		errs = append(errs, fmt.Errorf("risk.rollover_cron: %w", err))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Server.Port) }

// TradeConfig converts the trading section for trade.Manager.
func (c *Config) TradeConfig() trade.Config {
	return trade.Config{
		MaxPositionSize: decimal.NewFromFloat(c.Trading.MaxPositionSize),
		MinPositionSize: decimal.NewFromFloat(c.Trading.MinPositionSize),
		MaxDuration:     c.Trading.TradeDuration,
		MonitorInterval: c.Trading.MonitorInterval,
		CorrectionBand:  decimal.NewFromFloat(c.Trading.CorrectionBand),
		StopLossFactor:  decimal.NewFromFloat(c.Trading.StopLossFactor),
		Limits: trade.PositionLimiter{
			MaxOpen:     c.Trading.MaxOpenPerMatch,
			MaxExposure: decimal.NewFromFloat(c.Trading.MaxMatchExposure),
		},
	}
}

// LedgerConfig converts the risk section for ledger.Ledger.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		SeedBalance:     decimal.NewFromFloat(c.Risk.StartingBalance),
		MaxDailyRisk:    decimal.NewFromFloat(c.Risk.MaxDailyRisk),
		StopLossTrigger: c.Risk.StopLossTrigger,
		Cooldown:        time.Duration(c.Risk.CooldownMinutes) * time.Minute,
	}
}

// PollConfig converts the supervisor section.
func (c *Config) PollConfig() supervisor.Config {
	return supervisor.Config{
		DiscoveryInterval: c.Supervisor.DiscoveryInterval,
		PollInterval:      c.Supervisor.PollInterval,
	}
}

// ImpactModel builds the event weight model.
func (c *Config) ImpactModel() *impact.Model {
	return &impact.Model{Weights: c.Impact.Weights, Multipliers: c.Impact.Multipliers}
}

// MinEdge is the arbitrage threshold as a decimal.
func (c *Config) MinEdge() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.MinProfitThreshold)
}
