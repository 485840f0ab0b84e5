package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides overwrites fields from well-known environment
// variables. A variable that is set but unparseable is an error rather
// than silently ignored, since these are mostly risk limits.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(setInt(&cfg.Server.Port, "PORT"))
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	setStr(&cfg.Feed.APIKey, "PANDA_SCORE_API_KEY")
	setStr(&cfg.Feed.BaseURL, "PANDA_SCORE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "POLYMARKET_API_KEY")
	setStr(&cfg.Venue.BaseURL, "POLYMARKET_BASE_URL")

	collect(setFloat64(&cfg.Trading.MinProfitThreshold, "MIN_PROFIT_THRESHOLD"))
	collect(setFloat64(&cfg.Trading.MaxPositionSize, "MAX_POSITION_SIZE"))
	collect(setSeconds(&cfg.Trading.TradeDuration, "TRADE_DURATION_SECONDS"))
	collect(setInt(&cfg.Trading.MaxOpenPerMatch, "MAX_OPEN_TRADES_PER_MATCH"))
	collect(setFloat64(&cfg.Trading.MaxMatchExposure, "MAX_MATCH_EXPOSURE"))
	collect(setBool(&cfg.Trading.CloseOnShutdown, "CLOSE_ON_SHUTDOWN"))

	collect(setFloat64(&cfg.Risk.StartingBalance, "STARTING_BALANCE"))
	collect(setFloat64(&cfg.Risk.MaxDailyRisk, "MAX_DAILY_RISK"))
	collect(setInt(&cfg.Risk.StopLossTrigger, "STOP_LOSS_TRIGGER"))
	collect(setInt(&cfg.Risk.CooldownMinutes, "COOLDOWN_MINUTES"))

	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.Format, "LOG_FORMAT")

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat64(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func setSeconds(dst *time.Duration, key string) error {
	var n int
	if err := setInt(&n, key); err != nil || os.Getenv(key) == "" {
		return err
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
