package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir()) // no stray .env
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Trading.MinProfitThreshold != 0.02 {
		t.Errorf("server/trading = %+v %+v", cfg.Server, cfg.Trading)
	}
	if cfg.Risk.StopLossTrigger != 3 || cfg.Risk.CooldownMinutes != 10 || cfg.Risk.MaxDailyRisk != 0.05 {
		t.Errorf("risk = %+v", cfg.Risk)
	}
	if cfg.Trading.TradeDuration != 30*time.Second || cfg.Supervisor.PollInterval != 2*time.Second {
		t.Errorf("durations = %v %v", cfg.Trading.TradeDuration, cfg.Supervisor.PollInterval)
	}

	lc := cfg.LedgerConfig()
	if !lc.SeedBalance.Equal(decimal.NewFromInt(1000)) || lc.Cooldown != 10*time.Minute {
		t.Errorf("ledger config = %+v", lc)
	}
	tc := cfg.TradeConfig()
	if !tc.MaxPositionSize.Equal(decimal.NewFromFloat(0.01)) || !tc.StopLossFactor.Equal(decimal.NewFromFloat(0.95)) {
		t.Errorf("trade config = %+v", tc)
	}
	if m := cfg.ImpactModel(); m.Weights.Baron != 0.12 {
		t.Errorf("baron weight = %v", m.Weights.Baron)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeFile(t, `
server:
  port: 9000
trading:
  min_profit_threshold: 0.03
  max_open_trades_per_match: 2
supervisor:
  poll_interval: 500ms
probability:
  window: 3m
impact:
  weights:
    baron: 0.2
log:
  level: debug
`)
	t.Setenv("PORT", "9100")
	t.Setenv("COOLDOWN_MINUTES", "15")
	t.Setenv("POLYMARKET_API_KEY", "pm-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, env must win over file", cfg.Server.Port)
	}
	if cfg.Trading.MinProfitThreshold != 0.03 || cfg.Trading.MaxOpenPerMatch != 2 {
		t.Errorf("trading = %+v", cfg.Trading)
	}
	if cfg.Supervisor.PollInterval != 500*time.Millisecond || cfg.Probability.Window != 3*time.Minute {
		t.Errorf("durations = %v %v", cfg.Supervisor.PollInterval, cfg.Probability.Window)
	}
	if cfg.Impact.Weights.Baron != 0.2 || cfg.Impact.Weights.Dragon != 0.05 {
		t.Errorf("weights = %+v", cfg.Impact.Weights)
	}
	if cfg.Risk.CooldownMinutes != 15 || cfg.Venue.APIKey != "pm-key" {
		t.Errorf("env overrides = %+v %q", cfg.Risk, cfg.Venue.APIKey)
	}
	if cfg.Trading.StopLossFactor != 0.95 {
		t.Errorf("unset field lost its default: %v", cfg.Trading.StopLossFactor)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("STOP_LOSS_TRIGGER=5\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("STOP_LOSS_TRIGGER", "")
	os.Unsetenv("STOP_LOSS_TRIGGER")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Risk.StopLossTrigger != 5 {
		t.Errorf("stop loss trigger = %d, want 5 from .env", cfg.Risk.StopLossTrigger)
	}
}

func TestLoad_Invalid(t *testing.T) {
	chdir(t, t.TempDir())
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad number", map[string]string{"MAX_DAILY_RISK": "lots"}, "MAX_DAILY_RISK"},
		{"threshold range", map[string]string{"MIN_PROFIT_THRESHOLD": "1.5"}, "min_profit_threshold"},
		{"trigger", map[string]string{"STOP_LOSS_TRIGGER": "0"}, "stop_loss_trigger"},
		{"log level", map[string]string{"LOG_LEVEL": "chatty"}, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing explicit file accepted")
	}
	bad := writeFile(t, "risk:\n  rollover_cron: \"every night\"\n")
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "rollover_cron") {
		t.Errorf("bad cron err = %v", err)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
