// Package ledger keeps the per-day portfolio record that gates trading:
// balance, open exposure, trade counters, the consecutive-loss streak and
// the enabled/cooldown state.
//
// Every mutation goes through store.UpdatePortfolio, so concurrent trade
// closes on the same day serialize their read-modify-write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/store"
)

// Store is the slice of persistence the ledger uses.
type Store interface {
	EnsurePortfolio(ctx context.Context, p *model.Portfolio) (*model.Portfolio, error)
	GetPortfolio(ctx context.Context, date time.Time) (*model.Portfolio, error)
	LatestPortfolioBefore(ctx context.Context, date time.Time) (*model.Portfolio, error)
	UpdatePortfolio(ctx context.Context, date time.Time, fn func(p *model.Portfolio) error) (*model.Portfolio, error)
}

// Config holds the risk limits.
type Config struct {
	SeedBalance     decimal.Decimal // starting balance when no earlier day exists
	MaxDailyRisk    decimal.Decimal // exposure cap as a fraction of the starting balance
	StopLossTrigger int             // consecutive losing trades that start a cooldown
	Cooldown        time.Duration
}

// DefaultConfig returns the shipped risk limits.
func DefaultConfig() Config {
	return Config{
		SeedBalance:     decimal.NewFromInt(1000),
		MaxDailyRisk:    decimal.NewFromFloat(0.05),
		StopLossTrigger: 3,
		Cooldown:        10 * time.Minute,
	}
}

// Ledger is the daily risk gate.
type Ledger struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a ledger over s.
func New(s Store, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "ledger"),
	}
}

// WithClock replaces the ledger's time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Today returns the current day's record, creating it on first use.
func (l *Ledger) Today(ctx context.Context) (*model.Portfolio, error) {
	return l.dayOf(ctx, l.now())
}

func (l *Ledger) dayOf(ctx context.Context, t time.Time) (*model.Portfolio, error) {
	p, err := l.store.GetPortfolio(ctx, t)
	if errors.Is(err, store.ErrNotFound) {
		return l.rolloverAt(ctx, t)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: today: %w", err)
	}
	return p, nil
}

// Rollover creates today's record if it does not exist yet. The starting
// balance and the open exposure carry over from the most recent earlier
// day; with no history the seed balance is used. Idempotent.
func (l *Ledger) Rollover(ctx context.Context) (*model.Portfolio, error) {
	return l.rolloverAt(ctx, l.now())
}

func (l *Ledger) rolloverAt(ctx context.Context, t time.Time) (*model.Portfolio, error) {
	day := model.Day(t)
	balance := l.cfg.SeedBalance
	exposure := decimal.Zero

	prev, err := l.store.LatestPortfolioBefore(ctx, day)
	switch {
	case err == nil:
		balance = prev.CurrentBalance
		exposure = prev.RiskExposure
		l.logger.Info("closing previous day",
			"date", prev.Date.Format(time.DateOnly),
			"daily_pnl", prev.DailyPnL.String(),
			"trades", prev.TotalTrades,
		)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("ledger: rollover: %w", err)
	}

	p, err := l.store.EnsurePortfolio(ctx, &model.Portfolio{
		Date:            day,
		StartingBalance: balance,
		CurrentBalance:  balance,
		DailyPnL:        decimal.Zero,
		RiskExposure:    exposure,
		TradingEnabled:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: rollover: %w", err)
	}
	return p, nil
}

// CanTrade evaluates the risk rules in order and persists any state change
// they cause:
//
//  1. exposure >= starting balance * max daily risk: disabled for the day
//  2. inside the cooldown window: rejected; once it has elapsed the
//     triggering streak is consumed and trading re-enabled
//  3. consecutive losses >= trigger: disabled, cooldown starts
//  4. otherwise the enabled flag
func (l *Ledger) CanTrade(ctx context.Context) (bool, error) {
	var allowed bool
	_, err := l.update(ctx, func(p *model.Portfolio, now time.Time) {
		allowed = l.evaluate(p, now)
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func (l *Ledger) evaluate(p *model.Portfolio, now time.Time) bool {
	limit := p.StartingBalance.Mul(l.cfg.MaxDailyRisk)
	if p.RiskExposure.GreaterThanOrEqual(limit) {
		if p.DisabledReason != model.DisabledRiskCap {
			l.logger.Warn("daily risk limit reached, trading disabled",
				"exposure", p.RiskExposure.String(),
				"limit", limit.String(),
			)
		}
		p.TradingEnabled = false
		p.DisabledReason = model.DisabledRiskCap
		return false
	}

	if p.CooldownUntil != nil {
		if now.Before(*p.CooldownUntil) {
			return false
		}
		// The streak that started the cooldown is consumed. Losses booked
		// during the cooldown carry over.
		p.ConsecutiveLosses = max(0, p.ConsecutiveLosses-l.cfg.StopLossTrigger)
		p.CooldownUntil = nil
		l.logger.Info("cooldown elapsed, trading re-enabled", "losses", p.ConsecutiveLosses)
		if p.DisabledReason == model.DisabledCooldown {
			p.TradingEnabled = true
			p.DisabledReason = model.DisabledNone
		}
	}

	// The streak stays on the record for the whole cooldown.
	if l.cfg.StopLossTrigger > 0 && p.ConsecutiveLosses >= l.cfg.StopLossTrigger {
		until := now.Add(l.cfg.Cooldown).UTC()
		l.logger.Warn("consecutive losses, entering cooldown",
			"losses", p.ConsecutiveLosses,
			"cooldown_until", until,
		)
		p.TradingEnabled = false
		p.DisabledReason = model.DisabledCooldown
		p.CooldownUntil = &until
		return false
	}
	return p.TradingEnabled
}

// RecordOpen adds a new position's size to the day's exposure.
func (l *Ledger) RecordOpen(ctx context.Context, size decimal.Decimal) (*model.Portfolio, error) {
	return l.update(ctx, func(p *model.Portfolio, _ time.Time) {
		p.RiskExposure = p.RiskExposure.Add(size)
		p.TotalTrades++
	})
}

// RecordClose books a closed trade: balance and daily P&L move by pnl, the
// trade's size leaves exposure, and the loss streak resets on a profit and
// grows otherwise.
func (l *Ledger) RecordClose(ctx context.Context, size, pnl decimal.Decimal) (*model.Portfolio, error) {
	return l.update(ctx, func(p *model.Portfolio, _ time.Time) {
		p.CurrentBalance = p.CurrentBalance.Add(pnl)
		p.DailyPnL = p.DailyPnL.Add(pnl)
		p.RiskExposure = decimal.Max(decimal.Zero, p.RiskExposure.Sub(size))
		if pnl.IsPositive() {
			p.WinningTrades++
			p.ConsecutiveLosses = 0
		} else {
			p.LosingTrades++
			p.ConsecutiveLosses++
		}
	})
}

// update ensures today's record exists and applies fn to it atomically.
// The clock is read once so a call straddling midnight stays on one day.
func (l *Ledger) update(ctx context.Context, fn func(p *model.Portfolio, now time.Time)) (*model.Portfolio, error) {
	now := l.now()
	if _, err := l.dayOf(ctx, now); err != nil {
		return nil, err
	}
	p, err := l.store.UpdatePortfolio(ctx, now, func(p *model.Portfolio) error {
		fn(p, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: update: %w", err)
	}
	return p, nil
}
