// Package probability turns a match's gold differential and its recent
// event log into a normalized win-probability pair, and converts a
// probability into the fee-adjusted fair price the market is compared to.
package probability

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/store"
)

const (
	minProb = 0.01
	maxProb = 0.99
)

var (
	minPrice = decimal.NewFromFloat(minProb)
	maxPrice = decimal.NewFromFloat(maxProb)
)

// Source is the slice of the store the engine reads from.
type Source interface {
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	ListEventsSince(ctx context.Context, matchID string, since time.Time) ([]model.Event, error)
}

// Config tunes the estimator.
type Config struct {
	Window           time.Duration `yaml:"window"`              // trailing event window
	GoldShiftPer1000 float64       `yaml:"gold_shift_per_1000"` // probability moved per 1000 gold
	FeeFactor        float64       `yaml:"fee_factor"`          // venue fee discount on fair price
}

// DefaultConfig returns the shipped estimator settings.
func DefaultConfig() Config {
	return Config{
		Window:           5 * time.Minute,
		GoldShiftPer1000: 0.01,
		FeeFactor:        0.98,
	}
}

// Engine estimates win probabilities from stored match state.
type Engine struct {
	src Source
	cfg Config
	now func() time.Time
}

// NewEngine creates an engine reading from src.
func NewEngine(src Source, cfg Config) *Engine {
	return &Engine{src: src, cfg: cfg, now: time.Now}
}

// WithClock replaces the engine's time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Estimate returns the win-probability pair for a match. An unknown match
// yields even odds. Both values always lie in [0.01, 0.99] and sum to 1.
func (e *Engine) Estimate(ctx context.Context, matchID string) (model.WinProbability, error) {
	m, err := e.src.GetMatch(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return model.EvenOdds, nil
	}
	if err != nil {
		return model.EvenOdds, err
	}

	events, err := e.src.ListEventsSince(ctx, matchID, e.now().Add(-e.cfg.Window))
	if err != nil {
		return model.EvenOdds, err
	}
	return e.combine(m.GoldDiff, events), nil
}

// combine applies the gold adjustment and then each event, newest first.
func (e *Engine) combine(goldDiff int, events []model.Event) model.WinProbability {
	gold := float64(goldDiff) / 1000 * e.cfg.GoldShiftPer1000
	team1 := 0.5 + gold
	team2 := 0.5 - gold

	for _, ev := range events {
		if ev.Team == model.Team1 {
			team1 += ev.Impact
			team2 -= ev.Impact
		} else {
			team1 -= ev.Impact
			team2 += ev.Impact
		}
	}

	total := team1 + team2
	return model.WinProbability{
		Team1: clamp(team1 / total),
		Team2: clamp(team2 / total),
	}
}

// PriceFromProbability converts a win probability into the fair market
// price after the venue fee discount.
func (e *Engine) PriceFromProbability(p float64) decimal.Decimal {
	return PriceFromProbability(p, e.cfg.FeeFactor)
}

// PriceFromProbability multiplies p by feeFactor and clamps the result to
// [0.01, 0.99]. The product is exact: rounding here would move edges
// across the detector threshold.
func PriceFromProbability(p, feeFactor float64) decimal.Decimal {
	price := decimal.NewFromFloat(p).Mul(decimal.NewFromFloat(feeFactor))
	if price.LessThan(minPrice) {
		return minPrice
	}
	if price.GreaterThan(maxPrice) {
		return maxPrice
	}
	return price
}

func clamp(p float64) float64 {
	return math.Max(minProb, math.Min(maxProb, p))
}
