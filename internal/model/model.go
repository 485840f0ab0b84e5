// Package model defines the core domain types shared across the arbitrage engine.
// Money and market prices use shopspring/decimal; win probabilities are float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the lifecycle state of a tracked match. Transitions only
// move forward: upcoming → live → finished.
type MatchStatus string

const (
	MatchUpcoming MatchStatus = "upcoming"
	MatchLive     MatchStatus = "live"
	MatchFinished MatchStatus = "finished"
)

func (s MatchStatus) rank() int {
	switch s {
	case MatchUpcoming:
		return 1
	case MatchLive:
		return 2
	case MatchFinished:
		return 3
	}
	return 0
}

// Advance returns the later of s and next, so a status never regresses.
func (s MatchStatus) Advance(next MatchStatus) MatchStatus {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// TeamSide identifies one of the two teams of a match.
type TeamSide string

const (
	Team1 TeamSide = "team1"
	Team2 TeamSide = "team2"
)

// Opponent returns the other side.
func (t TeamSide) Opponent() TeamSide {
	if t == Team1 {
		return Team2
	}
	return Team1
}

// TeamCounters holds a per-team running count.
type TeamCounters struct {
	Team1 int `json:"team1"`
	Team2 int `json:"team2"`
}

// Inc increments the counter for side and returns the new value.
func (c *TeamCounters) Inc(side TeamSide) int {
	if side == Team1 {
		c.Team1++
		return c.Team1
	}
	c.Team2++
	return c.Team2
}

// Get returns the count for side.
func (c TeamCounters) Get(side TeamSide) int {
	if side == Team1 {
		return c.Team1
	}
	return c.Team2
}

// WinProbability is a normalized win-probability pair (Team1 + Team2 = 1).
type WinProbability struct {
	Team1 float64 `json:"team1"`
	Team2 float64 `json:"team2"`
}

// EvenOdds is the estimate used when nothing is known about a match.
var EvenOdds = WinProbability{Team1: 0.5, Team2: 0.5}

// Match is the running state of one provider match. There is exactly one
// record per match ID.
type Match struct {
	ID          string         `json:"id" db:"id"`
	Team1       string         `json:"team1" db:"team1"`
	Team2       string         `json:"team2" db:"team2"`
	StartTime   time.Time      `json:"start_time" db:"start_time"`
	Status      MatchStatus    `json:"status" db:"status"`
	GoldDiff    int            `json:"gold_diff" db:"gold_diff"` // positive: Team1 ahead
	Kills       TeamCounters   `json:"kills"`
	Towers      TeamCounters   `json:"towers"`
	Dragons     TeamCounters   `json:"dragons"`
	Barons      TeamCounters   `json:"barons"`
	Inhibitors  TeamCounters   `json:"inhibitors"`
	WinProb     WinProbability `json:"win_probability"`
	MarketID    string         `json:"market_id" db:"market_id"`
	LastUpdated time.Time      `json:"last_updated" db:"last_updated"`
}

// Event is an immutable record of a processed in-game event.
type Event struct {
	ID        string       `json:"id" db:"id"`
	MatchID   string       `json:"match_id" db:"match_id"`
	Type      EventType    `json:"type" db:"event_type"`
	Team      TeamSide     `json:"team" db:"team"`
	Context   EventContext `json:"context" db:"context"`
	Timestamp time.Time    `json:"timestamp" db:"timestamp"`
	Impact    float64      `json:"impact" db:"impact"`
}

// Side is the outcome a trade takes on the market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitTimeout        ExitReason = "timeout"
	ExitPriceCorrected ExitReason = "price_corrected"
	ExitStopLoss       ExitReason = "stop_loss"
	ExitShutdown       ExitReason = "shutdown"
)

// Trade is one position opened against a market. Exit fields stay null
// until the trade is closed, and are written together exactly once.
type Trade struct {
	ID              string              `json:"id" db:"id"`
	MatchID         string              `json:"match_id" db:"match_id"`
	MarketID        string              `json:"market_id" db:"market_id"`
	OrderID         string              `json:"order_id" db:"order_id"`
	Side            Side                `json:"side" db:"side"`
	EntryPrice      decimal.Decimal     `json:"entry_price" db:"entry_price"`
	FairPrice       decimal.Decimal     `json:"fair_price" db:"fair_price"` // exit target
	ExitPrice       decimal.NullDecimal `json:"exit_price" db:"exit_price"`
	Size            decimal.Decimal     `json:"size" db:"size"`
	ProfitLoss      decimal.NullDecimal `json:"profit_loss" db:"profit_loss"`
	Status          TradeStatus         `json:"status" db:"status"`
	EntryReason     string              `json:"entry_reason" db:"entry_reason"`
	ExitReason      ExitReason          `json:"exit_reason,omitempty" db:"exit_reason"`
	OpenedAt        time.Time           `json:"opened_at" db:"opened_at"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
	DurationSeconds int                 `json:"duration_seconds" db:"duration_seconds"`
}

// TradeExit carries the fields written when a trade closes.
type TradeExit struct {
	ExitPrice  decimal.Decimal
	ProfitLoss decimal.Decimal
	Reason     ExitReason
	ClosedAt   time.Time
}

// ProfitLossAt computes the trade's P&L if it exited at price.
//
//	YES: (exit - entry) * size
//	NO:  (entry - exit) * size
func (t *Trade) ProfitLossAt(price decimal.Decimal) decimal.Decimal {
	if t.Side == SideYes {
		return price.Sub(t.EntryPrice).Mul(t.Size)
	}
	return t.EntryPrice.Sub(price).Mul(t.Size)
}

// DisabledReason explains why trading is switched off for the day.
type DisabledReason string

const (
	DisabledNone     DisabledReason = ""
	DisabledRiskCap  DisabledReason = "risk_cap"
	DisabledCooldown DisabledReason = "cooldown"
)

// Portfolio is the per-day risk and P&L ledger. One record per UTC date.
//
// Invariants: CurrentBalance = StartingBalance + Σ closed-trade P&L for the
// day; RiskExposure = Σ size of currently open trades.
type Portfolio struct {
	Date              time.Time       `json:"date" db:"date"`
	StartingBalance   decimal.Decimal `json:"starting_balance" db:"starting_balance"`
	CurrentBalance    decimal.Decimal `json:"current_balance" db:"current_balance"`
	DailyPnL          decimal.Decimal `json:"daily_pnl" db:"daily_pnl"`
	TotalTrades       int             `json:"total_trades" db:"total_trades"`
	WinningTrades     int             `json:"winning_trades" db:"winning_trades"`
	LosingTrades      int             `json:"losing_trades" db:"losing_trades"`
	ConsecutiveLosses int             `json:"consecutive_losses" db:"consecutive_losses"`
	RiskExposure      decimal.Decimal `json:"risk_exposure" db:"risk_exposure"`
	TradingEnabled    bool            `json:"trading_enabled" db:"trading_enabled"`
	DisabledReason    DisabledReason  `json:"disabled_reason,omitempty" db:"disabled_reason"`
	CooldownUntil     *time.Time      `json:"cooldown_until,omitempty" db:"cooldown_until"`
}

// Day truncates t to its UTC calendar date, the ledger key.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
