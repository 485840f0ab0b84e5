// Package store defines the persistence interface for the arbitrage engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/arb-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTradeNotOpen is returned by CloseTrade when the trade is no longer
	// open, so a close can be applied at most once.
	ErrTradeNotOpen = errors.New("store: trade is not open")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// --- Matches ---

	// UpsertMatch creates or replaces a match. Counters and probabilities of
	// an existing record are preserved and its status never moves backwards.
	UpsertMatch(ctx context.Context, m *model.Match) error

	// GetMatch retrieves a match by its provider ID.
	GetMatch(ctx context.Context, id string) (*model.Match, error)

	// UpdateMatch applies fn to the match atomically and returns the result.
	UpdateMatch(ctx context.Context, id string, fn func(m *model.Match) error) (*model.Match, error)

	// --- Append-only event log ---

	// InsertEvent appends an immutable event record.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEventsSince returns a match's events at or after since, newest first.
	ListEventsSince(ctx context.Context, matchID string, since time.Time) ([]model.Event, error)

	// --- Trades ---

	// CreateTrade persists a new open trade.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// CloseTrade writes the exit fields and flips status to closed, only if
	// the trade is still open. Returns ErrTradeNotOpen otherwise.
	CloseTrade(ctx context.Context, id string, exit model.TradeExit) (*model.Trade, error)

	// ListOpenTrades returns every trade with status open.
	ListOpenTrades(ctx context.Context) ([]model.Trade, error)

	// --- Daily portfolio ledger ---

	// EnsurePortfolio inserts p if no record exists for p.Date and returns
	// the stored record for that date.
	EnsurePortfolio(ctx context.Context, p *model.Portfolio) (*model.Portfolio, error)

	// GetPortfolio retrieves the ledger for a date.
	GetPortfolio(ctx context.Context, date time.Time) (*model.Portfolio, error)

	// LatestPortfolioBefore returns the most recent ledger strictly before date.
	LatestPortfolioBefore(ctx context.Context, date time.Time) (*model.Portfolio, error)

	// UpdatePortfolio applies fn to the ledger for date as a single atomic
	// read-modify-write. Concurrent callers on the same date serialize.
	UpdatePortfolio(ctx context.Context, date time.Time, fn func(p *model.Portfolio) error) (*model.Portfolio, error)
}
