package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Matches ---

const matchColumns = `id, team1, team2, start_time, status, gold_diff,
	kills, towers, dragons, barons, inhibitors, win_prob, market_id, last_updated`

func (s *PostgresStore) UpsertMatch(ctx context.Context, m *model.Match) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (`+matchColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     team1 = EXCLUDED.team1,
		     team2 = EXCLUDED.team2,
		     start_time = EXCLUDED.start_time,
		     status = CASE
		         WHEN matches.status = 'finished' THEN matches.status
		         WHEN matches.status = 'live' AND EXCLUDED.status = 'upcoming' THEN matches.status
		         ELSE EXCLUDED.status
		     END,
		     market_id = EXCLUDED.market_id,
		     last_updated = EXCLUDED.last_updated`,
		m.ID, m.Team1, m.Team2, m.StartTime, string(m.Status), m.GoldDiff,
		m.Kills, m.Towers, m.Dragons, m.Barons, m.Inhibitors, m.WinProb,
		m.MarketID, m.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert match %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	m, err := scanMatch(s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, notFound(err))
	}
	return m, nil
}

// UpdateMatch locks the row for the duration of fn.
func (s *PostgresStore) UpdateMatch(ctx context.Context, id string, fn func(m *model.Match) error) (*model.Match, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	m, err := scanMatch(tx.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("update match %s: %w", id, notFound(err))
	}
	prev := m.Status
	if err := fn(m); err != nil {
		return nil, err
	}
	m.Status = prev.Advance(m.Status)

	_, err = tx.Exec(ctx,
		`UPDATE matches
		 SET team1 = $2, team2 = $3, status = $4, gold_diff = $5,
		     kills = $6, towers = $7, dragons = $8, barons = $9, inhibitors = $10,
		     win_prob = $11, market_id = $12, last_updated = $13
		 WHERE id = $1`,
		m.ID, m.Team1, m.Team2, string(m.Status), m.GoldDiff,
		m.Kills, m.Towers, m.Dragons, m.Barons, m.Inhibitors,
		m.WinProb, m.MarketID, m.LastUpdated,
	)
	if err != nil {
		return nil, fmt.Errorf("update match %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// --- Events ---

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, match_id, event_type, team, context, timestamp, impact)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.MatchID, string(e.Type), string(e.Team), e.Context, e.Timestamp, e.Impact,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListEventsSince(ctx context.Context, matchID string, since time.Time) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, match_id, event_type, team, context, timestamp, impact
		 FROM events
		 WHERE match_id = $1 AND timestamp >= $2
		 ORDER BY timestamp DESC`, matchID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var eventType, team string
		if err := rows.Scan(&e.ID, &e.MatchID, &eventType, &team,
			&e.Context, &e.Timestamp, &e.Impact); err != nil {
			return nil, err
		}
		e.Type = model.EventType(eventType)
		e.Team = model.TeamSide(team)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Trades ---

const tradeColumns = `id, match_id, market_id, order_id, side,
	entry_price::TEXT, fair_price::TEXT, exit_price::TEXT, size::TEXT, profit_loss::TEXT,
	status, entry_reason, exit_reason, opened_at, closed_at, duration_seconds`

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, match_id, market_id, order_id, side,
		                     entry_price, fair_price, size, status, entry_reason, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		t.ID, t.MatchID, t.MarketID, t.OrderID, string(t.Side),
		t.EntryPrice.String(), t.FairPrice.String(), t.Size.String(),
		string(t.Status), t.EntryReason, t.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("create trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, notFound(err))
	}
	return t, nil
}

// CloseTrade is conditional on status = 'open', so two racing closes
// cannot both apply.
func (s *PostgresStore) CloseTrade(ctx context.Context, id string, exit model.TradeExit) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`UPDATE trades
		 SET exit_price = $2::NUMERIC, profit_loss = $3::NUMERIC,
		     status = 'closed', exit_reason = $4, closed_at = $5,
		     duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($5 - opened_at))))::INTEGER
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+tradeColumns,
		id, exit.ExitPrice.String(), exit.ProfitLoss.String(), string(exit.Reason), exit.ClosedAt))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("close trade %s: %w", id, err)
	}
	// Distinguish a missing trade from one that is already closed.
	if _, getErr := s.GetTrade(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("trade %s: %w", id, ErrTradeNotOpen)
}

func (s *PostgresStore) ListOpenTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// --- Portfolios ---

const portfolioColumns = `date, starting_balance::TEXT, current_balance::TEXT, daily_pnl::TEXT,
	total_trades, winning_trades, losing_trades, consecutive_losses,
	risk_exposure::TEXT, trading_enabled, disabled_reason, cooldown_until`

func (s *PostgresStore) EnsurePortfolio(ctx context.Context, p *model.Portfolio) (*model.Portfolio, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (date, starting_balance, current_balance, daily_pnl,
		                         total_trades, winning_trades, losing_trades, consecutive_losses,
		                         risk_exposure, trading_enabled, disabled_reason, cooldown_until)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9::NUMERIC, $10, $11, $12)
		 ON CONFLICT (date) DO NOTHING`,
		model.Day(p.Date), p.StartingBalance.String(), p.CurrentBalance.String(), p.DailyPnL.String(),
		p.TotalTrades, p.WinningTrades, p.LosingTrades, p.ConsecutiveLosses,
		p.RiskExposure.String(), p.TradingEnabled, string(p.DisabledReason), p.CooldownUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure portfolio: %w", err)
	}
	return s.GetPortfolio(ctx, p.Date)
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, date time.Time) (*model.Portfolio, error) {
	day := model.Day(date)
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE date = $1`, day))
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", day.Format(time.DateOnly), notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) LatestPortfolioBefore(ctx context.Context, date time.Time) (*model.Portfolio, error) {
	day := model.Day(date)
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios
		 WHERE date < $1 ORDER BY date DESC LIMIT 1`, day))
	if err != nil {
		return nil, fmt.Errorf("portfolio before %s: %w", day.Format(time.DateOnly), notFound(err))
	}
	return p, nil
}

// UpdatePortfolio serializes concurrent ledger writers with a row lock.
func (s *PostgresStore) UpdatePortfolio(ctx context.Context, date time.Time, fn func(p *model.Portfolio) error) (*model.Portfolio, error) {
	day := model.Day(date)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	p, err := scanPortfolio(tx.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE date = $1 FOR UPDATE`, day))
	if err != nil {
		return nil, fmt.Errorf("update portfolio %s: %w", day.Format(time.DateOnly), notFound(err))
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.Date = day

	_, err = tx.Exec(ctx,
		`UPDATE portfolios
		 SET starting_balance = $2::NUMERIC, current_balance = $3::NUMERIC, daily_pnl = $4::NUMERIC,
		     total_trades = $5, winning_trades = $6, losing_trades = $7, consecutive_losses = $8,
		     risk_exposure = $9::NUMERIC, trading_enabled = $10, disabled_reason = $11,
		     cooldown_until = $12
		 WHERE date = $1`,
		day, p.StartingBalance.String(), p.CurrentBalance.String(), p.DailyPnL.String(),
		p.TotalTrades, p.WinningTrades, p.LosingTrades, p.ConsecutiveLosses,
		p.RiskExposure.String(), p.TradingEnabled, string(p.DisabledReason), p.CooldownUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("update portfolio %s: %w", day.Format(time.DateOnly), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// --- Row scanning ---

func scanMatch(row pgx.Row) (*model.Match, error) {
	var m model.Match
	var status string
	if err := row.Scan(&m.ID, &m.Team1, &m.Team2, &m.StartTime, &status, &m.GoldDiff,
		&m.Kills, &m.Towers, &m.Dragons, &m.Barons, &m.Inhibitors, &m.WinProb,
		&m.MarketID, &m.LastUpdated); err != nil {
		return nil, err
	}
	m.Status = model.MatchStatus(status)
	return &m, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var side, status, exitReason string
	var entryS, fairS, sizeS string
	var exitS, pnlS *string
	if err := row.Scan(&t.ID, &t.MatchID, &t.MarketID, &t.OrderID, &side,
		&entryS, &fairS, &exitS, &sizeS, &pnlS,
		&status, &t.EntryReason, &exitReason, &t.OpenedAt, &t.ClosedAt, &t.DurationSeconds); err != nil {
		return nil, err
	}
	t.Side = model.Side(side)
	t.Status = model.TradeStatus(status)
	t.ExitReason = model.ExitReason(exitReason)
	t.EntryPrice, _ = decimal.NewFromString(entryS)
	t.FairPrice, _ = decimal.NewFromString(fairS)
	t.Size, _ = decimal.NewFromString(sizeS)
	t.ExitPrice = nullDecimal(exitS)
	t.ProfitLoss = nullDecimal(pnlS)
	return &t, nil
}

func scanPortfolio(row pgx.Row) (*model.Portfolio, error) {
	var p model.Portfolio
	var startS, currentS, pnlS, exposureS, reason string
	if err := row.Scan(&p.Date, &startS, &currentS, &pnlS,
		&p.TotalTrades, &p.WinningTrades, &p.LosingTrades, &p.ConsecutiveLosses,
		&exposureS, &p.TradingEnabled, &reason, &p.CooldownUntil); err != nil {
		return nil, err
	}
	p.Date = model.Day(p.Date)
	p.StartingBalance, _ = decimal.NewFromString(startS)
	p.CurrentBalance, _ = decimal.NewFromString(currentS)
	p.DailyPnL, _ = decimal.NewFromString(pnlS)
	p.RiskExposure, _ = decimal.NewFromString(exposureS)
	p.DisabledReason = model.DisabledReason(reason)
	return &p, nil
}

func nullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// notFound maps pgx's no-rows error onto the package sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
