package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/arb-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for match state and the daily ledger. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back
// to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Ping checks both backends.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

// --- Write-through (write to primary, invalidate cache) ---
//
// Writes never SET the cache. Concurrent writers return in any order, so
// only a read of the committed row may fill it.

func (s *CachedStore) UpsertMatch(ctx context.Context, m *model.Match) error {
	if err := s.primary.UpsertMatch(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, matchKey(m.ID))
	return nil
}

func (s *CachedStore) UpdateMatch(ctx context.Context, id string, fn func(m *model.Match) error) (*model.Match, error) {
	m, err := s.primary.UpdateMatch(ctx, id, fn)
	s.rdb.Del(ctx, matchKey(id))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *CachedStore) EnsurePortfolio(ctx context.Context, p *model.Portfolio) (*model.Portfolio, error) {
	out, err := s.primary.EnsurePortfolio(ctx, p)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, portfolioKey(out.Date))
	return out, nil
}

func (s *CachedStore) UpdatePortfolio(ctx context.Context, date time.Time, fn func(p *model.Portfolio) error) (*model.Portfolio, error) {
	p, err := s.primary.UpdatePortfolio(ctx, date, fn)
	// The primary may have committed before failing to return, so the
	// cached copy is dropped either way.
	s.rdb.Del(ctx, portfolioKey(date))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	data, err := s.rdb.Get(ctx, matchKey(id)).Bytes()
	if err == nil {
		var m model.Match
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, matchKey(id), m)
	return m, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, date time.Time) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(date)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPortfolio(ctx, date)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, portfolioKey(date), p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

func (s *CachedStore) ListEventsSince(ctx context.Context, matchID string, since time.Time) ([]model.Event, error) {
	return s.primary.ListEventsSince(ctx, matchID, since)
}

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.CreateTrade(ctx, t)
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) CloseTrade(ctx context.Context, id string, exit model.TradeExit) (*model.Trade, error) {
	return s.primary.CloseTrade(ctx, id, exit)
}

func (s *CachedStore) ListOpenTrades(ctx context.Context) ([]model.Trade, error) {
	return s.primary.ListOpenTrades(ctx)
}

func (s *CachedStore) LatestPortfolioBefore(ctx context.Context, date time.Time) (*model.Portfolio, error) {
	return s.primary.LatestPortfolioBefore(ctx, date)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func matchKey(id string) string { return fmt.Sprintf("match:%s", id) }

func portfolioKey(date time.Time) string {
	return fmt.Sprintf("portfolio:%s", model.Day(date).Format(time.DateOnly))
}
