package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	matches    map[string]*model.Match
	events     map[string][]model.Event // matchID → append-only log
	trades     map[string]*model.Trade
	portfolios map[time.Time]*model.Portfolio
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:    make(map[string]*model.Match),
		events:     make(map[string][]model.Event),
		trades:     make(map[string]*model.Trade),
		portfolios: make(map[time.Time]*model.Portfolio),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) UpsertMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.matches[m.ID]
	if !ok {
		// Store a copy to avoid external mutation.
		copy := *m
		s.matches[m.ID] = &copy
		return nil
	}
	existing.Team1 = m.Team1
	existing.Team2 = m.Team2
	existing.StartTime = m.StartTime
	existing.Status = existing.Status.Advance(m.Status)
	existing.MarketID = m.MarketID
	existing.LastUpdated = m.LastUpdated
	return nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) UpdateMatch(_ context.Context, id string, fn func(m *model.Match) error) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	next := *m
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.Status = m.Status.Advance(next.Status)
	*m = next
	return &next, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[e.MatchID] = append(s.events[e.MatchID], *e)
	return nil
}

func (s *MemoryStore) ListEventsSince(_ context.Context, matchID string, since time.Time) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events[matchID] {
		if !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	copy := *t
	s.trades[t.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) CloseTrade(_ context.Context, id string, exit model.TradeExit) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if t.Status != model.TradeOpen {
		return nil, fmt.Errorf("trade %s: %w", id, ErrTradeNotOpen)
	}
	applyExit(t, exit)
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListOpenTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.Status == model.TradeOpen {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) EnsurePortfolio(_ context.Context, p *model.Portfolio) (*model.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := model.Day(p.Date)
	existing, ok := s.portfolios[date]
	if !ok {
		copy := *p
		copy.Date = date
		s.portfolios[date] = &copy
		existing = &copy
	}
	out := *existing
	return &out, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, date time.Time) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[model.Day(date)]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", model.Day(date).Format(time.DateOnly), ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) LatestPortfolioBefore(_ context.Context, date time.Time) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := model.Day(date)
	var latest *model.Portfolio
	for d, p := range s.portfolios {
		if d.Before(day) && (latest == nil || d.After(latest.Date)) {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("portfolio before %s: %w", day.Format(time.DateOnly), ErrNotFound)
	}
	copy := *latest
	return &copy, nil
}

// UpdatePortfolio holds the write lock across fn, so concurrent ledger
// updates never interleave.
func (s *MemoryStore) UpdatePortfolio(_ context.Context, date time.Time, fn func(p *model.Portfolio) error) (*model.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := model.Day(date)
	p, ok := s.portfolios[day]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", day.Format(time.DateOnly), ErrNotFound)
	}
	next := *p
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.Date = day
	*p = next
	return &next, nil
}

// applyExit writes every exit field of a trade together.
func applyExit(t *model.Trade, exit model.TradeExit) {
	closedAt := exit.ClosedAt
	t.ExitPrice = decimal.NewNullDecimal(exit.ExitPrice)
	t.ProfitLoss = decimal.NewNullDecimal(exit.ProfitLoss)
	t.Status = model.TradeClosed
	t.ExitReason = exit.Reason
	t.ClosedAt = &closedAt
	t.DurationSeconds = int(closedAt.Sub(t.OpenedAt) / time.Second)
}
