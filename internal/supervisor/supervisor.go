// Package supervisor discovers live matches, keeps the active-match
// registry and runs one event poller per match. A poll tick feeds new
// provider events through the trigger dispatcher and, when the tick moved
// the game state, re-prices the match and acts on any mispricing.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/arbitrage"
	"github.com/atmx/arb-engine/internal/feed"
	"github.com/atmx/arb-engine/internal/metrics"
	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/task"
	"github.com/atmx/arb-engine/internal/trade"
	"github.com/atmx/arb-engine/internal/trigger"
	"github.com/atmx/arb-engine/internal/venue"
)

// Feed is the live-match data provider.
type Feed interface {
	LiveMatches(ctx context.Context) ([]feed.LiveMatch, error)
	MatchStatus(ctx context.Context, matchID string) (string, error)
	Events(ctx context.Context, gameID string) ([]feed.RawEvent, error)
}

// Markets resolves matches to venue markets and quotes them.
type Markets interface {
	ResolveMarket(ctx context.Context, slug string) (*venue.Market, error)
	Price(ctx context.Context, marketID string) (decimal.Decimal, error)
}

// Store is the slice of the store the supervisor writes to.
type Store interface {
	UpsertMatch(ctx context.Context, m *model.Match) error
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	UpdateMatch(ctx context.Context, id string, fn func(m *model.Match) error) (*model.Match, error)
}

// Processor applies one canonical event to match state.
type Processor interface {
	Process(ctx context.Context, matchID string, ev model.GameEvent) (float64, error)
}

// Estimator turns match state into probabilities and fair prices.
type Estimator interface {
	Estimate(ctx context.Context, matchID string) (model.WinProbability, error)
	PriceFromProbability(p float64) decimal.Decimal
}

// Trader opens positions.
type Trader interface {
	Open(ctx context.Context, req trade.OpenRequest) (*model.Trade, error)
}

// Portfolio exposes the current day's ledger.
type Portfolio interface {
	Today(ctx context.Context) (*model.Portfolio, error)
}

// Notifier receives probability updates. Implementations must not block.
type Notifier interface {
	ProbabilityUpdated(matchID string, p model.WinProbability, fair, market decimal.Decimal)
}

// Deps bundles the supervisor's collaborators. Notifier may be nil.
type Deps struct {
	Feed      Feed
	Markets   Markets
	Store     Store
	Processor Processor
	Estimator Estimator
	Detector  *arbitrage.Detector
	Trader    Trader
	Portfolio Portfolio
	Notifier  Notifier
}

// Config holds the polling cadence.
type Config struct {
	DiscoveryInterval time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the shipped cadence.
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval: 10 * time.Second,
		PollInterval:      2 * time.Second,
	}
}

// active is one registry entry.
type active struct {
	match     model.Match // snapshot at registration
	gameID    string
	lastEvent time.Time // newest provider timestamp processed
	poll      *task.Periodic
}

// Supervisor owns the active-match registry. It is the only writer.
type Supervisor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	running   atomic.Bool
	cancel    context.CancelFunc
	ctx       context.Context
	discovery *task.Periodic

	mu     sync.Mutex
	active map[string]*active
}

// New creates a supervisor.
func New(deps Deps, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "supervisor"),
		now:    time.Now,
		active: make(map[string]*active),
	}
}

// WithClock replaces the supervisor's time source. Used by tests.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// Start runs the first discovery cycle immediately and then every
// DiscoveryInterval until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.discovery = task.Start(s.ctx, "discovery", s.cfg.DiscoveryInterval, s.discover)
	s.logger.Info("supervisor started",
		"discovery_interval", s.cfg.DiscoveryInterval.String(),
		"poll_interval", s.cfg.PollInterval.String(),
	)
}

// Stop cancels discovery and every match poller, waits for them and clears
// the registry. Match records keep their stored status.
func (s *Supervisor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	<-s.discovery.Done()

	s.mu.Lock()
	polls := make([]*task.Periodic, 0, len(s.active))
	for id, a := range s.active {
		polls = append(polls, a.poll)
		delete(s.active, id)
	}
	s.mu.Unlock()
	for _, p := range polls {
		<-p.Done()
	}
	metrics.ActiveMatches.Set(0)
	s.logger.Info("supervisor stopped")
}

// IsRunning reports whether Start has been called and Stop has not.
func (s *Supervisor) IsRunning() bool { return s.running.Load() }

// ActiveMatchCount returns the number of registered matches.
func (s *Supervisor) ActiveMatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ActiveMatchIDs returns the registered match IDs, sorted.
func (s *Supervisor) ActiveMatchIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ActiveMatches returns the stored state of every registered match.
func (s *Supervisor) ActiveMatches(ctx context.Context) ([]model.Match, error) {
	ids := s.ActiveMatchIDs()
	out := make([]model.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.deps.Store.GetMatch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// TodayPortfolio returns the current day's ledger.
func (s *Supervisor) TodayPortfolio(ctx context.Context) (*model.Portfolio, error) {
	return s.deps.Portfolio.Today(ctx)
}

func (s *Supervisor) discover(ctx context.Context) bool {
	live, err := s.deps.Feed.LiveMatches(ctx)
	if err != nil {
		s.logger.Warn("discovery failed", "err", err)
		return true
	}
	for _, lm := range live {
		if ctx.Err() != nil {
			break
		}
		s.register(ctx, lm)
	}
	s.logger.Debug("discovery complete", "live", len(live), "active", s.ActiveMatchCount())
	return true
}

func (s *Supervisor) registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Supervisor) register(ctx context.Context, lm feed.LiveMatch) {
	id := lm.MatchID()
	if s.registered(id) {
		return
	}
	log := s.logger.With("match_id", id)

	gameID, ok := lm.RunningGameID()
	if !ok {
		log.Warn("no running game, skipping registration")
		return
	}
	market, err := s.deps.Markets.ResolveMarket(ctx, lm.Slug)
	if err != nil {
		if errors.Is(err, venue.ErrNoMarket) {
			log.Warn("no market for match", "slug", lm.Slug)
		} else {
			log.Warn("market lookup failed", "slug", lm.Slug, "err", err)
		}
		return
	}

	now := s.now().UTC()
	team1, team2 := lm.TeamNames()
	m := model.Match{
		ID:          id,
		Team1:       team1,
		Team2:       team2,
		StartTime:   lm.ScheduledAt,
		Status:      model.MatchLive,
		MarketID:    market.ID,
		WinProb:     model.EvenOdds,
		LastUpdated: now,
	}
	if m.StartTime.IsZero() {
		m.StartTime = now
	}
	if err := s.deps.Store.UpsertMatch(ctx, &m); err != nil {
		log.Error("match upsert failed", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok || s.ctx.Err() != nil {
		return
	}
	a := &active{match: m, gameID: gameID, lastEvent: now}
	s.active[id] = a
	a.poll = task.Start(s.ctx, "poll:"+id, s.cfg.PollInterval, func(ctx context.Context) bool {
		return s.poll(ctx, id)
	})
	metrics.ActiveMatches.Set(float64(len(s.active)))
	log.Info("match registered",
		"team1", team1,
		"team2", team2,
		"market_id", market.ID,
		"game_id", gameID,
	)
}

// lookup returns a copy of the entry's fields the poller needs.
func (s *Supervisor) lookup(id string) (model.Match, string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok {
		return model.Match{}, "", time.Time{}, false
	}
	return a.match, a.gameID, a.lastEvent, true
}

func (s *Supervisor) advance(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[id]; ok && t.After(a.lastEvent) {
		a.lastEvent = t
	}
}

func (s *Supervisor) poll(ctx context.Context, id string) bool {
	m, gameID, marker, ok := s.lookup(id)
	if !ok {
		return false
	}
	log := s.logger.With("match_id", id)

	raws, err := s.deps.Feed.Events(ctx, gameID)
	if err != nil {
		log.Warn("event fetch failed", "err", err)
	} else if s.applyEvents(ctx, m, raws, marker) {
		s.evaluate(ctx, m)
	}

	status, err := s.deps.Feed.MatchStatus(ctx, id)
	if err != nil {
		log.Warn("status check failed", "err", err)
		return true
	}
	if feed.IsFinished(status) {
		s.finish(ctx, id, status)
		return false
	}
	return true
}

// applyEvents runs every event newer than marker through the dispatcher in
// timestamp order and advances the marker past each one, processed or not.
// It reports whether any event moved the game state.
func (s *Supervisor) applyEvents(ctx context.Context, m model.Match, raws []feed.RawEvent, marker time.Time) bool {
	fresh := make([]feed.RawEvent, 0, len(raws))
	for _, r := range raws {
		if r.Timestamp.After(marker) {
			fresh = append(fresh, r)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Timestamp.Before(fresh[j].Timestamp.Time)
	})

	moved := false
	for _, r := range fresh {
		s.advance(m.ID, r.Timestamp.Time)

		ev, err := feed.Normalize(r, m.Team1, m.Team2)
		if err != nil {
			metrics.EventsProcessed.WithLabelValues(r.Type, "malformed").Inc()
			s.logger.Debug("skipping event", "match_id", m.ID, "err", err)
			continue
		}
		impact, err := s.deps.Processor.Process(ctx, m.ID, ev)
		switch {
		case errors.Is(err, trigger.ErrUnhandledEvent):
			metrics.EventsProcessed.WithLabelValues(string(ev.Type), "unhandled").Inc()
			continue
		case err != nil:
			metrics.EventsProcessed.WithLabelValues(string(ev.Type), "error").Inc()
			s.logger.Error("event processing failed",
				"match_id", m.ID, "type", ev.Type, "err", err)
			continue
		}
		metrics.EventsProcessed.WithLabelValues(string(ev.Type), "applied").Inc()
		s.logger.Debug("event applied",
			"match_id", m.ID, "type", ev.Type, "team", ev.Team, "impact", impact)
		if impact > 0 {
			moved = true
		}
	}
	return moved
}

// evaluate re-prices a match and opens a trade on a detected mispricing.
// The venue market is a YES-on-Team1 contract.
func (s *Supervisor) evaluate(ctx context.Context, m model.Match) {
	log := s.logger.With("match_id", m.ID)

	prob, err := s.deps.Estimator.Estimate(ctx, m.ID)
	if err != nil {
		log.Warn("probability estimate failed", "err", err)
		return
	}
	_, err = s.deps.Store.UpdateMatch(ctx, m.ID, func(stored *model.Match) error {
		stored.WinProb = prob
		stored.LastUpdated = s.now().UTC()
		return nil
	})
	if err != nil {
		log.Warn("probability not stored", "err", err)
	}

	market, err := s.deps.Markets.Price(ctx, m.MarketID)
	if err != nil {
		log.Debug("no market price, skipping evaluation", "err", err)
		return
	}
	fair := s.deps.Estimator.PriceFromProbability(prob.Team1)
	if s.deps.Notifier != nil {
		s.deps.Notifier.ProbabilityUpdated(m.ID, prob, fair, market)
	}

	opp, ok := s.deps.Detector.Detect(market, fair)
	if !ok {
		return
	}
	metrics.Opportunities.WithLabelValues(string(opp.Side)).Inc()
	log.Info("arbitrage opportunity",
		"side", opp.Side,
		"market", market.String(),
		"fair", fair.String(),
		"edge", opp.Edge.String(),
	)

	_, err = s.deps.Trader.Open(ctx, trade.OpenRequest{
		MatchID:    m.ID,
		MarketID:   m.MarketID,
		Side:       opp.Side,
		EntryPrice: market,
		FairPrice:  fair,
		Reason:     opp.Reason(),
	})
	switch {
	case err == nil:
	case errors.Is(err, trade.ErrTradingDisabled), errors.Is(err, trade.ErrPositionTooSmall),
		errors.Is(err, trade.ErrMatchTradeLimit), errors.Is(err, trade.ErrMatchExposureLimit):
		log.Info("opportunity not traded", "reason", err)
	default:
		log.Warn("trade open failed", "err", err)
	}
}

func (s *Supervisor) finish(ctx context.Context, id, status string) {
	s.mu.Lock()
	delete(s.active, id)
	metrics.ActiveMatches.Set(float64(len(s.active)))
	s.mu.Unlock()

	_, err := s.deps.Store.UpdateMatch(ctx, id, func(m *model.Match) error {
		m.Status = m.Status.Advance(model.MatchFinished)
		m.LastUpdated = s.now().UTC()
		return nil
	})
	if err != nil {
		s.logger.Error("could not mark match finished", "match_id", id, "err", err)
	}
	s.logger.Info("match finished", "match_id", id, "status", status)
}
