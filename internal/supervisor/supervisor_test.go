package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/arbitrage"
	"github.com/atmx/arb-engine/internal/feed"
	"github.com/atmx/arb-engine/internal/impact"
	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/probability"
	"github.com/atmx/arb-engine/internal/store"
	"github.com/atmx/arb-engine/internal/trade"
	"github.com/atmx/arb-engine/internal/trigger"
	"github.com/atmx/arb-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type fakeFeed struct {
	mu      sync.Mutex
	live    []feed.LiveMatch
	events  map[string][]feed.RawEvent
	status  map[string]string
	fetches int
}

func (f *fakeFeed) LiveMatches(context.Context) ([]feed.LiveMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.LiveMatch(nil), f.live...), nil
}

func (f *fakeFeed) MatchStatus(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[id]; ok {
		return s, nil
	}
	return "running", nil
}

func (f *fakeFeed) Events(_ context.Context, gameID string) ([]feed.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return append([]feed.RawEvent(nil), f.events[gameID]...), nil
}

func (f *fakeFeed) setEvents(gameID string, evs ...feed.RawEvent) {
	f.mu.Lock()
	f.events[gameID] = evs
	f.mu.Unlock()
}

func (f *fakeFeed) setStatus(id, s string) {
	f.mu.Lock()
	f.status[id] = s
	f.mu.Unlock()
}

func (f *fakeFeed) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeMarkets struct {
	bySlug map[string]string
	price  decimal.Decimal
}

func (m *fakeMarkets) ResolveMarket(_ context.Context, slug string) (*venue.Market, error) {
	id, ok := m.bySlug[slug]
	if !ok {
		return nil, venue.ErrNoMarket
	}
	return &venue.Market{ID: id, Slug: slug}, nil
}

func (m *fakeMarkets) Price(context.Context, string) (decimal.Decimal, error) {
	return m.price, nil
}

type fakeTrader struct {
	mu   sync.Mutex
	reqs []trade.OpenRequest
}

func (t *fakeTrader) Open(_ context.Context, req trade.OpenRequest) (*model.Trade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reqs = append(t.reqs, req)
	return &model.Trade{ID: "t1"}, nil
}

func (t *fakeTrader) requests() []trade.OpenRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]trade.OpenRequest(nil), t.reqs...)
}

type fixedPortfolio struct{}

func (fixedPortfolio) Today(context.Context) (*model.Portfolio, error) {
	return &model.Portfolio{Date: model.Day(t0), CurrentBalance: d(1000)}, nil
}

type probabilityRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *probabilityRecorder) ProbabilityUpdated(string, model.WinProbability, decimal.Decimal, decimal.Decimal) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

type harness struct {
	sup    *Supervisor
	store  *store.MemoryStore
	feed   *fakeFeed
	trader *fakeTrader
	probs  *probabilityRecorder
}

func newHarness(t *testing.T, live ...feed.LiveMatch) *harness {
	t.Helper()
	clock := func() time.Time { return t0 }
	ms := store.NewMemoryStore()
	h := &harness{
		store: ms,
		feed: &fakeFeed{
			live:   live,
			events: map[string][]feed.RawEvent{},
			status: map[string]string{},
		},
		trader: &fakeTrader{},
		probs:  &probabilityRecorder{},
	}
	deps := Deps{
		Feed:      h.feed,
		Markets:   &fakeMarkets{bySlug: map[string]string{"t1-vs-geng": "mk-1"}, price: d(0.30)},
		Store:     ms,
		Processor: trigger.NewDispatcher(ms, impact.NewModel()).WithClock(clock),
		Estimator: probability.NewEngine(ms, probability.DefaultConfig()).WithClock(clock),
		Detector:  arbitrage.NewDetector(d(0.02)),
		Trader:    h.trader,
		Portfolio: fixedPortfolio{},
		Notifier:  h.probs,
	}
	cfg := Config{DiscoveryInterval: time.Hour, PollInterval: 5 * time.Millisecond}
	h.sup = New(deps, cfg, nil).WithClock(clock)
	t.Cleanup(h.sup.Stop)
	return h
}

func liveMatch(id int64, slug string, running bool) feed.LiveMatch {
	status := "not_started"
	if running {
		status = "running"
	}
	lm := feed.LiveMatch{
		ID:    id,
		Slug:  slug,
		Games: []feed.Game{{ID: id * 10, Status: status}},
	}
	lm.Opponents = make([]feed.Opponent, 2)
	lm.Opponents[0].Opponent.Name = "T1"
	lm.Opponents[1].Opponent.Name = "Gen.G"
	return lm
}

func raw(typ, team string, at time.Time) feed.RawEvent {
	return feed.RawEvent{Type: typ, Team: team, Timestamp: feed.Timestamp{Time: at}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDiscovery_Registration(t *testing.T) {
	h := newHarness(t,
		liveMatch(7, "t1-vs-geng", true),
		liveMatch(8, "t1-vs-geng", false), // no running game
		liveMatch(9, "unknown-slug", true),
	)
	h.sup.Start(context.Background())
	waitFor(t, "registration", func() bool { return h.sup.ActiveMatchCount() == 1 })

	if !h.sup.IsRunning() {
		t.Error("not running after start")
	}
	if ids := h.sup.ActiveMatchIDs(); len(ids) != 1 || ids[0] != "7" {
		t.Fatalf("active = %v, want [7]", ids)
	}

	m, err := h.store.GetMatch(context.Background(), "7")
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.Status != model.MatchLive || m.MarketID != "mk-1" || m.Team1 != "T1" || m.Team2 != "Gen.G" {
		t.Errorf("match = %+v", m)
	}
	for _, id := range []string{"8", "9"} {
		if _, err := h.store.GetMatch(context.Background(), id); err == nil {
			t.Errorf("match %s stored without registration", id)
		}
	}

	// A second discovery pass does not register twice.
	h.sup.discover(context.Background())
	if n := h.sup.ActiveMatchCount(); n != 1 {
		t.Errorf("active after rediscovery = %d", n)
	}
}

func TestPoll_OpportunityOpensTradeOnce(t *testing.T) {
	h := newHarness(t, liveMatch(7, "t1-vs-geng", true))
	baron := raw("monster_kill", "team1", t0.Add(time.Second))
	baron.MonsterType = "baron"
	h.feed.setEvents("70",
		raw("kill", "team2", t0.Add(-time.Minute)), // before registration
		baron,
	)

	h.sup.Start(context.Background())
	waitFor(t, "trade", func() bool { return len(h.trader.requests()) == 1 })

	fetched := h.feed.fetchCount()
	waitFor(t, "more polls", func() bool { return h.feed.fetchCount() >= fetched+3 })
	reqs := h.trader.requests()
	if len(reqs) != 1 {
		t.Fatalf("opened %d trades, want 1", len(reqs))
	}

	req := reqs[0]
	if req.MatchID != "7" || req.MarketID != "mk-1" || req.Side != model.SideYes {
		t.Errorf("request = %+v", req)
	}
	// Even odds plus a Team1 baron: 0.62 * 0.98.
	if !req.FairPrice.Equal(d(0.6076)) || !req.EntryPrice.Equal(d(0.30)) {
		t.Errorf("fair = %s entry = %s", req.FairPrice, req.EntryPrice)
	}
	if req.Reason == "" {
		t.Error("empty reason")
	}

	m, _ := h.store.GetMatch(context.Background(), "7")
	if m.Barons.Team1 != 1 || m.Kills.Team2 != 0 {
		t.Errorf("counters barons=%+v kills=%+v", m.Barons, m.Kills)
	}
	if m.WinProb.Team1 <= 0.5 {
		t.Errorf("stored probability = %+v", m.WinProb)
	}
	h.probs.mu.Lock()
	calls := h.probs.calls
	h.probs.mu.Unlock()
	if calls != 1 {
		t.Errorf("probability broadcasts = %d, want 1", calls)
	}
}

func TestPoll_MalformedAndUnhandledAdvanceMarker(t *testing.T) {
	h := newHarness(t, liveMatch(7, "t1-vs-geng", true))
	h.feed.setEvents("70",
		raw("first_blood", "team1", t0.Add(3*time.Second)),
		raw("ward_placed", "team1", t0.Add(time.Second)),
		raw("ace", "team2", t0.Add(2*time.Second)),
	)

	h.sup.Start(context.Background())
	waitFor(t, "trade", func() bool { return len(h.trader.requests()) == 1 })

	_, _, marker, ok := h.sup.lookup("7")
	if !ok {
		t.Fatal("match not registered")
	}
	if !marker.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("marker = %v", marker)
	}
	events, err := h.store.ListEventsSince(context.Background(), "7", t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != model.EventFirstBlood {
		t.Errorf("persisted = %+v", events)
	}
}

func TestPoll_FinishedMatchIsDeregistered(t *testing.T) {
	h := newHarness(t, liveMatch(7, "t1-vs-geng", true))
	h.sup.Start(context.Background())
	waitFor(t, "registration", func() bool { return h.sup.ActiveMatchCount() == 1 })

	h.feed.setStatus("7", "finished")
	waitFor(t, "deregistration", func() bool { return h.sup.ActiveMatchCount() == 0 })

	m, err := h.store.GetMatch(context.Background(), "7")
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.Status != model.MatchFinished {
		t.Errorf("status = %s, want finished", m.Status)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t, liveMatch(7, "t1-vs-geng", true))
	h.sup.Start(context.Background())
	waitFor(t, "registration", func() bool { return h.sup.ActiveMatchCount() == 1 })

	h.sup.Stop()
	if h.sup.IsRunning() || h.sup.ActiveMatchCount() != 0 {
		t.Errorf("running = %v active = %d", h.sup.IsRunning(), h.sup.ActiveMatchCount())
	}
	fetched := h.feed.fetchCount()
	time.Sleep(20 * time.Millisecond)
	if h.feed.fetchCount() != fetched {
		t.Error("poller still running after stop")
	}

	p, err := h.sup.TodayPortfolio(context.Background())
	if err != nil || !p.CurrentBalance.Equal(d(1000)) {
		t.Errorf("portfolio = %+v, err = %v", p, err)
	}
}
