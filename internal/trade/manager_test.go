package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/ledger"
	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/store"
	"github.com/atmx/arb-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(dt time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dt)
	c.mu.Unlock()
}

type fakeVenue struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	orderErr error
	orders   []venue.Order
}

func (v *fakeVenue) Price(_ context.Context, marketID string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.prices[marketID]
	if !ok {
		return decimal.Zero, venue.ErrPriceUnavailable
	}
	return p, nil
}

func (v *fakeVenue) SubmitOrder(_ context.Context, o venue.Order) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.orderErr != nil {
		return "", v.orderErr
	}
	v.orders = append(v.orders, o)
	return fmt.Sprintf("ord-%d", len(v.orders)), nil
}

func (v *fakeVenue) SetPrice(marketID string, p decimal.Decimal) {
	v.mu.Lock()
	v.prices[marketID] = p
	v.mu.Unlock()
}

func (v *fakeVenue) ClearPrice(marketID string) {
	v.mu.Lock()
	delete(v.prices, marketID)
	v.mu.Unlock()
}

func (v *fakeVenue) OrderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

type recorder struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (r *recorder) TradeOpened(*model.Trade) { r.mu.Lock(); r.opened++; r.mu.Unlock() }
func (r *recorder) TradeClosed(*model.Trade) { r.mu.Lock(); r.closed++; r.mu.Unlock() }

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened, r.closed
}

type harness struct {
	m      *Manager
	store  *store.MemoryStore
	ledger *ledger.Ledger
	venue  *fakeVenue
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T, cfg Config, lcfg ledger.Config) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		venue:  &fakeVenue{prices: map[string]decimal.Decimal{"mk": d(0.40)}},
		clock:  &fakeClock{t: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	h.ledger = ledger.New(h.store, lcfg, nil).WithClock(h.clock.Now)
	h.m = NewManager(h.store, h.ledger, h.venue, h.events, cfg, nil).WithClock(h.clock.Now)
	t.Cleanup(h.m.Stop)
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	return cfg
}

func yesRequest() OpenRequest {
	return OpenRequest{
		MatchID:    "m1",
		MarketID:   "mk",
		Side:       model.SideYes,
		EntryPrice: d(0.40),
		FairPrice:  d(0.46),
	}
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

func (h *harness) trade(t *testing.T, id string) *model.Trade {
	t.Helper()
	tr, err := h.store.GetTrade(context.Background(), id)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	return tr
}

func (h *harness) closed(t *testing.T, id string) func() bool {
	return func() bool { return h.trade(t, id).Status == model.TradeClosed }
}

func (h *harness) portfolio(t *testing.T) *model.Portfolio {
	t.Helper()
	p, err := h.ledger.Today(context.Background())
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	return p
}

func TestOpen_SizesAndRecords(t *testing.T) {
	h := newHarness(t, testConfig(), ledger.DefaultConfig())

	tr, err := h.m.Open(context.Background(), yesRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !tr.Size.Equal(d(10)) {
		t.Errorf("size = %s, want 10", tr.Size)
	}
	if tr.OrderID != "ord-1" || tr.Status != model.TradeOpen {
		t.Errorf("trade = %+v", tr)
	}
	if tr.EntryReason == "" {
		t.Error("entry reason empty")
	}

	p := h.portfolio(t)
	if !p.RiskExposure.Equal(d(10)) || p.TotalTrades != 1 {
		t.Errorf("exposure = %s trades = %d", p.RiskExposure, p.TotalTrades)
	}
	if opened, _ := h.events.counts(); opened != 1 {
		t.Errorf("opened notifications = %d", opened)
	}
	if ids := h.m.OpenTradeIDs(); len(ids) != 1 || ids[0] != tr.ID {
		t.Errorf("monitored = %v", ids)
	}
}

func TestMonitor_StopLoss(t *testing.T) {
	h := newHarness(t, testConfig(), ledger.DefaultConfig())
	tr, err := h.m.Open(context.Background(), yesRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Threshold is 0.38; 0.394 holds.
	h.venue.SetPrice("mk", d(0.394))
	time.Sleep(40 * time.Millisecond)
	if got := h.trade(t, tr.ID); got.Status != model.TradeOpen {
		t.Fatalf("closed at 0.394 with reason %s", got.ExitReason)
	}

	h.venue.SetPrice("mk", d(0.37))
	waitFor(t, "stop-loss", h.closed(t, tr.ID))

	got := h.trade(t, tr.ID)
	if got.ExitReason != model.ExitStopLoss {
		t.Errorf("reason = %s, want stop_loss", got.ExitReason)
	}
	if !got.ProfitLoss.Decimal.Equal(d(-0.3)) || !got.ExitPrice.Decimal.Equal(d(0.37)) {
		t.Errorf("pnl = %s exit = %s", got.ProfitLoss.Decimal, got.ExitPrice.Decimal)
	}

	p := h.portfolio(t)
	if !p.CurrentBalance.Equal(d(999.7)) || !p.RiskExposure.IsZero() {
		t.Errorf("balance = %s exposure = %s", p.CurrentBalance, p.RiskExposure)
	}
	if p.LosingTrades != 1 || p.ConsecutiveLosses != 1 {
		t.Errorf("losing = %d streak = %d", p.LosingTrades, p.ConsecutiveLosses)
	}
	waitFor(t, "monitor removal", func() bool { return len(h.m.OpenTradeIDs()) == 0 })
}

func TestMonitor_PriceCorrected(t *testing.T) {
	h := newHarness(t, testConfig(), ledger.DefaultConfig())
	tr, err := h.m.Open(context.Background(), yesRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h.venue.SetPrice("mk", d(0.455))
	waitFor(t, "correction", h.closed(t, tr.ID))

	got := h.trade(t, tr.ID)
	if got.ExitReason != model.ExitPriceCorrected {
		t.Errorf("reason = %s", got.ExitReason)
	}
	if !got.ProfitLoss.Decimal.Equal(d(0.55)) {
		t.Errorf("pnl = %s, want 0.55", got.ProfitLoss.Decimal)
	}
	if p := h.portfolio(t); p.WinningTrades != 1 || !p.CurrentBalance.Equal(d(1000.55)) {
		t.Errorf("portfolio = %+v", p)
	}
}

func TestMonitor_TimeoutAtExactlyMaxDuration(t *testing.T) {
	h := newHarness(t, testConfig(), ledger.DefaultConfig())
	tr, err := h.m.Open(context.Background(), yesRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h.clock.Advance(29 * time.Second)
	time.Sleep(40 * time.Millisecond)
	if h.trade(t, tr.ID).Status != model.TradeOpen {
		t.Fatal("closed before 30s")
	}

	h.clock.Advance(time.Second)
	waitFor(t, "timeout", h.closed(t, tr.ID))

	got := h.trade(t, tr.ID)
	if got.ExitReason != model.ExitTimeout || got.DurationSeconds != 30 {
		t.Errorf("reason = %s duration = %d", got.ExitReason, got.DurationSeconds)
	}
	if !got.ProfitLoss.Decimal.IsZero() {
		t.Errorf("pnl = %s, want 0", got.ProfitLoss.Decimal)
	}
}

func TestMonitor_TimeoutWaitsForPrice(t *testing.T) {
	h := newHarness(t, testConfig(), ledger.DefaultConfig())
	tr, err := h.m.Open(context.Background(), yesRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h.venue.ClearPrice("mk")
	h.clock.Advance(45 * time.Second)
	time.Sleep(40 * time.Millisecond)
	if h.trade(t, tr.ID).Status != model.TradeOpen {
		t.Fatal("closed without a price")
	}

	h.venue.SetPrice("mk", d(0.41))
	waitFor(t, "deferred timeout", h.closed(t, tr.ID))
	if got := h.trade(t, tr.ID); got.ExitReason != model.ExitTimeout {
		t.Errorf("reason = %s", got.ExitReason)
	}
}

func TestClose_Idempotent(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = time.Hour
	h := newHarness(t, cfg, ledger.DefaultConfig())
	ctx := context.Background()

	tr, err := h.m.Open(ctx, yesRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h.venue.SetPrice("mk", d(0.42))

	if err := h.m.Close(ctx, tr.ID, model.ExitShutdown); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.m.Close(ctx, tr.ID, model.ExitTimeout); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := h.m.Close(ctx, "missing", model.ExitTimeout); err != nil {
		t.Fatalf("missing close: %v", err)
	}

	got := h.trade(t, tr.ID)
	if got.ExitReason != model.ExitShutdown {
		t.Errorf("reason = %s, want first close to win", got.ExitReason)
	}
	p := h.portfolio(t)
	if p.WinningTrades+p.LosingTrades != 1 || !p.CurrentBalance.Equal(d(1000.2)) {
		t.Errorf("portfolio booked twice: %+v", p)
	}
	if _, closed := h.events.counts(); closed != 1 {
		t.Errorf("closed notifications = %d", closed)
	}
}

func TestClose_NoPriceKeepsTradeOpen(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = time.Hour
	h := newHarness(t, cfg, ledger.DefaultConfig())
	ctx := context.Background()

	tr, err := h.m.Open(ctx, yesRequest())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h.venue.ClearPrice("mk")

	if err := h.m.Close(ctx, tr.ID, model.ExitShutdown); !errors.Is(err, venue.ErrPriceUnavailable) {
		t.Errorf("err = %v, want ErrPriceUnavailable", err)
	}
	if h.trade(t, tr.ID).Status != model.TradeOpen {
		t.Error("trade closed without a price")
	}
}

func TestOpen_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("position too small", func(t *testing.T) {
		lcfg := ledger.DefaultConfig()
		lcfg.SeedBalance = d(50)
		h := newHarness(t, testConfig(), lcfg)
		if _, err := h.m.Open(ctx, yesRequest()); !errors.Is(err, ErrPositionTooSmall) {
			t.Errorf("err = %v, want ErrPositionTooSmall", err)
		}
		if h.venue.OrderCount() != 0 {
			t.Error("order submitted for undersized position")
		}
	})

	t.Run("venue failure", func(t *testing.T) {
		h := newHarness(t, testConfig(), ledger.DefaultConfig())
		h.venue.orderErr = venue.ErrOrderFailed
		if _, err := h.m.Open(ctx, yesRequest()); !errors.Is(err, ErrOrderRejected) {
			t.Errorf("err = %v, want ErrOrderRejected", err)
		}
		open, _ := h.store.ListOpenTrades(ctx)
		if len(open) != 0 {
			t.Errorf("open trades = %d, want 0", len(open))
		}
		if p := h.portfolio(t); !p.RiskExposure.IsZero() || p.TotalTrades != 0 {
			t.Errorf("ledger touched: %+v", p)
		}
	})

	t.Run("trading disabled", func(t *testing.T) {
		h := newHarness(t, testConfig(), ledger.DefaultConfig())
		day := h.portfolio(t).Date
		_, err := h.store.UpdatePortfolio(ctx, day, func(p *model.Portfolio) error {
			p.RiskExposure = d(50)
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if _, err := h.m.Open(ctx, yesRequest()); !errors.Is(err, ErrTradingDisabled) {
			t.Errorf("err = %v, want ErrTradingDisabled", err)
		}
		if h.venue.OrderCount() != 0 {
			t.Error("order submitted while disabled")
		}
	})

	t.Run("match limit", func(t *testing.T) {
		cfg := testConfig()
		cfg.Limits.MaxOpen = 1
		h := newHarness(t, cfg, ledger.DefaultConfig())
		if _, err := h.m.Open(ctx, yesRequest()); err != nil {
			t.Fatalf("first open: %v", err)
		}
		if _, err := h.m.Open(ctx, yesRequest()); !errors.Is(err, ErrMatchTradeLimit) {
			t.Errorf("err = %v, want ErrMatchTradeLimit", err)
		}
		other := yesRequest()
		other.MatchID = "m2"
		if _, err := h.m.Open(ctx, other); err != nil {
			t.Errorf("other match: %v", err)
		}
	})
}

func TestPositionLimiter(t *testing.T) {
	existing := map[string]Exposure{"m1": {Trades: 2, Size: d(20)}}
	tests := []struct {
		name    string
		limiter PositionLimiter
		match   string
		size    float64
		want    error
	}{
		{"unlimited", PositionLimiter{}, "m1", 100, nil},
		{"count reached", PositionLimiter{MaxOpen: 2}, "m1", 1, ErrMatchTradeLimit},
		{"count other match", PositionLimiter{MaxOpen: 2}, "m2", 1, nil},
		{"exposure at cap", PositionLimiter{MaxExposure: d(30)}, "m1", 10, nil},
		{"exposure over cap", PositionLimiter{MaxExposure: d(30)}, "m1", 10.01, ErrMatchExposureLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limiter.CheckLimit(tt.match, d(tt.size), existing)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResume_ClosesStaleTrades(t *testing.T) {
	h := newHarness(t, testConfig(), ledger.DefaultConfig())
	ctx := context.Background()

	stale := &model.Trade{
		ID:         "t-stale",
		MatchID:    "m1",
		MarketID:   "mk",
		Side:       model.SideYes,
		EntryPrice: d(0.40),
		FairPrice:  d(0.46),
		Size:       d(10),
		Status:     model.TradeOpen,
		OpenedAt:   h.clock.Now().Add(-time.Minute),
	}
	if err := h.store.CreateTrade(ctx, stale); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := h.m.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume = %d, %v", n, err)
	}
	waitFor(t, "stale timeout", h.closed(t, stale.ID))
	if got := h.trade(t, stale.ID); got.ExitReason != model.ExitTimeout {
		t.Errorf("reason = %s", got.ExitReason)
	}
}

func TestCloseAll(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = time.Hour
	h := newHarness(t, cfg, ledger.DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.m.Open(ctx, yesRequest()); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if err := h.m.CloseAll(ctx, model.ExitShutdown); err != nil {
		t.Fatalf("close all: %v", err)
	}
	open, _ := h.store.ListOpenTrades(ctx)
	if len(open) != 0 || len(h.m.OpenTradeIDs()) != 0 {
		t.Errorf("open after close all: store=%d monitors=%d", len(open), len(h.m.OpenTradeIDs()))
	}
}

func TestCheckExit(t *testing.T) {
	cfg := DefaultConfig()
	yes := &model.Trade{Side: model.SideYes, EntryPrice: d(0.40), FairPrice: d(0.46)}
	no := &model.Trade{Side: model.SideNo, EntryPrice: d(0.40), FairPrice: d(0.30)}

	tests := []struct {
		name   string
		trade  *model.Trade
		price  float64
		want   model.ExitReason
		exited bool
	}{
		{"yes holds", yes, 0.42, "", false},
		{"yes at stop threshold holds", yes, 0.38, "", false},
		{"yes below stop", yes, 0.379, model.ExitStopLoss, true},
		{"yes corrected", yes, 0.451, model.ExitPriceCorrected, true},
		{"yes band is exclusive", yes, 0.45, "", false},
		{"no holds", no, 0.60, "", false},
		{"no above stop", no, 0.63, model.ExitStopLoss, true},
		{"no corrected", no, 0.305, model.ExitPriceCorrected, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CheckExit(tt.trade, d(tt.price), cfg)
			if ok != tt.exited || got != tt.want {
				t.Errorf("CheckExit(%v) = %q, %v; want %q, %v", tt.price, got, ok, tt.want, tt.exited)
			}
		})
	}
}
