// Package trade owns the trade lifecycle: it gates new positions through
// the daily ledger, sizes and places them, watches every open position on
// its own periodic task and closes it on timeout, price correction or
// stop-loss.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/metrics"
	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/store"
	"github.com/atmx/arb-engine/internal/task"
	"github.com/atmx/arb-engine/internal/venue"
)

var (
	// ErrTradingDisabled is returned when the ledger refuses new risk.
	ErrTradingDisabled = errors.New("trade: trading disabled")

	// ErrPositionTooSmall is returned when the sized position is below the minimum.
	ErrPositionTooSmall = errors.New("trade: position size too small")

	// ErrOrderRejected is returned when the venue does not fill the order.
	// No trade record is created.
	ErrOrderRejected = errors.New("trade: order rejected")

	// ErrMatchTradeLimit is returned when the match already holds the
	// configured maximum of open trades.
	ErrMatchTradeLimit = errors.New("trade: open trade limit for match reached")
)

// Venue quotes prices and fills orders.
type Venue interface {
	Price(ctx context.Context, marketID string) (decimal.Decimal, error)
	SubmitOrder(ctx context.Context, o venue.Order) (string, error)
}

// Ledger is the daily risk gate.
type Ledger interface {
	CanTrade(ctx context.Context) (bool, error)
	Today(ctx context.Context) (*model.Portfolio, error)
	RecordOpen(ctx context.Context, size decimal.Decimal) (*model.Portfolio, error)
	RecordClose(ctx context.Context, size, pnl decimal.Decimal) (*model.Portfolio, error)
}

// Store persists trades.
type Store interface {
	CreateTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	CloseTrade(ctx context.Context, id string, exit model.TradeExit) (*model.Trade, error)
	ListOpenTrades(ctx context.Context) ([]model.Trade, error)
}

// Notifier is told about lifecycle transitions. Implementations must not block.
type Notifier interface {
	TradeOpened(t *model.Trade)
	TradeClosed(t *model.Trade)
}

// Config holds sizing and exit parameters.
type Config struct {
	MaxPositionSize decimal.Decimal // fraction of current balance per trade
	MinPositionSize decimal.Decimal // smallest tradable size
	MaxDuration     time.Duration   // force exit after this long
	MonitorInterval time.Duration
	CorrectionBand  decimal.Decimal // |price - fair| below this closes the trade
	StopLossFactor  decimal.Decimal // YES stops below entry*factor, NO above 1-entry*factor
	Limits          PositionLimiter // per-match caps, unlimited by default
}

// DefaultConfig returns the shipped trading parameters.
func DefaultConfig() Config {
	return Config{
		MaxPositionSize: decimal.NewFromFloat(0.01),
		MinPositionSize: decimal.NewFromInt(1),
		MaxDuration:     30 * time.Second,
		MonitorInterval: time.Second,
		CorrectionBand:  decimal.NewFromFloat(0.01),
		StopLossFactor:  decimal.NewFromFloat(0.95),
	}
}

// OpenRequest describes a detected opportunity to act on.
type OpenRequest struct {
	MatchID    string
	MarketID   string
	Side       model.Side
	EntryPrice decimal.Decimal // quoted market price
	FairPrice  decimal.Decimal // exit target
	Reason     string
}

type monitor struct {
	matchID string
	size    decimal.Decimal
	task    *task.Periodic
}

// Manager runs the trade lifecycle.
type Manager struct {
	store    Store
	ledger   Ledger
	venue    Venue
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// openMu serializes Open so the ledger check, the per-match limits and
	// the exposure update are seen in order.
	openMu sync.Mutex

	mu       sync.Mutex
	monitors map[string]*monitor // trade ID → exit monitor
}

// NewManager creates a manager. notifier may be nil.
func NewManager(st Store, l Ledger, v Venue, n Notifier, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		ledger:   l,
		venue:    v,
		notifier: n,
		cfg:      cfg,
		logger:   logger.With("component", "trade"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(map[string]*monitor),
	}
}

// WithClock replaces the manager's time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Open sizes and places a position, records it and starts its exit monitor.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*model.Trade, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	ok, err := m.ledger.CanTrade(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: check ledger: %w", err)
	}
	if !ok {
		metrics.TradeRejections.WithLabelValues("disabled").Inc()
		return nil, ErrTradingDisabled
	}

	p, err := m.ledger.Today(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade: read ledger: %w", err)
	}
	size := p.CurrentBalance.Mul(m.cfg.MaxPositionSize)
	if size.LessThan(m.cfg.MinPositionSize) {
		metrics.TradeRejections.WithLabelValues("too_small").Inc()
		return nil, fmt.Errorf("%w: %s", ErrPositionTooSmall, size)
	}
	if err := m.cfg.Limits.CheckLimit(req.MatchID, size, m.exposures()); err != nil {
		label := "match_limit"
		if errors.Is(err, ErrMatchExposureLimit) {
			label = "exposure_limit"
		}
		metrics.TradeRejections.WithLabelValues(label).Inc()
		return nil, fmt.Errorf("%w: match %s", err, req.MatchID)
	}

	orderID, err := m.venue.SubmitOrder(ctx, venue.Order{
		MarketID: req.MarketID,
		Side:     req.Side,
		Amount:   size,
		Price:    req.EntryPrice,
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues("order").Inc()
		return nil, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("fair=%s market=%s", req.FairPrice, req.EntryPrice)
	}
	t := &model.Trade{
		ID:          uuid.New().String(),
		MatchID:     req.MatchID,
		MarketID:    req.MarketID,
		OrderID:     orderID,
		Side:        req.Side,
		EntryPrice:  req.EntryPrice,
		FairPrice:   req.FairPrice,
		Size:        size,
		Status:      model.TradeOpen,
		EntryReason: reason,
		OpenedAt:    m.now().UTC(),
	}
	if err := m.store.CreateTrade(ctx, t); err != nil {
		m.logger.Error("order filled but trade not recorded",
			"order_id", orderID, "market_id", req.MarketID, "err", err)
		return nil, fmt.Errorf("trade: record: %w", err)
	}
	if _, err := m.ledger.RecordOpen(ctx, size); err != nil {
		m.logger.Error("ledger open update failed", "trade_id", t.ID, "err", err)
	}

	metrics.TradesOpened.WithLabelValues(string(t.Side)).Inc()
	m.logger.Info("trade opened",
		"trade_id", t.ID,
		"match_id", t.MatchID,
		"side", t.Side,
		"entry", t.EntryPrice.String(),
		"fair", t.FairPrice.String(),
		"size", t.Size.String(),
	)
	if m.notifier != nil {
		m.notifier.TradeOpened(t)
	}
	m.watch(t)
	return t, nil
}

// Close exits a trade at the current venue price. Closing a missing or
// already closed trade is a no-op. If no price is available the trade
// stays open and the error is returned.
func (m *Manager) Close(ctx context.Context, tradeID string, reason model.ExitReason) error {
	t, err := m.store.GetTrade(ctx, tradeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trade: close %s: %w", tradeID, err)
	}
	if t.Status != model.TradeOpen {
		return nil
	}
	price, err := m.venue.Price(ctx, t.MarketID)
	if err != nil {
		return fmt.Errorf("trade: close %s: %w", tradeID, err)
	}
	return m.closeAt(ctx, t, reason, price)
}

// closeAt writes the exit and books it. Only the caller whose conditional
// close succeeds touches the ledger.
func (m *Manager) closeAt(ctx context.Context, t *model.Trade, reason model.ExitReason, price decimal.Decimal) error {
	pnl := t.ProfitLossAt(price)
	closed, err := m.store.CloseTrade(ctx, t.ID, model.TradeExit{
		ExitPrice:  price,
		ProfitLoss: pnl,
		Reason:     reason,
		ClosedAt:   m.now().UTC(),
	})
	if errors.Is(err, store.ErrTradeNotOpen) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trade: close %s: %w", t.ID, err)
	}
	m.unwatch(t.ID)

	if _, err := m.ledger.RecordClose(ctx, closed.Size, pnl); err != nil {
		m.logger.Error("ledger close update failed", "trade_id", t.ID, "err", err)
	}

	metrics.TradesClosed.WithLabelValues(string(reason)).Inc()
	metrics.TradeDuration.WithLabelValues(string(reason)).Observe(float64(closed.DurationSeconds))
	m.logger.Info("trade closed",
		"trade_id", closed.ID,
		"reason", reason,
		"exit", price.String(),
		"pnl", pnl.String(),
		"duration_s", closed.DurationSeconds,
	)
	if m.notifier != nil {
		m.notifier.TradeClosed(closed)
	}
	return nil
}

// CheckExit evaluates the price-based exit rules for an open trade, in
// order: price correction, then stop-loss.
func CheckExit(t *model.Trade, price decimal.Decimal, cfg Config) (model.ExitReason, bool) {
	if price.Sub(t.FairPrice).Abs().LessThan(cfg.CorrectionBand) {
		return model.ExitPriceCorrected, true
	}
	stop := t.EntryPrice.Mul(cfg.StopLossFactor)
	switch t.Side {
	case model.SideYes:
		if price.LessThan(stop) {
			return model.ExitStopLoss, true
		}
	case model.SideNo:
		if price.GreaterThan(decimal.NewFromInt(1).Sub(stop)) {
			return model.ExitStopLoss, true
		}
	}
	return "", false
}

// check is one monitor tick. It returns false once the trade is no longer open.
func (m *Manager) check(ctx context.Context, tradeID string) bool {
	t, err := m.store.GetTrade(ctx, tradeID)
	if errors.Is(err, store.ErrNotFound) {
		m.unwatch(tradeID)
		return false
	}
	if err != nil {
		m.logger.Warn("monitor: load trade failed", "trade_id", tradeID, "err", err)
		return true
	}
	if t.Status != model.TradeOpen {
		m.unwatch(tradeID)
		return false
	}

	if m.now().Sub(t.OpenedAt) >= m.cfg.MaxDuration {
		if err := m.Close(ctx, tradeID, model.ExitTimeout); err != nil {
			m.logger.Warn("monitor: timeout close deferred", "trade_id", tradeID, "err", err)
			return true
		}
		return false
	}

	price, err := m.venue.Price(ctx, t.MarketID)
	if err != nil {
		return true
	}
	reason, exit := CheckExit(t, price, m.cfg)
	if !exit {
		return true
	}
	if err := m.closeAt(ctx, t, reason, price); err != nil {
		m.logger.Warn("monitor: close failed", "trade_id", tradeID, "err", err)
		return true
	}
	return false
}

// Resume restarts exit monitors for trades a previous process left open.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	open, err := m.store.ListOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("trade: resume: %w", err)
	}
	for i := range open {
		m.watch(&open[i])
	}
	if len(open) > 0 {
		m.logger.Info("resumed open trades", "count", len(open))
	}
	return len(open), nil
}

// CloseAll closes every monitored trade with reason. Trades without a
// price stay open and are reported in the returned error.
func (m *Manager) CloseAll(ctx context.Context, reason model.ExitReason) error {
	var errs []error
	for _, id := range m.OpenTradeIDs() {
		if err := m.Close(ctx, id, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop cancels every exit monitor and waits for them to exit. Open trades
// stay open in the store for Resume to pick up.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	tasks := make([]*task.Periodic, 0, len(m.monitors))
	for _, mon := range m.monitors {
		tasks = append(tasks, mon.task)
	}
	m.mu.Unlock()
	for _, t := range tasks {
		<-t.Done()
	}
}

// OpenTradeIDs returns the IDs of trades currently monitored.
func (m *Manager) OpenTradeIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.monitors))
	for id := range m.monitors {
		ids = append(ids, id)
	}
	return ids
}

// exposures sums the monitored open trades per match.
func (m *Manager) exposures() map[string]Exposure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Exposure)
	for _, mon := range m.monitors {
		e := out[mon.matchID]
		e.Trades++
		e.Size = e.Size.Add(mon.size)
		out[mon.matchID] = e
	}
	return out
}

func (m *Manager) watch(t *model.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[t.ID]; ok || m.ctx.Err() != nil {
		return
	}
	id := t.ID
	m.monitors[id] = &monitor{
		matchID: t.MatchID,
		size:    t.Size,
		task: task.Start(m.ctx, "trade:"+id, m.cfg.MonitorInterval, func(ctx context.Context) bool {
			return m.check(ctx, id)
		}),
	}
	metrics.OpenTrades.Set(float64(len(m.monitors)))
}

// unwatch forgets a trade's monitor and signals it to stop without
// waiting, so it is safe from inside the monitor itself.
func (m *Manager) unwatch(tradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[tradeID]
	if !ok {
		return
	}
	delete(m.monitors, tradeID)
	mon.task.Cancel()
	metrics.OpenTrades.Set(float64(len(m.monitors)))
}
