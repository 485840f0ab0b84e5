// Package venue is the REST adapter for the prediction-market venue:
// quoted prices, order submission and slug-to-market resolution.
package venue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/rest"
)

const DefaultBaseURL = "https://gamma-api.polymarket.com"

var (
	// ErrPriceUnavailable means no usable quote could be obtained this tick.
	ErrPriceUnavailable = errors.New("venue: price unavailable")

	// ErrOrderFailed means the venue did not accept the order.
	ErrOrderFailed = errors.New("venue: order failed")

	// ErrNoMarket means no market matches the lookup.
	ErrNoMarket = errors.New("venue: no market")
)

// Order is a request to take one side of a market.
type Order struct {
	MarketID string          `json:"marketId"`
	Side     model.Side      `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
}

// Market is the subset of venue market metadata the engine needs.
type Market struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Question string `json:"question"`
	Active   bool   `json:"active"`
	Closed   bool   `json:"closed"`
}

// Config configures the client.
type Config struct {
	BaseURL   string
	APIKey    string
	RateLimit float64 // requests per second
	Timeout   time.Duration
}

// Client talks to the venue's REST API.
type Client struct {
	rest *rest.Client
}

// NewClient creates a venue client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		rest: rest.New("venue", cfg.BaseURL, cfg.RateLimit, 5, cfg.Timeout).WithBearer(cfg.APIKey),
	}
}

// Price returns the current quoted YES price of a market. Any failure,
// including a missing or out-of-range quote, is ErrPriceUnavailable.
func (c *Client) Price(ctx context.Context, marketID string) (decimal.Decimal, error) {
	var resp struct {
		Price decimal.NullDecimal `json:"price"`
	}
	err := c.rest.Get(ctx, "/markets/"+url.PathEscape(marketID)+"/prices", nil,
		rest.Exponential(2, 200*time.Millisecond), &resp)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: market %s: %v", ErrPriceUnavailable, marketID, err)
	}
	p := resp.Price.Decimal
	if !resp.Price.Valid || !p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: market %s: quote %v", ErrPriceUnavailable, marketID, resp.Price)
	}
	return p, nil
}

// SubmitOrder places an order and returns the venue's order id. Fills are
// assumed synchronous.
func (c *Client) SubmitOrder(ctx context.Context, o Order) (string, error) {
	var resp struct {
		ID      string `json:"id"`
		OrderID string `json:"orderId"`
	}
	if err := c.rest.Post(ctx, "/orders", o, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrOrderFailed, err)
	}
	id := resp.OrderID
	if id == "" {
		id = resp.ID
	}
	if id == "" {
		return "", fmt.Errorf("%w: response carried no order id", ErrOrderFailed)
	}
	return id, nil
}

// ResolveMarket finds the open market for a provider match slug.
func (c *Client) ResolveMarket(ctx context.Context, slug string) (*Market, error) {
	q := url.Values{
		"slug":   {slug},
		"active": {"true"},
		"closed": {"false"},
	}
	var markets []Market
	if err := c.rest.Get(ctx, "/markets", q, rest.Exponential(2, 200*time.Millisecond), &markets); err != nil {
		return nil, fmt.Errorf("venue: resolve %s: %w", slug, err)
	}
	for i := range markets {
		if markets[i].ID != "" && !markets[i].Closed {
			return &markets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: slug %s", ErrNoMarket, slug)
}
