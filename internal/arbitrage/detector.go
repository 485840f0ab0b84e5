// Package arbitrage decides whether a quoted market price diverges enough
// from the engine's fair price to trade, and on which side.
package arbitrage

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/model"
)

// Opportunity is a detected mispricing.
type Opportunity struct {
	Side        model.Side      `json:"side"`
	Edge        decimal.Decimal `json:"edge"`
	MarketPrice decimal.Decimal `json:"market_price"`
	FairPrice   decimal.Decimal `json:"fair_price"`
}

// Reason is the human-readable entry reason stored on the trade.
func (o Opportunity) Reason() string {
	return fmt.Sprintf("fair=%s market=%s edge=%s", o.FairPrice, o.MarketPrice, o.Edge)
}

// Detector compares market and fair prices against a minimum edge.
type Detector struct {
	threshold decimal.Decimal
}

// NewDetector creates a detector requiring at least threshold of edge.
func NewDetector(threshold decimal.Decimal) *Detector {
	return &Detector{threshold: threshold}
}

// Threshold returns the minimum edge.
func (d *Detector) Threshold() decimal.Decimal { return d.threshold }

// Detect reports an opportunity when |market - fair| >= threshold. The
// market undervalues YES when fair > market; otherwise NO is the trade.
func (d *Detector) Detect(market, fair decimal.Decimal) (Opportunity, bool) {
	edge := market.Sub(fair).Abs()
	if edge.LessThan(d.threshold) {
		return Opportunity{}, false
	}
	side := model.SideNo
	if fair.GreaterThan(market) {
		side = model.SideYes
	}
	return Opportunity{
		Side:        side,
		Edge:        edge,
		MarketPrice: market,
		FairPrice:   fair,
	}, true
}
