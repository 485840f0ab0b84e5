package trade

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrMatchExposureLimit is returned when a trade would push the summed size
// of a match's open trades beyond the per-match maximum.
var ErrMatchExposureLimit = errors.New("trade: match exposure limit exceeded")

// Exposure is what a match currently carries in open trades.
type Exposure struct {
	Trades int
	Size   decimal.Decimal
}

// PositionLimiter caps concurrent risk on a single match. Every opportunity
// on a match is driven by the same game state, so positions on one match
// are correlated even though the ledger treats them independently.
type PositionLimiter struct {
	// MaxOpen is the maximum number of open trades per match. Zero means
	// unlimited.
	MaxOpen int

	// MaxExposure is the maximum summed size of open trades per match.
	// Zero means unlimited.
	MaxExposure decimal.Decimal
}

// CheckLimit reports whether opening size on matchID respects the limits,
// given the current exposure of every match.
func (l PositionLimiter) CheckLimit(matchID string, size decimal.Decimal, existing map[string]Exposure) error {
	cur := existing[matchID]

	if l.MaxOpen > 0 && cur.Trades >= l.MaxOpen {
		return ErrMatchTradeLimit
	}
	if l.MaxExposure.IsPositive() && cur.Size.Add(size).GreaterThan(l.MaxExposure) {
		return ErrMatchExposureLimit
	}
	return nil
}
