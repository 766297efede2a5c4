// Package positions owns the per-user ledger: cash balance, open and
// closed positions, portfolio valuation, and the margin requirement
// policy.
package positions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/pricing"
)

// Side of a position relative to the option.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// PositionStatus is open or closed; closing is a one-shot transition.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is one user's exposure to one option contract. Contract terms
// are denormalized at open time so valuation and margin never need a
// registry lookup.
type Position struct {
	ID         uuid.UUID       `json:"id"`
	User       string          `json:"user"`
	OptionID   uuid.UUID       `json:"option_id"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`

	// Contract terms captured at open.
	Underlying string             `json:"underlying"`
	Strike     decimal.Decimal    `json:"strike"`
	Amount     decimal.Decimal    `json:"amount"`
	Expiry     int64              `json:"expiry"`
	Type       pricing.OptionType `json:"type"`

	// Margin is the collateral held against the position while it is
	// open. Zero for longs.
	Margin decimal.Decimal `json:"margin"`

	Status      PositionStatus   `json:"status"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnl *decimal.Decimal `json:"realized_pnl,omitempty"`
	OpenedAt    time.Time        `json:"opened_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
}

// direction is +1 for long, -1 for short.
func (p *Position) direction() decimal.Decimal {
	if p.Side == Long {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// CostBasis is entry price x size.
func (p *Position) CostBasis() decimal.Decimal { return p.EntryPrice.Mul(p.Size) }

// PnlAt is the realized P&L of closing at the given price:
// (exit - entry) x size, sign-flipped for shorts.
func (p *Position) PnlAt(exitPrice decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(p.EntryPrice).Mul(p.Size).Mul(p.direction())
}

// TimeToExpiry returns the remaining lifetime in years, floored at zero.
func (p *Position) TimeToExpiry(now time.Time) decimal.Decimal {
	secs := p.Expiry - now.Unix()
	if secs <= 0 {
		return decimal.Zero
	}
	const secondsPerYear = 365 * 24 * 3600
	return decimal.NewFromInt(secs).Div(decimal.NewFromInt(secondsPerYear))
}

// payoutAt is the per-unit cash settlement of the option at the given
// spot, times position size.
func (p *Position) payoutAt(spot decimal.Decimal) decimal.Decimal {
	var edge decimal.Decimal
	if p.Type == pricing.Call {
		edge = spot.Sub(p.Strike)
	} else {
		edge = p.Strike.Sub(spot)
	}
	if edge.IsNegative() {
		return decimal.Zero
	}
	return edge.Mul(p.Amount).Mul(p.Size)
}

// Store is the slice of the persistence collaborator this package
// consumes.
type Store interface {
	SavePosition(ctx context.Context, p *Position) error
}
