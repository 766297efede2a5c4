package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/pricing"
)

// Status is the lifecycle state of an option contract. Transitions are
// one-way: open is the only non-terminal state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusExercised Status = "exercised"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s != StatusOpen }

// OptionContract is a cash-settled option written by Writer on the venue's
// underlying. Holder is empty until the contract is bought. Records are
// never deleted; terminal contracts are retained for audit.
type OptionContract struct {
	ID              uuid.UUID          `json:"id"`
	Writer          string             `json:"writer"`
	Holder          string             `json:"holder,omitempty"`
	Underlying      string             `json:"underlying"`
	Strike          decimal.Decimal    `json:"strike"`
	Premium         decimal.Decimal    `json:"premium"`
	Expiry          int64              `json:"expiry"` // unix seconds
	Amount          decimal.Decimal    `json:"amount"`
	Type            pricing.OptionType `json:"type"`
	Status          Status             `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	ExercisedAt     *time.Time         `json:"exercised_at,omitempty"`
	SettlementPrice *decimal.Decimal   `json:"settlement_price,omitempty"`
}

// ExpiresAt returns the expiry as a time.Time.
func (c *OptionContract) ExpiresAt() time.Time { return time.Unix(c.Expiry, 0) }

// TimeToExpiry returns the remaining lifetime in years, floored at zero.
func (c *OptionContract) TimeToExpiry(now time.Time) decimal.Decimal {
	secs := c.Expiry - now.Unix()
	if secs <= 0 {
		return decimal.Zero
	}
	const secondsPerYear = 365 * 24 * 3600
	return decimal.NewFromInt(secs).Div(decimal.NewFromInt(secondsPerYear))
}

// Payout returns the cash settlement for exercising at the given spot:
// max(S-K, 0) x amount for calls, max(K-S, 0) x amount for puts.
func (c *OptionContract) Payout(spot decimal.Decimal) decimal.Decimal {
	var edge decimal.Decimal
	if c.Type == pricing.Call {
		edge = spot.Sub(c.Strike)
	} else {
		edge = c.Strike.Sub(spot)
	}
	if edge.IsNegative() {
		return decimal.Zero
	}
	return edge.Mul(c.Amount)
}

// ListParams are the writer-supplied terms for a new contract.
type ListParams struct {
	Underlying    string             `json:"underlying"`
	Strike        decimal.Decimal    `json:"strike"`
	Premium       decimal.Decimal    `json:"premium"`
	Amount        decimal.Decimal    `json:"amount"`
	ExpiryMinutes int64              `json:"expiry_minutes"`
	Type          pricing.OptionType `json:"type"`
}

// Filter narrows contract queries. Zero values match everything.
type Filter struct {
	Underlying string
	Type       pricing.OptionType
	MinStrike  decimal.Decimal
	MaxStrike  decimal.Decimal
}

func (f Filter) matches(c *OptionContract) bool {
	if f.Underlying != "" && c.Underlying != f.Underlying {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if !f.MinStrike.IsZero() && c.Strike.LessThan(f.MinStrike) {
		return false
	}
	if !f.MaxStrike.IsZero() && c.Strike.GreaterThan(f.MaxStrike) {
		return false
	}
	return true
}

// Stats aggregates contract counts by lifecycle state.
type Stats struct {
	Open      int `json:"open"`
	Exercised int `json:"exercised"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}
