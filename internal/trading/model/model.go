// Package model holds the order and trade records owned by the matching
// engine. Records are retained for audit and never physically deleted.
package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/pkg/errs"
)

// Constants for order sides, kinds, statuses, and time in force options.
const (
	// Order sides
	SideBuy  = "buy"
	SideSell = "sell"

	// Order kinds
	KindLimit  = "limit"
	KindMarket = "market"

	// Order statuses. Transitions are forward-only:
	// open -> partially_filled -> filled, or open/partially_filled ->
	// cancelled/expired. Filled and cancelled orders are immutable.
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusExpired         = "expired"

	// Time in force
	TIFGTC = "GTC" // Good Till Cancelled
	TIFIOC = "IOC" // Immediate Or Cancel
	TIFFOK = "FOK" // Fill Or Kill
)

// Order is a limit or market order against a single option contract.
type Order struct {
	ID          uuid.UUID       `json:"id"`
	OptionID    uuid.UUID       `json:"option_id"`
	Trader      string          `json:"trader"`
	Side        string          `json:"side"`
	Kind        string          `json:"kind"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	Status      string          `json:"status"`
	TimeInForce string          `json:"time_in_force"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// Remaining is the unfilled portion of the order.
func (o *Order) Remaining() decimal.Decimal { return o.Size.Sub(o.FilledSize) }

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled || o.Status == StatusExpired
}

// Validate checks placement parameters. Market orders carry no price and
// are implicitly IOC.
func (o *Order) Validate() error {
	if o.Trader == "" {
		return errs.Validation("trader is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return errs.Validation("unknown side %q", o.Side)
	}
	if !o.Size.IsPositive() {
		return errs.Validation("size must be positive, got %s", o.Size)
	}
	switch o.Kind {
	case KindLimit:
		if !o.Price.IsPositive() {
			return errs.Validation("limit price must be positive, got %s", o.Price)
		}
		if o.TimeInForce != TIFGTC && o.TimeInForce != TIFIOC && o.TimeInForce != TIFFOK {
			return errs.Validation("unknown time in force %q", o.TimeInForce)
		}
	case KindMarket:
	default:
		return errs.Validation("unknown order kind %q", o.Kind)
	}
	return nil
}

// Trade is an execution between two orders. Side is the taker side. Price
// always lies within the crossed bid/ask interval at execution time.
type Trade struct {
	ID        uuid.UUID       `json:"id"`
	OptionID  uuid.UUID       `json:"option_id"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional is price x size in quote currency.
func (t *Trade) Notional() decimal.Decimal { return t.Price.Mul(t.Size) }

// Store is the slice of the persistence collaborator the matching engine
// consumes.
type Store interface {
	SaveOrder(ctx context.Context, o *Order) error
	SaveTrade(ctx context.Context, t *Trade) error
}
