package marketdata

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/pricing"
	"github.com/quanta-exchange/quanta/internal/registry"
	"github.com/quanta-exchange/quanta/internal/trading/orderbook"
)

var hundred = decimal.NewFromInt(100)

// Prices is the composed price view for one option: theoretical mark,
// oracle index, last traded, and top of book.
type Prices struct {
	OptionID  uuid.UUID       `json:"option_id"`
	Mark      decimal.Decimal `json:"mark"`
	Index     decimal.Decimal `json:"index"`
	Last      decimal.Decimal `json:"last"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Spread    decimal.Decimal `json:"spread"`
	SpreadPct decimal.Decimal `json:"spread_pct"`
	HasBook   bool            `json:"has_book"`
	Timestamp time.Time       `json:"timestamp"`
}

// ComposePrices merges the book's top of book with the theoretical mark
// and the oracle index price.
func ComposePrices(optionID uuid.UUID, depth *orderbook.Depth, last decimal.Decimal, mark, spot decimal.Decimal) *Prices {
	p := &Prices{
		OptionID:  optionID,
		Mark:      mark,
		Index:     spot,
		Last:      last,
		Timestamp: time.Now(),
	}
	if len(depth.Bids) > 0 {
		p.BestBid = depth.Bids[0].Price
	}
	if len(depth.Asks) > 0 {
		p.BestAsk = depth.Asks[0].Price
	}
	if depth.HasSpread {
		p.HasBook = true
		p.Spread = depth.Spread
		mid := p.BestBid.Add(p.BestAsk).Div(decimal.NewFromInt(2))
		if !mid.IsZero() {
			p.SpreadPct = p.Spread.Div(mid).Mul(hundred)
		}
	}
	return p
}

// Ticker is the full symbol-keyed market snapshot for one option.
type Ticker struct {
	Symbol       string           `json:"symbol"`
	Prices       *Prices          `json:"prices"`
	Volume       VolumeStats      `json:"volume"`
	OpenInterest OpenInterestData `json:"open_interest"`
	ImpliedVol   decimal.Decimal  `json:"implied_vol"`
	Delta        decimal.Decimal  `json:"delta"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Symbol renders the conventional option symbol, e.g. ETH-250906-2500-C.
func Symbol(c *registry.OptionContract) string {
	suffix := "C"
	if c.Type == pricing.Put {
		suffix = "P"
	}
	return fmt.Sprintf("%s-%s-%s-%s",
		c.Underlying,
		c.ExpiresAt().UTC().Format("060102"),
		c.Strike.StringFixed(0),
		suffix)
}
