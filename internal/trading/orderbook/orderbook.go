// Package orderbook implements the per-option central limit order book:
// price-level storage, the match loop, and L2 depth snapshots.
//
// Orders rest in price levels (bids descending, asks ascending) with FIFO
// time priority inside each level. All state-changing operations for one
// book run under a single book mutex, so a match loop reads and mutates
// multiple orders as one logical transaction.
package orderbook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/quanta-exchange/quanta/internal/trading/model"
	"github.com/quanta-exchange/quanta/pkg/errs"
)

// MaxDepth is the hard cap on levels returned per side of a snapshot.
const MaxDepth = 1000

var two = decimal.NewFromInt(2)

// ExecutionPricer decides the execution price of a cross between the
// resting (maker) order and the incoming (taker) order. The default is the
// midpoint of the two limit prices; swapping in MakerPricer yields
// classical price-time priority without touching the match loop.
type ExecutionPricer func(maker, taker *model.Order) decimal.Decimal

// MidpointPricer executes at the midpoint of the crossed prices.
func MidpointPricer(maker, taker *model.Order) decimal.Decimal {
	return maker.Price.Add(taker.Price).Div(two)
}

// MakerPricer executes at the resting order's price.
func MakerPricer(maker, taker *model.Order) decimal.Decimal {
	return maker.Price
}

// PriceLevel holds all resting orders at one price, oldest first.
type PriceLevel struct {
	Price  decimal.Decimal
	orders []*model.Order
}

// byPrice orders levels by exact decimal comparison. Keying levels by a
// float projection would merge prices that differ beyond float64
// precision into one level.
func byPrice(a, b *PriceLevel) bool { return a.Price.LessThan(b.Price) }

// Remaining sums the unfilled size at this level.
func (pl *PriceLevel) Remaining() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// DepthLevel is one aggregated L2 entry.
type DepthLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}

// Depth is an L2 snapshot of the book.
type Depth struct {
	OptionID uuid.UUID       `json:"option_id"`
	Bids     []DepthLevel    `json:"bids"`
	Asks     []DepthLevel    `json:"asks"`
	Spread   decimal.Decimal `json:"spread"`
	HasSpread bool           `json:"has_spread"`
	Timestamp time.Time      `json:"timestamp"`
}

// MatchResult reports the outcome of a placement.
type MatchResult struct {
	Order *model.Order   `json:"order"`
	Fills []*model.Trade `json:"fills"`
}

// OrderBook is the book for a single option contract.
type OrderBook struct {
	optionID uuid.UUID

	mu     sync.Mutex
	bids   *btree.BTreeG[*PriceLevel]
	asks   *btree.BTreeG[*PriceLevel]
	orders map[uuid.UUID]*model.Order

	lastTrade *model.Trade
	pricer    ExecutionPricer
	now       func() time.Time
}

// New creates an empty book. A nil pricer defaults to MidpointPricer.
func New(optionID uuid.UUID, pricer ExecutionPricer) *OrderBook {
	if pricer == nil {
		pricer = MidpointPricer
	}
	return &OrderBook{
		optionID: optionID,
		bids:     btree.NewBTreeG(byPrice),
		asks:     btree.NewBTreeG(byPrice),
		orders:   make(map[uuid.UUID]*model.Order),
		pricer:   pricer,
		now:      time.Now,
	}
}

// SetClock overrides the book clock. Tests only.
func (ob *OrderBook) SetClock(now func() time.Time) { ob.now = now }

// PlaceLimit inserts a limit order and immediately matches it against the
// opposing side. GTC remainders rest; IOC remainders are cancelled; FOK
// orders fill completely or not at all.
func (ob *OrderBook) PlaceLimit(order *model.Order) (*MatchResult, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()

	now := ob.now()
	order.ID = uuid.New()
	order.OptionID = ob.optionID
	order.Status = model.StatusOpen
	order.FilledSize = decimal.Zero
	order.CreatedAt = now
	order.UpdatedAt = now

	if order.TimeInForce == model.TIFFOK && ob.availableAt(order).LessThan(order.Size) {
		order.Status = model.StatusCancelled
		ob.orders[order.ID] = order
		return &MatchResult{Order: order}, nil
	}

	fills := ob.matchIncoming(order)

	switch {
	case order.Remaining().IsZero():
		order.Status = model.StatusFilled
	case order.TimeInForce == model.TIFIOC:
		// Kill the unfilled remainder.
		order.Status = model.StatusCancelled
	default:
		if order.FilledSize.IsPositive() {
			order.Status = model.StatusPartiallyFilled
		}
		ob.rest(order)
	}
	order.UpdatedAt = ob.now()
	ob.orders[order.ID] = order
	return &MatchResult{Order: order, Fills: fills}, nil
}

// PlaceMarket walks the opposing side best-to-worst, consuming size until
// the order is exhausted or the book empties. Executions happen at the
// resting level's price, one trade per order consumed.
func (ob *OrderBook) PlaceMarket(order *model.Order) (*MatchResult, error) {
	order.Kind = model.KindMarket
	if err := order.Validate(); err != nil {
		return nil, err
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()

	now := ob.now()
	order.ID = uuid.New()
	order.OptionID = ob.optionID
	order.Status = model.StatusOpen
	order.FilledSize = decimal.Zero
	order.TimeInForce = model.TIFIOC
	order.CreatedAt = now
	order.UpdatedAt = now

	fills := ob.matchIncoming(order)
	if order.Remaining().IsZero() {
		order.Status = model.StatusFilled
	} else if order.FilledSize.IsPositive() {
		order.Status = model.StatusPartiallyFilled
	} else {
		order.Status = model.StatusCancelled
	}
	order.UpdatedAt = ob.now()
	ob.orders[order.ID] = order

	if len(fills) == 0 && order.Status == model.StatusCancelled {
		return &MatchResult{Order: order}, errs.InsufficientLiquidity("no resting liquidity for market %s on option %s", order.Side, ob.optionID)
	}
	return &MatchResult{Order: order, Fills: fills}, nil
}

// Cancel marks an open order cancelled. It returns false when the order is
// unknown, owned by someone else, or already terminal, so retries on a
// terminal order are safe no-ops.
func (ob *OrderBook) Cancel(orderID uuid.UUID, trader string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.orders[orderID]
	if !ok || order.Trader != trader || order.Terminal() {
		return false
	}
	ob.unrest(order)
	order.Status = model.StatusCancelled
	order.UpdatedAt = ob.now()
	return true
}

// ExpireStale cancels resting orders whose ExpiresAt has passed. Returns
// the number expired.
func (ob *OrderBook) ExpireStale() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	now := ob.now()
	expired := 0
	for _, order := range ob.orders {
		if order.Terminal() || order.ExpiresAt == nil || order.ExpiresAt.After(now) {
			continue
		}
		ob.unrest(order)
		order.Status = model.StatusExpired
		order.UpdatedAt = now
		expired++
	}
	return expired
}

// GetOrder returns a snapshot of a tracked order.
func (ob *OrderBook) GetOrder(orderID uuid.UUID) (*model.Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	order, ok := ob.orders[orderID]
	if !ok {
		return nil, false
	}
	snapshot := *order
	return &snapshot, true
}

// Depth aggregates remaining size per price level, up to the requested
// number of levels per side.
func (ob *OrderBook) Depth(levels int) *Depth {
	if levels <= 0 || levels > MaxDepth {
		levels = MaxDepth
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()

	d := &Depth{OptionID: ob.optionID, Timestamp: ob.now()}
	ob.bids.Reverse(func(level *PriceLevel) bool {
		d.Bids = append(d.Bids, DepthLevel{Price: level.Price, Size: level.Remaining(), Orders: len(level.orders)})
		return len(d.Bids) < levels
	})
	ob.asks.Scan(func(level *PriceLevel) bool {
		d.Asks = append(d.Asks, DepthLevel{Price: level.Price, Size: level.Remaining(), Orders: len(level.orders)})
		return len(d.Asks) < levels
	})
	if len(d.Bids) > 0 && len(d.Asks) > 0 {
		d.Spread = d.Asks[0].Price.Sub(d.Bids[0].Price)
		d.HasSpread = true
	}
	return d
}

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if level, ok := ob.bids.Max(); ok {
		return level.Price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if level, ok := ob.asks.Min(); ok {
		return level.Price, true
	}
	return decimal.Zero, false
}

// LastTrade returns the most recent execution on this book, if any.
func (ob *OrderBook) LastTrade() *model.Trade {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if ob.lastTrade == nil {
		return nil
	}
	snapshot := *ob.lastTrade
	return &snapshot
}

// matchIncoming crosses the incoming order against the opposing side until
// no cross remains or the order is exhausted. Caller holds ob.mu.
func (ob *OrderBook) matchIncoming(incoming *model.Order) []*model.Trade {
	var fills []*model.Trade
	for incoming.Remaining().IsPositive() {
		maker, ok := ob.bestOpposing(incoming)
		if !ok || !crosses(incoming, maker) {
			break
		}

		size := decimal.Min(incoming.Remaining(), maker.Remaining())
		var price decimal.Decimal
		if incoming.Kind == model.KindMarket {
			price = maker.Price
		} else {
			price = ob.pricer(maker, incoming)
		}

		trade := &model.Trade{
			ID:        uuid.New(),
			OptionID:  ob.optionID,
			Price:     price,
			Size:      size,
			Side:      incoming.Side,
			Timestamp: ob.now(),
		}
		if incoming.Side == model.SideBuy {
			trade.Buyer = incoming.Trader
			trade.Seller = maker.Trader
		} else {
			trade.Buyer = maker.Trader
			trade.Seller = incoming.Trader
		}
		fills = append(fills, trade)
		ob.lastTrade = trade

		incoming.FilledSize = incoming.FilledSize.Add(size)
		maker.FilledSize = maker.FilledSize.Add(size)
		maker.UpdatedAt = ob.now()
		if maker.Remaining().IsZero() {
			maker.Status = model.StatusFilled
			ob.unrest(maker)
		} else {
			maker.Status = model.StatusPartiallyFilled
		}
	}
	return fills
}

// bestOpposing returns the oldest order at the best price on the side
// opposite the incoming order. Caller holds ob.mu.
func (ob *OrderBook) bestOpposing(incoming *model.Order) (*model.Order, bool) {
	var level *PriceLevel
	var ok bool
	if incoming.Side == model.SideBuy {
		level, ok = ob.asks.Min()
	} else {
		level, ok = ob.bids.Max()
	}
	if !ok || len(level.orders) == 0 {
		return nil, false
	}
	return level.orders[0], true
}

// crosses reports whether the incoming order is marketable against the
// maker. Market orders cross any price.
func crosses(incoming, maker *model.Order) bool {
	if incoming.Kind == model.KindMarket {
		return true
	}
	if incoming.Side == model.SideBuy {
		return incoming.Price.GreaterThanOrEqual(maker.Price)
	}
	return incoming.Price.LessThanOrEqual(maker.Price)
}

// availableAt sums opposing liquidity marketable against a limit order,
// for FOK pre-checks. Caller holds ob.mu.
func (ob *OrderBook) availableAt(order *model.Order) decimal.Decimal {
	total := decimal.Zero
	if order.Side == model.SideBuy {
		ob.asks.Scan(func(level *PriceLevel) bool {
			if level.Price.GreaterThan(order.Price) {
				return false
			}
			total = total.Add(level.Remaining())
			return true
		})
	} else {
		ob.bids.Reverse(func(level *PriceLevel) bool {
			if level.Price.LessThan(order.Price) {
				return false
			}
			total = total.Add(level.Remaining())
			return true
		})
	}
	return total
}

// rest parks the remainder of a limit order in its price level. Caller
// holds ob.mu.
func (ob *OrderBook) rest(order *model.Order) {
	side := ob.sideOf(order)
	key := &PriceLevel{Price: order.Price}
	level, ok := side.Get(key)
	if !ok {
		level = key
		side.Set(level)
	}
	level.orders = append(level.orders, order)
}

// unrest removes an order from its price level, dropping the level when it
// empties. Caller holds ob.mu.
func (ob *OrderBook) unrest(order *model.Order) {
	side := ob.sideOf(order)
	key := &PriceLevel{Price: order.Price}
	level, ok := side.Get(key)
	if !ok {
		return
	}
	for i, o := range level.orders {
		if o.ID == order.ID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		side.Delete(key)
	}
}

func (ob *OrderBook) sideOf(order *model.Order) *btree.BTreeG[*PriceLevel] {
	if order.Side == model.SideBuy {
		return ob.bids
	}
	return ob.asks
}
