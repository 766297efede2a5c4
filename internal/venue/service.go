// Package venue composes the pricing, registry, matching, position and
// liquidation engines behind the operation contracts the transport layer
// consumes. Every operation returns a typed value or a typed failure;
// nothing panics across this boundary.
package venue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/internal/config"
	"github.com/quanta-exchange/quanta/internal/liquidation"
	"github.com/quanta-exchange/quanta/internal/marketdata"
	"github.com/quanta-exchange/quanta/internal/oracle"
	"github.com/quanta-exchange/quanta/internal/persistence"
	"github.com/quanta-exchange/quanta/internal/positions"
	"github.com/quanta-exchange/quanta/internal/pricing"
	"github.com/quanta-exchange/quanta/internal/registry"
	"github.com/quanta-exchange/quanta/internal/trading/model"
	"github.com/quanta-exchange/quanta/internal/trading/orderbook"
	"github.com/quanta-exchange/quanta/pkg/errs"
	"github.com/quanta-exchange/quanta/pkg/metrics"
)

// Service is the venue facade. One instance owns all engine state for
// the process.
type Service struct {
	registry    *registry.Registry
	positions   *positions.Manager
	liquidation *liquidation.Engine
	volume      *marketdata.VolumeTracker
	oi          *marketdata.OpenInterestTracker
	oracle      oracle.Oracle
	repo        persistence.Repository

	mu         sync.Mutex
	books      map[uuid.UUID]*orderbook.OrderBook
	orderIndex map[uuid.UUID]uuid.UUID // order id -> option id

	log *zap.Logger
	cfg *config.Config
	now func() time.Time
}

// New wires the engines together. The oracle should already be wrapped
// in its cache.
func New(cfg *config.Config, repo persistence.Repository, spot oracle.Oracle, log *zap.Logger) *Service {
	mgr := positions.NewManager(repo, log, positions.Config{
		MinShortMargin:    cfg.Risk.MinShortMargin,
		RiskFreeRate:      cfg.Pricing.RiskFreeRate,
		DefaultVolatility: cfg.Pricing.DefaultVolatility,
	})
	return &Service{
		registry:  registry.New(repo, log),
		positions: mgr,
		liquidation: liquidation.NewEngine(mgr, log, liquidation.Config{
			MaintenanceMarginRatio: cfg.Risk.MaintenanceMarginRatio,
			Penalty:                cfg.Risk.LiquidationPenalty,
			InitialFund:            cfg.Risk.InsuranceFund,
		}),
		volume:     marketdata.NewVolumeTracker(),
		oi:         marketdata.NewOpenInterestTracker(),
		oracle:     spot,
		repo:       repo,
		books:      make(map[uuid.UUID]*orderbook.OrderBook),
		orderIndex: make(map[uuid.UUID]uuid.UUID),
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
}

// spot fetches the venue underlying's price from the oracle.
func (s *Service) spot(ctx context.Context) (decimal.Decimal, error) {
	q, err := s.oracle.GetSpotPrice(ctx, s.cfg.Oracle.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// mark values one contract per lot at the given spot using the venue's
// model defaults.
func (s *Service) mark(c *registry.OptionContract, spot decimal.Decimal) decimal.Decimal {
	q, err := pricing.Price(pricing.QuoteParams{
		Spot:         spot,
		Strike:       c.Strike,
		TimeToExpiry: c.TimeToExpiry(s.now()),
		Volatility:   s.cfg.Pricing.DefaultVolatility,
		RiskFreeRate: s.cfg.Pricing.RiskFreeRate,
		Type:         c.Type,
	})
	if err != nil {
		return decimal.Zero
	}
	return q.Price.Mul(c.Amount)
}

// ---- option registry operations ----

// ListOption writes a new contract into the registry.
func (s *Service) ListOption(ctx context.Context, writer string, params registry.ListParams) (*registry.OptionContract, error) {
	return s.registry.List(ctx, writer, params)
}

// BuyOption assigns the caller as holder of an unsold contract.
func (s *Service) BuyOption(ctx context.Context, id uuid.UUID, buyer string) (*registry.OptionContract, error) {
	return s.registry.Buy(ctx, id, buyer)
}

// ExerciseOption settles an in-the-money contract for its holder. A zero
// spot asks the oracle for the settlement price. Open positions on the
// contract settle at intrinsic value and drop out of open interest.
func (s *Service) ExerciseOption(ctx context.Context, id uuid.UUID, caller string, spot decimal.Decimal) (*registry.ExerciseResult, error) {
	if spot.IsZero() {
		fetched, err := s.spot(ctx)
		if err != nil {
			return nil, err
		}
		spot = fetched
	}
	res, err := s.registry.Exercise(ctx, id, caller, spot)
	if err != nil {
		return nil, err
	}
	for _, settled := range s.positions.Settle(ctx, id, spot) {
		p := settled.Position
		if p.Side == positions.Long {
			s.oi.Update(p.Strike, p.Expiry, p.Type, p.Size.Neg(), p.CostBasis().Neg())
		}
	}
	return res, nil
}

// GetAvailableOptions returns open, unsold contracts matching the filter.
func (s *Service) GetAvailableOptions(f registry.Filter) []*registry.OptionContract {
	return s.registry.Available(f)
}

// GetOptionByID returns one contract, expiry-materialized.
func (s *Service) GetOptionByID(id uuid.UUID) (*registry.OptionContract, error) {
	return s.registry.Get(id)
}

// ---- matching operations ----

// book returns the order book for an option, creating it on first use,
// along with the contract itself. The option must exist and be open for
// trading.
func (s *Service) book(id uuid.UUID) (*orderbook.OrderBook, *registry.OptionContract, error) {
	c, err := s.registry.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != registry.StatusOpen {
		return nil, nil, errs.InvalidState("option %s is %s and no longer trades", id, c.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.books[id]
	if !ok {
		ob = orderbook.New(id, nil)
		s.books[id] = ob
	}
	return ob, c, nil
}

// PlaceOrderParams describes an order submission.
type PlaceOrderParams struct {
	Trader      string
	OptionID    uuid.UUID
	Side        string
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce string
	ExpiresAt   *time.Time
}

// PlaceLimitOrder submits a limit order against an option's book and
// returns the order with any immediate fills.
func (s *Service) PlaceLimitOrder(ctx context.Context, p PlaceOrderParams) (*orderbook.MatchResult, error) {
	ob, c, err := s.book(p.OptionID)
	if err != nil {
		return nil, err
	}
	tif := p.TimeInForce
	if tif == "" {
		tif = model.TIFGTC
	}
	res, err := ob.PlaceLimit(&model.Order{
		Trader:      p.Trader,
		Side:        p.Side,
		Kind:        model.KindLimit,
		Price:       p.Price,
		Size:        p.Size,
		TimeInForce: tif,
		ExpiresAt:   p.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(p.Side, model.KindLimit).Inc()
	s.recordPlacement(ctx, c, res)
	return res, nil
}

// PlaceMarketOrder submits a market order. It executes immediately
// against resting liquidity; an empty opposing book is a typed
// insufficient-liquidity failure.
func (s *Service) PlaceMarketOrder(ctx context.Context, p PlaceOrderParams) (*orderbook.MatchResult, error) {
	ob, c, err := s.book(p.OptionID)
	if err != nil {
		return nil, err
	}
	res, err := ob.PlaceMarket(&model.Order{
		Trader: p.Trader,
		Side:   p.Side,
		Kind:   model.KindMarket,
		Size:   p.Size,
	})
	if err != nil {
		return res, err
	}
	metrics.OrdersPlaced.WithLabelValues(p.Side, model.KindMarket).Inc()
	s.recordPlacement(ctx, c, res)
	return res, nil
}

// recordPlacement persists the order and its fills, books each fill into
// both counterparties' positions, and feeds market data. Open interest
// moves by the size both sides opened fresh, minus the size both sides
// offset.
func (s *Service) recordPlacement(ctx context.Context, c *registry.OptionContract, res *orderbook.MatchResult) {
	s.mu.Lock()
	s.orderIndex[res.Order.ID] = res.Order.OptionID
	s.mu.Unlock()

	if err := s.repo.SaveOrder(ctx, res.Order); err != nil {
		s.log.Warn("order persist failed", zap.String("order_id", res.Order.ID.String()), zap.Error(err))
	}
	if len(res.Fills) == 0 {
		return
	}

	// Margin stress anchor for fresh shorts. An oracle outage falls back
	// to the strike so fills still settle.
	spot, err := s.spot(ctx)
	if err != nil {
		s.log.Warn("no spot for fill margin, anchoring at strike", zap.Error(err))
		spot = c.Strike
	}

	terms := positions.ContractTerms{
		OptionID:   c.ID,
		Underlying: c.Underlying,
		Strike:     c.Strike,
		Amount:     c.Amount,
		Expiry:     c.Expiry,
		Type:       c.Type,
	}
	for _, fill := range res.Fills {
		s.volume.Record(fill)
		metrics.TradesExecuted.Inc()
		if err := s.repo.SaveTrade(ctx, fill); err != nil {
			s.log.Warn("trade persist failed", zap.String("trade_id", fill.ID.String()), zap.Error(err))
		}
		buyerFx, _, err := s.positions.ApplyFill(ctx, terms, fill.Buyer, fill.Seller, fill.Price, fill.Size, spot)
		if err != nil {
			s.log.Error("fill booking failed", zap.String("trade_id", fill.ID.String()), zap.Error(err))
			continue
		}
		// One contract outstanding is one long matched against one short,
		// so the long side's net change is the open-interest change.
		oiDelta := buyerFx.Opened.Sub(buyerFx.Closed)
		if !oiDelta.IsZero() {
			s.oi.Update(c.Strike, c.Expiry, c.Type, oiDelta, oiDelta.Mul(fill.Price))
		}
	}
	s.log.Info("orders matched",
		zap.String("option_id", res.Order.OptionID.String()),
		zap.Int("fills", len(res.Fills)),
		zap.String("taker", res.Order.Trader),
	)
}

// CancelOrder cancels the caller's resting order. Cancelling an already
// terminal order is an invalid-state failure; unknown orders are not
// found; someone else's order is unauthorized.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, trader string) (*model.Order, error) {
	s.mu.Lock()
	optionID, ok := s.orderIndex[orderID]
	s.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("order %s not found", orderID)
	}
	s.mu.Lock()
	ob := s.books[optionID]
	s.mu.Unlock()
	if ob == nil {
		return nil, errs.NotFound("order %s not found", orderID)
	}

	order, found := ob.GetOrder(orderID)
	if !found {
		return nil, errs.NotFound("order %s not found", orderID)
	}
	if order.Trader != trader {
		return nil, errs.Unauthorized("order %s does not belong to %s", orderID, trader)
	}
	if !ob.Cancel(orderID, trader) {
		return nil, errs.InvalidState("order %s is already %s", orderID, order.Status)
	}
	order, _ = ob.GetOrder(orderID)
	if err := s.repo.SaveOrder(ctx, order); err != nil {
		s.log.Warn("order persist failed", zap.String("order_id", orderID.String()), zap.Error(err))
	}
	return order, nil
}

// GetOrderBookDepth returns an L2 snapshot of one option's book, capped
// at levels per side.
func (s *Service) GetOrderBookDepth(optionID uuid.UUID, levels int) (*orderbook.Depth, error) {
	ob, _, err := s.book(optionID)
	if err != nil {
		return nil, err
	}
	return ob.Depth(levels), nil
}
