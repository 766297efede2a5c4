package venue

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/marketdata"
	"github.com/quanta-exchange/quanta/internal/pricing"
)

// GetMarketPrices composes mark, index, last-traded and top of book for
// one option.
func (s *Service) GetMarketPrices(ctx context.Context, optionID uuid.UUID) (*marketdata.Prices, error) {
	c, err := s.registry.Get(optionID)
	if err != nil {
		return nil, err
	}
	ob, _, err := s.book(optionID)
	if err != nil {
		return nil, err
	}
	spot, err := s.spot(ctx)
	if err != nil {
		return nil, err
	}
	var last decimal.Decimal
	if t := ob.LastTrade(); t != nil {
		last = t.Price
	}
	return marketdata.ComposePrices(optionID, ob.Depth(1), last, s.mark(c, spot), spot), nil
}

// GetTicker returns the consolidated market snapshot for one option:
// prices, 24h volume, open interest at its strike/expiry, and the
// model's implied vol and delta at the last traded price.
func (s *Service) GetTicker(ctx context.Context, optionID uuid.UUID) (*marketdata.Ticker, error) {
	c, err := s.registry.Get(optionID)
	if err != nil {
		return nil, err
	}
	prices, err := s.GetMarketPrices(ctx, optionID)
	if err != nil {
		return nil, err
	}

	ticker := &marketdata.Ticker{
		Symbol:       marketdata.Symbol(c),
		Prices:       prices,
		Volume:       s.volume.Stats(optionID),
		OpenInterest: s.oi.Get(c.Strike, c.Expiry),
		Timestamp:    s.now(),
	}

	q, err := pricing.Price(pricing.QuoteParams{
		Spot:         prices.Index,
		Strike:       c.Strike,
		TimeToExpiry: c.TimeToExpiry(s.now()),
		Volatility:   s.cfg.Pricing.DefaultVolatility,
		RiskFreeRate: s.cfg.Pricing.RiskFreeRate,
		Type:         c.Type,
	})
	if err == nil {
		ticker.Delta = q.Greeks.Delta
	}

	// Implied vol from the last trade. Zero only when there is nothing to
	// solve against; a print the solver cannot invert is a typed failure,
	// not a silent zero.
	if !prices.Last.IsZero() && c.Amount.IsPositive() {
		perUnit := prices.Last.Div(c.Amount)
		iv, ivErr := pricing.ImpliedVolatility(perUnit, prices.Index, c.Strike,
			c.TimeToExpiry(s.now()), s.cfg.Pricing.RiskFreeRate, c.Type)
		if ivErr != nil {
			return nil, ivErr
		}
		ticker.ImpliedVol = iv
	}
	return ticker, nil
}

// GetVolumeStats returns 24h rolling volume for one option.
func (s *Service) GetVolumeStats(optionID uuid.UUID) marketdata.VolumeStats {
	return s.volume.Stats(optionID)
}

// GetOpenInterest returns open interest aggregated by strike and expiry.
func (s *Service) GetOpenInterest() []marketdata.OpenInterestData {
	return s.oi.All()
}
