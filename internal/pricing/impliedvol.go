package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/pkg/errs"
)

// Solver bounds for the implied-volatility search.
const (
	ivFloor        = 0.001
	ivCeiling      = 5.0
	ivMaxIter      = 100
	ivPriceTolFlt  = 1e-6
	ivBracketSlack = 1e-9
)

// ImpliedVolatility inverts the Black-Scholes price by bisection over
// sigma in [0.001, 5.0]. It fails with ConvergenceError when the price
// error is still above 1e-6 after 100 iterations, and with ValidationError
// when the market price violates the no-arbitrage bounds.
func ImpliedVolatility(marketPrice, spot, strike, timeToExpiry, riskFreeRate decimal.Decimal, typ OptionType) (decimal.Decimal, error) {
	if !marketPrice.IsPositive() {
		return decimal.Zero, errs.Validation("market price must be positive, got %s", marketPrice)
	}
	base := QuoteParams{
		Spot:         spot,
		Strike:       strike,
		TimeToExpiry: timeToExpiry,
		RiskFreeRate: riskFreeRate,
		Type:         typ,
	}
	if err := validateQuoteParams(base); err != nil {
		return decimal.Zero, err
	}
	if timeToExpiry.InexactFloat64() <= 0 {
		return decimal.Zero, errs.Validation("cannot imply volatility for an expired option")
	}

	s := spot.InexactFloat64()
	k := strike.InexactFloat64()
	t := timeToExpiry.InexactFloat64()
	r := riskFreeRate.InexactFloat64()
	target := marketPrice.InexactFloat64()

	// No-arbitrage bounds: intrinsic (discounted strike) below, spot or
	// discounted strike above.
	discountedK := k * math.Exp(-r*t)
	var lowerBound, upperBound float64
	if typ == Call {
		lowerBound = math.Max(s-discountedK, 0)
		upperBound = s
	} else {
		lowerBound = math.Max(discountedK-s, 0)
		upperBound = discountedK
	}
	if target < lowerBound || target > upperBound {
		return decimal.Zero, errs.Validation("market price %s outside no-arbitrage bounds [%.8f, %.8f]", marketPrice, lowerBound, upperBound)
	}

	priceAt := func(sigma float64) (float64, error) {
		p := base
		p.Volatility = decimal.NewFromFloat(sigma)
		q, err := Price(p)
		if err != nil {
			return 0, err
		}
		return q.Price.InexactFloat64(), nil
	}

	lo, hi := ivFloor, ivCeiling
	loPrice, err := priceAt(lo)
	if err != nil {
		return decimal.Zero, err
	}
	hiPrice, err := priceAt(hi)
	if err != nil {
		return decimal.Zero, err
	}
	// Price is monotone increasing in sigma; if the target sits outside the
	// bracketed range the search cannot converge.
	if target < loPrice-ivBracketSlack || target > hiPrice+ivBracketSlack {
		return decimal.Zero, errs.Convergence("market price %s not attainable for sigma in [%g, %g]", marketPrice, ivFloor, ivCeiling)
	}

	for i := 0; i < ivMaxIter; i++ {
		mid := (lo + hi) / 2
		midPrice, err := priceAt(mid)
		if err != nil {
			return decimal.Zero, err
		}
		diff := midPrice - target
		if math.Abs(diff) < ivPriceTolFlt {
			return decimal.NewFromFloat(mid), nil
		}
		if diff > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return decimal.Zero, errs.Convergence("implied volatility did not converge within %d iterations for price %s", ivMaxIter, marketPrice)
}
