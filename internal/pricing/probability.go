package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/pkg/errs"
)

// ProbabilityOfProfit computes, under the risk-neutral lognormal terminal
// distribution, the probability that a long position's payoff at expiry
// exceeds the premium paid. The result is always in [0, 1].
func ProbabilityOfProfit(spot, strike, timeToExpiry, volatility, riskFreeRate, premiumPaid decimal.Decimal, typ OptionType) (decimal.Decimal, error) {
	params := QuoteParams{
		Spot:         spot,
		Strike:       strike,
		TimeToExpiry: timeToExpiry,
		Volatility:   volatility,
		RiskFreeRate: riskFreeRate,
		Type:         typ,
	}
	if err := validateQuoteParams(params); err != nil {
		return decimal.Zero, err
	}
	if premiumPaid.IsNegative() {
		return decimal.Zero, errs.Validation("premium paid must be non-negative, got %s", premiumPaid)
	}

	be := breakeven(strike, premiumPaid, typ)

	t := timeToExpiry.InexactFloat64()
	sigma := volatility.InexactFloat64()
	if t <= 0 || sigma == 0 {
		// Expired or deterministic: payoff either already clears the
		// premium or never will.
		if intrinsicValue(spot, strike, typ).GreaterThan(premiumPaid) {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	}

	// A put breakeven at or below zero can never be reached by a lognormal
	// terminal price.
	if !be.IsPositive() {
		if typ == Put {
			return decimal.Zero, nil
		}
		return decimal.NewFromInt(1), nil
	}

	s := spot.InexactFloat64()
	r := riskFreeRate.InexactFloat64()
	b := be.InexactFloat64()

	// ln(S_T) ~ N(ln S + (r - sigma^2/2)T, sigma^2 T) under the risk-neutral
	// measure; d is the standardized distance from the breakeven.
	d := (math.Log(s/b) + (r-0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))

	var p float64
	if typ == Call {
		p = stdNormal.Cdf(d) // P(S_T > breakeven)
	} else {
		p = stdNormal.Cdf(-d) // P(S_T < breakeven)
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return decimal.NewFromFloat(p), nil
}
