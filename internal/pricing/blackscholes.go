// Package pricing implements closed-form option valuation for the venue:
// Black-Scholes price and Greeks, implied-volatility inversion, and
// probability of profit. All functions are pure; engines that need state
// (marks, portfolios) compose these primitives.
package pricing

import (
	"math"

	"github.com/chobie/go-gaussian"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/pkg/errs"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

var stdNormal = gaussian.NewGaussian(0, 1)

// QuoteParams are the Black-Scholes inputs. TimeToExpiry is in years.
type QuoteParams struct {
	Spot         decimal.Decimal
	Strike       decimal.Decimal
	TimeToExpiry decimal.Decimal
	Volatility   decimal.Decimal
	RiskFreeRate decimal.Decimal
	Type         OptionType
}

// Greeks are the price sensitivities of a single contract.
type Greeks struct {
	Delta decimal.Decimal `json:"delta"`
	Gamma decimal.Decimal `json:"gamma"`
	Theta decimal.Decimal `json:"theta"`
	Vega  decimal.Decimal `json:"vega"`
	Rho   decimal.Decimal `json:"rho"`
}

// Quote is a full valuation: fair value, sensitivities, and the intrinsic /
// time-value decomposition.
type Quote struct {
	Price          decimal.Decimal `json:"price"`
	Greeks         Greeks          `json:"greeks"`
	IntrinsicValue decimal.Decimal `json:"intrinsic_value"`
	TimeValue      decimal.Decimal `json:"time_value"`
	Breakeven      decimal.Decimal `json:"breakeven"`
}

func validateQuoteParams(p QuoteParams) error {
	if !p.Spot.IsPositive() {
		return errs.Validation("spot must be positive, got %s", p.Spot)
	}
	if !p.Strike.IsPositive() {
		return errs.Validation("strike must be positive, got %s", p.Strike)
	}
	if p.Volatility.IsNegative() {
		return errs.Validation("volatility must be non-negative, got %s", p.Volatility)
	}
	if p.Type != Call && p.Type != Put {
		return errs.Validation("unknown option type %q", p.Type)
	}
	return nil
}

// Price computes the Black-Scholes value and Greeks.
//
// d1 = (ln(S/K) + (r + sigma^2/2)T) / (sigma sqrt(T)), d2 = d1 - sigma sqrt(T).
// Call = S N(d1) - K e^{-rT} N(d2); the put comes from put-call parity.
// At T <= 0 (or sigma = 0) the value collapses to intrinsic and every Greek
// except delta is zero, which avoids the sigma*sqrt(T) division entirely.
func Price(p QuoteParams) (*Quote, error) {
	if err := validateQuoteParams(p); err != nil {
		return nil, err
	}

	s := p.Spot.InexactFloat64()
	k := p.Strike.InexactFloat64()
	t := p.TimeToExpiry.InexactFloat64()
	sigma := p.Volatility.InexactFloat64()
	r := p.RiskFreeRate.InexactFloat64()

	intrinsic := intrinsicValue(p.Spot, p.Strike, p.Type)

	if t <= 0 || sigma == 0 {
		q := &Quote{
			Price:          intrinsic,
			IntrinsicValue: intrinsic,
			TimeValue:      decimal.Zero,
			Greeks:         expiryGreeks(p.Spot, p.Strike, p.Type),
		}
		q.Breakeven = breakeven(p.Strike, q.Price, p.Type)
		return q, nil
	}

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-r * t)

	var price, delta, theta, rho float64
	gamma := stdNormal.Pdf(d1) / (s * sigma * sqrtT)
	vega := s * sqrtT * stdNormal.Pdf(d1)

	if p.Type == Call {
		price = s*stdNormal.Cdf(d1) - k*discount*stdNormal.Cdf(d2)
		delta = stdNormal.Cdf(d1)
		theta = -s*stdNormal.Pdf(d1)*sigma/(2*sqrtT) - r*k*discount*stdNormal.Cdf(d2)
		rho = k * t * discount * stdNormal.Cdf(d2)
	} else {
		// P = C - S + K e^{-rT}
		price = s*stdNormal.Cdf(d1) - k*discount*stdNormal.Cdf(d2) - s + k*discount
		delta = stdNormal.Cdf(d1) - 1
		theta = -s*stdNormal.Pdf(d1)*sigma/(2*sqrtT) + r*k*discount*stdNormal.Cdf(-d2)
		rho = -k * t * discount * stdNormal.Cdf(-d2)
	}

	if math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, errs.Validation("pricing produced a non-finite value for S=%s K=%s T=%s sigma=%s", p.Spot, p.Strike, p.TimeToExpiry, p.Volatility)
	}

	q := &Quote{
		Price:          decimal.NewFromFloat(price),
		IntrinsicValue: intrinsic,
		Greeks: Greeks{
			Delta: decimal.NewFromFloat(delta),
			Gamma: decimal.NewFromFloat(gamma),
			Theta: decimal.NewFromFloat(theta),
			Vega:  decimal.NewFromFloat(vega),
			Rho:   decimal.NewFromFloat(rho),
		},
	}
	q.TimeValue = q.Price.Sub(intrinsic)
	q.Breakeven = breakeven(p.Strike, q.Price, p.Type)
	return q, nil
}

func intrinsicValue(spot, strike decimal.Decimal, typ OptionType) decimal.Decimal {
	var v decimal.Decimal
	if typ == Call {
		v = spot.Sub(strike)
	} else {
		v = strike.Sub(spot)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// expiryGreeks returns the degenerate Greeks at expiry: delta is 0 or +/-1
// by moneyness, everything else is zero.
func expiryGreeks(spot, strike decimal.Decimal, typ OptionType) Greeks {
	g := Greeks{}
	if typ == Call && spot.GreaterThan(strike) {
		g.Delta = decimal.NewFromInt(1)
	}
	if typ == Put && spot.LessThan(strike) {
		g.Delta = decimal.NewFromInt(-1)
	}
	return g
}

func breakeven(strike, premium decimal.Decimal, typ OptionType) decimal.Decimal {
	if typ == Call {
		return strike.Add(premium)
	}
	return strike.Sub(premium)
}
