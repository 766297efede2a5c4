package pricing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanta-exchange/quanta/pkg/errs"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discountFactor(r, t float64) float64 { return math.Exp(-r * t) }

func baseParams(typ OptionType) QuoteParams {
	return QuoteParams{
		Spot:         dec("2500"),
		Strike:       dec("2600"),
		TimeToExpiry: dec("0.25"),
		Volatility:   dec("0.8"),
		RiskFreeRate: dec("0.05"),
		Type:         typ,
	}
}

func TestPrice_InvalidInputs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*QuoteParams)
	}{
		{"zero spot", func(p *QuoteParams) { p.Spot = decimal.Zero }},
		{"negative spot", func(p *QuoteParams) { p.Spot = dec("-1") }},
		{"zero strike", func(p *QuoteParams) { p.Strike = decimal.Zero }},
		{"negative volatility", func(p *QuoteParams) { p.Volatility = dec("-0.2") }},
		{"bad type", func(p *QuoteParams) { p.Type = "straddle" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams(Call)
			tc.mutate(&p)
			_, err := Price(p)
			require.Error(t, err)
			assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
		})
	}
}

func TestPrice_ZeroTimeIsIntrinsic(t *testing.T) {
	// ITM call
	p := baseParams(Call)
	p.Spot = dec("2700")
	p.TimeToExpiry = decimal.Zero
	q, err := Price(p)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("100")), "price %s", q.Price)
	assert.True(t, q.TimeValue.IsZero())
	assert.True(t, q.Greeks.Delta.Equal(dec("1")))
	assert.True(t, q.Greeks.Gamma.IsZero())
	assert.True(t, q.Greeks.Theta.IsZero())
	assert.True(t, q.Greeks.Vega.IsZero())
	assert.True(t, q.Greeks.Rho.IsZero())

	// OTM call
	p.Spot = dec("2500")
	q, err = Price(p)
	require.NoError(t, err)
	assert.True(t, q.Price.IsZero())
	assert.True(t, q.Greeks.Delta.IsZero())

	// ITM put
	pp := baseParams(Put)
	pp.TimeToExpiry = decimal.Zero
	q, err = Price(pp)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(dec("100")))
	assert.True(t, q.Greeks.Delta.Equal(dec("-1")))

	// OTM put
	pp.Spot = dec("2700")
	q, err = Price(pp)
	require.NoError(t, err)
	assert.True(t, q.Price.IsZero())
	assert.True(t, q.Greeks.Delta.IsZero())
}

func TestPrice_PutCallParity(t *testing.T) {
	grids := []struct {
		spot, strike, tte, vol, rate string
	}{
		{"2500", "2600", "0.25", "0.8", "0.05"},
		{"100", "100", "1", "0.2", "0.03"},
		{"3000", "1500", "0.5", "1.2", "0"},
		{"50", "80", "2", "0.45", "0.07"},
	}
	for _, g := range grids {
		call, err := Price(QuoteParams{
			Spot: dec(g.spot), Strike: dec(g.strike), TimeToExpiry: dec(g.tte),
			Volatility: dec(g.vol), RiskFreeRate: dec(g.rate), Type: Call,
		})
		require.NoError(t, err)
		put, err := Price(QuoteParams{
			Spot: dec(g.spot), Strike: dec(g.strike), TimeToExpiry: dec(g.tte),
			Volatility: dec(g.vol), RiskFreeRate: dec(g.rate), Type: Put,
		})
		require.NoError(t, err)

		// C - P = S - K e^{-rT}
		lhs := call.Price.Sub(put.Price).InexactFloat64()
		s := dec(g.spot).InexactFloat64()
		k := dec(g.strike).InexactFloat64()
		r := dec(g.rate).InexactFloat64()
		tte := dec(g.tte).InexactFloat64()
		rhs := s - k*discountFactor(r, tte)
		assert.InDelta(t, rhs, lhs, 1e-6, "parity violated for %+v", g)
	}
}

func TestPrice_GreeksSigns(t *testing.T) {
	call, err := Price(baseParams(Call))
	require.NoError(t, err)
	assert.True(t, call.Greeks.Delta.IsPositive())
	assert.True(t, call.Greeks.Gamma.IsPositive())
	assert.True(t, call.Greeks.Vega.IsPositive())
	assert.True(t, call.Greeks.Theta.IsNegative())

	put, err := Price(baseParams(Put))
	require.NoError(t, err)
	assert.True(t, put.Greeks.Delta.IsNegative())
	assert.True(t, put.Greeks.Rho.IsNegative())
}

func TestImpliedVolatility_RoundTrip(t *testing.T) {
	for _, vol := range []string{"0.2", "0.55", "1.3", "2.4"} {
		for _, typ := range []OptionType{Call, Put} {
			p := baseParams(typ)
			p.Volatility = dec(vol)
			q, err := Price(p)
			require.NoError(t, err)

			iv, err := ImpliedVolatility(q.Price, p.Spot, p.Strike, p.TimeToExpiry, p.RiskFreeRate, typ)
			require.NoError(t, err, "vol=%s typ=%s", vol, typ)

			// Reprice at the implied vol and compare against the input
			// price to 1e-4 relative tolerance.
			p.Volatility = iv
			back, err := Price(p)
			require.NoError(t, err)
			rel := back.Price.Sub(q.Price).Abs().Div(q.Price).InexactFloat64()
			assert.Less(t, rel, 1e-4, "round trip drift for vol=%s typ=%s", vol, typ)
		}
	}
}

func TestImpliedVolatility_Failures(t *testing.T) {
	p := baseParams(Call)

	_, err := ImpliedVolatility(dec("-5"), p.Spot, p.Strike, p.TimeToExpiry, p.RiskFreeRate, Call)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	// Above the spot price: violates the call upper bound.
	_, err = ImpliedVolatility(dec("99999"), p.Spot, p.Strike, p.TimeToExpiry, p.RiskFreeRate, Call)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	_, err = ImpliedVolatility(dec("10"), p.Spot, p.Strike, decimal.Zero, p.RiskFreeRate, Call)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestProbabilityOfProfit_Bounds(t *testing.T) {
	p := baseParams(Call)
	prob, err := ProbabilityOfProfit(p.Spot, p.Strike, p.TimeToExpiry, p.Volatility, p.RiskFreeRate, dec("120"), Call)
	require.NoError(t, err)
	assert.True(t, prob.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, prob.LessThanOrEqual(decimal.NewFromInt(1)))

	// A cheaper entry must never lower the probability of profit.
	cheap, err := ProbabilityOfProfit(p.Spot, p.Strike, p.TimeToExpiry, p.Volatility, p.RiskFreeRate, dec("20"), Call)
	require.NoError(t, err)
	assert.True(t, cheap.GreaterThanOrEqual(prob))
}

func TestProbabilityOfProfit_Expired(t *testing.T) {
	// Deep ITM at expiry with a small premium: certain profit.
	prob, err := ProbabilityOfProfit(dec("3000"), dec("2500"), decimal.Zero, dec("0.8"), dec("0.05"), dec("100"), Call)
	require.NoError(t, err)
	assert.True(t, prob.Equal(decimal.NewFromInt(1)))

	// OTM at expiry: certain loss.
	prob, err = ProbabilityOfProfit(dec("2000"), dec("2500"), decimal.Zero, dec("0.8"), dec("0.05"), dec("100"), Call)
	require.NoError(t, err)
	assert.True(t, prob.IsZero())
}
