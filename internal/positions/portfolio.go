package positions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/pricing"
)

// PositionView is an open position marked to model.
type PositionView struct {
	Position      *Position       `json:"position"`
	Mark          decimal.Decimal `json:"mark"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Greeks        pricing.Greeks  `json:"greeks"`
}

// Portfolio is a user's account valued at one spot price.
type Portfolio struct {
	User            string          `json:"user"`
	Balance         decimal.Decimal `json:"balance"`
	TotalValue      decimal.Decimal `json:"total_value"`
	TotalPnl        decimal.Decimal `json:"total_pnl"`
	TotalPnlPercent decimal.Decimal `json:"total_pnl_percent"`
	MarginRequired  decimal.Decimal `json:"margin_required"`
	BuyingPower     decimal.Decimal `json:"buying_power"`
	Positions       []*PositionView `json:"positions"`
	Greeks          pricing.Greeks  `json:"greeks"`
	Timestamp       time.Time       `json:"timestamp"`
}

// markPrice values one position at the given spot using the venue's
// model defaults. Expired positions are worth intrinsic value only.
func (m *Manager) markPrice(p *Position, spot decimal.Decimal, now time.Time) (decimal.Decimal, pricing.Greeks) {
	q, err := pricing.Price(pricing.QuoteParams{
		Spot:         spot,
		Strike:       p.Strike,
		TimeToExpiry: p.TimeToExpiry(now),
		Volatility:   m.cfg.DefaultVolatility,
		RiskFreeRate: m.cfg.RiskFreeRate,
		Type:         p.Type,
	})
	if err != nil {
		// Degenerate inputs fall back to intrinsic value per unit.
		intrinsic := p.payoutAt(spot)
		if p.Size.IsPositive() && p.Amount.IsPositive() {
			return intrinsic.Div(p.Size), pricing.Greeks{}
		}
		return decimal.Zero, pricing.Greeks{}
	}
	// Quote price is per unit of underlying; a contract covers Amount.
	return q.Price.Mul(p.Amount), q.Greeks
}

func scaleGreeks(g pricing.Greeks, factor decimal.Decimal) pricing.Greeks {
	return pricing.Greeks{
		Delta: g.Delta.Mul(factor),
		Gamma: g.Gamma.Mul(factor),
		Theta: g.Theta.Mul(factor),
		Vega:  g.Vega.Mul(factor),
		Rho:   g.Rho.Mul(factor),
	}
}

func addGreeks(a, b pricing.Greeks) pricing.Greeks {
	return pricing.Greeks{
		Delta: a.Delta.Add(b.Delta),
		Gamma: a.Gamma.Add(b.Gamma),
		Theta: a.Theta.Add(b.Theta),
		Vega:  a.Vega.Add(b.Vega),
		Rho:   a.Rho.Add(b.Rho),
	}
}

// Portfolio marks every open position of a user to model at the given
// spot and aggregates value, P&L and net Greeks. Short exposure enters
// with a negative sign.
func (m *Manager) Portfolio(user string, spot decimal.Decimal) *Portfolio {
	now := m.now()
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()

	pf := &Portfolio{
		User:      user,
		Balance:   a.balance,
		Timestamp: now,
	}
	costBasis := decimal.Zero
	for _, p := range a.positions {
		if p.Status != PositionOpen {
			continue
		}
		mark, unitGreeks := m.markPrice(p, spot, now)
		signedSize := p.Size.Mul(p.direction())
		value := mark.Mul(signedSize)
		upnl := p.PnlAt(mark)

		snapshot := *p
		pf.Positions = append(pf.Positions, &PositionView{
			Position:      &snapshot,
			Mark:          mark,
			MarketValue:   value,
			UnrealizedPnl: upnl,
			Greeks:        scaleGreeks(unitGreeks, signedSize.Mul(p.Amount)),
		})
		pf.TotalValue = pf.TotalValue.Add(value)
		pf.TotalPnl = pf.TotalPnl.Add(upnl)
		pf.MarginRequired = pf.MarginRequired.Add(p.Margin)
		pf.Greeks = addGreeks(pf.Greeks, scaleGreeks(unitGreeks, signedSize.Mul(p.Amount)))
		costBasis = costBasis.Add(p.CostBasis())
	}
	pf.TotalValue = pf.TotalValue.Add(a.balance)
	pf.BuyingPower = a.balance.Sub(pf.MarginRequired)
	if costBasis.IsPositive() {
		pf.TotalPnlPercent = pf.TotalPnl.Div(costBasis).Mul(decimal.NewFromInt(100))
	}
	return pf
}

// MarginStatus is one open short position's health at a spot price.
// Ratio is (margin + unrealized P&L) / margin; it starts at 1 and decays
// toward zero as losses mount.
type MarginStatus struct {
	Position      *Position       `json:"position"`
	Mark          decimal.Decimal `json:"mark"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	Ratio         decimal.Decimal `json:"ratio"`
}

// RiskSnapshot marks every open margined position across all users.
// Long positions carry no margin and cannot be liquidated, so they are
// skipped.
func (m *Manager) RiskSnapshot(spot decimal.Decimal) []*MarginStatus {
	now := m.now()
	m.mu.RLock()
	users := make([]string, 0, len(m.accounts))
	for u := range m.accounts {
		users = append(users, u)
	}
	m.mu.RUnlock()

	var out []*MarginStatus
	for _, user := range users {
		a := m.account(user)
		a.mu.Lock()
		for _, p := range a.positions {
			if p.Status != PositionOpen || p.Side != Short || !p.Margin.IsPositive() {
				continue
			}
			mark, _ := m.markPrice(p, spot, now)
			upnl := p.PnlAt(mark)
			equity := p.Margin.Add(upnl)
			snapshot := *p
			out = append(out, &MarginStatus{
				Position:      &snapshot,
				Mark:          mark,
				UnrealizedPnl: upnl,
				Equity:        equity,
				Ratio:         equity.Div(p.Margin),
			})
		}
		a.mu.Unlock()
	}
	return out
}
