package positions

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/internal/pricing"
	"github.com/quanta-exchange/quanta/pkg/errs"
)

// ContractTerms identifies the option a fill was printed on.
type ContractTerms struct {
	OptionID   uuid.UUID
	Underlying string
	Strike     decimal.Decimal
	Amount     decimal.Decimal
	Expiry     int64
	Type       pricing.OptionType
}

// FillEffect reports how one execution changed a trader's book: how much
// size offset existing exposure, how much opened fresh, and the P&L
// realized by the offsets.
type FillEffect struct {
	User        string
	Opened      decimal.Decimal
	Closed      decimal.Decimal
	RealizedPnl decimal.Decimal
}

// ApplyFill books a trade execution into both counterparties' accounts.
// The buyer's fill offsets their short exposure on the option first and
// opens long for the remainder; the seller mirrors it. Fills are settled
// facts: premium flows apply unconditionally, and shorts post stress
// margin sized at the given spot. Resulting collateral shortfalls are the
// risk scan's problem, not the match loop's.
func (m *Manager) ApplyFill(ctx context.Context, terms ContractTerms, buyer, seller string, price, size, spot decimal.Decimal) (FillEffect, FillEffect, error) {
	switch {
	case buyer == "" || seller == "":
		return FillEffect{}, FillEffect{}, errs.Validation("buyer and seller are required")
	case !size.IsPositive():
		return FillEffect{}, FillEffect{}, errs.Validation("fill size must be positive, got %s", size)
	case price.IsNegative():
		return FillEffect{}, FillEffect{}, errs.Validation("fill price must not be negative, got %s", price)
	}
	buyerFx := m.applyFillSide(ctx, buyer, terms, Long, price, size, spot)
	sellerFx := m.applyFillSide(ctx, seller, terms, Short, price, size, spot)
	m.log.Info("fill booked",
		zap.String("option_id", terms.OptionID.String()),
		zap.String("buyer", buyer),
		zap.String("seller", seller),
		zap.String("price", price.String()),
		zap.String("size", size.String()),
	)
	return buyerFx, sellerFx, nil
}

// applyFillSide books one side of a fill: offset opposite positions on
// the option oldest-first, then open the remainder.
func (m *Manager) applyFillSide(ctx context.Context, user string, terms ContractTerms, side Side, price, size, spot decimal.Decimal) FillEffect {
	fx := FillEffect{User: user}
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := size
	for _, pos := range a.openOppositeLocked(terms.OptionID, side) {
		if !remaining.IsPositive() {
			break
		}
		q := decimal.Min(remaining, pos.Size)
		pnl := a.reduceLocked(pos, q, price, m.now())
		fx.Closed = fx.Closed.Add(q)
		fx.RealizedPnl = fx.RealizedPnl.Add(pnl)
		remaining = remaining.Sub(q)
		m.persistPosition(ctx, pos)
	}

	if remaining.IsPositive() {
		pos := &Position{
			ID:         uuid.New(),
			User:       user,
			OptionID:   terms.OptionID,
			Side:       side,
			Size:       remaining,
			EntryPrice: price,
			Underlying: terms.Underlying,
			Strike:     terms.Strike,
			Amount:     terms.Amount,
			Expiry:     terms.Expiry,
			Type:       terms.Type,
			Status:     PositionOpen,
			OpenedAt:   m.now(),
		}
		premium := price.Mul(remaining)
		if side == Long {
			a.balance = a.balance.Sub(premium)
		} else {
			a.balance = a.balance.Add(premium)
			pos.Margin = m.shortMargin(pos, spot)
		}
		a.positions[pos.ID] = pos
		m.mu.Lock()
		m.owner[pos.ID] = user
		m.mu.Unlock()
		fx.Opened = remaining
		m.persistPosition(ctx, pos)
	}
	return fx
}

// openOppositeLocked returns the user's open positions on the option
// taking the opposite side, oldest first. Caller holds the account lock.
func (a *account) openOppositeLocked(optionID uuid.UUID, side Side) []*Position {
	var out []*Position
	for _, p := range a.positions {
		if p.Status == PositionOpen && p.OptionID == optionID && p.Side != side {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// reduceLocked offsets q of a position at the given price, realizing P&L
// into the balance and releasing margin pro-rata. A full reduction closes
// the position. Caller holds the account lock.
func (a *account) reduceLocked(pos *Position, q, price decimal.Decimal, now time.Time) decimal.Decimal {
	proceeds := price.Mul(q)
	if pos.Side == Long {
		a.balance = a.balance.Add(proceeds)
	} else {
		a.balance = a.balance.Sub(proceeds)
	}
	pnl := price.Sub(pos.EntryPrice).Mul(q).Mul(pos.direction())

	realized := pnl
	if pos.RealizedPnl != nil {
		realized = realized.Add(*pos.RealizedPnl)
	}
	pos.RealizedPnl = &realized

	if q.Equal(pos.Size) {
		pos.Status = PositionClosed
		pos.ExitPrice = &price
		pos.ClosedAt = &now
		pos.Margin = decimal.Zero
		return pnl
	}
	pos.Margin = pos.Margin.Mul(pos.Size.Sub(q)).Div(pos.Size)
	pos.Size = pos.Size.Sub(q)
	return pnl
}

func (m *Manager) persistPosition(ctx context.Context, pos *Position) {
	if err := m.store.SavePosition(ctx, pos); err != nil {
		m.log.Warn("position persist failed", zap.String("position_id", pos.ID.String()), zap.Error(err))
	}
}

// Settle closes every open position on an option at its intrinsic
// per-contract value against the settlement spot, for exercise and
// expiry. Races with a concurrent close degrade to a skipped position.
func (m *Manager) Settle(ctx context.Context, optionID uuid.UUID, spot decimal.Decimal) []*CloseResult {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.owner))
	for id := range m.owner {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var settled []*CloseResult
	for _, id := range ids {
		pos, err := m.Get(id)
		if err != nil || pos.OptionID != optionID || pos.Status != PositionOpen {
			continue
		}
		exit := intrinsicPerContract(pos, spot)
		res, err := m.Close(ctx, id, exit)
		if err != nil {
			if !errs.IsCode(err, errs.CodeInvalidState) {
				m.log.Warn("settlement close failed", zap.String("position_id", id.String()), zap.Error(err))
			}
			continue
		}
		settled = append(settled, res)
	}
	return settled
}

// intrinsicPerContract is the cash value of one contract at the given
// spot.
func intrinsicPerContract(p *Position, spot decimal.Decimal) decimal.Decimal {
	var edge decimal.Decimal
	if p.Type == pricing.Call {
		edge = spot.Sub(p.Strike)
	} else {
		edge = p.Strike.Sub(spot)
	}
	if edge.IsNegative() {
		return decimal.Zero
	}
	return edge.Mul(p.Amount)
}
