package liquidation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanta-exchange/quanta/internal/positions"
	"github.com/quanta-exchange/quanta/internal/pricing"
	"github.com/quanta-exchange/quanta/pkg/errs"
	"github.com/quanta-exchange/quanta/pkg/logger"
)

type nopStore struct{}

func (nopStore) SavePosition(_ context.Context, _ *positions.Position) error { return nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T, deposit, initialFund string) (*Engine, *positions.Manager) {
	t.Helper()
	m := positions.NewManager(nopStore{}, logger.Nop(), positions.Config{
		MinShortMargin:    dec("50"),
		RiskFreeRate:      dec("0.05"),
		DefaultVolatility: dec("0.8"),
	})
	_, err := m.Deposit("bob", dec(deposit))
	require.NoError(t, err)
	e := NewEngine(m, logger.Nop(), Config{
		MaintenanceMarginRatio: dec("0.5"),
		Penalty:                dec("0.05"),
		InitialFund:            dec(initialFund),
	})
	return e, m
}

// shortCall books a 1-lot short call on 0.1 ETH struck at 2500.
func shortCall(t *testing.T, m *positions.Manager) *positions.Position {
	t.Helper()
	pos, err := m.Open(context.Background(), positions.OpenParams{
		User:       "bob",
		OptionID:   uuid.New(),
		Underlying: "ETH",
		Strike:     dec("2500"),
		Amount:     dec("0.1"),
		Expiry:     time.Now().Add(7 * 24 * time.Hour).Unix(),
		Type:       pricing.Call,
		Side:       positions.Short,
		Size:       dec("1"),
		EntryPrice: dec("30"),
		Spot:       dec("2500"),
	})
	require.NoError(t, err)
	return pos
}

func TestPositionsAtRisk_Threshold(t *testing.T) {
	e, m := newFixture(t, "200", "100")
	shortCall(t, m)

	// Near the open spot the position is comfortably above maintenance.
	assert.Empty(t, e.PositionsAtRisk(dec("2500")))

	// A hard rally erodes equity below the 0.5 maintenance ratio.
	atRisk := e.PositionsAtRisk(dec("3400"))
	require.Len(t, atRisk, 1)
	assert.True(t, atRisk[0].Ratio.LessThan(dec("0.5")))
}

func TestLiquidate_HealthyPositionRefused(t *testing.T) {
	e, m := newFixture(t, "200", "100")
	pos := shortCall(t, m)

	_, err := e.Liquidate(context.Background(), pos.ID, dec("2500"))
	assert.True(t, errs.IsCode(err, errs.CodeInvalidState))
}

func TestLiquidate_PenaltyFundsInsurance(t *testing.T) {
	e, m := newFixture(t, "200", "100")
	pos := shortCall(t, m)

	rec, err := e.Liquidate(context.Background(), pos.ID, dec("3400"))
	require.NoError(t, err)

	// Margin was 95 (stress payout 125 minus premium 30); penalty 5%.
	assert.True(t, rec.Penalty.Equal(dec("4.75")), "penalty was %s", rec.Penalty)
	assert.True(t, rec.Shortfall.IsZero())
	assert.True(t, rec.FundBalance.Equal(dec("104.75")))
	assert.True(t, e.FundBalance().Equal(dec("104.75")))
	assert.True(t, rec.RealizedPnl.IsNegative())

	// Closed at mark, near intrinsic 90 with residual time value.
	markFlt, _ := rec.Mark.Float64()
	assert.InDelta(t, 90, markFlt, 5)

	got, err := m.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, positions.PositionClosed, got.Status)

	// Re-liquidation is refused.
	_, err = e.Liquidate(context.Background(), pos.ID, dec("3400"))
	assert.True(t, errs.IsCode(err, errs.CodeInvalidState))
}

func TestLiquidate_ShortfallDrawsFund(t *testing.T) {
	e, m := newFixture(t, "100", "1000")
	pos := shortCall(t, m)

	// A violent move leaves the account unable to cover the buyback.
	rec, err := e.Liquidate(context.Background(), pos.ID, dec("6000"))
	require.NoError(t, err)
	assert.True(t, rec.Shortfall.IsPositive())
	assert.True(t, m.Balance("bob").IsZero(), "account wiped, never negative")
	assert.True(t, rec.FundBalance.LessThan(dec("1000")), "fund absorbed the deficit")
}

func TestLiquidate_FundDeficitReported(t *testing.T) {
	e, m := newFixture(t, "100", "1")
	pos := shortCall(t, m)

	rec, err := e.Liquidate(context.Background(), pos.ID, dec("6000"))
	require.NotNil(t, rec)
	assert.True(t, errs.IsCode(err, errs.CodeInsuranceFundDeficit))
	assert.True(t, rec.FundBalance.IsNegative(), "deficit is reported, not clamped")
	assert.True(t, e.FundBalance().IsNegative())
}

func TestLiquidate_Unknown(t *testing.T) {
	e, _ := newFixture(t, "200", "100")
	_, err := e.Liquidate(context.Background(), uuid.New(), dec("3400"))
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestScanAndHistory(t *testing.T) {
	e, m := newFixture(t, "500", "100")
	first := shortCall(t, m)
	second := shortCall(t, m)

	recs := e.Scan(context.Background(), dec("3400"))
	require.Len(t, recs, 2)

	hist := e.History(0)
	require.Len(t, hist, 2)
	// Newest first.
	assert.True(t, !hist[0].Timestamp.Before(hist[1].Timestamp))

	limited := e.History(1)
	require.Len(t, limited, 1)
	assert.Equal(t, recs[1].ID, limited[0].ID)

	ids := map[uuid.UUID]bool{hist[0].PositionID: true, hist[1].PositionID: true}
	assert.True(t, ids[first.ID] && ids[second.ID])

	// Nothing left to liquidate.
	assert.Empty(t, e.Scan(context.Background(), dec("3400")))
}
