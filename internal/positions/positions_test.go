package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanta-exchange/quanta/internal/pricing"
	"github.com/quanta-exchange/quanta/pkg/errs"
	"github.com/quanta-exchange/quanta/pkg/logger"
)

type nopStore struct {
	mu    sync.Mutex
	saves int
}

func (s *nopStore) SavePosition(_ context.Context, _ *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T) (*Manager, *nopStore) {
	t.Helper()
	store := &nopStore{}
	m := NewManager(store, logger.Nop(), Config{
		MinShortMargin:    dec("50"),
		RiskFreeRate:      dec("0.05"),
		DefaultVolatility: dec("0.8"),
	})
	return m, store
}

func callParams(user string, size, entry, spot string) OpenParams {
	return OpenParams{
		User:       user,
		OptionID:   uuid.New(),
		Underlying: "ETH",
		Strike:     dec("2500"),
		Amount:     dec("0.1"),
		Expiry:     time.Now().Add(7 * 24 * time.Hour).Unix(),
		Type:       pricing.Call,
		Side:       Long,
		Size:       dec(size),
		EntryPrice: dec(entry),
		Spot:       dec(spot),
	}
}

func TestDepositWithdraw(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Deposit("alice", dec("-5"))
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	bal, err := m.Deposit("alice", dec("1000"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("1000")))

	bal, err = m.Withdraw("alice", dec("400"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("600")))

	_, err = m.Withdraw("alice", dec("601"))
	assert.True(t, errs.IsCode(err, errs.CodeInsufficientFunds))
}

func TestOpen_LongDebitsPremium(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deposit("alice", dec("100"))
	require.NoError(t, err)

	pos, err := m.Open(ctx, callParams("alice", "2", "30", "2500"))
	require.NoError(t, err)
	assert.Equal(t, PositionOpen, pos.Status)
	assert.True(t, pos.Margin.IsZero())
	assert.True(t, m.Balance("alice").Equal(dec("40")), "premium 60 debited from 100")
	assert.Equal(t, 1, store.saves)

	// A second buy that the remaining 40 cannot cover.
	_, err = m.Open(ctx, callParams("alice", "2", "30", "2500"))
	assert.True(t, errs.IsCode(err, errs.CodeInsufficientFunds))
}

func TestOpen_ShortPostsMargin(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deposit("bob", dec("1000"))
	require.NoError(t, err)

	p := callParams("bob", "1", "30", "2500")
	p.Side = Short
	pos, err := m.Open(ctx, p)
	require.NoError(t, err)

	// Stress: spot +50% = 3750, payout (3750-2500)*0.1 = 125, minus
	// premium 30 = 95 > floor 50.
	assert.True(t, pos.Margin.Equal(dec("95")), "margin was %s", pos.Margin)
	// Premium credited.
	assert.True(t, m.Balance("bob").Equal(dec("1030")))

	// Margin is held: free collateral is 1030-95=935.
	_, err = m.Withdraw("bob", dec("936"))
	assert.True(t, errs.IsCode(err, errs.CodeInsufficientFunds))
	_, err = m.Withdraw("bob", dec("935"))
	assert.NoError(t, err)
}

func TestOpen_ShortMarginFloor(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deposit("bob", dec("1000"))
	require.NoError(t, err)

	// Deep OTM put: stressed loss below the floor.
	p := callParams("bob", "1", "5", "2500")
	p.Side = Short
	p.Type = pricing.Put
	p.Strike = dec("100")
	pos, err := m.Open(ctx, p)
	require.NoError(t, err)
	assert.True(t, pos.Margin.Equal(dec("50")), "floor applies, got %s", pos.Margin)
}

func TestOpen_ShortInsufficientCollateral(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Deposit("bob", dec("10"))
	require.NoError(t, err)

	p := callParams("bob", "1", "30", "2500")
	p.Side = Short
	_, err = m.Open(context.Background(), p)
	assert.True(t, errs.IsCode(err, errs.CodeInsufficientFunds))
}

func TestClose_RealizesPnl(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deposit("alice", dec("1000"))
	require.NoError(t, err)

	pos, err := m.Open(ctx, callParams("alice", "2", "30", "2500"))
	require.NoError(t, err)

	res, err := m.Close(ctx, pos.ID, dec("45"))
	require.NoError(t, err)
	assert.True(t, res.RealizedPnl.Equal(dec("30")), "(45-30)*2")
	assert.True(t, res.Balance.Equal(dec("1030")))
	assert.Equal(t, PositionClosed, res.Position.Status)
	require.NotNil(t, res.Position.ExitPrice)
	assert.True(t, res.Position.ExitPrice.Equal(dec("45")))

	// One-shot.
	_, err = m.Close(ctx, pos.ID, dec("45"))
	assert.True(t, errs.IsCode(err, errs.CodeInvalidState))
}

func TestClose_ShortSign(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deposit("bob", dec("1000"))
	require.NoError(t, err)

	p := callParams("bob", "1", "30", "2500")
	p.Side = Short
	pos, err := m.Open(ctx, p)
	require.NoError(t, err)

	res, err := m.Close(ctx, pos.ID, dec("80"))
	require.NoError(t, err)
	assert.True(t, res.RealizedPnl.Equal(dec("-50")), "short loses when price rises")
	// 1000 +30 premium -80 buyback.
	assert.True(t, res.Balance.Equal(dec("950")))
	// Margin released.
	_, err = m.Withdraw("bob", dec("950"))
	assert.NoError(t, err)
}

func TestClose_Unknown(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Close(context.Background(), uuid.New(), dec("1"))
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestApplyDebit_Shortfall(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Deposit("carol", dec("40"))
	require.NoError(t, err)

	shortfall := m.ApplyDebit("carol", dec("100"))
	assert.True(t, shortfall.Equal(dec("60")))
	assert.True(t, m.Balance("carol").IsZero())
}

func TestPortfolio_AggregatesAndBuyingPower(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deposit("alice", dec("1000"))
	require.NoError(t, err)

	long, err := m.Open(ctx, callParams("alice", "1", "30", "2500"))
	require.NoError(t, err)
	short := callParams("alice", "1", "30", "2500")
	short.Side = Short
	short.Strike = dec("3000")
	_, err = m.Open(ctx, short)
	require.NoError(t, err)

	pf := m.Portfolio("alice", dec("2500"))
	require.Len(t, pf.Positions, 2)
	// 1000 -30 long premium +30 short premium.
	assert.True(t, pf.Balance.Equal(dec("1000")))
	assert.True(t, pf.MarginRequired.IsPositive())
	assert.True(t, pf.BuyingPower.Equal(pf.Balance.Sub(pf.MarginRequired)))
	assert.True(t, pf.TotalValue.Sub(pf.Balance).Equal(sumViews(pf.Positions)))

	// Long call delta positive, short call delta negative; with the long
	// struck below, net delta should stay positive at this spot.
	assert.True(t, pf.Greeks.Delta.IsPositive())

	// Closed positions drop out of the portfolio.
	_, err = m.Close(ctx, long.ID, dec("30"))
	require.NoError(t, err)
	pf = m.Portfolio("alice", dec("2500"))
	assert.Len(t, pf.Positions, 1)
}

func sumViews(views []*PositionView) decimal.Decimal {
	total := decimal.Zero
	for _, v := range views {
		total = total.Add(v.MarketValue)
	}
	return total
}

func TestRiskSnapshot_ShortsOnly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deposit("alice", dec("1000"))
	require.NoError(t, err)
	_, err = m.Deposit("bob", dec("1000"))
	require.NoError(t, err)

	_, err = m.Open(ctx, callParams("alice", "1", "30", "2500"))
	require.NoError(t, err)
	p := callParams("bob", "1", "30", "2500")
	p.Side = Short
	_, err = m.Open(ctx, p)
	require.NoError(t, err)

	snap := m.RiskSnapshot(dec("2500"))
	require.Len(t, snap, 1, "only the short is margined")
	assert.Equal(t, "bob", snap[0].Position.User)
	assert.True(t, snap[0].Ratio.LessThanOrEqual(dec("1.5")))

	// Ratio decays as the underlying rallies against the short call.
	calm := snap[0].Ratio
	stressed := m.RiskSnapshot(dec("3400"))
	require.Len(t, stressed, 1)
	assert.True(t, stressed[0].Ratio.LessThan(calm))
}

func TestConcurrentDeposits(t *testing.T) {
	m, _ := newTestManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Deposit("alice", dec("1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, m.Balance("alice").Equal(dec("50")))
}

func terms() ContractTerms {
	return ContractTerms{
		OptionID:   uuid.New(),
		Underlying: "ETH",
		Strike:     dec("2500"),
		Amount:     dec("0.1"),
		Expiry:     time.Now().Add(7 * 24 * time.Hour).Unix(),
		Type:       pricing.Call,
	}
}

func TestApplyFill_OpensBothSides(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	ct := terms()

	buyerFx, sellerFx, err := m.ApplyFill(ctx, ct, "alice", "bob", dec("30"), dec("2"), dec("2500"))
	require.NoError(t, err)
	assert.True(t, buyerFx.Opened.Equal(dec("2")))
	assert.True(t, buyerFx.Closed.IsZero())
	assert.True(t, sellerFx.Opened.Equal(dec("2")))

	// Premium moved from buyer to seller.
	assert.True(t, m.Balance("alice").Equal(dec("-60")))
	assert.True(t, m.Balance("bob").Equal(dec("60")))

	alicePos := m.ByUser("alice")
	require.Len(t, alicePos, 1)
	assert.Equal(t, Long, alicePos[0].Side)
	assert.True(t, alicePos[0].Margin.IsZero())

	bobPos := m.ByUser("bob")
	require.Len(t, bobPos, 1)
	assert.Equal(t, Short, bobPos[0].Side)
	assert.True(t, bobPos[0].Margin.IsPositive(), "fresh short posts margin")
	assert.Equal(t, 2, store.saves)
}

func TestApplyFill_OffsetsBeforeOpening(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	ct := terms()

	_, _, err := m.ApplyFill(ctx, ct, "alice", "bob", dec("30"), dec("2"), dec("2500"))
	require.NoError(t, err)

	// Alice sells 3 at 40: her long 2 offsets at +10 each, and a fresh
	// short 1 opens.
	_, sellerFx, err := m.ApplyFill(ctx, ct, "carol", "alice", dec("40"), dec("3"), dec("2500"))
	require.NoError(t, err)
	assert.True(t, sellerFx.Closed.Equal(dec("2")))
	assert.True(t, sellerFx.Opened.Equal(dec("1")))
	assert.True(t, sellerFx.RealizedPnl.Equal(dec("20")), "(40-30)*2, got %s", sellerFx.RealizedPnl)

	var open []*Position
	for _, p := range m.ByUser("alice") {
		if p.Status == PositionOpen {
			open = append(open, p)
		}
	}
	require.Len(t, open, 1)
	assert.Equal(t, Short, open[0].Side)
	assert.True(t, open[0].Size.Equal(dec("1")))
}

func TestApplyFill_PartialOffsetKeepsPosition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	ct := terms()

	_, _, err := m.ApplyFill(ctx, ct, "alice", "bob", dec("30"), dec("4"), dec("2500"))
	require.NoError(t, err)
	bobBefore := m.ByUser("bob")[0]

	// Bob buys back 1 of his short 4 at 20.
	buyerFx, _, err := m.ApplyFill(ctx, ct, "bob", "dave", dec("20"), dec("1"), dec("2500"))
	require.NoError(t, err)
	assert.True(t, buyerFx.Closed.Equal(dec("1")))
	assert.True(t, buyerFx.RealizedPnl.Equal(dec("10")), "short bought back below entry")

	bobAfter, err := m.Get(bobBefore.ID)
	require.NoError(t, err)
	assert.Equal(t, PositionOpen, bobAfter.Status)
	assert.True(t, bobAfter.Size.Equal(dec("3")))
	assert.True(t, bobAfter.Margin.LessThan(bobBefore.Margin), "margin releases pro-rata")
	require.NotNil(t, bobAfter.RealizedPnl)
	assert.True(t, bobAfter.RealizedPnl.Equal(dec("10")))
}

func TestSettle_ClosesAtIntrinsic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	ct := terms()

	_, _, err := m.ApplyFill(ctx, ct, "alice", "bob", dec("30"), dec("1"), dec("2500"))
	require.NoError(t, err)

	// Settlement at 2600: intrinsic (2600-2500)*0.1 = 10 per contract.
	settled := m.Settle(ctx, ct.OptionID, dec("2600"))
	require.Len(t, settled, 2)
	for _, res := range settled {
		require.NotNil(t, res.Position.ExitPrice)
		assert.True(t, res.Position.ExitPrice.Equal(dec("10")))
		assert.Equal(t, PositionClosed, res.Position.Status)
	}

	// Re-settlement finds nothing open.
	assert.Empty(t, m.Settle(ctx, ct.OptionID, dec("2600")))
}
