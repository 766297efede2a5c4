// Package liquidation closes under-margined short positions at mark,
// routes the penalty into the insurance fund, and socializes any
// remaining shortfall out of it.
package liquidation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/internal/positions"
	"github.com/quanta-exchange/quanta/pkg/errs"
	"github.com/quanta-exchange/quanta/pkg/metrics"
)

// Config controls when positions become liquidatable and what it costs.
type Config struct {
	// MaintenanceMarginRatio is the equity/margin ratio below which a
	// position may be liquidated. Strictly below: a position at exactly
	// the ratio is safe.
	MaintenanceMarginRatio decimal.Decimal
	// Penalty is charged on the position's margin and paid into the
	// insurance fund.
	Penalty decimal.Decimal
	// InitialFund seeds the insurance fund balance.
	InitialFund decimal.Decimal
}

// Record is one completed liquidation.
type Record struct {
	ID          uuid.UUID       `json:"id"`
	PositionID  uuid.UUID       `json:"position_id"`
	User        string          `json:"user"`
	Mark        decimal.Decimal `json:"mark"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Penalty     decimal.Decimal `json:"penalty"`
	Shortfall   decimal.Decimal `json:"shortfall"`
	FundBalance decimal.Decimal `json:"fund_balance"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Engine watches margined positions and force-closes the unhealthy ones.
type Engine struct {
	mu      sync.Mutex
	fund    decimal.Decimal
	history []*Record

	manager *positions.Manager
	log     *zap.Logger
	cfg     Config
	now     func() time.Time
}

func NewEngine(manager *positions.Manager, log *zap.Logger, cfg Config) *Engine {
	e := &Engine{
		fund:    cfg.InitialFund,
		manager: manager,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
	metrics.InsuranceFundBalance.Set(cfg.InitialFund.InexactFloat64())
	return e
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Config returns the engine's risk parameters.
func (e *Engine) Config() Config { return e.cfg }

// FundBalance returns the current insurance fund balance.
func (e *Engine) FundBalance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fund
}

// PositionsAtRisk marks every margined position at the given spot and
// returns the ones whose ratio has fallen below maintenance.
func (e *Engine) PositionsAtRisk(spot decimal.Decimal) []*positions.MarginStatus {
	var out []*positions.MarginStatus
	for _, s := range e.manager.RiskSnapshot(spot) {
		if s.Ratio.LessThan(e.cfg.MaintenanceMarginRatio) {
			out = append(out, s)
		}
	}
	return out
}

// Liquidate force-closes one position at its mark price. The owner pays
// a penalty on posted margin into the insurance fund; if closing leaves
// the account short, the deficit is drawn from the fund. A fund that
// cannot cover the deficit reports InsuranceFundDeficit with the fund
// driven to its true (negative) balance recorded.
func (e *Engine) Liquidate(ctx context.Context, positionID uuid.UUID, spot decimal.Decimal) (*Record, error) {
	pos, err := e.manager.Get(positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status != positions.PositionOpen {
		return nil, errs.InvalidState("position %s is already %s", positionID, pos.Status)
	}
	if pos.Side != positions.Short || !pos.Margin.IsPositive() {
		return nil, errs.InvalidState("position %s carries no margin to liquidate", positionID)
	}

	status := e.markStatus(pos, spot)
	if status == nil {
		return nil, errs.InvalidState("position %s is not margined at this spot", positionID)
	}
	if !status.Ratio.LessThan(e.cfg.MaintenanceMarginRatio) {
		return nil, errs.InvalidState("position %s is healthy: ratio %s >= %s",
			positionID, status.Ratio, e.cfg.MaintenanceMarginRatio)
	}

	res, err := e.manager.Close(ctx, positionID, status.Mark)
	if err != nil {
		return nil, err
	}

	penalty := pos.Margin.Mul(e.cfg.Penalty)
	shortfall := e.manager.ApplyDebit(pos.User, penalty)

	rec := e.settle(pos, status.Mark, res.RealizedPnl, penalty, shortfall)

	metrics.Liquidations.Inc()
	metrics.InsuranceFundBalance.Set(rec.FundBalance.InexactFloat64())

	e.log.Warn("position liquidated",
		zap.String("position_id", positionID.String()),
		zap.String("user", pos.User),
		zap.String("mark", status.Mark.String()),
		zap.String("penalty", penalty.String()),
		zap.String("shortfall", shortfall.String()),
		zap.String("fund_balance", rec.FundBalance.String()),
	)

	if rec.FundBalance.IsNegative() {
		return rec, errs.InsuranceFundDeficit("insurance fund overdrawn by %s", rec.FundBalance.Neg())
	}
	return rec, nil
}

// markStatus finds the risk snapshot entry for one position.
func (e *Engine) markStatus(pos *positions.Position, spot decimal.Decimal) *positions.MarginStatus {
	for _, s := range e.manager.RiskSnapshot(spot) {
		if s.Position.ID == pos.ID {
			return s
		}
	}
	return nil
}

// settle applies the cash flows to the fund and appends the record.
func (e *Engine) settle(pos *positions.Position, mark, pnl, penalty, shortfall decimal.Decimal) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fund = e.fund.Add(penalty).Sub(shortfall)
	rec := &Record{
		ID:          uuid.New(),
		PositionID:  pos.ID,
		User:        pos.User,
		Mark:        mark,
		RealizedPnl: pnl,
		Penalty:     penalty,
		Shortfall:   shortfall,
		FundBalance: e.fund,
		Timestamp:   e.now(),
	}
	e.history = append(e.history, rec)
	return rec
}

// History returns the most recent liquidations, newest first, capped at
// limit (0 means all).
func (e *Engine) History(limit int) []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		snapshot := *e.history[i]
		out = append(out, &snapshot)
	}
	return out
}

// Scan sweeps every margined position at the given spot and liquidates
// the unhealthy ones. It returns the records of the liquidations it
// performed; individual failures are logged and skipped.
func (e *Engine) Scan(ctx context.Context, spot decimal.Decimal) []*Record {
	var out []*Record
	for _, s := range e.PositionsAtRisk(spot) {
		rec, err := e.Liquidate(ctx, s.Position.ID, spot)
		if err != nil && rec == nil {
			e.log.Error("liquidation failed",
				zap.String("position_id", s.Position.ID.String()), zap.Error(err))
			continue
		}
		if err != nil {
			e.log.Error("insurance fund deficit", zap.Error(err))
		}
		out = append(out, rec)
	}
	return out
}
