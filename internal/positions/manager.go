package positions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/internal/pricing"
	"github.com/quanta-exchange/quanta/pkg/errs"
)

// stressMove is the relative spot shock applied in both directions when
// estimating the worst-case loss of a short position.
var stressMove = decimal.RequireFromString("0.5")

// Config carries the slice of venue configuration the manager needs.
type Config struct {
	// MinShortMargin is the floor on collateral for any short position.
	MinShortMargin decimal.Decimal
	// RiskFreeRate and DefaultVolatility feed mark-to-model valuation.
	RiskFreeRate      decimal.Decimal
	DefaultVolatility decimal.Decimal
}

// account is one user's ledger. Its mutex serializes balance changes and
// position transitions for that user; the manager map lock is only held
// long enough to find or create the account.
type account struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[uuid.UUID]*Position
}

// Manager tracks balances, open positions and margin for every user.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*account
	owner    map[uuid.UUID]string // position id -> user

	store Store
	log   *zap.Logger
	cfg   Config
	now   func() time.Time
}

func NewManager(store Store, log *zap.Logger, cfg Config) *Manager {
	return &Manager{
		accounts: make(map[string]*account),
		owner:    make(map[uuid.UUID]string),
		store:    store,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) account(user string) *account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[user]
	if !ok {
		a = &account{positions: make(map[uuid.UUID]*Position)}
		m.accounts[user] = a
	}
	return a
}

// Deposit credits a user's cash balance and returns the new balance.
func (m *Manager) Deposit(user string, amount decimal.Decimal) (decimal.Decimal, error) {
	if user == "" {
		return decimal.Zero, errs.Validation("user is required")
	}
	if !amount.IsPositive() {
		return decimal.Zero, errs.Validation("deposit amount must be positive, got %s", amount)
	}
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = a.balance.Add(amount)
	return a.balance, nil
}

// Withdraw debits free collateral. Cash backing open short margin cannot
// be withdrawn.
func (m *Manager) Withdraw(user string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errs.Validation("withdraw amount must be positive, got %s", amount)
	}
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	free := a.balance.Sub(a.marginHeldLocked())
	if amount.GreaterThan(free) {
		return decimal.Zero, errs.InsufficientFunds("withdraw %s exceeds free collateral %s", amount, free)
	}
	a.balance = a.balance.Sub(amount)
	return a.balance, nil
}

// Balance returns the user's cash balance.
func (m *Manager) Balance(user string) decimal.Decimal {
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// marginHeldLocked sums posted margin across open positions. Caller holds
// the account lock.
func (a *account) marginHeldLocked() decimal.Decimal {
	held := decimal.Zero
	for _, p := range a.positions {
		if p.Status == PositionOpen {
			held = held.Add(p.Margin)
		}
	}
	return held
}

// OpenParams describes a fill being booked into a position. Contract
// terms come from the option being traded; Spot is the underlying price
// at booking time and sizes the short margin stress.
type OpenParams struct {
	User       string
	OptionID   uuid.UUID
	Underlying string
	Strike     decimal.Decimal
	Amount     decimal.Decimal
	Expiry     int64
	Type       pricing.OptionType
	Side       Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Spot       decimal.Decimal
}

func (p OpenParams) validate() error {
	switch {
	case p.User == "":
		return errs.Validation("user is required")
	case p.Side != Long && p.Side != Short:
		return errs.Validation("side must be long or short, got %q", p.Side)
	case !p.Size.IsPositive():
		return errs.Validation("size must be positive, got %s", p.Size)
	case p.EntryPrice.IsNegative():
		return errs.Validation("entry price must not be negative, got %s", p.EntryPrice)
	case p.Type != pricing.Call && p.Type != pricing.Put:
		return errs.Validation("option type must be call or put, got %q", p.Type)
	}
	return nil
}

// Open books a new position. Longs pay the premium out of free
// collateral; shorts collect the premium and post margin equal to the
// greater of the configured floor and a stress max-loss estimate.
func (m *Manager) Open(ctx context.Context, p OpenParams) (*Position, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := m.now()
	pos := &Position{
		ID:         uuid.New(),
		User:       p.User,
		OptionID:   p.OptionID,
		Side:       p.Side,
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		Underlying: p.Underlying,
		Strike:     p.Strike,
		Amount:     p.Amount,
		Expiry:     p.Expiry,
		Type:       p.Type,
		Status:     PositionOpen,
		OpenedAt:   now,
	}

	a := m.account(p.User)
	a.mu.Lock()
	defer a.mu.Unlock()

	premium := p.EntryPrice.Mul(p.Size)
	free := a.balance.Sub(a.marginHeldLocked())

	if p.Side == Long {
		if premium.GreaterThan(free) {
			return nil, errs.InsufficientFunds("premium %s exceeds free collateral %s", premium, free)
		}
		a.balance = a.balance.Sub(premium)
	} else {
		margin := m.shortMargin(pos, p.Spot)
		if margin.GreaterThan(free.Add(premium)) {
			return nil, errs.InsufficientFunds("margin %s exceeds free collateral %s", margin, free.Add(premium))
		}
		a.balance = a.balance.Add(premium)
		pos.Margin = margin
	}

	a.positions[pos.ID] = pos
	m.mu.Lock()
	m.owner[pos.ID] = p.User
	m.mu.Unlock()

	if err := m.store.SavePosition(ctx, pos); err != nil {
		m.log.Warn("position persist failed", zap.String("position_id", pos.ID.String()), zap.Error(err))
	}
	m.log.Info("position opened",
		zap.String("position_id", pos.ID.String()),
		zap.String("user", p.User),
		zap.String("side", string(p.Side)),
		zap.String("size", p.Size.String()),
		zap.String("entry_price", p.EntryPrice.String()),
		zap.String("margin", pos.Margin.String()),
	)
	snapshot := *pos
	return &snapshot, nil
}

// shortMargin is the collateral requirement for a short position:
// max(floor, worst stressed payout minus premium received). The stress
// shocks spot by ±stressMove and takes the larger settlement.
func (m *Manager) shortMargin(p *Position, spot decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	up := p.payoutAt(spot.Mul(one.Add(stressMove)))
	down := p.payoutAt(spot.Mul(one.Sub(stressMove)))
	worst := up
	if down.GreaterThan(worst) {
		worst = down
	}
	stress := worst.Sub(p.EntryPrice.Mul(p.Size))
	if stress.LessThan(m.cfg.MinShortMargin) {
		return m.cfg.MinShortMargin
	}
	return stress
}

// CloseResult reports the settled economics of a close.
type CloseResult struct {
	Position    *Position
	RealizedPnl decimal.Decimal
	Balance     decimal.Decimal
}

// Close settles an open position at the given price. Closing is one-shot;
// a second close of the same position is an invalid-state error.
func (m *Manager) Close(ctx context.Context, positionID uuid.UUID, exitPrice decimal.Decimal) (*CloseResult, error) {
	if exitPrice.IsNegative() {
		return nil, errs.Validation("exit price must not be negative, got %s", exitPrice)
	}
	m.mu.RLock()
	user, ok := m.owner[positionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("position %s not found", positionID)
	}

	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()

	pos := a.positions[positionID]
	if pos == nil {
		return nil, errs.NotFound("position %s not found", positionID)
	}
	if pos.Status != PositionOpen {
		return nil, errs.InvalidState("position %s is already %s", positionID, pos.Status)
	}

	proceeds := exitPrice.Mul(pos.Size)
	if pos.Side == Long {
		a.balance = a.balance.Add(proceeds)
	} else {
		a.balance = a.balance.Sub(proceeds)
	}

	pnl := pos.PnlAt(exitPrice)
	now := m.now()
	pos.Status = PositionClosed
	pos.ExitPrice = &exitPrice
	pos.RealizedPnl = &pnl
	pos.ClosedAt = &now
	pos.Margin = decimal.Zero

	if err := m.store.SavePosition(ctx, pos); err != nil {
		m.log.Warn("position persist failed", zap.String("position_id", pos.ID.String()), zap.Error(err))
	}
	m.log.Info("position closed",
		zap.String("position_id", pos.ID.String()),
		zap.String("user", user),
		zap.String("exit_price", exitPrice.String()),
		zap.String("realized_pnl", pnl.String()),
	)
	snapshot := *pos
	return &CloseResult{Position: &snapshot, RealizedPnl: pnl, Balance: a.balance}, nil
}

// ApplyDebit charges a user's balance, clamping at zero. The uncovered
// remainder, if any, is returned so the caller can socialize it.
func (m *Manager) ApplyDebit(user string, amount decimal.Decimal) (shortfall decimal.Decimal) {
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = a.balance.Sub(amount)
	if a.balance.IsNegative() {
		shortfall = a.balance.Neg()
		a.balance = decimal.Zero
	}
	return shortfall
}

// Get returns a snapshot of a position by id.
func (m *Manager) Get(positionID uuid.UUID) (*Position, error) {
	m.mu.RLock()
	user, ok := m.owner[positionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("position %s not found", positionID)
	}
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	pos := a.positions[positionID]
	if pos == nil {
		return nil, errs.NotFound("position %s not found", positionID)
	}
	snapshot := *pos
	return &snapshot, nil
}

// ByUser returns snapshots of the user's positions, open ones first is
// not guaranteed; callers sort as needed.
func (m *Manager) ByUser(user string) []*Position {
	a := m.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Position, 0, len(a.positions))
	for _, p := range a.positions {
		snapshot := *p
		out = append(out, &snapshot)
	}
	return out
}

// Users returns every user id with an account.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.accounts))
	for u := range m.accounts {
		out = append(out, u)
	}
	return out
}
