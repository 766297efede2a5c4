package venue

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/liquidation"
	"github.com/quanta-exchange/quanta/internal/positions"
	"github.com/quanta-exchange/quanta/pkg/errs"
)

// Deposit credits a user's cash balance.
func (s *Service) Deposit(user string, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.positions.Deposit(user, amount)
}

// Withdraw debits free collateral from a user's balance.
func (s *Service) Withdraw(user string, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.positions.Withdraw(user, amount)
}

// OpenPositionParams describes a position being opened against a listed
// option. A zero EntryPrice books at the model mark.
type OpenPositionParams struct {
	User       string
	OptionID   uuid.UUID
	Side       positions.Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// OpenPosition books a long or short position on an option and bumps
// open interest at the contract's strike and expiry.
func (s *Service) OpenPosition(ctx context.Context, p OpenPositionParams) (*positions.Position, error) {
	c, err := s.registry.Get(p.OptionID)
	if err != nil {
		return nil, err
	}
	spot, err := s.spot(ctx)
	if err != nil {
		return nil, err
	}
	entry := p.EntryPrice
	if entry.IsZero() {
		entry = s.mark(c, spot)
	}
	pos, err := s.positions.Open(ctx, positions.OpenParams{
		User:       p.User,
		OptionID:   c.ID,
		Underlying: c.Underlying,
		Strike:     c.Strike,
		Amount:     c.Amount,
		Expiry:     c.Expiry,
		Type:       c.Type,
		Side:       p.Side,
		Size:       p.Size,
		EntryPrice: entry,
		Spot:       spot,
	})
	if err != nil {
		return nil, err
	}
	// Open interest counts contracts by their long side.
	if pos.Side == positions.Long {
		s.oi.Update(c.Strike, c.Expiry, c.Type, pos.Size, pos.CostBasis())
	}
	return pos, nil
}

// ClosePosition settles the caller's open position. A nil exitPrice
// closes at the model mark.
func (s *Service) ClosePosition(ctx context.Context, positionID uuid.UUID, user string, exitPrice *decimal.Decimal) (*positions.CloseResult, error) {
	pos, err := s.positions.Get(positionID)
	if err != nil {
		return nil, err
	}
	if pos.User != user {
		return nil, errs.Unauthorized("position %s does not belong to %s", positionID, user)
	}

	var exit decimal.Decimal
	if exitPrice != nil {
		exit = *exitPrice
	} else {
		c, getErr := s.registry.Get(pos.OptionID)
		if getErr != nil {
			return nil, getErr
		}
		spot, spotErr := s.spot(ctx)
		if spotErr != nil {
			return nil, spotErr
		}
		exit = s.mark(c, spot)
	}

	res, err := s.positions.Close(ctx, positionID, exit)
	if err != nil {
		return nil, err
	}
	if pos.Side == positions.Long {
		s.oi.Update(pos.Strike, pos.Expiry, pos.Type, pos.Size.Neg(), pos.CostBasis().Neg())
	}
	return res, nil
}

// GetPortfolio marks the user's account to model at the current oracle
// spot.
func (s *Service) GetPortfolio(ctx context.Context, user string) (*positions.Portfolio, error) {
	spot, err := s.spot(ctx)
	if err != nil {
		return nil, err
	}
	return s.positions.Portfolio(user, spot), nil
}

// GetPositionsAtRisk returns the margined positions currently below the
// maintenance ratio.
func (s *Service) GetPositionsAtRisk(ctx context.Context) ([]*positions.MarginStatus, error) {
	spot, err := s.spot(ctx)
	if err != nil {
		return nil, err
	}
	return s.liquidation.PositionsAtRisk(spot), nil
}

// GetInsuranceFundBalance returns the fund's current balance.
func (s *Service) GetInsuranceFundBalance() decimal.Decimal {
	return s.liquidation.FundBalance()
}

// GetLiquidationHistory returns recent liquidations, newest first.
func (s *Service) GetLiquidationHistory(limit int) []*liquidation.Record {
	return s.liquidation.History(limit)
}

// Liquidate force-closes one under-margined position at the current
// oracle spot.
func (s *Service) Liquidate(ctx context.Context, positionID uuid.UUID) (*liquidation.Record, error) {
	spot, err := s.spot(ctx)
	if err != nil {
		return nil, err
	}
	return s.liquidation.Liquidate(ctx, positionID, spot)
}
