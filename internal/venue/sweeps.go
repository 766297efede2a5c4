package venue

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/internal/trading/orderbook"
)

// SweepExpired expires past-due contracts and stale orders across every
// book. Safe to call concurrently with trading; both paths are
// idempotent on already-terminal state.
func (s *Service) SweepExpired(ctx context.Context) (contracts, orders int) {
	contracts = s.registry.SweepExpired(ctx)

	s.mu.Lock()
	books := make([]*orderbook.OrderBook, 0, len(s.books))
	for _, ob := range s.books {
		books = append(books, ob)
	}
	s.mu.Unlock()

	for _, ob := range books {
		orders += ob.ExpireStale()
	}
	if contracts > 0 || orders > 0 {
		s.log.Info("expiry sweep",
			zap.Int("contracts_expired", contracts),
			zap.Int("orders_expired", orders),
		)
	}
	return contracts, orders
}

// RiskScan liquidates every position below maintenance margin at the
// current oracle spot. An oracle outage skips the scan rather than
// liquidating against a stale price.
func (s *Service) RiskScan(ctx context.Context) int {
	spot, err := s.spot(ctx)
	if err != nil {
		s.log.Warn("risk scan skipped, no spot price", zap.Error(err))
		return 0
	}
	recs := s.liquidation.Scan(ctx, spot)
	return len(recs)
}

// Scheduler drives the periodic expiry sweep and risk scan.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
}

// StartScheduler registers the sweeps on their configured cron specs and
// starts them. The returned scheduler keeps running until Stop.
func (s *Service) StartScheduler() (*Scheduler, error) {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Sweep.ExpirySpec, func() {
		s.SweepExpired(context.Background())
	}); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(s.cfg.Sweep.RiskScanSpec, func() {
		s.RiskScan(context.Background())
	}); err != nil {
		return nil, err
	}
	c.Start()
	s.log.Info("sweep scheduler started",
		zap.String("expiry_spec", s.cfg.Sweep.ExpirySpec),
		zap.String("risk_scan_spec", s.cfg.Sweep.RiskScanSpec),
	)
	return &Scheduler{cron: c, log: s.log}, nil
}

// Stop halts the scheduler and waits for in-flight sweeps to finish.
func (sch *Scheduler) Stop() {
	<-sch.cron.Stop().Done()
	sch.log.Info("sweep scheduler stopped")
}
