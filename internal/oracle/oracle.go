// Package oracle supplies underlying spot prices to the venue. Sources
// are pluggable; the cached wrapper bounds fetch latency and serves the
// last good quote when the source misbehaves.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/pkg/errs"
)

// SpotPrice is one observation of an underlying's price.
type SpotPrice struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Oracle produces spot prices for underlyings.
type Oracle interface {
	GetSpotPrice(ctx context.Context, symbol string) (*SpotPrice, error)
}

// Static is a hand-fed oracle used in simulation and tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
	now    func() time.Time
}

func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal), now: time.Now}
}

// Set publishes a price for a symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Fail makes every subsequent fetch return err until cleared with nil.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) GetSpotPrice(_ context.Context, symbol string) (*SpotPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	price, ok := s.prices[symbol]
	if !ok {
		return nil, errs.OracleUnavailable("no price published for %s", symbol)
	}
	return &SpotPrice{
		Symbol:     symbol,
		Price:      price,
		Confidence: decimal.NewFromInt(1),
		Timestamp:  s.now(),
	}, nil
}

// CachedConfig tunes the caching wrapper.
type CachedConfig struct {
	// TTL is how long a fetched quote stays fresh.
	TTL time.Duration
	// Timeout bounds each upstream fetch.
	Timeout time.Duration
	// MaxStaleness is how old a fallback quote may be before the oracle
	// reports itself unavailable.
	MaxStaleness time.Duration
}

// Cached wraps a source oracle with a per-symbol TTL cache and a
// stale-quote fallback.
type Cached struct {
	mu     sync.Mutex
	quotes map[string]*SpotPrice

	source Oracle
	log    *zap.Logger
	cfg    CachedConfig
	now    func() time.Time
}

func NewCached(source Oracle, log *zap.Logger, cfg CachedConfig) *Cached {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = time.Minute
	}
	return &Cached{
		quotes: make(map[string]*SpotPrice),
		source: source,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (c *Cached) SetClock(now func() time.Time) { c.now = now }

// GetSpotPrice returns the cached quote while fresh, refetches once it
// ages past the TTL, and falls back to the last good quote on fetch
// failure until MaxStaleness is exceeded.
func (c *Cached) GetSpotPrice(ctx context.Context, symbol string) (*SpotPrice, error) {
	now := c.now()

	c.mu.Lock()
	cached := c.quotes[symbol]
	c.mu.Unlock()

	if cached != nil && now.Sub(cached.Timestamp) < c.cfg.TTL {
		snapshot := *cached
		return &snapshot, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	quote, err := c.source.GetSpotPrice(fetchCtx, symbol)
	if err == nil {
		snapshot := *quote
		snapshot.Timestamp = now
		c.mu.Lock()
		c.quotes[symbol] = &snapshot
		c.mu.Unlock()
		result := snapshot
		return &result, nil
	}

	if cached != nil && now.Sub(cached.Timestamp) <= c.cfg.MaxStaleness {
		c.log.Warn("oracle fetch failed, serving stale quote",
			zap.String("symbol", symbol),
			zap.Duration("age", now.Sub(cached.Timestamp)),
			zap.Error(err),
		)
		snapshot := *cached
		return &snapshot, nil
	}
	return nil, errs.Wrap(errs.CodeOracleUnavailable, err, "spot price for %s unavailable", symbol)
}
