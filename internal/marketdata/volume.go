// Package marketdata maintains the venue's derived market state: rolling
// volume statistics, open interest, composed price views, and tickers.
package marketdata

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/trading/model"
)

// Window is the rolling horizon for volume statistics.
const Window = 24 * time.Hour

type tradePoint struct {
	ts    time.Time
	price decimal.Decimal
	size  decimal.Decimal
}

// VolumeStats summarizes trading activity over the rolling window.
type VolumeStats struct {
	OptionID       uuid.UUID       `json:"option_id"`
	Volume         decimal.Decimal `json:"volume"`
	NotionalUSD    decimal.Decimal `json:"notional_usd"`
	TradeCount     int             `json:"trade_count"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	PriceChangePct decimal.Decimal `json:"price_change_pct"`
}

// VolumeTracker keeps a rolling 24-hour trade window per option. Eviction
// happens on every query, so a trade recorded at T is included at T+23h59m
// and excluded at T+24h01m.
type VolumeTracker struct {
	mu     sync.Mutex
	window time.Duration
	trades map[uuid.UUID][]tradePoint
	now    func() time.Time
}

// NewVolumeTracker creates a tracker over the standard 24h window.
func NewVolumeTracker() *VolumeTracker {
	return &VolumeTracker{
		window: Window,
		trades: make(map[uuid.UUID][]tradePoint),
		now:    time.Now,
	}
}

// SetClock overrides the tracker clock. Tests only.
func (vt *VolumeTracker) SetClock(now func() time.Time) { vt.now = now }

// Record appends an execution to the option's window.
func (vt *VolumeTracker) Record(t *model.Trade) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	vt.trades[t.OptionID] = append(vt.trades[t.OptionID], tradePoint{
		ts:    t.Timestamp,
		price: t.Price,
		size:  t.Size,
	})
}

// Stats evicts expired trades and reports the remaining window.
func (vt *VolumeTracker) Stats(optionID uuid.UUID) VolumeStats {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	cutoff := vt.now().Add(-vt.window)
	points := vt.trades[optionID]
	kept := points[:0]
	for _, p := range points {
		if p.ts.After(cutoff) {
			kept = append(kept, p)
		}
	}
	vt.trades[optionID] = kept

	stats := VolumeStats{OptionID: optionID}
	for i, p := range kept {
		stats.Volume = stats.Volume.Add(p.size)
		stats.NotionalUSD = stats.NotionalUSD.Add(p.price.Mul(p.size))
		stats.TradeCount++
		if i == 0 {
			stats.High = p.price
			stats.Low = p.price
			continue
		}
		if p.price.GreaterThan(stats.High) {
			stats.High = p.price
		}
		if p.price.LessThan(stats.Low) {
			stats.Low = p.price
		}
	}
	if len(kept) > 1 {
		first := kept[0].price
		last := kept[len(kept)-1].price
		if !first.IsZero() {
			stats.PriceChangePct = last.Sub(first).Div(first).Mul(decimal.NewFromInt(100))
		}
	}
	return stats
}
