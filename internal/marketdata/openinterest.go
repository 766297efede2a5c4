package marketdata

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quanta-exchange/quanta/internal/pricing"
)

// OIKey identifies an open-interest bucket by strike and expiry.
type OIKey struct {
	Strike string
	Expiry int64
}

// OpenInterestData tracks outstanding contracts per (strike, expiry).
// Counters only move by signed deltas (+open, -close) and never go
// negative.
type OpenInterestData struct {
	Strike       decimal.Decimal `json:"strike"`
	Expiry       int64           `json:"expiry"`
	CallOI       decimal.Decimal `json:"call_oi"`
	PutOI        decimal.Decimal `json:"put_oi"`
	CallNotional decimal.Decimal `json:"call_notional"`
	PutNotional  decimal.Decimal `json:"put_notional"`
}

// OpenInterestTracker is upserted on every position-affecting event.
type OpenInterestTracker struct {
	mu   sync.Mutex
	data map[OIKey]*OpenInterestData
}

// NewOpenInterestTracker creates an empty tracker.
func NewOpenInterestTracker() *OpenInterestTracker {
	return &OpenInterestTracker{data: make(map[OIKey]*OpenInterestData)}
}

// Update applies a signed size/notional delta to the bucket.
func (oi *OpenInterestTracker) Update(strike decimal.Decimal, expiry int64, typ pricing.OptionType, sizeDelta, notionalDelta decimal.Decimal) {
	oi.mu.Lock()
	defer oi.mu.Unlock()

	key := OIKey{Strike: strike.String(), Expiry: expiry}
	d, ok := oi.data[key]
	if !ok {
		d = &OpenInterestData{Strike: strike, Expiry: expiry}
		oi.data[key] = d
	}
	if typ == pricing.Call {
		d.CallOI = floorZero(d.CallOI.Add(sizeDelta))
		d.CallNotional = floorZero(d.CallNotional.Add(notionalDelta))
	} else {
		d.PutOI = floorZero(d.PutOI.Add(sizeDelta))
		d.PutNotional = floorZero(d.PutNotional.Add(notionalDelta))
	}
}

// Get returns the bucket for a strike/expiry, zero-valued when unseen.
func (oi *OpenInterestTracker) Get(strike decimal.Decimal, expiry int64) OpenInterestData {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	if d, ok := oi.data[OIKey{Strike: strike.String(), Expiry: expiry}]; ok {
		return *d
	}
	return OpenInterestData{Strike: strike, Expiry: expiry}
}

// All returns every bucket sorted by expiry then strike.
func (oi *OpenInterestTracker) All() []OpenInterestData {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	out := make([]OpenInterestData, 0, len(oi.data))
	for _, d := range oi.data {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Expiry != out[j].Expiry {
			return out[i].Expiry < out[j].Expiry
		}
		return out[i].Strike.LessThan(out[j].Strike)
	})
	return out
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
