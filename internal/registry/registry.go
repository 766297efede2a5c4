// Package registry owns the canonical set of option contracts and their
// lifecycle: open -> {exercised | expired | cancelled}, strictly one-way.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quanta-exchange/quanta/internal/pricing"
	"github.com/quanta-exchange/quanta/pkg/errs"
	"github.com/quanta-exchange/quanta/pkg/metrics"
)

// Store is the slice of the persistence collaborator the registry consumes.
// Writes are best-effort; a failed save never rolls back a transition.
type Store interface {
	SaveOption(ctx context.Context, c *OptionContract) error
}

// entry pairs a contract with its own mutex. Buy and exercise are
// read-modify-write sequences; the per-contract lock gives them
// at-most-once semantics under concurrent requests.
type entry struct {
	mu sync.Mutex
	c  *OptionContract
}

// Registry is the authoritative contract ledger.
type Registry struct {
	mu        sync.RWMutex
	contracts map[uuid.UUID]*entry

	store Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a registry. store may be nil when persistence is disabled.
func New(store Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		contracts: make(map[uuid.UUID]*entry),
		store:     store,
		log:       log,
		now:       time.Now,
	}
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// List creates a new open contract written by writer.
func (r *Registry) List(ctx context.Context, writer string, params ListParams) (*OptionContract, error) {
	if writer == "" {
		return nil, errs.Validation("writer is required")
	}
	if !params.Strike.IsPositive() {
		return nil, errs.Validation("strike must be positive, got %s", params.Strike)
	}
	if !params.Premium.IsPositive() {
		return nil, errs.Validation("premium must be positive, got %s", params.Premium)
	}
	if !params.Amount.IsPositive() {
		return nil, errs.Validation("amount must be positive, got %s", params.Amount)
	}
	if params.ExpiryMinutes <= 0 {
		return nil, errs.Validation("expiry minutes must be positive, got %d", params.ExpiryMinutes)
	}
	if params.Type != pricing.Call && params.Type != pricing.Put {
		return nil, errs.Validation("unknown option type %q", params.Type)
	}

	now := r.now()
	c := &OptionContract{
		ID:         uuid.New(),
		Writer:     writer,
		Underlying: params.Underlying,
		Strike:     params.Strike,
		Premium:    params.Premium,
		Amount:     params.Amount,
		Expiry:     now.Add(time.Duration(params.ExpiryMinutes) * time.Minute).Unix(),
		Type:       params.Type,
		Status:     StatusOpen,
		CreatedAt:  now,
	}

	r.mu.Lock()
	r.contracts[c.ID] = &entry{c: c}
	r.mu.Unlock()

	r.persist(ctx, c)
	r.log.Info("contract listed",
		zap.String("id", c.ID.String()),
		zap.String("writer", writer),
		zap.String("type", string(c.Type)),
		zap.String("strike", c.Strike.String()),
		zap.Int64("expiry", c.Expiry))
	snapshot := *c
	return &snapshot, nil
}

// Buy fills the holder field. It is the single authorized transition that
// sets a holder; any re-invocation fails with InvalidState, guaranteeing
// at-most-one buyer per contract.
func (r *Registry) Buy(ctx context.Context, id uuid.UUID, buyer string) (*OptionContract, error) {
	if buyer == "" {
		return nil, errs.Validation("buyer is required")
	}
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.materializeExpiry(e)
	c := e.c
	switch {
	case c.Status != StatusOpen:
		return nil, errs.InvalidState("contract %s is %s", id, c.Status)
	case c.Holder != "":
		return nil, errs.InvalidState("contract %s already has a holder", id)
	case buyer == c.Writer:
		return nil, errs.InvalidState("writer cannot buy own contract %s", id)
	}

	c.Holder = buyer
	r.persist(ctx, c)
	r.log.Info("contract bought", zap.String("id", id.String()), zap.String("holder", buyer))
	snapshot := *c
	return &snapshot, nil
}

// ExerciseResult is the settlement outcome of an exercise.
type ExerciseResult struct {
	Contract OptionContract  `json:"contract"`
	Payout   decimal.Decimal `json:"payout"`
}

// Exercise settles the contract in cash at the given spot. Only the holder
// may exercise, only while the contract is open; early exercise is allowed.
// The per-contract lock rejects concurrent re-exercise.
func (r *Registry) Exercise(ctx context.Context, id uuid.UUID, caller string, spot decimal.Decimal) (*ExerciseResult, error) {
	if !spot.IsPositive() {
		return nil, errs.Validation("settlement spot must be positive, got %s", spot)
	}
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.materializeExpiry(e)
	c := e.c
	if c.Holder == "" || c.Status != StatusOpen {
		return nil, errs.InvalidState("contract %s is not exercisable (status=%s)", id, c.Status)
	}
	if caller != c.Holder {
		return nil, errs.Unauthorized("caller %s is not the holder of contract %s", caller, id)
	}

	payout := c.Payout(spot)
	now := r.now()
	c.Status = StatusExercised
	c.ExercisedAt = &now
	settlement := spot
	c.SettlementPrice = &settlement

	r.persist(ctx, c)
	metrics.ContractsExercised.WithLabelValues(string(c.Type)).Inc()
	r.log.Info("contract exercised",
		zap.String("id", id.String()),
		zap.String("holder", caller),
		zap.String("spot", spot.String()),
		zap.String("payout", payout.String()))

	snapshot := *c
	return &ExerciseResult{Contract: snapshot, Payout: payout}, nil
}

// Cancel withdraws an unsold listing. Only the writer may cancel, and only
// while the contract is open with no holder.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID, caller string) (*OptionContract, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.materializeExpiry(e)
	c := e.c
	if caller != c.Writer {
		return nil, errs.Unauthorized("caller %s is not the writer of contract %s", caller, id)
	}
	if c.Status != StatusOpen {
		return nil, errs.InvalidState("contract %s is %s", id, c.Status)
	}
	if c.Holder != "" {
		return nil, errs.InvalidState("contract %s already sold, cannot cancel", id)
	}

	c.Status = StatusCancelled
	r.persist(ctx, c)
	r.log.Info("contract cancelled", zap.String("id", id.String()))
	snapshot := *c
	return &snapshot, nil
}

// Get returns a snapshot of the contract. Expiry is materialized on read so
// no caller ever observes an open contract whose expiry has passed.
func (r *Registry) Get(id uuid.UUID) (*OptionContract, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	r.materializeExpiry(e)
	snapshot := *e.c
	e.mu.Unlock()
	return &snapshot, nil
}

// Available returns open, unsold contracts matching the filter, newest
// first.
func (r *Registry) Available(f Filter) []*OptionContract {
	return r.collect(func(c *OptionContract) bool {
		return c.Status == StatusOpen && c.Holder == "" && f.matches(c)
	})
}

// ByWriter returns every contract written by the address.
func (r *Registry) ByWriter(writer string) []*OptionContract {
	return r.collect(func(c *OptionContract) bool { return c.Writer == writer })
}

// ByHolder returns every contract held by the address.
func (r *Registry) ByHolder(holder string) []*OptionContract {
	return r.collect(func(c *OptionContract) bool { return c.Holder == holder })
}

// CountStats aggregates contract counts by status.
func (r *Registry) CountStats() Stats {
	all := r.collect(func(*OptionContract) bool { return true })
	s := Stats{Total: len(all)}
	for _, c := range all {
		switch c.Status {
		case StatusOpen:
			s.Open++
		case StatusExercised:
			s.Exercised++
		case StatusExpired:
			s.Expired++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// SweepExpired eagerly transitions contracts past expiry. It is scheduled
// periodically from cmd wiring; reads stay correct without it because every
// read path also materializes expiry. Returns the number swept.
func (r *Registry) SweepExpired(ctx context.Context) int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.contracts))
	for _, e := range r.contracts {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	swept := 0
	for _, e := range entries {
		e.mu.Lock()
		before := e.c.Status
		r.materializeExpiry(e)
		if before == StatusOpen && e.c.Status == StatusExpired {
			r.persist(ctx, e.c)
			swept++
		}
		e.mu.Unlock()
	}
	if swept > 0 {
		r.log.Info("expiry sweep", zap.Int("expired", swept))
	}
	return swept
}

// materializeExpiry flips an open contract past its expiry to expired.
// Caller holds e.mu.
func (r *Registry) materializeExpiry(e *entry) {
	if e.c.Status == StatusOpen && r.now().Unix() >= e.c.Expiry {
		e.c.Status = StatusExpired
	}
}

func (r *Registry) lookup(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.contracts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("option contract %s", id)
	}
	return e, nil
}

func (r *Registry) collect(keep func(*OptionContract) bool) []*OptionContract {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.contracts))
	for _, e := range r.contracts {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*OptionContract, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		r.materializeExpiry(e)
		if keep(e.c) {
			snapshot := *e.c
			out = append(out, &snapshot)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *Registry) persist(ctx context.Context, c *OptionContract) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveOption(ctx, c); err != nil {
		r.log.Warn("option save failed", zap.String("id", c.ID.String()), zap.Error(err))
	}
}
