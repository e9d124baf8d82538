// Package counter keeps denormalized counts on owner records in step with the
// lifecycle events of the entities they count.
//
// Counters are numeric attributes on the owner record. They are implicitly
// zero until first incremented and are never stored negative: a decrement is
// a conditional update guarded by "value >= delta", and a failed guard is
// reported as RejectedByGuard rather than as an error. Event redelivery can
// therefore over-decrement without corrupting anything.
//
// The Engine maps each EventKind to exactly one handler and is the place that
// decides to log a rejected decrement and carry on.
package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacentio/denorm/internal/keys"
	"github.com/jacentio/denorm/store"
)

// Result reports whether a guarded adjustment was applied.
type Result int

const (
	// Applied means the counter changed.
	Applied Result = iota

	// RejectedByGuard means the decrement would have gone below zero and the
	// counter was left as it was.
	RejectedByGuard
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case RejectedByGuard:
		return "rejected_by_guard"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ErrInvalidDelta is returned for a non-positive delta.
var ErrInvalidDelta = errors.New("denorm: counter delta must be positive")

// Counters adjusts named counters on owner records.
type Counters struct {
	store        *store.Store
	ownerKind    string
	ownerSortKey string
}

// NewCounters creates Counters over s. Only WithOwner applies.
func NewCounters(s *store.Store, opts ...Option) (*Counters, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return newCounters(s, o), nil
}

func newCounters(s *store.Store, o *options) *Counters {
	return &Counters{
		store:        s,
		ownerKind:    o.ownerKind,
		ownerSortKey: o.ownerSortKey,
	}
}

func (c *Counters) key(ownerID string) store.Key {
	return store.Key{PartitionKey: keys.Join(c.ownerKind, ownerID), SortKey: c.ownerSortKey}
}

// Increment adds one to counter.
func (c *Counters) Increment(ctx context.Context, ownerID, counter string) error {
	return c.Add(ctx, ownerID, counter, 1)
}

// Add adds delta to counter without any condition. The owner record is
// assumed to exist.
func (c *Counters) Add(ctx context.Context, ownerID, counter string, delta int64) error {
	if delta <= 0 {
		return ErrInvalidDelta
	}

	err := c.store.Update(ctx, c.key(ownerID), store.AddNumber(counter, delta), store.Condition{})
	if err != nil {
		recordAdjustment(ctx, counter, opAdd, resultError)
		return fmt.Errorf("increment %s of %s: %w", counter, ownerID, err)
	}
	recordAdjustment(ctx, counter, opAdd, Applied.String())
	return nil
}

// Decrement subtracts one from counter unless it is already zero.
func (c *Counters) Decrement(ctx context.Context, ownerID, counter string) (Result, error) {
	return c.Subtract(ctx, ownerID, counter, 1)
}

// Subtract subtracts delta from counter if the counter holds at least delta.
// Otherwise it returns RejectedByGuard and leaves the counter unchanged. Only
// an invalid delta and infrastructure failures are returned as errors; an
// invalid delta writes nothing and reports RejectedByGuard.
func (c *Counters) Subtract(ctx context.Context, ownerID, counter string, delta int64) (Result, error) {
	if delta <= 0 {
		return RejectedByGuard, ErrInvalidDelta
	}

	err := c.store.Update(ctx,
		c.key(ownerID),
		store.SubtractNumber(counter, delta),
		store.AtLeast(counter, delta),
	)
	switch {
	case errors.Is(err, store.ErrConflict):
		recordAdjustment(ctx, counter, opSubtract, RejectedByGuard.String())
		return RejectedByGuard, nil
	case err != nil:
		recordAdjustment(ctx, counter, opSubtract, resultError)
		return Applied, fmt.Errorf("decrement %s of %s: %w", counter, ownerID, err)
	}
	recordAdjustment(ctx, counter, opSubtract, Applied.String())
	return Applied, nil
}

// Get returns the stored value of counter, or zero when the counter or the
// owner record is absent.
func (c *Counters) Get(ctx context.Context, ownerID, counter string) (int64, error) {
	item, err := c.store.Get(ctx, c.key(ownerID), store.Strong)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return store.NumberAttr(item, counter), nil
}
