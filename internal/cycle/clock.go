// Package cycle keeps the persisted pass counter that drives tier
// eligibility.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/storage"
)

// Stream names. Each stream keeps its own counter and initialized flag.
const (
	DefaultStream = storage.StreamPosts
	StoriesStream = storage.StreamStories
)

// StateStore persists cycle state. Implemented by storage.Store.
type StateStore interface {
	GetSyncState(ctx context.Context, stream string) (storage.SyncState, error)
	SaveSyncState(ctx context.Context, st storage.SyncState) error
}

// Periods is the number of cycles between checks for each tier.
type Periods struct {
	High    int
	Normal  int
	Low     int
	Dormant int
}

// DefaultPeriods returns 1 / 1 / 3 / 12.
func DefaultPeriods() Periods {
	return Periods{High: 1, Normal: 1, Low: 3, Dormant: 12}
}

// Of returns the period of a tier. Non-positive values are treated as 1.
func (p Periods) Of(t priority.Tier) int {
	var n int
	switch t {
	case priority.High:
		n = p.High
	case priority.Normal:
		n = p.Normal
	case priority.Low:
		n = p.Low
	default:
		n = p.Dormant
	}
	if n <= 0 {
		return 1
	}
	return n
}

// Clock is the owned handle over one stream's persisted cycle state.
type Clock struct {
	store   StateStore
	periods Periods

	mu    sync.Mutex
	state storage.SyncState
}

// Load reads the stream state from the store, starting at cycle 0 when none
// was saved yet.
func Load(ctx context.Context, store StateStore, stream string, periods Periods) (*Clock, error) {
	st, err := store.GetSyncState(ctx, stream)
	if errors.Is(err, storage.ErrNotFound) {
		st = storage.SyncState{Stream: stream}
	} else if err != nil {
		return nil, fmt.Errorf("loading cycle state for %s: %w", stream, err)
	}
	return &Clock{store: store, periods: periods, state: st}, nil
}

// Stream returns the name of the stream this clock counts for.
func (c *Clock) Stream() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Stream
}

// Current returns the current cycle number.
func (c *Clock) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CycleNumber
}

// Initialized reports whether cold start has completed for the stream.
func (c *Clock) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Initialized
}

// Advance increments the cycle and persists it before returning. On a
// persistence failure the in-memory value is left unchanged.
func (c *Clock) Advance(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state
	next.CycleNumber++
	if err := c.store.SaveSyncState(ctx, next); err != nil {
		return c.state.CycleNumber, fmt.Errorf("persisting cycle %d: %w", next.CycleNumber, err)
	}
	c.state = next
	return next.CycleNumber, nil
}

// MarkInitialized records that cold start has completed for every entity.
func (c *Clock) MarkInitialized(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Initialized {
		return nil
	}
	next := c.state
	next.Initialized = true
	if err := c.store.SaveSyncState(ctx, next); err != nil {
		return fmt.Errorf("persisting initialized flag: %w", err)
	}
	c.state = next
	return nil
}

// Period returns the configured period of a tier.
func (c *Clock) Period(t priority.Tier) int {
	return c.periods.Of(t)
}

// IsEligibleThisCycle reports whether a tier is due in the given cycle.
func (c *Clock) IsEligibleThisCycle(t priority.Tier, cycle int) bool {
	return cycle%c.periods.Of(t) == 0
}
