// Package epoch implements the epoch and transaction manager:
// hybrid-logical-clock epoch stamping, the DTX registry with its
// conflict-resolution callback, and the live-snapshot-epoch index
// aggregation consults before compacting history.
package epoch

import (
	"sync"
	"time"

	"github.com/cuemby/vos/pkg/types"
)

// Clock issues monotone epochs from a hybrid logical clock: next =
// max(wall_now, last_issued + 1). now defaults to time.Now
// but is overridable for deterministic tests.
type Clock struct {
	mu   sync.Mutex
	last types.Epoch
	now  func() time.Time
}

// NewClock creates a clock starting at epoch 0 (no epoch issued yet).
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// WithNowFunc overrides the wall-clock source, for deterministic tests
// that need to control the HLC's wall-time input.
func (c *Clock) WithNowFunc(now func() time.Time) *Clock {
	c.now = now
	return c
}

// Next stamps and returns the next epoch.
func (c *Clock) Next() types.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	wall := types.Epoch(c.now().UnixNano())
	next := c.last + 1
	if wall > next {
		next = wall
	}
	c.last = next
	return next
}

// Observe folds an externally-seen epoch (e.g. from a discard/aggregate
// caller, or a recovered WAL record) into the clock so Next never regresses
// or reissues an epoch already committed.
func (c *Clock) Observe(e types.Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e > c.last {
		c.last = e
	}
}

// Last returns the most recently issued epoch without advancing the clock.
func (c *Clock) Last() types.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
