// Package clock provides the logical clock shared by the agent loop and
// the interaction replay cache. A frozen clock reports the same instant
// on every call so that prompts embedding "now" hash identically across
// recorded and replayed runs.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by [time.Now].
type Real struct{}

// Now returns the wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// Logical is a Clock that follows wall time until frozen. It is safe
// for concurrent use. The zero value is ready to use and unfrozen.
type Logical struct {
	mu     sync.RWMutex
	frozen time.Time
	isSet  bool
}

// NewLogical returns an unfrozen logical clock.
func NewLogical() *Logical {
	return &Logical{}
}

// Now returns the frozen instant, or wall time when unfrozen.
func (c *Logical) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isSet {
		return c.frozen
	}
	return time.Now()
}

// Freeze pins the clock at t until [Logical.Unfreeze] is called.
func (c *Logical) Freeze(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = t
	c.isSet = true
}

// Unfreeze restores wall-clock behaviour.
func (c *Logical) Unfreeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = time.Time{}
	c.isSet = false
}

// Frozen reports the pinned instant and whether the clock is frozen.
func (c *Logical) Frozen() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen, c.isSet
}
