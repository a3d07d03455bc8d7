// Package activity tracks when the dispatcher last heard from the
// outside world, so spawned workers can decide whether their parent
// has gone idle.
package activity

import (
	"sync"
	"time"
)

// Clock records the timestamp of the most recent inbound request.
// The zero value is ready to use and reports "never" until the first
// UpdateLastCall.
type Clock struct {
	mu       sync.Mutex
	lastCall time.Time
}

// New creates a Clock that has never been stamped.
func New() *Clock {
	return &Clock{}
}

// UpdateLastCall stamps the clock with the current time.
func (c *Clock) UpdateLastCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCall = time.Now()
}

// IdleSeconds returns the whole seconds elapsed since UpdateLastCall
// was last called, or -1 if it has never been called.
func (c *Clock) IdleSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCall.IsZero() {
		return -1
	}
	return int(time.Since(c.lastCall).Seconds())
}
