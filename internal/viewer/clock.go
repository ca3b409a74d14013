package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
)

// ServerClock approximates store time from the local clock plus a skew
// sampled once.
type ServerClock struct {
	mu    sync.RWMutex
	local func() time.Time
	skew  time.Duration
}

// NewServerClock returns a clock with zero skew.
func NewServerClock(local func() time.Time) *ServerClock {
	if local == nil {
		local = time.Now
	}
	return &ServerClock{local: local}
}

// Sample records the difference between store time and local time.
func (c *ServerClock) Sample(ctx context.Context, source store.Store) error {
	before := c.local()
	serverTime, err := source.ServerTime(ctx)
	if err != nil {
		return err
	}
	after := c.local()
	midpoint := before.Add(after.Sub(before) / 2)
	c.mu.Lock()
	c.skew = serverTime.Sub(midpoint)
	c.mu.Unlock()
	return nil
}

// Skew returns the last sampled offset of store time over local time.
func (c *ServerClock) Skew() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skew
}

// Now returns the corrected current time.
func (c *ServerClock) Now() time.Time {
	return c.local().Add(c.Skew())
}
