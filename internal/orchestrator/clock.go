package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is the time source of the polling loop. Sleep returns early with the
// context error when ctx is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MonotonicClock never hands out the same instant twice, at microsecond
// resolution, so createdAt values issued by one process are strictly
// increasing and survive a round trip through PostgreSQL unchanged.
type MonotonicClock struct {
	base Clock
	last atomic.Int64
}

// NewMonotonicClock wraps base.
func NewMonotonicClock(base Clock) *MonotonicClock {
	return &MonotonicClock{base: base}
}

func (c *MonotonicClock) Now() time.Time {
	for {
		candidate := c.base.Now().UnixMicro()
		prev := c.last.Load()
		if candidate <= prev {
			candidate = prev + 1
		}
		if c.last.CompareAndSwap(prev, candidate) {
			return time.UnixMicro(candidate).UTC()
		}
	}
}

func (c *MonotonicClock) Sleep(ctx context.Context, d time.Duration) error {
	return c.base.Sleep(ctx, d)
}

// VirtualClock is a manually driven clock. Sleep advances it instantly, which
// makes polling deadlines deterministic in tests.
//
// There is one timeline for all sleepers: when several jobs share a
// VirtualClock, each job's sleeps also spend the others' wall-clock budget.
// Deadline assertions belong in single-job tests.
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock starts a virtual clock at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start.UTC()}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Advance moves the clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
