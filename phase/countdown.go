package phase

import (
	"context"
	"sync"
	"time"
)

// Countdown ticks once per interval until a deadline and fires OnExpire once
// when it passes. It never changes ledger state; callers use the expiry to
// request a reconciling refresh.
type Countdown struct {
	interval time.Duration
	clock    func() time.Time
	onTick   func(remaining time.Duration)
	onExpire func()

	mu       sync.Mutex
	deadline time.Time
	fired    bool
	wake     chan struct{}
}

// CountdownOption configures a Countdown.
type CountdownOption func(*Countdown)

// WithInterval overrides the one second tick.
func WithInterval(d time.Duration) CountdownOption {
	return func(c *Countdown) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) CountdownOption {
	return func(c *Countdown) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// OnTick sets a callback invoked every tick with the remaining time.
func OnTick(fn func(remaining time.Duration)) CountdownOption {
	return func(c *Countdown) { c.onTick = fn }
}

// NewCountdown returns a countdown that calls onExpire once per deadline.
func NewCountdown(onExpire func(), opts ...CountdownOption) *Countdown {
	c := &Countdown{
		interval: time.Second,
		clock:    time.Now,
		onExpire: onExpire,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reset arms the countdown for deadline. A zero deadline disarms it. Setting
// the same deadline again keeps the fired state.
func (c *Countdown) Reset(deadline time.Time) {
	c.mu.Lock()
	if !deadline.Equal(c.deadline) {
		c.deadline = deadline
		c.fired = false
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Remaining returns the time left, zero once passed or disarmed.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline.IsZero() {
		return 0
	}
	if left := c.deadline.Sub(c.clock()); left > 0 {
		return left
	}
	return 0
}

// Run ticks until ctx ends.
func (c *Countdown) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.tick()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Countdown) tick() {
	c.mu.Lock()
	if c.deadline.IsZero() {
		c.mu.Unlock()
		return
	}
	left := c.deadline.Sub(c.clock())
	expire := left <= 0 && !c.fired
	if expire {
		c.fired = true
	}
	c.mu.Unlock()

	if c.onTick != nil {
		if left < 0 {
			left = 0
		}
		c.onTick(left)
	}
	if expire && c.onExpire != nil {
		c.onExpire()
	}
}
