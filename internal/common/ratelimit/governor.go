package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval keeps a dispatch run at 20 messages per second.
const DefaultInterval = 50 * time.Millisecond

// Governor enforces a minimum spacing between successive calls to Throttle.
// It is meant to be owned by a single dispatch run.
type Governor struct {
	limiter  *rate.Limiter
	interval time.Duration
}

func NewGovernor(interval time.Duration) *Governor {
	if interval <= 0 {
		return &Governor{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Governor{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// PerSecond returns a Governor allowing at most n calls per second.
func PerSecond(n int) *Governor {
	if n <= 0 {
		return NewGovernor(0)
	}
	return NewGovernor(time.Second / time.Duration(n))
}

// Throttle blocks until the next call is allowed or ctx is done.
func (g *Governor) Throttle(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

func (g *Governor) Interval() time.Duration {
	return g.interval
}
