package apiclient

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outgoing API calls so the dashboard backs off before
// the server starts answering 429. Limits can be changed at runtime, also
// while callers are waiting; rate.Limiter does its own locking.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns nil when rps is not positive, meaning unlimited.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a call is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	return rl.limiter.Wait(ctx)
}

// UpdateLimits adjusts rate and burst, e.g. after the server signalled 429.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	if rl == nil {
		return
	}
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
