package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound requests to a single provider backend,
// protecting shared capacity (a self-hosted vLLM cluster in particular)
// from being overwhelmed by many concurrent races.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns a limiter allowing rps requests per second with
// the given burst. rps <= 0 means unlimited, and NewRateLimiter returns nil
// in that case so adapters can hold an optional *RateLimiter field.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may proceed or ctx is done. A nil receiver is
// a no-op, matching the "unlimited" case from NewRateLimiter.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
