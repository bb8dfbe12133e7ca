package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-side rate limiting. Every attempt,
// retries included, takes one token.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained request rate.
	RequestsPerSecond float64

	// Burst is the maximum number of requests allowed in a burst.
	Burst int

	// WaitOnLimit makes calls wait for a token, bounded by their context.
	// If false, calls fail immediately with ErrRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns 100 requests per second with a burst of
// 10, waiting for tokens.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

type rateLimiter struct {
	limiter *rate.Limiter
	wait    bool
}

// newRateLimiter returns nil when rate limiting is disabled.
func newRateLimiter(cfg *RateLimitConfig) *rateLimiter {
	if cfg == nil || cfg.RequestsPerSecond <= 0 {
		return nil
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		wait:    cfg.WaitOnLimit,
	}
}

// acquire takes one token. A finished context is returned as is; any other
// refusal is ErrRateLimited.
func (l *rateLimiter) acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}

	if !l.wait {
		if !l.limiter.Allow() {
			return ErrRateLimited
		}
		return nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Wait fails early when the deadline cannot be met.
		return ErrRateLimited
	}
	return nil
}
