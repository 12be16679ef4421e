package relay

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/opd-ai/veil/internal/verrors"
)

// RateLimiter bounds the rate at which a relay session may consume bytes
// from either direction, per the design's RateLimitExceeded error kind
// ("caller suspends until tokens refill"). It wraps x/time/rate's token
// bucket directly rather than hand-rolling one.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter refilling at bytesPerSecond with a burst
// ceiling of burstBytes. A non-positive bytesPerSecond disables limiting.
func NewRateLimiter(bytesPerSecond float64, burstBytes int) *RateLimiter {
	if bytesPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, burstBytes)}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes)}
}

// WaitN blocks until n bytes' worth of tokens are available or ctx is
// cancelled.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if err := r.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("%w: %v", verrors.ErrRateLimitExceeded, err)
	}
	return nil
}
