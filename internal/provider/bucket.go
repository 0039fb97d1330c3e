package provider

import (
	"context"
	"math"

	"golang.org/x/time/rate"

	"github.com/rendis/agentsim/pkg/schema"
)

// TokenBucket is a thread-safe rate limiter: refill rate r tokens/sec up to
// a fixed capacity, with a blocking Acquire. Built on golang.org/x/time/rate,
// which refills on demand as a pure function of elapsed wall time.
type TokenBucket struct {
	limiter *rate.Limiter
	burst   int
}

// NewTokenBucket creates a bucket with the given refill rate and capacity.
// The bucket starts full.
func NewTokenBucket(ratePerSec, capacity float64) (*TokenBucket, error) {
	if ratePerSec <= 0 || capacity <= 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "token bucket rate and capacity must be positive")
	}
	burst := int(math.Ceil(capacity))
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		burst:   burst,
	}, nil
}

// Acquire blocks until n tokens are available and consumes them. It never
// fails: waits are bounded by capacity/rate, and requests larger than the
// capacity are clamped to it.
func (b *TokenBucket) Acquire(n int) {
	if n <= 0 {
		return
	}
	if n > b.burst {
		n = b.burst
	}
	// context.Background never cancels, so WaitN only returns nil here.
	_ = b.limiter.WaitN(context.Background(), n)
}
