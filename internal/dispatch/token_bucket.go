package dispatch

import (
	"context"

	"golang.org/x/time/rate"
)

// TokenBucket shapes dispatcher traffic: a single bucket capped at burst,
// refilled at perSec tokens per second.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(perSec float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Acquire deducts n tokens non-blockingly. Returns false when the bucket
// holds fewer than n.
func (b *TokenBucket) Acquire(n int) bool {
	return b.limiter.AllowN(nowFunc(), n)
}

// AcquireWait blocks until n tokens are available or ctx's deadline
// expires, returning false on deadline or cancellation.
func (b *TokenBucket) AcquireWait(ctx context.Context, n int) bool {
	return b.limiter.WaitN(ctx, n) == nil
}
