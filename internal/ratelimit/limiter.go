package ratelimit

import "context"

// RateLimiter gates dispatch calls globally. Allow consumes one slot when it
// admits; a rejection leaves the limiter untouched.
type RateLimiter interface {
	Allow(ctx context.Context) (bool, error)
}
