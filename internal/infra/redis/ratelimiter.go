package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/maildispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLimiterKey = "ratelimit:dispatch"

// The window is a sorted set scored by admission time in milliseconds.
// Entries at or before now-interval are dropped before counting.
var allowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - interval)
if redis.call("ZCARD", KEYS[1]) >= limit then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], interval)
return 1
`)

var _ ratelimit.RateLimiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter is the global dispatch limiter shared by every
// replica pointed at the same Redis key.
type SlidingWindowLimiter struct {
	client   *goredis.Client
	key      string
	limit    int64
	interval time.Duration
	now      func() time.Time
	script   *goredis.Script
}

func NewSlidingWindowLimiter(client *goredis.Client, key string, limit int, interval time.Duration) (*SlidingWindowLimiter, error) {
	return newSlidingWindowLimiter(client, key, int64(limit), interval, time.Now)
}

func newSlidingWindowLimiter(
	client *goredis.Client,
	key string,
	limit int64,
	interval time.Duration,
	nowFn func() time.Time,
) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if interval < time.Millisecond {
		return nil, fmt.Errorf("rate limit interval must be at least 1ms, got %s", interval)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultLimiterKey
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &SlidingWindowLimiter{
		client:   client,
		key:      key,
		limit:    limit,
		interval: interval,
		now:      nowFn,
		script:   allowScript,
	}, nil
}

func (r *SlidingWindowLimiter) Allow(ctx context.Context) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	nowMillis := r.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMillis, uuid.NewString())

	result, err := r.script.Run(ctx, r.client, []string{r.key},
		nowMillis,
		r.interval.Milliseconds(),
		r.limit,
		member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}
