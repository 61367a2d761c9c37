package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/maildispatch/internal/ledger"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLeasePrefix = "lease:dispatch:"
	defaultLeaseTTL    = time.Minute
	defaultLeasePoll   = 25 * time.Millisecond
)

// Only the holder's token may extend or drop a lease.
var (
	renewLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

var _ ledger.Locker = (*LeaseLocker)(nil)

// LeaseLocker reserves an email ID across every replica sharing the Redis
// instance. A held lease is renewed every ttl/3 until released, so a crashed
// holder frees the ID after at most ttl.
type LeaseLocker struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewLeaseLocker(client *goredis.Client, prefix string, ttl time.Duration) (*LeaseLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl < 0 {
		return nil, fmt.Errorf("lease ttl must not be negative, got %s", ttl)
	}
	if ttl == 0 {
		ttl = defaultLeaseTTL
	}
	if ttl < 3*time.Millisecond {
		return nil, fmt.Errorf("lease ttl must be at least 3ms, got %s", ttl)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultLeasePrefix
	}

	return &LeaseLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   defaultLeasePoll,
	}, nil
}

// Lock polls until the lease for key is acquired or ctx is done. The
// returned func stops renewal and drops the lease; it must be called once.
func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire lease: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(renewCtx, redisKey, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done

			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.ttl)
			defer cancel()
			_ = releaseLeaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}

func (l *LeaseLocker) renew(ctx context.Context, key, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed renewal is retried on the next tick.
			_ = renewLeaseScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Err()
		}
	}
}
