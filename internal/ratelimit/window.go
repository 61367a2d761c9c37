package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ RateLimiter = (*SlidingWindow)(nil)

// SlidingWindow admits at most limit calls within any trailing interval.
// Admitted timestamps are kept in arrival order and pruned lazily on Allow.
type SlidingWindow struct {
	limit    int
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

func NewSlidingWindow(limit int, interval time.Duration) (*SlidingWindow, error) {
	return newSlidingWindow(limit, interval, time.Now)
}

func newSlidingWindow(limit int, interval time.Duration, nowFn func() time.Time) (*SlidingWindow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("rate limit interval must be positive, got %s", interval)
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &SlidingWindow{
		limit:    limit,
		interval: interval,
		now:      nowFn,
		stamps:   make([]time.Time, 0, limit),
	}, nil
}

func (w *SlidingWindow) Allow(ctx context.Context) (bool, error) {
	if w == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if len(w.stamps) >= w.limit {
		return false, nil
	}

	w.stamps = append(w.stamps, now)
	return true, nil
}

// Remaining reports how many admissions are currently available.
func (w *SlidingWindow) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return w.limit - len(w.stamps)
}

// pruneLocked drops timestamps that are interval or more behind now.
func (w *SlidingWindow) pruneLocked(now time.Time) {
	keep := 0
	for keep < len(w.stamps) && now.Sub(w.stamps[keep]) >= w.interval {
		keep++
	}
	if keep == 0 {
		return
	}

	n := copy(w.stamps, w.stamps[keep:])
	w.stamps = w.stamps[:n]
}
