package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// BaseDelay is the wait after the first failure; each following wait
	// doubles it.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

func (c RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("retry base delay must not be negative, got %s", c.BaseDelay)
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// FailureRecorder is the part of a breaker the retrier reports into.
type FailureRecorder interface {
	RecordFailure()
	Reset()
}

// AttemptFunc performs one attempt. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) error

// Retrier runs an operation up to MaxAttempts times with exponential backoff,
// reporting every outcome into a breaker.
type Retrier struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRetrier(config RetryConfig) (*Retrier, error) {
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Retrier{
		config: config,
		sleep:  sleepWithContext,
	}, nil
}

// Do runs op until it succeeds or the attempt budget is spent. It returns
// (true, nil) on success and (false, nil) on exhaustion. When ctx is done it
// returns (false, ctx.Err()) without reporting the interrupted attempt to
// the breaker.
func (r *Retrier) Do(ctx context.Context, breaker FailureRecorder, op AttemptFunc) (bool, error) {
	delays := r.newBackOff()

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		err := op(ctx, attempt)
		if err == nil {
			breaker.Reset()
			return true, nil
		}

		// A failure caused by our own cancellation says nothing about the backend.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}

		breaker.RecordFailure()

		if attempt == r.config.MaxAttempts {
			break
		}

		if err := r.sleep(ctx, delays.NextBackOff()); err != nil {
			return false, err
		}
	}

	return false, nil
}

// Delays returns the waits Do would make between attempts.
func (r *Retrier) Delays() []time.Duration {
	delays := r.newBackOff()
	out := make([]time.Duration, 0, max(r.config.MaxAttempts-1, 0))
	for i := 1; i < r.config.MaxAttempts; i++ {
		out = append(out, delays.NextBackOff())
	}
	return out
}

func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.config.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.config.MaxDelay,
	}
	b.Reset()
	return b
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
