package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/maildispatch/internal/backend"
	"github.com/kursadbilgin/maildispatch/internal/domain"
	"github.com/kursadbilgin/maildispatch/internal/ledger"
	"github.com/kursadbilgin/maildispatch/internal/observability"
	"github.com/kursadbilgin/maildispatch/internal/ratelimit"
	"github.com/kursadbilgin/maildispatch/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultBatchConcurrency = 8

// Options tunes the resilience policy applied to every backend.
type Options struct {
	Breaker resilience.CircuitBreakerConfig
	// BreakerOverrides replaces Breaker for the named backends.
	BreakerOverrides map[string]resilience.CircuitBreakerConfig
	Retry            resilience.RetryConfig
	BatchConcurrency int
	// Lease, when set, reserves an email ID across processes for the whole
	// dispatch. Same-process callers are always serialized in memory first.
	Lease ledger.Locker
	// Metrics may be nil.
	Metrics *observability.Metrics
}

// Dispatcher delivers each email at most once through an ordered chain of
// backends, each guarded by its own circuit breaker and retried with
// backoff. Admission is gated by the idempotency ledger and a global rate
// limiter.
type Dispatcher struct {
	backends         []backend.Backend
	breakers         *resilience.Breakers
	retrier          *resilience.Retrier
	limiter          ratelimit.RateLimiter
	ledger           ledger.Ledger
	locks            *ledger.KeyedLocker
	lease            ledger.Locker
	batchConcurrency int
	logger           *zap.Logger
	metrics          *observability.Metrics
	now              func() time.Time
}

func NewDispatcher(
	backends []backend.Backend,
	limiter ratelimit.RateLimiter,
	sentLedger ledger.Ledger,
	opts Options,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if sentLedger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	names := make([]string, 0, len(backends))
	known := make(map[string]struct{}, len(backends))
	for i, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("backend %d is nil", i)
		}
		name := b.Name()
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("backend %d has an empty name", i)
		}
		if _, dup := known[name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", name)
		}
		known[name] = struct{}{}
		names = append(names, name)
	}
	for name := range opts.BreakerOverrides {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("breaker override for unknown backend %q", name)
		}
	}

	retrier, err := resilience.NewRetrier(opts.Retry)
	if err != nil {
		return nil, err
	}

	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}

	d := &Dispatcher{
		backends:         backends,
		retrier:          retrier,
		limiter:          limiter,
		ledger:           sentLedger,
		locks:            ledger.NewKeyedLocker(),
		lease:            opts.Lease,
		batchConcurrency: opts.BatchConcurrency,
		logger:           logger,
		metrics:          opts.Metrics,
		now:              time.Now,
	}

	d.breakers, err = resilience.NewBreakers(names, opts.Breaker, opts.BreakerOverrides, d.onBreakerStateChange)
	if err != nil {
		return nil, err
	}
	for _, snap := range d.breakers.Snapshots() {
		d.metrics.SetBreakerOpen(snap.Name, snap.State == resilience.StateOpen)
	}

	logger.Info("dispatcher configured",
		zap.Strings("backends", names),
		zap.Int("retryMaxAttempts", opts.Retry.MaxAttempts),
		zap.Durations("retryDelays", retrier.Delays()),
		zap.Bool("sharedLease", opts.Lease != nil),
	)

	return d, nil
}

// Dispatch attempts delivery of email. Admission rejections, exhaustion and
// cancellation are reported through the result's Outcome; the error is
// non-nil only for invalid input or a failing ledger or limiter.
func (d *Dispatcher) Dispatch(ctx context.Context, email domain.Email) (domain.DispatchResult, error) {
	if err := email.Validate(); err != nil {
		return domain.DispatchResult{}, err
	}

	result := domain.DispatchResult{EmailID: email.ID}
	logger := observability.WithContextLogger(d.logger, ctx).With(zap.String("emailId", email.ID))

	d.metrics.IncDispatchInFlight()
	defer d.metrics.DecDispatchInFlight()

	// Same-ID dispatches queue here so only one can pass the ledger check
	// before the other observes the delivery.
	unlock, err := d.locks.Lock(ctx, email.ID)
	if err != nil {
		return d.finish(logger, result, domain.OutcomeCanceled), nil
	}
	defer unlock()

	if d.lease != nil {
		release, err := d.lease.Lock(ctx, email.ID)
		if err != nil {
			if ctx.Err() != nil {
				return d.finish(logger, result, domain.OutcomeCanceled), nil
			}
			return result, fmt.Errorf("id lease: %w", err)
		}
		defer release()
	}

	sent, err := d.ledger.Has(ctx, email.ID)
	if err != nil {
		if ctx.Err() != nil {
			return d.finish(logger, result, domain.OutcomeCanceled), nil
		}
		return result, fmt.Errorf("ledger lookup: %w", err)
	}
	if sent {
		return d.finish(logger, result, domain.OutcomeAlreadySent), nil
	}

	allowed, err := d.limiter.Allow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return d.finish(logger, result, domain.OutcomeCanceled), nil
		}
		return result, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		return d.finish(logger, result, domain.OutcomeRateLimited), nil
	}

	for _, b := range d.backends {
		name := b.Name()
		breaker := d.breakers.Get(name)

		if !breaker.CanTry() {
			result.Attempts = append(result.Attempts, domain.Attempt{
				Backend:   name,
				Status:    domain.AttemptSkipped,
				StartedAt: d.now(),
			})
			d.metrics.ObserveBackendAttempt(name, domain.AttemptSkipped.String(), 0)
			logger.Debug("circuit open, skipping backend", zap.String("backend", name))
			continue
		}

		delivered, err := d.retrier.Do(ctx, breaker, func(ctx context.Context, attempt int) error {
			return d.send(ctx, logger, b, email, attempt, &result)
		})
		if err != nil {
			return d.finish(logger, result, domain.OutcomeCanceled), nil
		}
		if !delivered {
			logger.Warn("backend exhausted, falling back", zap.String("backend", name))
			continue
		}

		result.Backend = name
		// The send already happened; record it even if the caller gave up meanwhile.
		if err := d.ledger.MarkSent(context.WithoutCancel(ctx), email.ID); err != nil {
			result = d.finish(logger, result, domain.OutcomeDelivered)
			return result, fmt.Errorf("email delivered by %s but ledger update failed: %w", name, err)
		}
		return d.finish(logger, result, domain.OutcomeDelivered), nil
	}

	return d.finish(logger, result, domain.OutcomeAllBackendsFailed), nil
}

func (d *Dispatcher) send(
	ctx context.Context,
	logger *zap.Logger,
	b backend.Backend,
	email domain.Email,
	attempt int,
	result *domain.DispatchResult,
) error {
	start := d.now()
	sendErr := b.Send(ctx, email)

	a := domain.Attempt{
		Backend:   b.Name(),
		Number:    attempt,
		Status:    domain.AttemptSucceeded,
		Duration:  d.now().Sub(start),
		StartedAt: start,
	}

	switch {
	case sendErr == nil:
	case ctx.Err() != nil:
		a.Status = domain.AttemptCanceled
		a.Error = ctx.Err().Error()
	default:
		a.Status = domain.AttemptFailed
		a.Error = sendErr.Error()
		logger.Warn("backend attempt failed",
			zap.String("backend", a.Backend),
			zap.Int("attempt", attempt),
			zap.Bool("transient", backend.IsTransient(sendErr)),
			zap.Error(sendErr),
		)
	}

	result.Attempts = append(result.Attempts, a)
	d.metrics.ObserveBackendAttempt(a.Backend, a.Status.String(), a.Duration)
	return sendErr
}

func (d *Dispatcher) finish(logger *zap.Logger, result domain.DispatchResult, outcome domain.Outcome) domain.DispatchResult {
	result.Outcome = outcome
	d.metrics.IncDispatchOutcome(outcome.String())

	fields := []zap.Field{
		zap.String("outcome", outcome.String()),
		zap.Int("attempts", len(result.Attempts)),
	}
	if result.Backend != "" {
		fields = append(fields, zap.String("backend", result.Backend))
	}

	switch outcome {
	case domain.OutcomeAllBackendsFailed:
		logger.Error("dispatch failed on every backend", fields...)
	case domain.OutcomeDelivered:
		logger.Info("email delivered", fields...)
	default:
		logger.Info("dispatch finished", fields...)
	}

	return result
}

// BatchItem is the result of one email within DispatchBatch.
type BatchItem struct {
	Result domain.DispatchResult
	Err    error
}

// DispatchBatch dispatches emails concurrently with a bounded number of
// workers. Items are returned in input order; one failure does not affect
// the others.
func (d *Dispatcher) DispatchBatch(ctx context.Context, emails []domain.Email) []BatchItem {
	items := make([]BatchItem, len(emails))

	var g errgroup.Group
	g.SetLimit(d.batchConcurrency)
	for i := range emails {
		g.Go(func() error {
			result, err := d.Dispatch(ctx, emails[i])
			items[i] = BatchItem{Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return items
}

// IsSent reports whether id has been delivered.
func (d *Dispatcher) IsSent(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	sent, err := d.ledger.Has(ctx, id)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return sent, nil
}

// BackendNames returns the fallback order.
func (d *Dispatcher) BackendNames() []string {
	names := make([]string, 0, len(d.backends))
	for _, b := range d.backends {
		names = append(names, b.Name())
	}
	return names
}

func (d *Dispatcher) onBreakerStateChange(name string, from, to resilience.State) {
	if to == resilience.StateOpen {
		d.logger.Warn("circuit breaker opened", zap.String("backend", name), zap.String("from", from.String()))
	} else {
		d.logger.Info("circuit breaker closed", zap.String("backend", name), zap.String("from", from.String()))
	}
	d.metrics.SetBreakerOpen(name, to == resilience.StateOpen)
}
