package backend

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/maildispatch/internal/domain"
	"go.uber.org/zap"
)

// FailureStrategy decides whether a simulated send fails.
type FailureStrategy interface {
	Fail() bool
}

type failureRate struct {
	rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// FailureRate fails each call independently with probability rate.
func FailureRate(rate float64, seed uint64) (FailureStrategy, error) {
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("failure rate must be within [0,1], got %v", rate)
	}
	return &failureRate{
		rate: rate,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (f *failureRate) Fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64() < f.rate
}

type constant bool

func (c constant) Fail() bool { return bool(c) }

// AlwaysFail fails every call.
func AlwaysFail() FailureStrategy { return constant(true) }

// NeverFail succeeds on every call.
func NeverFail() FailureStrategy { return constant(false) }

type sequence struct {
	mu    sync.Mutex
	steps []bool
	next  int
}

// Sequence replays steps in order (true = fail). Calls past the end
// succeed.
func Sequence(steps ...bool) FailureStrategy {
	return &sequence{steps: append([]bool(nil), steps...)}
}

func (s *sequence) Fail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.steps) {
		return false
	}
	fail := s.steps[s.next]
	s.next++
	return fail
}

// Simulated is an in-process backend that fails according to a strategy.
// It stands in for real providers in demos and tests.
type Simulated struct {
	name     string
	strategy FailureStrategy
	latency  time.Duration
	logger   *zap.Logger

	calls     atomic.Int64
	delivered atomic.Int64
}

func NewSimulated(name string, strategy FailureStrategy, latency time.Duration, logger *zap.Logger) (*Simulated, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("backend name is required")
	}
	if strategy == nil {
		return nil, fmt.Errorf("failure strategy is required")
	}
	if latency < 0 {
		return nil, fmt.Errorf("latency must not be negative, got %s", latency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Simulated{
		name:     name,
		strategy: strategy,
		latency:  latency,
		logger:   logger,
	}, nil
}

func (s *Simulated) Name() string {
	return s.name
}

func (s *Simulated) Send(ctx context.Context, email domain.Email) error {
	s.calls.Add(1)

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if s.strategy.Fail() {
		return &BackendError{
			Backend:   s.name,
			Message:   "simulated failure",
			Transient: true,
		}
	}

	s.delivered.Add(1)
	s.logger.Debug("simulated backend sent email",
		zap.String("backend", s.name),
		zap.String("emailId", email.ID),
		zap.String("to", email.To),
	)
	return nil
}

// Calls returns how many times Send was invoked.
func (s *Simulated) Calls() int64 {
	return s.calls.Load()
}

// Delivered returns how many sends succeeded.
func (s *Simulated) Delivered() int64 {
	return s.delivered.Load()
}
