package domain

import "time"

// AttemptStatus is the result of a single backend delivery attempt.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "SUCCEEDED"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptSkipped   AttemptStatus = "SKIPPED"
	AttemptCanceled  AttemptStatus = "CANCELED"
)

func (s AttemptStatus) String() string { return string(s) }

// Attempt records a single delivery attempt against one backend. Skipped
// attempts (breaker open) carry Number 0 and no duration.
type Attempt struct {
	Backend   string
	Number    int
	Status    AttemptStatus
	Error     string
	Duration  time.Duration
	StartedAt time.Time
}

// Outcome is the terminal result of one dispatch call.
type Outcome string

const (
	OutcomeAlreadySent       Outcome = "ALREADY_SENT"
	OutcomeRateLimited       Outcome = "RATE_LIMITED"
	OutcomeDelivered         Outcome = "DELIVERED"
	OutcomeAllBackendsFailed Outcome = "ALL_BACKENDS_FAILED"
	OutcomeCanceled          Outcome = "CANCELED"
)

func (o Outcome) String() string { return string(o) }

// DispatchResult is what a dispatch call reports back: exactly one outcome,
// the delivering backend when Outcome is OutcomeDelivered, and every attempt
// made along the fallback chain in order.
type DispatchResult struct {
	EmailID  string
	Outcome  Outcome
	Backend  string
	Attempts []Attempt
}
