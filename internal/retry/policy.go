// Package retry decides whether a failed run attempt is requeued or given up.
// The policy is a pure function of the attempt count and failure kind.
package retry

import (
	"time"

	"github.com/seantiz/conductor/internal/model"
)

// Defaults applied by DefaultPolicy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// Action is the outcome of a retry decision.
type Action int

const (
	// GiveUp moves the run to its terminal failed state.
	GiveUp Action = iota
	// Requeue returns the run to pending and redelivers it after Delay.
	Requeue
)

func (a Action) String() string {
	if a == Requeue {
		return "requeue"
	}
	return "give_up"
}

// Decision is returned by Policy.Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy bounds retries of transient failures with capped exponential backoff.
// MaxAttempts counts total attempts, including the first.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns 3 total attempts, 30s base delay and a 5m ceiling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Decide returns what to do after attempt number attempt (1-indexed) failed
// with the given kind. Permanent failures never retry. An empty kind is
// treated as transient.
func (p Policy) Decide(attempt int, kind model.FailureKind) Decision {
	if kind == model.FailurePermanent {
		return Decision{Action: GiveUp}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Action: GiveUp}
	}
	return Decision{Action: Requeue, Delay: p.Backoff(attempt)}
}

// Backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
// The result is non-decreasing in attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
