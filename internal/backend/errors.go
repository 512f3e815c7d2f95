package backend

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/seantiz/conductor/internal/model"
)

// ExecutionError is a failed attempt reported by a workflow engine. Err is
// the underlying cause, if any.
type ExecutionError struct {
	Kind       model.FailureKind
	Detail     string
	StatusCode int
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s execution error (status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s execution error: %s", e.Kind, e.Detail)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Transient returns an ExecutionError that is worth retrying.
func Transient(detail string) *ExecutionError {
	return &ExecutionError{Kind: model.FailureTransient, Detail: detail}
}

// Permanent returns an ExecutionError that must not be retried.
func Permanent(detail string) *ExecutionError {
	return &ExecutionError{Kind: model.FailurePermanent, Detail: detail}
}

// Classify reports whether err is transient or permanent. Deadlines and
// network timeouts are transient. Errors that carry no classification are
// treated as transient.
func Classify(err error) model.FailureKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Kind == model.FailurePermanent {
		return model.FailurePermanent
	}
	return model.FailureTransient
}

// IsTimeout reports whether err was caused by a deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
