// Package queue adapts at-least-once brokers to the worker protocol. A
// delivery that is not acknowledged within the visibility timeout is handed
// out again, so consumers must tolerate duplicates.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultVisibilityTimeout bounds how long a delivery stays hidden from
// other consumers before it is redelivered.
const DefaultVisibilityTimeout = 10 * time.Minute

var (
	// ErrEmpty is returned by Dequeue when no message is ready.
	ErrEmpty = errors.New("queue empty")

	// ErrUnknownReceipt is returned by Ack and Nack when the receipt does not
	// name an in-flight delivery, typically because it expired and was redelivered.
	ErrUnknownReceipt = errors.New("unknown delivery receipt")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Delivery is one hand-out of a queued run ID.
type Delivery struct {
	RunID   string
	Receipt string
}

// Queue is a broker of run IDs.
type Queue interface {
	// Enqueue makes runID available for delivery after delay.
	Enqueue(ctx context.Context, runID string, delay time.Duration) error
	// Dequeue returns the next ready delivery or ErrEmpty. It does not block
	// waiting for messages.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, receipt string) error
	// Nack returns a delivered message to the queue for immediate redelivery.
	Nack(ctx context.Context, receipt string) error
	Close() error
}
