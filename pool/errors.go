package pool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for pool acquisition failures.
// Use errors.Is() to check for these specific conditions.
var (
	// ErrClosed is returned when acquiring from a drained pool or releasing
	// after shutdown.
	ErrClosed = errors.New("pool: closed")

	// ErrAcquireTimeout is returned when a queued acquire's deadline fires
	// before a connection frees up.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")

	// ErrQueueOverflow is returned when the waiter queue is already at
	// MaxQueueSize. The pool fails fast rather than queueing unbounded demand.
	ErrQueueOverflow = errors.New("pool: acquire queue overflow")
)

// AcquireError wraps an acquisition failure with queue context.
type AcquireError struct {
	Reason     error
	Waited     time.Duration
	QueueDepth int
}

// Error implements the error interface.
func (e *AcquireError) Error() string {
	return fmt.Sprintf("%v (waited %s, queue depth %d)", e.Reason, e.Waited, e.QueueDepth)
}

// Unwrap returns the sentinel reason for errors.Is support.
func (e *AcquireError) Unwrap() error {
	return e.Reason
}

// CreateError wraps a store failure during connection creation.
type CreateError struct {
	Err error
}

// Error implements the error interface.
func (e *CreateError) Error() string {
	return fmt.Sprintf("pool: failed to create connection: %v", e.Err)
}

// Unwrap returns the underlying store error.
func (e *CreateError) Unwrap() error {
	return e.Err
}
