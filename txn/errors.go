package txn

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for transaction control.
var (
	// ErrNoTransaction is returned by Commit/Rollback at depth 0.
	ErrNoTransaction = errors.New("txn: no transaction in progress")

	// ErrTimeout is returned when Commit finds the frame's timeout already
	// elapsed; the frame is rolled back instead of committed.
	ErrTimeout = errors.New("txn: transaction timed out")

	// ErrDepthCorrupted is returned when the savepoint stack disagrees with
	// the tracked depth. The session is force-reset when this surfaces.
	ErrDepthCorrupted = errors.New("txn: transaction depth corrupted")
)

// BeginError wraps a failed BEGIN or SAVEPOINT.
type BeginError struct {
	Depth int
	Err   error
}

// Error implements the error interface.
func (e *BeginError) Error() string {
	return fmt.Sprintf("txn: begin failed at depth %d: %v", e.Depth, e.Err)
}

// Unwrap returns the underlying store error.
func (e *BeginError) Unwrap() error { return e.Err }

// CommitError wraps a failed COMMIT or RELEASE SAVEPOINT.
type CommitError struct {
	Depth int
	Err   error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	return fmt.Sprintf("txn: commit failed at depth %d: %v", e.Depth, e.Err)
}

// Unwrap returns the underlying store error.
func (e *CommitError) Unwrap() error { return e.Err }

// RollbackError wraps a failed ROLLBACK or ROLLBACK TO SAVEPOINT. The session
// is force-reset to depth 0 whenever this is produced.
type RollbackError struct {
	Depth int
	Err   error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("txn: rollback failed at depth %d: %v", e.Depth, e.Err)
}

// Unwrap returns the underlying store error.
func (e *RollbackError) Unwrap() error { return e.Err }

// TimeoutError reports a frame whose budget elapsed before commit.
type TimeoutError struct {
	Elapsed time.Duration
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("txn: transaction exceeded %s budget (ran %s), rolled back", e.Timeout, e.Elapsed)
}

// Unwrap returns ErrTimeout for errors.Is support.
func (e *TimeoutError) Unwrap() error { return ErrTimeout }
