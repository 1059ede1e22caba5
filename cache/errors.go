package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cache operations.
// Use errors.Is() to check for these specific error conditions.
var (
	// ErrNotFound is returned when a cache key doesn't exist or has expired.
	// This is not a fatal error - callers should handle misses gracefully.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("cache: closed")

	// ErrLockTimeout is returned by GetOrFetch when the per-key mutex could
	// not be acquired within the configured lock timeout.
	ErrLockTimeout = errors.New("cache: fetch lock wait timed out")
)

// OperationError wraps a store failure during a cache operation.
type OperationError struct {
	Op  string // operation that failed (e.g. "get", "set", "cleanup")
	Key string // cache key involved, empty for bulk operations
	Err error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache: %s failed for key %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("cache: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	return e.Err
}

func newOperationError(op, key string, err error) *OperationError {
	return &OperationError{Op: op, Key: key, Err: err}
}
