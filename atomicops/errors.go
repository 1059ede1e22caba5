package atomicops

import (
	"errors"
	"fmt"
)

// Sentinel errors for atomic primitives.
var (
	// ErrRecordNotFound is returned when an increment or locked update
	// matched zero rows.
	ErrRecordNotFound = errors.New("atomicops: record not found")

	// ErrOptimisticLockConflict is returned when an optimistic-locked update
	// lost the version race on every attempt. Callers should surface this to
	// the user as contention, not treat it as a bug.
	ErrOptimisticLockConflict = errors.New("atomicops: optimistic lock conflict")
)

// NotFoundError carries the table an operation failed to find a row in.
type NotFoundError struct {
	Table string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("atomicops: no matching record in %s", e.Table)
}

// Unwrap returns ErrRecordNotFound for errors.Is support.
func (e *NotFoundError) Unwrap() error { return ErrRecordNotFound }

// ConflictError reports an optimistic-lock race lost after retries.
type ConflictError struct {
	Table    string
	Attempts int
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("atomicops: optimistic lock conflict on %s after %d attempts", e.Table, e.Attempts)
}

// Unwrap returns ErrOptimisticLockConflict for errors.Is support.
func (e *ConflictError) Unwrap() error { return ErrOptimisticLockConflict }
