package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned when a statement is issued on a closed client.
var ErrClosed = errors.New("store: client closed")

// ErrorKind classifies store failures for retry decisions. Concrete clients
// assign kinds from driver error codes; Classify falls back to message
// matching only for errors that never passed through a client.
type ErrorKind int

const (
	// KindUnknown covers errors the client could not classify.
	KindUnknown ErrorKind = iota

	// KindBusy indicates the store rejected the statement because it was
	// locked or overloaded. Retryable.
	KindBusy

	// KindDeadlock indicates the store aborted the session to break a
	// deadlock or serialization conflict. Retryable after resetting
	// transaction state.
	KindDeadlock

	// KindConstraint indicates a unique/check/foreign-key violation.
	KindConstraint

	// KindNetwork indicates the connection to the store failed. Retryable
	// on a fresh connection.
	KindNetwork

	// KindClosed indicates the client was already closed.
	KindClosed
)

// String returns the kind's lowercase name.
func (k ErrorKind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindDeadlock:
		return "deadlock"
	case KindConstraint:
		return "constraint"
	case KindNetwork:
		return "network"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error wraps a driver failure with its classification and operation context.
// The wrapped query is truncated and never includes bound arguments or
// connection credentials.
type Error struct {
	Kind  ErrorKind
	Op    string // operation that failed, e.g. "execute", "batch", "prepare"
	Query string // truncated statement text
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("store: %s failed (%s): %v [%s]", e.Op, e.Kind, e.Err, e.Query)
	}
	return fmt.Sprintf("store: %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified store error. query is truncated to keep log
// lines bounded.
func NewError(kind ErrorKind, op, query string, err error) *Error {
	return &Error{Kind: kind, Op: op, Query: truncateQuery(query), Err: err}
}

const maxQueryLen = 200

func truncateQuery(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > maxQueryLen {
		return query[:maxQueryLen] + "..."
	}
	return query
}

// Classify returns the error's kind. Errors produced by a Client carry their
// kind explicitly; anything else falls through to conservative message
// matching so that bare driver errors still retry sensibly.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	if errors.Is(err, ErrClosed) {
		return KindClosed
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"), strings.Contains(msg, "serialization"):
		return KindDeadlock
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "busy"):
		return KindBusy
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "i/o timeout"):
		return KindNetwork
	case strings.Contains(msg, "constraint"),
		strings.Contains(msg, "unique"),
		strings.Contains(msg, "duplicate key"):
		return KindConstraint
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the error is transient enough to retry with
// backoff. Deadlocks additionally require the caller to reset any open
// transaction first.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindBusy, KindDeadlock, KindNetwork:
		return true
	default:
		return false
	}
}
