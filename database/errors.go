package database

import "errors"

// Sentinel errors for facade operations.
var (
	// ErrNoRows is returned by QueryOne when the statement matched nothing.
	ErrNoRows = errors.New("database: no rows in result")

	// ErrStatementClosed is returned when a prepared statement is used after
	// Close released its connection.
	ErrStatementClosed = errors.New("database: statement closed")
)
