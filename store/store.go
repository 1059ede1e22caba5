// Package store defines the contract between the data-access layer and the
// underlying relational store. The pool, transaction manager, cache, and
// atomic primitives all speak to the store exclusively through the Client
// interface, which keeps them vendor-agnostic and easy to fake in tests.
package store

import (
	"context"
)

// Vendor identifies a concrete store implementation.
type Vendor = string

const (
	SQLite     Vendor = "sqlite"
	PostgreSQL Vendor = "postgresql"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Result carries the outcome of a single statement execution.
// Rows is nil for statements that do not return a result set.
type Result struct {
	Rows         []Row
	RowsAffected int64
	LastInsertID int64
}

// Statement pairs a parameterized query with its arguments for batching.
type Statement struct {
	Query string
	Args  []any
}

// Stmt is a prepared statement bound to its originating client.
type Stmt interface {
	Execute(ctx context.Context, args ...any) (*Result, error)
	Close() error
}

// Client executes parameterized statements against the remote store.
// A Client represents a single logical connection: statements issued through
// it are serialized onto one physical session, which is what makes
// BEGIN/SAVEPOINT sequences issued by the transaction manager coherent.
//
// Implementations must surface failures as *Error so callers can classify
// them for retry decisions without string matching.
type Client interface {
	// Execute runs a single parameterized statement and returns its result.
	Execute(ctx context.Context, query string, args ...any) (*Result, error)

	// Batch runs the statements in order inside an implicit transaction and
	// returns one result per statement. A failure rolls the batch back.
	Batch(ctx context.Context, stmts []Statement) ([]*Result, error)

	// Prepare compiles a statement for repeated execution.
	Prepare(ctx context.Context, query string) (Stmt, error)

	// Ping is a cheap liveness probe used by the pool before handing the
	// connection out.
	Ping(ctx context.Context) error

	// Close tears down the underlying session.
	Close() error

	// Vendor reports which store implementation backs this client.
	Vendor() Vendor
}

// Factory creates a fresh Client. The pool owns every client a factory
// produces and is the only component allowed to close them.
type Factory func(ctx context.Context) (Client, error)
