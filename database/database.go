// Package database exposes the facade every higher component uses to reach
// the store: Query, QueryOne, Exec, Batch, and Prepare over pooled
// connections, with per-shape query metrics collected on every call.
package database

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/pool"
	"github.com/gaborage/go-datalayer/store"
)

// DB is the database facade. All methods are safe for concurrent use; each
// call borrows a pooled connection for its duration.
type DB struct {
	pool    *pool.Pool
	log     logger.Logger
	metrics *QueryMetrics
}

// New wraps the pool in a facade.
func New(p *pool.Pool, log logger.Logger) *DB {
	log = logger.OrDisabled(log)
	return &DB{
		pool:    p,
		log:     log,
		metrics: NewQueryMetrics(log),
	}
}

// Metrics exposes the facade's query statistics registry.
func (db *DB) Metrics() *QueryMetrics {
	return db.metrics
}

// Pool exposes the underlying connection pool for health checks and drain.
func (db *DB) Pool() *pool.Pool {
	return db.pool
}

// Query runs a statement expected to return rows.
func (db *DB) Query(ctx context.Context, query string, args ...any) ([]store.Row, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Release(conn)

	start := time.Now()
	result, err := conn.Client().Execute(ctx, query, args...)
	db.metrics.Record(query, time.Since(start), rowCount(result), err)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// QueryOne runs a statement and returns its first row, or ErrNoRows when the
// result set is empty.
func (db *DB) QueryOne(ctx context.Context, query string, args ...any) (store.Row, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// Exec runs a statement that does not return rows.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (*store.Result, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Release(conn)

	start := time.Now()
	result, err := conn.Client().Execute(ctx, query, args...)
	db.metrics.Record(query, time.Since(start), rowsAffected(result), err)
	return result, err
}

// Batch runs the statements atomically on a single connection.
func (db *DB) Batch(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	if len(stmts) == 0 {
		return nil, nil
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Release(conn)

	start := time.Now()
	results, err := conn.Client().Batch(ctx, stmts)
	db.metrics.Record("BATCH", time.Since(start), int64(len(stmts)), err)
	return results, err
}

// WithConn runs fn with exclusive use of one pooled connection. The
// transaction manager relies on this to keep BEGIN/SAVEPOINT sequences on a
// single session.
func (db *DB) WithConn(ctx context.Context, fn func(ctx context.Context, client store.Client) error) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Release(conn)

	return fn(ctx, conn.Client())
}

// Prepare compiles a statement and pins its connection until Close.
func (db *DB) Prepare(ctx context.Context, query string) (*PreparedStatement, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	stmt, err := conn.Client().Prepare(ctx, query)
	if err != nil {
		db.pool.Release(conn)
		return nil, err
	}

	return &PreparedStatement{db: db, conn: conn, stmt: stmt, query: query}, nil
}

// PreparedStatement holds a compiled statement and the pooled connection it
// is bound to. Close releases both; forgetting to close leaks a connection
// until the pool drains.
type PreparedStatement struct {
	db     *DB
	conn   *pool.Connection
	stmt   store.Stmt
	query  string
	closed atomic.Bool
}

// Execute runs the prepared statement with the given arguments.
func (ps *PreparedStatement) Execute(ctx context.Context, args ...any) (*store.Result, error) {
	if ps.closed.Load() {
		return nil, ErrStatementClosed
	}

	start := time.Now()
	result, err := ps.stmt.Execute(ctx, args...)
	ps.db.metrics.Record(ps.query, time.Since(start), rowsAffected(result), err)
	return result, err
}

// Close closes the statement and returns its connection to the pool.
func (ps *PreparedStatement) Close() error {
	if !ps.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := ps.stmt.Close()
	ps.db.pool.Release(ps.conn)
	return err
}

func rowCount(result *store.Result) int64 {
	if result == nil {
		return 0
	}
	return int64(len(result.Rows))
}

func rowsAffected(result *store.Result) int64 {
	if result == nil {
		return 0
	}
	return result.RowsAffected
}
