package store

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"

	"github.com/gaborage/go-datalayer/logger"
)

// Classifier maps a raw driver error to an ErrorKind. Each vendor package
// supplies one built on its driver's error codes.
type Classifier func(err error) ErrorKind

// SQLClient adapts a database/sql handle to the Client interface. The inner
// *sql.DB is pinned to a single physical connection (MaxOpenConns=1) so that
// session-scoped statements such as BEGIN and SAVEPOINT issued through
// Execute land on the same connection.
type SQLClient struct {
	db       *sql.DB
	vendor   Vendor
	classify Classifier
	log      logger.Logger
	closed   atomic.Bool
}

var _ Client = (*SQLClient)(nil)

// NewSQLClient wraps db as a single-connection store client. Ownership of db
// transfers to the client; Close closes it.
func NewSQLClient(db *sql.DB, vendor Vendor, classify Classifier, log logger.Logger) *SQLClient {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLClient{
		db:       db,
		vendor:   vendor,
		classify: classify,
		log:      logger.OrDisabled(log),
	}
}

// Execute runs a single parameterized statement. Statements that produce a
// result set are detected from their leading keyword (or a RETURNING clause)
// and executed as queries; everything else reports rows affected and, where
// the driver supports it, the last insert rowid.
func (c *SQLClient) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	if c.closed.Load() {
		return nil, NewError(KindClosed, "execute", query, ErrClosed)
	}

	if returnsRows(query) {
		rows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, c.wrap("execute", query, err)
		}
		result, err := collectRows(rows)
		if err != nil {
			return nil, c.wrap("execute", query, err)
		}
		return result, nil
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, c.wrap("execute", query, err)
	}
	return resultFromSQL(res), nil
}

// Batch runs the statements in order inside a transaction. On the first
// failure the transaction is rolled back and no results are returned.
func (c *SQLClient) Batch(ctx context.Context, stmts []Statement) ([]*Result, error) {
	if c.closed.Load() {
		return nil, NewError(KindClosed, "batch", "", ErrClosed)
	}
	if len(stmts) == 0 {
		return nil, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, c.wrap("batch", "BEGIN", err)
	}

	results := make([]*Result, 0, len(stmts))
	for _, stmt := range stmts {
		var result *Result
		if returnsRows(stmt.Query) {
			rows, qerr := tx.QueryContext(ctx, stmt.Query, stmt.Args...)
			if qerr == nil {
				result, qerr = collectRows(rows)
			}
			if qerr != nil {
				c.rollbackBatch(tx)
				return nil, c.wrap("batch", stmt.Query, qerr)
			}
		} else {
			res, xerr := tx.ExecContext(ctx, stmt.Query, stmt.Args...)
			if xerr != nil {
				c.rollbackBatch(tx)
				return nil, c.wrap("batch", stmt.Query, xerr)
			}
			result = resultFromSQL(res)
		}
		results = append(results, result)
	}

	if err := tx.Commit(); err != nil {
		return nil, c.wrap("batch", "COMMIT", err)
	}
	return results, nil
}

func (c *SQLClient) rollbackBatch(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil {
		c.log.Warn().Err(err).Str("vendor", c.vendor).Msg("Batch rollback failed")
	}
}

// Prepare compiles a statement for repeated execution.
func (c *SQLClient) Prepare(ctx context.Context, query string) (Stmt, error) {
	if c.closed.Load() {
		return nil, NewError(KindClosed, "prepare", query, ErrClosed)
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, c.wrap("prepare", query, err)
	}
	return &sqlStmt{stmt: stmt, query: query, client: c}, nil
}

// Ping probes the underlying connection.
func (c *SQLClient) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return NewError(KindClosed, "ping", "", ErrClosed)
	}
	if err := c.db.PingContext(ctx); err != nil {
		return c.wrap("ping", "", err)
	}
	return nil
}

// Close tears down the underlying connection. Subsequent calls are no-ops.
func (c *SQLClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.db.Close()
}

// Vendor reports the backing store implementation.
func (c *SQLClient) Vendor() Vendor {
	return c.vendor
}

func (c *SQLClient) wrap(op, query string, err error) error {
	kind := c.classify(err)
	if kind == KindUnknown {
		kind = Classify(err)
	}
	return NewError(kind, op, query, err)
}

// sqlStmt adapts *sql.Stmt to the Stmt interface.
type sqlStmt struct {
	stmt   *sql.Stmt
	query  string
	client *SQLClient
}

func (s *sqlStmt) Execute(ctx context.Context, args ...any) (*Result, error) {
	if s.client.closed.Load() {
		return nil, NewError(KindClosed, "execute", s.query, ErrClosed)
	}

	if returnsRows(s.query) {
		rows, err := s.stmt.QueryContext(ctx, args...)
		if err != nil {
			return nil, s.client.wrap("execute", s.query, err)
		}
		result, err := collectRows(rows)
		if err != nil {
			return nil, s.client.wrap("execute", s.query, err)
		}
		return result, nil
	}

	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return nil, s.client.wrap("execute", s.query, err)
	}
	return resultFromSQL(res), nil
}

func (s *sqlStmt) Close() error {
	return s.stmt.Close()
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(query string) bool {
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "SELECT"),
		strings.HasPrefix(upper, "WITH"),
		strings.HasPrefix(upper, "VALUES"),
		strings.HasPrefix(upper, "PRAGMA"),
		strings.HasPrefix(upper, "EXPLAIN"),
		strings.HasPrefix(upper, "SHOW"):
		return true
	case strings.Contains(upper, " RETURNING "):
		return true
	default:
		return false
	}
}

// collectRows drains rows into a Result, always closing the result set.
func collectRows(rows *sql.Rows) (*Result, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &Result{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			// Drivers hand back []byte for text columns; normalize so rows
			// survive beyond the result set's lifetime.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out.Rows == nil {
		out.Rows = []Row{}
	}
	return out, nil
}

func resultFromSQL(res sql.Result) *Result {
	out := &Result{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	// Not every driver supports this; PostgreSQL reports it via RETURNING.
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out
}
