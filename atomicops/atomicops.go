// Package atomicops implements the single-statement concurrency primitives
// higher features build on: atomic increment, compare-and-swap,
// check-and-insert, and optimistic-locked updates. Every primitive pushes
// the race into one conditional statement at the store rather than a
// read-modify-write in the application, so no explicit transaction is
// required around any of them.
package atomicops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Masterminds/squirrel"

	"github.com/gaborage/go-datalayer/database"
	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/retry"
	"github.com/gaborage/go-datalayer/store"
)

// Operations executes atomic primitives through the database facade.
type Operations struct {
	db      *database.DB
	vendor  store.Vendor
	builder squirrel.StatementBuilderType
	log     logger.Logger
	policy  retry.Policy
}

// Option customizes Operations.
type Option func(*Operations)

// WithRetryPolicy overrides the backoff used by UpdateWithOptimisticLock.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(o *Operations) { o.policy = policy }
}

// New builds the primitives for the given store vendor. The vendor selects
// the placeholder format and the conflict-handling dialect.
func New(db *database.DB, vendor store.Vendor, log logger.Logger, opts ...Option) *Operations {
	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
	if vendor == store.PostgreSQL {
		builder = builder.PlaceholderFormat(squirrel.Dollar)
	}

	o := &Operations{
		db:      db,
		vendor:  vendor,
		builder: builder,
		log:     logger.OrDisabled(log),
		policy:  retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Increment atomically adds amount (which may be negative) to a numeric
// column. The addition happens inside the UPDATE, so concurrent increments
// never lose updates. Zero rows affected means the record does not exist.
func (o *Operations) Increment(ctx context.Context, table, column string, where map[string]any, amount int64) error {
	query, args, err := o.builder.
		Update(table).
		Set(column, squirrel.Expr(column+" + ?", amount)).
		Where(squirrel.Eq(where)).
		ToSql()
	if err != nil {
		return fmt.Errorf("atomicops: failed to build increment: %w", err)
	}

	result, err := o.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Table: table}
	}
	return nil
}

// CompareAndSwap updates newValues only if every expected column still holds
// its expected value, as a single conditional UPDATE. It reports whether the
// swap happened; false means current state diverged from expected (or the
// row is gone), and nothing was changed.
func (o *Operations) CompareAndSwap(ctx context.Context, table string, where, expected, newValues map[string]any) (bool, error) {
	update := o.builder.Update(table)
	for _, col := range sortedKeys(newValues) {
		update = update.Set(col, newValues[col])
	}
	query, args, err := update.
		Where(squirrel.Eq(where)).
		Where(squirrel.Eq(expected)).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("atomicops: failed to build compare-and-swap: %w", err)
	}

	result, err := o.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return result.RowsAffected > 0, nil
}

// CheckAndInsert inserts the row only if no row with the same key exists,
// using the store's insert-or-ignore dialect as the atomic primitive. It
// reports whether the row was newly created and returns the resulting row
// either way. keyColumns name the columns (all present in insertData) that
// identify the row.
func (o *Operations) CheckAndInsert(ctx context.Context, table string, keyColumns []string, insertData map[string]any) (bool, store.Row, error) {
	columns := sortedKeys(insertData)
	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = insertData[col]
	}

	insert := o.builder.Insert(table).Columns(columns...).Values(values...)
	if o.vendor == store.PostgreSQL {
		insert = insert.Suffix("ON CONFLICT DO NOTHING")
	} else {
		insert = insert.Options("OR IGNORE")
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return false, nil, fmt.Errorf("atomicops: failed to build check-and-insert: %w", err)
	}

	result, err := o.db.Exec(ctx, query, args...)
	if err != nil {
		return false, nil, err
	}
	created := result.RowsAffected > 0

	keyWhere := make(map[string]any, len(keyColumns))
	for _, col := range keyColumns {
		keyWhere[col] = insertData[col]
	}
	selectSQL, selectArgs, err := o.builder.
		Select("*").
		From(table).
		Where(squirrel.Eq(keyWhere)).
		ToSql()
	if err != nil {
		return created, nil, fmt.Errorf("atomicops: failed to build row lookup: %w", err)
	}

	row, err := o.db.QueryOne(ctx, selectSQL, selectArgs...)
	if errors.Is(err, database.ErrNoRows) {
		// The row vanished between insert and read; report it as missing.
		return created, nil, &NotFoundError{Table: table}
	}
	if err != nil {
		return created, nil, err
	}
	return created, row, nil
}

// errVersionRace marks an optimistic update that matched zero rows because
// another writer bumped the version first. Internal; converted to a
// ConflictError once retries are exhausted.
var errVersionRace = errors.New("atomicops: version changed under optimistic update")

// UpdateWithOptimisticLock reads the current version, then updates with both
// the identity predicate and the read version in the WHERE clause, bumping
// the version column in the same statement. A lost race retries with
// exponential backoff; exhausting retries yields a ConflictError, which is a
// legitimate contention outcome rather than a failure of this layer.
func (o *Operations) UpdateWithOptimisticLock(ctx context.Context, table string, where, updates map[string]any, versionColumn string) error {
	attempts, err := retry.Do(ctx, o.policy,
		func(err error) bool { return errors.Is(err, errVersionRace) },
		func(ctx context.Context) error {
			return o.tryLockedUpdate(ctx, table, where, updates, versionColumn)
		})

	if errors.Is(err, errVersionRace) {
		o.log.Warn().
			Str("table", table).
			Int("attempts", attempts).
			Msg("Optimistic lock conflict after exhausting retries")
		return &ConflictError{Table: table, Attempts: attempts}
	}
	return err
}

func (o *Operations) tryLockedUpdate(ctx context.Context, table string, where, updates map[string]any, versionColumn string) error {
	selectSQL, selectArgs, err := o.builder.
		Select(versionColumn).
		From(table).
		Where(squirrel.Eq(where)).
		ToSql()
	if err != nil {
		return fmt.Errorf("atomicops: failed to build version read: %w", err)
	}

	row, err := o.db.QueryOne(ctx, selectSQL, selectArgs...)
	if errors.Is(err, database.ErrNoRows) {
		return &NotFoundError{Table: table}
	}
	if err != nil {
		return err
	}

	version, err := coerceInt64(row[versionColumn])
	if err != nil {
		return fmt.Errorf("atomicops: bad %s value in %s: %w", versionColumn, table, err)
	}

	update := o.builder.Update(table)
	for _, col := range sortedKeys(updates) {
		update = update.Set(col, updates[col])
	}
	query, args, err := update.
		Set(versionColumn, version+1).
		Where(squirrel.Eq(where)).
		Where(squirrel.Eq(map[string]any{versionColumn: version})).
		ToSql()
	if err != nil {
		return fmt.Errorf("atomicops: failed to build locked update: %w", err)
	}

	result, err := o.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected == 0 {
		return errVersionRace
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// coerceInt64 normalizes the numeric types drivers hand back for an integer
// column.
func coerceInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, fmt.Errorf("value is NULL")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
