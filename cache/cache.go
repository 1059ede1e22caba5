// Package cache implements a TTL key/value cache persisted in the relational
// store itself. Backing the cache by the store rather than process memory is
// deliberate: every instance sharing the store sees the same entries, and
// entries survive restarts. The cost is a network round-trip per operation.
// Do not replace this with a local map without giving up that guarantee.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/database"
	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/store"
)

// Cache is the store-backed TTL cache. All methods are safe for concurrent
// use.
type Cache struct {
	db      *database.DB
	vendor  store.Vendor
	builder squirrel.StatementBuilderType
	log     logger.Logger

	table      string
	defaultTTL time.Duration

	stats  stats
	closed atomic.Bool

	closeCh   chan struct{}
	closeOnce sync.Once
}

// New builds a cache over the facade. When cfg.CleanupInterval is positive a
// background sweep deletes expired rows on that interval; Close stops it.
func New(db *database.DB, vendor store.Vendor, cfg config.CacheConfig, log logger.Logger) *Cache {
	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
	if vendor == store.PostgreSQL {
		builder = builder.PlaceholderFormat(squirrel.Dollar)
	}

	c := &Cache{
		db:         db,
		vendor:     vendor,
		builder:    builder,
		log:        logger.OrDisabled(log),
		table:      cfg.Table,
		defaultTTL: cfg.DefaultTTL,
		closeCh:    make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	}

	return c
}

// EnsureTable creates the cache table and its expiry index if missing.
func (c *Cache) EnsureTable(ctx context.Context) error {
	intType := "INTEGER"
	if c.vendor == store.PostgreSQL {
		intType = "BIGINT"
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at %s NOT NULL,
		updated_at %s NOT NULL,
		expires_at %s NOT NULL
	)`, c.table, intType, intType, intType)

	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s (expires_at)", c.table, c.table)

	if _, err := c.db.Exec(ctx, ddl); err != nil {
		return newOperationError("ensure_table", "", err)
	}
	if _, err := c.db.Exec(ctx, index); err != nil {
		return newOperationError("ensure_table", "", err)
	}
	return nil
}

// Get reads the entry into dest (a non-nil pointer). An expired entry is
// deleted lazily and reported as ErrNotFound; no separate existence check is
// ever made.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	raw, err := c.getRaw(ctx, key)
	if err != nil {
		return err
	}
	if err := unmarshalValue(raw, dest); err != nil {
		c.stats.errors.Add(1)
		return newOperationError("get", key, err)
	}
	return nil
}

func (c *Cache) getRaw(ctx context.Context, key string) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}

	query, args, err := c.builder.
		Select("value", "expires_at").
		From(c.table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return "", newOperationError("get", key, err)
	}

	row, err := c.db.QueryOne(ctx, query, args...)
	if errors.Is(err, database.ErrNoRows) {
		c.stats.misses.Add(1)
		return "", ErrNotFound
	}
	if err != nil {
		c.stats.errors.Add(1)
		return "", newOperationError("get", key, err)
	}

	expiresAt, _ := row["expires_at"].(int64)
	now := time.Now().UnixMilli()
	if expiresAt <= now {
		c.deleteExpired(ctx, key, now)
		c.stats.misses.Add(1)
		return "", ErrNotFound
	}

	value, _ := row["value"].(string)
	c.stats.hits.Add(1)
	return value, nil
}

// deleteExpired removes a row read past its expiry. The expires_at predicate
// keeps a concurrent Set from being clobbered.
func (c *Cache) deleteExpired(ctx context.Context, key string, now int64) {
	query, args, err := c.builder.
		Delete(c.table).
		Where(squirrel.Eq{"key": key}).
		Where(squirrel.LtOrEq{"expires_at": now}).
		ToSql()
	if err == nil {
		_, err = c.db.Exec(ctx, query, args...)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Lazy expiry delete failed")
		c.stats.errors.Add(1)
		return
	}
	c.stats.expirations.Add(1)
}

// Set upserts the entry with expires_at = now + ttl, falling back to the
// default TTL when ttl <= 0. The write is a single atomic
// insert-or-update-on-conflict, never an exists-then-write.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	serialized, err := marshalValue(value)
	if err != nil {
		c.stats.errors.Add(1)
		return newOperationError("set", key, err)
	}

	now := time.Now().UnixMilli()
	query, args, err := c.upsertStatement(key, serialized, now, now+ttl.Milliseconds())
	if err != nil {
		return newOperationError("set", key, err)
	}

	if _, err := c.db.Exec(ctx, query, args...); err != nil {
		c.stats.errors.Add(1)
		return newOperationError("set", key, err)
	}
	c.stats.sets.Add(1)
	return nil
}

// upsertStatement builds the conflict-handling insert. The ON CONFLICT form
// is shared by SQLite and PostgreSQL.
func (c *Cache) upsertStatement(key, value string, now, expiresAt int64) (string, []any, error) {
	return c.builder.
		Insert(c.table).
		Columns("key", "value", "created_at", "updated_at", "expires_at").
		Values(key, value, now, now, expiresAt).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at").
		ToSql()
}

// SetBatch upserts all entries atomically in one store batch, each with the
// same TTL. Used by warm-up so a partially applied warm set never persists.
func (c *Cache) SetBatch(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now().UnixMilli()
	expiresAt := now + ttl.Milliseconds()

	stmts := make([]store.Statement, 0, len(entries))
	for key, value := range entries {
		serialized, err := marshalValue(value)
		if err != nil {
			c.stats.errors.Add(1)
			return newOperationError("set_batch", key, err)
		}
		query, args, err := c.upsertStatement(key, serialized, now, expiresAt)
		if err != nil {
			return newOperationError("set_batch", key, err)
		}
		stmts = append(stmts, store.Statement{Query: query, Args: args})
	}

	if _, err := c.db.Batch(ctx, stmts); err != nil {
		c.stats.errors.Add(1)
		return newOperationError("set_batch", "", err)
	}
	c.stats.sets.Add(int64(len(stmts)))
	return nil
}

// Delete removes the entry. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	query, args, err := c.builder.
		Delete(c.table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return newOperationError("delete", key, err)
	}

	if _, err := c.db.Exec(ctx, query, args...); err != nil {
		c.stats.errors.Add(1)
		return newOperationError("delete", key, err)
	}
	c.stats.deletes.Add(1)
	return nil
}

// Has reports whether the key holds a live entry. Implemented via the read
// path so expiry accounting stays in one place.
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	_, err := c.getRaw(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Refresh extends a live entry's expiry without rewriting its value.
// Returns ErrNotFound when the entry is missing or already expired.
func (c *Cache) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now().UnixMilli()
	query, args, err := c.builder.
		Update(c.table).
		Set("updated_at", now).
		Set("expires_at", now+ttl.Milliseconds()).
		Where(squirrel.Eq{"key": key}).
		Where(squirrel.Gt{"expires_at": now}).
		ToSql()
	if err != nil {
		return newOperationError("refresh", key, err)
	}

	result, err := c.db.Exec(ctx, query, args...)
	if err != nil {
		c.stats.errors.Add(1)
		return newOperationError("refresh", key, err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	query, args, err := c.builder.Delete(c.table).ToSql()
	if err != nil {
		return newOperationError("clear", "", err)
	}
	result, err := c.db.Exec(ctx, query, args...)
	if err != nil {
		c.stats.errors.Add(1)
		return newOperationError("clear", "", err)
	}
	c.stats.deletes.Add(result.RowsAffected)
	return nil
}

// Cleanup deletes every expired row and returns how many were removed.
// The background sweep calls this on its interval; callers may also run it
// manually.
func (c *Cache) Cleanup(ctx context.Context) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	query, args, err := c.builder.
		Delete(c.table).
		Where(squirrel.LtOrEq{"expires_at": time.Now().UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, newOperationError("cleanup", "", err)
	}

	result, err := c.db.Exec(ctx, query, args...)
	if err != nil {
		c.stats.errors.Add(1)
		return 0, newOperationError("cleanup", "", err)
	}
	c.stats.expirations.Add(result.RowsAffected)
	return result.RowsAffected, nil
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := c.Cleanup(ctx)
			cancel()
			if err != nil && !errors.Is(err, ErrClosed) {
				c.log.Warn().Err(err).Msg("Cache cleanup sweep failed")
			} else if removed > 0 {
				c.log.Debug().Int64("removed", removed).Msg("Cache cleanup sweep")
			}
		case <-c.closeCh:
			return
		}
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return c.stats.snapshot()
}

// Close stops the background sweep. The underlying facade stays usable.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
	})
}

// Table returns the backing table name.
func (c *Cache) Table() string {
	return c.table
}
