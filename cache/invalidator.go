package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"golang.org/x/sync/errgroup"

	"github.com/gaborage/go-datalayer/internal/keymutex"
	"github.com/gaborage/go-datalayer/logger"
)

// batchConcurrency bounds how many store mutations BatchInvalidate runs at
// once.
const batchConcurrency = 8

// FetchFunc loads the authoritative value for a key on a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// MutateFunc performs the store-side mutation for an atomic cache update.
type MutateFunc func(ctx context.Context) error

// Invalidator orchestrates cache-aside reads with stampede prevention and
// fail-safe cache invalidation around store mutations.
type Invalidator struct {
	cache       *Cache
	locks       *keymutex.KeyedMutex
	log         logger.Logger
	lockTimeout time.Duration
}

// NewInvalidator builds an invalidator over the cache. lockTimeout bounds
// how long a GetOrFetch caller waits for the per-key fetch lock.
func NewInvalidator(cache *Cache, lockTimeout time.Duration, log logger.Logger) *Invalidator {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Invalidator{
		cache:       cache,
		locks:       keymutex.New(),
		log:         logger.OrDisabled(log),
		lockTimeout: lockTimeout,
	}
}

// GetOrFetch implements cache-aside with stampede prevention. On a miss it
// takes the key's mutex, re-checks the cache under the lock, and only fetches
// if the entry is still missing. Concurrent callers for the same missing key
// therefore trigger exactly one fetch; the losers read the winner's freshly
// cached value. dest must be a non-nil pointer.
func (inv *Invalidator) GetOrFetch(ctx context.Context, key string, dest any, fetch FetchFunc, ttl time.Duration) error {
	err := inv.cache.Get(ctx, key, dest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		// A broken cache read degrades to a fetch rather than failing the
		// caller outright.
		inv.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, falling through to fetch")
	}

	lockCtx, cancel := context.WithTimeout(ctx, inv.lockTimeout)
	defer cancel()

	unlock, err := inv.locks.Lock(lockCtx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up, not the lock.
			return fmt.Errorf("cache: lock wait for %s interrupted: %w", key, ctxErr)
		}
		return fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, err)
	}
	defer unlock()

	// Double-check: the previous holder may have populated the entry while
	// this caller waited.
	err = inv.cache.Get(ctx, key, dest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		inv.log.Warn().Err(err).Str("key", key).Msg("Cache re-check failed under lock")
	}

	value, err := fetch(ctx)
	if err != nil {
		return err
	}

	if err := inv.cache.Set(ctx, key, value, ttl); err != nil {
		// The fetched value is still good; serve it and leave the entry
		// missing for the next caller to populate.
		inv.log.Warn().Err(err).Str("key", key).Msg("Failed to cache fetched value")
	}

	return assign(value, dest)
}

// UpdateAtomic runs the store mutation and, only on success, refreshes the
// cache entry with newValue. Any failure deletes the cache key so a stale
// value can never be served; the original error is what propagates.
func (inv *Invalidator) UpdateAtomic(ctx context.Context, key string, mutate MutateFunc, newValue any, ttl time.Duration) error {
	if err := mutate(ctx); err != nil {
		inv.invalidate(ctx, key, "store mutation failed")
		return err
	}

	if err := inv.cache.Set(ctx, key, newValue, ttl); err != nil {
		inv.invalidate(ctx, key, "cache write after mutation failed")
		return err
	}
	return nil
}

// DeleteAtomic runs the store mutation and removes the cache entry. The
// entry is removed even when the mutation fails, trading a spurious miss for
// never serving data the failed mutation may have touched.
func (inv *Invalidator) DeleteAtomic(ctx context.Context, key string, mutate MutateFunc) error {
	mutateErr := mutate(ctx)

	if err := inv.cache.Delete(ctx, key); err != nil {
		if mutateErr != nil {
			inv.log.Error().Err(err).Str("key", key).Msg("Cache delete after failed mutation also failed")
			return mutateErr
		}
		return err
	}
	return mutateErr
}

// InvalidatePattern deletes every entry whose key matches the glob, where
// '*' matches any run of characters. Returns how many entries were removed.
func (inv *Invalidator) InvalidatePattern(ctx context.Context, glob string) (int64, error) {
	pattern := globToLike(glob)

	query, args, err := inv.cache.builder.
		Delete(inv.cache.table).
		Where(squirrel.Expr("key LIKE ? ESCAPE '\\'", pattern)).
		ToSql()
	if err != nil {
		return 0, newOperationError("invalidate_pattern", glob, err)
	}

	result, err := inv.cache.db.Exec(ctx, query, args...)
	if err != nil {
		inv.cache.stats.errors.Add(1)
		return 0, newOperationError("invalidate_pattern", glob, err)
	}
	inv.cache.stats.deletes.Add(result.RowsAffected)
	return result.RowsAffected, nil
}

// BatchInvalidate runs one mutation per key with bounded concurrency and
// deletes each key's cache entry afterward, whether or not its mutation
// succeeded. The first mutation error is returned once all keys have been
// processed.
func (inv *Invalidator) BatchInvalidate(ctx context.Context, keys []string, mutate func(ctx context.Context, key string) error) error {
	// A plain group, not WithContext: one key's failure must not cancel the
	// other keys' mutations or their fail-safe deletes.
	var g errgroup.Group
	g.SetLimit(batchConcurrency)

	for _, key := range keys {
		g.Go(func() error {
			mutateErr := mutate(ctx, key)
			if mutateErr != nil {
				inv.invalidate(ctx, key, "batch mutation failed")
				return mutateErr
			}
			if err := inv.cache.Delete(ctx, key); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// WarmUp seeds the cache with the given entries in one atomic batch.
func (inv *Invalidator) WarmUp(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	if err := inv.cache.SetBatch(ctx, entries, ttl); err != nil {
		inv.log.Error().Err(err).Int("entries", len(entries)).Msg("Cache warm-up failed")
		return err
	}
	inv.log.Info().Int("entries", len(entries)).Msg("Cache warmed up")
	return nil
}

// invalidate is the fail-safe delete: errors are logged, never propagated,
// so the caller's original error survives.
func (inv *Invalidator) invalidate(ctx context.Context, key, reason string) {
	if err := inv.cache.Delete(ctx, key); err != nil {
		inv.log.Error().
			Err(err).
			Str("key", key).
			Str("reason", reason).
			Msg("Fail-safe cache invalidation failed")
	}
}

// globToLike translates a '*' glob into a LIKE pattern, escaping the LIKE
// metacharacters that may appear literally in keys.
func globToLike(glob string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(glob)
	return strings.ReplaceAll(escaped, "*", "%")
}

// assign copies a fetched value into dest via the cache codec, matching
// exactly what a later cache hit would produce.
func assign(value, dest any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	return unmarshalValue(data, dest)
}
