// Package datalayer wires the data-access components into a single entry
// point: configuration, logging, the connection pool, the database facade,
// the transaction manager, atomic primitives, and the store-backed cache.
// Libraries embedding individual pieces can import the subpackages directly;
// applications normally start here.
package datalayer

import (
	"context"
	"fmt"

	"github.com/gaborage/go-datalayer/atomicops"
	"github.com/gaborage/go-datalayer/cache"
	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/database"
	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/pool"
	"github.com/gaborage/go-datalayer/retry"
	"github.com/gaborage/go-datalayer/store"
	"github.com/gaborage/go-datalayer/store/postgres"
	"github.com/gaborage/go-datalayer/store/sqlite"
	"github.com/gaborage/go-datalayer/txn"
)

// DataLayer is the assembled data-access stack over one remote store.
type DataLayer struct {
	cfg *config.Config
	log logger.Logger

	pool        *pool.Pool
	db          *database.DB
	txns        *txn.Manager
	atomic      *atomicops.Operations
	cache       *cache.Cache
	invalidator *cache.Invalidator
}

// Open loads configuration from the given path (plus environment overrides)
// and assembles the stack. The connection pool is initialized eagerly so a
// misconfigured store fails here rather than on first use.
func Open(ctx context.Context, configPath string) (*DataLayer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("datalayer: failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	return New(ctx, cfg, log)
}

// New assembles the stack from an already-loaded configuration.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*DataLayer, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("datalayer: invalid config: %w", err)
	}
	log = logger.OrDisabled(log)

	factory, err := factoryFor(cfg, log)
	if err != nil {
		return nil, err
	}

	p := pool.New(cfg.Pool, factory, log)
	if err := p.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("datalayer: failed to initialize pool: %w", err)
	}

	log.Info().
		Str("vendor", cfg.Store.Vendor).
		Int("max_connections", cfg.Pool.MaxConnections).
		Msg("Data layer ready")

	db := database.New(p, log)
	policy := retry.FromConfig(cfg.Retry)

	c := cache.New(db, cfg.Store.Vendor, cfg.Cache, log)

	return &DataLayer{
		cfg:         cfg,
		log:         log,
		pool:        p,
		db:          db,
		txns:        txn.NewManager(db, log, txn.WithRetryPolicy(policy)),
		atomic:      atomicops.New(db, cfg.Store.Vendor, log, atomicops.WithRetryPolicy(policy)),
		cache:       c,
		invalidator: cache.NewInvalidator(c, cfg.Cache.LockTimeout, log),
	}, nil
}

// factoryFor selects the store client constructor for the configured vendor.
func factoryFor(cfg *config.Config, log logger.Logger) (store.Factory, error) {
	switch cfg.Store.Vendor {
	case store.SQLite:
		return func(context.Context) (store.Client, error) {
			return sqlite.New(&cfg.Store, log)
		}, nil
	case store.PostgreSQL:
		return func(context.Context) (store.Client, error) {
			return postgres.New(&cfg.Store, log)
		}, nil
	default:
		return nil, fmt.Errorf("datalayer: unsupported store vendor %q", cfg.Store.Vendor)
	}
}

// DB returns the database facade.
func (d *DataLayer) DB() *database.DB {
	return d.db
}

// Transactions returns the nested-transaction manager.
func (d *DataLayer) Transactions() *txn.Manager {
	return d.txns
}

// Atomic returns the single-statement concurrency primitives.
func (d *DataLayer) Atomic() *atomicops.Operations {
	return d.atomic
}

// Cache returns the store-backed TTL cache. Call Cache().EnsureTable once
// after opening against a fresh store.
func (d *DataLayer) Cache() *cache.Cache {
	return d.cache
}

// Invalidator returns the cache-aside coordinator.
func (d *DataLayer) Invalidator() *cache.Invalidator {
	return d.invalidator
}

// Config returns the loaded configuration.
func (d *DataLayer) Config() *config.Config {
	return d.cfg
}

// Health reports the pool's tri-state condition.
func (d *DataLayer) Health(ctx context.Context) pool.HealthReport {
	return d.pool.Health(ctx)
}

// Stats aggregates pool and cache counters for diagnostics endpoints.
func (d *DataLayer) Stats() map[string]any {
	cacheStats := d.cache.Stats()
	return map[string]any{
		"pool": d.pool.Stats(),
		"cache": map[string]any{
			"hits":        cacheStats.Hits,
			"misses":      cacheStats.Misses,
			"hit_rate":    cacheStats.HitRate(),
			"sets":        cacheStats.Sets,
			"deletes":     cacheStats.Deletes,
			"expirations": cacheStats.Expirations,
			"errors":      cacheStats.Errors,
		},
	}
}

// Close stops the cache sweeper and drains the pool, waiting for in-flight
// work until ctx expires.
func (d *DataLayer) Close(ctx context.Context) error {
	d.cache.Close()
	return d.pool.Drain(ctx)
}
