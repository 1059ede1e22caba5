// Package txn provides the nested-transaction manager: BEGIN/SAVEPOINT
// stacks per session, timeout-aware commits, forced depth recovery, and
// deadlock-aware retry on top of the database facade.
package txn

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gaborage/go-datalayer/database"
	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/retry"
	"github.com/gaborage/go-datalayer/store"
)

// DefaultTransactionTimeout bounds a frame when the caller sets none.
const DefaultTransactionTimeout = 30 * time.Second

// Manager creates transaction sessions over pooled connections. Each session
// owns exactly one connection for its lifetime, so savepoint stacks never
// interleave across callers.
type Manager struct {
	db     *database.DB
	log    logger.Logger
	policy retry.Policy

	defaultTimeout       time.Duration
	depthInconsistencies atomic.Int64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the backoff used by ExecuteWithRetry.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(m *Manager) { m.policy = policy }
}

// WithDefaultTimeout overrides the per-frame budget applied by Begin.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// NewManager builds a transaction manager on top of the facade.
func NewManager(db *database.DB, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		db:             db,
		log:            logger.OrDisabled(log),
		policy:         retry.DefaultPolicy(),
		defaultTimeout: DefaultTransactionTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DepthInconsistencies reports how many times a session had to be
// force-reset. A non-zero value indicates rollback failures or corrupted
// stacks and deserves investigation even though every incident was recovered.
func (m *Manager) DepthInconsistencies() int64 {
	return m.depthInconsistencies.Load()
}

// WithSession runs fn with a fresh session bound to one pooled connection.
// Any transaction left open by fn is recovered before the connection returns
// to the pool, so a leaked frame can never poison the next borrower.
func (m *Manager) WithSession(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return m.db.WithConn(ctx, func(ctx context.Context, client store.Client) error {
		s := newSession(client, m.log, m.defaultTimeout, &m.depthInconsistencies)
		defer func() {
			if s.Depth() > 0 || s.ValidateDepth() != nil {
				s.RecoverDepth(context.WithoutCancel(ctx))
			}
		}()
		return fn(ctx, s)
	})
}

// Execute runs fn inside a transaction: begin, fn, commit on success,
// rollback on failure with fn's original error re-surfaced. fn may nest
// further Execute calls on the session to get savepoints.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return m.WithSession(ctx, func(ctx context.Context, s *Session) error {
		return s.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, s)
		})
	})
}

// ExecuteWithRetry wraps Execute in bounded exponential backoff for busy,
// deadlock, and network-classified failures. Each attempt runs on a fresh
// session, which structurally resets depth to 0 after a deadlock aborts the
// previous one. Returns the attempt count alongside the final error.
func (m *Manager) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context, s *Session) error) (int, error) {
	attempt := 0
	return retry.Do(ctx, m.policy, store.IsRetryable, func(ctx context.Context) error {
		attempt++
		err := m.Execute(ctx, fn)
		if err != nil && store.IsRetryable(err) {
			m.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("kind", store.Classify(err).String()).
				Msg("Retryable transaction failure")
		}
		return err
	})
}
