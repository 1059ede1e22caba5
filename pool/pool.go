// Package pool implements a bounded connection pool over store clients with
// a strict FIFO waiter queue, per-waiter deadlines, idle sweeping, and
// tri-state health reporting. Only the pool creates and destroys connections;
// callers borrow them between Acquire and Release.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/store"
)

// pingTimeout bounds the liveness probe run before an idle connection is
// handed out.
const pingTimeout = 2 * time.Second

// waiter is a queued acquire request. The channel is buffered so a grant
// never blocks the releasing goroutine.
type waiter struct {
	ch         chan *Connection
	enqueuedAt time.Time
	delivered  bool // guarded by the pool mutex
}

type poolStats struct {
	created            int64
	acquired           int64
	released           int64
	destroyed          int64
	timeouts           int64
	overflows          int64
	validationFailures int64
	createErrors       int64
	forcedCloses       int64
}

// Pool owns a bounded set of live store connections.
type Pool struct {
	cfg     config.PoolConfig
	factory store.Factory
	log     logger.Logger

	mu       sync.Mutex
	conns    map[string]*Connection // every live connection, keyed by ID
	idle     []*Connection
	queue    *list.List // *waiter, strict FIFO
	creating int        // in-flight creations reserving capacity
	closed   bool
	stats    poolStats

	closeCh   chan struct{}
	closeOnce sync.Once
}

// New constructs a pool. No connections are opened until Initialize.
func New(cfg config.PoolConfig, factory store.Factory, log logger.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		factory: factory,
		log:     logger.OrDisabled(log),
		conns:   make(map[string]*Connection),
		queue:   list.New(),
		closeCh: make(chan struct{}),
	}
}

// Initialize eagerly creates MinConnections and starts the idle sweeper.
// A creation failure tears down anything already opened and is fatal.
func (p *Pool) Initialize(ctx context.Context) error {
	for i := 0; i < p.cfg.MinConnections; i++ {
		conn, err := p.create(ctx)
		if err != nil {
			p.closeAll()
			return &CreateError{Err: err}
		}
		p.mu.Lock()
		p.conns[conn.id] = conn
		p.idle = append(p.idle, conn)
		p.stats.created++
		p.mu.Unlock()
	}

	if p.cfg.SweepInterval > 0 {
		go p.sweepLoop()
	}

	p.log.Info().
		Int("min_connections", p.cfg.MinConnections).
		Int("max_connections", p.cfg.MaxConnections).
		Msg("Connection pool initialized")
	return nil
}

// Acquire returns a connection or fails with a classified acquire error.
// The deadline comes from ctx; if ctx carries none, QueueTimeout applies.
// Queued requests are granted in strict FIFO order.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	start := time.Now()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.QueueTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if conn := p.popIdleLocked(); conn != nil {
			conn.inUse = true
			conn.usageCount++
			p.stats.acquired++
			p.mu.Unlock()

			if p.validate(ctx, conn) {
				return conn, nil
			}
			p.discard(conn, true)
			continue
		}

		if len(p.conns)+p.creating < p.cfg.MaxConnections {
			p.creating++
			p.mu.Unlock()

			conn, err := p.create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.stats.createErrors++
				p.mu.Unlock()
				return nil, &CreateError{Err: err}
			}
			if p.closed {
				p.mu.Unlock()
				_ = conn.client.Close()
				return nil, ErrClosed
			}
			p.conns[conn.id] = conn
			conn.inUse = true
			conn.usageCount++
			p.stats.created++
			p.stats.acquired++
			p.mu.Unlock()
			return conn, nil
		}

		if p.queue.Len() >= p.cfg.MaxQueueSize {
			p.stats.overflows++
			depth := p.queue.Len()
			p.mu.Unlock()
			return nil, &AcquireError{Reason: ErrQueueOverflow, Waited: time.Since(start), QueueDepth: depth}
		}

		w := &waiter{ch: make(chan *Connection, 1), enqueuedAt: time.Now()}
		elem := p.queue.PushBack(w)
		p.mu.Unlock()

		select {
		case conn, ok := <-w.ch:
			if !ok {
				return nil, ErrClosed
			}
			return conn, nil

		case <-ctx.Done():
			p.mu.Lock()
			if w.delivered {
				// The grant raced the deadline. Hand the connection back and
				// still report the timeout the caller observed.
				p.mu.Unlock()
				if conn, ok := <-w.ch; ok && conn != nil {
					p.Release(conn)
				}
				p.mu.Lock()
			} else {
				p.queue.Remove(elem)
			}
			p.stats.timeouts++
			depth := p.queue.Len()
			p.mu.Unlock()
			return nil, &AcquireError{Reason: ErrAcquireTimeout, Waited: time.Since(start), QueueDepth: depth}
		}
	}
}

// Release returns a borrowed connection. The oldest queued waiter, if any, is
// serviced immediately; otherwise the connection joins the idle set.
// Releasing into a drained pool destroys the connection.
func (p *Pool) Release(conn *Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		delete(p.conns, conn.id)
		p.stats.released++
		p.stats.destroyed++
		p.mu.Unlock()
		_ = conn.client.Close()
		return
	}
	if _, tracked := p.conns[conn.id]; !tracked {
		// Already destroyed (validation failure or forced close).
		p.mu.Unlock()
		return
	}

	conn.inUse = false
	conn.lastUsedAt = time.Now()
	p.stats.released++
	p.grantLocked(conn)
	p.mu.Unlock()
}

// Drain stops intake, rejects queued waiters, closes idle connections, and
// waits for in-flight ones until ctx expires, then force-closes the rest.
// Force-closed borrowers observe store closed errors on their next statement
// rather than being abandoned silently. Drain is irreversible.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeOnce.Do(func() { close(p.closeCh) })

	for elem := p.queue.Front(); elem != nil; elem = elem.Next() {
		w := elem.Value.(*waiter)
		w.delivered = true
		close(w.ch)
	}
	p.queue.Init()

	idle := p.idle
	p.idle = nil
	for _, conn := range idle {
		delete(p.conns, conn.id)
		p.stats.destroyed++
	}
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.client.Close()
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		remaining := len(p.conns)
		p.mu.Unlock()

		if remaining == 0 {
			p.log.Info().Msg("Connection pool drained")
			return nil
		}

		select {
		case <-ctx.Done():
			p.forceCloseRemaining()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) forceCloseRemaining() {
	p.mu.Lock()
	victims := make([]*Connection, 0, len(p.conns))
	for id, conn := range p.conns {
		victims = append(victims, conn)
		delete(p.conns, id)
	}
	p.stats.destroyed += int64(len(victims))
	p.stats.forcedCloses += int64(len(victims))
	p.mu.Unlock()

	for _, conn := range victims {
		_ = conn.client.Close()
	}

	if len(victims) > 0 {
		p.log.Warn().
			Int("connections", len(victims)).
			Msg("Drain timeout expired, force-closed in-flight connections")
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, conn := range p.conns {
		if conn.inUse {
			inUse++
		}
	}

	return map[string]any{
		"size":                len(p.conns),
		"in_use":              inUse,
		"idle":                len(p.idle),
		"queue_depth":         p.queue.Len(),
		"created":             p.stats.created,
		"acquired":            p.stats.acquired,
		"released":            p.stats.released,
		"destroyed":           p.stats.destroyed,
		"timeouts":            p.stats.timeouts,
		"overflows":           p.stats.overflows,
		"validation_failures": p.stats.validationFailures,
		"create_errors":       p.stats.createErrors,
		"forced_closes":       p.stats.forcedCloses,
	}
}

// popIdleLocked removes and returns the oldest idle connection. mu held.
func (p *Pool) popIdleLocked() *Connection {
	if len(p.idle) == 0 {
		return nil
	}
	conn := p.idle[0]
	p.idle = p.idle[1:]
	return conn
}

// grantLocked hands conn to the oldest waiter or parks it idle. mu held.
func (p *Pool) grantLocked(conn *Connection) {
	for {
		elem := p.queue.Front()
		if elem == nil {
			p.idle = append(p.idle, conn)
			return
		}
		p.queue.Remove(elem)
		w := elem.Value.(*waiter)
		if w.delivered {
			continue
		}
		w.delivered = true
		conn.inUse = true
		conn.usageCount++
		p.stats.acquired++
		w.ch <- conn
		return
	}
}

// create opens a fresh connection via the factory.
func (p *Pool) create(ctx context.Context) (*Connection, error) {
	client, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	conn := newConnection(client)
	p.log.Debug().Str("connection_id", conn.id).Msg("Created store connection")
	return conn, nil
}

// validate probes a connection before handout.
func (p *Pool) validate(ctx context.Context, conn *Connection) bool {
	probeCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := conn.client.Ping(probeCtx); err != nil {
		p.log.Warn().
			Err(err).
			Str("connection_id", conn.id).
			Msg("Connection failed liveness probe, replacing")
		return false
	}
	return true
}

// discard destroys a connection that failed validation and, when waiters are
// queued and capacity allows, starts a replacement on their behalf.
func (p *Pool) discard(conn *Connection, validationFailure bool) {
	p.mu.Lock()
	delete(p.conns, conn.id)
	p.stats.destroyed++
	if validationFailure {
		p.stats.validationFailures++
	}
	p.replaceForWaitersLocked()
	p.mu.Unlock()

	_ = conn.client.Close()
}

// replaceForWaitersLocked spawns a background creation when queued waiters
// would otherwise starve after a connection was destroyed. mu held.
func (p *Pool) replaceForWaitersLocked() {
	if p.closed || p.queue.Len() == 0 {
		return
	}
	if len(p.conns)+p.creating >= p.cfg.MaxConnections {
		return
	}
	p.creating++

	go func() {
		ctx := context.Background()
		if p.cfg.QueueTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.QueueTimeout)
			defer cancel()
		}

		conn, err := p.create(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.stats.createErrors++
			p.mu.Unlock()
			p.log.Error().Err(err).Msg("Failed to create replacement connection")
			return
		}
		if p.closed {
			p.mu.Unlock()
			_ = conn.client.Close()
			return
		}
		p.conns[conn.id] = conn
		p.stats.created++
		p.grantLocked(conn)
		p.mu.Unlock()
	}()
}

// sweepLoop periodically destroys connections idle beyond IdleTimeout.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.closeCh:
			return
		}
	}
}

// sweepIdle removes idle-expired connections, never dropping the pool below
// MinConnections.
func (p *Pool) sweepIdle() {
	now := time.Now()

	p.mu.Lock()
	var victims []*Connection
	kept := p.idle[:0]
	for _, conn := range p.idle {
		expired := now.Sub(conn.lastUsedAt) > p.cfg.IdleTimeout
		// len(p.conns) shrinks as victims are deleted, so it is already the
		// remaining count.
		if expired && len(p.conns) > p.cfg.MinConnections {
			victims = append(victims, conn)
			delete(p.conns, conn.id)
			p.stats.destroyed++
		} else {
			kept = append(kept, conn)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range victims {
		_ = conn.client.Close()
		p.log.Debug().Str("connection_id", conn.id).Msg("Destroyed idle connection")
	}
}

// closeAll tears down every connection without the drain protocol. Used when
// Initialize fails partway.
func (p *Pool) closeAll() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for id, conn := range p.conns {
		conns = append(conns, conn)
		delete(p.conns, id)
	}
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.client.Close()
	}
}
