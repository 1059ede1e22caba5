package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/pool"
	"github.com/gaborage/go-datalayer/store"
	"github.com/gaborage/go-datalayer/testing/fakes"
)

func testConfig(minConns, maxConns int) config.PoolConfig {
	return config.PoolConfig{
		MinConnections: minConns,
		MaxConnections: maxConns,
		IdleTimeout:    time.Minute,
		SweepInterval:  0, // sweeping enabled only by tests that need it
		QueueTimeout:   time.Second,
		MaxQueueSize:   100,
	}
}

func newTestPool(t *testing.T, cfg config.PoolConfig) (*pool.Pool, *fakes.ClientFactory) {
	t.Helper()

	factory := fakes.NewClientFactory(store.SQLite)
	p := pool.New(cfg, factory.Factory, nil)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Drain(ctx)
	})
	return p, factory
}

func queueDepth(p *pool.Pool) int {
	return p.Stats()["queue_depth"].(int)
}

func waitForQueueDepth(t *testing.T, p *pool.Pool, depth int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return queueDepth(p) == depth
	}, time.Second, time.Millisecond)
}

func TestInitializeCreatesMinConnections(t *testing.T) {
	p, factory := newTestPool(t, testConfig(2, 4))

	assert.Equal(t, 2, factory.Created())
	stats := p.Stats()
	assert.Equal(t, 2, stats["size"])
	assert.Equal(t, 2, stats["idle"])
	assert.Equal(t, 0, stats["in_use"])
}

func TestInitializeFailureIsFatal(t *testing.T) {
	factory := fakes.NewClientFactory(store.SQLite)
	factory.Err = errors.New("store unreachable")

	p := pool.New(testConfig(2, 4), factory.Factory, nil)
	err := p.Initialize(context.Background())
	require.Error(t, err)

	var cerr *pool.CreateError
	assert.ErrorAs(t, err, &cerr)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	p, factory := newTestPool(t, testConfig(1, 4))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := conn.ID()
	p.Release(conn)

	conn, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, conn.ID())
	assert.Equal(t, int64(2), conn.UsageCount())
	p.Release(conn)

	assert.Equal(t, 1, factory.Created())
}

func TestAcquireGrowsToMaxConnections(t *testing.T) {
	p, factory := newTestPool(t, testConfig(0, 3))

	conns := make([]*pool.Connection, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	assert.Equal(t, 3, factory.Created())
	assert.Equal(t, 3, p.Stats()["in_use"])

	for _, conn := range conns {
		p.Release(conn)
	}
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1, 1))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrAcquireTimeout)

	var aerr *pool.AcquireError
	require.ErrorAs(t, err, &aerr)
	assert.GreaterOrEqual(t, aerr.Waited, 50*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats()["timeouts"])
}

func TestAcquireDefaultQueueTimeoutApplies(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.QueueTimeout = 50 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	// No deadline on the context; the configured queue timeout still bounds
	// the wait.
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrAcquireTimeout)
}

func TestAcquireQueueOverflow(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.MaxQueueSize = 1
	p, _ := newTestPool(t, cfg)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	waiterDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		c, err := p.Acquire(ctx)
		if c != nil {
			p.Release(c)
		}
		waiterDone <- err
	}()
	waitForQueueDepth(t, p, 1)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrQueueOverflow)
	assert.Equal(t, int64(1), p.Stats()["overflows"])

	<-waiterDone
}

func TestWaitersServedInFIFOOrder(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1, 1))

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	const waiters = 3
	served := make(chan int, waiters)
	var wg sync.WaitGroup

	// Enqueue waiters one at a time so their queue positions are fixed.
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			conn, err := p.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			served <- idx
			p.Release(conn)
		}(i)
		waitForQueueDepth(t, p, i+1)
	}

	p.Release(holder)
	wg.Wait()
	close(served)

	var order []int
	for idx := range served {
		order = append(order, idx)
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

// Six concurrent borrowers against a pool capped at four connections: the
// first four are served by growth, the last two queue and are served as
// connections come back, and the pool never exceeds its cap.
func TestSaturatedPoolQueuesAndRecovers(t *testing.T) {
	p, factory := newTestPool(t, testConfig(2, 4))

	held := make([]*pool.Connection, 0, 4)
	for i := 0; i < 4; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, conn)
	}
	assert.Equal(t, 4, factory.Created())

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			conn, err := p.Acquire(ctx)
			if err == nil {
				p.Release(conn)
			}
			results <- err
		}()
	}
	waitForQueueDepth(t, p, 2)

	p.Release(held[0])
	p.Release(held[1])

	require.NoError(t, <-results)
	require.NoError(t, <-results)

	assert.Equal(t, 4, factory.Created())
	assert.Equal(t, int64(0), p.Stats()["timeouts"])

	p.Release(held[2])
	p.Release(held[3])
}

func TestValidationFailureReplacesConnection(t *testing.T) {
	p, factory := newTestPool(t, testConfig(1, 2))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	firstID := conn.ID()
	p.Release(conn)

	// The idle connection starts failing its liveness probe.
	factory.Clients()[0].PingFunc = func(context.Context) error {
		return store.NewError(store.KindNetwork, "ping", "", errors.New("connection reset"))
	}

	conn, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, firstID, conn.ID())
	p.Release(conn)

	assert.Equal(t, 2, factory.Created())
	assert.True(t, factory.Clients()[0].Closed())
	assert.Equal(t, int64(1), p.Stats()["validation_failures"])
}

func TestSweepDestroysIdleConnectionsAboveMin(t *testing.T) {
	cfg := testConfig(1, 4)
	cfg.IdleTimeout = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond

	p, _ := newTestPool(t, cfg)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(first)
	p.Release(second)

	// The sweeper trims back down to MinConnections but never below it.
	require.Eventually(t, func() bool {
		return p.Stats()["size"].(int) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool {
		return p.Stats()["size"].(int) < 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSweepReachesFloorInOnePass(t *testing.T) {
	cfg := testConfig(1, 5)
	cfg.IdleTimeout = time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond

	p, _ := newTestPool(t, cfg)

	conns := make([]*pool.Connection, 0, 4)
	for i := 0; i < 4; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		p.Release(conn)
	}

	// A sweep trims under one lock hold, so the moment anything was destroyed
	// the pool must already be back at MinConnections, not partway there.
	require.Eventually(t, func() bool {
		return p.Stats()["destroyed"].(int64) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Stats()["size"].(int))
}

func TestDrainClosesIdleAndRejectsNewAcquires(t *testing.T) {
	p, factory := newTestPool(t, testConfig(2, 4))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	for _, client := range factory.Clients() {
		assert.True(t, client.Closed())
	}

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, pool.ErrClosed)

	// Draining twice is a no-op.
	require.NoError(t, p.Drain(ctx))
}

func TestDrainRejectsQueuedWaiters(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1, 1))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waiterErr <- err
	}()
	waitForQueueDepth(t, p, 1)

	drainDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		drainDone <- p.Drain(ctx)
	}()

	assert.ErrorIs(t, <-waiterErr, pool.ErrClosed)

	// The in-flight connection keeps Drain waiting until it is returned.
	p.Release(conn)
	require.NoError(t, <-drainDone)
}

func TestDrainForceClosesAfterDeadline(t *testing.T) {
	p, factory := newTestPool(t, testConfig(1, 1))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = p.Drain(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), p.Stats()["forced_closes"])

	// The borrower's next statement observes the closed client.
	_, err = conn.Client().Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.True(t, factory.Clients()[0].Closed())
}

func TestReleaseNilIsNoop(t *testing.T) {
	p, _ := newTestPool(t, testConfig(0, 1))
	p.Release(nil)
	assert.Equal(t, int64(0), p.Stats()["released"])
}

func TestStatsCounters(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1, 2))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats["created"])
	assert.Equal(t, int64(1), stats["acquired"])
	assert.Equal(t, int64(1), stats["released"])
	assert.Equal(t, int64(0), stats["destroyed"])
}
