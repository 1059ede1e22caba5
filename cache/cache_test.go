package cache_test

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-datalayer/cache"
	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/database"
	"github.com/gaborage/go-datalayer/pool"
	"github.com/gaborage/go-datalayer/store"
	"github.com/gaborage/go-datalayer/testing/fakes"
)

// memEntry mirrors one row of the cache table.
type memEntry struct {
	value     string
	createdAt int64
	updatedAt int64
	expiresAt int64
}

// memTable emulates the cache table against the statements the cache builds,
// so tests run without a real store.
type memTable struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// failInsert, when set, makes the next upsert fail with this error.
	failInsert error
}

func newMemTable() *memTable {
	return &memTable{entries: make(map[string]memEntry)}
}

func (m *memTable) handle(ctx context.Context, query string, args ...any) (*store.Result, error) {
	// Honor cancellation the way a real store client would.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.HasPrefix(query, "INSERT INTO"):
		if m.failInsert != nil {
			err := m.failInsert
			m.failInsert = nil
			return nil, err
		}
		key := args[0].(string)
		e, exists := m.entries[key]
		if !exists {
			e.createdAt = args[2].(int64)
		}
		e.value = args[1].(string)
		e.updatedAt = args[3].(int64)
		e.expiresAt = args[4].(int64)
		m.entries[key] = e
		return &store.Result{RowsAffected: 1}, nil

	case strings.HasPrefix(query, "SELECT"):
		key := args[0].(string)
		e, ok := m.entries[key]
		if !ok {
			return &store.Result{Rows: []store.Row{}}, nil
		}
		return &store.Result{Rows: []store.Row{
			{"value": e.value, "expires_at": e.expiresAt},
		}}, nil

	case strings.HasPrefix(query, "UPDATE"):
		// Refresh: SET updated_at, expires_at WHERE key = ? AND expires_at > ?
		key := args[2].(string)
		cutoff := args[3].(int64)
		e, ok := m.entries[key]
		if !ok || e.expiresAt <= cutoff {
			return &store.Result{RowsAffected: 0}, nil
		}
		e.updatedAt = args[0].(int64)
		e.expiresAt = args[1].(int64)
		m.entries[key] = e
		return &store.Result{RowsAffected: 1}, nil

	case strings.HasPrefix(query, "DELETE"):
		return m.deleteLocked(query, args), nil

	default:
		// DDL and anything else succeed silently.
		return &store.Result{}, nil
	}
}

func (m *memTable) deleteLocked(query string, args []any) *store.Result {
	var removed int64

	switch {
	case strings.Contains(query, "LIKE"):
		re := likeToRegexp(args[0].(string))
		for key := range m.entries {
			if re.MatchString(key) {
				delete(m.entries, key)
				removed++
			}
		}

	case strings.Contains(query, "key = ?") && strings.Contains(query, "expires_at <= ?"):
		key := args[0].(string)
		cutoff := args[1].(int64)
		if e, ok := m.entries[key]; ok && e.expiresAt <= cutoff {
			delete(m.entries, key)
			removed++
		}

	case strings.Contains(query, "key = ?"):
		key := args[0].(string)
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			removed++
		}

	case strings.Contains(query, "expires_at <= ?"):
		cutoff := args[0].(int64)
		for key, e := range m.entries {
			if e.expiresAt <= cutoff {
				delete(m.entries, key)
				removed++
			}
		}

	default:
		removed = int64(len(m.entries))
		m.entries = make(map[string]memEntry)
	}

	return &store.Result{RowsAffected: removed}
}

// likeToRegexp converts a LIKE pattern with backslash escapes into a regexp.
func likeToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			sb.WriteString(".*")
		case r == '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

func (m *memTable) get(key string) (memEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

func (m *memTable) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func defaultCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Table:           "cache_entries",
		DefaultTTL:      time.Minute,
		CleanupInterval: 0, // background sweep enabled only by tests that need it
		LockTimeout:     time.Second,
	}
}

func newTestCache(t *testing.T, cfg config.CacheConfig) (*cache.Cache, *memTable) {
	t.Helper()

	table := newMemTable()
	factory := fakes.NewClientFactory(store.SQLite)
	factory.Configure = func(c *fakes.Client) {
		c.ExecuteFunc = table.handle
	}

	poolCfg := config.PoolConfig{
		MinConnections: 1,
		MaxConnections: 2,
		IdleTimeout:    time.Minute,
		QueueTimeout:   time.Second,
		MaxQueueSize:   10,
	}
	p := pool.New(poolCfg, factory.Factory, nil)
	require.NoError(t, p.Initialize(context.Background()))

	db := database.New(p, nil)
	c := cache.New(db, store.SQLite, cfg, nil)

	t.Cleanup(func() {
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Drain(ctx)
	})
	return c, table
}

type profile struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestSetGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())

	in := profile{Name: "alice", Score: 42}
	require.NoError(t, c.Set(context.Background(), "user:1", in, time.Minute))

	var out profile
	require.NoError(t, c.Get(context.Background(), "user:1", &out))
	assert.Equal(t, in, out)
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())

	var out profile
	err := c.Get(context.Background(), "nope", &out)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
}

func TestExpiredEntryIsLazilyDeleted(t *testing.T) {
	c, table := newTestCache(t, defaultCacheConfig())

	require.NoError(t, c.Set(context.Background(), "k", "v", 5*time.Millisecond))
	time.Sleep(15 * time.Millisecond)

	var out string
	err := c.Get(context.Background(), "k", &out)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// The expired row was removed by the read path, not left behind.
	_, ok := table.get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestSetZeroTTLUsesDefault(t *testing.T) {
	cfg := defaultCacheConfig()
	cfg.DefaultTTL = time.Hour
	c, table := newTestCache(t, cfg)

	before := time.Now().UnixMilli()
	require.NoError(t, c.Set(context.Background(), "k", "v", 0))

	e, ok := table.get("k")
	require.True(t, ok)
	assert.GreaterOrEqual(t, e.expiresAt, before+time.Hour.Milliseconds())
}

func TestSetOverwritesValue(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())

	require.NoError(t, c.Set(context.Background(), "k", "first", time.Minute))
	require.NoError(t, c.Set(context.Background(), "k", "second", time.Minute))

	var out string
	require.NoError(t, c.Get(context.Background(), "k", &out))
	assert.Equal(t, "second", out)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))
	require.NoError(t, c.Delete(context.Background(), "k"))

	var out string
	assert.ErrorIs(t, c.Get(context.Background(), "k", &out), cache.ErrNotFound)

	// Deleting a missing key is not an error.
	require.NoError(t, c.Delete(context.Background(), "k"))
}

func TestHas(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())

	ok, err := c.Has(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))
	ok, err = c.Has(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshExtendsExpiry(t *testing.T) {
	c, table := newTestCache(t, defaultCacheConfig())

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))
	before, _ := table.get("k")

	require.NoError(t, c.Refresh(context.Background(), "k", time.Hour))
	after, _ := table.get("k")
	assert.Greater(t, after.expiresAt, before.expiresAt)

	// The value is untouched.
	var out string
	require.NoError(t, c.Get(context.Background(), "k", &out))
	assert.Equal(t, "v", out)
}

func TestRefreshMissingOrExpired(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())

	assert.ErrorIs(t, c.Refresh(context.Background(), "missing", time.Minute), cache.ErrNotFound)

	require.NoError(t, c.Set(context.Background(), "k", "v", 5*time.Millisecond))
	time.Sleep(15 * time.Millisecond)
	assert.ErrorIs(t, c.Refresh(context.Background(), "k", time.Minute), cache.ErrNotFound)
}

func TestClear(t *testing.T) {
	c, table := newTestCache(t, defaultCacheConfig())

	require.NoError(t, c.Set(context.Background(), "a", 1, time.Minute))
	require.NoError(t, c.Set(context.Background(), "b", 2, time.Minute))

	require.NoError(t, c.Clear(context.Background()))
	assert.Equal(t, 0, table.len())
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	c, table := newTestCache(t, defaultCacheConfig())

	require.NoError(t, c.Set(context.Background(), "old", 1, 5*time.Millisecond))
	require.NoError(t, c.Set(context.Background(), "fresh", 2, time.Minute))
	time.Sleep(15 * time.Millisecond)

	removed, err := c.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, ok := table.get("fresh")
	assert.True(t, ok)
}

func TestBackgroundCleanupSweep(t *testing.T) {
	cfg := defaultCacheConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	c, table := newTestCache(t, cfg)

	require.NoError(t, c.Set(context.Background(), "k", "v", 5*time.Millisecond))

	require.Eventually(t, func() bool {
		return table.len() == 0
	}, time.Second, 5*time.Millisecond)

	c.Close()
}

func TestSetBatch(t *testing.T) {
	c, table := newTestCache(t, defaultCacheConfig())

	err := c.SetBatch(context.Background(), map[string]any{
		"a": 1,
		"b": 2,
		"c": 3,
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, table.len())

	var out int
	require.NoError(t, c.Get(context.Background(), "b", &out))
	assert.Equal(t, 2, out)

	// An empty batch is a no-op.
	require.NoError(t, c.SetBatch(context.Background(), nil, time.Minute))
}

func TestStatsHitRate(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))

	var out string
	require.NoError(t, c.Get(context.Background(), "k", &out))
	require.NoError(t, c.Get(context.Background(), "k", &out))
	_ = c.Get(context.Background(), "missing", &out)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 0.6667, stats.HitRate(), 0.001)
}

func TestOperationsAfterClose(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())
	c.Close()

	var out string
	assert.ErrorIs(t, c.Get(context.Background(), "k", &out), cache.ErrClosed)
	assert.ErrorIs(t, c.Set(context.Background(), "k", "v", time.Minute), cache.ErrClosed)
	assert.ErrorIs(t, c.Delete(context.Background(), "k"), cache.ErrClosed)
	_, err := c.Cleanup(context.Background())
	assert.ErrorIs(t, err, cache.ErrClosed)
}

func TestEnsureTableIssuesDDL(t *testing.T) {
	c, _ := newTestCache(t, defaultCacheConfig())
	require.NoError(t, c.EnsureTable(context.Background()))
	assert.Equal(t, "cache_entries", c.Table())
}
