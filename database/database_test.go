package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/database"
	"github.com/gaborage/go-datalayer/pool"
	"github.com/gaborage/go-datalayer/store"
	"github.com/gaborage/go-datalayer/testing/fakes"
)

func newTestDB(t *testing.T, configure func(*fakes.Client)) (*database.DB, *fakes.ClientFactory) {
	t.Helper()
	return newTestDBWithVendor(t, store.SQLite, configure)
}

func newTestDBWithVendor(t *testing.T, vendor store.Vendor, configure func(*fakes.Client)) (*database.DB, *fakes.ClientFactory) {
	t.Helper()

	factory := fakes.NewClientFactory(vendor)
	factory.Configure = configure

	cfg := config.PoolConfig{
		MinConnections: 1,
		MaxConnections: 2,
		IdleTimeout:    time.Minute,
		QueueTimeout:   time.Second,
		MaxQueueSize:   10,
	}
	p := pool.New(cfg, factory.Factory, nil)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Drain(ctx)
	})

	return database.New(p, nil), factory
}

func staticRows(rows ...store.Row) func(*fakes.Client) {
	return func(c *fakes.Client) {
		c.ExecuteFunc = func(context.Context, string, ...any) (*store.Result, error) {
			return &store.Result{Rows: rows}, nil
		}
	}
}

func TestQueryReturnsRows(t *testing.T) {
	db, _ := newTestDB(t, staticRows(
		store.Row{"id": int64(1), "name": "alice"},
		store.Row{"id": int64(2), "name": "bob"},
	))

	rows, err := db.Query(context.Background(), "SELECT id, name FROM users")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0]["name"])
}

func TestQueryPropagatesStoreError(t *testing.T) {
	boom := store.NewError(store.KindBusy, "execute", "SELECT 1", errors.New("locked"))
	db, _ := newTestDB(t, func(c *fakes.Client) {
		c.ExecuteFunc = func(context.Context, string, ...any) (*store.Result, error) {
			return nil, boom
		}
	})

	_, err := db.Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, store.KindBusy, store.Classify(err))
}

func TestQueryOne(t *testing.T) {
	db, _ := newTestDB(t, staticRows(store.Row{"n": int64(7)}))

	row, err := db.QueryOne(context.Background(), "SELECT n FROM t")
	require.NoError(t, err)
	assert.Equal(t, int64(7), row["n"])
}

func TestQueryOneNoRows(t *testing.T) {
	db, _ := newTestDB(t, staticRows())

	_, err := db.QueryOne(context.Background(), "SELECT n FROM t WHERE 1 = 0")
	assert.ErrorIs(t, err, database.ErrNoRows)
}

func TestExecReportsRowsAffected(t *testing.T) {
	db, _ := newTestDB(t, func(c *fakes.Client) {
		c.ExecuteFunc = func(context.Context, string, ...any) (*store.Result, error) {
			return &store.Result{RowsAffected: 3}, nil
		}
	})

	result, err := db.Exec(context.Background(), "UPDATE t SET v = ?", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.RowsAffected)
}

func TestBatchRunsAllStatements(t *testing.T) {
	db, factory := newTestDB(t, nil)

	results, err := db.Batch(context.Background(), []store.Statement{
		{Query: "INSERT INTO t (v) VALUES (?)", Args: []any{1}},
		{Query: "INSERT INTO t (v) VALUES (?)", Args: []any{2}},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	assert.Len(t, factory.Clients()[0].Queries(), 2)
}

func TestBatchEmptyIsNoop(t *testing.T) {
	db, factory := newTestDB(t, nil)

	results, err := db.Batch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Empty(t, factory.Clients()[0].Queries())
}

func TestWithConnPinsOneClient(t *testing.T) {
	db, factory := newTestDB(t, nil)

	err := db.WithConn(context.Background(), func(ctx context.Context, client store.Client) error {
		if _, err := client.Execute(ctx, "BEGIN"); err != nil {
			return err
		}
		_, err := client.Execute(ctx, "COMMIT")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"BEGIN", "COMMIT"}, factory.Clients()[0].Queries())
}

func TestWithConnReleasesOnError(t *testing.T) {
	db, _ := newTestDB(t, nil)

	boom := errors.New("boom")
	err := db.WithConn(context.Background(), func(context.Context, store.Client) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The connection went back to the pool.
	assert.Equal(t, 0, db.Pool().Stats()["in_use"])
}

func TestPreparePinsConnectionUntilClose(t *testing.T) {
	db, _ := newTestDB(t, nil)

	ps, err := db.Prepare(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, db.Pool().Stats()["in_use"])

	_, err = ps.Execute(context.Background())
	require.NoError(t, err)

	require.NoError(t, ps.Close())
	assert.Equal(t, 0, db.Pool().Stats()["in_use"])

	_, err = ps.Execute(context.Background())
	assert.ErrorIs(t, err, database.ErrStatementClosed)

	// Closing twice is safe.
	require.NoError(t, ps.Close())
}

func TestMetricsRecordedPerShape(t *testing.T) {
	db, _ := newTestDB(t, staticRows(store.Row{"id": int64(1)}))

	for i := 0; i < 3; i++ {
		_, err := db.Query(context.Background(), "SELECT id FROM users WHERE id = ?", i)
		require.NoError(t, err)
	}

	stats := db.Metrics().Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].Calls)
	assert.Equal(t, "SELECT id FROM users WHERE id = ?", stats[0].Shape)
}
