// Package sqlite provides a store.Client backed by mattn/go-sqlite3.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/store"
)

// New opens a single-connection SQLite client for cfg.Path.
//
// WAL journaling and foreign keys are enabled, and the driver-level busy
// timeout is set from cfg.BusyTimeout so short lock contention is absorbed
// before a busy error ever reaches the retry layer. For an in-process
// database shared across pooled connections use a shared-cache URI such as
// "file:pool?mode=memory&cache=shared".
func New(cfg *config.StoreConfig, log logger.Logger) (store.Client, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: store path is required")
	}

	db, err := sql.Open("sqlite3", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open %s: %w", cfg.Path, err)
	}

	return store.NewSQLClient(db, store.SQLite, classify, log), nil
}

func buildDSN(cfg *config.StoreConfig) string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")

	return fmt.Sprintf("file:%s?%s", cfg.Path, params.Encode())
}

// classify maps go-sqlite3 error codes onto store error kinds. SQLite has no
// multi-session deadlock detector; SQLITE_LOCKED (in-session table lock) is
// treated as the deadlock-equivalent that requires unwinding the transaction,
// while SQLITE_BUSY is plain contention.
func classify(err error) store.ErrorKind {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return store.KindUnknown
	}

	switch serr.Code {
	case sqlite3.ErrBusy:
		return store.KindBusy
	case sqlite3.ErrLocked:
		return store.KindDeadlock
	case sqlite3.ErrConstraint:
		return store.KindConstraint
	case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrProtocol:
		return store.KindNetwork
	default:
		return store.KindUnknown
	}
}
