// Package postgres provides a store.Client backed by the pgx stdlib driver.
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/gaborage/go-datalayer/config"
	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/store"
)

// New opens a single-connection PostgreSQL client.
func New(cfg *config.StoreConfig, log logger.Logger) (store.Client, error) {
	dsn := cfg.ConnectionString
	if dsn == "" {
		parts := []string{
			fmt.Sprintf("host=%s", quoteDSN(cfg.Host)),
			fmt.Sprintf("port=%d", cfg.Port),
			fmt.Sprintf("user=%s", quoteDSN(cfg.Username)),
			fmt.Sprintf("password=%s", quoteDSN(cfg.Password)),
			fmt.Sprintf("dbname=%s", quoteDSN(cfg.Database)),
		}
		if cfg.SSLMode != "" {
			parts = append(parts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
		}
		dsn = strings.Join(parts, " ")
	}

	pgxConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse config: %w", err)
	}

	db := stdlib.OpenDB(*pgxConfig)
	return store.NewSQLClient(db, store.PostgreSQL, classify, log), nil
}

// quoteDSN quotes a DSN value according to libpq rules:
// - Returns double single quotes for empty strings (empty value)
// - Escapes backslashes and single quotes
// - Wraps in single quotes when value contains non-alphanumeric/._- characters
func quoteDSN(value string) string {
	if value == "" {
		return "''"
	}

	needsQuoting := false
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') && r != '.' && r != '_' && r != '-' {
			needsQuoting = true
			break
		}
	}

	if !needsQuoting {
		return value
	}

	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "'", "\\'")

	return "'" + escaped + "'"
}

// classify maps PostgreSQL SQLSTATE codes onto store error kinds.
func classify(err error) store.ErrorKind {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return store.KindUnknown
	}

	switch {
	case pgErr.Code == "40P01" || pgErr.Code == "40001":
		// deadlock_detected, serialization_failure
		return store.KindDeadlock
	case pgErr.Code == "55P03" || pgErr.Code == "53300" || pgErr.Code == "57014":
		// lock_not_available, too_many_connections, query_canceled
		return store.KindBusy
	case strings.HasPrefix(pgErr.Code, "23"):
		// integrity constraint violations
		return store.KindConstraint
	case strings.HasPrefix(pgErr.Code, "08"):
		// connection exceptions
		return store.KindNetwork
	default:
		return store.KindUnknown
	}
}
