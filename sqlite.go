package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig holds configuration for an SQLite-backed store.
type SQLiteConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// BusyTimeout is how long a connection waits for the database write
	// lock. Defaults to 5s.
	BusyTimeout time.Duration
	Store       Config
}

// NewSQLiteStore opens an SQLite store with default configuration.
func NewSQLiteStore(ctx context.Context, dsn string) (*Store, error) {
	return NewSQLiteStoreWithConfig(ctx, SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16,
		MaxIdleConns: 16,
	})
}

// NewSQLiteStoreWithConfig opens an SQLite store with custom configuration.
// SQLite has no row locks: transactions are opened with BEGIN IMMEDIATE,
// which serialises handlers on the database write lock instead.
func NewSQLiteStoreWithConfig(ctx context.Context, cfg SQLiteConfig) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Pragmas go into the DSN so that every pooled connection gets them.
	dsn := cfg.DSN
	if !strings.Contains(dsn, "synchronous") {
		dsn = appendDSNParam(dsn, "_pragma=synchronous(NORMAL)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		dsn = appendDSNParam(dsn, fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	if !strings.Contains(dsn, "_txlock") {
		dsn = appendDSNParam(dsn, "_txlock=immediate")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	configurePool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, 0)

	// WAL is persistent for the database file, so once is enough.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	storeCfg := cfg.Store
	storeCfg.Dialect = SQLite{}
	return openOwned(ctx, db, storeCfg)
}

func appendDSNParam(dsn, param string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + param
}
