package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// PostgreSQLConfig holds configuration for a PostgreSQL-backed store.
type PostgreSQLConfig struct {
	DSN string
	// DriverName is "postgres" (lib/pq, the default) or "pgx".
	DriverName      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// TwoKeyLocks uses the pg_advisory_lock(int4, int4) form.
	TwoKeyLocks bool
	Store       Config
}

// NewPostgreSQLStore opens a PostgreSQL store with default configuration.
func NewPostgreSQLStore(ctx context.Context, dsn string) (*Store, error) {
	return NewPostgreSQLStoreWithConfig(ctx, PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig opens a PostgreSQL store with custom configuration.
// The returned store owns the database handle.
func NewPostgreSQLStoreWithConfig(ctx context.Context, cfg PostgreSQLConfig) (*Store, error) {
	driver := cfg.DriverName
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
	}
	configurePool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	storeCfg := cfg.Store
	storeCfg.Dialect = PostgreSQL{TwoKeyLocks: cfg.TwoKeyLocks}
	return openOwned(ctx, db, storeCfg)
}

func configurePool(db *sql.DB, maxOpen, maxIdle int, maxLifetime, maxIdleTime time.Duration) {
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	if maxIdleTime > 0 {
		db.SetConnMaxIdleTime(maxIdleTime)
	}
}

// openOwned creates a store that closes db with itself, closing db when the
// store cannot be created.
func openOwned(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	s, err := NewStore(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}
