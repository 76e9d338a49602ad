package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig holds configuration for a MySQL-backed store.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Store           Config
}

// NewMySQLStore opens a MySQL store with default configuration.
func NewMySQLStore(ctx context.Context, dsn string) (*Store, error) {
	return NewMySQLStoreWithConfig(ctx, MySQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewMySQLStoreWithConfig opens a MySQL store with custom configuration.
// DATETIME values are exchanged in UTC whatever loc the DSN names.
func NewMySQLStoreWithConfig(ctx context.Context, cfg MySQLConfig) (*Store, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	mc.Loc = time.UTC
	mc.ParseTime = true

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	configurePool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	storeCfg := cfg.Store
	storeCfg.Dialect = MySQL{}
	return openOwned(ctx, db, storeCfg)
}
