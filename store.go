package sqlsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// ErrUnsupportedDialect is returned when the database driver is not MySQL, PostgreSQL or SQLite.
	ErrUnsupportedDialect = errors.New("unsupported database dialect")

	// ErrUnsupportedLockMode is returned for an unknown lock mode, or one the dialect cannot provide.
	ErrUnsupportedLockMode = errors.New("unsupported lock mode")

	// ErrInvalidIdentifier is returned when a configured table or column name is not a plain SQL identifier.
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	// ErrHandlerClosed is returned when a handler is used after Close.
	ErrHandlerClosed = errors.New("session handler closed")

	// ErrLockTimeout is returned when an advisory lock could not be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for session lock")

	// ErrAdvisoryLock is returned when the database reports an error acquiring an advisory lock.
	ErrAdvisoryLock = errors.New("advisory lock failed")
)

const (
	// DefaultTable is the default session table name.
	DefaultTable = "session"

	// DefaultMaxLifetime is the lifetime stamped on written sessions when
	// Config.MaxLifetime is zero.
	DefaultMaxLifetime = 1440 * time.Second

	// DefaultAdvisoryLockTimeout matches InnoDB's default innodb_lock_wait_timeout.
	DefaultAdvisoryLockTimeout = 50 * time.Second
)

// Config configures a Store.
type Config struct {
	// Table is the session table. Defaults to DefaultTable.
	Table string
	// Columns overrides column names. Empty fields keep their default.
	Columns Columns
	// LockMode defaults to LockTransactional.
	LockMode LockMode
	// MaxLifetime is the lifetime written with every session. Defaults to DefaultMaxLifetime.
	MaxLifetime time.Duration
	// AdvisoryLockTimeout bounds the wait for a database advisory lock.
	// Defaults to DefaultAdvisoryLockTimeout. Negative waits forever.
	AdvisoryLockTimeout time.Duration
	// DisableNativeUpsert forces the UPDATE-then-INSERT write path.
	DisableNativeUpsert bool
	// Dialect overrides dialect detection.
	Dialect Dialect
	// Locker replaces the database advisory locks in LockAdvisory mode.
	Locker Locker
	// Logger receives debug events. Nil disables logging.
	Logger *zerolog.Logger
	// Registerer registers the store metrics when set.
	Registerer prometheus.Registerer
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Store persists sessions in one SQL table. It is safe for concurrent use;
// each request gets its own Handler through NewHandler.
type Store struct {
	db           *sql.DB
	ownsDB       bool
	dialect      Dialect
	schema       schema
	q            queries
	cfg          Config
	nativeUpsert bool
	log          zerolog.Logger
	metrics      *metrics
}

// NewStore creates a Store on an existing database handle. The caller keeps
// ownership of db.
func NewStore(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	d := cfg.Dialect
	if d == nil {
		var err error
		if d, err = DetectDialect(db); err != nil {
			return nil, err
		}
	}

	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	cfg.Columns = cfg.Columns.withDefaults()
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if cfg.AdvisoryLockTimeout == 0 {
		cfg.AdvisoryLockTimeout = DefaultAdvisoryLockTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	sc, err := newSchema(cfg.Table, cfg.Columns)
	if err != nil {
		return nil, err
	}

	if !cfg.LockMode.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedLockMode, int(cfg.LockMode))
	}
	if cfg.LockMode == LockAdvisory && cfg.Locker == nil {
		if _, _, ok := d.advisoryLock(sc, "", 0); !ok {
			return nil, fmt.Errorf("%w: %s has no advisory locks, set Config.Locker", ErrUnsupportedLockMode, d.Name())
		}
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "sqlsession").Str("dialect", d.Name()).Logger()
	}

	s := &Store{
		db:      db,
		dialect: d,
		schema:  sc,
		q:       buildQueries(d, sc),
		cfg:     cfg,
		log:     log,
		metrics: newMetrics(cfg.Registerer),
	}

	if !cfg.DisableNativeUpsert {
		var version string
		if err := db.QueryRowContext(ctx, d.versionQuery()).Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to query server version: %w", err)
		}
		s.nativeUpsert = d.SupportsNativeUpsert(version)
		log.Debug().Str("version", version).Bool("native_upsert", s.nativeUpsert).Msg("store ready")
	}

	return s, nil
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// CreateTable creates the session table if it does not exist.
func (s *Store) CreateTable(ctx context.Context) error {
	for _, q := range s.dialect.createTable(s.schema) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create sessions table: %w", err)
		}
	}
	return nil
}

// Cleanup deletes every expired session immediately and returns how many
// rows were removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	return s.gc(ctx, s.db)
}

func (s *Store) gc(ctx context.Context, q querier) (int64, error) {
	res, err := q.ExecContext(ctx, s.q.gc, s.cfg.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	s.metrics.gcDeleted.Add(float64(n))
	s.log.Debug().Int64("deleted", n).Msg("garbage collection done")
	return n, nil
}

// NewHandler checks a connection out of the pool and binds a handler to it
// for one read-write-close cycle.
func (s *Store) NewHandler(ctx context.Context, req RequestInfo) (*Handler, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return newHandler(s, conn, req), nil
}

// Close closes the database when the store opened it itself.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
