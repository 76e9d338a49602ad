package sqlsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Release frees a lock returned by a Locker.
type Release func(ctx context.Context) error

// Locker takes an exclusive advisory lock for a session id. Lock blocks until
// the lock is held, ctx is done or the locker's own timeout expires. A lock
// held by an external service may expire on its own; it must outlive the
// longest request cycle.
type Locker interface {
	Lock(ctx context.Context, id string) (Release, error)
}

// advisoryKey derives the integer key of a session's advisory lock from a
// 64-bit hash of the whole id, namespaced by table.
func advisoryKey(table, id string) int64 {
	d := xxhash.New()
	_, _ = d.WriteString(table)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(id)
	return int64(d.Sum64())
}

// splitKey splits a 64-bit key into two 32-bit keys for backends whose lock
// primitive only takes 32-bit integers.
func splitKey(key int64) (hi, lo int32) {
	return int32(uint64(key) >> 32), int32(uint32(uint64(key)))
}

// sqlLocker takes database-native advisory locks on one connection. The
// locks belong to the connection, not to a transaction.
type sqlLocker struct {
	conn    *sql.Conn
	dialect Dialect
	schema  schema
	timeout time.Duration
}

func (l *sqlLocker) Lock(ctx context.Context, id string) (Release, error) {
	acquire, release, ok := l.dialect.advisoryLock(l.schema, id, l.timeout)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no advisory locks", ErrUnsupportedLockMode, l.dialect.Name())
	}

	if acquire.status {
		// The server enforces the timeout and reports it in the result.
		var status sql.NullInt64
		if err := l.conn.QueryRowContext(ctx, acquire.query, acquire.args...).Scan(&status); err != nil {
			return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
		}
		if !status.Valid {
			return nil, ErrAdvisoryLock
		}
		if status.Int64 != 1 {
			return nil, ErrLockTimeout
		}
	} else {
		lockCtx := ctx
		if l.timeout > 0 {
			var cancel context.CancelFunc
			lockCtx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}
		if _, err := l.conn.ExecContext(lockCtx, acquire.query, acquire.args...); err != nil {
			if ctx.Err() == nil && errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
			}
			return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
		}
	}

	return func(ctx context.Context) error {
		if _, err := l.conn.ExecContext(ctx, release.query, release.args...); err != nil {
			return fmt.Errorf("failed to release advisory lock: %w", err)
		}
		return nil
	}, nil
}

// lockStrategy protects a session row between Read and Close. A strategy
// instance belongs to a single handler.
type lockStrategy interface {
	// acquire runs before the session row is selected.
	acquire(ctx context.Context, id string) error
	// forUpdate reports whether the select must lock the row.
	forUpdate() bool
	// insertOnMiss reports whether a missing row is replaced by a placeholder
	// insert so that concurrent readers block on it.
	insertOnMiss() bool
	// release drops whatever acquire holds outside of a transaction.
	release(ctx context.Context) error
}

func newLockStrategy(mode LockMode, tx *txManager, locker Locker, log zerolog.Logger) lockStrategy {
	switch mode {
	case LockAdvisory:
		return &advisoryLock{locker: locker, log: log}
	case LockTransactional:
		return &transactionalLock{tx: tx}
	default:
		return noLock{}
	}
}

type noLock struct{}

func (noLock) acquire(context.Context, string) error { return nil }
func (noLock) forUpdate() bool                       { return false }
func (noLock) insertOnMiss() bool                    { return false }
func (noLock) release(context.Context) error         { return nil }

type advisoryLock struct {
	locker Locker
	log    zerolog.Logger

	heldID string
	held   Release
}

func (a *advisoryLock) acquire(ctx context.Context, id string) error {
	if a.held != nil {
		if a.heldID == id {
			return nil
		}
		if err := a.release(ctx); err != nil {
			return err
		}
	}
	release, err := a.locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	a.heldID, a.held = id, release
	a.log.Debug().Str("session_id", id).Msg("advisory lock acquired")
	return nil
}

func (a *advisoryLock) forUpdate() bool    { return false }
func (a *advisoryLock) insertOnMiss() bool { return false }

func (a *advisoryLock) release(ctx context.Context) error {
	if a.held == nil {
		return nil
	}
	release, id := a.held, a.heldID
	a.held, a.heldID = nil, ""
	if err := release(ctx); err != nil {
		return err
	}
	a.log.Debug().Str("session_id", id).Msg("advisory lock released")
	return nil
}

// transactionalLock relies on the row lock taken by SELECT ... FOR UPDATE,
// which the transaction holds until Close commits it.
type transactionalLock struct {
	tx *txManager
}

func (t *transactionalLock) acquire(ctx context.Context, _ string) error {
	return t.tx.begin(ctx)
}

func (t *transactionalLock) forUpdate() bool               { return true }
func (t *transactionalLock) insertOnMiss() bool            { return true }
func (t *transactionalLock) release(context.Context) error { return nil }
