package sqlsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txManager tracks the single transaction a handler may have open on its
// connection. begin, commit and rollback are all idempotent.
type txManager struct {
	conn *sql.Conn
	opts *sql.TxOptions
	tx   *sql.Tx
	log  zerolog.Logger
}

func newTxManager(conn *sql.Conn, opts *sql.TxOptions, log zerolog.Logger) *txManager {
	return &txManager{conn: conn, opts: opts, log: log}
}

func (m *txManager) active() bool {
	return m.tx != nil
}

// querier returns the open transaction, or the bare connection when none is open.
func (m *txManager) querier() querier {
	if m.tx != nil {
		return m.tx
	}
	return m.conn
}

// begin opens a transaction unless one is already open. The transaction
// outlives ctx: it ends only with commit or rollback, so that a row lock taken
// in Read is held until Close whatever happens to the Read context. Each
// statement still honours its own context.
func (m *txManager) begin(ctx context.Context) error {
	if m.tx != nil {
		return nil
	}
	tx, err := m.conn.BeginTx(context.WithoutCancel(ctx), m.opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	m.tx = tx
	m.log.Debug().Msg("transaction started")
	return nil
}

// commit commits the open transaction, which also releases any row lock.
// On failure the transaction is rolled back and the commit error returned.
func (m *txManager) commit() error {
	if m.tx == nil {
		return nil
	}
	if err := m.tx.Commit(); err != nil {
		rbErr := m.rollback()
		return errors.Join(fmt.Errorf("failed to commit transaction: %w", err), rbErr)
	}
	m.tx = nil
	m.log.Debug().Msg("transaction committed")
	return nil
}

// rollback aborts the open transaction. A transaction that database/sql
// already finished (context cancelled, failed commit) counts as rolled back.
func (m *txManager) rollback() error {
	if m.tx == nil {
		return nil
	}
	err := m.tx.Rollback()
	m.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	m.log.Debug().Msg("transaction rolled back")
	return nil
}

// savepoint runs fn inside a savepoint when a transaction is open, so that a
// failing statement does not abort the whole transaction (PostgreSQL refuses
// every further statement in an aborted transaction). fn's error is returned
// unchanged after rolling back to the savepoint.
func (m *txManager) savepoint(ctx context.Context, name string, fn func(q querier) error) error {
	if m.tx == nil {
		return fn(m.conn)
	}
	if _, err := m.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(m.tx); err != nil {
		if _, rbErr := m.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := m.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
