package sqlsession

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SessionHandler is the contract a host session subsystem drives once per
// request: Open, Read, any number of Write/Destroy/GC calls, then Close. A nil
// error means success.
type SessionHandler interface {
	Open(savePath, sessionName string) error
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, id string, data []byte) error
	Destroy(ctx context.Context, id string) error
	GC(maxLifetime int) error
	Close(ctx context.Context) error
	IsExpired() bool
}

var _ SessionHandler = (*Handler)(nil)

// Handler runs one session read-write-close cycle on a single database
// connection. It is not safe for concurrent use and cannot be reused after
// Close.
type Handler struct {
	store *Store
	conn  *sql.Conn
	tx    *txManager
	lock  lockStrategy
	req   RequestInfo
	log   zerolog.Logger

	expired   bool
	gcPending bool
	closed    bool
	// discard drops the connection instead of pooling it, which also frees
	// any server-side lock it may still hold.
	discard bool

	// beforeInsert runs right before every INSERT, on the querier that will
	// run it.
	beforeInsert func(q querier)
}

func newHandler(s *Store, conn *sql.Conn, req RequestInfo) *Handler {
	tx := newTxManager(conn, s.dialect.txOptions(), s.log)
	locker := s.cfg.Locker
	if locker == nil {
		locker = &sqlLocker{
			conn:    conn,
			dialect: s.dialect,
			schema:  s.schema,
			timeout: s.cfg.AdvisoryLockTimeout,
		}
	}
	return &Handler{
		store: s,
		conn:  conn,
		tx:    tx,
		lock:  newLockStrategy(s.cfg.LockMode, tx, locker, s.log),
		req:   req,
		log:   s.log,
	}
}

// Open is a no-op.
func (h *Handler) Open(savePath, sessionName string) error {
	return nil
}

// IsExpired reports whether the last Read found a session whose lifetime had
// elapsed. It tells a timed-out session apart from a new one.
func (h *Handler) IsExpired() bool {
	return h.expired
}

// Read returns the session payload, or an empty slice when the session does
// not exist or has expired. Depending on the lock mode it first acquires a
// lock on the session that is held until Close. Cancelling ctx aborts the
// wait for the lock, but a lock already taken stays held until Close.
//
// A handler holds one advisory lock: reading a second id releases the lock
// of the first one, so only the last id read is protected until Close.
func (h *Handler) Read(ctx context.Context, id string) ([]byte, error) {
	if h.closed {
		return nil, ErrHandlerClosed
	}
	start := time.Now()
	data, err := h.read(ctx, id)
	if err != nil {
		return nil, h.fail("read", err)
	}
	h.store.metrics.readWait.WithLabelValues(h.store.cfg.LockMode.String()).Observe(time.Since(start).Seconds())
	return data, nil
}

func (h *Handler) read(ctx context.Context, id string) ([]byte, error) {
	h.expired = false

	if err := h.lock.acquire(ctx, id); err != nil {
		return nil, err
	}

	query := h.store.q.selectRow
	if h.lock.forUpdate() {
		query = h.store.q.selectForUpdate
	}

	// Exits once the row is found or our own placeholder insert succeeds.
	// No retry cap: the competing transaction always ends, by commit,
	// rollback or its connection going away.
	for {
		var (
			data      []byte
			lifetime  int64
			updatedAt int64
		)
		err := h.tx.querier().QueryRowContext(ctx, query, id).Scan(&data, &lifetime, &updatedAt)
		if err == nil {
			if updatedAt+lifetime < h.store.cfg.Now().Unix() {
				h.expired = true
				return []byte{}, nil
			}
			if data == nil {
				data = []byte{}
			}
			return data, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query session: %w", err)
		}

		if !h.lock.insertOnMiss() {
			return []byte{}, nil
		}

		// Locking reads of a missing row do not block, so insert an empty
		// row to serialise with other connections working on this id.
		if h.beforeInsert != nil {
			h.beforeInsert(h.tx.querier())
		}
		now := h.store.cfg.Now()
		_, err = h.tx.querier().ExecContext(ctx, h.store.q.insert, h.insertArgs(id, []byte{}, 0, now)...)
		if err == nil {
			return []byte{}, nil
		}
		if !h.store.dialect.isDuplicateKey(err) {
			return nil, fmt.Errorf("failed to insert session placeholder: %w", err)
		}

		// Another connection created the session first. A failed statement
		// aborts the transaction on PostgreSQL, so start a new one and read
		// the session the other connection wrote.
		h.store.metrics.insertRaces.WithLabelValues("read").Inc()
		h.log.Debug().Str("session_id", id).Msg("placeholder insert lost race, retrying read")
		if err := h.tx.rollback(); err != nil {
			return nil, err
		}
		if err := h.tx.begin(ctx); err != nil {
			return nil, err
		}
	}
}

// Write stores the session payload, stamping the configured lifetime and the
// current time. Internal requests leave the stored client IP and user agent
// unchanged.
func (h *Handler) Write(ctx context.Context, id string, data []byte) error {
	if h.closed {
		return ErrHandlerClosed
	}
	if err := h.write(ctx, id, data); err != nil {
		return h.fail("write", err)
	}
	return nil
}

func (h *Handler) write(ctx context.Context, id string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	now := h.store.cfg.Now()
	lifetime := int64(h.store.cfg.MaxLifetime / time.Second)
	internal := 0
	if h.req.Internal() {
		internal = 1
	}
	q := h.store.q
	insertArgs := h.insertArgs(id, data, lifetime, now)

	if h.store.nativeUpsert {
		if _, err := h.tx.querier().ExecContext(ctx, q.upsert[internal], insertArgs...); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	}

	updateArgs := h.updateArgs(id, data, lifetime, now, internal == 1)
	update := func() (int64, error) {
		res, err := h.tx.querier().ExecContext(ctx, q.update[internal], updateArgs...)
		if err != nil {
			return 0, fmt.Errorf("failed to update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count updated sessions: %w", err)
		}
		return n, nil
	}

	n, err := update()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	err = h.tx.savepoint(ctx, "sqlsession_insert", func(tq querier) error {
		if h.beforeInsert != nil {
			h.beforeInsert(tq)
		}
		_, err := tq.ExecContext(ctx, q.insert, insertArgs...)
		return err
	})
	if err == nil {
		return nil
	}
	if !h.store.dialect.isDuplicateKey(err) {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	// The same session was written concurrently and the other insert won.
	h.store.metrics.insertRaces.WithLabelValues("write").Inc()
	h.log.Debug().Str("session_id", id).Msg("insert lost race, updating instead")
	_, err = update()
	return err
}

// Destroy deletes the session. Deleting a missing session is not an error.
func (h *Handler) Destroy(ctx context.Context, id string) error {
	if h.closed {
		return ErrHandlerClosed
	}
	if _, err := h.tx.querier().ExecContext(ctx, h.store.q.delete, id); err != nil {
		return h.fail("destroy", fmt.Errorf("failed to delete session: %w", err))
	}
	return nil
}

// GC schedules deletion of expired sessions for Close, outside the locked
// part of the request. maxLifetime is ignored: each row expires according to
// its own stored lifetime.
func (h *Handler) GC(maxLifetime int) error {
	if h.closed {
		return ErrHandlerClosed
	}
	h.gcPending = true
	return nil
}

// Close commits the open transaction, releases any advisory lock, runs a
// pending garbage collection and returns the connection to the pool.
func (h *Handler) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	if err := h.tx.commit(); err != nil {
		errs = append(errs, err)
		h.discard = true
	}
	if err := h.lock.release(ctx); err != nil {
		errs = append(errs, err)
		h.discard = true
	}
	if len(errs) == 0 && h.gcPending {
		h.gcPending = false
		if _, err := h.store.gc(ctx, h.conn); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.releaseConn(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		h.store.metrics.failures.WithLabelValues("close").Inc()
	}
	return errors.Join(errs...)
}

// fail rolls back any open transaction before an error is returned, so that
// no transaction outlives a reported failure.
func (h *Handler) fail(op string, err error) error {
	h.store.metrics.failures.WithLabelValues(op).Inc()
	if rbErr := h.tx.rollback(); rbErr != nil {
		h.discard = true
		return errors.Join(err, rbErr)
	}
	return err
}

func (h *Handler) releaseConn() error {
	if !h.discard {
		if err := h.conn.Close(); err != nil {
			return fmt.Errorf("failed to release connection: %w", err)
		}
		return nil
	}
	h.log.Warn().Msg("discarding connection after failed unlock or rollback")
	err := h.conn.Raw(func(any) error { return driver.ErrBadConn })
	if err != nil && !errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("failed to discard connection: %w", err)
	}
	return nil
}

func (h *Handler) insertArgs(id string, data []byte, lifetime int64, now time.Time) []any {
	ts := h.store.dialect.bindTime(now)
	ip, ua := h.identity()
	return []any{id, data, lifetime, ts, ts, ip, ua}
}

func (h *Handler) updateArgs(id string, data []byte, lifetime int64, now time.Time, internal bool) []any {
	ts := h.store.dialect.bindTime(now)
	if internal {
		return []any{data, lifetime, ts, id}
	}
	ip, ua := h.identity()
	return []any{data, lifetime, ts, ip, ua, id}
}

// identity returns the client IP and user agent to store, both NULL for
// internal requests.
func (h *Handler) identity() (ip, ua sql.NullString) {
	if h.req.Internal() {
		return ip, ua
	}
	return nullString(h.req.ClientIP), nullString(h.req.UserAgent)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
