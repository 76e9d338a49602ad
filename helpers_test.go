package sqlsession

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestStore opens an SQLite store on a fresh file with its table created.
// cfg.Now defaults to the returned fake clock.
func newTestStore(t testing.TB, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	ctx := context.Background()
	store, err := NewSQLiteStoreWithConfig(ctx, SQLiteConfig{
		DSN:   filepath.Join(t.TempDir(), "sessions.db"),
		Store: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateTable(ctx))
	return store, clock
}

func newTestHandler(t testing.TB, s *Store, req RequestInfo) *Handler {
	t.Helper()
	h, err := s.NewHandler(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func newMiniredisLocker(t testing.TB, timeout time.Duration) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, RedisLockerConfig{Timeout: timeout, PollInterval: 5 * time.Millisecond})
}

type storedRow struct {
	data      []byte
	lifetime  int64
	ip        sql.NullString
	userAgent sql.NullString
}

func fetchRow(t testing.TB, s *Store, id string) (storedRow, bool) {
	t.Helper()
	var r storedRow
	err := s.db.QueryRow("SELECT data, lifetime, last_ip, last_useragent FROM session WHERE id = ?", id).
		Scan(&r.data, &r.lifetime, &r.ip, &r.userAgent)
	if err == sql.ErrNoRows {
		return r, false
	}
	require.NoError(t, err)
	return r, true
}

func countRows(t testing.TB, s *Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM session").Scan(&n))
	return n
}

var (
	externalRequest = RequestInfo{ClientIP: "203.0.113.7", UserAgent: "test-agent/1.0", ServerAddr: "192.0.2.1"}
	internalRequest = RequestInfo{ClientIP: "192.0.2.1", UserAgent: "curl/8.0", ServerAddr: "192.0.2.1"}
)
