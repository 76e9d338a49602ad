package sqlsession

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_Defaults(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	assert.Equal(t, DefaultTable, s.cfg.Table)
	assert.Equal(t, DefaultColumns(), s.cfg.Columns)
	assert.Equal(t, LockTransactional, s.cfg.LockMode)
	assert.Equal(t, DefaultMaxLifetime, s.cfg.MaxLifetime)
	assert.Equal(t, DefaultAdvisoryLockTimeout, s.cfg.AdvisoryLockTimeout)
	assert.Equal(t, "sqlite", s.Dialect().Name())
	assert.True(t, s.nativeUpsert, "bundled SQLite supports ON CONFLICT")
}

func TestNewStore_InvalidConfig(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	_, err := NewStore(ctx, s.db, Config{LockMode: LockMode(9)})
	assert.ErrorIs(t, err, ErrUnsupportedLockMode)

	_, err = NewStore(ctx, s.db, Config{Table: "session; DROP TABLE x"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewStore(ctx, s.db, Config{Columns: Columns{Data: "da-ta"}})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestNewStore_DisableNativeUpsert(t *testing.T) {
	s, _ := newTestStore(t, Config{DisableNativeUpsert: true})
	assert.False(t, s.nativeUpsert)
}

func TestStore_CreateTableIdempotent(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	require.NoError(t, s.CreateTable(context.Background()))
	require.NoError(t, s.CreateTable(context.Background()))
}

func TestStore_Cleanup(t *testing.T) {
	s, clock := newTestStore(t, Config{LockMode: LockNone, MaxLifetime: time.Minute})
	ctx := context.Background()

	write := func(id string) {
		h := newTestHandler(t, s, externalRequest)
		require.NoError(t, h.Write(ctx, id, []byte(id)))
		require.NoError(t, h.Close(ctx))
	}

	write("old-1")
	write("old-2")
	clock.Advance(2 * time.Minute)
	write("fresh")

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, countRows(t, s))

	n, err = s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_MetricsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	s1, _ := newTestStore(t, Config{Registerer: reg})
	s2, _ := newTestStore(t, Config{Registerer: reg})

	assert.Same(t, s1.metrics.failures, s2.metrics.failures)
	assert.Equal(t, s1.metrics.gcDeleted, s2.metrics.gcDeleted)

	s1.metrics.gcDeleted.Add(2)
	s2.metrics.gcDeleted.Add(3)
	assert.Equal(t, 5.0, testutil.ToFloat64(s1.metrics.gcDeleted))

	n, err := testutil.GatherAndCount(reg, "sqlsession_gc_deleted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_CloseOwnership(t *testing.T) {
	owned, _ := newTestStore(t, Config{})
	ctx := context.Background()

	shared, err := NewStore(ctx, owned.db, Config{})
	require.NoError(t, err)
	require.NoError(t, shared.Close())
	require.NoError(t, owned.db.PingContext(ctx), "a store never closes a database it was given")

	require.NoError(t, owned.Close())
	assert.Error(t, owned.db.PingContext(ctx))
}
