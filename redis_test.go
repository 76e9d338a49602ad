package sqlsession

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, RedisLockerConfig{Prefix: "test:lock:"})
	ctx := context.Background()

	release, err := locker.Lock(ctx, "sid")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:sid"), "lock key should be set")
	assert.Greater(t, mr.TTL("test:lock:sid"), time.Duration(0), "lock key must expire")

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:lock:sid"), "lock key should be removed on release")
}

func TestRedisLocker_Contention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := RedisLockerConfig{Timeout: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	locker1 := NewRedisLocker(client, cfg)
	locker2 := NewRedisLocker(client, cfg)
	ctx := context.Background()

	release1, err := locker1.Lock(ctx, "shared")
	require.NoError(t, err)

	start := time.Now()
	_, err = locker2.Lock(ctx, "shared")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "should wait for the timeout")

	acquired := make(chan error, 1)
	go func() {
		release2, err := locker2.Lock(ctx, "shared")
		if err == nil {
			err = release2(ctx)
		}
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, release1(ctx))

	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second locker never acquired the released lock")
	}
}

func TestRedisLocker_ContextCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, RedisLockerConfig{Timeout: -1, PollInterval: 5 * time.Millisecond})
	release, err := locker.Lock(context.Background(), "sid")
	require.NoError(t, err)
	defer release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "sid")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, RedisLockerConfig{Prefix: "l:"})
	ctx := context.Background()

	release, err := locker.Lock(ctx, "sid")
	require.NoError(t, err)

	// Our lock expired and another process took it.
	require.NoError(t, mr.Set("l:sid", "someone-else"))

	require.NoError(t, release(ctx))
	got, err := mr.Get("l:sid")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
