package sqlsession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/google/uuid"
)

// MemcachedLocker implements Locker with Memcached. A lock is a key created
// with the atomic add command; it expires on its own if its holder dies.
type MemcachedLocker struct {
	client  *memcache.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	poll    time.Duration
}

// MemcachedLockerConfig holds configuration for a MemcachedLocker.
type MemcachedLockerConfig struct {
	Servers []string
	// Prefix namespaces lock keys. Defaults to "sqlsession:lock:".
	Prefix string
	// TTL bounds how long a lock survives a crashed holder. Locks are not
	// renewed: a handler cycle that outlasts TTL loses mutual exclusion.
	// Defaults to 5 minutes.
	TTL time.Duration
	// Timeout is the longest Lock waits. Defaults to DefaultAdvisoryLockTimeout.
	Timeout time.Duration
	// PollInterval is the first retry delay while the lock is taken. It
	// doubles up to one second. Defaults to 10ms.
	PollInterval time.Duration
	// IOTimeout for Memcached operations. Defaults to 1 second.
	IOTimeout time.Duration
}

// NewMemcachedLocker creates a MemcachedLocker with default configuration.
func NewMemcachedLocker(servers ...string) *MemcachedLocker {
	return NewMemcachedLockerWithConfig(MemcachedLockerConfig{Servers: servers})
}

// NewMemcachedLockerWithConfig creates a MemcachedLocker with custom configuration.
func NewMemcachedLockerWithConfig(cfg MemcachedLockerConfig) *MemcachedLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "sqlsession:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultAdvisoryLockTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = time.Second
	}

	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.IOTimeout

	return &MemcachedLocker{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		poll:    cfg.PollInterval,
	}
}

// Lock blocks until the lock for id is added, ctx is done or the configured
// timeout elapses.
func (l *MemcachedLocker) Lock(ctx context.Context, id string) (Release, error) {
	// Memcached keys are limited to 250 bytes without spaces, so the id is hashed.
	key := fmt.Sprintf("%s%016x", l.prefix, uint64(advisoryKey(l.prefix, id)))
	token := []byte(uuid.NewString())

	var deadline <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	wait := l.poll
	for {
		now := time.Now()
		err := l.client.Add(&memcache.Item{
			Key:        key,
			Value:      token,
			Expiration: memcachedExpiration(now, now.Add(l.ttl)),
		})
		if err == nil {
			break
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return nil, fmt.Errorf("failed to add memcached lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrLockTimeout
		case <-time.After(wait):
		}
		wait = min(wait*2, time.Second)
	}

	return func(context.Context) error {
		return releaseMemcachedLock(l.client, key, token)
	}, nil
}

// memcachedCAS is the part of *memcache.Client a lock release needs.
type memcachedCAS interface {
	Get(key string) (*memcache.Item, error)
	CompareAndSwap(item *memcache.Item) error
}

// releaseMemcachedLock expires key if it still holds token. The check and
// the removal are one compare-and-swap, so a lock that expired and was taken
// by someone else in between is left alone. A negative expiration makes
// memcached expire the item at once.
func releaseMemcachedLock(c memcachedCAS, key string, token []byte) error {
	item, err := c.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read memcached lock: %w", err)
	}
	if !bytes.Equal(item.Value, token) {
		return nil
	}
	item.Expiration = -1
	err = c.CompareAndSwap(item)
	switch {
	case err == nil,
		errors.Is(err, memcache.ErrCASConflict),
		errors.Is(err, memcache.ErrNotStored),
		errors.Is(err, memcache.ErrCacheMiss):
		return nil
	}
	return fmt.Errorf("failed to release memcached lock: %w", err)
}

// memcachedExpiration converts an expiry time into memcached's expiration
// field, which is read as a relative number of seconds up to 30 days and as a
// Unix timestamp beyond that.
func memcachedExpiration(now, expiresAt time.Time) int32 {
	const relativeLimit = 30 * 24 * time.Hour

	d := expiresAt.Sub(now)
	switch {
	case d > relativeLimit:
		return int32(expiresAt.Unix())
	case d < time.Second:
		// 0 would mean "never expires".
		return 1
	}
	return int32(d / time.Second)
}
