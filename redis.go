package sqlsession

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with Redis SET NX PX. A lock expires on its
// own after TTL if its holder dies.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	poll    time.Duration
}

// RedisLockerConfig holds configuration for a RedisLocker.
type RedisLockerConfig struct {
	// Prefix namespaces lock keys. Defaults to "sqlsession:lock:".
	Prefix string
	// TTL bounds how long a lock survives a crashed holder. Locks are not
	// renewed: a handler cycle that outlasts TTL loses mutual exclusion.
	// Defaults to 5 minutes.
	TTL time.Duration
	// Timeout is the longest Lock waits. Defaults to DefaultAdvisoryLockTimeout.
	Timeout time.Duration
	// PollInterval defaults to 10ms.
	PollInterval time.Duration
}

// NewRedisLocker creates a RedisLocker on an existing client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
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
	return &RedisLocker{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		poll:    cfg.PollInterval,
	}
}

func (l *RedisLocker) key(id string) string {
	return l.prefix + id
}

// Lock blocks until the lock for id is set, ctx is done or the configured
// timeout elapses.
func (l *RedisLocker) Lock(ctx context.Context, id string) (Release, error) {
	key := l.key(id)
	token := uuid.NewString()

	lockCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	wait := l.poll
	for {
		ok, err := l.client.SetNX(lockCtx, key, token, l.ttl).Result()
		if err != nil {
			// An error caused by the expiring wait is reported below.
			if lockCtx.Err() == nil {
				return nil, fmt.Errorf("failed to set redis lock: %w", err)
			}
		} else if ok {
			break
		}

		select {
		case <-lockCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrLockTimeout
		case <-time.After(wait):
		}
		wait = min(wait*2, time.Second)
	}

	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release redis lock: %w", err)
		}
		return nil
	}, nil
}
