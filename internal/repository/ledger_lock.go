package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout indicates the ledger lock could not be acquired before the wait elapsed.
var ErrLockTimeout = errors.New("ledger lock wait exceeded")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig tunes the distributed ledger lock.
type RedisLockerConfig struct {
	Prefix string
	TTL    time.Duration
	Wait   time.Duration
	Poll   time.Duration
}

// RedisLocker serialises ledger writers across processes sharing a store root.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisLockerConfig
}

// NewRedisLocker constructs a locker backed by SET NX with expiry.
func NewRedisLocker(client *redis.Client, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "marker:ledger:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 50 * time.Millisecond
	}

	return &RedisLocker{client: client, cfg: cfg}
}

// Lock blocks until the key is held or the wait elapses. The returned release only
// deletes the key while it still carries this holder's token.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.cfg.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.cfg.Wait)

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, name)
		}

		timer := time.NewTimer(l.cfg.Poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		_ = releaseScript.Run(context.Background(), l.client, []string{name}, token).Err()
	}, nil
}
