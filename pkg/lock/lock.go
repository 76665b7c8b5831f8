package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(
		fx.Annotate(NewRedisLocker, fx.As(new(Locker))),
	),
)

// ErrNotAcquired is returned when another holder owns the key.
var ErrNotAcquired = errors.New("lock already held by another process")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	zap.L().Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))

	return &redisLock{client: l.client, key: key, token: token}, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

// Release deletes the key only while it still carries our token.
func (l *redisLock) Release(ctx context.Context) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("lock %s expired before release", l.key)
	}
	return nil
}

// WithLock runs fn while holding key. ErrNotAcquired is returned untouched so
// callers can skip quietly.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lk, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}
