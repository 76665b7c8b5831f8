package redis

import (
	"context"
	"fmt"
	"time"

	"freight-controlplane/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

const (
	pingAttempts = 5
	pingInterval = 2 * time.Second
)

// New builds the shared client. The connection is verified on start; the
// app refuses to boot when redis never answers.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	log := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ping(ctx, rdb, log); err != nil {
				return err
			}
			log.Info("[Redis] Connected to Redis")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}

func ping(ctx context.Context, rdb *redis.Client, log *zap.Logger) error {
	var err error
	for i := 1; i <= pingAttempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		log.Warn("[Redis] Redis not ready", zap.Int("attempt", i), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis ping: %w", ctx.Err())
		case <-time.After(pingInterval):
		}
	}
	return fmt.Errorf("redis unreachable after %d attempts: %w", pingAttempts, err)
}
