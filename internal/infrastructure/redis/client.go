package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"palantir/internal/config"
)

// NewClient returns a connected Redis client and a lock client on top of it.
// Callers skip this entirely when no address is configured.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, *redislock.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("pinging redis at %s: %w", cfg.Address, err)
	}

	return rdb, redislock.New(rdb), nil
}
