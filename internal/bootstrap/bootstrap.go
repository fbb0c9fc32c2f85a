// Package bootstrap wires the shared infrastructure both binaries need.
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/teletherapy-api/internal/config"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/internal/repository/firestore"
	"github.com/jwalitptl/teletherapy-api/internal/repository/memory"
	redisstore "github.com/jwalitptl/teletherapy-api/internal/repository/redis"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/messaging/redis"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
)

// LoggerConfig maps log.* settings onto the zerolog wrapper.
func LoggerConfig(cfg config.LogConfig) *logger.Config {
	return &logger.Config{
		Level:   logger.ParseLevel(cfg.Level),
		Console: cfg.Console,
	}
}

func RedisClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	return redis.NewClient(ctx, redis.Config{
		URL:          cfg.URL,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

// CallStore opens the call document store selected by signaling.store. The
// returned close function releases store-owned clients; the shared redis
// client stays with the caller.
func CallStore(
	ctx context.Context,
	cfg *config.Config,
	rdb *goredis.Client,
	m *metrics.Metrics,
	log *logger.Logger,
) (repository.CallRepository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Signaling.Store {
	case config.StoreMemory:
		return memory.NewCallStore(), noop, nil
	case config.StoreRedis:
		if rdb == nil {
			return nil, nil, fmt.Errorf("redis call store needs a redis client")
		}
		return redisstore.NewCallStore(rdb, cfg.Signaling.CallTTL, m, log), noop, nil
	case config.StoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firebase)
		if err != nil {
			return nil, nil, err
		}
		return firestore.NewCallStore(client, log), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown call store %q", cfg.Signaling.Store)
	}
}
