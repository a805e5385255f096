package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the shared Redis client. The pool is task-safe and
// reconnects on its own; components hold one instance per process.
type RedisCache struct {
	client     redis.UniversalClient
	instanceID string
}

// NewRedisCache creates a Redis client with Sentinel support for HA.
func NewRedisCache(ctx context.Context, sentinelAddrs []string, masterName, password, instanceID string) (*RedisCache, error) {
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:      masterName,
		SentinelAddrs:   sentinelAddrs,
		Password:        password,
		DB:              0,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        20,
		MinIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{client: client, instanceID: instanceID}, nil
}

// NewRedisCacheSimple creates a simple Redis client (non-sentinel).
func NewRedisCacheSimple(ctx context.Context, addr, password, instanceID string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              0,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        20,
		MinIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{client: client, instanceID: instanceID}, nil
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func (rc *RedisCache) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisCache) Client() redis.UniversalClient {
	return rc.client
}
