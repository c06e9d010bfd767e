package materialize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client the cache uses.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ErrExpired is returned by RedisCache.Get for keys that no longer exist.
var ErrExpired = errors.New("cached artifact expired")

// RedisCache stores cached artifacts with a Redis TTL.
type RedisCache struct {
	client RedisClient
	prefix string
}

// NewRedisCache creates a RedisCache. Keys are "<prefix><tenant>/<execution>/<name>".
func NewRedisCache(client RedisClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// NewRedisClient opens a client for addr ("host:port").
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Name implements Backend.
func (c *RedisCache) Name() string { return BackendRedis }

// Locate implements Backend.
func (c *RedisCache) Locate(key string) string {
	return BackendRedis + "://" + c.prefix + key
}

// Put implements Backend. Objects without a TTL are rejected: the cache
// never holds anything indefinitely.
func (c *RedisCache) Put(ctx context.Context, obj Object) (string, error) {
	if obj.TTL <= 0 {
		return "", fmt.Errorf("redis cache: %s has no ttl", obj.Key())
	}
	key := c.prefix + obj.Key()
	if err := c.client.Set(ctx, key, obj.Data, obj.TTL).Err(); err != nil {
		return "", fmt.Errorf("redis set %s: %w", key, err)
	}
	return c.Locate(obj.Key()), nil
}

// Get implements Backend.
func (c *RedisCache) Get(ctx context.Context, location string) ([]byte, error) {
	key, err := c.key(location)
	if err != nil {
		return nil, err
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, ErrExpired)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Backend. Deleting a missing key succeeds.
func (c *RedisCache) Delete(ctx context.Context, location string) error {
	key, err := c.key(location)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) key(location string) (string, error) {
	key, ok := strings.CutPrefix(location, BackendRedis+"://")
	if !ok || !strings.HasPrefix(key, c.prefix) {
		return "", fmt.Errorf("not a location of this cache: %s", location)
	}
	return key, nil
}
