package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/matzehuels/forge/pkg/errors"
)

// DefaultRedisPrefix namespaces forge entries in a shared Redis database.
const DefaultRedisPrefix = "forge:cache:"

// RedisConfig configures a [RedisBackend].
type RedisConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // defaults to DefaultRedisPrefix
}

// RedisBackend stores JSON-encoded entries in Redis. Redis key expiry is not
// used; staleness is decided by [Store] like for every other backend.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrCodeCache, err, "connect to redis at %s", cfg.Addr)
	}
	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Load fetches and decodes the entry for key.
func (b *RedisBackend) Load(ctx context.Context, key string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, err, "decode redis entry %q", key)
	}
	return &e, nil
}

// Save writes the encoded entry without a Redis expiry.
func (b *RedisBackend) Save(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.prefix+e.Key, data, 0).Err()
}

// Delete removes key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.prefix+key).Err()
}

// Keys scans for every key under the prefix.
func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	return keys, iter.Err()
}

// Close closes the Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
