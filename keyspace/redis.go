package keyspace

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// versionKeyPrefix namespaces the per-key version counters so they never
// collide with data keys.
const versionKeyPrefix = "keytrack:ver:"

// RedisStore is a Redis-backed KeySpace. The value lives under the key itself
// and the version under a companion counter key that survives deletes, so a
// recreated key continues its version sequence.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Get retrieves the entry for key.
func (rs *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	pipe := rs.client.Pipeline()
	valCmd := pipe.Get(ctx, key)
	verCmd := pipe.Get(ctx, versionKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, err
	}

	value, err := valCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}

	version, err := verCmd.Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, err
	}
	return Entry{Value: value, Version: version}, nil
}

// Set stores value under key and returns the new version.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte) (uint64, error) {
	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, key, value, 0)
	verCmd := pipe.Incr(ctx, versionKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return uint64(verCmd.Val()), nil
}

// Delete removes key. The version counter is kept so a later recreate does not
// restart versions from one.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, key).Err()
}

// Clear removes all keys, version counters included.
func (rs *RedisStore) Clear(ctx context.Context) error {
	return rs.client.FlushDB(ctx).Err()
}

// Len reports the number of data keys. Version counters are excluded.
func (rs *RedisStore) Len(ctx context.Context) (int, error) {
	total, err := rs.client.DBSize(ctx).Result()
	if err != nil {
		return 0, err
	}
	versions, err := rs.countVersionKeys(ctx)
	if err != nil {
		return 0, err
	}
	return int(total) - versions, nil
}

func (rs *RedisStore) countVersionKeys(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, versionKeyPrefix+"*", 1000).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
