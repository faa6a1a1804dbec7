package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mathopoulos/hkextract"
)

// RedisKeyPrefix prefixes every key written by Redis.
const RedisKeyPrefix = "health:series:"

// RedisClient is the part of a go-redis client used by Redis.
// *redis.Client, *redis.ClusterClient and *redis.Ring all satisfy it.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis stores each series as one JSON value under
// health:series:<user>:<metric>.
type Redis struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedis returns a Redis sink. A ttl of zero keeps values until overwritten.
func NewRedis(client RedisClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// NewRedisAddr connects to the server at addr.
func NewRedisAddr(addr string, ttl time.Duration) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), ttl)
}

// RedisKey returns the key a series is stored under.
func RedisKey(key hkextract.Key) string {
	return RedisKeyPrefix + key.User + ":" + key.Metric
}

func (r *Redis) Write(ctx context.Context, key hkextract.Key, series hkextract.Series) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if series == nil {
		series = hkextract.Series{}
	}
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, RedisKey(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", RedisKey(key), err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, key hkextract.Key) (hkextract.Series, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, RedisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", RedisKey(key), err)
	}
	var series hkextract.Series
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("decode %s: %w", RedisKey(key), err)
	}
	return series, nil
}
