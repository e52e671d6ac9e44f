package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "trustgate:"

// RedisWindows shares deviation and median windows between API replicas.
// Each append runs RPUSH, LTRIM and LRANGE in one MULTI/EXEC.
type RedisWindows struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisWindows(rdb redis.UniversalClient, ttl time.Duration) *RedisWindows {
	return &RedisWindows{rdb: rdb, ttl: ttl}
}

func (w *RedisWindows) Append(ctx context.Context, key string, value float64, limit int) ([]float64, error) {
	k := redisPrefix + key
	var rng *redis.StringSliceCmd
	_, err := w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, strconv.FormatFloat(value, 'g', -1, 64))
		if limit > 0 {
			pipe.LTrim(ctx, k, int64(-limit), -1)
		}
		if w.ttl > 0 {
			pipe.Expire(ctx, k, w.ttl)
		}
		rng = pipe.LRange(ctx, k, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: redis append %s: %w", key, err)
	}
	return parseFloats(rng.Val())
}

func (w *RedisWindows) Values(ctx context.Context, key string) ([]float64, error) {
	vals, err := w.rdb.LRange(ctx, redisPrefix+key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("oracle: redis range %s: %w", key, err)
	}
	return parseFloats(vals)
}

func parseFloats(vals []string) ([]float64, error) {
	out := make([]float64, 0, len(vals))
	for _, s := range vals {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("oracle: corrupt window value %q: %w", s, err)
		}
		out = append(out, f)
	}
	return out, nil
}

type RedisCache struct {
	rdb redis.UniversalClient
}

func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	v, err := c.rdb.Get(ctx, redisPrefix+key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("oracle: redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value float64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, redisPrefix+key, strconv.FormatFloat(value, 'g', -1, 64), ttl).Err(); err != nil {
		return fmt.Errorf("oracle: redis set %s: %w", key, err)
	}
	return nil
}
