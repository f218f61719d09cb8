package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

// RedisKeyPrefix namespaces cached resolutions in a shared Redis.
const RedisKeyPrefix = "cropwater:resolve:"

// RedisCache is a ResolveCache shared by every server instance.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisCache connects to the Redis at url and verifies it answers.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration, log *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisCache(client, ttl, log), nil
}

func newRedisCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]explorer.LayerRecord, bool) {
	data, err := c.client.Get(ctx, RedisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("redis cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var records []explorer.LayerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		c.log.Warn("dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, RedisKeyPrefix+key)
		return nil, false
	}
	return records, true
}

func (c *RedisCache) Set(ctx context.Context, key string, records []explorer.LayerRecord) {
	data, err := json.Marshal(records)
	if err != nil {
		c.log.Warn("redis cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, RedisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.log.Warn("redis cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) Entries(ctx context.Context) ([]CacheEntry, error) {
	result := []CacheEntry{}
	iter := c.client.Scan(ctx, 0, RedisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), RedisKeyPrefix)
		records, ok := c.Get(ctx, key)
		if !ok {
			continue
		}
		result = append(result, CacheEntry{Key: key, Records: len(records)})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (c *RedisCache) Flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, RedisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
