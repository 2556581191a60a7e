package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisScanBatch = 100

// Redis is the production ResultCache. A connection failure at startup
// or on any operation silently downgrades the cache to always-miss; the
// registry keeps working without it.
type Redis struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// RedisOptions configures a Redis cache.
type RedisOptions struct {
	URL        string
	KeyPrefix  string
	DefaultTTL time.Duration
	Logger     *zap.Logger
}

// NewRedis connects to Redis. The error is advisory: on failure the
// returned cache is still usable and behaves as always-miss.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := &Redis{
		prefix:     opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
		logger:     logger.Named("redis_cache"),
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		cache.logger.Warn("invalid redis url, caching disabled", zap.Error(err))
		return cache, err
	}

	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cache.logger.Warn("redis unavailable, caching disabled", zap.String("url", opts.URL), zap.Error(err))
		_ = client.Close()
		return cache, err
	}

	cache.client = client
	cache.logger.Info("redis cache connected", zap.String("url", opts.URL))
	return cache, nil
}

// Available reports whether a Redis connection is active.
func (r *Redis) Available() bool {
	return r.client != nil
}

func (r *Redis) Get(ctx context.Context, qualifiedName, fingerprint string) (string, bool) {
	if r.client == nil {
		return "", false
	}
	key := buildKey(r.prefix, qualifiedName, fingerprint)
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.misses.Add(1)
			return "", false
		}
		r.logger.Warn("redis get failed", zap.Error(err))
		return "", false
	}
	r.hits.Add(1)
	return value, true
}

func (r *Redis) Set(ctx context.Context, qualifiedName, fingerprint, value string, ttl time.Duration) {
	if r.client == nil {
		return
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if ttl <= 0 {
		return
	}
	key := buildKey(r.prefix, qualifiedName, fingerprint)
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn("redis set failed", zap.Error(err))
	}
}

func (r *Redis) Clear(ctx context.Context) int {
	cleared := 0
	if r.client != nil {
		keys, err := r.scanKeys(ctx)
		if err != nil {
			r.logger.Warn("redis clear failed", zap.Error(err))
		} else if len(keys) > 0 {
			deleted, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				r.logger.Warn("redis clear failed", zap.Error(err))
			} else {
				cleared = int(deleted)
			}
		}
	}
	r.hits.Store(0)
	r.misses.Store(0)
	return cleared
}

func (r *Redis) Stats(ctx context.Context) Stats {
	keys := 0
	if r.client != nil {
		found, err := r.scanKeys(ctx)
		if err != nil {
			r.logger.Warn("redis scan failed", zap.Error(err))
		} else {
			keys = len(found)
		}
	}

	hits := r.hits.Load()
	misses := r.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
		Keys:    keys,
	}
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

var _ ResultCache = (*Redis)(nil)
