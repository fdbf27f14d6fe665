package cachestore

import (
	"context"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/imgquorum/quorum/verdict"
)

type RedisResultCache struct {
	Data *cache.Cache
	TTL  time.Duration
}

var _ ResultCache = (*RedisResultCache)(nil)

func NewRedisResultCache(rdb *redis.Client, ttl time.Duration) *RedisResultCache {
	data := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	})
	return &RedisResultCache{
		Data: data,
		TTL:  ttl,
	}
}

func redisCacheKey(model, digest string) string {
	return "quorum/result/" + cacheKey(model, digest)
}

func (s *RedisResultCache) Get(ctx context.Context, model, digest string) (*verdict.ModelResult, error) {
	var val string
	err := s.Data.Get(ctx, redisCacheKey(model, digest), &val)
	if err == cache.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeResult(val)
}

func (s *RedisResultCache) Set(ctx context.Context, model, digest string, res *verdict.ModelResult) error {
	val, err := encodeResult(res)
	if err != nil {
		return err
	}
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCacheKey(model, digest),
		Value: val,
		TTL:   s.TTL,
	})
}

func (s *RedisResultCache) Purge(ctx context.Context, model, digest string) error {
	err := s.Data.Delete(ctx, redisCacheKey(model, digest))
	if err == cache.ErrCacheMiss {
		return nil
	}
	return err
}
