package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/imgquorum/quorum/verdict"
)

type MemResultCache struct {
	Data *expirable.LRU[string, string]
}

var _ ResultCache = (*MemResultCache)(nil)

func NewMemResultCache(capacity int, ttl time.Duration) *MemResultCache {
	return &MemResultCache{
		Data: expirable.NewLRU[string, string](capacity, nil, ttl),
	}
}

func (s *MemResultCache) Get(ctx context.Context, model, digest string) (*verdict.ModelResult, error) {
	v, ok := s.Data.Get(cacheKey(model, digest))
	if !ok {
		return nil, nil
	}
	return decodeResult(v)
}

func (s *MemResultCache) Set(ctx context.Context, model, digest string, res *verdict.ModelResult) error {
	val, err := encodeResult(res)
	if err != nil {
		return err
	}
	s.Data.Add(cacheKey(model, digest), val)
	return nil
}

func (s *MemResultCache) Purge(ctx context.Context, model, digest string) error {
	s.Data.Remove(cacheKey(model, digest))
	return nil
}
