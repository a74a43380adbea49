package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-provisioning/core"
)

const policyCacheKeyPrefix = "go-provisioning::policy::v1"

// PolicyWriter is the write side of a policy store.
type PolicyWriter interface {
	core.PolicyStore
	Upsert(ctx context.Context, policy core.PropagationPolicy) (core.PropagationPolicy, error)
	Delete(ctx context.Context, key string) error
}

// CachedPolicyStore reads policies through a cache; writes invalidate the key.
type CachedPolicyStore struct {
	base  PolicyWriter
	cache repositorycache.CacheService
}

func NewCachedPolicyStore(base PolicyWriter, cacheService repositorycache.CacheService) (*CachedPolicyStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base policy store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: policy cache service is required")
	}
	return &CachedPolicyStore{base: base, cache: cacheService}, nil
}

func PolicyCacheKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("sqlstore: policy key is required")
	}
	return policyCacheKeyPrefix + "::" + url.PathEscape(key), nil
}

func (s *CachedPolicyStore) Policy(ctx context.Context, key string) (core.PropagationPolicy, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.PropagationPolicy{}, fmt.Errorf("sqlstore: cached policy store is not configured")
	}
	key = strings.TrimSpace(key)
	cacheKey, err := PolicyCacheKey(key)
	if err != nil {
		return core.PropagationPolicy{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.PropagationPolicy, error) {
		return s.base.Policy(ctx, key)
	})
}

func (s *CachedPolicyStore) Upsert(ctx context.Context, policy core.PropagationPolicy) (core.PropagationPolicy, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.PropagationPolicy{}, fmt.Errorf("sqlstore: cached policy store is not configured")
	}
	cacheKey, err := PolicyCacheKey(policy.Key)
	if err != nil {
		return core.PropagationPolicy{}, err
	}
	stored, err := s.base.Upsert(ctx, policy)
	if err != nil {
		return core.PropagationPolicy{}, err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return core.PropagationPolicy{}, err
	}
	return stored, nil
}

func (s *CachedPolicyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached policy store is not configured")
	}
	cacheKey, err := PolicyCacheKey(key)
	if err != nil {
		return err
	}
	if err := s.base.Delete(ctx, key); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ PolicyWriter = (*CachedPolicyStore)(nil)
