package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-provisioning/core"
)

// LinkStore is an in-memory core.LinkStore.
type LinkStore struct {
	mu    sync.RWMutex
	links map[string]core.ResourceLink
	now   func() time.Time
}

func NewLinkStore() *LinkStore {
	return &LinkStore{
		links: map[string]core.ResourceLink{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *LinkStore) Get(_ context.Context, resourceKey string, anyType string, anyKey string) (core.ResourceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkKey(resourceKey, anyType, anyKey)]
	if !ok {
		return core.ResourceLink{}, fmt.Errorf("%w: %s/%s/%s", core.ErrLinkNotFound, resourceKey, anyType, anyKey)
	}
	return link, nil
}

func (s *LinkStore) FindByRemoteKey(_ context.Context, resourceKey string, anyType string, remoteKey string) (core.ResourceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resourceKey = strings.TrimSpace(resourceKey)
	anyType = normalizeAnyType(anyType)
	for _, link := range s.links {
		if link.ResourceKey == resourceKey && link.AnyType == anyType && link.RemoteKey == remoteKey {
			return link, nil
		}
	}
	return core.ResourceLink{}, fmt.Errorf("%w: %s/%s remote %q", core.ErrLinkNotFound, resourceKey, anyType, remoteKey)
}

func (s *LinkStore) ListByAny(_ context.Context, anyType string, anyKey string) ([]core.ResourceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anyType = normalizeAnyType(anyType)
	out := []core.ResourceLink{}
	for _, link := range s.links {
		if link.AnyType == anyType && link.AnyKey == anyKey {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

func (s *LinkStore) Upsert(_ context.Context, link core.ResourceLink) (core.ResourceLink, error) {
	link.ResourceKey = strings.TrimSpace(link.ResourceKey)
	link.AnyType = normalizeAnyType(link.AnyType)
	link.AnyKey = strings.TrimSpace(link.AnyKey)
	link.RemoteKey = strings.TrimSpace(link.RemoteKey)
	if link.ResourceKey == "" || link.AnyType == "" || link.AnyKey == "" {
		return core.ResourceLink{}, fmt.Errorf("memorystore: link resource, any type and any key are required")
	}
	now := s.now()
	key := linkKey(link.ResourceKey, link.AnyType, link.AnyKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.links[key]; ok {
		link.ID = existing.ID
		link.CreatedAt = existing.CreatedAt
	} else {
		link.ID = uuid.NewString()
		link.CreatedAt = now
	}
	link.UpdatedAt = now
	s.links[key] = link
	return link, nil
}

func (s *LinkStore) Delete(_ context.Context, resourceKey string, anyType string, anyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, linkKey(resourceKey, anyType, anyKey))
	return nil
}

func linkKey(resourceKey string, anyType string, anyKey string) string {
	return strings.TrimSpace(resourceKey) + "::" + normalizeAnyType(anyType) + "::" + strings.TrimSpace(anyKey)
}
