// Package memorystore provides in-memory stores for the provisioning engine.
package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/goliatone/go-provisioning/core"
)

// EntityStore is an in-memory core.InternalStore.
type EntityStore struct {
	mu     sync.RWMutex
	byType map[string]map[string]core.Entity
	newID  func() string
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		byType: map[string]map[string]core.Entity{},
		newID:  func() string { return uuid.NewString() },
	}
}

func (s *EntityStore) FindByKey(_ context.Context, anyType string, key string) (core.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.byType[normalizeAnyType(anyType)][strings.TrimSpace(key)]
	if !ok {
		return core.Entity{}, fmt.Errorf("%w: %s %q", core.ErrEntityNotFound, anyType, key)
	}
	return entity.Clone(), nil
}

// Search matches filter conditions against attributes and the key, name and realm fields.
func (s *EntityStore) Search(_ context.Context, anyType string, filter core.Filter) ([]core.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.Entity{}
	for _, entity := range s.byType[normalizeAnyType(anyType)] {
		if core.MatchesFilter(entity.Key, searchableAttributes(entity), filter) {
			out = append(out, entity.Clone())
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *EntityStore) List(_ context.Context, anyType string, realm string) ([]core.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.Entity{}
	for _, entity := range s.byType[normalizeAnyType(anyType)] {
		if core.InRealm(entity.Realm, realm) {
			out = append(out, entity.Clone())
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *EntityStore) Create(_ context.Context, entity core.Entity) (core.Entity, error) {
	anyType := normalizeAnyType(entity.AnyType)
	if anyType == "" {
		return core.Entity{}, fmt.Errorf("memorystore: entity any type is required")
	}
	entity = entity.Clone()
	entity.AnyType = anyType
	entity.Realm = core.NormalizeRealm(entity.Realm)
	if strings.TrimSpace(entity.Key) == "" {
		entity.Key = s.newID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entities := s.byType[anyType]
	if entities == nil {
		entities = map[string]core.Entity{}
		s.byType[anyType] = entities
	}
	if _, exists := entities[entity.Key]; exists {
		return core.Entity{}, fmt.Errorf("memorystore: %s %q already exists", anyType, entity.Key)
	}
	if strings.TrimSpace(entity.Name) != "" {
		for _, existing := range entities {
			if existing.Name == entity.Name {
				return core.Entity{}, fmt.Errorf("memorystore: %s named %q already exists", anyType, entity.Name)
			}
		}
	}
	entities[entity.Key] = entity
	return entity.Clone(), nil
}

func (s *EntityStore) Update(_ context.Context, entity core.Entity) (core.Entity, error) {
	anyType := normalizeAnyType(entity.AnyType)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byType[anyType][entity.Key]; !ok {
		return core.Entity{}, fmt.Errorf("%w: %s %q", core.ErrEntityNotFound, anyType, entity.Key)
	}
	entity = entity.Clone()
	entity.AnyType = anyType
	entity.Realm = core.NormalizeRealm(entity.Realm)
	s.byType[anyType][entity.Key] = entity
	return entity.Clone(), nil
}

func (s *EntityStore) Delete(_ context.Context, anyType string, key string) error {
	anyType = normalizeAnyType(anyType)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byType[anyType][key]; !ok {
		return fmt.Errorf("%w: %s %q", core.ErrEntityNotFound, anyType, key)
	}
	delete(s.byType[anyType], key)
	return nil
}

// Count returns the number of stored entities of anyType.
func (s *EntityStore) Count(anyType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byType[normalizeAnyType(anyType)])
}

func searchableAttributes(entity core.Entity) map[string][]any {
	attrs := core.CloneAttributes(entity.Attributes)
	attrs["key"] = []any{entity.Key}
	attrs["name"] = []any{entity.Name}
	attrs["realm"] = []any{core.NormalizeRealm(entity.Realm)}
	return attrs
}

func sortEntities(entities []core.Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].Key < entities[j].Key })
}

func normalizeAnyType(anyType string) string {
	return strings.ToUpper(strings.TrimSpace(anyType))
}
