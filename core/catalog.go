package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Catalog is an in-memory CatalogReader. It is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	tasks     map[string]Task
	resources map[string]Resource
	schemas   map[string]AnyTypeSchema
	policies  map[string]PropagationPolicy
	realms    map[string]Realm
}

func NewCatalog() *Catalog {
	return &Catalog{
		tasks:     map[string]Task{},
		resources: map[string]Resource{},
		schemas:   map[string]AnyTypeSchema{},
		policies:  map[string]PropagationPolicy{},
		realms:    map[string]Realm{},
	}
}

func (c *Catalog) PutTask(task Task) error {
	if c == nil {
		return fmt.Errorf("core: catalog is not configured")
	}
	task.Key = strings.TrimSpace(task.Key)
	if err := task.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.Key] = task
	return nil
}

func (c *Catalog) PutResource(resource Resource) error {
	if c == nil {
		return fmt.Errorf("core: catalog is not configured")
	}
	resource.Key = strings.TrimSpace(resource.Key)
	if err := resource.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[resource.Key] = resource
	return nil
}

func (c *Catalog) PutSchema(schema AnyTypeSchema) error {
	if c == nil {
		return fmt.Errorf("core: catalog is not configured")
	}
	anyType := normalizeAnyType(schema.AnyType)
	if anyType == "" {
		return fmt.Errorf("core: schema any type is required")
	}
	schema.AnyType = anyType
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[anyType] = schema
	return nil
}

func (c *Catalog) PutPolicy(policy PropagationPolicy) error {
	if c == nil {
		return fmt.Errorf("core: catalog is not configured")
	}
	policy.Key = strings.TrimSpace(policy.Key)
	if policy.Key == "" {
		return fmt.Errorf("core: propagation policy key is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[policy.Key] = policy
	return nil
}

func (c *Catalog) PutRealm(realm Realm) error {
	if c == nil {
		return fmt.Errorf("core: catalog is not configured")
	}
	realm.FullPath = NormalizeRealm(realm.FullPath)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.realms[realm.FullPath] = realm
	return nil
}

func (c *Catalog) Task(_ context.Context, key string) (Task, error) {
	if c == nil {
		return Task{}, ErrTaskNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[strings.TrimSpace(key)]
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrTaskNotFound, key)
	}
	return task, nil
}

func (c *Catalog) Tasks(_ context.Context) ([]Task, error) {
	if c == nil {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *Catalog) Resource(_ context.Context, key string) (Resource, error) {
	if c == nil {
		return Resource{}, ErrResourceNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	resource, ok := c.resources[strings.TrimSpace(key)]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %q", ErrResourceNotFound, key)
	}
	return resource, nil
}

func (c *Catalog) Schema(_ context.Context, anyType string) (AnyTypeSchema, error) {
	if c == nil {
		return AnyTypeSchema{}, ErrSchemaNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	schema, ok := c.schemas[normalizeAnyType(anyType)]
	if !ok {
		return AnyTypeSchema{}, fmt.Errorf("%w: %q", ErrSchemaNotFound, anyType)
	}
	return schema, nil
}

func (c *Catalog) Policy(_ context.Context, key string) (PropagationPolicy, error) {
	if c == nil {
		return PropagationPolicy{}, ErrPolicyNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	policy, ok := c.policies[strings.TrimSpace(key)]
	if !ok {
		return PropagationPolicy{}, fmt.Errorf("%w: %q", ErrPolicyNotFound, key)
	}
	return policy, nil
}

func (c *Catalog) Realm(_ context.Context, path string) (Realm, error) {
	if c == nil {
		return Realm{}, ErrRealmNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	realm, ok := c.realms[NormalizeRealm(path)]
	if !ok {
		return Realm{}, fmt.Errorf("%w: %q", ErrRealmNotFound, path)
	}
	return realm, nil
}
