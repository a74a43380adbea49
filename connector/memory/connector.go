// Package memoryconnector implements an in-memory resource connector with
// capability flags, fault injection and a live change feed.
package memoryconnector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/goliatone/go-provisioning/core"
)

const DefaultKeyAttribute = "__NAME__"

type Option func(*Connector)

func WithCapabilities(capabilities ...core.Capability) Option {
	return func(c *Connector) {
		c.capabilities = core.NewCapabilitySet(capabilities...)
	}
}

// WithKeyAttribute names the attribute whose first value is the object key.
func WithKeyAttribute(name string) Option {
	return func(c *Connector) {
		if name = strings.TrimSpace(name); name != "" {
			c.keyAttribute = name
		}
	}
}

func WithFeedBuffer(size int) Option {
	return func(c *Connector) {
		if size > 0 {
			c.feedBuffer = size
		}
	}
}

type fault struct {
	remaining int
	err       error
}

type Connector struct {
	resourceKey  string
	capabilities core.CapabilitySet
	keyAttribute string
	feedBuffer   int

	mu        sync.RWMutex
	objects   map[string]map[string]core.ConnectorObject
	faults    map[string][]*fault
	calls     map[string]int
	listeners map[int]chan core.Delta
	nextID    int
}

func New(resourceKey string, opts ...Option) *Connector {
	c := &Connector{
		resourceKey:  strings.TrimSpace(resourceKey),
		capabilities: core.AllCapabilities(),
		keyAttribute: DefaultKeyAttribute,
		feedBuffer:   64,
		objects:      map[string]map[string]core.ConnectorObject{},
		faults:       map[string][]*fault{},
		calls:        map[string]int{},
		listeners:    map[int]chan core.Delta{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Connector) ResourceKey() string {
	return c.resourceKey
}

func (c *Connector) Capabilities() core.CapabilitySet {
	out := make(core.CapabilitySet, len(c.capabilities))
	for capability := range c.capabilities {
		out[capability] = struct{}{}
	}
	return out
}

func (c *Connector) Search(ctx context.Context, objectClass string, filter core.Filter) ([]core.ConnectorObject, error) {
	if err := c.begin(ctx, "SEARCH"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []core.ConnectorObject{}
	for _, object := range c.objects[objectClass] {
		if core.MatchesFilter(object.Key, object.Attributes, filter) {
			out = append(out, object.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *Connector) Get(ctx context.Context, objectClass string, key string) (core.ConnectorObject, error) {
	if err := c.begin(ctx, "GET"); err != nil {
		return core.ConnectorObject{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	object, ok := c.objects[objectClass][key]
	if !ok {
		return core.ConnectorObject{}, fmt.Errorf("%w: %s %q on %q", core.ErrObjectNotFound, objectClass, key, c.resourceKey)
	}
	return object.Clone(), nil
}

func (c *Connector) Create(ctx context.Context, objectClass string, attrs map[string][]any) (core.ConnectorObject, error) {
	if err := c.begin(ctx, string(core.OperationCreate)); err != nil {
		return core.ConnectorObject{}, err
	}
	if !c.capabilities.Has(core.CapabilityCreate) {
		return core.ConnectorObject{}, &core.CapabilityUnsupportedError{ResourceKey: c.resourceKey, Capability: core.CapabilityCreate}
	}
	object := core.ConnectorObject{ObjectClass: objectClass, Attributes: core.CloneAttributes(attrs)}
	object.Key = c.keyOf(object.Attributes)
	if object.Key == "" {
		object.Key = uuid.NewString()
		object.Attributes[c.keyAttribute] = []any{object.Key}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.objects[objectClass][object.Key]; exists {
		return core.ConnectorObject{}, core.NewPermanentError(fmt.Errorf("object %q already exists", object.Key))
	}
	c.store(object)
	return object.Clone(), nil
}

// Update replaces the given attributes; an empty value list removes the attribute.
// Changing the key attribute renames the object.
func (c *Connector) Update(ctx context.Context, objectClass string, key string, attrs map[string][]any) (core.ConnectorObject, error) {
	if err := c.begin(ctx, string(core.OperationUpdate)); err != nil {
		return core.ConnectorObject{}, err
	}
	if !c.capabilities.Has(core.CapabilityUpdate) {
		return core.ConnectorObject{}, &core.CapabilityUnsupportedError{ResourceKey: c.resourceKey, Capability: core.CapabilityUpdate}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	object, ok := c.objects[objectClass][key]
	if !ok {
		return core.ConnectorObject{}, core.NewPermanentError(fmt.Errorf("%w: %s %q", core.ErrObjectNotFound, objectClass, key))
	}
	object = object.Clone()
	for name, values := range attrs {
		if len(values) == 0 {
			delete(object.Attributes, name)
			continue
		}
		object.Attributes[name] = append([]any(nil), values...)
	}
	if renamed := c.keyOf(object.Attributes); renamed != "" && renamed != key {
		delete(c.objects[objectClass], key)
		object.Key = renamed
	}
	c.store(object)
	return object.Clone(), nil
}

func (c *Connector) Delete(ctx context.Context, objectClass string, key string) error {
	if err := c.begin(ctx, string(core.OperationDelete)); err != nil {
		return err
	}
	if !c.capabilities.Has(core.CapabilityDelete) {
		return &core.CapabilityUnsupportedError{ResourceKey: c.resourceKey, Capability: core.CapabilityDelete}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[objectClass][key]; !ok {
		return core.NewPermanentError(fmt.Errorf("%w: %s %q", core.ErrObjectNotFound, objectClass, key))
	}
	delete(c.objects[objectClass], key)
	return nil
}

// Put stores object out of band, bypassing capabilities, faults and the feed.
func (c *Connector) Put(object core.ConnectorObject) core.ConnectorObject {
	object = object.Clone()
	if object.Key == "" {
		object.Key = c.keyOf(object.Attributes)
	}
	if _, ok := object.Attributes[c.keyAttribute]; !ok && object.Key != "" {
		object.Attributes[c.keyAttribute] = []any{object.Key}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(object)
	return object.Clone()
}

// Remove deletes an object out of band.
func (c *Connector) Remove(objectClass string, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects[objectClass], key)
}

// Rename changes an object key out of band.
func (c *Connector) Rename(objectClass string, key string, newKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	object, ok := c.objects[objectClass][key]
	if !ok {
		return false
	}
	delete(c.objects[objectClass], key)
	object.Key = newKey
	object.Attributes[c.keyAttribute] = []any{newKey}
	c.store(object)
	return true
}

func (c *Connector) Object(objectClass string, key string) (core.ConnectorObject, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	object, ok := c.objects[objectClass][key]
	if !ok {
		return core.ConnectorObject{}, false
	}
	return object.Clone(), true
}

func (c *Connector) Count(objectClass string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects[objectClass])
}

// FailNext makes the next count calls of operation (CREATE, UPDATE, DELETE,
// GET or SEARCH) return err.
func (c *Connector) FailNext(operation string, count int, err error) {
	if count <= 0 || err == nil {
		return
	}
	operation = strings.ToUpper(strings.TrimSpace(operation))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[operation] = append(c.faults[operation], &fault{remaining: count, err: err})
}

// Calls returns how many times operation was invoked, failures included.
func (c *Connector) Calls(operation string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[strings.ToUpper(strings.TrimSpace(operation))]
}

func (c *Connector) begin(ctx context.Context, operation string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[operation]++
	queue := c.faults[operation]
	if len(queue) == 0 {
		return nil
	}
	current := queue[0]
	current.remaining--
	if current.remaining <= 0 {
		c.faults[operation] = queue[1:]
	}
	return current.err
}

func (c *Connector) keyOf(attrs map[string][]any) string {
	value, ok := core.FirstValue(attrs[c.keyAttribute])
	if !ok {
		return ""
	}
	return strings.TrimSpace(core.ValueString(value))
}

func (c *Connector) store(object core.ConnectorObject) {
	objects := c.objects[object.ObjectClass]
	if objects == nil {
		objects = map[string]core.ConnectorObject{}
		c.objects[object.ObjectClass] = objects
	}
	objects[object.Key] = object
}

var (
	_ core.Connector      = (*Connector)(nil)
	_ core.LiveSyncSource = (*Connector)(nil)
)
