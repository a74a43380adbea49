package memoryconnector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

// Listen forwards published deltas for objectClass to emit until ctx is done.
// Publish applies each delta to the store before listeners see it.
func (c *Connector) Listen(ctx context.Context, objectClass string, emit func(core.Delta) error) error {
	if emit == nil {
		return fmt.Errorf("memoryconnector: emit callback is required")
	}
	if !c.capabilities.Has(core.CapabilityLiveSync) {
		return &core.CapabilityUnsupportedError{ResourceKey: c.resourceKey, Capability: core.CapabilityLiveSync}
	}
	feed := make(chan core.Delta, c.feedBuffer)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = feed
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case delta := <-feed:
			if objectClass != "" && delta.Object.ObjectClass != objectClass {
				continue
			}
			if err := emit(delta); err != nil {
				return err
			}
		}
	}
}

// Publish applies delta out of band and fans it out to active listeners.
func (c *Connector) Publish(delta core.Delta) {
	if delta.ReceivedAt.IsZero() {
		delta.ReceivedAt = time.Now().UTC()
	}
	delta.Object = delta.Object.Clone()
	switch delta.Operation {
	case core.DeltaDelete:
		c.Remove(delta.Object.ObjectClass, delta.Object.Key)
	default:
		delta.Object = c.Put(delta.Object)
	}

	c.mu.RLock()
	listeners := make([]chan core.Delta, 0, len(c.listeners))
	for _, feed := range c.listeners {
		listeners = append(listeners, feed)
	}
	c.mu.RUnlock()
	for _, feed := range listeners {
		feed <- delta
	}
}

func (c *Connector) Listeners() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// Resolver maps resource keys to connectors.
type Resolver struct {
	mu         sync.RWMutex
	connectors map[string]core.Connector
}

func NewResolver(connectors ...*Connector) *Resolver {
	r := &Resolver{connectors: map[string]core.Connector{}}
	for _, connector := range connectors {
		if connector != nil {
			r.Register(connector.ResourceKey(), connector)
		}
	}
	return r
}

func (r *Resolver) Register(resourceKey string, connector core.Connector) {
	resourceKey = strings.TrimSpace(resourceKey)
	if resourceKey == "" || connector == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[resourceKey] = connector
}

func (r *Resolver) Connector(resourceKey string) (core.Connector, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %q", core.ErrConnectorNotFound, resourceKey)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	connector, ok := r.connectors[strings.TrimSpace(resourceKey)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrConnectorNotFound, resourceKey)
	}
	return connector, nil
}

var _ core.ConnectorResolver = (*Resolver)(nil)
