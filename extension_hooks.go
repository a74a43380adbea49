package provisioning

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-provisioning/core"
)

// ConnectorPack is a named set of connectors keyed by resource.
type ConnectorPack struct {
	Name       string
	Connectors map[string]core.Connector
}

// ConnectorRegistrar receives connectors by resource key.
type ConnectorRegistrar interface {
	Register(resourceKey string, connector core.Connector)
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	connectorPacks map[string]ConnectorPack
	bundles        map[string]CommandQueryBundleFactory
	actions        map[string]core.ReconciliationActions
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		connectorPacks: map[string]ConnectorPack{},
		bundles:        map[string]CommandQueryBundleFactory{},
		actions:        map[string]core.ReconciliationActions{},
	}
}

func (h *ExtensionHooks) RegisterConnectorPack(pack ConnectorPack) error {
	if h == nil {
		return fmt.Errorf("provisioning: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("provisioning: connector pack name is required")
	}
	if len(pack.Connectors) == 0 {
		return fmt.Errorf("provisioning: connector pack %q has no connectors", name)
	}
	normalized := ConnectorPack{Name: name, Connectors: make(map[string]core.Connector, len(pack.Connectors))}
	for resourceKey, connector := range pack.Connectors {
		resourceKey = strings.TrimSpace(resourceKey)
		if resourceKey == "" {
			return fmt.Errorf("provisioning: connector pack %q has an empty resource key", name)
		}
		if connector == nil {
			return fmt.Errorf("provisioning: connector pack %q has nil connector for %q", name, resourceKey)
		}
		normalized.Connectors[resourceKey] = connector
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.connectorPacks[name]; exists {
		return fmt.Errorf("provisioning: connector pack %q already registered", name)
	}
	for otherName, other := range h.connectorPacks {
		for resourceKey := range normalized.Connectors {
			if _, taken := other.Connectors[resourceKey]; taken {
				return fmt.Errorf("provisioning: resource %q already served by connector pack %q", resourceKey, otherName)
			}
		}
	}
	h.connectorPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("provisioning: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("provisioning: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("provisioning: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("provisioning: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// RegisterActions makes actions selectable by name from a task or resource
// "actions" list.
func (h *ExtensionHooks) RegisterActions(name string, actions core.ReconciliationActions) error {
	if h == nil {
		return fmt.Errorf("provisioning: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("provisioning: reconciliation actions name is required")
	}
	if actions == nil {
		return fmt.Errorf("provisioning: reconciliation actions %q are nil", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.actions[name]; exists {
		return fmt.Errorf("provisioning: reconciliation actions %q already registered", name)
	}
	h.actions[name] = actions
	return nil
}

// Actions implements core.ActionsResolver.
func (h *ExtensionHooks) Actions(name string) (core.ReconciliationActions, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	actions, ok := h.actions[strings.TrimSpace(name)]
	return actions, ok
}

func (h *ExtensionHooks) ActionNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.actions))
}

// ApplyConnectorPacks registers every pack connector with registrar, packs in
// name order and resources in key order.
func (h *ExtensionHooks) ApplyConnectorPacks(registrar ConnectorRegistrar) error {
	if h == nil {
		return nil
	}
	if registrar == nil {
		return fmt.Errorf("provisioning: connector registrar is required")
	}
	for _, pack := range h.ConnectorPacks() {
		for _, resourceKey := range slices.Sorted(maps.Keys(pack.Connectors)) {
			registrar.Register(resourceKey, pack.Connectors[resourceKey])
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("provisioning: command/query service is required")
	}

	h.mu.RLock()
	factories := maps.Clone(h.bundles)
	h.mu.RUnlock()

	result := make(map[string]any, len(factories))
	for _, name := range slices.Sorted(maps.Keys(factories)) {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, fmt.Errorf("provisioning: build bundle %q: %w", name, err)
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) ConnectorPacks() []ConnectorPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.connectorPacks))
	for name := range h.connectorPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ConnectorPack, 0, len(names))
	for _, name := range names {
		pack := h.connectorPacks[name]
		out = append(out, ConnectorPack{Name: pack.Name, Connectors: maps.Clone(pack.Connectors)})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ core.ActionsResolver = (*ExtensionHooks)(nil)
