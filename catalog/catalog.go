// Package catalog loads provisioning catalogs from YAML documents.
//
// A document declares schemas, resources, tasks, propagation policies and
// realms, plus an optional runtime config block and seed data for in-memory
// connectors and the internal entity store.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	memoryconnector "github.com/goliatone/go-provisioning/connector/memory"
	"github.com/goliatone/go-provisioning/core"
	memorystore "github.com/goliatone/go-provisioning/store/memory"
)

type Document struct {
	Config    map[string]any           `yaml:"config"`
	Schemas   []core.AnyTypeSchema     `yaml:"schemas"`
	Resources []core.Resource          `yaml:"resources"`
	Tasks     []core.Task              `yaml:"tasks"`
	Policies  []core.PropagationPolicy `yaml:"policies"`
	Realms    []core.Realm             `yaml:"realms"`
	Seed      Seed                     `yaml:"seed"`
}

// Seed is the initial state of the in-memory stores.
type Seed struct {
	Entities   []core.Entity   `yaml:"entities"`
	Connectors []ConnectorSeed `yaml:"connectors"`
}

type ConnectorSeed struct {
	Resource     string       `yaml:"resource"`
	Capabilities []string     `yaml:"capabilities"`
	KeyAttribute string       `yaml:"key_attribute"`
	Objects      []ObjectSeed `yaml:"objects"`
}

type ObjectSeed struct {
	ObjectClass string           `yaml:"object_class"`
	Key         string           `yaml:"key"`
	Attributes  map[string][]any `yaml:"attributes"`
}

// Load reads and validates a catalog document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return doc, nil
}

// Decode parses data strictly; unknown keys are rejected.
func Decode(data []byte) (*Document, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if errs := Validate(&doc); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return &doc, nil
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Validate checks cross references between catalog sections.
func Validate(doc *Document) []string {
	var errs []string

	resources := map[string]bool{}
	for i, resource := range doc.Resources {
		key := strings.TrimSpace(resource.Key)
		if key == "" {
			errs = append(errs, fmt.Sprintf("resource[%d]: 'key' is required", i))
			continue
		}
		if resources[key] {
			errs = append(errs, fmt.Sprintf("resource '%s': duplicate key", key))
		}
		resources[key] = true
	}

	policies := map[string]bool{}
	for i, policy := range doc.Policies {
		key := strings.TrimSpace(policy.Key)
		if key == "" {
			errs = append(errs, fmt.Sprintf("policy[%d]: 'key' is required", i))
			continue
		}
		policies[key] = true
	}

	checkPolicy := func(owner string, key string) {
		key = strings.TrimSpace(key)
		if key != "" && !policies[key] {
			errs = append(errs, fmt.Sprintf("%s: references undefined policy '%s'", owner, key))
		}
	}
	for _, resource := range doc.Resources {
		checkPolicy(fmt.Sprintf("resource '%s'", resource.Key), resource.PropagationPolicy)
	}
	for _, realm := range doc.Realms {
		checkPolicy(fmt.Sprintf("realm '%s'", realm.FullPath), realm.PropagationPolicy)
	}

	tasks := map[string]bool{}
	for i, task := range doc.Tasks {
		key := strings.TrimSpace(task.Key)
		prefix := fmt.Sprintf("task[%d]", i)
		if key != "" {
			prefix = fmt.Sprintf("task '%s'", key)
		}
		switch {
		case key == "":
			errs = append(errs, fmt.Sprintf("%s: 'key' is required", prefix))
		case tasks[key]:
			errs = append(errs, fmt.Sprintf("%s: duplicate key", prefix))
		default:
			tasks[key] = true
		}
		if task.ResourceKey != "" && !resources[strings.TrimSpace(task.ResourceKey)] {
			errs = append(errs, fmt.Sprintf("%s: references undefined resource '%s'", prefix, task.ResourceKey))
		}
		for _, target := range task.PropagateTo {
			if !resources[strings.TrimSpace(target)] {
				errs = append(errs, fmt.Sprintf("%s: propagates to undefined resource '%s'", prefix, target))
			}
		}
		checkPolicy(prefix, task.PropagationPolicy)
	}

	for i, seed := range doc.Seed.Connectors {
		resource := strings.TrimSpace(seed.Resource)
		if resource == "" {
			errs = append(errs, fmt.Sprintf("seed connector[%d]: 'resource' is required", i))
			continue
		}
		if !resources[resource] {
			errs = append(errs, fmt.Sprintf("seed connector '%s': references undefined resource", resource))
		}
		for _, capability := range seed.Capabilities {
			if !knownCapability(core.Capability(strings.ToUpper(strings.TrimSpace(capability)))) {
				errs = append(errs, fmt.Sprintf("seed connector '%s': unknown capability '%s'", resource, capability))
			}
		}
	}

	return errs
}

func knownCapability(capability core.Capability) bool {
	_, ok := core.AllCapabilities()[capability]
	return ok
}

// Build loads every catalog section into a new core.Catalog.
func (d *Document) Build() (*core.Catalog, error) {
	if d == nil {
		return nil, fmt.Errorf("catalog: document is nil")
	}
	out := core.NewCatalog()
	for _, schema := range d.Schemas {
		if err := out.PutSchema(schema); err != nil {
			return nil, fmt.Errorf("catalog: schema %q: %w", schema.AnyType, err)
		}
	}
	for _, policy := range d.Policies {
		if err := out.PutPolicy(policy); err != nil {
			return nil, fmt.Errorf("catalog: policy %q: %w", policy.Key, err)
		}
	}
	for _, realm := range d.Realms {
		if err := out.PutRealm(realm); err != nil {
			return nil, fmt.Errorf("catalog: realm %q: %w", realm.FullPath, err)
		}
	}
	for _, resource := range d.Resources {
		if err := out.PutResource(resource); err != nil {
			return nil, fmt.Errorf("catalog: resource %q: %w", resource.Key, err)
		}
	}
	for _, task := range d.Tasks {
		if err := out.PutTask(task); err != nil {
			return nil, fmt.Errorf("catalog: task %q: %w", task.Key, err)
		}
	}
	return out, nil
}

// Connectors builds one in-memory connector per catalog resource. Resources
// with a seed entry get its capabilities and objects; the rest support every
// capability and start empty.
func (d *Document) Connectors() map[string]*memoryconnector.Connector {
	out := map[string]*memoryconnector.Connector{}
	if d == nil {
		return out
	}
	seeds := map[string]ConnectorSeed{}
	for _, seed := range d.Seed.Connectors {
		seeds[strings.TrimSpace(seed.Resource)] = seed
	}
	for _, resource := range d.Resources {
		key := strings.TrimSpace(resource.Key)
		seed := seeds[key]
		var opts []memoryconnector.Option
		if len(seed.Capabilities) > 0 {
			capabilities := make([]core.Capability, 0, len(seed.Capabilities))
			for _, capability := range seed.Capabilities {
				capabilities = append(capabilities, core.Capability(strings.ToUpper(strings.TrimSpace(capability))))
			}
			opts = append(opts, memoryconnector.WithCapabilities(capabilities...))
		}
		if seed.KeyAttribute != "" {
			opts = append(opts, memoryconnector.WithKeyAttribute(seed.KeyAttribute))
		}
		connector := memoryconnector.New(key, opts...)
		for _, object := range seed.Objects {
			attrs := core.CloneAttributes(object.Attributes)
			if attrs == nil {
				attrs = map[string][]any{}
			}
			connector.Put(core.ConnectorObject{
				ObjectClass: object.ObjectClass,
				Key:         object.Key,
				Attributes:  attrs,
			})
		}
		out[key] = connector
	}
	return out
}

// ResourceKeys returns the connector keys in stable order.
func ResourceKeys(connectors map[string]*memoryconnector.Connector) []string {
	keys := make([]string, 0, len(connectors))
	for key := range connectors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Entities returns an internal entity store holding the seeded entities.
func (d *Document) Entities(ctx context.Context) (*memorystore.EntityStore, error) {
	store := memorystore.NewEntityStore()
	if d == nil {
		return store, nil
	}
	for _, entity := range d.Seed.Entities {
		if _, err := store.Create(ctx, entity); err != nil {
			return nil, fmt.Errorf("catalog: seed entity %q: %w", entity.Key, err)
		}
	}
	return store, nil
}
