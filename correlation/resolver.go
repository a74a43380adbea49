package correlation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/expression"
	"github.com/goliatone/go-provisioning/mapping"
)

// Result is the classification of one object against the other system.
type Result struct {
	Kind     core.CorrelationKind
	Key      string
	Entities []core.Entity
	Objects  []core.ConnectorObject
	// Link is the stored assignment consulted during correlation, if any.
	Link   *core.ResourceLink
	ByLink bool
}

func (r Result) Entity() (core.Entity, bool) {
	if r.Kind != core.CorrelationOne || len(r.Entities) != 1 {
		return core.Entity{}, false
	}
	return r.Entities[0], true
}

func (r Result) Object() (core.ConnectorObject, bool) {
	if r.Kind != core.CorrelationOne || len(r.Objects) != 1 {
		return core.ConnectorObject{}, false
	}
	return r.Objects[0], true
}

// Linked reports whether a stored link existed even though nothing matched.
func (r Result) Linked() bool {
	return r.Link != nil
}

// AmbiguityError returns the error recorded when correlation found many matches.
func (r Result) AmbiguityError(resourceKey string, anyType string) error {
	if r.Kind != core.CorrelationMany {
		return nil
	}
	matches := make([]string, 0, len(r.Entities)+len(r.Objects))
	for _, entity := range r.Entities {
		matches = append(matches, entity.Key)
	}
	for _, object := range r.Objects {
		matches = append(matches, object.Key)
	}
	return &core.AmbiguousCorrelationError{ResourceKey: resourceKey, AnyType: anyType, Key: r.Key, Matches: matches}
}

type Resolver struct {
	store core.InternalStore
	links core.LinkStore
}

func NewResolver(store core.InternalStore, links core.LinkStore) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("correlation: internal store is required")
	}
	if links == nil {
		return nil, fmt.Errorf("correlation: link store is required")
	}
	return &Resolver{store: store, links: links}, nil
}

// CorrelatePull finds the internal counterpart of an external object. With a
// rule only the rule decides; otherwise the stored link is consulted first and
// then the provision key item.
func (r *Resolver) CorrelatePull(ctx context.Context, object core.ConnectorObject, compiled *mapping.Compiled, rule core.Evaluator) (Result, error) {
	if r == nil || r.store == nil {
		return Result{}, fmt.Errorf("correlation: resolver is not configured")
	}
	if compiled == nil {
		return Result{}, fmt.Errorf("correlation: compiled mapping is required")
	}
	anyType := compiled.AnyType()
	ignoreCase := compiled.Provision.IgnoreCaseMatch

	if rule != nil {
		conditions, err := ruleConditions(ctx, rule, expression.ObjectEnv(object), ignoreCase)
		if err != nil {
			return Result{}, err
		}
		if len(conditions) == 0 {
			return Result{Kind: core.CorrelationNone, Key: object.Key}, nil
		}
		entities, err := r.store.Search(ctx, anyType, core.Filter{Conditions: conditions})
		if err != nil {
			return Result{}, fmt.Errorf("correlation: search internal store: %w", err)
		}
		return entitiesResult(object.Key, entities), nil
	}

	if strings.TrimSpace(object.Key) != "" {
		linked, found, err := r.ResolveLinked(ctx, compiled.ResourceKey, anyType, object.Key)
		if err != nil {
			return Result{}, err
		}
		if found {
			result := entitiesResult(object.Key, []core.Entity{linked})
			result.ByLink = true
			return result, nil
		}
	}

	template, err := mapping.ToInternalTemplate(ctx, object, compiled)
	if err != nil {
		return Result{}, err
	}
	keyItem := compiled.KeyItem()
	value, ok := core.FirstValue(keyItem.Path.Values(template))
	if !ok || core.ValueString(value) == "" {
		return Result{Kind: core.CorrelationNone, Key: object.Key}, nil
	}
	key := core.ValueString(value)

	if keyItem.Path.Kind == mapping.PathField && keyItem.Path.Field == mapping.FieldKey && !ignoreCase {
		entity, err := r.store.FindByKey(ctx, anyType, key)
		if errors.Is(err, core.ErrEntityNotFound) {
			return Result{Kind: core.CorrelationNone, Key: key}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("correlation: find internal entity: %w", err)
		}
		return entitiesResult(key, []core.Entity{entity}), nil
	}

	filter := core.Filter{Conditions: []core.Condition{{
		Attribute:  keyItem.Path.String(),
		Value:      value,
		IgnoreCase: ignoreCase,
	}}}
	entities, err := r.store.Search(ctx, anyType, filter)
	if err != nil {
		return Result{}, fmt.Errorf("correlation: search internal store: %w", err)
	}
	return entitiesResult(key, entities), nil
}

// CorrelatePush finds the external counterpart of an internal entity on the
// resource served by connector.
func (r *Resolver) CorrelatePush(ctx context.Context, entity core.Entity, connector core.Connector, compiled *mapping.Compiled, rule core.Evaluator) (Result, error) {
	if r == nil || r.links == nil {
		return Result{}, fmt.Errorf("correlation: resolver is not configured")
	}
	if connector == nil {
		return Result{}, fmt.Errorf("correlation: connector is required")
	}
	if compiled == nil {
		return Result{}, fmt.Errorf("correlation: compiled mapping is required")
	}
	anyType := compiled.AnyType()
	objectClass := compiled.ObjectClass()
	ignoreCase := compiled.Provision.IgnoreCaseMatch

	var link *core.ResourceLink
	stored, err := r.links.Get(ctx, compiled.ResourceKey, anyType, entity.Key)
	switch {
	case err == nil:
		link = &stored
	case errors.Is(err, core.ErrLinkNotFound):
	default:
		return Result{}, fmt.Errorf("correlation: load link: %w", err)
	}

	if rule != nil {
		resources, err := r.linkedResources(ctx, anyType, entity.Key)
		if err != nil {
			return Result{}, err
		}
		conditions, err := ruleConditions(ctx, rule, expression.EntityEnv(entity, resources), ignoreCase)
		if err != nil {
			return Result{}, err
		}
		if len(conditions) == 0 {
			return Result{Kind: core.CorrelationNone, Key: entity.Key, Link: link}, nil
		}
		if !connector.Capabilities().Has(core.CapabilitySearch) {
			return Result{}, &core.CapabilityUnsupportedError{ResourceKey: compiled.ResourceKey, Capability: core.CapabilitySearch}
		}
		objects, err := connector.Search(ctx, objectClass, core.Filter{Conditions: conditions})
		if err != nil {
			return Result{}, err
		}
		return objectsResult(entity.Key, objects, link), nil
	}

	if link != nil {
		object, err := connector.Get(ctx, objectClass, link.RemoteKey)
		if errors.Is(err, core.ErrObjectNotFound) {
			return Result{Kind: core.CorrelationNone, Key: link.RemoteKey, Link: link}, nil
		}
		if err != nil {
			return Result{}, err
		}
		result := objectsResult(link.RemoteKey, []core.ConnectorObject{object}, link)
		result.ByLink = true
		return result, nil
	}

	key, ok, err := mapping.ConnObjectKeyValue(ctx, entity, compiled)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Kind: core.CorrelationNone}, nil
	}
	if connector.Capabilities().Has(core.CapabilitySearch) {
		objects, err := connector.Search(ctx, objectClass, core.Filter{Conditions: []core.Condition{{
			Attribute:  compiled.KeyAttribute(),
			Value:      key,
			IgnoreCase: ignoreCase,
		}}})
		if err != nil {
			return Result{}, err
		}
		return objectsResult(key, objects, nil), nil
	}
	object, err := connector.Get(ctx, objectClass, key)
	if errors.Is(err, core.ErrObjectNotFound) {
		return Result{Kind: core.CorrelationNone, Key: key}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return objectsResult(key, []core.ConnectorObject{object}, nil), nil
}

// ResolveLinked returns the internal entity linked to remoteKey on resourceKey.
func (r *Resolver) ResolveLinked(ctx context.Context, resourceKey string, anyType string, remoteKey string) (core.Entity, bool, error) {
	if r == nil || r.links == nil || r.store == nil {
		return core.Entity{}, false, fmt.Errorf("correlation: resolver is not configured")
	}
	link, err := r.links.FindByRemoteKey(ctx, resourceKey, anyType, remoteKey)
	if errors.Is(err, core.ErrLinkNotFound) {
		return core.Entity{}, false, nil
	}
	if err != nil {
		return core.Entity{}, false, fmt.Errorf("correlation: find link: %w", err)
	}
	entity, err := r.store.FindByKey(ctx, anyType, link.AnyKey)
	if errors.Is(err, core.ErrEntityNotFound) {
		return core.Entity{}, false, nil
	}
	if err != nil {
		return core.Entity{}, false, fmt.Errorf("correlation: find linked entity: %w", err)
	}
	return entity, true, nil
}

func (r *Resolver) linkedResources(ctx context.Context, anyType string, anyKey string) ([]string, error) {
	links, err := r.links.ListByAny(ctx, anyType, anyKey)
	if err != nil {
		return nil, fmt.Errorf("correlation: list links: %w", err)
	}
	out := make([]string, 0, len(links))
	for _, link := range links {
		out = append(out, link.ResourceKey)
	}
	return out, nil
}

func ruleConditions(ctx context.Context, rule core.Evaluator, env map[string]any, ignoreCase bool) ([]core.Condition, error) {
	result, err := rule.Evaluate(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("correlation: evaluate rule: %w", err)
	}
	return expression.Conditions(result, ignoreCase)
}

func entitiesResult(key string, entities []core.Entity) Result {
	return Result{Kind: core.CorrelationKindOf(len(entities)), Key: key, Entities: entities}
}

func objectsResult(key string, objects []core.ConnectorObject, link *core.ResourceLink) Result {
	return Result{Kind: core.CorrelationKindOf(len(objects)), Key: key, Objects: objects, Link: link}
}
