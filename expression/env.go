package expression

import (
	"strings"

	"github.com/goliatone/go-provisioning/core"
)

// EntityEnv exposes an internal entity to expressions.
//
//	key, name, realm, anyType, suspended  scalar fields
//	attrs                                 first value of each attribute
//	values                                all values of each attribute
//	memberships                           group key -> first value attributes
//	resources                             resource keys the entity is linked to
func EntityEnv(entity core.Entity, resources []string) map[string]any {
	memberships := make(map[string]any, len(entity.Memberships))
	groups := make([]any, 0, len(entity.Memberships))
	for _, membership := range entity.Memberships {
		memberships[membership.GroupKey] = firstValues(membership.Attributes)
		groups = append(groups, membership.GroupKey)
	}
	linked := make([]any, 0, len(resources))
	for _, resource := range resources {
		linked = append(linked, resource)
	}
	return map[string]any{
		"key":         entity.Key,
		"name":        entity.Name,
		"realm":       core.NormalizeRealm(entity.Realm),
		"anyType":     entity.AnyType,
		"suspended":   entity.Suspended,
		"attrs":       firstValues(entity.Attributes),
		"values":      allValues(entity.Attributes),
		"memberships": memberships,
		"groups":      groups,
		"resources":   linked,
	}
}

// ObjectEnv exposes a connector object to expressions.
func ObjectEnv(object core.ConnectorObject) map[string]any {
	return map[string]any{
		"key":         object.Key,
		"objectClass": object.ObjectClass,
		"attrs":       firstValues(object.Attributes),
		"values":      allValues(object.Attributes),
	}
}

// WithValue returns a copy of env carrying the value being transformed.
func WithValue(env map[string]any, values []any) map[string]any {
	out := make(map[string]any, len(env)+2)
	for key, value := range env {
		out[key] = value
	}
	first, _ := core.FirstValue(values)
	out["value"] = first
	out["values_in"] = append([]any(nil), values...)
	return out
}

// Lookup resolves name at the top level of env, then inside env["attrs"].
func Lookup(env map[string]any, name string) (any, bool) {
	name = strings.TrimSpace(name)
	if name == "" || env == nil {
		return nil, false
	}
	if value, ok := env[name]; ok && name != "attrs" && name != "values" {
		return value, true
	}
	attrs, ok := env["attrs"].(map[string]any)
	if !ok {
		return nil, false
	}
	value, ok := attrs[name]
	return value, ok
}

func firstValues(attrs map[string][]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for name, values := range attrs {
		first, _ := core.FirstValue(values)
		out[name] = first
	}
	return out
}

func allValues(attrs map[string][]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for name, values := range attrs {
		out[name] = append([]any(nil), values...)
	}
	return out
}
