package mapping

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-provisioning/core"
)

type PathKind string

const (
	PathField      PathKind = "field"
	PathAttribute  PathKind = "attribute"
	PathMembership PathKind = "membership"
)

const (
	FieldKey      = "key"
	FieldName     = "name"
	FieldRealm    = "realm"
	FieldPassword = "password"
)

// Path addresses a value of an internal entity.
type Path struct {
	Kind      PathKind
	Field     string
	Attribute string
	Group     string
}

func (p Path) String() string {
	switch p.Kind {
	case PathField:
		return p.Field
	case PathMembership:
		return fmt.Sprintf("memberships[%s].%s", p.Group, p.Attribute)
	default:
		return p.Attribute
	}
}

// ParsePath parses an internal attribute name. Supported forms are the entity
// fields key, name, realm and password, a plain schema attribute, and
// memberships[<groupKey>].<schema> for a membership scoped attribute.
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Path{}, fmt.Errorf("mapping: internal attribute is required")
	}
	switch raw {
	case FieldKey, FieldName, FieldRealm, FieldPassword:
		return Path{Kind: PathField, Field: raw}, nil
	}
	if strings.HasPrefix(raw, "memberships[") {
		rest := strings.TrimPrefix(raw, "memberships[")
		closing := strings.Index(rest, "]")
		if closing <= 0 {
			return Path{}, fmt.Errorf("mapping: malformed membership path %q", raw)
		}
		group := strings.TrimSpace(rest[:closing])
		rest = rest[closing+1:]
		if group == "" || !strings.HasPrefix(rest, ".") {
			return Path{}, fmt.Errorf("mapping: malformed membership path %q", raw)
		}
		attribute := strings.TrimSpace(strings.TrimPrefix(rest, "."))
		if attribute == "" || strings.ContainsAny(attribute, ".[]") {
			return Path{}, fmt.Errorf("mapping: malformed membership path %q", raw)
		}
		return Path{Kind: PathMembership, Group: group, Attribute: attribute}, nil
	}
	if strings.ContainsAny(raw, ".[] ") {
		return Path{}, fmt.Errorf("mapping: unsupported attribute path %q", raw)
	}
	return Path{Kind: PathAttribute, Attribute: raw}, nil
}

// Values reads the values addressed by p from entity.
func (p Path) Values(entity core.Entity) []any {
	switch p.Kind {
	case PathField:
		switch p.Field {
		case FieldKey:
			return nonEmpty(entity.Key)
		case FieldName:
			return nonEmpty(entity.Name)
		case FieldRealm:
			return nonEmpty(core.NormalizeRealm(entity.Realm))
		case FieldPassword:
			return nonEmpty(entity.Password)
		}
		return nil
	case PathMembership:
		membership, ok := entity.Membership(p.Group)
		if !ok {
			return nil
		}
		return append([]any(nil), membership.Attributes[p.Attribute]...)
	default:
		return append([]any(nil), entity.Attributes[p.Attribute]...)
	}
}

// Assign writes values into entity at p.
func (p Path) Assign(entity *core.Entity, values []any) {
	if entity == nil {
		return
	}
	switch p.Kind {
	case PathField:
		first := ""
		if value, ok := core.FirstValue(values); ok {
			first = core.ValueString(value)
		}
		switch p.Field {
		case FieldKey:
			entity.Key = first
		case FieldName:
			entity.Name = first
		case FieldRealm:
			entity.Realm = core.NormalizeRealm(first)
		case FieldPassword:
			entity.Password = first
		}
	case PathMembership:
		for index := range entity.Memberships {
			if entity.Memberships[index].GroupKey == p.Group {
				if entity.Memberships[index].Attributes == nil {
					entity.Memberships[index].Attributes = map[string][]any{}
				}
				entity.Memberships[index].Attributes[p.Attribute] = values
				return
			}
		}
		entity.Memberships = append(entity.Memberships, core.Membership{
			GroupKey:   p.Group,
			Attributes: map[string][]any{p.Attribute: values},
		})
	default:
		if entity.Attributes == nil {
			entity.Attributes = map[string][]any{}
		}
		entity.Attributes[p.Attribute] = values
	}
}

func nonEmpty(value string) []any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return []any{value}
}
