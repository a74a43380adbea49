package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/expression"
)

type CompiledItem struct {
	Item        core.Item
	Path        Path
	Schema      *core.SchemaAttribute
	Mandatory   *expression.Condition
	Transformer *expression.Program
}

// Compiled is a validated provision mapping bound to an effective schema.
type Compiled struct {
	ResourceKey string
	Provision   core.Provision
	Items       []CompiledItem
	keyIndex    int
}

func (c *Compiled) KeyItem() CompiledItem {
	return c.Items[c.keyIndex]
}

// KeyAttribute returns the external attribute carrying the connector object key.
func (c *Compiled) KeyAttribute() string {
	return c.KeyItem().Item.ExtAttrName
}

func (c *Compiled) AnyType() string {
	return c.Provision.AnyType
}

func (c *Compiled) ObjectClass() string {
	return c.Provision.ObjectClass
}

type Option func(*compileOptions)

type compileOptions struct {
	compiler *expression.Compiler
}

func WithCompiler(compiler *expression.Compiler) Option {
	return func(o *compileOptions) {
		o.compiler = compiler
	}
}

// Compile validates provision against schema. Every failure is an invalid
// mapping error.
func Compile(resourceKey string, provision core.Provision, schema core.AnyTypeSchema, opts ...Option) (*Compiled, error) {
	options := compileOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	var exprOpts []expression.Option
	if options.compiler != nil {
		exprOpts = append(exprOpts, expression.WithCompiler(options.compiler))
	}

	anyType := strings.TrimSpace(provision.AnyType)
	invalid := func(intAttrName string, format string, args ...any) error {
		return core.NewInvalidMapping(resourceKey, anyType, intAttrName, fmt.Sprintf(format, args...))
	}
	if anyType == "" {
		return nil, invalid("", "provision any type is required")
	}
	if !strings.EqualFold(schema.AnyType, anyType) {
		return nil, invalid("", "schema %q does not describe %s", schema.AnyType, anyType)
	}
	if strings.TrimSpace(provision.ObjectClass) == "" {
		return nil, invalid("", "object class is required")
	}

	effective := schema.Effective(provision.AuxClasses)
	compiled := &Compiled{
		ResourceKey: strings.TrimSpace(resourceKey),
		Provision:   provision,
		Items:       make([]CompiledItem, 0, len(provision.Mapping.Items)),
		keyIndex:    -1,
	}
	keyItems := 0
	passwordItems := 0
	for _, item := range provision.Mapping.Items {
		path, err := ParsePath(item.IntAttrName)
		if err != nil {
			return nil, invalid(item.IntAttrName, "%v", err)
		}
		if item.Purpose == "" {
			item.Purpose = core.PurposeBoth
		}
		switch item.Purpose {
		case core.PurposeBoth, core.PurposePull, core.PurposePropagation, core.PurposeNone:
		default:
			return nil, invalid(item.IntAttrName, "unsupported purpose %q", item.Purpose)
		}
		if item.IsPassword {
			passwordItems++
			if path.Kind != PathField || path.Field != FieldPassword {
				return nil, invalid(item.IntAttrName, "password item must map the password field")
			}
			if strings.TrimSpace(item.ExtAttrName) == "" {
				item.ExtAttrName = core.PasswordAttribute
			}
		}
		item.ExtAttrName = strings.TrimSpace(item.ExtAttrName)
		if item.ExtAttrName == "" {
			return nil, invalid(item.IntAttrName, "external attribute is required")
		}

		compiledItem := CompiledItem{Item: item, Path: path}
		if path.Kind != PathField {
			attr, ok := effective[path.Attribute]
			if !ok {
				return nil, invalid(item.IntAttrName, "attribute %q is not part of the effective schema", path.Attribute)
			}
			compiledItem.Schema = &attr
		}
		if item.IsKey {
			keyItems++
			if item.IsPassword {
				return nil, invalid(item.IntAttrName, "key item cannot be a password")
			}
			compiled.keyIndex = len(compiled.Items)
		}
		for _, transform := range item.Transforms {
			if !expression.KnownTransform(transform) {
				return nil, invalid(item.IntAttrName, "unsupported transform %q", transform)
			}
		}
		if source := strings.TrimSpace(item.TransformerExpr); source != "" {
			evaluator, err := expression.New(core.EvaluatorSpec{Kind: core.EvaluatorExpression, Expression: source}, exprOpts...)
			if err != nil {
				return nil, invalid(item.IntAttrName, "transformer: %v", err)
			}
			compiledItem.Transformer = evaluator.(*expression.Program)
		}
		condition, err := expression.NewCondition(item.MandatoryCondition, exprOpts...)
		if err != nil {
			return nil, invalid(item.IntAttrName, "mandatory condition: %v", err)
		}
		compiledItem.Mandatory = condition
		compiled.Items = append(compiled.Items, compiledItem)
	}
	if keyItems != 1 {
		return nil, invalid("", "exactly one key item is required, found %d", keyItems)
	}
	if passwordItems > 1 {
		return nil, invalid("", "at most one password item is allowed, found %d", passwordItems)
	}
	return compiled, nil
}

// ToConnectorAttributes projects entity onto external attributes for the items
// taking part in direction.
func ToConnectorAttributes(ctx context.Context, entity core.Entity, compiled *Compiled, direction core.Direction) (map[string][]any, error) {
	if compiled == nil {
		return nil, fmt.Errorf("mapping: compiled mapping is required")
	}
	env := expression.EntityEnv(entity, nil)
	attrs := map[string][]any{}
	for _, item := range compiled.Items {
		if !item.Item.Purpose.Allows(direction) {
			continue
		}
		values, err := item.project(ctx, env, item.Path.Values(entity))
		if err != nil {
			return nil, compiled.itemError(item, err)
		}
		if item.Schema != nil {
			for index, value := range values {
				formatted, err := FormatValue(*item.Schema, value)
				if err != nil {
					return nil, compiled.itemError(item, err)
				}
				values[index] = formatted
			}
		}
		if err := compiled.checkMandatory(ctx, item, env, values); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		attrs[item.Item.ExtAttrName] = append(attrs[item.Item.ExtAttrName], values...)
	}
	return attrs, nil
}

// ToInternalTemplate builds an entity template from object. External
// attributes without a pull item are dropped.
func ToInternalTemplate(ctx context.Context, object core.ConnectorObject, compiled *Compiled) (core.Entity, error) {
	if compiled == nil {
		return core.Entity{}, fmt.Errorf("mapping: compiled mapping is required")
	}
	entity := core.Entity{
		AnyType:    compiled.Provision.AnyType,
		AuxClasses: append([]string(nil), compiled.Provision.AuxClasses...),
		Attributes: map[string][]any{},
	}
	env := expression.ObjectEnv(object)
	for _, item := range compiled.Items {
		if !item.Item.Purpose.Allows(core.DirectionPull) {
			continue
		}
		raw := object.Values(item.Item.ExtAttrName)
		if len(raw) == 0 && item.Item.IsKey && object.Key != "" {
			raw = []any{object.Key}
		}
		values, err := item.project(ctx, env, raw)
		if err != nil {
			return core.Entity{}, compiled.itemError(item, err)
		}
		if item.Schema != nil {
			for index, value := range values {
				parsed, err := ParseValue(*item.Schema, value)
				if err != nil {
					return core.Entity{}, compiled.itemError(item, err)
				}
				values[index] = parsed
			}
		}
		if len(values) == 0 {
			continue
		}
		item.Path.Assign(&entity, values)
	}

	entityEnv := expression.EntityEnv(entity, nil)
	for _, item := range compiled.Items {
		if !item.Item.Purpose.Allows(core.DirectionPull) {
			continue
		}
		if err := compiled.checkMandatory(ctx, item, entityEnv, item.Path.Values(entity)); err != nil {
			return core.Entity{}, err
		}
	}
	return entity, nil
}

// ConnObjectKeyValue returns the external key value projected from entity.
func ConnObjectKeyValue(ctx context.Context, entity core.Entity, compiled *Compiled) (string, bool, error) {
	if compiled == nil {
		return "", false, fmt.Errorf("mapping: compiled mapping is required")
	}
	item := compiled.KeyItem()
	values, err := item.project(ctx, expression.EntityEnv(entity, nil), item.Path.Values(entity))
	if err != nil {
		return "", false, compiled.itemError(item, err)
	}
	value, ok := core.FirstValue(values)
	if !ok {
		return "", false, nil
	}
	if item.Schema != nil {
		formatted, err := FormatValue(*item.Schema, value)
		if err != nil {
			return "", false, compiled.itemError(item, err)
		}
		value = formatted
	}
	key := core.ValueString(value)
	return key, key != "", nil
}

func (i CompiledItem) project(ctx context.Context, env map[string]any, values []any) ([]any, error) {
	out := make([]any, 0, len(values))
	for _, value := range values {
		if value == nil {
			continue
		}
		transformed, err := expression.ApplyTransforms(value, i.Item.Transforms...)
		if err != nil {
			return nil, err
		}
		out = append(out, transformed)
	}
	if i.Transformer == nil {
		return out, nil
	}
	result, err := i.Transformer.Evaluate(ctx, expression.WithValue(env, out))
	if err != nil {
		return nil, err
	}
	switch typed := result.(type) {
	case nil:
		return nil, nil
	case []any:
		return typed, nil
	default:
		return []any{typed}, nil
	}
}

func (c *Compiled) checkMandatory(ctx context.Context, item CompiledItem, env map[string]any, values []any) error {
	if item.Mandatory == nil || item.Mandatory.Source() == "" {
		return nil
	}
	required, err := item.Mandatory.Holds(ctx, env)
	if err != nil {
		return c.itemError(item, err)
	}
	if !required || len(values) > 0 {
		return nil
	}
	return &core.MappingError{
		Kind:        core.MappingMandatory,
		ResourceKey: c.ResourceKey,
		AnyType:     c.Provision.AnyType,
		IntAttrName: item.Item.IntAttrName,
		Reason:      fmt.Sprintf("%s is mandatory but has no value", item.Item.ExtAttrName),
	}
}

func (c *Compiled) itemError(item CompiledItem, err error) error {
	return fmt.Errorf("mapping: %s -> %s: %w", item.Item.IntAttrName, item.Item.ExtAttrName, err)
}
