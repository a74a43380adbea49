package expression

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/goliatone/go-provisioning/core"
)

// Compiler compiles and caches expr programs by source.
type Compiler struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewCompiler() *Compiler {
	return &Compiler{programs: map[string]*vm.Program{}}
}

var defaultCompiler = NewCompiler()

func (c *Compiler) Compile(source string, asBool bool) (*vm.Program, error) {
	if c == nil {
		return nil, fmt.Errorf("expression: compiler is not configured")
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("expression: source is required")
	}
	cacheKey := source
	if asBool {
		cacheKey = "bool::" + source
	}
	c.mu.RLock()
	program, ok := c.programs[cacheKey]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}

	options := []expr.Option{expr.AllowUndefinedVariables()}
	if asBool {
		options = append(options, expr.AsBool())
	}
	program, err := expr.Compile(source, options...)
	if err != nil {
		return nil, fmt.Errorf("expression: compile %q: %w", source, err)
	}
	c.mu.Lock()
	c.programs[cacheKey] = program
	c.mu.Unlock()
	return program, nil
}

type Option func(*builder)

type builder struct {
	compiler *Compiler
}

func WithCompiler(compiler *Compiler) Option {
	return func(b *builder) {
		if compiler != nil {
			b.compiler = compiler
		}
	}
}

// New builds the Evaluator selected by spec.Kind.
func New(spec core.EvaluatorSpec, opts ...Option) (core.Evaluator, error) {
	b := builder{compiler: defaultCompiler}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	switch spec.Kind {
	case core.EvaluatorNoop, "":
		return Noop{}, nil
	case core.EvaluatorKeyEquality:
		attributes := make([]string, 0, len(spec.Attributes))
		for _, attribute := range spec.Attributes {
			if attribute = strings.TrimSpace(attribute); attribute != "" {
				attributes = append(attributes, attribute)
			}
		}
		if len(attributes) == 0 {
			return nil, fmt.Errorf("expression: key_equality requires at least one attribute")
		}
		return KeyEquality{Attributes: attributes}, nil
	case core.EvaluatorExpression:
		program, err := b.compiler.Compile(spec.Expression, false)
		if err != nil {
			return nil, err
		}
		return &Program{source: strings.TrimSpace(spec.Expression), program: program}, nil
	case core.EvaluatorTransform:
		for _, transform := range spec.Transforms {
			if !KnownTransform(transform) {
				return nil, fmt.Errorf("expression: unsupported transform %q", transform)
			}
		}
		return Transform{Transforms: append([]string(nil), spec.Transforms...)}, nil
	default:
		return nil, fmt.Errorf("expression: unsupported evaluator kind %q", spec.Kind)
	}
}

// Noop evaluates to nil.
type Noop struct{}

func (Noop) Evaluate(ctx context.Context, _ map[string]any) (any, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// KeyEquality evaluates to a condition map built from the named attributes of env.
// Attribute names resolve against the top level first, then against attrs.
type KeyEquality struct {
	Attributes []string
}

func (k KeyEquality) Evaluate(ctx context.Context, env map[string]any) (any, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	conditions := make(map[string]any, len(k.Attributes))
	for _, attribute := range k.Attributes {
		value, ok := Lookup(env, attribute)
		if !ok || value == nil || core.ValueString(value) == "" {
			return nil, nil
		}
		conditions[attribute] = value
	}
	return conditions, nil
}

// Program runs a compiled expr program against env.
type Program struct {
	source  string
	program *vm.Program
}

func (p *Program) Source() string {
	if p == nil {
		return ""
	}
	return p.source
}

func (p *Program) Evaluate(ctx context.Context, env map[string]any) (any, error) {
	if p == nil || p.program == nil {
		return nil, fmt.Errorf("expression: program is not configured")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return nil, fmt.Errorf("expression: run %q: %w", p.source, err)
	}
	return out, nil
}

// Transform applies the named catalogue transforms to env["value"].
type Transform struct {
	Transforms []string
}

func (t Transform) Evaluate(ctx context.Context, env map[string]any) (any, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return ApplyTransforms(env["value"], t.Transforms...)
}

// Condition is a boolean expression such as a mandatory condition or a task filter.
type Condition struct {
	source  string
	program *vm.Program
}

// NewCondition compiles source as a boolean expression. Blank sources always hold.
func NewCondition(source string, opts ...Option) (*Condition, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return &Condition{}, nil
	}
	b := builder{compiler: defaultCompiler}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	switch strings.ToLower(source) {
	case "true", "false":
		return &Condition{source: strings.ToLower(source)}, nil
	}
	program, err := b.compiler.Compile(source, true)
	if err != nil {
		return nil, err
	}
	return &Condition{source: source, program: program}, nil
}

func (c *Condition) Source() string {
	if c == nil {
		return ""
	}
	return c.source
}

func (c *Condition) Holds(ctx context.Context, env map[string]any) (bool, error) {
	if c == nil || c.source == "" || c.source == "true" {
		return true, nil
	}
	if c.source == "false" {
		return false, nil
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("expression: run %q: %w", c.source, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression: condition %q returned %T", c.source, out)
	}
	return result, nil
}

// Conditions converts an Evaluator result into filter conditions.
// nil and empty maps mean no correlation.
func Conditions(result any, ignoreCase bool) ([]core.Condition, error) {
	if result == nil {
		return nil, nil
	}
	var values map[string]any
	switch typed := result.(type) {
	case map[string]any:
		values = typed
	case map[string]string:
		values = make(map[string]any, len(typed))
		for key, value := range typed {
			values[key] = value
		}
	default:
		return nil, fmt.Errorf("expression: correlation result must be a map, got %T", result)
	}
	conditions := make([]core.Condition, 0, len(values))
	for attribute, value := range values {
		attribute = strings.TrimSpace(attribute)
		if attribute == "" || value == nil {
			continue
		}
		conditions = append(conditions, core.Condition{Attribute: attribute, Value: value, IgnoreCase: ignoreCase})
	}
	sortConditions(conditions)
	return conditions, nil
}

func sortConditions(conditions []core.Condition) {
	sort.Slice(conditions, func(i, j int) bool {
		return conditions[i].Attribute < conditions[j].Attribute
	})
}

var (
	_ core.Evaluator = Noop{}
	_ core.Evaluator = KeyEquality{}
	_ core.Evaluator = (*Program)(nil)
	_ core.Evaluator = Transform{}
)
