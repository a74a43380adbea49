package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/expression"
	"github.com/goliatone/go-provisioning/mapping"
	"github.com/goliatone/go-provisioning/propagation"
	"github.com/goliatone/go-provisioning/rules"
)

// target is one resource a task reconciles against, with its mappings
// compiled per any type.
type target struct {
	resource  core.Resource
	connector core.Connector
	compiled  map[string]*mapping.Compiled
}

func (t target) mapping(anyType string) (*mapping.Compiled, bool) {
	compiled, ok := t.compiled[strings.ToUpper(strings.TrimSpace(anyType))]
	return compiled, ok
}

// plan is everything a run needs, resolved and compiled before any object is
// touched so configuration errors abort the run up front.
type plan struct {
	task     core.Task
	anyTypes []string
	primary  target
	// targets holds the primary followed by the propagation resources,
	// ordered by priority for push.
	targets []target
	rules   map[string]core.Evaluator
	scope   *rules.Scope
}

func (p *plan) rule(anyType string) core.Evaluator {
	if p == nil {
		return nil
	}
	return p.rules[strings.ToUpper(strings.TrimSpace(anyType))]
}

// anyTypeOf returns the any type whose primary provision uses objectClass.
func (p *plan) anyTypeOf(objectClass string) (string, bool) {
	for _, anyType := range p.anyTypes {
		compiled, ok := p.primary.mapping(anyType)
		if ok && strings.EqualFold(compiled.ObjectClass(), strings.TrimSpace(objectClass)) {
			return anyType, true
		}
	}
	return "", false
}

func (r *Runtime) prepare(ctx context.Context, task core.Task) (*plan, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	primary, err := r.target(ctx, task.ResourceKey)
	if err != nil {
		return nil, err
	}

	anyTypes := normalizeAnyTypes(task.AnyTypes)
	if len(anyTypes) == 0 {
		for _, provision := range primary.resource.Provisions {
			anyTypes = append(anyTypes, strings.ToUpper(strings.TrimSpace(provision.AnyType)))
		}
		sort.Strings(anyTypes)
	}
	if len(anyTypes) == 0 {
		return nil, fmt.Errorf("%w: resource %q has no provisions", core.ErrProvisionNotFound, primary.resource.Key)
	}

	if err := r.compileTarget(ctx, &primary, anyTypes, true); err != nil {
		return nil, err
	}
	p := &plan{task: task, anyTypes: anyTypes, primary: primary, targets: []target{primary}, rules: map[string]core.Evaluator{}}

	if task.Direction == core.DirectionPush {
		for _, key := range task.Resources()[1:] {
			extra, err := r.target(ctx, key)
			if err != nil {
				return nil, err
			}
			if err := r.compileTarget(ctx, &extra, anyTypes, false); err != nil {
				return nil, err
			}
			p.targets = append(p.targets, extra)
		}
		resources := make([]core.Resource, 0, len(p.targets))
		byKey := make(map[string]target, len(p.targets))
		for _, candidate := range p.targets {
			resources = append(resources, candidate.resource)
			byKey[candidate.resource.Key] = candidate
		}
		ordered := make([]target, 0, len(p.targets))
		for _, resource := range propagation.OrderByPriority(resources) {
			ordered = append(ordered, byKey[resource.Key])
		}
		p.targets = ordered
	}

	var evaluatorOpts []expression.Option
	if r.compiler != nil {
		evaluatorOpts = append(evaluatorOpts, expression.WithCompiler(r.compiler))
	}
	for anyType, spec := range task.CorrelationRules {
		evaluator, err := expression.New(spec, evaluatorOpts...)
		if err != nil {
			return nil, fmt.Errorf("task: correlation rule for %s: %w", anyType, err)
		}
		p.rules[strings.ToUpper(strings.TrimSpace(anyType))] = evaluator
	}
	scope, err := rules.NewScope(task.Filters, evaluatorOpts...)
	if err != nil {
		return nil, err
	}
	p.scope = scope
	return p, nil
}

func (r *Runtime) target(ctx context.Context, resourceKey string) (target, error) {
	resource, err := r.catalog.Resource(ctx, resourceKey)
	if err != nil {
		return target{}, err
	}
	if err := resource.Validate(); err != nil {
		return target{}, err
	}
	connector, err := r.connectors.Connector(resource.Key)
	if err != nil {
		return target{}, err
	}
	return target{resource: resource, connector: connector, compiled: map[string]*mapping.Compiled{}}, nil
}

// compileTarget compiles the provisions of t for anyTypes. The primary
// resource must provision every type; other resources skip missing ones.
func (r *Runtime) compileTarget(ctx context.Context, t *target, anyTypes []string, required bool) error {
	var opts []mapping.Option
	if r.compiler != nil {
		opts = append(opts, mapping.WithCompiler(r.compiler))
	}
	for _, anyType := range anyTypes {
		provision, ok := t.resource.Provision(anyType)
		if !ok {
			if required {
				return fmt.Errorf("%w: resource %q has no provision for %s", core.ErrProvisionNotFound, t.resource.Key, anyType)
			}
			continue
		}
		schema, err := r.catalog.Schema(ctx, anyType)
		if errors.Is(err, core.ErrSchemaNotFound) {
			schema, err = core.AnyTypeSchema{AnyType: anyType}, nil
		}
		if err != nil {
			return err
		}
		compiled, err := mapping.Compile(t.resource.Key, provision, schema, opts...)
		if err != nil {
			return err
		}
		t.compiled[anyType] = compiled
	}
	return nil
}

func normalizeAnyTypes(anyTypes []string) []string {
	out := make([]string, 0, len(anyTypes))
	seen := map[string]struct{}{}
	for _, anyType := range anyTypes {
		anyType = strings.ToUpper(strings.TrimSpace(anyType))
		if anyType == "" {
			continue
		}
		if _, exists := seen[anyType]; exists {
			continue
		}
		seen[anyType] = struct{}{}
		out = append(out, anyType)
	}
	return out
}
