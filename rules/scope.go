package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-provisioning/expression"
)

// Scope holds the compiled per-anyType filters of a task.
type Scope struct {
	conditions map[string]*expression.Condition
}

func NewScope(filters map[string]string, opts ...expression.Option) (*Scope, error) {
	scope := &Scope{conditions: make(map[string]*expression.Condition, len(filters))}
	for anyType, source := range filters {
		anyType = strings.ToUpper(strings.TrimSpace(anyType))
		if anyType == "" || strings.TrimSpace(source) == "" {
			continue
		}
		condition, err := expression.NewCondition(source, opts...)
		if err != nil {
			return nil, fmt.Errorf("rules: filter for %s: %w", anyType, err)
		}
		scope.conditions[anyType] = condition
	}
	return scope, nil
}

// Allows reports whether an object of anyType exposed as env is in scope.
// Types without a filter are always in scope.
func (s *Scope) Allows(ctx context.Context, anyType string, env map[string]any) (bool, error) {
	if s == nil {
		return true, nil
	}
	condition, ok := s.conditions[strings.ToUpper(strings.TrimSpace(anyType))]
	if !ok {
		return true, nil
	}
	return condition.Holds(ctx, env)
}

var (
	scopeCacheMu sync.Mutex
	scopeCache   = map[string]*Scope{}
)

// InScope evaluates the filter of filters for anyType against env.
func InScope(ctx context.Context, filters map[string]string, anyType string, env map[string]any) (bool, error) {
	source := strings.TrimSpace(filterFor(filters, anyType))
	if source == "" {
		return true, nil
	}
	scopeCacheMu.Lock()
	scope, ok := scopeCache[source]
	scopeCacheMu.Unlock()
	if !ok {
		built, err := NewScope(map[string]string{"*": source})
		if err != nil {
			return false, err
		}
		scopeCacheMu.Lock()
		scopeCache[source] = built
		scopeCacheMu.Unlock()
		scope = built
	}
	return scope.Allows(ctx, "*", env)
}

func filterFor(filters map[string]string, anyType string) string {
	for key, source := range filters {
		if strings.EqualFold(strings.TrimSpace(key), strings.TrimSpace(anyType)) {
			return source
		}
	}
	return ""
}
