package propagation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-provisioning/core"
)

// PolicySource names where a resolved policy came from.
type PolicySource string

const (
	PolicyFromTask     PolicySource = "task"
	PolicyFromResource PolicySource = "resource"
	PolicyFromRealm    PolicySource = "realm"
	PolicyFromGlobal   PolicySource = "global"
)

// PolicyResolver applies the lookup order task, resource, realm chain, global.
type PolicyResolver struct {
	Policies core.PolicyStore
	Realms   core.RealmReader
	Global   core.PropagationPolicy
}

func (r PolicyResolver) ResolvePolicy(ctx context.Context, task core.Task, resource core.Resource, realm string) (core.PropagationPolicy, PolicySource, error) {
	if key := strings.TrimSpace(task.PropagationPolicy); key != "" {
		policy, err := r.policy(ctx, key)
		if err != nil {
			return core.PropagationPolicy{}, "", err
		}
		return policy, PolicyFromTask, nil
	}
	if key := strings.TrimSpace(resource.PropagationPolicy); key != "" {
		policy, err := r.policy(ctx, key)
		if err != nil {
			return core.PropagationPolicy{}, "", err
		}
		return policy, PolicyFromResource, nil
	}
	if r.Realms != nil && strings.TrimSpace(realm) != "" {
		path := core.NormalizeRealm(realm)
		for {
			candidate, err := r.Realms.Realm(ctx, path)
			switch {
			case err == nil:
				if key := strings.TrimSpace(candidate.PropagationPolicy); key != "" {
					policy, err := r.policy(ctx, key)
					if err != nil {
						return core.PropagationPolicy{}, "", err
					}
					return policy, PolicyFromRealm, nil
				}
			case errors.Is(err, core.ErrRealmNotFound):
			default:
				return core.PropagationPolicy{}, "", fmt.Errorf("propagation: load realm %q: %w", path, err)
			}
			parent, ok := core.ParentRealm(path)
			if !ok {
				break
			}
			path = parent
		}
	}
	return normalizePolicy(r.Global), PolicyFromGlobal, nil
}

func (r PolicyResolver) policy(ctx context.Context, key string) (core.PropagationPolicy, error) {
	if r.Policies == nil {
		return core.PropagationPolicy{}, fmt.Errorf("%w: %q", core.ErrPolicyNotFound, key)
	}
	policy, err := r.Policies.Policy(ctx, key)
	if err != nil {
		return core.PropagationPolicy{}, err
	}
	return normalizePolicy(policy), nil
}

func normalizePolicy(policy core.PropagationPolicy) core.PropagationPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = core.DefaultMaxAttempts
	}
	if policy.BackOffStrategy == "" {
		policy.BackOffStrategy = core.BackOffNone
	}
	return policy
}

// OrderByPriority sorts resources by ascending priority. Resources without a
// priority run last in their given order.
func OrderByPriority(resources []core.Resource) []core.Resource {
	out := append([]core.Resource(nil), resources...)
	sort.SliceStable(out, func(i, j int) bool {
		left, right := out[i].Priority, out[j].Priority
		switch {
		case left == nil:
			return false
		case right == nil:
			return true
		default:
			return *left < *right
		}
	})
	return out
}
