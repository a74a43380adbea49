package propagation

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-provisioning/core"
)

const NoteVetoed = "vetoed by reconciliation action"

type namedActions struct {
	name    string
	actions core.ReconciliationActions
}

// actionChain runs the actions named by a task and its resource, task
// actions first.
type actionChain []namedActions

func (e *Executor) resolveActions(req Request) (actionChain, error) {
	names := append(append([]string(nil), req.Task.Actions...), req.Resource.Actions...)
	if len(names) == 0 {
		return nil, nil
	}
	if e.actions == nil {
		return nil, fmt.Errorf("propagation: reconciliation actions %v requested but no resolver is configured", names)
	}
	var (
		chain actionChain
		seen  = map[string]struct{}{}
	)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		actions, ok := e.actions.Actions(name)
		if !ok || actions == nil {
			return nil, fmt.Errorf("propagation: unknown reconciliation actions %q", name)
		}
		chain = append(chain, namedActions{name: name, actions: actions})
	}
	return chain, nil
}

// before returns the first veto. Operations other than create, update and
// delete have no before hook.
func (c actionChain) before(ctx context.Context, action core.ActionContext) error {
	for _, named := range c {
		var err error
		switch action.Operation {
		case core.OperationCreate:
			err = named.actions.BeforeProvision(ctx, action)
		case core.OperationUpdate:
			err = named.actions.BeforeUpdate(ctx, action)
		case core.OperationDelete:
			err = named.actions.BeforeDelete(ctx, action)
		}
		if err != nil {
			return fmt.Errorf("%s %q: %w", NoteVetoed, named.name, err)
		}
	}
	return nil
}

func (c actionChain) after(ctx context.Context, action core.ActionContext, outcome core.Outcome) {
	for _, named := range c {
		named.actions.After(ctx, action, outcome)
	}
}

func (c actionChain) onError(ctx context.Context, action core.ActionContext, err error) {
	for _, named := range c {
		named.actions.OnError(ctx, action, err)
	}
}

func actionContext(req Request, outcome core.Outcome) core.ActionContext {
	return core.ActionContext{
		ExecutionID: outcome.ExecutionID,
		TaskKey:     outcome.TaskKey,
		ResourceKey: outcome.ResourceKey,
		AnyType:     outcome.AnyType,
		AnyKey:      outcome.AnyKey,
		RemoteKey:   outcome.RemoteKey,
		Target:      req.Decision.Target,
		Operation:   outcome.Operation,
		Attempt:     outcome.Attempt,
		DryRun:      outcome.DryRun,
	}
}
