package core

import "context"

// ActionContext describes one propagation attempt as seen by
// ReconciliationActions.
type ActionContext struct {
	ExecutionID string
	TaskKey     string
	ResourceKey string
	AnyType     string
	AnyKey      string
	RemoteKey   string
	Target      Target
	Operation   ResourceOperation
	Attempt     int
	DryRun      bool
}

// ReconciliationActions runs host logic around each propagation attempt. An
// error from a Before hook vetoes the attempt, which is then recorded as
// NOT_ATTEMPTED. After sees every recorded outcome, OnError every failed
// attempt.
type ReconciliationActions interface {
	BeforeProvision(ctx context.Context, action ActionContext) error
	BeforeUpdate(ctx context.Context, action ActionContext) error
	BeforeDelete(ctx context.Context, action ActionContext) error
	After(ctx context.Context, action ActionContext, outcome Outcome)
	OnError(ctx context.Context, action ActionContext, err error)
}

// ActionsResolver looks up reconciliation actions by the names tasks and
// resources list.
type ActionsResolver interface {
	Actions(name string) (ReconciliationActions, bool)
}

// NopReconciliationActions can be embedded to implement only some hooks.
type NopReconciliationActions struct{}

func (NopReconciliationActions) BeforeProvision(context.Context, ActionContext) error { return nil }
func (NopReconciliationActions) BeforeUpdate(context.Context, ActionContext) error    { return nil }
func (NopReconciliationActions) BeforeDelete(context.Context, ActionContext) error    { return nil }
func (NopReconciliationActions) After(context.Context, ActionContext, Outcome)        {}
func (NopReconciliationActions) OnError(context.Context, ActionContext, error)        {}

var _ ReconciliationActions = NopReconciliationActions{}
