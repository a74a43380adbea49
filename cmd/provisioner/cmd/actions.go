package cmd

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"

	provisioning "github.com/goliatone/go-provisioning"
	"github.com/goliatone/go-provisioning/core"
)

// Reconciliation actions a catalog task or resource can list by name.
const (
	actionsAudit    = "audit"
	actionsNoDelete = "no-delete"
)

// auditActions logs every propagation attempt.
type auditActions struct {
	core.NopReconciliationActions
	logger glog.Logger
}

func (a auditActions) After(_ context.Context, action core.ActionContext, outcome core.Outcome) {
	a.logger.Info("propagation attempt",
		"task_key", action.TaskKey,
		"resource_key", action.ResourceKey,
		"any_key", action.AnyKey,
		"remote_key", outcome.RemoteKey,
		"operation", string(action.Operation),
		"attempt", action.Attempt,
		"status", string(outcome.Status),
	)
}

func (a auditActions) OnError(_ context.Context, action core.ActionContext, err error) {
	a.logger.Warn("propagation attempt failed",
		"task_key", action.TaskKey,
		"resource_key", action.ResourceKey,
		"any_key", action.AnyKey,
		"error", err.Error(),
	)
}

// noDeleteActions vetoes deletes on the resources or tasks that list it.
type noDeleteActions struct {
	core.NopReconciliationActions
}

func (noDeleteActions) BeforeDelete(_ context.Context, action core.ActionContext) error {
	return fmt.Errorf("deletes are disabled for resource %q", action.ResourceKey)
}

func registerActions(hooks *provisioning.ExtensionHooks, logger glog.Logger) error {
	if err := hooks.RegisterActions(actionsAudit, auditActions{logger: glog.Ensure(logger)}); err != nil {
		return err
	}
	return hooks.RegisterActions(actionsNoDelete, noDeleteActions{})
}
