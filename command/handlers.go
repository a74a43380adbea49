package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/task"
)

// TaskService is the mutating surface of the task runtime.
type TaskService interface {
	Execute(ctx context.Context, req task.ExecuteRequest) (task.ExecuteResult, error)
	ActionJob(ctx context.Context, taskKey string, action core.JobAction) (task.JobState, error)
	ReconcileObject(ctx context.Context, taskKey string, anyKey string, dryRun bool) (task.Report, error)
	Submit(ctx context.Context, taskKey string, delta core.Delta) error
}

type ExecuteTaskCommand struct {
	service TaskService
}

func NewExecuteTaskCommand(service TaskService) *ExecuteTaskCommand {
	return &ExecuteTaskCommand{service: service}
}

func (c *ExecuteTaskCommand) Execute(ctx context.Context, msg ExecuteTaskMessage) error {
	if c == nil || c.service == nil {
		return core.NewDependencyError("command: task service is required")
	}
	out, err := c.service.Execute(ctx, task.ExecuteRequest{
		TaskKey: msg.TaskKey,
		DryRun:  msg.DryRun,
		StartAt: msg.StartAt,
	})
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type ActionJobCommand struct {
	service TaskService
}

func NewActionJobCommand(service TaskService) *ActionJobCommand {
	return &ActionJobCommand{service: service}
}

func (c *ActionJobCommand) Execute(ctx context.Context, msg ActionJobMessage) error {
	if c == nil || c.service == nil {
		return core.NewDependencyError("command: task service is required")
	}
	out, err := c.service.ActionJob(ctx, msg.TaskKey, msg.Action)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type ReconcileObjectCommand struct {
	service TaskService
}

func NewReconcileObjectCommand(service TaskService) *ReconcileObjectCommand {
	return &ReconcileObjectCommand{service: service}
}

func (c *ReconcileObjectCommand) Execute(ctx context.Context, msg ReconcileObjectMessage) error {
	if c == nil || c.service == nil {
		return core.NewDependencyError("command: task service is required")
	}
	out, err := c.service.ReconcileObject(ctx, msg.TaskKey, msg.AnyKey, msg.DryRun)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type SubmitDeltaCommand struct {
	service TaskService
}

func NewSubmitDeltaCommand(service TaskService) *SubmitDeltaCommand {
	return &SubmitDeltaCommand{service: service}
}

func (c *SubmitDeltaCommand) Execute(ctx context.Context, msg SubmitDeltaMessage) error {
	if c == nil || c.service == nil {
		return core.NewDependencyError("command: task service is required")
	}
	if err := c.service.Submit(ctx, msg.TaskKey, msg.Delta); err != nil {
		return core.MapError(err)
	}
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
