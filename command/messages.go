package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

const (
	TypeExecuteTask     = "provisioning.command.task.execute"
	TypeActionJob       = "provisioning.command.task.action_job"
	TypeReconcileObject = "provisioning.command.task.reconcile_object"
	TypeSubmitDelta     = "provisioning.command.task.submit_delta"
)

type ExecuteTaskMessage struct {
	TaskKey string
	DryRun  bool
	StartAt *time.Time
}

func (ExecuteTaskMessage) Type() string { return TypeExecuteTask }

func (m ExecuteTaskMessage) Validate() error {
	if strings.TrimSpace(m.TaskKey) == "" {
		return core.NewFieldError("command", "task_key", "task key is required")
	}
	return nil
}

type ActionJobMessage struct {
	TaskKey string
	Action  core.JobAction
}

func (ActionJobMessage) Type() string { return TypeActionJob }

func (m ActionJobMessage) Validate() error {
	if strings.TrimSpace(m.TaskKey) == "" {
		return core.NewFieldError("command", "task_key", "task key is required")
	}
	switch core.JobAction(strings.ToUpper(strings.TrimSpace(string(m.Action)))) {
	case core.JobActionStart, core.JobActionStop:
		return nil
	default:
		return core.NewFieldError("command", "action", "action must be START or STOP")
	}
}

type ReconcileObjectMessage struct {
	TaskKey string
	AnyKey  string
	DryRun  bool
}

func (ReconcileObjectMessage) Type() string { return TypeReconcileObject }

func (m ReconcileObjectMessage) Validate() error {
	if strings.TrimSpace(m.TaskKey) == "" {
		return core.NewFieldError("command", "task_key", "task key is required")
	}
	if strings.TrimSpace(m.AnyKey) == "" {
		return core.NewFieldError("command", "any_key", "entity or object key is required")
	}
	return nil
}

type SubmitDeltaMessage struct {
	TaskKey string
	Delta   core.Delta
}

func (SubmitDeltaMessage) Type() string { return TypeSubmitDelta }

func (m SubmitDeltaMessage) Validate() error {
	if strings.TrimSpace(m.TaskKey) == "" {
		return core.NewFieldError("command", "task_key", "task key is required")
	}
	switch m.Delta.Operation {
	case core.DeltaCreate, core.DeltaUpdate, core.DeltaDelete:
	default:
		return core.NewFieldError("command", "operation", "delta operation must be CREATE, UPDATE or DELETE")
	}
	if strings.TrimSpace(m.Delta.Object.Key) == "" {
		return core.NewFieldError("command", "object.key", "delta object key is required")
	}
	return nil
}
