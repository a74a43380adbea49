package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-provisioning/core"
)

// openExecution records a fired run and moves it to RUNNING.
func (r *Runtime) openExecution(ctx context.Context, taskKey string, dryRun bool) (core.TaskExecution, error) {
	execution, err := r.executions.Create(ctx, core.TaskExecution{
		TaskKey:  taskKey,
		Start:    r.now(),
		Status:   core.ExecutionJobFired,
		Executor: r.config.Executor,
		DryRun:   dryRun,
	})
	if err != nil {
		return core.TaskExecution{}, fmt.Errorf("task: create execution: %w", err)
	}
	if err := execution.TransitionTo(core.ExecutionRunning, "", r.now()); err != nil {
		return execution, err
	}
	execution, err = r.executions.Update(ctx, execution)
	if err != nil {
		return execution, fmt.Errorf("task: update execution: %w", err)
	}
	return execution, nil
}

// closeExecution moves execution to its terminal status. Store failures are
// logged; the in-memory copy still carries the terminal status.
func (r *Runtime) closeExecution(ctx context.Context, execution core.TaskExecution, status core.ExecutionStatus, message string) core.TaskExecution {
	if err := execution.TransitionTo(status, message, r.now()); err != nil {
		r.observer.Error(ctx, "execution transition rejected", map[string]any{
			"execution_id": execution.ID,
			"task_key":     execution.TaskKey,
			"error":        err.Error(),
		})
		return execution
	}
	updated, err := r.executions.Update(ctx, execution)
	if err != nil {
		r.observer.Error(ctx, "execution update failed", map[string]any{
			"execution_id": execution.ID,
			"task_key":     execution.TaskKey,
			"error":        err.Error(),
		})
		return execution
	}
	return updated
}

// notSent records an execute request refused because the task is running.
func (r *Runtime) notSent(ctx context.Context, taskKey string, dryRun bool) (core.TaskExecution, error) {
	execution, err := r.executions.Create(ctx, core.TaskExecution{
		TaskKey:  taskKey,
		Start:    r.now(),
		Status:   core.ExecutionJobFired,
		Executor: r.config.Executor,
		DryRun:   dryRun,
	})
	if err != nil {
		return core.TaskExecution{}, fmt.Errorf("task: create execution: %w", err)
	}
	r.observer.Count(ctx, "provisioning.task.not_sent.total", 1, map[string]string{"task_key": taskKey})
	return r.closeExecution(ctx, execution, core.ExecutionNotSent, NoteTaskBusy), nil
}

// ListExecutions returns the executions of taskKey newest first. Dry runs are
// only listed when the filter or history.include_dry_run asks for them.
func (r *Runtime) ListExecutions(ctx context.Context, taskKey string, filter core.ExecutionFilter) ([]core.TaskExecution, error) {
	if r == nil {
		return nil, fmt.Errorf("task: runtime is not configured")
	}
	taskKey = strings.TrimSpace(taskKey)
	if taskKey == "" {
		return nil, fmt.Errorf("task: task key is required")
	}
	if r.config.History.IncludeDryRun {
		filter.IncludeDryRun = true
	}
	return r.executions.List(ctx, taskKey, filter)
}

func (r *Runtime) GetExecution(ctx context.Context, id string) (core.TaskExecution, error) {
	if r == nil {
		return core.TaskExecution{}, fmt.Errorf("task: runtime is not configured")
	}
	return r.executions.Get(ctx, strings.TrimSpace(id))
}

// ListOutcomes returns every recorded attempt of an execution.
func (r *Runtime) ListOutcomes(ctx context.Context, executionID string) ([]core.Outcome, error) {
	if r == nil {
		return nil, fmt.Errorf("task: runtime is not configured")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return nil, fmt.Errorf("task: execution id is required")
	}
	return r.outcomes.ListByExecution(ctx, executionID)
}

// recordDirect appends an outcome that never reached the executor.
func (r *Runtime) recordDirect(ctx context.Context, outcome core.Outcome) core.Outcome {
	if outcome.ID == "" {
		outcome.ID = r.newID()
	}
	if outcome.ChainID == "" {
		outcome.ChainID = outcome.ID
	}
	if outcome.Attempt == 0 {
		outcome.Attempt = 1
	}
	if outcome.Operation == "" {
		outcome.Operation = core.OperationNone
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = r.now()
	}
	if err := r.outcomes.Append(ctx, outcome); err != nil {
		r.observer.Error(ctx, "outcome append failed", map[string]any{
			"execution_id": outcome.ExecutionID,
			"task_key":     outcome.TaskKey,
			"error":        err.Error(),
		})
	}
	return outcome
}
