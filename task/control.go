package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/livesync"
)

var ErrUnsupportedAction = errors.New("task: unsupported job action")

type ExecuteRequest struct {
	TaskKey string
	DryRun  bool
	// StartAt defers the run to a one-shot schedule when it lies in the future.
	StartAt *time.Time
}

type ExecuteResult struct {
	Execution core.TaskExecution
	Outcomes  []core.Outcome
	Scheduled bool
	Queued    bool
	StartAt   *time.Time
}

// JobState describes a task after ActionJob.
type JobState struct {
	TaskKey   string
	Action    core.JobAction
	Live      bool
	LiveState livesync.State
	Scheduled bool
	Next      *time.Time
}

// Execute runs a task on demand. Future start times are scheduled, and with a
// job enqueuer configured immediate runs are queued instead of run inline.
func (r *Runtime) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if r == nil {
		return ExecuteResult{}, fmt.Errorf("task: runtime is not configured")
	}
	task, err := r.catalog.Task(ctx, strings.TrimSpace(req.TaskKey))
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := task.Validate(); err != nil {
		return ExecuteResult{}, err
	}

	if req.StartAt != nil && req.StartAt.After(r.now()) {
		startAt := req.StartAt.UTC()
		if err := r.scheduleOnce(task.Key, req.DryRun, startAt); err != nil {
			return ExecuteResult{}, err
		}
		r.observer.Info(ctx, "task execution scheduled", map[string]any{
			"task_key": task.Key,
			"start_at": startAt.Format(time.RFC3339),
			"dry_run":  req.DryRun,
		})
		return ExecuteResult{Scheduled: true, StartAt: &startAt}, nil
	}

	if r.enqueuer != nil {
		if err := r.enqueuer.Enqueue(ctx, ExecuteTaskMessage(task.Key, req.DryRun, task.Key+":"+r.newID())); err != nil {
			return ExecuteResult{}, fmt.Errorf("task: enqueue %q: %w", task.Key, err)
		}
		return ExecuteResult{Queued: true}, nil
	}

	report, err := r.RunFull(ctx, task, RunOptions{DryRun: req.DryRun})
	return ExecuteResult{Execution: report.Execution, Outcomes: report.Outcomes}, err
}

// ActionJob starts or stops the long-lived form of a task: the listener of a
// live task or the cron entry of a scheduled one. STOP is idempotent.
func (r *Runtime) ActionJob(ctx context.Context, taskKey string, action core.JobAction) (JobState, error) {
	if r == nil {
		return JobState{}, fmt.Errorf("task: runtime is not configured")
	}
	task, err := r.catalog.Task(ctx, strings.TrimSpace(taskKey))
	if err != nil {
		return JobState{}, err
	}
	action = core.JobAction(strings.ToUpper(strings.TrimSpace(string(action))))
	state := JobState{TaskKey: task.Key, Action: action, Live: task.Live}

	switch {
	case action == core.JobActionStart && task.Live:
		if _, err := r.startLive(ctx, task); err != nil {
			return state, err
		}
	case action == core.JobActionStop && task.Live:
		if err := r.stopLive(ctx, task.Key); err != nil {
			return state, err
		}
	case action == core.JobActionStart && strings.TrimSpace(task.CronExpression) != "":
		if err := r.scheduleTask(task.Key, task.CronExpression); err != nil {
			return state, err
		}
	case action == core.JobActionStop:
		r.unscheduleTask(task.Key)
	case action == core.JobActionStart:
		return state, fmt.Errorf("task: %q is neither live nor scheduled", task.Key)
	default:
		return state, fmt.Errorf("%w: %q", ErrUnsupportedAction, action)
	}

	if task.Live {
		state.LiveState = r.LiveState(task.Key)
	}
	state.Next, state.Scheduled = r.nextRun(task.Key)
	r.observer.Info(ctx, "task job action applied", map[string]any{
		"task_key":  task.Key,
		"action":    string(action),
		"scheduled": state.Scheduled,
	})
	return state, nil
}

// ReconcileObject runs taskKey for the single internal entity keyed anyKey,
// outside the task scope. Remote objects are not looked up.
func (r *Runtime) ReconcileObject(ctx context.Context, taskKey string, anyKey string, dryRun bool) (Report, error) {
	if r == nil {
		return Report{}, fmt.Errorf("task: runtime is not configured")
	}
	task, err := r.catalog.Task(ctx, strings.TrimSpace(taskKey))
	if err != nil {
		return Report{}, err
	}
	return r.RunSingle(ctx, task, strings.TrimSpace(anyKey), RunOptions{DryRun: dryRun})
}
