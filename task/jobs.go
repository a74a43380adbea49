package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

const (
	JobIDExecuteTask = "provisioning.task.execute"

	jobParamTaskKey = "task_key"
	jobParamDryRun  = "dry_run"
)

var (
	busyRetryDelay  = 5 * time.Second
	jobPollInterval = 500 * time.Millisecond
)

// ExecuteTaskMessage builds the queue message of one asynchronous task run.
func ExecuteTaskMessage(taskKey string, dryRun bool, idempotencyKey string) *core.JobExecutionMessage {
	return &core.JobExecutionMessage{
		JobID:      JobIDExecuteTask,
		ScriptPath: JobIDExecuteTask,
		Parameters: map[string]any{
			jobParamTaskKey: strings.TrimSpace(taskKey),
			jobParamDryRun:  dryRun,
		},
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
	}
}

// HandleJob runs the task named by a queued message. Busy tasks are requeued
// with a delay; malformed messages and unknown tasks are dead-lettered. Run
// failures are acked since the execution already records them.
func (r *Runtime) HandleJob(ctx context.Context, delivery core.JobDelivery) error {
	if r == nil {
		return fmt.Errorf("task: runtime is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("task: job delivery is required")
	}
	msg := delivery.Message()
	if msg == nil || strings.TrimSpace(msg.JobID) != JobIDExecuteTask {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "unsupported job message"})
	}
	taskKey, dryRun, err := parseExecuteParams(msg.Parameters)
	if err != nil {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: err.Error()})
	}
	task, err := r.catalog.Task(ctx, taskKey)
	if err != nil {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: err.Error()})
	}

	report, err := r.RunFull(ctx, task, RunOptions{DryRun: dryRun})
	if errors.Is(err, core.ErrTaskBusy) {
		return delivery.Nack(ctx, core.JobNackOptions{Requeue: true, Delay: busyRetryDelay, Reason: NoteTaskBusy})
	}
	if err != nil {
		r.observer.Warn(ctx, "queued task run failed", map[string]any{
			"task_key":     taskKey,
			"execution_id": report.Execution.ID,
			"error":        err.Error(),
		})
	}
	return delivery.Ack(ctx)
}

// Consume handles deliveries from dequeuer until ctx is done.
func (r *Runtime) Consume(ctx context.Context, dequeuer core.JobDequeuer) error {
	if r == nil {
		return fmt.Errorf("task: runtime is not configured")
	}
	if dequeuer == nil {
		return fmt.Errorf("task: job dequeuer is required")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, err := dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.observer.Debug(ctx, "job dequeue returned no delivery", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jobPollInterval):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		if err := r.HandleJob(ctx, delivery); err != nil {
			r.observer.Error(ctx, "job settlement failed", map[string]any{"error": err.Error()})
		}
	}
}

func parseExecuteParams(params map[string]any) (string, bool, error) {
	taskKey, _ := params[jobParamTaskKey].(string)
	taskKey = strings.TrimSpace(taskKey)
	if taskKey == "" {
		return "", false, fmt.Errorf("task: job parameter %q is required", jobParamTaskKey)
	}
	switch value := params[jobParamDryRun].(type) {
	case nil:
		return taskKey, false, nil
	case bool:
		return taskKey, value, nil
	case string:
		dryRun, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return "", false, fmt.Errorf("task: job parameter %q: %w", jobParamDryRun, err)
		}
		return taskKey, dryRun, nil
	default:
		return "", false, fmt.Errorf("task: job parameter %q has unsupported type %T", jobParamDryRun, value)
	}
}
