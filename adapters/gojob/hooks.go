package gojob

import (
	"context"

	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-provisioning/core"
)

// WorkerHookAdapter forwards go-job worker events to a provisioning hook.
type WorkerHookAdapter struct {
	hook core.JobWorkerHook
}

func NewWorkerHookAdapter(hook core.JobWorkerHook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	a.forward(ctx, event, core.JobWorkerHook.OnStart)
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	a.forward(ctx, event, core.JobWorkerHook.OnSuccess)
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	a.forward(ctx, event, core.JobWorkerHook.OnFailure)
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	a.forward(ctx, event, core.JobWorkerHook.OnRetry)
}

func (a *WorkerHookAdapter) forward(
	ctx context.Context,
	event worker.Event,
	deliver func(core.JobWorkerHook, context.Context, core.JobWorkerEvent),
) {
	if a == nil || a.hook == nil {
		return
	}
	deliver(a.hook, ctx, toWorkerEvent(event))
}

func toWorkerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   FromExecutionMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

// ObserverHook logs task job lifecycle events and counts them per task.
type ObserverHook struct {
	observer core.Observer
}

func NewObserverHook(logger core.Logger, metrics core.MetricsRecorder) *ObserverHook {
	_, logger = core.ResolveLogger("gojob", nil, logger)
	return &ObserverHook{observer: core.NewObserver(logger, metrics)}
}

func (h *ObserverHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil {
		return
	}
	h.observer.Debug(ctx, "task job started", jobFields(event))
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil {
		return
	}
	tags := jobTags(event)
	h.observer.Count(ctx, "provisioning.job.success.total", 1, tags)
	h.observer.Histogram(ctx, "provisioning.job.duration_ms", float64(event.Duration.Milliseconds()), tags)
}

func (h *ObserverHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil {
		return
	}
	h.observer.Error(ctx, "task job failed", jobFields(event))
	h.observer.Count(ctx, "provisioning.job.failure.total", 1, jobTags(event))
}

func (h *ObserverHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil {
		return
	}
	fields := jobFields(event)
	fields["delay_ms"] = event.Delay.Milliseconds()
	h.observer.Warn(ctx, "task job retry scheduled", fields)
	h.observer.Count(ctx, "provisioning.job.retry.total", 1, jobTags(event))
}

func jobFields(event core.JobWorkerEvent) map[string]any {
	fields := map[string]any{"attempt": event.Attempt}
	if event.Message != nil {
		fields["job_id"] = event.Message.JobID
	}
	if key := taskKeyOf(event.Message); key != "" {
		fields["task_key"] = key
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

func jobTags(event core.JobWorkerEvent) map[string]string {
	tags := map[string]string{}
	if event.Message != nil {
		tags["job_id"] = event.Message.JobID
	}
	if key := taskKeyOf(event.Message); key != "" {
		tags["task_key"] = key
	}
	return tags
}

var (
	_ worker.Hook        = (*WorkerHookAdapter)(nil)
	_ core.JobWorkerHook = (*ObserverHook)(nil)
)
