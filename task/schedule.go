package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const onceEntryPrefix = "once:"

var liveStopTimeout = 30 * time.Second

// cronParser accepts five-field expressions, an optional leading seconds field
// and descriptors such as @hourly or @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// onceSchedule fires a single time at at.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// Start schedules every cron task of the catalog and opens the live tasks.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("task: runtime is not configured")
	}
	tasks, err := r.catalog.Tasks(ctx)
	if err != nil {
		return err
	}
	r.ensureScheduler()
	var errs []error
	for _, task := range tasks {
		switch {
		case task.Live:
			if _, err := r.startLive(ctx, task); err != nil {
				errs = append(errs, fmt.Errorf("task %q: %w", task.Key, err))
			}
		case strings.TrimSpace(task.CronExpression) != "":
			if err := r.scheduleTask(task.Key, task.CronExpression); err != nil {
				errs = append(errs, fmt.Errorf("task %q: %w", task.Key, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close stops the scheduler, waits for running cron jobs and stops every live
// session.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	scheduler := r.scheduler
	r.scheduler = nil
	r.entries = map[string]cron.EntryID{}
	r.mu.Unlock()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, liveStopTimeout)
		defer cancel()
	}
	return r.stopAllLive(ctx)
}

func (r *Runtime) ensureScheduler() *cron.Cron {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler == nil {
		r.scheduler = cron.New(cron.WithLocation(time.UTC), cron.WithParser(cronParser))
		r.scheduler.Start()
	}
	return r.scheduler
}

// scheduleTask registers the cron entry of taskKey, replacing an earlier one.
func (r *Runtime) scheduleTask(taskKey string, expression string) error {
	expression = strings.TrimSpace(expression)
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return fmt.Errorf("task: invalid cron expression %q: %w", expression, err)
	}
	scheduler := r.ensureScheduler()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[taskKey]; ok {
		scheduler.Remove(id)
	}
	r.entries[taskKey] = scheduler.Schedule(schedule, cron.FuncJob(func() {
		r.fire(taskKey, false)
	}))
	return nil
}

// scheduleOnce fires one run of taskKey at startAt and then forgets the entry.
func (r *Runtime) scheduleOnce(taskKey string, dryRun bool, startAt time.Time) error {
	scheduler := r.ensureScheduler()
	name := onceEntryPrefix + taskKey + ":" + r.newID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = scheduler.Schedule(onceSchedule{at: startAt}, cron.FuncJob(func() {
		r.fire(taskKey, dryRun)
		r.dropEntry(name)
	}))
	return nil
}

func (r *Runtime) unscheduleTask(taskKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[taskKey]
	if !ok {
		return
	}
	if r.scheduler != nil {
		r.scheduler.Remove(id)
	}
	delete(r.entries, taskKey)
}

func (r *Runtime) dropEntry(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[name]
	if !ok {
		return
	}
	if r.scheduler != nil {
		r.scheduler.Remove(id)
	}
	delete(r.entries, name)
}

// nextRun reports the next cron activation of taskKey.
func (r *Runtime) nextRun(taskKey string) (*time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[taskKey]
	if !ok || r.scheduler == nil {
		return nil, false
	}
	next := r.scheduler.Entry(id).Next
	if next.IsZero() {
		return nil, true
	}
	return &next, true
}

// PendingOnce counts one-shot executions not fired yet.
func (r *Runtime) PendingOnce() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for name := range r.entries {
		if strings.HasPrefix(name, onceEntryPrefix) {
			count++
		}
	}
	return count
}

func (r *Runtime) fire(taskKey string, dryRun bool) {
	ctx := context.Background()
	result, err := r.Execute(ctx, ExecuteRequest{TaskKey: taskKey, DryRun: dryRun})
	if err != nil {
		r.observer.Warn(ctx, "scheduled task execution failed", map[string]any{
			"task_key":     taskKey,
			"execution_id": result.Execution.ID,
			"error":        err.Error(),
		})
	}
}
