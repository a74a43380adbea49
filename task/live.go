package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/livesync"
)

// liveSession is a long-lived pull listener. It holds the task busy for its
// whole lifetime and records every delta under one execution.
type liveSession struct {
	runtime   *Runtime
	plan      *plan
	execution core.TaskExecution
	adapter   *livesync.Adapter
	cancel    context.CancelFunc
	listeners sync.WaitGroup

	mu       sync.Mutex
	outcomes []core.Outcome
}

func (s *liveSession) Reconcile(ctx context.Context, delta core.Delta) error {
	outcomes, err := s.runtime.applyDelta(ctx, s.plan, delta, s.execution.ID, false)
	if err != nil {
		outcomes = append(outcomes, s.record(ctx, delta, core.OutcomeFailure, err.Error()))
	}
	s.collect(outcomes...)
	return err
}

func (s *liveSession) Discard(ctx context.Context, delta core.Delta, reason string) error {
	s.collect(s.record(ctx, delta, core.OutcomeNotAttempted, reason))
	return nil
}

func (s *liveSession) record(ctx context.Context, delta core.Delta, status core.OutcomeStatus, message string) core.Outcome {
	anyType, _ := s.plan.anyTypeOf(delta.Object.ObjectClass)
	return s.runtime.recordDirect(ctx, core.Outcome{
		ExecutionID: s.execution.ID,
		TaskKey:     s.plan.task.Key,
		ResourceKey: s.plan.primary.resource.Key,
		AnyType:     anyType,
		RemoteKey:   delta.Object.Key,
		Status:      status,
		Before:      core.ImageOfObject(&delta.Object),
		Message:     message,
	})
}

func (s *liveSession) collect(outcomes ...core.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}

func (s *liveSession) summary() (core.ExecutionStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return summarize(s.outcomes, nil)
}

// startLive opens a live session for task. Connectors that can listen are
// subscribed for every provisioned object class; others are fed via Submit.
func (r *Runtime) startLive(ctx context.Context, task core.Task) (*liveSession, error) {
	if !r.tryAcquire(task.Key) {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskBusy, task.Key)
	}
	p, err := r.prepare(ctx, task)
	if err != nil {
		r.release(task.Key)
		return nil, err
	}
	if !p.primary.connector.Capabilities().Has(core.CapabilityLiveSync) {
		r.release(task.Key)
		return nil, &core.CapabilityUnsupportedError{ResourceKey: p.primary.resource.Key, Capability: core.CapabilityLiveSync}
	}
	execution, err := r.openExecution(ctx, task.Key, false)
	if err != nil {
		r.release(task.Key)
		return nil, err
	}

	session := &liveSession{runtime: r, plan: p, execution: execution}
	adapter, err := livesync.New(task.Key, session,
		livesync.WithReorderWindow(r.config.LiveSync.ReorderWindow),
		livesync.WithQueueSize(r.config.LiveSync.QueueSize),
		livesync.WithLoggerProvider(r.loggerProvider),
		livesync.WithMetricsRecorder(r.metrics),
	)
	if err == nil {
		err = adapter.Start(ctx)
	}
	if err != nil {
		r.closeExecution(ctx, execution, core.ExecutionFailure, err.Error())
		r.release(task.Key)
		return nil, err
	}
	session.adapter = adapter

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session.cancel = cancel
	if source, ok := p.primary.connector.(core.LiveSyncSource); ok {
		for _, anyType := range p.anyTypes {
			compiled, _ := p.primary.mapping(anyType)
			objectClass := compiled.ObjectClass()
			session.listeners.Add(1)
			go func() {
				defer session.listeners.Done()
				err := source.Listen(listenCtx, objectClass, func(delta core.Delta) error {
					err := adapter.Submit(listenCtx, delta)
					if errors.Is(err, core.ErrLiveTaskStopped) {
						return err
					}
					if err != nil {
						r.observer.Warn(listenCtx, "live delta rejected", map[string]any{
							"task_key":   task.Key,
							"remote_key": delta.Object.Key,
							"error":      err.Error(),
						})
					}
					return nil
				})
				if err != nil && !errors.Is(err, core.ErrLiveTaskStopped) {
					r.observer.Error(listenCtx, "live listener ended", map[string]any{
						"task_key":     task.Key,
						"object_class": objectClass,
						"error":        err.Error(),
					})
				}
			}()
		}
	}

	r.mu.Lock()
	r.live[task.Key] = session
	r.mu.Unlock()
	r.observer.Info(ctx, "live task started", map[string]any{"task_key": task.Key, "execution_id": execution.ID})
	return session, nil
}

// stopLive ends the session of taskKey. Accepted deltas are applied before
// the execution is closed; stopping an unknown or stopped task is a no-op.
func (r *Runtime) stopLive(ctx context.Context, taskKey string) error {
	r.mu.Lock()
	session := r.live[taskKey]
	delete(r.live, taskKey)
	r.mu.Unlock()
	if session == nil {
		return nil
	}

	session.cancel()
	stopErr := session.adapter.Stop(ctx)
	session.listeners.Wait()

	status, message := session.summary()
	if stopErr != nil {
		status, message = core.ExecutionFailure, stopErr.Error()
	}
	execution := r.closeExecution(ctx, session.execution, status, message)
	r.release(taskKey)
	r.observer.Info(ctx, "live task stopped", map[string]any{
		"task_key":     taskKey,
		"execution_id": execution.ID,
		"status":       string(execution.Status),
	})
	return stopErr
}

// Submit hands delta to the live session of taskKey.
func (r *Runtime) Submit(ctx context.Context, taskKey string, delta core.Delta) error {
	if r == nil {
		return fmt.Errorf("task: runtime is not configured")
	}
	r.mu.Lock()
	session := r.live[taskKey]
	r.mu.Unlock()
	if session == nil {
		return fmt.Errorf("%w: %s", core.ErrLiveTaskStopped, taskKey)
	}
	if delta.ReceivedAt.IsZero() {
		delta.ReceivedAt = r.now()
	}
	return session.adapter.Submit(ctx, delta)
}

// LiveState reports the lifecycle state of the live session of taskKey.
func (r *Runtime) LiveState(taskKey string) livesync.State {
	if r == nil {
		return livesync.StateIdle
	}
	r.mu.Lock()
	session := r.live[taskKey]
	r.mu.Unlock()
	if session == nil {
		return livesync.StateStopped
	}
	return session.adapter.State()
}

// LiveExecution returns the execution the live session of taskKey records under.
func (r *Runtime) LiveExecution(taskKey string) (core.TaskExecution, bool) {
	if r == nil {
		return core.TaskExecution{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.live[taskKey]
	if session == nil {
		return core.TaskExecution{}, false
	}
	return session.execution, true
}

func (r *Runtime) stopAllLive(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.live))
	for key := range r.live {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	var errs []error
	for _, key := range keys {
		if err := r.stopLive(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ livesync.Reconciler = (*liveSession)(nil)
