package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Connector is the contract of an external resource.
type Connector interface {
	Capabilities() CapabilitySet
	// Search returns the objects of objectClass matching filter; an empty filter enumerates all.
	Search(ctx context.Context, objectClass string, filter Filter) ([]ConnectorObject, error)
	// Get returns ErrObjectNotFound when no object has key.
	Get(ctx context.Context, objectClass string, key string) (ConnectorObject, error)
	Create(ctx context.Context, objectClass string, attrs map[string][]any) (ConnectorObject, error)
	Update(ctx context.Context, objectClass string, key string, attrs map[string][]any) (ConnectorObject, error)
	Delete(ctx context.Context, objectClass string, key string) error
}

// LiveSyncSource is implemented by connectors with the LIVE_SYNC capability.
// Listen blocks until ctx is done, calling emit for each change event.
type LiveSyncSource interface {
	Listen(ctx context.Context, objectClass string, emit func(Delta) error) error
}

type ConnectorResolver interface {
	Connector(resourceKey string) (Connector, error)
}

// InternalStore holds the internal entities reconciled against resources.
type InternalStore interface {
	FindByKey(ctx context.Context, anyType string, key string) (Entity, error)
	Search(ctx context.Context, anyType string, filter Filter) ([]Entity, error)
	List(ctx context.Context, anyType string, realm string) ([]Entity, error)
	Create(ctx context.Context, entity Entity) (Entity, error)
	Update(ctx context.Context, entity Entity) (Entity, error)
	Delete(ctx context.Context, anyType string, key string) error
}

// LinkStore records which remote object an entity is assigned to on a resource.
type LinkStore interface {
	Get(ctx context.Context, resourceKey string, anyType string, anyKey string) (ResourceLink, error)
	FindByRemoteKey(ctx context.Context, resourceKey string, anyType string, remoteKey string) (ResourceLink, error)
	ListByAny(ctx context.Context, anyType string, anyKey string) ([]ResourceLink, error)
	Upsert(ctx context.Context, link ResourceLink) (ResourceLink, error)
	Delete(ctx context.Context, resourceKey string, anyType string, anyKey string) error
}

type ExecutionFilter struct {
	IncludeDryRun bool
	Status        ExecutionStatus
	Since         *time.Time
	Limit         int
	Offset        int
}

type ExecutionStore interface {
	Create(ctx context.Context, execution TaskExecution) (TaskExecution, error)
	Update(ctx context.Context, execution TaskExecution) (TaskExecution, error)
	Get(ctx context.Context, id string) (TaskExecution, error)
	List(ctx context.Context, taskKey string, filter ExecutionFilter) ([]TaskExecution, error)
}

type OutcomeStore interface {
	Append(ctx context.Context, outcomes ...Outcome) error
	ListByExecution(ctx context.Context, executionID string) ([]Outcome, error)
}

type TaskReader interface {
	Task(ctx context.Context, key string) (Task, error)
	Tasks(ctx context.Context) ([]Task, error)
}

type ResourceReader interface {
	Resource(ctx context.Context, key string) (Resource, error)
}

type SchemaReader interface {
	Schema(ctx context.Context, anyType string) (AnyTypeSchema, error)
}

type PolicyStore interface {
	Policy(ctx context.Context, key string) (PropagationPolicy, error)
}

type RealmReader interface {
	Realm(ctx context.Context, path string) (Realm, error)
}

// CatalogReader is the read-only configuration consulted at run time.
type CatalogReader interface {
	TaskReader
	ResourceReader
	SchemaReader
	PolicyStore
	RealmReader
}

// Evaluator is a pluggable, side-effect free computation over an environment.
type Evaluator interface {
	Evaluate(ctx context.Context, env map[string]any) (any, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// KeyedLocker serializes work on a key such as a resource and entity pair.
type KeyedLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// RenewableLock is implemented by lock handles whose ttl can be extended
// while the holder is still working.
type RenewableLock interface {
	Renew(ctx context.Context, ttl time.Duration) error
}

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// StoreProvider supplies the persistent stores of a runtime.
type StoreProvider interface {
	LinkStore() LinkStore
	ExecutionStore() ExecutionStore
	OutcomeStore() OutcomeStore
	PolicyStore() PolicyStore
}
