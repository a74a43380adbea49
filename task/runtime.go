// Package task runs reconciliation tasks: full and single-object runs, live
// sessions, scheduling and execution history.
package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/correlation"
	"github.com/goliatone/go-provisioning/expression"
	"github.com/goliatone/go-provisioning/propagation"
	"github.com/goliatone/go-provisioning/ratelimit"
	memorystore "github.com/goliatone/go-provisioning/store/memory"
)

type Option func(*Runtime)

func WithCatalog(catalog core.CatalogReader) Option {
	return func(r *Runtime) {
		r.catalog = catalog
	}
}

func WithConnectors(connectors core.ConnectorResolver) Option {
	return func(r *Runtime) {
		r.connectors = connectors
	}
}

func WithInternalStore(store core.InternalStore) Option {
	return func(r *Runtime) {
		r.store = store
	}
}

func WithLinkStore(links core.LinkStore) Option {
	return func(r *Runtime) {
		r.links = links
	}
}

func WithExecutionStore(executions core.ExecutionStore) Option {
	return func(r *Runtime) {
		r.executions = executions
	}
}

func WithOutcomeStore(outcomes core.OutcomeStore) Option {
	return func(r *Runtime) {
		r.outcomes = outcomes
	}
}

// WithPolicyStore overrides the catalog as the source of named propagation
// policies.
func WithPolicyStore(policies core.PolicyStore) Option {
	return func(r *Runtime) {
		r.policies = policies
	}
}

func WithLocker(locker core.KeyedLocker) Option {
	return func(r *Runtime) {
		r.locker = locker
	}
}

func WithThrottle(throttle *ratelimit.Throttle) Option {
	return func(r *Runtime) {
		r.throttle = throttle
	}
}

// WithActions resolves the reconciliation actions named by tasks and
// resources.
func WithActions(actions core.ActionsResolver) Option {
	return func(r *Runtime) {
		r.actions = actions
	}
}

// WithJobEnqueuer makes Execute hand immediate runs to a job queue instead of
// running them inline.
func WithJobEnqueuer(enqueuer core.JobEnqueuer) Option {
	return func(r *Runtime) {
		r.enqueuer = enqueuer
	}
}

func WithExpressionCompiler(compiler *expression.Compiler) Option {
	return func(r *Runtime) {
		r.compiler = compiler
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSleep replaces the retry back-off wait of the propagation executor.
func WithSleep(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(r *Runtime) {
		r.sleep = sleep
	}
}

func WithLogger(logger core.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(r *Runtime) {
		r.loggerProvider = provider
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(r *Runtime) {
		r.metrics = metrics
	}
}

// Runtime is the task control surface.
type Runtime struct {
	config     core.Config
	catalog    core.CatalogReader
	connectors core.ConnectorResolver
	store      core.InternalStore
	links      core.LinkStore
	executions core.ExecutionStore
	outcomes   core.OutcomeStore
	policies   core.PolicyStore
	locker     core.KeyedLocker
	throttle   *ratelimit.Throttle
	actions    core.ActionsResolver
	enqueuer   core.JobEnqueuer
	compiler   *expression.Compiler
	now        func() time.Time
	sleep      func(ctx context.Context, delay time.Duration) error
	newID      func() string

	executor   *propagation.Executor
	correlator *correlation.Resolver

	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	observer       core.Observer

	mu        sync.Mutex
	running   map[string]struct{}
	live      map[string]*liveSession
	scheduler *cron.Cron
	entries   map[string]cron.EntryID
}

func NewRuntime(cfg core.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		running: map[string]struct{}{},
		live:    map[string]*liveSession{},
		entries: map[string]cron.EntryID{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.catalog == nil {
		return nil, fmt.Errorf("task: catalog is required")
	}
	if r.connectors == nil {
		return nil, fmt.Errorf("task: connector resolver is required")
	}
	if r.store == nil {
		return nil, fmt.Errorf("task: internal store is required")
	}
	if r.links == nil {
		return nil, fmt.Errorf("task: link store is required")
	}
	if r.executions == nil {
		r.executions = memorystore.NewExecutionStore()
	}
	if r.outcomes == nil {
		r.outcomes = memorystore.NewOutcomeStore()
	}
	if r.policies == nil {
		r.policies = r.catalog
	}
	if r.locker == nil {
		r.locker = propagation.NewMemoryKeyedLocker()
	}
	if strings.TrimSpace(r.config.Executor) == "" {
		r.config.Executor = r.config.ServiceName
	}

	var logger core.Logger
	r.loggerProvider, logger = core.ResolveLogger("task", r.loggerProvider, r.logger)
	r.logger = logger
	r.observer = core.NewObserver(r.logger, r.metrics)

	executorOpts := []propagation.Option{
		propagation.WithOutcomeStore(r.outcomes),
		propagation.WithPolicies(r.policies, r.catalog),
		propagation.WithGlobalPolicy(r.config.GlobalPolicy()),
		propagation.WithLocker(r.locker),
		propagation.WithLockTTL(r.config.Propagation.LockTTL),
		propagation.WithClock(r.now),
		propagation.WithLoggerProvider(r.loggerProvider),
		propagation.WithMetricsRecorder(r.metrics),
	}
	if r.throttle != nil {
		executorOpts = append(executorOpts, propagation.WithThrottle(r.throttle))
	}
	if r.sleep != nil {
		executorOpts = append(executorOpts, propagation.WithSleep(r.sleep))
	}
	if r.actions != nil {
		executorOpts = append(executorOpts, propagation.WithActions(r.actions))
	}
	executor, err := propagation.NewExecutor(r.connectors, r.store, r.links, executorOpts...)
	if err != nil {
		return nil, err
	}
	r.executor = executor

	correlator, err := correlation.NewResolver(r.store, r.links)
	if err != nil {
		return nil, err
	}
	r.correlator = correlator
	return r, nil
}

func (r *Runtime) Config() core.Config {
	if r == nil {
		return core.Config{}
	}
	return r.config
}

// tryAcquire marks taskKey as running. It reports false when a run of the
// same task is in progress.
func (r *Runtime) tryAcquire(taskKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[taskKey]; busy {
		return false
	}
	r.running[taskKey] = struct{}{}
	return true
}

func (r *Runtime) release(taskKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskKey)
}
