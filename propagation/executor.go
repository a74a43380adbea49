// Package propagation applies decided actions to the internal store or to an
// external resource, with retries, per-key serialization and audit images.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/mapping"
	"github.com/goliatone/go-provisioning/ratelimit"
	"github.com/goliatone/go-provisioning/rules"
)

const (
	NoteNoChanges      = "no changes"
	NoteDryRun         = "dry run"
	NoteAlreadyAbsent  = "already absent"
	NoteLinkedNotFound = "linked object not found on resource"
)

// Request is one decided action for one object on one resource.
type Request struct {
	ExecutionID string
	Task        core.Task
	Resource    core.Resource
	Compiled    *mapping.Compiled
	Decision    rules.Decision
	// Entity is the internal side: the push source or the pull match.
	Entity *core.Entity
	// Object is the external side: the pull source or the push match.
	Object *core.ConnectorObject
	Link   *core.ResourceLink
	Realm  string
	DryRun bool
}

func (r Request) anyKey() string {
	if r.Entity != nil {
		return r.Entity.Key
	}
	if r.Link != nil {
		return r.Link.AnyKey
	}
	return ""
}

func (r Request) remoteKey() string {
	if r.Object != nil && r.Object.Key != "" {
		return r.Object.Key
	}
	if r.Link != nil {
		return r.Link.RemoteKey
	}
	return ""
}

// Result holds every attempt of one request; the last outcome is final.
type Result struct {
	Outcomes []core.Outcome
	Entity   *core.Entity
}

func (r Result) Final() core.Outcome {
	if len(r.Outcomes) == 0 {
		return core.Outcome{}
	}
	return r.Outcomes[len(r.Outcomes)-1]
}

type Option func(*Executor)

func WithOutcomeStore(store core.OutcomeStore) Option {
	return func(e *Executor) {
		e.outcomes = store
	}
}

func WithPolicies(policies core.PolicyStore, realms core.RealmReader) Option {
	return func(e *Executor) {
		e.policies.Policies = policies
		e.policies.Realms = realms
	}
}

func WithGlobalPolicy(policy core.PropagationPolicy) Option {
	return func(e *Executor) {
		e.policies.Global = policy
	}
}

func WithLocker(locker core.KeyedLocker) Option {
	return func(e *Executor) {
		if locker != nil {
			e.locker = locker
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(e *Executor) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

func WithThrottle(throttle *ratelimit.Throttle) Option {
	return func(e *Executor) {
		e.throttle = throttle
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep replaces the back-off wait.
func WithSleep(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(e *Executor) {
		e.loggerProvider = provider
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

type Executor struct {
	connectors core.ConnectorResolver
	store      core.InternalStore
	links      core.LinkStore
	outcomes   core.OutcomeStore
	policies   PolicyResolver
	locker     core.KeyedLocker
	lockTTL    time.Duration
	actions    core.ActionsResolver
	throttle   *ratelimit.Throttle
	now        func() time.Time
	sleep      func(ctx context.Context, delay time.Duration) error
	newID      func() string

	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	observer       core.Observer
}

func NewExecutor(connectors core.ConnectorResolver, store core.InternalStore, links core.LinkStore, opts ...Option) (*Executor, error) {
	if connectors == nil {
		return nil, fmt.Errorf("propagation: connector resolver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("propagation: internal store is required")
	}
	if links == nil {
		return nil, fmt.Errorf("propagation: link store is required")
	}
	e := &Executor{
		connectors: connectors,
		store:      store,
		links:      links,
		policies:   PolicyResolver{Global: core.DefaultConfig().GlobalPolicy()},
		locker:     NewMemoryKeyedLocker(),
		lockTTL:    core.DefaultLockTTL,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      waitWithContext,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	_, e.logger = core.ResolveLogger("propagation", e.loggerProvider, e.logger)
	e.observer = core.NewObserver(e.logger, e.metrics)
	return e, nil
}

// Execute runs req, retrying transient failures per the resolved policy. Every
// attempt produces one outcome sharing a chain id. Failures are reported in
// outcomes; the error is reserved for malformed requests.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if e == nil {
		return Result{}, fmt.Errorf("propagation: executor is not configured")
	}
	if req.Compiled == nil {
		return Result{}, fmt.Errorf("propagation: compiled mapping is required")
	}
	startedAt := time.Now()
	chainID := e.newID()
	result := Result{}

	if req.Decision.Terminal() {
		outcome := e.baseOutcome(req, chainID, 1)
		outcome.Status = req.Decision.Status
		outcome.Message = req.Decision.Note
		switch {
		case req.Task.Direction == core.DirectionPush && req.Object != nil:
			outcome.Before = core.ImageOfObject(req.Object)
		case req.Entity != nil:
			outcome.Before = core.ImageOfEntity(req.Entity)
		case req.Object != nil:
			outcome.Before = core.ImageOfObject(req.Object)
		}
		e.record(ctx, &result, outcome)
		return result, nil
	}

	subject := req.anyKey()
	if subject == "" {
		subject = "remote:" + req.remoteKey()
	}
	handle, err := e.locker.Acquire(ctx, LockKey(req.Resource.Key, req.Compiled.AnyType(), subject), e.lockTTL)
	if err != nil {
		e.fail(ctx, &result, req, chainID, 1, fmt.Errorf("propagation: acquire lock: %w", err))
		return result, nil
	}
	stopRenewing := keepAlive(handle, e.lockTTL, func(renewErr error) {
		e.observer.Warn(ctx, "propagation lock renewal failed", map[string]any{"error": renewErr.Error()})
	})
	defer func() {
		stopRenewing()
		if unlockErr := handle.Unlock(context.Background()); unlockErr != nil {
			e.observer.Warn(ctx, "propagation lock release failed", map[string]any{"error": unlockErr.Error()})
		}
	}()

	policy, _, err := e.policies.ResolvePolicy(ctx, req.Task, req.Resource, req.Realm)
	if err != nil {
		e.fail(ctx, &result, req, chainID, 1, err)
		return result, nil
	}
	scheduler, err := SchedulerFor(policy)
	if err != nil {
		e.fail(ctx, &result, req, chainID, 1, err)
		return result, nil
	}

	actions, err := e.resolveActions(req)
	if err != nil {
		e.fail(ctx, &result, req, chainID, 1, err)
		return result, nil
	}

	var finalErr error
	for attempt := 1; ; attempt++ {
		outcome := e.baseOutcome(req, chainID, attempt)
		action := actionContext(req, outcome)
		if vetoErr := actions.before(ctx, action); vetoErr != nil {
			outcome.Status = core.OutcomeNotAttempted
			outcome.Message = vetoErr.Error()
			e.record(ctx, &result, outcome)
			actions.after(ctx, action, result.Final())
			break
		}
		entity, attemptErr := e.attempt(ctx, req, &outcome)
		if attemptErr != nil {
			outcome.Status = core.OutcomeFailure
			outcome.Message = attemptErr.Error()
			actions.onError(ctx, action, attemptErr)
		} else {
			outcome.Status = core.OutcomeSuccess
		}
		e.record(ctx, &result, outcome)
		actions.after(ctx, action, result.Final())
		finalErr = attemptErr
		if attemptErr == nil {
			result.Entity = entity
			break
		}
		if req.DryRun || !core.IsTransient(attemptErr) || attempt >= policy.MaxAttempts || ctx.Err() != nil {
			break
		}
		delay := scheduler.NextDelay(attempt)
		if hint := core.RetryAfterHint(attemptErr); hint > delay {
			delay = hint
		}
		if waitErr := e.sleep(ctx, delay); waitErr != nil {
			break
		}
	}

	final := result.Final()
	e.observer.Observe(ctx, startedAt, "propagation.execute", finalErr, map[string]any{
		"execution_id": req.ExecutionID,
		"task_key":     req.Task.Key,
		"resource_key": req.Resource.Key,
		"any_type":     req.Compiled.AnyType(),
		"any_key":      final.AnyKey,
		"direction":    string(req.Task.Direction),
		"operation":    string(final.Operation),
		"attempts":     len(result.Outcomes),
		"status":       string(final.Status),
	})
	return result, nil
}

// ExecuteOrdered runs requests sequentially by ascending resource priority.
func (e *Executor) ExecuteOrdered(ctx context.Context, requests []Request) ([]Result, error) {
	ordered := append([]Request(nil), requests...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityLess(ordered[i].Resource.Priority, ordered[j].Resource.Priority)
	})
	results := make([]Result, 0, len(ordered))
	for _, req := range ordered {
		result, err := e.Execute(ctx, req)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func priorityLess(left, right *int) bool {
	switch {
	case left == nil:
		return false
	case right == nil:
		return true
	default:
		return *left < *right
	}
}

func (e *Executor) attempt(ctx context.Context, req Request, outcome *core.Outcome) (*core.Entity, error) {
	var (
		entity *core.Entity
		err    error
	)
	switch req.Decision.Target {
	case core.TargetInternal:
		entity, err = e.applyInternal(ctx, req, outcome)
	case core.TargetExternal:
		err = e.applyExternal(ctx, req, outcome)
	default:
		if req.Object != nil {
			outcome.Before = core.ImageOfObject(req.Object)
			outcome.After = outcome.Before
		}
	}
	if err != nil {
		return nil, err
	}
	if outcome.Message == "" {
		outcome.Message = req.Decision.Note
	}
	if req.DryRun {
		if outcome.Message == "" {
			outcome.Message = NoteDryRun
		}
		return entity, nil
	}
	if err := e.applyLink(ctx, req, *outcome); err != nil {
		return nil, err
	}
	return entity, nil
}

func (e *Executor) applyInternal(ctx context.Context, req Request, outcome *core.Outcome) (*core.Entity, error) {
	anyType := req.Compiled.AnyType()
	switch req.Decision.Operation {
	case core.OperationCreate:
		if req.Object == nil {
			return nil, fmt.Errorf("propagation: external object is required to create an entity")
		}
		template, err := mapping.ToInternalTemplate(ctx, *req.Object, req.Compiled)
		if err != nil {
			return nil, err
		}
		if realm := strings.TrimSpace(req.Task.DestinationRealm); realm != "" && template.Realm == "" {
			template.Realm = realm
		}
		template.Realm = core.NormalizeRealm(template.Realm)
		if req.DryRun {
			outcome.After = core.ImageOfEntity(&template)
			return &template, nil
		}
		created, err := e.store.Create(ctx, template)
		if err != nil {
			return nil, err
		}
		outcome.AnyKey = created.Key
		outcome.After = core.ImageOfEntity(&created)
		return &created, nil
	case core.OperationUpdate:
		if req.Object == nil || req.Entity == nil {
			return nil, fmt.Errorf("propagation: matched entity and external object are required to update")
		}
		template, err := mapping.ToInternalTemplate(ctx, *req.Object, req.Compiled)
		if err != nil {
			return nil, err
		}
		outcome.Before = core.ImageOfEntity(req.Entity)
		merged, changed := mergeEntity(*req.Entity, template)
		if !changed {
			outcome.After = outcome.Before
			outcome.Message = NoteNoChanges
			current := req.Entity.Clone()
			return &current, nil
		}
		if req.DryRun {
			outcome.After = core.ImageOfEntity(&merged)
			return &merged, nil
		}
		updated, err := e.store.Update(ctx, merged)
		if err != nil {
			return nil, err
		}
		outcome.After = core.ImageOfEntity(&updated)
		return &updated, nil
	case core.OperationDelete:
		if req.Entity == nil {
			return nil, fmt.Errorf("propagation: matched entity is required to delete")
		}
		outcome.Before = core.ImageOfEntity(req.Entity)
		if req.DryRun {
			return nil, nil
		}
		err := e.store.Delete(ctx, anyType, req.Entity.Key)
		if errors.Is(err, core.ErrEntityNotFound) {
			outcome.Message = NoteAlreadyAbsent
			return nil, nil
		}
		return nil, err
	default:
		return nil, fmt.Errorf("propagation: unsupported internal operation %q", req.Decision.Operation)
	}
}

func (e *Executor) applyExternal(ctx context.Context, req Request, outcome *core.Outcome) error {
	resourceKey := req.Resource.Key
	connector, err := e.connectors.Connector(resourceKey)
	if err != nil {
		return err
	}
	objectClass := req.Compiled.ObjectClass()
	operation := req.Decision.Operation

	switch operation {
	case core.OperationCreate:
		if req.Entity == nil {
			return fmt.Errorf("propagation: entity is required to create an external object")
		}
		attrs, err := e.projection(ctx, req)
		if err != nil {
			return err
		}
		if req.DryRun {
			key, _, err := mapping.ConnObjectKeyValue(ctx, *req.Entity, req.Compiled)
			if err != nil {
				return err
			}
			outcome.RemoteKey = key
			outcome.After = core.ImageOfObject(&core.ConnectorObject{ObjectClass: objectClass, Key: key, Attributes: attrs})
			return nil
		}
		var created core.ConnectorObject
		err = e.call(ctx, resourceKey, string(operation), func() error {
			var callErr error
			created, callErr = connector.Create(ctx, objectClass, attrs)
			return callErr
		})
		if err != nil {
			return err
		}
		outcome.RemoteKey = created.Key
		outcome.After = core.ImageOfObject(&created)
		return nil
	case core.OperationUpdate:
		if req.Entity == nil {
			return fmt.Errorf("propagation: entity is required to update an external object")
		}
		before, err := e.fetch(ctx, connector, req, objectClass)
		if err != nil {
			return err
		}
		outcome.RemoteKey = before.Key
		outcome.Before = core.ImageOfObject(&before)
		attrs, err := e.projection(ctx, req)
		if err != nil {
			return err
		}
		changes := changedAttributes(before.Attributes, attrs)
		if len(changes) == 0 {
			outcome.After = outcome.Before
			outcome.Message = NoteNoChanges
			return nil
		}
		if req.DryRun {
			merged := before.Clone()
			for name, values := range changes {
				merged.Attributes[name] = values
			}
			outcome.After = core.ImageOfObject(&merged)
			return nil
		}
		var updated core.ConnectorObject
		err = e.call(ctx, resourceKey, string(operation), func() error {
			var callErr error
			updated, callErr = connector.Update(ctx, objectClass, before.Key, changes)
			return callErr
		})
		if err != nil {
			return err
		}
		outcome.RemoteKey = updated.Key
		outcome.After = core.ImageOfObject(&updated)
		return nil
	case core.OperationDelete:
		before, err := e.fetch(ctx, connector, req, objectClass)
		if errors.Is(err, core.ErrObjectNotFound) {
			outcome.Message = NoteAlreadyAbsent
			return nil
		}
		if err != nil {
			return err
		}
		outcome.RemoteKey = before.Key
		outcome.Before = core.ImageOfObject(&before)
		if req.DryRun {
			return nil
		}
		return e.call(ctx, resourceKey, string(operation), func() error {
			return connector.Delete(ctx, objectClass, before.Key)
		})
	default:
		return fmt.Errorf("propagation: unsupported external operation %q", operation)
	}
}

// fetch reads the current pre-image of the matched external object.
func (e *Executor) fetch(ctx context.Context, connector core.Connector, req Request, objectClass string) (core.ConnectorObject, error) {
	remoteKey := req.remoteKey()
	if remoteKey == "" {
		return core.ConnectorObject{}, fmt.Errorf("%w: no remote key", core.ErrObjectNotFound)
	}
	var object core.ConnectorObject
	err := e.call(ctx, req.Resource.Key, "GET", func() error {
		var callErr error
		object, callErr = connector.Get(ctx, objectClass, remoteKey)
		return callErr
	})
	if err != nil && errors.Is(err, core.ErrObjectNotFound) && req.Decision.Operation == core.OperationUpdate {
		return core.ConnectorObject{}, core.NewPermanentError(fmt.Errorf("%s: %w", NoteLinkedNotFound, err))
	}
	return object, err
}

func (e *Executor) projection(ctx context.Context, req Request) (map[string][]any, error) {
	attrs, err := mapping.ToConnectorAttributes(ctx, *req.Entity, req.Compiled, core.DirectionPush)
	if err != nil {
		return nil, err
	}
	if req.Task.SyncStatus {
		attrs[core.EnableAttribute] = []any{!req.Entity.Suspended}
	}
	return attrs, nil
}

// call runs one connector call behind the resource throttle.
func (e *Executor) call(ctx context.Context, resourceKey string, operation string, fn func() error) error {
	if e.throttle != nil {
		if err := e.throttle.BeforeCall(ctx, resourceKey); err != nil {
			return err
		}
	}
	err := fn()
	if e.throttle != nil {
		if afterErr := e.throttle.AfterCall(ctx, resourceKey, err); afterErr != nil {
			e.observer.Warn(ctx, "throttle state update failed", map[string]any{
				"resource_key": resourceKey,
				"error":        afterErr.Error(),
			})
		}
	}
	var connectorErr *core.ConnectorError
	if errors.As(err, &connectorErr) {
		if connectorErr.ResourceKey == "" {
			connectorErr.ResourceKey = resourceKey
		}
		if connectorErr.Operation == "" {
			connectorErr.Operation = operation
		}
	}
	return err
}

func (e *Executor) applyLink(ctx context.Context, req Request, outcome core.Outcome) error {
	anyType := req.Compiled.AnyType()
	switch req.Decision.Link {
	case core.LinkAdd:
		if outcome.AnyKey == "" {
			return fmt.Errorf("propagation: cannot link without an internal key")
		}
		remoteKey := outcome.RemoteKey
		if remoteKey == "" {
			return fmt.Errorf("propagation: cannot link without a remote key")
		}
		if req.Link != nil && req.Link.AnyKey == outcome.AnyKey && req.Link.RemoteKey == remoteKey {
			return nil
		}
		_, err := e.links.Upsert(ctx, core.ResourceLink{
			ResourceKey: req.Resource.Key,
			AnyType:     anyType,
			AnyKey:      outcome.AnyKey,
			RemoteKey:   remoteKey,
		})
		return err
	case core.LinkRemove:
		anyKey := outcome.AnyKey
		if anyKey == "" {
			return nil
		}
		return e.links.Delete(ctx, req.Resource.Key, anyType, anyKey)
	default:
		return nil
	}
}

func (e *Executor) baseOutcome(req Request, chainID string, attempt int) core.Outcome {
	operation := req.Decision.Operation
	if operation == "" {
		operation = core.OperationNone
	}
	anyType := ""
	if req.Compiled != nil {
		anyType = req.Compiled.AnyType()
	}
	return core.Outcome{
		ExecutionID: req.ExecutionID,
		ChainID:     chainID,
		Attempt:     attempt,
		TaskKey:     req.Task.Key,
		ResourceKey: req.Resource.Key,
		AnyType:     anyType,
		AnyKey:      req.anyKey(),
		RemoteKey:   req.remoteKey(),
		Operation:   operation,
		DryRun:      req.DryRun,
	}
}

func (e *Executor) fail(ctx context.Context, result *Result, req Request, chainID string, attempt int, err error) {
	outcome := e.baseOutcome(req, chainID, attempt)
	outcome.Status = core.OutcomeFailure
	outcome.Message = err.Error()
	e.record(ctx, result, outcome)
}

func (e *Executor) record(ctx context.Context, result *Result, outcome core.Outcome) {
	outcome.CreatedAt = e.now()
	if outcome.ID == "" {
		outcome.ID = e.newID()
	}
	result.Outcomes = append(result.Outcomes, outcome)
	if e.outcomes == nil || outcome.ExecutionID == "" {
		return
	}
	if err := e.outcomes.Append(ctx, outcome); err != nil {
		e.observer.Error(ctx, "outcome append failed", map[string]any{
			"execution_id": outcome.ExecutionID,
			"resource_key": outcome.ResourceKey,
			"any_key":      outcome.AnyKey,
			"error":        err.Error(),
		})
	}
}

func mergeEntity(current core.Entity, template core.Entity) (core.Entity, bool) {
	out := current.Clone()
	changed := false
	if template.Name != "" && template.Name != out.Name {
		out.Name = template.Name
		changed = true
	}
	if template.Realm != "" && core.NormalizeRealm(template.Realm) != core.NormalizeRealm(out.Realm) {
		out.Realm = core.NormalizeRealm(template.Realm)
		changed = true
	}
	if template.Password != "" && template.Password != out.Password {
		out.Password = template.Password
		changed = true
	}
	for name, values := range template.Attributes {
		if !core.EqualValues(out.Attributes[name], values, false) {
			out.Attributes[name] = append([]any(nil), values...)
			changed = true
		}
	}
	for _, membership := range template.Memberships {
		index := -1
		for i := range out.Memberships {
			if out.Memberships[i].GroupKey == membership.GroupKey {
				index = i
				break
			}
		}
		if index < 0 {
			out.Memberships = append(out.Memberships, core.Membership{
				GroupKey:   membership.GroupKey,
				Attributes: core.CloneAttributes(membership.Attributes),
			})
			changed = true
			continue
		}
		if out.Memberships[index].Attributes == nil {
			out.Memberships[index].Attributes = map[string][]any{}
		}
		for name, values := range membership.Attributes {
			if !core.EqualValues(out.Memberships[index].Attributes[name], values, false) {
				out.Memberships[index].Attributes[name] = append([]any(nil), values...)
				changed = true
			}
		}
	}
	return out, changed
}

// changedAttributes returns the projected attributes whose values differ from current.
func changedAttributes(current map[string][]any, projected map[string][]any) map[string][]any {
	changes := map[string][]any{}
	for name, values := range projected {
		if !core.EqualValues(current[name], values, false) {
			changes[name] = append([]any(nil), values...)
		}
	}
	return changes
}
