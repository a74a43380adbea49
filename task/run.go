package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/expression"
	"github.com/goliatone/go-provisioning/mapping"
	"github.com/goliatone/go-provisioning/propagation"
	"github.com/goliatone/go-provisioning/rules"
)

const (
	NoteRunTimedOut     = "run timed out"
	NoteObjectNotFound  = "object not found on resource"
	NoteTaskBusy        = "task already running"
	NoteNoProvisionType = "no provision for object class"
)

type RunOptions struct {
	DryRun bool
	// ExecutionID records outcomes under an existing execution instead of
	// opening a new one.
	ExecutionID string
}

// Report is the result of one run. Outcomes holds every attempt in recording
// order; Finals keeps the last attempt of each chain.
type Report struct {
	Execution core.TaskExecution
	Outcomes  []core.Outcome
}

func (r Report) Finals() []core.Outcome {
	return finalOutcomes(r.Outcomes)
}

func (r Report) Failed() bool {
	for _, outcome := range r.Finals() {
		if outcome.Failed() {
			return true
		}
	}
	return false
}

// unit is the reconciliation of one object: one request per target resource,
// executed sequentially in priority order.
type unit struct {
	requests []propagation.Request
}

// RunFull reconciles every object of the task. Pull enumerates the primary
// resource, push enumerates internal entities of the source realm subtree.
// All objects are classified before any of them is applied.
func (r *Runtime) RunFull(ctx context.Context, task core.Task, opts RunOptions) (Report, error) {
	return r.run(ctx, task, opts, "task.run_full", func(ctx context.Context, p *plan, executionID string) ([]core.Outcome, error) {
		units, err := r.enumerate(ctx, p, executionID, opts.DryRun)
		if err != nil {
			return nil, err
		}
		return r.executeUnits(ctx, units), nil
	})
}

// RunSingle reconciles the entity anyKey without enumeration or task filters.
func (r *Runtime) RunSingle(ctx context.Context, task core.Task, anyKey string, opts RunOptions) (Report, error) {
	anyKey = strings.TrimSpace(anyKey)
	if anyKey == "" {
		return Report{}, fmt.Errorf("task: any key is required")
	}
	return r.run(ctx, task, opts, "task.run_single", func(ctx context.Context, p *plan, executionID string) ([]core.Outcome, error) {
		anyType, entity, err := r.findEntity(ctx, p, anyKey)
		if err != nil {
			return nil, err
		}
		var work unit
		if p.task.Direction == core.DirectionPush {
			work, _ = r.classifyPush(ctx, p, anyType, entity, executionID, opts.DryRun, false)
		} else {
			work, err = r.singlePull(ctx, p, anyType, entity, executionID, opts.DryRun)
			if err != nil {
				return nil, err
			}
		}
		return r.executeUnits(ctx, []unit{work}), nil
	})
}

// RunLiveDelta reconciles one change event of the primary resource. DELETE
// deltas resolve the linked entity by remote key instead of correlating.
func (r *Runtime) RunLiveDelta(ctx context.Context, task core.Task, delta core.Delta, opts RunOptions) (Report, error) {
	if task.Direction != core.DirectionPull {
		return Report{}, fmt.Errorf("%w: live deltas require a pull task", core.ErrInvalidDirection)
	}
	return r.run(ctx, task, opts, "task.run_live_delta", func(ctx context.Context, p *plan, executionID string) ([]core.Outcome, error) {
		return r.applyDelta(ctx, p, delta, executionID, opts.DryRun)
	})
}

func (r *Runtime) applyDelta(ctx context.Context, p *plan, delta core.Delta, executionID string, dryRun bool) ([]core.Outcome, error) {
	work, ok, err := r.classifyDelta(ctx, p, delta, executionID, dryRun)
	if err != nil || !ok {
		return nil, err
	}
	return r.executeUnit(ctx, work), nil
}

type runBody func(ctx context.Context, p *plan, executionID string) ([]core.Outcome, error)

// run wraps body in execution bookkeeping: one execution per run, moved to a
// terminal status when body returns. A busy task gets a NOT_SENT execution.
func (r *Runtime) run(ctx context.Context, task core.Task, opts RunOptions, operation string, body runBody) (Report, error) {
	if r == nil {
		return Report{}, fmt.Errorf("task: runtime is not configured")
	}
	startedAt := time.Now()
	if executionID := strings.TrimSpace(opts.ExecutionID); executionID != "" {
		p, err := r.prepare(ctx, task)
		if err != nil {
			return Report{}, err
		}
		outcomes, err := body(ctx, p, executionID)
		return Report{Outcomes: outcomes}, err
	}

	if !r.tryAcquire(task.Key) {
		execution, err := r.notSent(ctx, task.Key, opts.DryRun)
		if err != nil {
			return Report{}, err
		}
		return Report{Execution: execution}, fmt.Errorf("%w: %s", core.ErrTaskBusy, task.Key)
	}
	defer r.release(task.Key)

	execution, err := r.openExecution(ctx, task.Key, opts.DryRun)
	if err != nil {
		return Report{}, err
	}
	report := Report{Execution: execution}

	p, err := r.prepare(ctx, task)
	if err == nil {
		report.Outcomes, err = body(ctx, p, execution.ID)
	}
	status, message := summarize(report.Outcomes, err)
	report.Execution = r.closeExecution(ctx, execution, status, message)

	r.observer.Observe(ctx, startedAt, operation, err, map[string]any{
		"task_key":     task.Key,
		"execution_id": execution.ID,
		"direction":    string(task.Direction),
		"dry_run":      opts.DryRun,
		"outcomes":     len(report.Outcomes),
		"status":       string(report.Execution.Status),
	})
	return report, err
}

func (r *Runtime) enumerate(ctx context.Context, p *plan, executionID string, dryRun bool) ([]unit, error) {
	units := []unit{}
	for _, anyType := range p.anyTypes {
		if p.task.Direction == core.DirectionPull {
			compiled, _ := p.primary.mapping(anyType)
			capabilities := p.primary.connector.Capabilities()
			if !capabilities.Has(core.CapabilitySearch) && !capabilities.Has(core.CapabilitySync) {
				return nil, &core.CapabilityUnsupportedError{ResourceKey: p.primary.resource.Key, Capability: core.CapabilitySync}
			}
			objects, err := p.primary.connector.Search(ctx, compiled.ObjectClass(), core.Filter{})
			if err != nil {
				return nil, fmt.Errorf("task: enumerate %s on %q: %w", anyType, p.primary.resource.Key, err)
			}
			for _, object := range objects {
				work, ok := r.classifyPull(ctx, p, anyType, object, false, executionID, dryRun, true)
				if ok {
					units = append(units, work)
				}
			}
			continue
		}

		entities, err := r.store.List(ctx, anyType, core.NormalizeRealm(p.task.SourceRealm))
		if err != nil {
			return nil, fmt.Errorf("task: enumerate %s: %w", anyType, err)
		}
		for _, entity := range entities {
			work, ok := r.classifyPush(ctx, p, anyType, entity, executionID, dryRun, true)
			if ok && len(work.requests) > 0 {
				units = append(units, work)
			}
		}
	}
	return units, nil
}

// classifyPull correlates object and decides its action. It reports false
// when the object is outside the task filter.
func (r *Runtime) classifyPull(ctx context.Context, p *plan, anyType string, object core.ConnectorObject, deletion bool, executionID string, dryRun bool, checkScope bool) (unit, bool) {
	compiled, _ := p.primary.mapping(anyType)
	req := propagation.Request{
		ExecutionID: executionID,
		Task:        p.task,
		Resource:    p.primary.resource,
		Compiled:    compiled,
		Object:      &object,
		Realm:       p.task.DestinationRealm,
		DryRun:      dryRun,
	}

	if checkScope {
		allowed, err := p.scope.Allows(ctx, anyType, expression.ObjectEnv(object))
		if err != nil {
			req.Decision = failed(err)
			return unit{requests: []propagation.Request{req}}, true
		}
		if !allowed {
			return unit{}, false
		}
	}

	var (
		kind   core.CorrelationKind
		linked bool
	)
	if deletion {
		entity, found, err := r.correlator.ResolveLinked(ctx, p.primary.resource.Key, anyType, object.Key)
		if err != nil {
			req.Decision = failed(err)
			return unit{requests: []propagation.Request{req}}, true
		}
		kind = core.CorrelationNone
		if found {
			kind = core.CorrelationOne
			req.Entity = &entity
			req.Realm = entity.Realm
		}
	} else {
		result, err := r.correlator.CorrelatePull(ctx, object, compiled, p.rule(anyType))
		if err != nil {
			req.Decision = failed(err)
			return unit{requests: []propagation.Request{req}}, true
		}
		kind = result.Kind
		linked = result.Linked()
		req.Link = result.Link
		if entity, ok := result.Entity(); ok {
			req.Entity = &entity
			req.Realm = entity.Realm
		}
		if kind == core.CorrelationMany {
			req.Decision = ambiguous(result.AmbiguityError(p.primary.resource.Key, anyType))
			return unit{requests: []propagation.Request{req}}, true
		}
	}

	input := rules.InputForTask(p.task, kind, linked, p.primary.connector.Capabilities())
	input.Deletion = deletion
	req.Decision = rules.Decide(input)
	return unit{requests: []propagation.Request{req}}, true
}

// classifyPush builds one request per target resource provisioning anyType.
func (r *Runtime) classifyPush(ctx context.Context, p *plan, anyType string, entity core.Entity, executionID string, dryRun bool, checkScope bool) (unit, bool) {
	work := unit{}
	base := propagation.Request{
		ExecutionID: executionID,
		Task:        p.task,
		Entity:      &entity,
		Realm:       entity.Realm,
		DryRun:      dryRun,
	}

	if checkScope {
		links, err := r.links.ListByAny(ctx, anyType, entity.Key)
		if err != nil {
			req := base
			req.Resource = p.primary.resource
			req.Compiled, _ = p.primary.mapping(anyType)
			req.Decision = failed(err)
			work.requests = append(work.requests, req)
			return work, true
		}
		resources := make([]string, 0, len(links))
		for _, link := range links {
			resources = append(resources, link.ResourceKey)
		}
		allowed, err := p.scope.Allows(ctx, anyType, expression.EntityEnv(entity, resources))
		if err != nil {
			req := base
			req.Resource = p.primary.resource
			req.Compiled, _ = p.primary.mapping(anyType)
			req.Decision = failed(err)
			work.requests = append(work.requests, req)
			return work, true
		}
		if !allowed {
			return work, false
		}
	}

	for _, t := range p.targets {
		compiled, ok := t.mapping(anyType)
		if !ok {
			continue
		}
		req := base
		req.Resource = t.resource
		req.Compiled = compiled

		result, err := r.correlator.CorrelatePush(ctx, entity, t.connector, compiled, p.rule(anyType))
		if err != nil {
			req.Decision = failed(err)
			work.requests = append(work.requests, req)
			continue
		}
		req.Link = result.Link
		if object, ok := result.Object(); ok {
			req.Object = &object
		}
		if result.Kind == core.CorrelationMany {
			req.Decision = ambiguous(result.AmbiguityError(t.resource.Key, anyType))
			work.requests = append(work.requests, req)
			continue
		}
		req.Decision = rules.Decide(rules.InputForTask(p.task, result.Kind, result.Linked(), t.connector.Capabilities()))
		work.requests = append(work.requests, req)
	}
	return work, true
}

// singlePull fetches the remote counterpart of entity and pulls it.
func (r *Runtime) singlePull(ctx context.Context, p *plan, anyType string, entity core.Entity, executionID string, dryRun bool) (unit, error) {
	compiled, _ := p.primary.mapping(anyType)
	remoteKey := ""
	link, err := r.links.Get(ctx, p.primary.resource.Key, anyType, entity.Key)
	switch {
	case err == nil:
		remoteKey = link.RemoteKey
	case errors.Is(err, core.ErrLinkNotFound):
		key, ok, keyErr := mapping.ConnObjectKeyValue(ctx, entity, compiled)
		if keyErr != nil {
			return unit{}, keyErr
		}
		if ok {
			remoteKey = key
		}
	default:
		return unit{}, err
	}

	notFound := propagation.Request{
		ExecutionID: executionID,
		Task:        p.task,
		Resource:    p.primary.resource,
		Compiled:    compiled,
		Entity:      &entity,
		Realm:       entity.Realm,
		DryRun:      dryRun,
		Decision:    rules.Decision{Target: core.TargetNone, Operation: core.OperationNone, Link: core.LinkKeep, Status: core.OutcomeFailure, Note: NoteObjectNotFound},
	}
	if remoteKey == "" {
		return unit{requests: []propagation.Request{notFound}}, nil
	}
	object, err := p.primary.connector.Get(ctx, compiled.ObjectClass(), remoteKey)
	if errors.Is(err, core.ErrObjectNotFound) {
		return unit{requests: []propagation.Request{notFound}}, nil
	}
	if err != nil {
		notFound.Decision = failed(err)
		return unit{requests: []propagation.Request{notFound}}, nil
	}
	work, _ := r.classifyPull(ctx, p, anyType, object, false, executionID, dryRun, false)
	return work, nil
}

// classifyDelta maps delta to its any type and classifies it. It reports
// false when the object is outside the task filter.
func (r *Runtime) classifyDelta(ctx context.Context, p *plan, delta core.Delta, executionID string, dryRun bool) (unit, bool, error) {
	anyType, ok := p.anyTypeOf(delta.Object.ObjectClass)
	if !ok {
		return unit{}, false, fmt.Errorf("%w: %s %q on %q", core.ErrProvisionNotFound, NoteNoProvisionType, delta.Object.ObjectClass, p.primary.resource.Key)
	}
	deletion := delta.Operation == core.DeltaDelete
	work, inScope := r.classifyPull(ctx, p, anyType, delta.Object, deletion, executionID, dryRun, !deletion)
	return work, inScope, nil
}

func (r *Runtime) findEntity(ctx context.Context, p *plan, anyKey string) (string, core.Entity, error) {
	for _, anyType := range p.anyTypes {
		entity, err := r.store.FindByKey(ctx, anyType, anyKey)
		if err == nil {
			return anyType, entity, nil
		}
		if !errors.Is(err, core.ErrEntityNotFound) {
			return "", core.Entity{}, err
		}
	}
	return "", core.Entity{}, fmt.Errorf("%w: %q", core.ErrEntityNotFound, anyKey)
}

// executeUnits applies units on at most config.Workers goroutines. Units not
// started before the run timeout are recorded as failures.
func (r *Runtime) executeUnits(ctx context.Context, units []unit) []core.Outcome {
	results := make([][]core.Outcome, len(units))
	var deadline time.Time
	if r.config.RunTimeout > 0 {
		deadline = r.now().Add(r.config.RunTimeout)
	}

	group := new(errgroup.Group)
	group.SetLimit(r.config.Workers())
	for index, work := range units {
		group.Go(func() error {
			if !deadline.IsZero() && !r.now().Before(deadline) {
				results[index] = r.timedOut(ctx, work)
				return nil
			}
			results[index] = r.executeUnit(ctx, work)
			return nil
		})
	}
	_ = group.Wait()

	outcomes := []core.Outcome{}
	for _, result := range results {
		outcomes = append(outcomes, result...)
	}
	return outcomes
}

func (r *Runtime) executeUnit(ctx context.Context, work unit) []core.Outcome {
	results, err := r.executor.ExecuteOrdered(ctx, work.requests)
	if err != nil {
		r.observer.Error(ctx, "propagation request rejected", map[string]any{"error": err.Error()})
	}
	outcomes := []core.Outcome{}
	for _, result := range results {
		outcomes = append(outcomes, result.Outcomes...)
	}
	return outcomes
}

func (r *Runtime) timedOut(ctx context.Context, work unit) []core.Outcome {
	requests := make([]propagation.Request, 0, len(work.requests))
	for _, req := range work.requests {
		req.Decision = rules.Decision{
			Rule:      req.Decision.Rule,
			Target:    req.Decision.Target,
			Operation: req.Decision.Operation,
			Link:      core.LinkKeep,
			Status:    core.OutcomeFailure,
			Note:      NoteRunTimedOut,
		}
		requests = append(requests, req)
	}
	return r.executeUnit(ctx, unit{requests: requests})
}

func failed(err error) rules.Decision {
	return rules.Decision{Target: core.TargetNone, Operation: core.OperationNone, Link: core.LinkKeep, Status: core.OutcomeFailure, Note: err.Error()}
}

func ambiguous(err error) rules.Decision {
	note := rules.NoteAmbiguous
	if err != nil {
		note = rules.NoteAmbiguous + ": " + err.Error()
	}
	return rules.Decision{Rule: "CORRELATION:MANY", Target: core.TargetNone, Operation: core.OperationNone, Link: core.LinkKeep, Status: core.OutcomeFailure, Note: note}
}

// finalOutcomes keeps the last outcome of every attempt chain.
func finalOutcomes(outcomes []core.Outcome) []core.Outcome {
	last := map[string]int{}
	order := []string{}
	for index, outcome := range outcomes {
		chain := outcome.ChainID
		if chain == "" {
			chain = outcome.ID
		}
		if _, seen := last[chain]; !seen {
			order = append(order, chain)
		}
		last[chain] = index
	}
	out := make([]core.Outcome, 0, len(order))
	for _, chain := range order {
		out = append(out, outcomes[last[chain]])
	}
	return out
}

// summarize derives the run status: FAILURE when the run errored or any final
// outcome failed.
func summarize(outcomes []core.Outcome, runErr error) (core.ExecutionStatus, string) {
	finals := finalOutcomes(outcomes)
	succeeded, failedCount, notAttempted := 0, 0, 0
	for _, outcome := range finals {
		switch outcome.Status {
		case core.OutcomeSuccess:
			succeeded++
		case core.OutcomeFailure:
			failedCount++
		default:
			notAttempted++
		}
	}
	message := fmt.Sprintf("%d processed: %d succeeded, %d failed, %d not attempted", len(finals), succeeded, failedCount, notAttempted)
	if runErr != nil {
		return core.ExecutionFailure, runErr.Error()
	}
	if failedCount > 0 {
		return core.ExecutionFailure, message
	}
	return core.ExecutionSuccess, message
}
