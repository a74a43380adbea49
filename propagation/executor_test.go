package propagation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	memoryconnector "github.com/goliatone/go-provisioning/connector/memory"
	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/mapping"
	"github.com/goliatone/go-provisioning/rules"
	memorystore "github.com/goliatone/go-provisioning/store/memory"
)

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
	return nil
}

func compiledAccounts(t *testing.T, resourceKey string) *mapping.Compiled {
	t.Helper()
	schema := core.AnyTypeSchema{
		AnyType:    core.AnyTypeUser,
		Attributes: []core.SchemaAttribute{{Name: "email", Type: core.SchemaString}},
	}
	provision := core.Provision{
		AnyType:     core.AnyTypeUser,
		ObjectClass: "__ACCOUNT__",
		Mapping: core.Mapping{Items: []core.Item{
			{IntAttrName: "name", ExtAttrName: "__NAME__", IsKey: true},
			{IntAttrName: "email", ExtAttrName: "mail"},
		}},
	}
	compiled, err := mapping.Compile(resourceKey, provision, schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return compiled
}

type fixture struct {
	executor   *Executor
	connectors *memoryconnector.Resolver
	entities   *memorystore.EntityStore
	links      *memorystore.LinkStore
	outcomes   *memorystore.OutcomeStore
	catalog    *core.Catalog
	sleeps     *recordedSleep
}

func newFixture(t *testing.T, connectors ...*memoryconnector.Connector) fixture {
	t.Helper()
	f := fixture{
		connectors: memoryconnector.NewResolver(connectors...),
		entities:   memorystore.NewEntityStore(),
		links:      memorystore.NewLinkStore(),
		outcomes:   memorystore.NewOutcomeStore(),
		catalog:    core.NewCatalog(),
		sleeps:     &recordedSleep{},
	}
	executor, err := NewExecutor(f.connectors, f.entities, f.links,
		WithOutcomeStore(f.outcomes),
		WithPolicies(f.catalog, f.catalog),
		WithSleep(f.sleeps.sleep),
	)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	f.executor = executor
	return f
}

func pushAssign(resource core.Resource, compiled *mapping.Compiled, entity core.Entity) Request {
	return Request{
		ExecutionID: "exec-1",
		Task:        core.Task{Key: "push-users", Direction: core.DirectionPush, ResourceKey: resource.Key},
		Resource:    resource,
		Compiled:    compiled,
		Decision:    rules.Decision{Target: core.TargetExternal, Operation: core.OperationCreate, Link: core.LinkAdd},
		Entity:      &entity,
	}
}

func TestExecuteRetriesTransientFailuresWithExponentialBackoff(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	f := newFixture(t, ldap)
	if err := f.catalog.PutPolicy(core.PropagationPolicy{
		Key: "retry", MaxAttempts: 3, BackOffStrategy: core.BackOffExponential, BackOffParams: "100;1000;2",
	}); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	ldap.FailNext("CREATE", 2, core.NewTransientError(fmt.Errorf("connection reset")))

	resource := core.Resource{Key: "ldap", PropagationPolicy: "retry"}
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "rossini", Attributes: map[string][]any{"email": {"r@example.org"}}}
	result, err := f.executor.Execute(context.Background(), pushAssign(resource, compiledAccounts(t, "ldap"), entity))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ldap.Calls("CREATE") != 3 || len(result.Outcomes) != 3 {
		t.Fatalf("expected exactly 3 attempts, got calls=%d outcomes=%d", ldap.Calls("CREATE"), len(result.Outcomes))
	}
	final := result.Final()
	if final.Status != core.OutcomeSuccess || final.Attempt != 3 {
		t.Fatalf("expected final success on attempt 3, got %+v", final)
	}
	for _, outcome := range result.Outcomes {
		if outcome.ChainID != final.ChainID {
			t.Fatalf("expected shared chain id")
		}
	}
	if len(f.sleeps.delays) != 2 || f.sleeps.delays[0] != 100*time.Millisecond || f.sleeps.delays[1] != 200*time.Millisecond {
		t.Fatalf("unexpected back-off delays %v", f.sleeps.delays)
	}
	link, err := f.links.Get(context.Background(), "ldap", core.AnyTypeUser, "u1")
	if err != nil || link.RemoteKey != "rossini" {
		t.Fatalf("expected link after success, got %+v %v", link, err)
	}
	stored, _ := f.outcomes.ListByExecution(context.Background(), "exec-1")
	if len(stored) != 3 {
		t.Fatalf("expected every attempt recorded, got %d", len(stored))
	}
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	f := newFixture(t, ldap)
	ldap.FailNext("CREATE", 1, core.NewPermanentError(fmt.Errorf("schema violation")))

	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "rossini"}
	result, _ := f.executor.Execute(context.Background(), pushAssign(core.Resource{Key: "ldap"}, compiledAccounts(t, "ldap"), entity))
	if len(result.Outcomes) != 1 || result.Final().Status != core.OutcomeFailure {
		t.Fatalf("expected single failed attempt, got %+v", result.Outcomes)
	}
	if _, err := f.links.Get(context.Background(), "ldap", core.AnyTypeUser, "u1"); err == nil {
		t.Fatalf("expected no link after failure")
	}
}

func TestExecuteOrderedFollowsResourcePriority(t *testing.T) {
	first := memoryconnector.New("r1")
	second := memoryconnector.New("r2")
	last := memoryconnector.New("r3")
	f := newFixture(t, first, second, last)
	one, two := 1, 2
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "verdi"}

	requests := []Request{
		pushAssign(core.Resource{Key: "r3"}, compiledAccounts(t, "r3"), entity),
		pushAssign(core.Resource{Key: "r2", Priority: &two}, compiledAccounts(t, "r2"), entity),
		pushAssign(core.Resource{Key: "r1", Priority: &one}, compiledAccounts(t, "r1"), entity),
	}
	if _, err := f.executor.ExecuteOrdered(context.Background(), requests); err != nil {
		t.Fatalf("execute ordered: %v", err)
	}
	stored, _ := f.outcomes.ListByExecution(context.Background(), "exec-1")
	if len(stored) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(stored))
	}
	for index, want := range []string{"r1", "r2", "r3"} {
		if stored[index].ResourceKey != want {
			t.Fatalf("position %d: expected %s, got %s", index, want, stored[index].ResourceKey)
		}
	}
}

func TestExecuteUpdateSendsOnlyChangedAttributes(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	f := newFixture(t, ldap)
	ldap.Put(core.ConnectorObject{ObjectClass: "__ACCOUNT__", Key: "puccini", Attributes: map[string][]any{"mail": {"p@example.org"}}})
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "puccini", Attributes: map[string][]any{"email": {"p@example.org"}}}
	object, _ := ldap.Object("__ACCOUNT__", "puccini")

	req := pushAssign(core.Resource{Key: "ldap"}, compiledAccounts(t, "ldap"), entity)
	req.Decision = rules.Decision{Target: core.TargetExternal, Operation: core.OperationUpdate, Link: core.LinkKeep}
	req.Object = &object
	result, _ := f.executor.Execute(context.Background(), req)
	final := result.Final()
	if final.Status != core.OutcomeSuccess || final.Message != NoteNoChanges {
		t.Fatalf("expected zero-effect update, got %+v", final)
	}
	if ldap.Calls("UPDATE") != 0 {
		t.Fatalf("expected no connector write")
	}

	entity.Attributes["email"] = []any{"giacomo@example.org"}
	req.Entity = &entity
	result, _ = f.executor.Execute(context.Background(), req)
	final = result.Final()
	if final.Status != core.OutcomeSuccess || final.Before == nil || final.After == nil {
		t.Fatalf("expected update with images, got %+v", final)
	}
	if final.After.Attributes["mail"][0] != "giacomo@example.org" || final.Before.Attributes["mail"][0] != "p@example.org" {
		t.Fatalf("unexpected images before=%v after=%v", final.Before.Attributes, final.After.Attributes)
	}
}

func TestExecuteDryRunWritesNothing(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	f := newFixture(t, ldap)
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "bellini"}
	req := pushAssign(core.Resource{Key: "ldap"}, compiledAccounts(t, "ldap"), entity)
	req.DryRun = true

	result, _ := f.executor.Execute(context.Background(), req)
	final := result.Final()
	if final.Status != core.OutcomeSuccess || !final.DryRun || final.After == nil || final.After.Key != "bellini" {
		t.Fatalf("expected dry-run outcome with projected image, got %+v", final)
	}
	if ldap.Calls("CREATE") != 0 || ldap.Count("__ACCOUNT__") != 0 {
		t.Fatalf("expected no external writes")
	}
	if _, err := f.links.Get(context.Background(), "ldap", core.AnyTypeUser, "u1"); err == nil {
		t.Fatalf("expected no link in dry run")
	}
}

func TestExecuteLinkOnlyDecisionKeepsExternalObject(t *testing.T) {
	ldap := memoryconnector.New("ldap", memoryconnector.WithCapabilities(core.CapabilitySearch, core.CapabilityCreate, core.CapabilityUpdate))
	f := newFixture(t, ldap)
	object := ldap.Put(core.ConnectorObject{ObjectClass: "__ACCOUNT__", Key: "donizetti"})
	_, _ = f.links.Upsert(context.Background(), core.ResourceLink{ResourceKey: "ldap", AnyType: core.AnyTypeUser, AnyKey: "u1", RemoteKey: "donizetti"})
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "donizetti"}

	decision := rules.Decide(rules.Input{
		Direction:    core.DirectionPush,
		Correlation:  core.CorrelationOne,
		Matching:     core.MatchingUnassign,
		Capabilities: ldap.Capabilities(),
	})
	req := pushAssign(core.Resource{Key: "ldap"}, compiledAccounts(t, "ldap"), entity)
	req.Decision = decision
	req.Object = &object
	result, _ := f.executor.Execute(context.Background(), req)
	final := result.Final()
	if final.Status != core.OutcomeSuccess || final.Message != rules.CapabilityNote(core.CapabilityDelete) {
		t.Fatalf("expected noted success, got %+v", final)
	}
	if _, err := f.links.Get(context.Background(), "ldap", core.AnyTypeUser, "u1"); err == nil {
		t.Fatalf("expected link removed")
	}
	if ldap.Count("__ACCOUNT__") != 1 {
		t.Fatalf("expected external object kept")
	}
}

func TestExecutePullCreateAndDelete(t *testing.T) {
	f := newFixture(t, memoryconnector.New("db"))
	compiled := compiledAccounts(t, "db")
	object := core.ConnectorObject{ObjectClass: "__ACCOUNT__", Key: "5432", Attributes: map[string][]any{"mail": {"x@example.org"}}}
	task := core.Task{Key: "pull", Direction: core.DirectionPull, ResourceKey: "db", DestinationRealm: "/even"}

	result, _ := f.executor.Execute(context.Background(), Request{
		ExecutionID: "exec-1",
		Task:        task,
		Resource:    core.Resource{Key: "db"},
		Compiled:    compiled,
		Decision:    rules.Decision{Target: core.TargetInternal, Operation: core.OperationCreate, Link: core.LinkAdd},
		Object:      &object,
	})
	final := result.Final()
	if final.Status != core.OutcomeSuccess || result.Entity == nil || result.Entity.Realm != "/even" {
		t.Fatalf("expected entity created in destination realm, got %+v", final)
	}
	link, err := f.links.FindByRemoteKey(context.Background(), "db", core.AnyTypeUser, "5432")
	if err != nil || link.AnyKey != result.Entity.Key {
		t.Fatalf("expected link to created entity, got %+v %v", link, err)
	}

	entity := *result.Entity
	result, _ = f.executor.Execute(context.Background(), Request{
		ExecutionID: "exec-2",
		Task:        task,
		Resource:    core.Resource{Key: "db"},
		Compiled:    compiled,
		Decision:    rules.Decision{Target: core.TargetInternal, Operation: core.OperationDelete, Link: core.LinkRemove},
		Entity:      &entity,
		Object:      &object,
	})
	if result.Final().Status != core.OutcomeSuccess || f.entities.Count(core.AnyTypeUser) != 0 {
		t.Fatalf("expected entity removed, got %+v", result.Final())
	}
	if _, err := f.links.FindByRemoteKey(context.Background(), "db", core.AnyTypeUser, "5432"); err == nil {
		t.Fatalf("expected link removed")
	}
}

func TestExecuteKeepsLockWhileBackingOff(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	catalog := core.NewCatalog()
	if err := catalog.PutPolicy(core.PropagationPolicy{
		Key: "retry", MaxAttempts: 2, BackOffStrategy: core.BackOffConstant, BackOffParams: "10",
	}); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	ldap.FailNext("CREATE", 1, core.NewTransientError(fmt.Errorf("connection reset")))

	locker := NewMemoryKeyedLocker()
	key := LockKey("ldap", core.AnyTypeUser, "u1")
	var contended error
	slowSleep := func(ctx context.Context, _ time.Duration) error {
		// The back-off outlives the lock ttl several times over.
		waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		defer cancel()
		handle, err := locker.Acquire(waitCtx, key, time.Minute)
		if err == nil {
			_ = handle.Unlock(ctx)
			contended = fmt.Errorf("lock handed over while the holder was backing off")
		}
		return nil
	}
	executor, err := NewExecutor(memoryconnector.NewResolver(ldap), memorystore.NewEntityStore(), memorystore.NewLinkStore(),
		WithPolicies(catalog, catalog),
		WithLocker(locker),
		WithLockTTL(30*time.Millisecond),
		WithSleep(slowSleep),
	)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	resource := core.Resource{Key: "ldap", PropagationPolicy: "retry"}
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "rossini"}
	result, err := executor.Execute(context.Background(), pushAssign(resource, compiledAccounts(t, "ldap"), entity))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if contended != nil {
		t.Fatal(contended)
	}
	if final := result.Final(); final.Status != core.OutcomeSuccess || final.Attempt != 2 {
		t.Fatalf("expected success on attempt 2, got %+v", final)
	}

	handle, err := locker.Acquire(context.Background(), key, time.Minute)
	if err != nil {
		t.Fatalf("lock should be free after execute: %v", err)
	}
	_ = handle.Unlock(context.Background())
}
