package propagation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	memoryconnector "github.com/goliatone/go-provisioning/connector/memory"
	"github.com/goliatone/go-provisioning/core"
	memorystore "github.com/goliatone/go-provisioning/store/memory"
)

type recordingActions struct {
	mu       sync.Mutex
	veto     map[core.ResourceOperation]error
	before   []core.ResourceOperation
	after    []core.OutcomeStatus
	failures []error
}

func (r *recordingActions) check(op core.ResourceOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = append(r.before, op)
	return r.veto[op]
}

func (r *recordingActions) BeforeProvision(_ context.Context, action core.ActionContext) error {
	return r.check(action.Operation)
}

func (r *recordingActions) BeforeUpdate(_ context.Context, action core.ActionContext) error {
	return r.check(action.Operation)
}

func (r *recordingActions) BeforeDelete(_ context.Context, action core.ActionContext) error {
	return r.check(action.Operation)
}

func (r *recordingActions) After(_ context.Context, _ core.ActionContext, outcome core.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = append(r.after, outcome.Status)
}

func (r *recordingActions) OnError(_ context.Context, _ core.ActionContext, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

type actionsByName map[string]core.ReconciliationActions

func (a actionsByName) Actions(name string) (core.ReconciliationActions, bool) {
	actions, ok := a[name]
	return actions, ok
}

func newActionsExecutor(t *testing.T, connector *memoryconnector.Connector, resolver core.ActionsResolver) *Executor {
	t.Helper()
	executor, err := NewExecutor(memoryconnector.NewResolver(connector), memorystore.NewEntityStore(), memorystore.NewLinkStore(),
		WithActions(resolver),
		WithSleep((&recordedSleep{}).sleep),
	)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return executor
}

func TestExecuteVetoedByActionIsNotAttempted(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	guard := &recordingActions{veto: map[core.ResourceOperation]error{core.OperationCreate: fmt.Errorf("change freeze")}}
	executor := newActionsExecutor(t, ldap, actionsByName{"freeze": guard})

	resource := core.Resource{Key: "ldap", Actions: []string{"freeze"}}
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "rossini"}
	result, err := executor.Execute(context.Background(), pushAssign(resource, compiledAccounts(t, "ldap"), entity))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	final := result.Final()
	if len(result.Outcomes) != 1 || final.Status != core.OutcomeNotAttempted {
		t.Fatalf("expected one NOT_ATTEMPTED outcome, got %+v", result.Outcomes)
	}
	if !strings.Contains(final.Message, NoteVetoed) || !strings.Contains(final.Message, "change freeze") {
		t.Fatalf("expected veto reason in message, got %q", final.Message)
	}
	if ldap.Calls("CREATE") != 0 || ldap.Count("__ACCOUNT__") != 0 {
		t.Fatalf("vetoed create must not reach the connector")
	}
	if len(guard.after) != 1 || guard.after[0] != core.OutcomeNotAttempted {
		t.Fatalf("expected After to see the vetoed outcome, got %v", guard.after)
	}
}

func TestExecuteRunsActionsAroundEveryAttempt(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	ldap.FailNext("CREATE", 1, core.NewTransientError(fmt.Errorf("connection reset")))
	taskActions := &recordingActions{}
	resourceActions := &recordingActions{}
	executor := newActionsExecutor(t, ldap, actionsByName{"audit": taskActions, "notify": resourceActions})

	resource := core.Resource{Key: "ldap", Actions: []string{"notify", "audit"}}
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "rossini"}
	req := pushAssign(resource, compiledAccounts(t, "ldap"), entity)
	req.Task.Actions = []string{"audit"}
	result, err := executor.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Final().Status != core.OutcomeSuccess || len(result.Outcomes) != 2 {
		t.Fatalf("expected success on the second attempt, got %+v", result.Outcomes)
	}
	for name, actions := range map[string]*recordingActions{"audit": taskActions, "notify": resourceActions} {
		if len(actions.before) != 2 || actions.before[0] != core.OperationCreate {
			t.Fatalf("%s: expected BeforeProvision per attempt, got %v", name, actions.before)
		}
		if len(actions.failures) != 1 || !core.IsTransient(actions.failures[0]) {
			t.Fatalf("%s: expected one transient OnError, got %v", name, actions.failures)
		}
		if len(actions.after) != 2 || actions.after[0] != core.OutcomeFailure || actions.after[1] != core.OutcomeSuccess {
			t.Fatalf("%s: unexpected After statuses %v", name, actions.after)
		}
	}
}

func TestExecuteFailsOnUnknownActions(t *testing.T) {
	ldap := memoryconnector.New("ldap")
	executor := newActionsExecutor(t, ldap, actionsByName{})

	resource := core.Resource{Key: "ldap", Actions: []string{"missing"}}
	entity := core.Entity{Key: "u1", AnyType: core.AnyTypeUser, Name: "rossini"}
	result, err := executor.Execute(context.Background(), pushAssign(resource, compiledAccounts(t, "ldap"), entity))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final := result.Final(); final.Status != core.OutcomeFailure || !strings.Contains(final.Message, `"missing"`) {
		t.Fatalf("expected unknown actions failure, got %+v", final)
	}
	if ldap.Calls("CREATE") != 0 {
		t.Fatalf("expected no connector call")
	}
}
