package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	provisioningcommand "github.com/goliatone/go-provisioning/command"
	"github.com/goliatone/go-provisioning/core"
	provisioningquery "github.com/goliatone/go-provisioning/query"
	"github.com/goliatone/go-provisioning/task"
)

type okMessage struct{}

func (okMessage) Type() string { return "provisioning.command.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "provisioning.command.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type dispatchMessage struct {
	ID string
}

func (dispatchMessage) Type() string { return "provisioning.command.test" }

type queueMessage struct{}

func (queueMessage) Type() string { return "provisioning.command.queue" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	customResolverCalled := 0

	cmd := command.CommandFunc[dispatchMessage](func(context.Context, dispatchMessage) error {
		executed++
		return nil
	})

	if _, err := RegisterAndSubscribe(adapter, cmd); err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		customResolverCalled++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("custom") {
		t.Fatalf("expected custom resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if customResolverCalled == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), dispatchMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected command execution count=1, got %d", executed)
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := adapter.RegisterCommand(cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if _, ok := queueRegistry.Get("provisioning.command.queue"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}

type stubProvisioningService struct {
	executed []string
}

func (s *stubProvisioningService) Execute(_ context.Context, req task.ExecuteRequest) (task.ExecuteResult, error) {
	s.executed = append(s.executed, req.TaskKey)
	return task.ExecuteResult{Execution: core.TaskExecution{ID: "exec-" + req.TaskKey, Status: core.ExecutionSuccess}}, nil
}

func (s *stubProvisioningService) ActionJob(_ context.Context, taskKey string, action core.JobAction) (task.JobState, error) {
	return task.JobState{TaskKey: taskKey, Action: action}, nil
}

func (s *stubProvisioningService) ReconcileObject(context.Context, string, string, bool) (task.Report, error) {
	return task.Report{}, nil
}

func (s *stubProvisioningService) Submit(context.Context, string, core.Delta) error {
	return nil
}

func (s *stubProvisioningService) ListExecutions(_ context.Context, taskKey string, _ core.ExecutionFilter) ([]core.TaskExecution, error) {
	return []core.TaskExecution{{ID: "exec-" + taskKey, TaskKey: taskKey}}, nil
}

func (s *stubProvisioningService) GetExecution(_ context.Context, id string) (core.TaskExecution, error) {
	return core.TaskExecution{ID: id}, nil
}

func (s *stubProvisioningService) ListOutcomes(context.Context, string) ([]core.Outcome, error) {
	return nil, nil
}

func TestRegisterProvisioningDispatchesTaskMessages(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	service := &stubProvisioningService{}

	subscriptions, err := RegisterProvisioning(adapter, service)
	if err != nil {
		t.Fatalf("register provisioning: %v", err)
	}
	defer func() {
		for _, subscription := range subscriptions {
			subscription.Unsubscribe()
		}
	}()
	if len(subscriptions) != 7 {
		t.Fatalf("expected 7 subscriptions, got %d", len(subscriptions))
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if err := Dispatch(context.Background(), provisioningcommand.ExecuteTaskMessage{TaskKey: "ldap-pull"}); err != nil {
		t.Fatalf("dispatch execute: %v", err)
	}
	if len(service.executed) != 1 || service.executed[0] != "ldap-pull" {
		t.Fatalf("expected execute delegation, got %#v", service.executed)
	}

	executions, err := Query[provisioningquery.ListExecutionsMessage, []core.TaskExecution](
		context.Background(),
		provisioningquery.ListExecutionsMessage{TaskKey: "ldap-pull"},
	)
	if err != nil {
		t.Fatalf("query executions: %v", err)
	}
	if len(executions) != 1 || executions[0].ID != "exec-ldap-pull" {
		t.Fatalf("unexpected executions: %#v", executions)
	}
}

func TestRegisterProvisioningRequiresService(t *testing.T) {
	if _, err := RegisterProvisioning(NewRegistryAdapter(nil), nil); err == nil {
		t.Fatalf("expected missing service error")
	}
}
