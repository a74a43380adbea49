package provisioning

import (
	"context"
	"testing"

	gocmd "github.com/goliatone/go-command"

	provisioningcommand "github.com/goliatone/go-provisioning/command"
	"github.com/goliatone/go-provisioning/core"
	provisioningquery "github.com/goliatone/go-provisioning/query"
	"github.com/goliatone/go-provisioning/task"
)

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	facade, err := NewFacade(&stubFacadeService{})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	commands := facade.Commands()
	if commands.ExecuteTask == nil || commands.ActionJob == nil || commands.ReconcileObject == nil || commands.SubmitDelta == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.ListExecutions == nil || queries.GetExecution == nil || queries.ListOutcomes == nil {
		t.Fatalf("expected query handlers to be wired")
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	svc := &stubFacadeService{}
	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	collector := gocmd.NewResult[task.ExecuteResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := facade.Commands().ExecuteTask.Execute(ctx, provisioningcommand.ExecuteTaskMessage{
		TaskKey: "pull-ldap",
		DryRun:  true,
	}); err != nil {
		t.Fatalf("execute task command: %v", err)
	}
	if svc.lastExecute.TaskKey != "pull-ldap" || !svc.lastExecute.DryRun {
		t.Fatalf("unexpected execute delegation payload: %+v", svc.lastExecute)
	}
	result, ok := collector.Load()
	if !ok || result.Execution.ID != "exec_1" {
		t.Fatalf("expected stored execute result, got %+v", result)
	}

	executions, err := facade.Queries().ListExecutions.Query(context.Background(), provisioningquery.ListExecutionsMessage{
		TaskKey: "pull-ldap",
	})
	if err != nil {
		t.Fatalf("query list executions: %v", err)
	}
	if len(executions) != 1 || executions[0].TaskKey != "pull-ldap" {
		t.Fatalf("unexpected executions: %#v", executions)
	}

	outcomes, err := facade.Queries().ListOutcomes.Query(context.Background(), provisioningquery.ListOutcomesMessage{
		ExecutionID: "exec_1",
	})
	if err != nil {
		t.Fatalf("query list outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].ExecutionID != "exec_1" {
		t.Fatalf("expected outcomes from the service, got %#v", outcomes)
	}
}

func TestFacade_OutcomeReaderOverride(t *testing.T) {
	reader := &stubOutcomeReader{}
	facade, err := NewFacade(&stubFacadeService{}, WithOutcomeReader(reader))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	outcomes, err := facade.Queries().ListOutcomes.Query(context.Background(), provisioningquery.ListOutcomesMessage{
		ExecutionID: "exec_9",
	})
	if err != nil {
		t.Fatalf("query list outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Message != "from reader" {
		t.Fatalf("expected override reader outcomes, got %#v", outcomes)
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	facade, err := NewFacade(nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}

type stubFacadeService struct {
	lastExecute task.ExecuteRequest
}

func (s *stubFacadeService) Execute(_ context.Context, req task.ExecuteRequest) (task.ExecuteResult, error) {
	s.lastExecute = req
	return task.ExecuteResult{Execution: core.TaskExecution{ID: "exec_1", TaskKey: req.TaskKey}}, nil
}

func (s *stubFacadeService) ActionJob(_ context.Context, taskKey string, action core.JobAction) (task.JobState, error) {
	return task.JobState{TaskKey: taskKey, Action: action}, nil
}

func (s *stubFacadeService) ReconcileObject(context.Context, string, string, bool) (task.Report, error) {
	return task.Report{}, nil
}

func (s *stubFacadeService) Submit(context.Context, string, core.Delta) error {
	return nil
}

func (s *stubFacadeService) ListExecutions(_ context.Context, taskKey string, _ core.ExecutionFilter) ([]core.TaskExecution, error) {
	return []core.TaskExecution{{ID: "exec_1", TaskKey: taskKey}}, nil
}

func (s *stubFacadeService) GetExecution(_ context.Context, id string) (core.TaskExecution, error) {
	return core.TaskExecution{ID: id}, nil
}

func (s *stubFacadeService) ListOutcomes(_ context.Context, executionID string) ([]core.Outcome, error) {
	return []core.Outcome{{ExecutionID: executionID}}, nil
}

type stubOutcomeReader struct{}

func (stubOutcomeReader) ListOutcomes(_ context.Context, executionID string) ([]core.Outcome, error) {
	return []core.Outcome{{ExecutionID: executionID, Message: "from reader"}}, nil
}

var _ CommandQueryService = (*stubFacadeService)(nil)
