package query

import (
	"context"

	"github.com/goliatone/go-provisioning/core"
)

type ExecutionReader interface {
	ListExecutions(ctx context.Context, taskKey string, filter core.ExecutionFilter) ([]core.TaskExecution, error)
	GetExecution(ctx context.Context, id string) (core.TaskExecution, error)
}

type OutcomeReader interface {
	ListOutcomes(ctx context.Context, executionID string) ([]core.Outcome, error)
}

type ListExecutionsQuery struct {
	reader ExecutionReader
}

func NewListExecutionsQuery(reader ExecutionReader) *ListExecutionsQuery {
	return &ListExecutionsQuery{reader: reader}
}

func (q *ListExecutionsQuery) Query(ctx context.Context, msg ListExecutionsMessage) ([]core.TaskExecution, error) {
	if q == nil || q.reader == nil {
		return nil, core.NewDependencyError("query: execution reader is required")
	}
	out, err := q.reader.ListExecutions(ctx, msg.TaskKey, msg.Filter)
	if err != nil {
		return nil, core.MapError(err)
	}
	return out, nil
}

type GetExecutionQuery struct {
	reader ExecutionReader
}

func NewGetExecutionQuery(reader ExecutionReader) *GetExecutionQuery {
	return &GetExecutionQuery{reader: reader}
}

func (q *GetExecutionQuery) Query(ctx context.Context, msg GetExecutionMessage) (core.TaskExecution, error) {
	if q == nil || q.reader == nil {
		return core.TaskExecution{}, core.NewDependencyError("query: execution reader is required")
	}
	out, err := q.reader.GetExecution(ctx, msg.ExecutionID)
	if err != nil {
		return core.TaskExecution{}, core.MapError(err)
	}
	return out, nil
}

type ListOutcomesQuery struct {
	reader OutcomeReader
}

func NewListOutcomesQuery(reader OutcomeReader) *ListOutcomesQuery {
	return &ListOutcomesQuery{reader: reader}
}

func (q *ListOutcomesQuery) Query(ctx context.Context, msg ListOutcomesMessage) ([]core.Outcome, error) {
	if q == nil || q.reader == nil {
		return nil, core.NewDependencyError("query: outcome reader is required")
	}
	out, err := q.reader.ListOutcomes(ctx, msg.ExecutionID)
	if err != nil {
		return nil, core.MapError(err)
	}
	return out, nil
}
