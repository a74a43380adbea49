package query

import (
	"strings"

	"github.com/goliatone/go-provisioning/core"
)

const (
	TypeListExecutions = "provisioning.query.executions.list"
	TypeGetExecution   = "provisioning.query.execution.get"
	TypeListOutcomes   = "provisioning.query.outcomes.list"
)

type ListExecutionsMessage struct {
	TaskKey string
	Filter  core.ExecutionFilter
}

func (ListExecutionsMessage) Type() string { return TypeListExecutions }

func (m ListExecutionsMessage) Validate() error {
	if strings.TrimSpace(m.TaskKey) == "" {
		return core.NewFieldError("query", "task_key", "task key is required")
	}
	if m.Filter.Limit < 0 {
		return core.NewFieldError("query", "limit", "limit must be >= 0")
	}
	if m.Filter.Offset < 0 {
		return core.NewFieldError("query", "offset", "offset must be >= 0")
	}
	return nil
}

type GetExecutionMessage struct {
	ExecutionID string
}

func (GetExecutionMessage) Type() string { return TypeGetExecution }

func (m GetExecutionMessage) Validate() error {
	if strings.TrimSpace(m.ExecutionID) == "" {
		return core.NewFieldError("query", "execution_id", "execution id is required")
	}
	return nil
}

type ListOutcomesMessage struct {
	ExecutionID string
}

func (ListOutcomesMessage) Type() string { return TypeListOutcomes }

func (m ListOutcomesMessage) Validate() error {
	if strings.TrimSpace(m.ExecutionID) == "" {
		return core.NewFieldError("query", "execution_id", "execution id is required")
	}
	return nil
}
