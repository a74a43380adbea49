package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/task"
)

var (
	_ gocmd.Querier[ListExecutionsMessage, []core.TaskExecution] = (*ListExecutionsQuery)(nil)
	_ gocmd.Querier[GetExecutionMessage, core.TaskExecution]     = (*GetExecutionQuery)(nil)
	_ gocmd.Querier[ListOutcomesMessage, []core.Outcome]         = (*ListOutcomesQuery)(nil)

	_ ExecutionReader = (*task.Runtime)(nil)
	_ OutcomeReader   = (*task.Runtime)(nil)
)
