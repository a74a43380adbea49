package command

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-provisioning/task"
)

var (
	_ gocmd.Commander[ExecuteTaskMessage]     = (*ExecuteTaskCommand)(nil)
	_ gocmd.Commander[ActionJobMessage]       = (*ActionJobCommand)(nil)
	_ gocmd.Commander[ReconcileObjectMessage] = (*ReconcileObjectCommand)(nil)
	_ gocmd.Commander[SubmitDeltaMessage]     = (*SubmitDeltaCommand)(nil)

	_ TaskService = (*task.Runtime)(nil)
)
