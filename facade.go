package provisioning

import (
	"fmt"

	provisioningcommand "github.com/goliatone/go-provisioning/command"
	provisioningquery "github.com/goliatone/go-provisioning/query"
)

type CommandQueryService interface {
	provisioningcommand.TaskService
	provisioningquery.ExecutionReader
}

type Commands struct {
	ExecuteTask     *provisioningcommand.ExecuteTaskCommand
	ActionJob       *provisioningcommand.ActionJobCommand
	ReconcileObject *provisioningcommand.ReconcileObjectCommand
	SubmitDelta     *provisioningcommand.SubmitDeltaCommand
}

type Queries struct {
	ListExecutions *provisioningquery.ListExecutionsQuery
	GetExecution   *provisioningquery.GetExecutionQuery
	ListOutcomes   *provisioningquery.ListOutcomesQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	outcomeReader provisioningquery.OutcomeReader
}

// WithOutcomeReader serves outcome queries from reader instead of the service.
func WithOutcomeReader(reader provisioningquery.OutcomeReader) FacadeOption {
	return func(options *facadeOptions) {
		options.outcomeReader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("provisioning: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	reader := cfg.outcomeReader
	if reader == nil {
		reader, _ = service.(provisioningquery.OutcomeReader)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		ExecuteTask:     provisioningcommand.NewExecuteTaskCommand(service),
		ActionJob:       provisioningcommand.NewActionJobCommand(service),
		ReconcileObject: provisioningcommand.NewReconcileObjectCommand(service),
		SubmitDelta:     provisioningcommand.NewSubmitDeltaCommand(service),
	}
	facade.queries = Queries{
		ListExecutions: provisioningquery.NewListExecutionsQuery(service),
		GetExecution:   provisioningquery.NewGetExecutionQuery(service),
		ListOutcomes:   provisioningquery.NewListOutcomesQuery(reader),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
