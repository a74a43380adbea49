package gocommand

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"

	provisioningcommand "github.com/goliatone/go-provisioning/command"
	provisioningquery "github.com/goliatone/go-provisioning/query"
)

// ProvisioningService is the task runtime surface exposed on the dispatcher.
type ProvisioningService interface {
	provisioningcommand.TaskService
	provisioningquery.ExecutionReader
	provisioningquery.OutcomeReader
}

// RegisterProvisioning registers and subscribes every task command and
// history query. On failure the subscriptions made so far are removed.
func RegisterProvisioning(
	adapter *RegistryAdapter,
	service ProvisioningService,
	runnerOpts ...runner.Option,
) ([]commanddispatcher.Subscription, error) {
	if _, err := adapter.ready(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("gocommand: provisioning service is required")
	}

	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, provisioningcommand.NewExecuteTaskCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, provisioningcommand.NewActionJobCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, provisioningcommand.NewReconcileObjectCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, provisioningcommand.NewSubmitDeltaCommand(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery(adapter, provisioningquery.NewListExecutionsQuery(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery(adapter, provisioningquery.NewGetExecutionQuery(service), runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery(adapter, provisioningquery.NewListOutcomesQuery(service), runnerOpts...)
		},
	}
	subscriptions := make([]commanddispatcher.Subscription, 0, len(steps))
	for _, step := range steps {
		subscription, err := step()
		if err != nil {
			for _, registered := range subscriptions {
				registered.Unsubscribe()
			}
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}
