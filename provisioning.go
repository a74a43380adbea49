package provisioning

import (
	"fmt"

	"github.com/goliatone/go-provisioning/core"
	sqlstore "github.com/goliatone/go-provisioning/store/sql"
	"github.com/goliatone/go-provisioning/task"
)

type Config = core.Config

type Option = task.Option

type Runtime = task.Runtime

type Catalog = core.Catalog

type ExecuteRequest = task.ExecuteRequest
type ExecuteResult = task.ExecuteResult
type JobState = task.JobState
type Report = task.Report
type RunOptions = task.RunOptions

var (
	WithCatalog            = task.WithCatalog
	WithConnectors         = task.WithConnectors
	WithInternalStore      = task.WithInternalStore
	WithLinkStore          = task.WithLinkStore
	WithExecutionStore     = task.WithExecutionStore
	WithOutcomeStore       = task.WithOutcomeStore
	WithPolicyStore        = task.WithPolicyStore
	WithLocker             = task.WithLocker
	WithThrottle           = task.WithThrottle
	WithActions            = task.WithActions
	WithJobEnqueuer        = task.WithJobEnqueuer
	WithExpressionCompiler = task.WithExpressionCompiler
	WithClock              = task.WithClock
	WithLogger             = task.WithLogger
	WithLoggerProvider     = task.WithLoggerProvider
	WithMetricsRecorder    = task.WithMetricsRecorder
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewCatalog() *Catalog {
	return core.NewCatalog()
}

func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	return task.NewRuntime(cfg, opts...)
}

// Setup builds a Runtime whose links, execution history and propagation
// policies live in the SQL stores of persistenceClient. The client is a
// *bun.DB or anything exposing DB() *bun.DB. Later options win.
func Setup(cfg Config, persistenceClient any, opts ...Option) (*Runtime, core.StoreProvider, error) {
	stores, err := sqlstore.NewRepositoryFactory().BuildStores(persistenceClient)
	if err != nil {
		return nil, nil, fmt.Errorf("provisioning: build stores: %w", err)
	}
	base := []Option{
		task.WithLinkStore(stores.LinkStore()),
		task.WithExecutionStore(stores.ExecutionStore()),
		task.WithOutcomeStore(stores.OutcomeStore()),
		task.WithPolicyStore(stores.PolicyStore()),
	}
	runtime, err := task.NewRuntime(cfg, append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return runtime, stores, nil
}
