package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-provisioning/core"
)

type RepositoryFactory struct {
	db *bun.DB

	executionStore      *ExecutionStore
	outcomeStore        *OutcomeStore
	linkStore           *LinkStore
	policyStore         *PolicyStore
	rateLimitStateStore *RateLimitStateStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores resolves a bun db from persistenceClient and wires every store.
func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.executionStore != nil && f.linkStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) ExecutionStore() core.ExecutionStore {
	if f == nil {
		return nil
	}
	return f.executionStore
}

func (f *RepositoryFactory) OutcomeStore() core.OutcomeStore {
	if f == nil {
		return nil
	}
	return f.outcomeStore
}

func (f *RepositoryFactory) LinkStore() core.LinkStore {
	if f == nil {
		return nil
	}
	return f.linkStore
}

func (f *RepositoryFactory) PolicyStore() core.PolicyStore {
	if f == nil {
		return nil
	}
	return f.policyStore
}

// Policies exposes the write side of the policy table.
func (f *RepositoryFactory) Policies() *PolicyStore {
	if f == nil {
		return nil
	}
	return f.policyStore
}

func (f *RepositoryFactory) RateLimitStateStore() *RateLimitStateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) initStores() error {
	executionStore, err := NewExecutionStore(f.db)
	if err != nil {
		return err
	}
	outcomeStore, err := NewOutcomeStore(f.db)
	if err != nil {
		return err
	}
	linkStore, err := NewLinkStore(f.db)
	if err != nil {
		return err
	}
	policyStore, err := NewPolicyStore(f.db)
	if err != nil {
		return err
	}
	rateLimitStateStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}

	f.executionStore = executionStore
	f.outcomeStore = outcomeStore
	f.linkStore = linkStore
	f.policyStore = policyStore
	f.rateLimitStateStore = rateLimitStateStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

var _ core.StoreProvider = (*RepositoryFactory)(nil)
