package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	provisioning "github.com/goliatone/go-provisioning"
	"github.com/goliatone/go-provisioning/adapters/gologger"
	"github.com/goliatone/go-provisioning/catalog"
	memoryconnector "github.com/goliatone/go-provisioning/connector/memory"
	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/migrations"
	"github.com/goliatone/go-provisioning/ratelimit"
	sqlstore "github.com/goliatone/go-provisioning/store/sql"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

type persistenceConfig struct {
	driver string
	server string
}

func (c persistenceConfig) GetDebug() bool                { return false }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "provisioner" }

// environment holds everything a command needs: the decoded catalog, the
// migrated database and a runtime wired to both.
type environment struct {
	doc        *catalog.Document
	catalog    *core.Catalog
	config     core.Config
	connectors map[string]*memoryconnector.Connector
	client     *persistence.Client
	stores     *sqlstore.RepositoryFactory
	runtime    *provisioning.Runtime
	facade     *provisioning.Facade
}

func openEnvironment(ctx context.Context) (*environment, error) {
	doc, err := catalog.Load(catalogPath)
	if err != nil {
		return nil, err
	}
	built, err := doc.Build()
	if err != nil {
		return nil, err
	}
	cfg, err := core.ResolveConfig(ctx, core.Config{},
		core.NewCfgxConfigProvider(core.StaticConfigLoader{Values: doc.Config}),
		core.GoOptionsResolver{},
	)
	if err != nil {
		return nil, err
	}

	client, err := openPersistence(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	env := &environment{doc: doc, catalog: built, config: cfg, client: client}

	env.stores, err = sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	if err := seedPolicies(ctx, env.stores.Policies(), doc.Policies); err != nil {
		_ = env.Close(ctx)
		return nil, err
	}

	cacheService, err := repositorycache.NewCacheService(repositorycache.DefaultConfig())
	if err != nil {
		_ = env.Close(ctx)
		return nil, fmt.Errorf("creating cache service: %w", err)
	}
	policies, err := sqlstore.NewCachedPolicyStore(env.stores.Policies(), cacheService)
	if err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	throttleState, err := sqlstore.NewCachedRateLimitStateStore(env.stores.RateLimitStateStore(), cacheService)
	if err != nil {
		_ = env.Close(ctx)
		return nil, err
	}

	entities, err := doc.Entities(ctx)
	if err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	var provider *consoleProvider
	actionsLogger := glog.Nop()
	if verbose {
		provider = newConsoleProvider(cfg.ServiceName)
		actionsLogger = provider.GetLogger("actions")
	}
	hooks := provisioning.NewExtensionHooks()
	if err := registerActions(hooks, actionsLogger); err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	env.connectors = doc.Connectors()
	resolver, err := connectorResolver(hooks, env.connectors)
	if err != nil {
		_ = env.Close(ctx)
		return nil, err
	}

	opts := []provisioning.Option{
		provisioning.WithCatalog(built),
		provisioning.WithConnectors(resolver),
		provisioning.WithInternalStore(entities),
		provisioning.WithLinkStore(env.stores.LinkStore()),
		provisioning.WithExecutionStore(env.stores.ExecutionStore()),
		provisioning.WithOutcomeStore(env.stores.OutcomeStore()),
		provisioning.WithPolicyStore(policies),
		provisioning.WithThrottle(ratelimit.NewThrottle(throttleState)),
		provisioning.WithActions(hooks),
	}
	if provider != nil {
		opts = append(opts, gologger.RuntimeOptions(cfg.ServiceName, provider, nil)...)
	}
	env.runtime, err = provisioning.NewRuntime(cfg, opts...)
	if err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	env.facade, err = provisioning.NewFacade(env.runtime)
	if err != nil {
		_ = env.Close(ctx)
		return nil, err
	}
	return env, nil
}

func (e *environment) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.runtime != nil {
		errs = append(errs, e.runtime.Close(ctx))
	}
	if e.client != nil {
		errs = append(errs, e.client.Close())
	}
	return errors.Join(errs...)
}

// connectorResolver registers the catalog connectors as one connector pack.
func connectorResolver(hooks *provisioning.ExtensionHooks, connectors map[string]*memoryconnector.Connector) (*memoryconnector.Resolver, error) {
	pack := provisioning.ConnectorPack{Name: "catalog", Connectors: map[string]core.Connector{}}
	for key, connector := range connectors {
		pack.Connectors[key] = connector
	}
	if err := hooks.RegisterConnectorPack(pack); err != nil {
		return nil, err
	}
	resolver := memoryconnector.NewResolver()
	if err := hooks.ApplyConnectorPacks(resolver); err != nil {
		return nil, err
	}
	return resolver, nil
}

func seedPolicies(ctx context.Context, store *sqlstore.PolicyStore, policies []core.PropagationPolicy) error {
	for _, policy := range policies {
		if _, err := store.Upsert(ctx, policy); err != nil {
			return fmt.Errorf("seeding policy %q: %w", policy.Key, err)
		}
	}
	return nil
}

// openPersistence connects to the database and applies the bundled migrations.
func openPersistence(ctx context.Context, driverName string, connection string) (*persistence.Client, error) {
	driverName = strings.ToLower(strings.TrimSpace(driverName))
	var (
		dialect       schema.Dialect
		migrationKind string
	)
	switch driverName {
	case driverSQLite:
		dialect, migrationKind = sqlitedialect.New(), migrations.DialectSQLite
	case driverPostgres:
		dialect, migrationKind = pgdialect.New(), migrations.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported driver %q (use %s or %s)", driverName, driverSQLite, driverPostgres)
	}

	sqlDB, err := sql.Open(driverName, connection)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driverName, err)
	}
	if driverName == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driverName, server: connection}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("creating persistence client: %w", err)
	}

	_, err = migrations.Register(ctx, func(_ context.Context, dialectName string, _ string, fsys fs.FS) error {
		if dialectName != migrationKind {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(migrationKind))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("registering migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return client, nil
}
