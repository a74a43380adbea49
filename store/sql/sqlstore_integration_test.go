package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	memoryconnector "github.com/goliatone/go-provisioning/connector/memory"
	"github.com/goliatone/go-provisioning/core"
	provisioningmigrations "github.com/goliatone/go-provisioning/migrations"
	"github.com/goliatone/go-provisioning/ratelimit"
	memorystore "github.com/goliatone/go-provisioning/store/memory"
	sqlstore "github.com/goliatone/go-provisioning/store/sql"
	"github.com/goliatone/go-provisioning/task"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-provisioning-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"provisioning_task_executions",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "provisioning_task_executions" {
		t.Fatalf("expected provisioning_task_executions table, got %q", tableName)
	}
}

func TestExecutionStore_LifecycleAndListing(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	executions := factory.ExecutionStore()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first, err := executions.Create(ctx, core.TaskExecution{
		TaskKey:  "pull-ldap",
		Start:    base,
		Status:   core.ExecutionRunning,
		Executor: "scheduler",
		Metadata: map[string]any{"trigger": "cron"},
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if first.ID == "" {
		t.Fatalf("expected generated execution id")
	}

	end := base.Add(time.Minute)
	first.Status = core.ExecutionSuccess
	first.End = &end
	first.Message = "2 objects"
	if _, err := executions.Update(ctx, first); err != nil {
		t.Fatalf("finish execution: %v", err)
	}
	first.Message = "rewritten"
	if _, err := executions.Update(ctx, first); !errors.Is(err, core.ErrInvalidExecutionStatusTransition) {
		t.Fatalf("expected terminal execution to be immutable, got %v", err)
	}

	stored, err := executions.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.Status != core.ExecutionSuccess || stored.Message != "2 objects" || stored.End == nil {
		t.Fatalf("unexpected stored execution: %+v", stored)
	}
	if stored.Metadata["trigger"] != "cron" {
		t.Fatalf("expected metadata round trip, got %#v", stored.Metadata)
	}

	second, err := executions.Create(ctx, core.TaskExecution{TaskKey: "pull-ldap", Start: base.Add(time.Hour), Status: core.ExecutionRunning})
	if err != nil {
		t.Fatalf("create second execution: %v", err)
	}
	if _, err := executions.Create(ctx, core.TaskExecution{TaskKey: "pull-ldap", Start: base.Add(2 * time.Hour), Status: core.ExecutionRunning, DryRun: true}); err != nil {
		t.Fatalf("create dry-run execution: %v", err)
	}
	if _, err := executions.Create(ctx, core.TaskExecution{TaskKey: "push-ldap", Start: base, Status: core.ExecutionRunning}); err != nil {
		t.Fatalf("create other task execution: %v", err)
	}

	listed, err := executions.List(ctx, "pull-ldap", core.ExecutionFilter{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != second.ID || listed[1].ID != first.ID {
		t.Fatalf("expected newest-first real runs, got %+v", listed)
	}

	withDryRun, err := executions.List(ctx, "pull-ldap", core.ExecutionFilter{IncludeDryRun: true, Limit: 1})
	if err != nil {
		t.Fatalf("list with dry runs: %v", err)
	}
	if len(withDryRun) != 1 || !withDryRun[0].DryRun {
		t.Fatalf("expected the dry run first, got %+v", withDryRun)
	}

	succeeded, err := executions.List(ctx, "pull-ldap", core.ExecutionFilter{Status: core.ExecutionSuccess})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != first.ID {
		t.Fatalf("expected only the finished run, got %+v", succeeded)
	}

	if _, err := executions.Get(ctx, "missing"); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Fatalf("expected execution not found, got %v", err)
	}
}

func TestOutcomeStore_AppendKeepsOrderAcrossBatches(t *testing.T) {
	ctx := context.Background()
	outcomes := newFactory(t).OutcomeStore()

	before := &core.ObjectImage{Key: "verdi", Attributes: map[string][]any{"mail": {"old@example.org"}}}
	after := &core.ObjectImage{Key: "verdi", Attributes: map[string][]any{"mail": {"new@example.org"}}}
	if err := outcomes.Append(ctx,
		core.Outcome{ExecutionID: "exec-1", ChainID: "c1", Attempt: 1, ResourceKey: "ldap", AnyType: "user", AnyKey: "verdi", Operation: core.OperationUpdate, Status: core.OutcomeFailure, Message: "timeout"},
		core.Outcome{ExecutionID: "exec-1", ChainID: "c1", Attempt: 2, ResourceKey: "ldap", AnyType: "user", AnyKey: "verdi", Operation: core.OperationUpdate, Status: core.OutcomeSuccess, Before: before, After: after},
	); err != nil {
		t.Fatalf("append first batch: %v", err)
	}
	if err := outcomes.Append(ctx,
		core.Outcome{ExecutionID: "exec-1", ChainID: "c2", Attempt: 1, ResourceKey: "ldap", AnyType: "USER", AnyKey: "rossini", Operation: core.OperationCreate, Status: core.OutcomeNotAttempted},
		core.Outcome{ExecutionID: "exec-2", ChainID: "c3", Attempt: 1, ResourceKey: "ldap", AnyType: "USER", AnyKey: "puccini", Operation: core.OperationDelete, Status: core.OutcomeSuccess},
	); err != nil {
		t.Fatalf("append second batch: %v", err)
	}

	listed, err := outcomes.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 outcomes for exec-1, got %d", len(listed))
	}
	if listed[0].Attempt != 1 || listed[1].Attempt != 2 || listed[2].AnyKey != "rossini" {
		t.Fatalf("expected append order, got %+v", listed)
	}
	if listed[0].AnyType != core.AnyTypeUser {
		t.Fatalf("expected normalized any type, got %q", listed[0].AnyType)
	}
	if listed[1].After == nil || listed[1].After.Attributes["mail"][0] != "new@example.org" {
		t.Fatalf("expected after image round trip, got %+v", listed[1].After)
	}
	if listed[2].Status != core.OutcomeNotAttempted {
		t.Fatalf("expected NOT_ATTEMPTED status, got %s", listed[2].Status)
	}
}

func TestLinkStore_UpsertFindAndDelete(t *testing.T) {
	ctx := context.Background()
	links := newFactory(t).LinkStore()

	created, err := links.Upsert(ctx, core.ResourceLink{ResourceKey: "ldap", AnyType: "user", AnyKey: "verdi", RemoteKey: "uid=verdi"})
	if err != nil {
		t.Fatalf("upsert link: %v", err)
	}
	updated, err := links.Upsert(ctx, core.ResourceLink{ResourceKey: "ldap", AnyType: core.AnyTypeUser, AnyKey: "verdi", RemoteKey: "uid=giuseppe"})
	if err != nil {
		t.Fatalf("upsert link again: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected upsert to keep one link per entity, got %q and %q", created.ID, updated.ID)
	}
	if _, err := links.Upsert(ctx, core.ResourceLink{ResourceKey: "db", AnyType: core.AnyTypeUser, AnyKey: "verdi", RemoteKey: "42"}); err != nil {
		t.Fatalf("upsert second resource link: %v", err)
	}

	found, err := links.FindByRemoteKey(ctx, "ldap", core.AnyTypeUser, "uid=giuseppe")
	if err != nil {
		t.Fatalf("find by remote key: %v", err)
	}
	if found.AnyKey != "verdi" {
		t.Fatalf("unexpected link: %+v", found)
	}
	if _, err := links.FindByRemoteKey(ctx, "ldap", core.AnyTypeUser, "uid=verdi"); !errors.Is(err, core.ErrLinkNotFound) {
		t.Fatalf("expected stale remote key to be gone, got %v", err)
	}

	byAny, err := links.ListByAny(ctx, core.AnyTypeUser, "verdi")
	if err != nil {
		t.Fatalf("list by any: %v", err)
	}
	if len(byAny) != 2 || byAny[0].ResourceKey != "db" || byAny[1].ResourceKey != "ldap" {
		t.Fatalf("expected links ordered by resource, got %+v", byAny)
	}

	if err := links.Delete(ctx, "ldap", core.AnyTypeUser, "verdi"); err != nil {
		t.Fatalf("delete link: %v", err)
	}
	if _, err := links.Get(ctx, "ldap", core.AnyTypeUser, "verdi"); !errors.Is(err, core.ErrLinkNotFound) {
		t.Fatalf("expected link not found after delete, got %v", err)
	}
}

func TestPolicyStore_UpsertAndResolve(t *testing.T) {
	ctx := context.Background()
	policies := newFactory(t).Policies()

	stored, err := policies.Upsert(ctx, core.PropagationPolicy{Key: "retry-3", MaxAttempts: 3, BackOffStrategy: core.BackOffExponential, BackOffParams: "100;1000;5000"})
	if err != nil {
		t.Fatalf("upsert policy: %v", err)
	}
	if stored.MaxAttempts != 3 {
		t.Fatalf("unexpected stored policy: %+v", stored)
	}
	if _, err := policies.Upsert(ctx, core.PropagationPolicy{Key: "retry-3", MaxAttempts: 5}); err != nil {
		t.Fatalf("update policy: %v", err)
	}
	resolved, err := policies.Policy(ctx, "retry-3")
	if err != nil {
		t.Fatalf("resolve policy: %v", err)
	}
	if resolved.MaxAttempts != 5 || resolved.BackOffStrategy != core.BackOffNone {
		t.Fatalf("expected replaced policy with default backoff, got %+v", resolved)
	}
	if _, err := policies.Upsert(ctx, core.PropagationPolicy{Key: "bad", MaxAttempts: -1}); err == nil {
		t.Fatalf("expected negative attempts to be rejected")
	}

	listed, err := policies.List(ctx)
	if err != nil {
		t.Fatalf("list policies: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one policy, got %+v", listed)
	}

	if err := policies.Delete(ctx, "retry-3"); err != nil {
		t.Fatalf("delete policy: %v", err)
	}
	if _, err := policies.Policy(ctx, "retry-3"); !errors.Is(err, core.ErrPolicyNotFound) {
		t.Fatalf("expected policy not found, got %v", err)
	}
}

func TestRateLimitStateStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	states := newFactory(t).RateLimitStateStore()

	if _, err := states.Get(ctx, "ldap"); !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected state not found, got %v", err)
	}
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	retryAfter := 30 * time.Second
	if err := states.Upsert(ctx, ratelimit.State{ResourceKey: "ldap", ThrottledUntil: &until, RetryAfter: &retryAfter, Attempts: 1}); err != nil {
		t.Fatalf("upsert state: %v", err)
	}
	if err := states.Upsert(ctx, ratelimit.State{ResourceKey: "ldap", ThrottledUntil: &until, RetryAfter: &retryAfter, Attempts: 2}); err != nil {
		t.Fatalf("upsert state again: %v", err)
	}
	state, err := states.Get(ctx, "ldap")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 2 || state.RetryAfter == nil || *state.RetryAfter != retryAfter {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.ThrottledUntil == nil || !state.ThrottledUntil.Equal(until) {
		t.Fatalf("unexpected throttled until: %v", state.ThrottledUntil)
	}
}

func TestRuntimeRecordsHistoryInSQLStores(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)

	catalog := core.NewCatalog()
	if err := catalog.PutSchema(core.AnyTypeSchema{
		AnyType:    core.AnyTypeUser,
		Attributes: []core.SchemaAttribute{{Name: "email", Type: core.SchemaString}},
	}); err != nil {
		t.Fatalf("put schema: %v", err)
	}
	if err := catalog.PutResource(core.Resource{Key: "db", Provisions: []core.Provision{{
		AnyType:     core.AnyTypeUser,
		ObjectClass: "__ACCOUNT__",
		Mapping: core.Mapping{Items: []core.Item{
			{IntAttrName: "name", ExtAttrName: "__NAME__", IsKey: true},
			{IntAttrName: "email", ExtAttrName: "mail"},
		}},
	}}}); err != nil {
		t.Fatalf("put resource: %v", err)
	}
	pull := core.Task{Key: "pull-db", Direction: core.DirectionPull, ResourceKey: "db", UnmatchingRule: core.UnmatchingProvision}
	if err := catalog.PutTask(pull); err != nil {
		t.Fatalf("put task: %v", err)
	}

	db := memoryconnector.New("db")
	db.Put(core.ConnectorObject{ObjectClass: "__ACCOUNT__", Key: "verdi", Attributes: map[string][]any{
		"__NAME__": {"verdi"},
		"mail":     {"verdi@example.org"},
	}})

	runtime, err := task.NewRuntime(core.DefaultConfig(),
		task.WithCatalog(catalog),
		task.WithConnectors(memoryconnector.NewResolver(db)),
		task.WithInternalStore(memorystore.NewEntityStore()),
		task.WithLinkStore(factory.LinkStore()),
		task.WithExecutionStore(factory.ExecutionStore()),
		task.WithOutcomeStore(factory.OutcomeStore()),
		task.WithPolicyStore(factory.PolicyStore()),
	)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	report, err := runtime.RunFull(ctx, pull, task.RunOptions{})
	if err != nil {
		t.Fatalf("run full: %v", err)
	}
	if report.Execution.Status != core.ExecutionSuccess {
		t.Fatalf("expected SUCCESS execution, got %s (%s)", report.Execution.Status, report.Execution.Message)
	}

	stored, err := factory.ExecutionStore().Get(ctx, report.Execution.ID)
	if err != nil {
		t.Fatalf("get stored execution: %v", err)
	}
	if stored.Status != core.ExecutionSuccess || stored.End == nil {
		t.Fatalf("expected finished execution in sql store, got %+v", stored)
	}
	outcomes, err := factory.OutcomeStore().ListByExecution(ctx, report.Execution.ID)
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Operation != core.OperationCreate || outcomes[0].Status != core.OutcomeSuccess {
		t.Fatalf("expected one successful create outcome, got %+v", outcomes)
	}
	if _, err := factory.LinkStore().FindByRemoteKey(ctx, "db", core.AnyTypeUser, "verdi"); err != nil {
		t.Fatalf("expected link persisted: %v", err)
	}
}

func TestBuildStores_RejectsUnsupportedClient(t *testing.T) {
	if _, err := sqlstore.NewRepositoryFactory().BuildStores("not a db"); err == nil {
		t.Fatalf("expected unsupported persistence client error")
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:provisioning-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = provisioningmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != provisioningmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, provisioningmigrations.WithValidationTargets(provisioningmigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
