package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/sirupsen/logrus"

	provisioning "github.com/goliatone/go-provisioning"
	"github.com/goliatone/go-provisioning/core"
)

const testCatalog = `
config:
  service_name: provisioner-test
  concurrency: 2

policies:
  - key: retry-2
    max_attempts: 2
    backoff_strategy: NONE

resources:
  - key: hr
    propagation_policy: retry-2
    provisions:
      - any_type: USER
        object_class: __ACCOUNT__
        mapping:
          items:
            - int_attr_name: name
              ext_attr_name: __NAME__
              key: true
            - int_attr_name: email
              ext_attr_name: mail

schemas:
  - any_type: USER
    attributes:
      - name: email
        type: STRING

tasks:
  - key: pull-hr
    direction: pull
    resource: hr
    unmatching_rule: PROVISION
  - key: nightly-hr
    direction: pull
    resource: hr
    cron: "0 2 * * *"

seed:
  connectors:
    - resource: hr
      objects:
        - object_class: __ACCOUNT__
          key: verdi
          attributes:
            "__NAME__": [verdi]
            mail: [verdi@example.org]
`

// useTestFlags points the global flags at a temporary catalog and an
// in-memory sqlite database for the duration of the test.
func useTestFlags(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provisioner.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	prevCatalog, prevDriver, prevDSN, prevQuiet := catalogPath, driver, dsn, quiet
	catalogPath = path
	driver = driverSQLite
	dsn = fmt.Sprintf("file:provisioner-cmd-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	quiet = true
	t.Cleanup(func() {
		catalogPath, driver, dsn, quiet = prevCatalog, prevDriver, prevDSN, prevQuiet
	})
}

func TestOpenEnvironmentRunsTasksAgainstSQLHistory(t *testing.T) {
	useTestFlags(t)
	ctx := context.Background()

	env, err := openEnvironment(ctx)
	if err != nil {
		t.Fatalf("open environment: %v", err)
	}
	defer env.Close(ctx)

	if env.config.ServiceName != "provisioner-test" || env.config.Workers() != 2 {
		t.Fatalf("expected catalog config to be applied, got %+v", env.config)
	}
	policy, err := env.stores.Policies().Policy(ctx, "retry-2")
	if err != nil {
		t.Fatalf("expected catalog policy seeded into sql store: %v", err)
	}
	if policy.MaxAttempts != 2 {
		t.Fatalf("unexpected seeded policy: %+v", policy)
	}

	keys, err := adHocTasks(ctx, env.catalog)
	if err != nil {
		t.Fatalf("ad hoc tasks: %v", err)
	}
	if len(keys) != 1 || keys[0] != "pull-hr" {
		t.Fatalf("expected scheduled task to be skipped, got %v", keys)
	}

	results, err := runTasks(ctx, env.runtime, keys, false, env.config.Workers())
	if err != nil {
		t.Fatalf("run tasks: %v", err)
	}
	if len(results) != 1 || results[0].Execution.Status != core.ExecutionSuccess {
		t.Fatalf("expected one successful execution, got %+v", results)
	}
	counts := countOutcomes(results[0].Outcomes)
	if counts[core.OutcomeSuccess] != 1 {
		t.Fatalf("expected one successful outcome, got %v", counts)
	}

	history, err := env.runtime.ListExecutions(ctx, "pull-hr", core.ExecutionFilter{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(history) != 1 || history[0].ID != results[0].Execution.ID {
		t.Fatalf("expected execution recorded in sql history, got %+v", history)
	}
	if _, err := env.stores.LinkStore().FindByRemoteKey(ctx, "hr", core.AnyTypeUser, "verdi"); err != nil {
		t.Fatalf("expected link persisted: %v", err)
	}
}

func TestActionJobSchedulesCronTask(t *testing.T) {
	useTestFlags(t)
	ctx := context.Background()

	env, err := openEnvironment(ctx)
	if err != nil {
		t.Fatalf("open environment: %v", err)
	}
	defer env.Close(ctx)

	state, err := env.runtime.ActionJob(ctx, "nightly-hr", core.JobActionStart)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if !state.Scheduled || state.Live {
		t.Fatalf("expected scheduled state, got %+v", state)
	}
	if _, err := env.runtime.ActionJob(ctx, "pull-hr", core.JobActionStart); err == nil {
		t.Fatalf("expected START on an ad hoc task to fail")
	}
}

func TestOpenPersistenceRejectsUnknownDriver(t *testing.T) {
	if _, err := openPersistence(context.Background(), "oracle", "ignored"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenEnvironmentFailsOnMissingCatalog(t *testing.T) {
	useTestFlags(t)
	catalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := openEnvironment(context.Background()); err == nil {
		t.Fatalf("expected missing catalog error")
	}
}

func TestConsoleLoggerWritesLogrusFields(t *testing.T) {
	var out bytes.Buffer
	provider := newConsoleProviderTo("svc", &out, logrus.InfoLevel)
	logger := provider.GetLogger("")
	logger.Info("task run finished", "task_key", "pull-hr", "outcomes", 3)
	logger.Debug("hidden below info")

	line := out.String()
	for _, want := range []string{"level=info", `msg="task run finished"`, "logger=svc", "task_key=pull-hr", "outcomes=3"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in log line %q", want, line)
		}
	}
	if strings.Contains(line, "hidden below info") {
		t.Fatalf("expected debug line to be filtered, got %q", line)
	}

	fields := fieldsOf([]any{"a", 1, "dangling"})
	if fields["a"] != 1 || fields["arg"] != "dangling" {
		t.Fatalf("unexpected odd args fields: %v", fields)
	}
}

func TestConsoleLoggerFatalUsesLogrusExit(t *testing.T) {
	var out bytes.Buffer
	provider := newConsoleProviderTo("svc", &out, logrus.InfoLevel)
	code := -1
	provider.log.ExitFunc = func(c int) { code = c }

	provider.GetLogger("cli").(glog.FieldsLogger).WithFields(map[string]any{"task_key": "pull-hr"}).Fatal("cannot continue")
	if code != 1 {
		t.Fatalf("expected logrus exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "level=fatal") || !strings.Contains(out.String(), "task_key=pull-hr") {
		t.Fatalf("unexpected fatal line: %q", out.String())
	}
}

func TestBuiltinActionsAuditAndVetoDeletes(t *testing.T) {
	var out bytes.Buffer
	provider := newConsoleProviderTo("svc", &out, logrus.InfoLevel)
	hooks := provisioning.NewExtensionHooks()
	if err := registerActions(hooks, provider.GetLogger("actions")); err != nil {
		t.Fatalf("register actions: %v", err)
	}
	ctx := context.Background()
	action := core.ActionContext{TaskKey: "pull-hr", ResourceKey: "hr", AnyKey: "u1", Operation: core.OperationDelete, Attempt: 1}

	noDelete, ok := hooks.Actions(actionsNoDelete)
	if !ok {
		t.Fatalf("expected %q actions", actionsNoDelete)
	}
	if err := noDelete.BeforeDelete(ctx, action); err == nil || !strings.Contains(err.Error(), `"hr"`) {
		t.Fatalf("expected delete veto naming the resource, got %v", err)
	}
	if err := noDelete.BeforeUpdate(ctx, action); err != nil {
		t.Fatalf("expected updates allowed, got %v", err)
	}

	audit, ok := hooks.Actions(actionsAudit)
	if !ok {
		t.Fatalf("expected %q actions", actionsAudit)
	}
	audit.After(ctx, action, core.Outcome{RemoteKey: "verdi", Status: core.OutcomeNotAttempted})
	for _, want := range []string{`msg="propagation attempt"`, "logger=actions", "status=NOT_ATTEMPTED", "remote_key=verdi"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in audit line %q", want, out.String())
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"much longer message", 10, "much lo..."},
		{"tiny", 3, "tiny"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
