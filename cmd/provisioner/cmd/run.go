package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	provisioning "github.com/goliatone/go-provisioning"
	"github.com/goliatone/go-provisioning/core"
)

var (
	runAll    bool
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run [task-key...]",
	Short: "Run tasks over their whole scope",
	Long: `Runs each named task once over its full scope and prints the execution
status and outcome counts. With --all every catalog task that is neither live
nor scheduled runs, up to the configured concurrency at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		keys := args
		if runAll {
			keys, err = adHocTasks(ctx, env.catalog)
			if err != nil {
				return err
			}
		}
		if len(keys) == 0 {
			return fmt.Errorf("no tasks to run: name at least one task or pass --all")
		}

		results, err := runTasks(ctx, env.runtime, keys, runDryRun, env.config.Workers())
		printResults(results)
		if err != nil {
			return err
		}
		for _, result := range results {
			if result.Execution.Status == core.ExecutionFailure {
				return fmt.Errorf("task %q failed: %s", result.Execution.TaskKey, result.Execution.Message)
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every task that is neither live nor scheduled")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "classify and record outcomes without touching resources")
	rootCmd.AddCommand(runCmd)
}

// adHocTasks lists the catalog tasks that only run on demand.
func adHocTasks(ctx context.Context, catalog *core.Catalog) ([]string, error) {
	tasks, err := catalog.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if task.Live || strings.TrimSpace(task.CronExpression) != "" {
			continue
		}
		keys = append(keys, task.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// runTasks executes keys with at most limit runs in flight. Results keep the
// order of keys; the first error cancels the runs not yet started.
func runTasks(ctx context.Context, runtime *provisioning.Runtime, keys []string, dryRun bool, limit int) ([]provisioning.ExecuteResult, error) {
	results := make([]provisioning.ExecuteResult, len(keys))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(limit, 1))
	for i, key := range keys {
		group.Go(func() error {
			result, err := runtime.Execute(groupCtx, provisioning.ExecuteRequest{TaskKey: key, DryRun: dryRun})
			mu.Lock()
			results[i] = result
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("task %q: %w", key, err)
			}
			return nil
		})
	}
	err := group.Wait()
	return results, err
}

func printResults(results []provisioning.ExecuteResult) {
	if printQuiet() {
		return
	}
	fmt.Printf("%-24s %-10s %-8s %-8s %-8s %s\n", "TASK", "STATUS", "SUCCESS", "FAILURE", "SKIPPED", "EXECUTION")
	for _, result := range results {
		if result.Execution.ID == "" {
			continue
		}
		counts := countOutcomes(provisioning.Report{Execution: result.Execution, Outcomes: result.Outcomes}.Finals())
		fmt.Printf("%-24s %-10s %-8d %-8d %-8d %s\n",
			result.Execution.TaskKey,
			result.Execution.Status,
			counts[core.OutcomeSuccess],
			counts[core.OutcomeFailure],
			counts[core.OutcomeNotAttempted],
			result.Execution.ID,
		)
		if printVerbose() {
			for _, outcome := range result.Outcomes {
				detail("%s %s/%s %s %s %s", outcome.Operation, outcome.ResourceKey, outcome.AnyType, outcome.AnyKey, outcome.Status, outcome.Message)
			}
		}
	}
}

func countOutcomes(outcomes []core.Outcome) map[core.OutcomeStatus]int {
	counts := map[core.OutcomeStatus]int{}
	for _, outcome := range outcomes {
		counts[outcome.Status]++
	}
	return counts
}
