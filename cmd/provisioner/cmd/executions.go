package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-provisioning/core"
	provisioningquery "github.com/goliatone/go-provisioning/query"
)

var (
	executionsLimit         int
	executionsStatus        string
	executionsIncludeDryRun bool
)

var executionsCmd = &cobra.Command{
	Use:   "executions <task-key>",
	Short: "List the execution history of a task",
	Long: `Lists recorded executions of a task, newest first. Dry runs are hidden
unless --include-dry-run is given or history.include_dry_run is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		executions, err := env.facade.Queries().ListExecutions.Query(ctx, provisioningquery.ListExecutionsMessage{
			TaskKey: args[0],
			Filter: core.ExecutionFilter{
				IncludeDryRun: executionsIncludeDryRun,
				Status:        core.ExecutionStatus(strings.ToUpper(strings.TrimSpace(executionsStatus))),
				Limit:         executionsLimit,
			},
		})
		if err != nil {
			return err
		}
		if len(executions) == 0 {
			info("No executions recorded for %s.", args[0])
			return nil
		}

		fmt.Printf("%-36s %-10s %-20s %-20s %-7s %s\n", "EXECUTION", "STATUS", "START", "END", "DRY RUN", "MESSAGE")
		for _, execution := range executions {
			start := execution.Start
			fmt.Printf("%-36s %-10s %-20s %-20s %-7t %s\n",
				execution.ID,
				execution.Status,
				formatTime(&start),
				formatTime(execution.End),
				execution.DryRun,
				truncate(execution.Message, 60),
			)
		}
		return nil
	},
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes <execution-id>",
	Short: "Show the outcomes recorded under an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		queries := env.facade.Queries()
		execution, err := queries.GetExecution.Query(ctx, provisioningquery.GetExecutionMessage{ExecutionID: args[0]})
		if err != nil {
			return err
		}
		outcomes, err := queries.ListOutcomes.Query(ctx, provisioningquery.ListOutcomesMessage{ExecutionID: execution.ID})
		if err != nil {
			return err
		}

		info("%s %s (%s)", execution.TaskKey, execution.Status, execution.ID)
		if len(outcomes) == 0 {
			info("No outcomes recorded.")
			return nil
		}
		fmt.Printf("%-12s %-16s %-8s %-24s %-7s %-14s %s\n", "OPERATION", "RESOURCE", "TYPE", "KEY", "ATTEMPT", "STATUS", "MESSAGE")
		for _, outcome := range outcomes {
			fmt.Printf("%-12s %-16s %-8s %-24s %-7d %-14s %s\n",
				outcome.Operation,
				truncate(outcome.ResourceKey, 16),
				outcome.AnyType,
				truncate(outcome.AnyKey, 24),
				outcome.Attempt,
				outcome.Status,
				truncate(outcome.Message, 60),
			)
		}
		return nil
	},
}

func init() {
	executionsCmd.Flags().IntVar(&executionsLimit, "limit", 20, "maximum number of executions to list (0 for all)")
	executionsCmd.Flags().StringVar(&executionsStatus, "status", "", "only list executions with this status")
	executionsCmd.Flags().BoolVar(&executionsIncludeDryRun, "include-dry-run", false, "include dry-run executions")
	rootCmd.AddCommand(executionsCmd)
	rootCmd.AddCommand(outcomesCmd)
}
