package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	provisioning "github.com/goliatone/go-provisioning"
	"github.com/goliatone/go-provisioning/core"
)

var reconcileDryRun bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <task-key> <any-key>",
	Short: "Reconcile one internal entity",
	Long: `Runs a task for a single internal entity identified by its key,
regardless of the task scope filters. Pull tasks refresh the entity from its
linked or key-correlated remote object.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		report, err := env.runtime.ReconcileObject(ctx, args[0], args[1], reconcileDryRun)
		if err != nil {
			return err
		}
		printResults([]provisioning.ExecuteResult{{Execution: report.Execution, Outcomes: report.Outcomes}})
		if report.Execution.Status == core.ExecutionFailure {
			return fmt.Errorf("reconcile %s/%s failed: %s", args[0], args[1], report.Execution.Message)
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "classify and record outcomes without touching resources")
	rootCmd.AddCommand(reconcileCmd)
}
