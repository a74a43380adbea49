package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-provisioning/core"
)

const shutdownTimeout = 30 * time.Second

var serveTasks []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled and live tasks until interrupted",
	Long: `Starts the cron entries of scheduled tasks and the listeners of live tasks,
then waits for SIGINT or SIGTERM. With --task only the named tasks are
started. Shutdown waits for running jobs and drains live sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = env.Close(closeCtx)
		}()

		if len(serveTasks) == 0 {
			if err := env.runtime.Start(ctx); err != nil {
				return err
			}
		}
		for _, key := range serveTasks {
			state, err := env.runtime.ActionJob(ctx, key, core.JobActionStart)
			if err != nil {
				return err
			}
			switch {
			case state.Live:
				info("%-24s live (%s)", state.TaskKey, state.LiveState)
			case state.Scheduled:
				info("%-24s next run %s", state.TaskKey, formatTime(state.Next))
			}
		}

		info("Serving %s; press Ctrl+C to stop.", env.config.ServiceName)
		<-ctx.Done()
		info("Shutting down.")
		return nil
	},
}

var actionCmd = &cobra.Command{
	Use:   "action <task-key> <start|stop>",
	Short: "Start or stop the job of a task and print its state",
	Long: `Applies a job action to a task in this process and prints the resulting
state. Use it to validate a cron expression or a live task before serving it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		state, err := env.runtime.ActionJob(ctx, args[0], core.JobAction(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-6s %-6s %-10s %s\n", "TASK", "ACTION", "LIVE", "LIVE STATE", "NEXT RUN")
		liveState := "-"
		if state.Live {
			liveState = string(state.LiveState)
		}
		fmt.Printf("%-24s %-6s %-6t %-10s %s\n", state.TaskKey, state.Action, state.Live, liveState, formatTime(state.Next))
		return nil
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveTasks, "task", nil, "start only these tasks (repeatable)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(actionCmd)
}
