package cmd

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the bundled database migrations",
	Long: `Creates or upgrades the link, execution history, policy and throttle
tables for the configured driver. Other commands migrate on startup as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := openPersistence(ctx, driver, dsn)
		if err != nil {
			return err
		}
		defer client.Close()
		info("Migrations applied (%s).", driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
