package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	catalogPath string
	driver      string
	dsn         string
	verbose     bool
	quiet       bool
)

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Reconcile identities between an internal store and external resources",
	Long: `provisioner runs provisioning tasks declared in a catalog file. Pull tasks
import remote objects into the internal store, push tasks propagate internal
entities to resources, and live tasks follow a resource change feed. Links and
execution history are kept in a SQL database (sqlite3 or postgres).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("provisioner %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "provisioner.yaml", "path to catalog file")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", driverSQLite, "database driver (sqlite3, postgres)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "file:provisioner.db?_foreign_keys=on", "database connection string")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log runtime events to stderr")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "minimal output (errors only)")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
