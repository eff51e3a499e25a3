package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskflow/internal/config"
)

// Version is set at build time.
var Version = "0.1.0-dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskflowd",
		Short: "Task scheduling and workflow daemon",
		Long: `taskflowd schedules tasks on cron, interval, date, event, condition and
startup triggers, runs them with retries and dependencies, and chains them
into workflows.

Serve the HTTP API:
  taskflowd --addr 127.0.0.1:7070

Serve MCP tools over stdio:
  taskflowd --mode mcp`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskflowd version %s\n", Version)
		},
	})
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
