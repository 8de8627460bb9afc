// Package commands implements the groupclaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groupclaw",
		Short: "groupclaw - group chat AI agent orchestrator",
		Long: `groupclaw runs AI agent sessions in isolated containers, one per
chat group, with a concurrency-controlled queue, scheduled tasks, and a
file-based control protocol between host and agent.

Examples:
  groupclaw serve
  groupclaw serve --config ./groupclaw.yaml
  groupclaw config set-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newGroupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
