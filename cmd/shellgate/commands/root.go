// Package commands implements the shellgate CLI using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/shellgate/pkg/shellgate/gate"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shellgate",
		Short: "shellgate - security gateway for agent shell commands",
		Long: `shellgate authorizes, classifies and sandboxes shell commands issued
by agent runtimes, scrubs their output for secrets, and records every
decision in an audit log.

Examples:
  shellgate serve
  shellgate classify "rm -rf /"
  shellgate classify -i
  shellgate approvals
  shellgate audit recent
  shellgate cron list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newClassifyCmd(),
		newApprovalsCmd(),
		newAuditCmd(),
		newCronCmd(),
		newKeyringCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config from --config or the default location,
// falling back to defaults when no file exists.
func resolveConfig(cmd *cobra.Command) *gate.Config {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = gate.DefaultConfigPath()
	}
	cfg, err := gate.LoadConfigFromFile(path)
	if err != nil {
		return gate.DefaultConfig()
	}
	return cfg
}

// newLogger builds the CLI logger honoring --verbose.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
