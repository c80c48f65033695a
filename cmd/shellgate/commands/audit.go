// Package commands – audit.go inspects the durable SQLite audit record.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/shellgate/pkg/shellgate/gate"
	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

// newAuditCmd creates the `shellgate audit` command group.
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(newAuditRecentCmd(), newAuditStatsCmd())
	return cmd
}

func newAuditRecentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sink, err := openSink(cmd)
			if err != nil {
				return err
			}
			defer sink.Close()

			n, _ := cmd.Flags().GetInt("limit")
			entries := sink.Recent(n)
			if len(entries) == 0 {
				fmt.Println("No audit entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Println(e)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of entries to show")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sink, err := openSink(cmd)
			if err != nil {
				return err
			}
			defer sink.Close()

			fmt.Printf("total entries: %d\n", sink.Count())
			for action, count := range sink.CountByAction() {
				fmt.Printf("  %s: %d\n", action, count)
			}
			return nil
		},
	}
}

func openSink(cmd *cobra.Command) (*security.SQLiteAuditSink, error) {
	cfg := resolveConfig(cmd)
	path := cfg.AuditDBPath
	if path == "" {
		path = gate.AuditDBDefaultPath(cfg.DataDir)
	}
	return security.OpenSQLiteAuditSink(path, newLogger(cmd))
}
