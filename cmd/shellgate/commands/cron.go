// Package commands – cron.go manages persisted cron jobs from the CLI.
// Changes take effect in a running daemon on its next restart; use the
// gateway RPCs for live updates.
package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/shellgate/pkg/shellgate/scheduler"
)

// newCronCmd creates the `shellgate cron` command group.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(newCronListCmd(), newCronAddCmd(), newCronRemoveCmd())
	return cmd
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openJobStore(cmd)
			if err != nil {
				return err
			}
			jobs, err := store.LoadAll()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			for _, j := range jobs {
				state := "disabled"
				if j.Enabled {
					state = "enabled"
				}
				fmt.Printf("%s  %-20s %-16s %s (%s, runs=%d failures=%d)\n",
					j.ID, j.Name, j.CronExpression, j.Command, state,
					j.ExecutionCount, j.FailureCount)
				if j.LastError != "" {
					fmt.Printf("    last error: %s\n", j.LastError)
				}
			}
			return nil
		},
	}
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name> <cron-expression> <command>",
		Short: "Add a job",
		Long: `Add a persisted cron job.

Examples:
  shellgate cron add heartbeat "*/5 * * * *" "echo alive"
  shellgate cron add report "0 9 * * 1" "https://internal/report/weekly"
  shellgate cron add digest "0 8 * * *" "agent:summarize inbox" --timezone Europe/Lisbon`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJobStore(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			channelID, _ := cmd.Flags().GetString("channel")
			timezone, _ := cmd.Flags().GetString("timezone")

			now := time.Now()
			job := &scheduler.Job{
				ID:             uuid.New().String(),
				UserID:         userID,
				Name:           args[0],
				CronExpression: args[1],
				Command:        args[2],
				ChannelID:      channelID,
				Enabled:        true,
				CreatedAt:      now,
				UpdatedAt:      now,
				Timezone:       timezone,
			}
			if err := store.Save(job); err != nil {
				return err
			}
			fmt.Println("job added:", job.ID)
			return nil
		},
	}
	cmd.Flags().String("user", "cli", "owning user id")
	cmd.Flags().String("channel", "", "target channel id")
	cmd.Flags().String("timezone", "", "IANA timezone for the schedule (default UTC)")
	return cmd
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJobStore(cmd)
			if err != nil {
				return err
			}
			if _, err := store.Load(args[0]); err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("job removed:", args[0])
			return nil
		},
	}
}

func openJobStore(cmd *cobra.Command) (scheduler.JobStore, error) {
	cfg := resolveConfig(cmd)
	return scheduler.NewFileJobStore(cfg.DataDir)
}
