package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Daemon running: %v (pid %d)\n", status.Running, status.PID)
			if !status.Since.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "Up since:       %s\n", status.Since.Format(time.RFC3339))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database:       %s\n", status.DBPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduler poll: every %ds (next in %.0fs)\n",
				status.Scheduler.PollIntervalSeconds, status.Scheduler.NextPollInSeconds)

			rows := [][]string{
				{"equities", strconv.Itoa(status.Health.Equities)},
				{"watchlist", strconv.Itoa(status.Health.WatchlistSize)},
				{"active groups", strconv.Itoa(status.Health.ActiveGroups)},
				{"schedule rows", strconv.Itoa(status.Health.ScheduleRows)},
				{"schedule due", strconv.Itoa(status.Health.ScheduleDue)},
				{"analyses done", strconv.Itoa(status.Health.AnalysesDone)},
				{"outbox pending", strconv.Itoa(status.Health.OutboxPending)},
				{"outbox sent", strconv.Itoa(status.Health.OutboxSent)},
				{"research pending", strconv.Itoa(status.Health.ResearchPending)},
				{"research done", strconv.Itoa(status.Health.ResearchDone)},
				{"dead letters", strconv.Itoa(status.Health.DeadLetters)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Metric", "Count"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))

			if len(status.QueueDepth) > 0 {
				names := make([]string, 0, len(status.QueueDepth))
				for name := range status.QueueDepth {
					names = append(names, name)
				}
				sort.Strings(names)
				queueRows := make([][]string, 0, len(names))
				for _, name := range names {
					queueRows = append(queueRows, []string{name, strconv.Itoa(status.QueueDepth[name])})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Queue", "Depth"},
					queueRows,
					[]columnAlignment{alignLeft, alignRight},
				))
			}
			return nil
		},
	}
}

func newSchedulerCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect and control the fetch scheduler",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.SchedulerStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "running=%v polling=%v interval=%ds next_poll_in=%.0fs\n",
				status.SchedulerRunning, status.IsPolling, status.PollIntervalSeconds, status.NextPollInSeconds)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "trigger",
		Short: "Force an immediate dispatch tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.TriggerScheduler(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scheduler tick queued")
			return nil
		},
	})

	return cmd
}
