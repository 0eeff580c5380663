package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable message queues",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List analysis jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				retry := ""
				if job.RetryNextAt != nil {
					retry = job.RetryNextAt.Format(time.RFC3339)
				}
				rows = append(rows, []string{
					strconv.FormatInt(job.ID, 10),
					strconv.FormatInt(job.TranscriptID, 10),
					job.Status,
					strconv.Itoa(job.Attempts),
					strconv.FormatBool(job.Force),
					retry,
					job.Error,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Transcript", "Status", "Attempts", "Force", "Retry At", "Error"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Show queue depths and dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			for name, depth := range status.QueueDepth {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", name, depth)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dead letters: %d\n", status.Health.DeadLetters)
			return nil
		},
	})

	return cmd
}

func newOutboxCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List notification email outbox rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			rows, err := client.Outbox(cmd.Context())
			if err != nil {
				return err
			}
			tableRows := make([][]string, 0, len(rows))
			for _, row := range rows {
				retry := ""
				if row.RetryNextAt != nil {
					retry = row.RetryNextAt.Format(time.RFC3339)
				}
				tableRows = append(tableRows, []string{
					strconv.FormatInt(row.ID, 10),
					strconv.FormatInt(row.AnalysisID, 10),
					row.Recipient,
					row.Status,
					strconv.Itoa(row.Attempts),
					retry,
					row.LastError,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Analysis", "Recipient", "Status", "Attempts", "Retry At", "Error"},
				tableRows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
