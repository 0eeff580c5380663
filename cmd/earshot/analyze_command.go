package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"earshot/internal/api"
)

func apiArticleRequest(quarter string, year int) api.ArticleRequest {
	return api.ArticleRequest{Quarter: quarter, Year: year}
}

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var force bool
	var quarter string
	var year int

	cmd := &cobra.Command{
		Use:   "analyze <equity-id>",
		Short: "Queue an analysis for an equity's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			equityID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid equity id %q", args[0])
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Analyze(cmd.Context(), equityID, api.AnalyzeRequest{
				Force:   force,
				Quarter: quarter,
				Year:    year,
			})
			if err != nil {
				return err
			}
			if resp.AlreadyQueued {
				fmt.Fprintf(cmd.OutOrStdout(), "analysis already queued (job %d)\n", resp.JobID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "analysis queued: job %d for transcript %d\n", resp.JobID, resp.TranscriptID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-analyze even when a done analysis exists")
	cmd.Flags().StringVar(&quarter, "quarter", "", "Fiscal quarter (defaults to the current target)")
	cmd.Flags().IntVar(&year, "year", 0, "Fiscal year")
	return cmd
}
