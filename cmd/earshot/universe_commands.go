package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"earshot/internal/store"
)

func newWatchlistCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchlist",
		Short: "Manage the high-priority watchlist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <symbol>",
		Short: "Add an equity to the watchlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			equity, err := st.GetEquityBySymbol(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("unknown equity %q; ingest it first", args[0])
			}
			if err != nil {
				return err
			}
			if err := st.AddToWatchlist(cmd.Context(), equity.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s added to watchlist\n", equity.Symbol)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <symbol>",
		Short: "Remove an equity from the watchlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			equity, err := st.GetEquityBySymbol(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := st.RemoveFromWatchlist(cmd.Context(), equity.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from watchlist\n", equity.Symbol)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List watchlisted equities",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ids, err := st.ListWatchlist(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				equity, err := st.GetEquity(cmd.Context(), id)
				if err != nil {
					return err
				}
				rows = append(rows, []string{strconv.FormatInt(equity.ID, 10), equity.Symbol, equity.Name})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Symbol", "Name"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	})

	return cmd
}

func newGroupCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage research groups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			groups, err := st.ListGroups(cmd.Context(), false)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(groups))
			for _, group := range groups {
				members, err := st.ListGroupMembers(cmd.Context(), group.ID)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					strconv.FormatInt(group.ID, 10),
					group.Name,
					strconv.FormatBool(group.IsActive),
					strconv.Itoa(len(members)),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Name", "Active", "Members"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	})

	var quarter string
	var year int
	research := &cobra.Command{
		Use:   "research <group-id>",
		Short: "Force a group research run for a quarter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid group id %q", args[0])
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			run, err := client.ForceArticle(cmd.Context(), groupID, apiArticleRequest(quarter, year))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "research run %d for group %d (%s FY%d): %s\n",
				run.ID, run.GroupID, run.Quarter, run.Year, run.Status)
			return nil
		},
	}
	research.Flags().StringVar(&quarter, "quarter", "", "Fiscal quarter (Q1-Q4)")
	research.Flags().IntVar(&year, "year", 0, "Fiscal year")
	_ = research.MarkFlagRequired("quarter")
	_ = research.MarkFlagRequired("year")
	cmd.AddCommand(research)

	return cmd
}
