package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newEquityCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "equity",
		Short: "Manage the tracked equity universe",
	}

	var altCode string
	var name string
	add := &cobra.Command{
		Use:   "add <symbol> <identifier>",
		Short: "Add or refresh an equity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			displayName := name
			if displayName == "" {
				displayName = args[0]
			}
			equity, err := st.UpsertEquity(cmd.Context(), args[0], altCode, args[1], displayName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "equity %d: %s (%s)\n", equity.ID, equity.Symbol, equity.Identifier)
			return nil
		},
	}
	add.Flags().StringVar(&altCode, "alt-code", "", "Alternate exchange code")
	add.Flags().StringVar(&name, "name", "", "Company name")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List equities",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			equities, err := st.ListEquities(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(equities))
			for _, equity := range equities {
				rows = append(rows, []string{
					strconv.FormatInt(equity.ID, 10),
					equity.Symbol,
					equity.AltCode,
					equity.Name,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Symbol", "Alt Code", "Name"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	})

	return cmd
}
