package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"earshot/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if ctx.configFlag != nil {
				path = *ctx.configFlag
			}
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sample configuration written to %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "data dir:    %s\n", cfg.Paths.DataDir)
			fmt.Fprintf(cmd.OutOrStdout(), "content dir: %s\n", cfg.Paths.ContentDir)
			fmt.Fprintf(cmd.OutOrStdout(), "log dir:     %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(cmd.OutOrStdout(), "database:    %s\n", cfg.DatabasePath())
			fmt.Fprintf(cmd.OutOrStdout(), "api bind:    %s\n", cfg.Paths.APIBind)
			return nil
		},
	})

	return cmd
}
