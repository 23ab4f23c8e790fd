package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-backup/internal/cli"
)

type runFunc = func(context.Context, *cli.Runtime, *cli.Output) error

func commandConfig(cmd *cobra.Command, v *viper.Viper, run runFunc) cli.CommandConfig {
	configFile, _ := cmd.Flags().GetString("config")
	output, _ := cmd.Flags().GetString("output")
	return cli.CommandConfig{
		Name:       cmd.Name(),
		Viper:      v,
		ConfigFile: configFile,
		Format:     cli.ParseFormat(output),
		Run:        run,
	}
}

// newDriveCmd builds a mode that takes a single drive name.
func newDriveCmd(v *viper.Viper, use, short string, mode func(drive string) runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cmd.Context(), commandConfig(cmd, v, mode(strings.TrimSpace(args[0]))))
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show inventory partitions and unassigned counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.RunCommand(cmd.Context(), commandConfig(cmd, v, cli.Status))
		},
	}
}
