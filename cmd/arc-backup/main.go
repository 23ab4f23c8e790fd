package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-backup/internal/cli"
	"github.com/gezibash/arc-backup/internal/config"
	"github.com/gezibash/arc-backup/internal/scanner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		if errors.Is(err, cli.ErrPartial) {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "arc-backup",
		Short: "Content-addressed backup reconciliation",
		Long: `arc-backup keeps backup drives in sync with a source drive by content.

Pipeline, per backup drive:
  arc-backup scrub <drive>       Hash every new file on a drive into the inventory
  arc-backup scan <drive>        Like scrub, trusting blob names on backup drives
  arc-backup migrate <backup>    Move source content already on the drive into current/
  arc-backup mark <backup>       Assign source files to blobs in current/
  arc-backup fill <backup>       Copy unassigned source files into current/
  arc-backup receipt <backup>    Write the inventory to the drive

Generation rollover and recovery:
  arc-backup deprecate <backup>  Retire current/ into deprecated/
  arc-backup restorefs <backup>  Rebuild original trees from deprecated/
  arc-backup restoredb <drive>   Import the newest receipt on a drive`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindFlags(rootCmd, v)

	rootCmd.AddCommand(
		newDriveCmd(v, "scrub <drive>", "Hash and index every new file on a drive", func(d string) runFunc { return cli.Scan(scanner.ModeScrub, d) }),
		newDriveCmd(v, "scan <drive>", "Index a drive, trusting blob names under current/", func(d string) runFunc { return cli.Scan(scanner.ModeScan, d) }),
		newDriveCmd(v, "migrate <backup-drive>", "Move source content on a backup drive into current/", cli.Migrate),
		newDriveCmd(v, "mark <backup-drive>", "Assign source files to the blobs a backup drive holds", cli.Mark),
		newDriveCmd(v, "fill <backup-drive>", "Copy unassigned source files onto a backup drive", cli.Fill),
		newDriveCmd(v, "receipt <backup-drive>", "Write the inventory to a backup drive", cli.Receipt),
		newDriveCmd(v, "deprecate <backup-drive>", "Move current/ blobs into deprecated/", cli.Deprecate),
		newDriveCmd(v, "restorefs <backup-drive>", "Rebuild original trees from deprecated/ blobs", cli.Restore),
		newDriveCmd(v, "restoredb <drive>", "Import the newest receipt on a drive", cli.RestoreDB),
		newStatusCmd(v),
		newVersionCmd(),
	)

	return rootCmd.ExecuteContext(ctx)
}
