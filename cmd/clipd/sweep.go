package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"clipd/internal/blobstore"
	"clipd/internal/cleanup"
	"clipd/internal/logging"
	"clipd/internal/queue"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired blobs outside the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *queue.Store) error {
				return ctx.withGateway(cmd.Context(), func(gateway blobstore.Gateway) error {
					cleaner := cleanup.New(cfg, store, gateway, logging.NewNop())
					result, err := cleaner.Sweep(cmd.Context(), cleanup.SweepRequest{
						RetentionDays: retentionDays,
						DryRun:        dryRun,
					})
					if err != nil {
						return err
					}

					out := cmd.OutOrStdout()
					verb := "Deleted"
					if result.DryRun {
						verb = "Would delete"
					}
					fmt.Fprintf(out, "%s %d blobs (%s), retained %d\n",
						verb,
						result.DeletedCount,
						humanize.Bytes(uint64(result.DeletedBytes)),
						result.RetainedCount,
					)
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report deletions without performing them")
	cmd.Flags().IntVar(&retentionDays, "retention-days", -1, "Override the configured retention window")
	return cmd
}
