package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/staysync/internal/app"
	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

var (
	syncDryRun        bool
	syncReferenceDate string
	syncJSON          bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass over every enabled source",
	Long: `Fetch every enabled source, reconcile the bookings into the record
store and print the run report.

Examples:
  staysync sync
  staysync sync --env prod
  staysync sync --dry-run --reference-date 2025-06-01`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SyncOptions{DryRun: syncDryRun}
		if syncReferenceDate != "" {
			ref, err := domain.ParseDate(syncReferenceDate)
			if err != nil {
				return fmt.Errorf("invalid --reference-date: %w", err)
			}
			opts.ReferenceDate = ref
		}

		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		report, err := c.SyncService(opts).Run(cmd.Context())
		if err != nil {
			return err
		}

		if !opts.DryRun && cfg.OutboxProcessorEnabled {
			if err := c.OutboxProcessor.ProcessOnce(cmd.Context()); err != nil {
				logger.Warn("outbox flush failed", observability.ErrorKey, err)
			}
		}

		if syncJSON {
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			printReport(cmd.OutOrStdout(), report)
		}
		if !report.Succeeded() {
			return fmt.Errorf("sync finished with %d errors", len(report.Errors))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "reconcile and report without writing")
	syncCmd.Flags().StringVar(&syncReferenceDate, "reference-date", "", "treat this day (YYYY-MM-DD) as today when deciding removals")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(syncCmd)
}
