package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/staysync/internal/app"
	"github.com/felixgeelhaar/staysync/internal/reservations/application"
	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

var (
	ingestProperty string
	ingestDryRun   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <format> <source-tag> <file>",
	Short: "Reconcile a payload delivered outside the scheduled pass",
	Long: `Normalize a raw export and reconcile it immediately. The file is
taken as the complete current picture of every property it mentions.

Formats: csv, ics, caldav, portal.

Examples:
  staysync ingest csv owner-sheet ./exports/owner.csv
  staysync ingest ics airbnb ./beach.ics --property beach-house
  staysync ingest portal vrbo ./vrbo.json --dry-run`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		format := domain.SourceFormat(args[0])
		if !format.IsValid() {
			return fmt.Errorf("unknown format %q", args[0])
		}
		payload, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		src := domain.SourceDescriptor{
			ID:          "ingest:" + args[1],
			Tag:         args[1],
			PropertyRef: ingestProperty,
			Format:      format,
			Location:    args[2],
			Enabled:     true,
		}

		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		events, errs := c.Normalizers.Normalize(src, payload)
		for _, err := range errs {
			var ne *domain.NormalizationError
			if errors.As(err, &ne) && ne.Index < 0 {
				return fmt.Errorf("payload rejected: %w", err)
			}
			fmt.Fprintf(out, "  rejected: %v\n", err)
		}

		svc := c.SyncService(app.SyncOptions{DryRun: ingestDryRun})
		failed := 0
		for _, b := range groupByScope(src, events, errs) {
			sr, err := svc.ReconcileScope(cmd.Context(), b.scope, b.events, b.protected)
			if err != nil {
				failed++
				fmt.Fprintf(out, "%s: %v\n", b.scope, err)
				continue
			}
			fmt.Fprintf(out, "%s: new=%d modified=%d removed=%d unchanged=%d flag_updates=%d\n",
				b.scope, sr.New, sr.Modified, sr.Removed, sr.Unchanged, sr.FlagUpdates)
			for _, v := range sr.ValidationErrors {
				fmt.Fprintf(out, "  invalid: %s\n", v)
			}
			for _, w := range sr.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", w)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d scopes failed", failed)
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d entries rejected", len(errs))
		}
		return nil
	},
}

type ingestBatch struct {
	scope     domain.Scope
	events    []domain.BookingEvent
	protected []string
}

// groupByScope splits events per property. A single-property source always
// yields its scope, so an empty feed still removes its stays. Rejected
// entries that name their booking keep it in place.
func groupByScope(src domain.SourceDescriptor, events []domain.BookingEvent, errs []error) []ingestBatch {
	byScope := make(map[domain.Scope]*ingestBatch)
	ensure := func(s domain.Scope) *ingestBatch {
		b, ok := byScope[s]
		if !ok {
			b = &ingestBatch{scope: s}
			byScope[s] = b
		}
		return b
	}
	if !src.MultiProperty() {
		ensure(domain.Scope{Source: src.Tag, PropertyRef: src.PropertyRef})
	}
	for _, e := range events {
		b := ensure(e.Scope())
		b.events = append(b.events, e)
	}
	placed, unplaced := application.PlaceRejected(src, errs)
	for s, ids := range placed {
		b := ensure(s)
		b.protected = append(b.protected, ids...)
	}

	out := make([]ingestBatch, 0, len(byScope))
	for _, b := range byScope {
		b.protected = append(b.protected, unplaced...)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].scope.PropertyRef < out[j].scope.PropertyRef })
	return out
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestProperty, "property", "p", "", "property the payload belongs to (single-property feeds)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "reconcile and report without writing")
	rootCmd.AddCommand(ingestCmd)
}
