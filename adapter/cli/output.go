package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/felixgeelhaar/staysync/internal/reservations/application"
	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, r *application.RunReport) {
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s on %s%s finished in %s\n", r.RunID, r.Environment, mode, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  new=%d modified=%d removed=%d unchanged=%d flag_updates=%d\n",
		r.New, r.Modified, r.Removed, r.Unchanged, r.FlagUpdates)

	if len(r.Sources) > 0 {
		fmt.Fprintln(w, "Sources:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, s := range r.Sources {
			status := "ok"
			switch {
			case !s.Fetched:
				status = "FAILED"
			case s.NotModified:
				status = "unchanged"
			}
			detail := fmt.Sprintf("%d events", s.Events)
			if s.NormalizeErrors > 0 {
				detail += fmt.Sprintf(", %d rejected", s.NormalizeErrors)
			}
			if s.Error != "" {
				detail = s.Error
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", s.SourceID, status, detail)
		}
		tw.Flush()
	}

	printList(w, "Errors", r.Errors)
	printList(w, "Warnings", r.Warnings)
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", title, len(items))
	for _, item := range items {
		fmt.Fprintf(w, "  - %s\n", item)
	}
}

func printRecords(w io.Writer, records []domain.ReservationRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tSTATUS\tSOURCE\tCHECK-IN\tCHECK-OUT\tTYPE\tGUEST\tFLAGS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.UID, r.Status, r.Source,
			domain.FormatDate(r.CheckIn), domain.FormatDate(r.CheckOut),
			r.EntryType, dash(r.GuestOrOwnerName), flagList(r.Flags))
	}
	tw.Flush()
}

func flagList(f domain.DerivedFlags) string {
	var out []string
	if f.Overlapping {
		out = append(out, "overlapping")
	}
	if f.SameDayTurnover {
		out = append(out, "same-day-turnover")
	}
	if f.LongTermGuest {
		out = append(out, "long-term")
	}
	if f.OwnerArriving {
		out = append(out, "owner-arriving")
	}
	return dash(strings.Join(out, ","))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
