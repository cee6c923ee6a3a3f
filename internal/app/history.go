package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"banxico-rate-alerts/internal/storage"
)

// History prints recent recorded checks, newest first.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show history")
	if err != nil {
		return err
	}
	defer closeStore()

	checks, err := store.ListRecentChecks(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		fmt.Fprintln(a.out, "no checks recorded")
		return nil
	}

	writeHistoryTable(a.out, checks)
	return nil
}

func writeHistoryTable(w io.Writer, checks []storage.CheckRecord) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checked (UTC)\tCurrent\tPrevious\tChange bp\tThreshold\tNotified\tOutcome\tError")

	for _, rec := range checks {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			rec.CheckedAt.UTC().Format(time.RFC3339),
			formatObservation(rec.CurrentRate, rec.CurrentDate),
			formatObservation(rec.PreviousRate, rec.PreviousDate),
			formatNullable(rec.ChangeBP, 1),
			rec.ThresholdBP.String(),
			rec.Notified,
			rec.Outcome,
			errMsg,
		)
	}

	writer.Flush()
}

func formatObservation(v *decimal.Decimal, d *time.Time) string {
	if v == nil {
		return "-"
	}
	if d == nil {
		return v.String()
	}
	return fmt.Sprintf("%s@%s", v.String(), d.Format("2006-01-02"))
}

func formatNullable(d *decimal.Decimal, places int32) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
