package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"banxico-rate-alerts/internal/rates"
	"banxico-rate-alerts/internal/storage"
)

// Export renders recorded checks as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	checks, err := store.ListChecksBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		a.Logger.Info().Msg("no checks found for export window")
		return nil
	}

	downsampled := downsampleChecks(checks, opts.MaxPoints)
	a.Logger.Info().Int("total", len(checks)).Int("exported", len(downsampled)).Msg("exporting checks")

	if opts.CSVPath != "" {
		if err := writeChecksCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeChecksPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleChecks(checks []storage.CheckRecord, max int) []storage.CheckRecord {
	if max <= 0 || len(checks) <= max {
		return checks
	}
	if max == 1 {
		return checks[len(checks)-1:]
	}

	result := make([]storage.CheckRecord, 0, max)
	step := float64(len(checks)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(checks) {
			idx = len(checks) - 1
		}
		result = append(result, checks[idx])
	}
	return result
}

var csvHeader = []string{
	"checked_at", "series_id",
	"current_rate", "current_date", "previous_rate", "previous_date",
	"change_bp", "threshold_bp", "meets_threshold", "notified",
	"stage", "outcome", "error_kind", "error",
}

func writeChecksCSV(path string, checks []storage.CheckRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range checks {
		row := []string{
			rec.CheckedAt.UTC().Format(time.RFC3339),
			rec.SeriesID,
			decimalCell(rec.CurrentRate),
			dateCell(rec.CurrentDate),
			decimalCell(rec.PreviousRate),
			dateCell(rec.PreviousDate),
			decimalCell(rec.ChangeBP),
			rec.ThresholdBP.String(),
			strconv.FormatBool(rec.MeetsThreshold),
			strconv.FormatBool(rec.Notified),
			rec.Stage,
			rec.Outcome,
			stringCell(rec.ErrorKind),
			stringCell(rec.Error),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeChecksPNG plots the current rate and the bp change of every check that
// got as far as fetching a current rate.
func writeChecksPNG(path string, checks []storage.CheckRecord) error {
	var (
		x      []time.Time
		rate   []float64
		change []float64
	)
	for _, rec := range checks {
		if rec.CurrentRate == nil {
			continue
		}
		x = append(x, rec.CheckedAt)
		rate = append(rate, rec.CurrentRate.InexactFloat64())
		if rec.ChangeBP != nil {
			change = append(change, rec.ChangeBP.InexactFloat64())
		} else {
			change = append(change, 0)
		}
	}
	if len(x) < 2 {
		return errors.New("need at least two checks with a current rate to draw a chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rate (%)",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Drop (bp)",
			ValueFormatter: rateFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Current rate",
				XValues: x,
				YValues: rate,
			},
			chart.TimeSeries{
				Name:    "Drop bp",
				XValues: x,
				YValues: change,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func decimalCell(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func dateCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(rates.DateLayout)
}

func stringCell(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
