package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"banxico-rate-alerts/internal/rates"
)

// Probe queries the SIE API the same way a check does and prints what it
// would compare. Nothing is sent or recorded.
func (a *App) Probe(ctx context.Context) error {
	source, err := a.newSource()
	if err != nil {
		return err
	}

	current, err := source.FetchCurrent(ctx)
	if err != nil {
		return fmt.Errorf("fetch current rate: %w", err)
	}
	fmt.Fprintf(a.out, "series:    %s\n", source.SeriesID())
	fmt.Fprintf(a.out, "current:   %s (%s)\n", current.Value.String(), current.Date())

	previous, err := source.FetchHistorical(ctx, current.ObservedOn, a.Config.Check.LookbackDays)
	if err != nil {
		return fmt.Errorf("fetch historical rate: %w", err)
	}
	fmt.Fprintf(a.out, "previous:  %s (%s)\n", previous.Value.String(), previous.Date())

	change := rates.Evaluate(current, previous, decimal.NewFromFloat(a.Config.Alerting.ThresholdBP))
	fmt.Fprintf(a.out, "change:    %s bp (%s%%)\n", change.ChangeBP.StringFixed(1), change.ChangePct().StringFixed(2))
	fmt.Fprintf(a.out, "would alert: %t (threshold %s bp)\n", change.MeetsThreshold, change.ThresholdBP.String())
	return nil
}
