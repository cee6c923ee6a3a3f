package fetcher

import (
	"context"
	"time"

	"banxico-rate-alerts/internal/rates"
)

// RateSource retrieves observations of a single published rate series.
type RateSource interface {
	FetchCurrent(ctx context.Context) (rates.RatePoint, error)
	FetchHistorical(ctx context.Context, excluding time.Time, lookbackDays int) (rates.RatePoint, error)
}
