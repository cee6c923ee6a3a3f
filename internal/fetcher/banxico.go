package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"banxico-rate-alerts/internal/failure"
	"banxico-rate-alerts/internal/rates"
	"banxico-rate-alerts/internal/version"
)

const (
	defaultBanxicoBaseURL = "https://www.banxico.org.mx/SieAPIRest/service/v1"
	defaultSeriesID       = "SF43936"
	tokenHeader           = "Bmx-Token"
	latestPathSuffix      = "datos/oportuno"
	maxErrorBodyBytes     = 512
)

// observation dates come back as DD/MM/YYYY; ISO dates are accepted for safety.
var observationDateLayouts = []string{"02/01/2006", rates.DateLayout}

// BanxicoOptions parameterise the SIE REST client.
type BanxicoOptions struct {
	BaseURL   string
	SeriesID  string
	Token     string
	Timeout   time.Duration
	UserAgent string
	Location  *time.Location
	Now       func() time.Time
}

// Banxico reads a rate series from Banco de México's SIE API.
type Banxico struct {
	opts    BanxicoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewBanxico constructs a SIE client.
func NewBanxico(opts BanxicoOptions, logger zerolog.Logger) *Banxico {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBanxicoBaseURL
	}
	if opts.SeriesID == "" {
		opts.SeriesID = defaultSeriesID
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Banxico{
		opts:    opts,
		logger:  logger.With().Str("component", "banxico_fetcher").Str("series", opts.SeriesID).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     now,
	}
}

// SeriesID returns the configured series identifier.
func (b *Banxico) SeriesID() string {
	return b.opts.SeriesID
}

// FetchCurrent returns the most recent published observation.
func (b *Banxico) FetchCurrent(ctx context.Context) (rates.RatePoint, error) {
	const op = "fetch current"

	observations, err := b.fetchObservations(ctx, op, latestPathSuffix)
	if err != nil {
		return rates.RatePoint{}, err
	}

	latest, err := observations[0].point(op)
	if err != nil {
		return rates.RatePoint{}, err
	}
	b.logger.Info().Str("rate", latest.Value.String()).Str("date", latest.Date()).Msg("current rate")
	return latest, nil
}

// FetchHistorical returns the most recent observation within the lookback window
// whose date differs from excluding.
func (b *Banxico) FetchHistorical(ctx context.Context, excluding time.Time, lookbackDays int) (rates.RatePoint, error) {
	const op = "fetch historical"

	if lookbackDays <= 0 {
		lookbackDays = 7
	}

	end := b.now().In(b.opts.Location)
	start := end.AddDate(0, 0, -lookbackDays)
	suffix := fmt.Sprintf("datos/%s/%s", start.Format(rates.DateLayout), end.Format(rates.DateLayout))

	observations, err := b.fetchObservations(ctx, op, suffix)
	if err != nil {
		return rates.RatePoint{}, err
	}

	// only the selected observation is converted; older days may carry N/E.
	for _, o := range observations {
		if rates.Day(o.observedOn).Equal(rates.Day(excluding)) {
			continue
		}
		p, err := o.point(op)
		if err != nil {
			return rates.RatePoint{}, err
		}
		b.logger.Info().Str("rate", p.Value.String()).Str("date", p.Date()).Msg("historical rate")
		return p, nil
	}

	return rates.RatePoint{}, failure.New(failure.NoSuitableHistoricalPoint, op,
		fmt.Sprintf("all %d observations between %s and %s fall on %s",
			len(observations), start.Format(rates.DateLayout), end.Format(rates.DateLayout), rates.Day(excluding).Format(rates.DateLayout)))
}

// fetchObservations performs one GET and returns the dated observations, most recent first.
func (b *Banxico) fetchObservations(ctx context.Context, op, suffix string) ([]observation, error) {
	endpoint := fmt.Sprintf("%s/series/%s/%s", b.baseURL, b.opts.SeriesID, suffix)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, failure.Wrap(failure.SourceUnavailable, op, err)
	}
	req.Header.Set(tokenHeader, b.opts.Token)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	started := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, failure.Wrapf(failure.SourceUnavailable, op, err, "GET %s", suffix)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Wrapf(failure.SourceUnavailable, op, err, "read response body")
	}

	b.logger.Debug().Str("path", suffix).Int("status", resp.StatusCode).Dur("duration", time.Since(started)).Msg("sie request completed")

	if resp.StatusCode != http.StatusOK {
		return nil, failure.New(failure.SourceUnavailable, op, parseHTTPError(resp.StatusCode, payload))
	}

	return parseSeries(op, payload)
}

type seriesResponse struct {
	BMX *struct {
		Series []struct {
			IDSerie string `json:"idSerie"`
			Titulo  string `json:"titulo"`
			Datos   []struct {
				Fecha string `json:"fecha"`
				Dato  string `json:"dato"`
			} `json:"datos"`
		} `json:"series"`
	} `json:"bmx"`
}

// observation is a dated SIE entry whose value has not been converted yet.
type observation struct {
	observedOn time.Time
	fecha      string
	dato       string
}

func (o observation) point(op string) (rates.RatePoint, error) {
	value, err := parseObservationValue(o.dato)
	if err != nil {
		return rates.RatePoint{}, failure.Wrapf(failure.SourceParseError, op, err, "parse value %q for %s", o.dato, o.fecha)
	}
	return rates.NewRatePoint(value, o.observedOn), nil
}

func parseSeries(op string, payload []byte) ([]observation, error) {
	var res seriesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, failure.Wrapf(failure.SourceParseError, op, err, "decode response")
	}

	if res.BMX == nil || len(res.BMX.Series) == 0 {
		return nil, failure.New(failure.SourceDataMissing, op, "response contains no series")
	}

	datos := res.BMX.Series[0].Datos
	if len(datos) == 0 {
		return nil, failure.New(failure.SourceDataMissing, op, "series contains no observations")
	}

	observations := make([]observation, 0, len(datos))
	for _, d := range datos {
		observedOn, err := parseObservationDate(d.Fecha)
		if err != nil {
			return nil, failure.Wrapf(failure.SourceParseError, op, err, "parse date %q", d.Fecha)
		}
		observations = append(observations, observation{observedOn: observedOn, fecha: d.Fecha, dato: d.Dato})
	}

	// range queries come back oldest first; callers always want the newest first.
	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].observedOn.After(observations[j].observedOn)
	})

	return observations, nil
}

func parseObservationDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range observationDateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parseObservationValue(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	return decimal.NewFromString(cleaned)
}

type errorResponse struct {
	Error *struct {
		Mensaje string `json:"mensaje"`
		Detalle string `json:"detalle"`
	} `json:"error"`
}

func parseHTTPError(status int, payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error != nil {
		if apiErr.Error.Detalle != "" {
			return fmt.Sprintf("sie api error (%d): %s", status, apiErr.Error.Detalle)
		}
		if apiErr.Error.Mensaje != "" {
			return fmt.Sprintf("sie api error (%d): %s", status, apiErr.Error.Mensaje)
		}
	}
	body := strings.TrimSpace(string(payload))
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	if body != "" {
		return fmt.Sprintf("sie api error (%d): %s", status, body)
	}
	return fmt.Sprintf("sie api error (%d)", status)
}

var _ RateSource = (*Banxico)(nil)
