package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"banxico-rate-alerts/internal/alerting"
	"banxico-rate-alerts/internal/config"
	"banxico-rate-alerts/internal/fetcher"
	"banxico-rate-alerts/internal/scheduler"
	"banxico-rate-alerts/internal/service"
	"banxico-rate-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), out: os.Stdout}
}

// SetOutput redirects human-readable command output.
func (a *App) SetOutput(w io.Writer) {
	a.out = w
}

func (a *App) newSource() (*fetcher.Banxico, error) {
	if err := a.Config.Banxico.ValidateSource(); err != nil {
		return nil, err
	}
	cfg := a.Config.Banxico
	return fetcher.NewBanxico(fetcher.BanxicoOptions{
		BaseURL:   cfg.BaseURL,
		SeriesID:  cfg.SeriesID,
		Token:     cfg.Token,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
		Location:  cfg.Location(),
	}, a.Logger), nil
}

// newNotifier builds one notifier per configured channel. Credentials are
// checked here rather than at load time.
func (a *App) newNotifier() (alerting.Notifier, error) {
	fanout := alerting.NewFanout(a.Logger)

	for _, ch := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case config.ChannelEmail:
			cfg := a.Config.Alerting.Email
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			fanout.Add(config.ChannelEmail, alerting.NewEmailNotifier(alerting.EmailOptions{
				Host:          cfg.SMTPHost,
				Port:          cfg.SMTPPort,
				Username:      cfg.Username,
				Password:      cfg.Password,
				Sender:        cfg.Sender,
				Recipient:     cfg.Recipient,
				Timeout:       cfg.Timeout,
				AllowInsecure: !cfg.RequireTLS,
			}, a.Logger))
		case config.ChannelTelegram:
			cfg := a.Config.Alerting.Telegram
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			fanout.Add(config.ChannelTelegram, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
		}
	}

	if fanout.Len() == 0 {
		return nil, errors.New("no alert channel configured (alerting.channels)")
	}
	return fanout, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore is openStore for commands that cannot work without history.
func (a *App) requireStore(ctx context.Context, what string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", what)
	}
	return store, closeStore, nil
}

// newService wires a service with optional history. store may be nil.
func (a *App) newService(sched *scheduler.Scheduler, source fetcher.RateSource, notifier alerting.Notifier, store *storage.Store) *service.Service {
	var checks storage.CheckStore
	if store != nil {
		checks = store
	}
	return service.New(a.Config, sched, source, notifier, checks, a.Logger)
}

// Check runs a single rate check and returns its error, if any.
func (a *App) Check(ctx context.Context) error {
	source, err := a.newSource()
	if err != nil {
		return err
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc := a.newService(nil, source, notifier, store)
	report, err := svc.Check(ctx)
	a.printReport(report)
	return err
}

// Watch runs checks on the configured schedule until interrupted.
func (a *App) Watch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source, err := a.newSource()
	if err != nil {
		return err
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; check history disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		Offset:       a.Config.Scheduler.Offset,
		Location:     a.Config.Banxico.Location(),
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.newService(sched, source, notifier, store)

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Str("threshold_bp", svc.Threshold().String()).
		Msg("starting rate watch")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate watch stopped")
	return nil
}

// Migrate creates or updates the check history schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx, "migrate")
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema migrated")
	return nil
}

// Prune deletes check history older than the retention window.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	olderThan := opts.OlderThan
	if olderThan <= 0 {
		olderThan = a.Config.Database.Retention
	}
	if olderThan <= 0 {
		return errors.New("no retention configured; pass --older-than or set database.retention")
	}

	store, closeStore, err := a.requireStore(ctx, "prune")
	if err != nil {
		return err
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted, err := store.DeleteChecksBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("pruned check history")
	return nil
}

func (a *App) printReport(report service.Report) {
	if report.Change == nil {
		fmt.Fprintf(a.out, "check %s at stage %s\n", report.Outcome, report.Stage)
		return
	}
	c := report.Change
	fmt.Fprintf(a.out, "current:   %s (%s)\n", c.Current.Value.String(), c.Current.Date())
	fmt.Fprintf(a.out, "previous:  %s (%s)\n", c.Previous.Value.String(), c.Previous.Date())
	fmt.Fprintf(a.out, "change:    %s bp (threshold %s bp)\n", c.ChangeBP.StringFixed(1), c.ThresholdBP.String())
	fmt.Fprintf(a.out, "notified:  %t\n", report.Notified)
	fmt.Fprintf(a.out, "outcome:   %s\n", report.Outcome)
}

// ExportOptions hold parameters for exporting check history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit int
}

// PruneOptions configure the prune command.
type PruneOptions struct {
	OlderThan time.Duration
}
