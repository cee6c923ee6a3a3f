package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"banxico-rate-alerts/internal/alerting"
	"banxico-rate-alerts/internal/config"
	"banxico-rate-alerts/internal/failure"
	"banxico-rate-alerts/internal/fetcher"
	"banxico-rate-alerts/internal/rates"
	"banxico-rate-alerts/internal/scheduler"
	"banxico-rate-alerts/internal/storage"
)

// Stage is a step of a single rate check.
type Stage string

const (
	StageFetching   Stage = "fetching"
	StageEvaluating Stage = "evaluating"
	StageNotifying  Stage = "notifying"
	StageDone       Stage = "done"
)

// Outcome is the terminal state of a check.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
)

// Report describes how far a check got and what it found.
type Report struct {
	RunID     string
	StartedAt time.Time
	Stage     Stage
	Outcome   Outcome
	Current   *rates.RatePoint
	Previous  *rates.RatePoint
	Change    *rates.Change
	Notified  bool
	Err       error
}

// Service orchestrates fetching, evaluation, alerting and optional history.
type Service struct {
	scheduler *scheduler.Scheduler
	source    fetcher.RateSource
	notifier  alerting.Notifier
	store     storage.CheckStore
	logger    zerolog.Logger

	seriesID  string
	threshold decimal.Decimal
	lookback  int
	channels  []string
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time
}

// New constructs the rate check service. sched and store may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, source fetcher.RateSource, notifier alerting.Notifier, store storage.CheckStore, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		source:    source,
		notifier:  notifier,
		store:     store,
		logger:    logger.With().Str("component", "service").Logger(),
		seriesID:  cfg.Banxico.SeriesID,
		threshold: decimal.NewFromFloat(cfg.Alerting.ThresholdBP),
		lookback:  cfg.Check.LookbackDays,
		channels:  cfg.Alerting.Channels,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		now:       time.Now,
	}
}

// Threshold returns the configured alert threshold in basis points.
func (s *Service) Threshold() decimal.Decimal {
	return s.threshold
}

// Run begins the scheduled check loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行一次调度触发的检查, 多副本部署时由 advisory lock 保证只有一个实例执行。
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.Check(ctx)
	return err
}

// Check runs Fetching → Evaluating → (Notifying | Done) once.
// The returned error is non-nil exactly when the report's outcome is Failed.
func (s *Service) Check(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.New().String(), StartedAt: s.now().UTC()}
	log := s.logger.With().Str("run_id", report.RunID).Logger()
	s.enter(log, &report, StageFetching)

	current, err := s.source.FetchCurrent(ctx)
	if err != nil {
		return s.fail(ctx, log, report, fmt.Errorf("fetch current rate: %w", err))
	}
	report.Current = &current

	previous, err := s.source.FetchHistorical(ctx, current.ObservedOn, s.lookback)
	if err != nil {
		return s.fail(ctx, log, report, fmt.Errorf("fetch historical rate: %w", err))
	}
	report.Previous = &previous

	s.enter(log, &report, StageEvaluating)
	change := rates.Evaluate(current, previous, s.threshold)
	report.Change = &change

	log.Info().
		Str("current", current.Value.String()).
		Str("current_date", current.Date()).
		Str("previous", previous.Value.String()).
		Str("previous_date", previous.Date()).
		Str("change_bp", change.ChangeBP.StringFixed(1)).
		Str("threshold_bp", s.threshold.String()).
		Msg("rate change evaluated")

	if !change.MeetsThreshold {
		log.Info().Msg("rate drop below threshold; no notification sent")
		s.enter(log, &report, StageDone)
		return s.succeed(ctx, log, report)
	}

	s.enter(log, &report, StageNotifying)
	if s.notifier == nil {
		return s.fail(ctx, log, report, failure.New(failure.DeliveryError, "notify", "no notifier configured"))
	}

	note := alerting.Notification{
		Change:   change,
		SeriesID: s.seriesID,
		Channels: s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		return s.fail(ctx, log, report, fmt.Errorf("send notification: %w", err))
	}
	report.Notified = true

	s.enter(log, &report, StageDone)
	return s.succeed(ctx, log, report)
}

func (s *Service) enter(log zerolog.Logger, report *Report, stage Stage) {
	report.Stage = stage
	log.Debug().Str("stage", string(stage)).Msg("check stage")
}

func (s *Service) succeed(ctx context.Context, log zerolog.Logger, report Report) (Report, error) {
	report.Outcome = Succeeded
	s.record(ctx, log, report)
	log.Info().Bool("notified", report.Notified).Msg("rate check completed")
	return report, nil
}

func (s *Service) fail(ctx context.Context, log zerolog.Logger, report Report, err error) (Report, error) {
	report.Outcome = Failed
	report.Err = err
	s.record(ctx, log, report)

	kind := failure.KindOf(err)
	if kind == "" && errors.Is(err, context.Canceled) {
		kind = "canceled"
	}
	log.Error().Err(err).
		Str("stage", string(report.Stage)).
		Str("kind", string(kind)).
		Msg("rate check failed")
	return report, err
}

func (s *Service) record(ctx context.Context, log zerolog.Logger, report Report) {
	if s.store == nil {
		return
	}

	rec := ToRecord(report, s.seriesID, s.threshold)
	// record even when ctx was cancelled mid-check
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.store.InsertCheck(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to persist check record")
	}
}

// ToRecord flattens a report into a history row.
func ToRecord(report Report, seriesID string, threshold decimal.Decimal) storage.CheckRecord {
	rec := storage.CheckRecord{
		RunID:       report.RunID,
		CheckedAt:   report.StartedAt,
		SeriesID:    seriesID,
		ThresholdBP: threshold,
		Notified:    report.Notified,
		Stage:       string(report.Stage),
		Outcome:     string(report.Outcome),
	}
	if report.Current != nil {
		v, d := report.Current.Value, report.Current.ObservedOn
		rec.CurrentRate, rec.CurrentDate = &v, &d
	}
	if report.Previous != nil {
		v, d := report.Previous.Value, report.Previous.ObservedOn
		rec.PreviousRate, rec.PreviousDate = &v, &d
	}
	if report.Change != nil {
		c := report.Change.ChangeBP
		rec.ChangeBP = &c
		rec.MeetsThreshold = report.Change.MeetsThreshold
	}
	if report.Err != nil {
		msg := report.Err.Error()
		rec.Error = &msg
		if kind := failure.KindOf(report.Err); kind != "" {
			k := string(kind)
			rec.ErrorKind = &k
		}
	}
	return rec
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
