package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per scheduled slot.
type TickFunc func(ctx context.Context, slot time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToStart places slots at local midnight + Offset + n*Interval instead of
	// Interval after startup.
	AlignToStart bool
	Offset       time.Duration
	Location     *time.Location
	RunOnStart   bool
	StartupDelay time.Duration
}

// Scheduler drives periodic rate checks.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Run blocks, invoking tick at each slot until ctx is cancelled.
// Tick errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, tick, s.now())
	}

	next := s.nextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			// host slept past the slot; skip ahead rather than firing a burst
			next = s.nextTick(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_slot", next).Dur("delay", delay).Msg("waiting for next slot")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.execute(ctx, tick, next)
		next = s.nextTick(next)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, slot time.Time) {
	s.logger.Info().Time("slot", slot).Msg("executing scheduled check")
	if err := tick(ctx, slot); err != nil {
		s.logger.Error().Err(err).Time("slot", slot).Msg("scheduled check failed")
	}
}

// nextTick returns the first slot strictly after now.
func (s *Scheduler) nextTick(now time.Time) time.Time {
	interval := s.opts.Interval
	if !s.opts.AlignToStart {
		return now.Add(interval)
	}

	local := now.In(s.opts.Location)
	anchor := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.opts.Location).Add(s.opts.Offset)
	if anchor.After(now) {
		steps := anchor.Sub(now)/interval + 1
		anchor = anchor.Add(-steps * interval)
	}

	elapsed := now.Sub(anchor)
	return anchor.Add((elapsed/interval + 1) * interval)
}
