package syncer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/fault"
)

// Cycler runs one sync cycle.
type Cycler interface {
	Run(ctx context.Context) Report
}

// Scheduler repeats sync cycles: every interval after a success, after an
// exponential backoff after a failure, and immediately on Trigger.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	backoff  *backoff.ExponentialBackOff
	trigger  chan struct{}
	log      *zap.Logger
	observe  func(Report, time.Duration)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBackoff sets the first and the largest retry delay after failures.
func WithBackoff(initial, max time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if initial > 0 {
			s.backoff.InitialInterval = initial
		}
		if max > 0 {
			s.backoff.MaxInterval = max
		}
	}
}

// WithJitter sets the backoff randomization factor (0 disables jitter).
func WithJitter(factor float64) SchedulerOption {
	return func(s *Scheduler) { s.backoff.RandomizationFactor = factor }
}

// WithSchedulerLogger sets the logger. Defaults to a no-op logger.
func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithObserver is called after every cycle with its report and the delay
// before the next one.
func WithObserver(fn func(Report, time.Duration)) SchedulerOption {
	return func(s *Scheduler) { s.observe = fn }
}

// NewScheduler runs c every interval.
func NewScheduler(c Cycler, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Minute
	// Retry forever; the scheduler only stops with its context.
	b.MaxElapsedTime = 0

	s := &Scheduler{
		cycler:   c,
		interval: interval,
		backoff:  b,
		trigger:  make(chan struct{}, 1),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backoff.Reset()
	return s
}

// Trigger requests an immediate cycle, e.g. when connectivity returns.
// Requests made while one is already pending coalesce into one cycle.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done. The first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		rep := s.cycler.Run(ctx)

		var wait time.Duration
		switch {
		case rep.OK():
			s.backoff.Reset()
			wait = s.interval
		case fault.IsBusy(rep.Err):
			// Someone else is syncing; their outcome is as good as ours.
			wait = s.interval
		default:
			wait = s.backoff.NextBackOff()
			if ra := rep.Pushed.RetryAfter; ra > wait {
				wait = ra
			}
		}
		if s.observe != nil {
			s.observe(rep, wait)
		}
		s.log.Debug("next sync scheduled", zap.Duration("in", wait), zap.Bool("last_ok", rep.OK()))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}
