package workerapp

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const releaseTimeout = 5 * time.Second

type leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error)
}

type task struct {
	name string
	run  func(context.Context) error
}

// scheduler runs tasks under a named lease. Tasks are idempotent, so a
// failed lease acquisition runs the task anyway.
type scheduler struct {
	leases   leaser
	leaseTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func newScheduler(leases leaser, leaseTTL time.Duration, logger *zap.Logger) *scheduler {
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &scheduler{
		leases:   leases,
		leaseTTL: leaseTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// runOnce reports whether the task body ran.
func (s *scheduler) runOnce(ctx context.Context, t task) bool {
	if s.leases != nil {
		release, ok, err := s.leases.Acquire(ctx, t.name, s.leaseTTL)
		switch {
		case err != nil:
			s.logger.Warn("job lease unavailable, running without it", zap.String("job", t.name), zap.Error(err))
		case !ok:
			s.logger.Debug("job lease held elsewhere", zap.String("job", t.name))
			return false
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
				defer cancel()
				if err := release(releaseCtx); err != nil {
					s.logger.Warn("release job lease", zap.String("job", t.name), zap.Error(err))
				}
			}()
		}
	}

	if err := t.run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("job failed", zap.String("job", t.name), zap.Error(err))
	}
	return true
}

// every runs t immediately and then once per interval until ctx ends.
func (s *scheduler) every(ctx context.Context, interval time.Duration, t task) error {
	if interval <= 0 {
		s.logger.Info("job disabled", zap.String("job", t.name))
		return nil
	}

	s.runOnce(ctx, t)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

// daily runs t once a day at hour:minute UTC.
func (s *scheduler) daily(ctx context.Context, hour, minute int, t task) error {
	for {
		wait := nextDaily(s.now(), hour, minute).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.runOnce(ctx, t)
		}
	}
}

func nextDaily(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
