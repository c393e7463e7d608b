package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepParser accepts standard 5-field cron expressions plus
// descriptors like @daily.
var sweepParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper periodically deletes sessions that have been idle longer than
// the configured retention window. Current sessions are never deleted;
// the purge skips every pointer target, so a recipient's resumable
// session survives any idle period.
type Sweeper struct {
	store    Store
	maxIdle  time.Duration
	schedule string
	logger   *slog.Logger

	cron    *cron.Cron
	nowFunc func() time.Time
}

// NewSweeper builds a retention sweeper. schedule is a cron expression
// (for example "0 3 * * *"); maxIdle is how long a non-current session
// may sit untouched before it is purged.
func NewSweeper(store Store, schedule string, maxIdle time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		maxIdle:  maxIdle,
		schedule: schedule,
		logger:   logger.With("component", "sessions.sweeper"),
		cron:     cron.New(cron.WithParser(sweepParser)),
		nowFunc:  time.Now,
	}
}

// Start schedules the sweep. It validates the cron expression and
// returns without starting anything when maxIdle is not positive.
func (s *Sweeper) Start() error {
	if s.maxIdle <= 0 {
		return errors.New("retention max idle must be positive")
	}
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started", "schedule", s.schedule, "max_idle", s.maxIdle)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one purge pass and returns how many sessions it deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.nowFunc().Add(-s.maxIdle)
	purged, err := s.store.PurgeIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("purged idle sessions", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}
