// Package scheduler runs recurring background jobs on cron schedules.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with logging.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a stopped Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// AddJob registers fn under a cron schedule ("@daily", "0 6 * * MON-FRI", ...).
func (s *Scheduler) AddJob(schedule, name string, fn func() error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.logger.Info("scheduled job starting", slog.String("job", name))
		if err := fn(); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("scheduled job finished", slog.String("job", name))
	})
	return err
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
