/**
 * @description
 * Cron scheduler setup for the verification-service housekeeping jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ExpirySweeper is the narrow view of the orchestrator the jobs need.
type ExpirySweeper interface {
	ExpireStalePending(ctx context.Context, window time.Duration) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper ExpirySweeper
	logger  *slog.Logger
	window  time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper ExpirySweeper, logger *slog.Logger, pendingExpiry time.Duration) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		logger:  logger,
		window:  pendingExpiry,
	}
}

// SweepExpiredVerifications fails PENDING sessions older than the expiry
// window so abandoned payment prompts do not linger forever.
func (j *Jobs) SweepExpiredVerifications() {
	j.logger.Info("starting verification expiry sweep")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	expired, err := j.sweeper.ExpireStalePending(ctx, j.window)
	if err != nil {
		j.logger.Error("verification expiry sweep failed", "error", err)
		return
	}

	j.logger.Info("verification expiry sweep finished", "expired", expired)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.SweepExpiredVerifications); err != nil {
		s.logger.Error("failed to schedule verification expiry sweep", "error", err)
	} else {
		s.logger.Info("scheduled verification expiry sweep", "schedule", s.schedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
