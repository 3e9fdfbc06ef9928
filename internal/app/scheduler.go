/**
 * @description
 * Cron scheduler setup for the due-order job.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// DueOrderSchedule returns the cron expression for the due-order job: override when set,
// otherwise every intervalSeconds.
func DueOrderSchedule(override string, intervalSeconds int) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	if intervalSeconds <= 0 {
		intervalSeconds = 60
	}
	return fmt.Sprintf("@every %ds", intervalSeconds)
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.ProcessDueOrders); err != nil {
		s.logger.Error("failed to schedule due order job", "schedule", s.schedule, "error", err)
		return fmt.Errorf("schedule due order job: %w", err)
	}
	s.logger.Info("scheduled due order job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done once the
// running pass, if any, has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
