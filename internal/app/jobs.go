/**
 * @description
 * Scheduled job implementations for the allowance service.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DuePassRunner runs a single due-order pass.
type DuePassRunner interface {
	ProcessDueReport(ctx context.Context, now time.Time) (PassReport, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner      DuePassRunner
	lock        PassLock
	metrics     PassMetrics
	clock       Clock
	logger      *slog.Logger
	passTimeout time.Duration
}

// NewJobs creates a new Jobs runner. lock and metrics may be nil.
func NewJobs(runner DuePassRunner, lock PassLock, metrics PassMetrics, clock Clock, logger *slog.Logger, passTimeout time.Duration) *Jobs {
	if lock == nil {
		lock = NoopPassLock{}
	}
	return &Jobs{
		runner:      runner,
		lock:        lock,
		metrics:     metrics,
		clock:       clock,
		logger:      logger,
		passTimeout: passTimeout,
	}
}

// ProcessDueOrders is the cron entry point for the due-order pass.
func (j *Jobs) ProcessDueOrders() {
	j.logger.Info("starting due order job")

	report, err := j.RunDuePass(context.Background())
	if err != nil {
		if errors.Is(err, ErrPassInProgress) {
			j.logger.Info("due order pass already running elsewhere, skipping")
			return
		}
		j.logger.Error("due order job failed", "error", err)
		return
	}

	j.logger.Info("due order job finished",
		"due_orders", report.DueOrders,
		"applied", report.Applied,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"occurrences", report.Occurrences,
	)
}

// RunDuePass takes the pass lock, processes due orders at the clock's current instant
// and records metrics. It returns ErrPassInProgress when the lock is held elsewhere.
func (j *Jobs) RunDuePass(ctx context.Context) (PassReport, error) {
	if j.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.passTimeout)
		defer cancel()
	}

	token, ok, err := j.lock.TryAcquire(ctx)
	if err != nil {
		return PassReport{}, err
	}
	if !ok {
		return PassReport{}, ErrPassInProgress
	}
	defer func() {
		// Release even when the pass context has expired.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.lock.Release(releaseCtx, token); err != nil {
			j.logger.Warn("failed to release due order pass lock", "error", err)
		}
	}()

	now := j.clock.Now().UTC()
	report, passErr := j.runner.ProcessDueReport(ctx, now)

	if j.metrics != nil {
		if err := j.metrics.RecordPass(ctx, now, report, passErr); err != nil {
			j.logger.Warn("failed to record due order pass metrics", "error", err)
		}
	}
	return report, passErr
}
