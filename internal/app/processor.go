/**
 * @description
 * The due-order processor. One pass loads every active order whose next run has
 * arrived, catches up each missed occurrence with its own ledger entry dated to the
 * scheduled instant, advances the schedule and persists everything as one batch.
 *
 * Only the initial query and the final batch write touch the store; the catch-up
 * itself is pure computation on a snapshot.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/recurrence"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/store"
	"github.com/shopspring/decimal"
)

// advanceNudge is added to an occurrence before deriving the next one, so the
// occurrence that was just paid can never be derived again.
const advanceNudge = time.Minute

// ErrScheduleStalled is returned for an order whose schedule failed to move forward.
var ErrScheduleStalled = errors.New("schedule did not advance")

// DueOrderRepository is the part of the store the processor depends on.
type DueOrderRepository interface {
	FindActiveDueOrders(ctx context.Context, now time.Time) ([]domain.ScheduledOrder, error)
	SaveBatch(ctx context.Context, batch store.Batch) (store.BatchResult, error)
}

// ZoneResolver maps an order's IANA zone id to a location; ok is false when the id was
// unknown and UTC was substituted.
type ZoneResolver interface {
	Lookup(zoneID string) (loc *time.Location, ok bool)
}

// PassReport summarizes one processing pass.
type PassReport struct {
	DueOrders   int
	Applied     int
	Skipped     int
	Failed      int
	Occurrences int
}

// Processor executes due-order passes.
type Processor struct {
	repo     DueOrderRepository
	zones    ZoneResolver
	notifier Notifier
	logger   *slog.Logger
}

// NewProcessor wires a processor. notifier may be nil.
func NewProcessor(repo DueOrderRepository, zones ZoneResolver, notifier Notifier, logger *slog.Logger) *Processor {
	return &Processor{repo: repo, zones: zones, notifier: notifier, logger: logger}
}

// ProcessDue runs one pass at now and returns the number of occurrences committed.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	report, err := p.ProcessDueReport(ctx, now)
	if err != nil {
		return 0, err
	}
	return report.Occurrences, nil
}

// ProcessDueReport is ProcessDue with per-pass counters.
func (p *Processor) ProcessDueReport(ctx context.Context, now time.Time) (PassReport, error) {
	var report PassReport
	now = now.UTC()

	orders, err := p.repo.FindActiveDueOrders(ctx, now)
	if err != nil {
		return report, fmt.Errorf("find due orders: %w", err)
	}
	report.DueOrders = len(orders)
	if len(orders) == 0 {
		return report, nil
	}

	batch := store.Batch{Runs: make([]store.OrderRun, 0, len(orders))}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		run, err := p.catchUp(order, now)
		if err != nil {
			report.Failed++
			p.logger.Error("failed to process scheduled order", "order_id", order.ID, "interval", order.Interval, "error", err)
			continue
		}
		batch.Runs = append(batch.Runs, run)
	}

	if len(batch.Runs) == 0 {
		return report, nil
	}

	result, err := p.repo.SaveBatch(ctx, batch)
	if err != nil {
		return report, fmt.Errorf("save processed orders: %w", err)
	}

	for _, skipped := range result.Skipped {
		p.logger.Warn("scheduled order skipped at commit", "order_id", skipped.Run.Order.ID, "error", skipped.Err)
	}
	report.Applied = len(result.Applied)
	report.Skipped = len(result.Skipped)
	report.Occurrences = result.Occurrences()

	for _, run := range result.Applied {
		p.logger.Info("processed scheduled order",
			"order_id", run.Order.ID,
			"account_id", run.Order.AccountID,
			"occurrences", len(run.Entries),
			"credited", run.Credit.String(),
			"next_run_at", run.Order.NextRunAt,
		)
	}
	p.notify(ctx, result.Applied)

	return report, nil
}

// catchUp computes the run for one order: one entry per missed occurrence, until the
// schedule lies strictly after now.
func (p *Processor) catchUp(order domain.ScheduledOrder, now time.Time) (store.OrderRun, error) {
	if order.DecodeErr != nil {
		return store.OrderRun{}, order.DecodeErr
	}
	spec := order.Spec()
	if !spec.Kind.Valid() {
		return store.OrderRun{}, fmt.Errorf("%w: %q", recurrence.ErrInvalidKind, spec.Kind)
	}

	loc, ok := p.zones.Lookup(order.Timezone)
	if !ok {
		p.logger.Warn("unknown order time zone, using UTC", "order_id", order.ID, "timezone", order.Timezone)
	}

	run := store.OrderRun{Order: order, Credit: decimal.Zero}
	for !run.Order.NextRunAt.After(now) {
		scheduled := run.Order.NextRunAt

		run.Entries = append(run.Entries, domain.NewRecurringEntry(order, scheduled))
		run.Credit = run.Credit.Add(order.Amount)
		last := scheduled
		run.Order.LastRunAt = &last

		next, err := recurrence.NextAfter(spec, scheduled.Add(advanceNudge), loc)
		if err != nil {
			return store.OrderRun{}, err
		}
		if !next.After(scheduled) {
			return store.OrderRun{}, fmt.Errorf("%w: %s -> %s", ErrScheduleStalled, scheduled, next)
		}
		run.Order.NextRunAt = next
	}
	return run, nil
}

func (p *Processor) notify(ctx context.Context, runs []store.OrderRun) {
	if p.notifier == nil {
		return
	}
	for _, run := range runs {
		if err := p.notifier.Deliver(ctx, paymentNotification(run)); err != nil {
			p.logger.Warn("failed to deliver allowance notification", "order_id", run.Order.ID, "error", err)
		}
	}
}
