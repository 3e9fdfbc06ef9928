package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/recurrence"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (r *recordingNotifier) Deliver(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

type processorFixture struct {
	repo      *store.MemoryRepository
	notifier  *recordingNotifier
	processor *Processor
	account   domain.Account
}

func newProcessorFixture(t *testing.T, balance int64) *processorFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	account := domain.Account{ID: uuid.New(), OwnerID: "user_parent", Name: "Juno", Balance: decimal.NewFromInt(balance)}
	if err := repo.CreateAccount(context.Background(), &account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	logger := newTestLogger()
	notifier := &recordingNotifier{}
	return &processorFixture{
		repo:      repo,
		notifier:  notifier,
		processor: NewProcessor(repo, recurrence.NewResolver(logger), notifier, logger),
		account:   account,
	}
}

func (f *processorFixture) addOrder(t *testing.T, mutate func(*domain.ScheduledOrder)) domain.ScheduledOrder {
	t.Helper()
	order := domain.ScheduledOrder{
		ID:          uuid.New(),
		AccountID:   f.account.ID,
		CreatedBy:   f.account.OwnerID,
		Amount:      decimal.NewFromInt(5),
		Interval:    recurrence.KindWeekly,
		DayOfWeek:   time.Wednesday,
		TimeOfDay:   recurrence.TimeOfDay{Hour: 7},
		Description: "Pocket money",
		Timezone:    "UTC",
		IsActive:    true,
		NextRunAt:   time.Date(2024, time.May, 15, 7, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&order)
	}
	if err := f.repo.InsertOrder(context.Background(), &order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	return order
}

func (f *processorFixture) order(t *testing.T, id uuid.UUID) *domain.ScheduledOrder {
	t.Helper()
	o, err := f.repo.FindOrderByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindOrderByID: %v", err)
	}
	return o
}

func (f *processorFixture) ledger(t *testing.T) []domain.LedgerEntry {
	t.Helper()
	entries, err := f.repo.ListLedgerEntries(context.Background(), f.account.ID, 0)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	return entries
}

func TestProcessDueEndToEnd(t *testing.T) {
	f := newProcessorFixture(t, 10)
	now := time.Date(2024, time.May, 16, 10, 0, 0, 0, time.UTC)
	dueAt := now.Add(-5 * time.Minute)
	order := f.addOrder(t, func(o *domain.ScheduledOrder) {
		o.DayOfWeek = time.Thursday
		o.TimeOfDay = recurrence.TimeOfDay{Hour: 9, Minute: 55}
		o.NextRunAt = dueAt
	})

	processed, err := f.processor.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed occurrence, got %d", processed)
	}

	if got := f.repo.Balance(f.account.ID); !got.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected balance 15, got %s", got)
	}

	entries := f.ledger(t)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(entries))
	}
	entry := entries[0]
	if !entry.Amount.Equal(decimal.NewFromInt(5)) || !entry.CreatedAt.Equal(dueAt) {
		t.Fatalf("unexpected entry: amount=%s created=%s", entry.Amount, entry.CreatedAt)
	}
	if entry.Category != domain.CategoryRecurringPayment || entry.ApprovedBy != domain.ApproverSystem || entry.Description != "Pocket money" {
		t.Fatalf("unexpected entry metadata: %+v", entry)
	}

	stored := f.order(t, order.ID)
	if !stored.NextRunAt.After(now) {
		t.Fatalf("expected next run after %s, got %s", now, stored.NextRunAt)
	}
	if want := dueAt.AddDate(0, 0, 7); !stored.NextRunAt.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, stored.NextRunAt)
	}
	if stored.LastRunAt == nil || !stored.LastRunAt.Equal(dueAt) {
		t.Fatalf("expected last run %s, got %v", dueAt, stored.LastRunAt)
	}

	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Recipient != "user_parent" || f.notifier.sent[0].Occurrences != 1 {
		t.Fatalf("expected one notification for the parent, got %+v", f.notifier.sent)
	}
}

func TestProcessDueCatchesUpMissedWeeks(t *testing.T) {
	f := newProcessorFixture(t, 0)
	first := time.Date(2024, time.May, 15, 7, 0, 0, 0, time.UTC)
	order := f.addOrder(t, func(o *domain.ScheduledOrder) { o.NextRunAt = first })
	now := first.AddDate(0, 0, 21).Add(30 * time.Minute)

	processed, err := f.processor.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 4 {
		t.Fatalf("expected 4 occurrences for 21 overdue days, got %d", processed)
	}

	entries := f.ledger(t)
	if len(entries) != 4 {
		t.Fatalf("expected 4 ledger entries, got %d", len(entries))
	}
	seen := make(map[time.Time]bool)
	for i, e := range entries {
		// Newest first.
		want := first.AddDate(0, 0, 7*(3-i))
		if !e.CreatedAt.Equal(want) {
			t.Fatalf("entry %d: expected %s, got %s", i, want, e.CreatedAt)
		}
		if seen[e.CreatedAt] {
			t.Fatalf("duplicate entry at %s", e.CreatedAt)
		}
		seen[e.CreatedAt] = true
	}

	if got := f.repo.Balance(f.account.ID); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected balance 20, got %s", got)
	}
	stored := f.order(t, order.ID)
	if !stored.NextRunAt.After(now) || !stored.NextRunAt.Equal(first.AddDate(0, 0, 28)) {
		t.Fatalf("expected next run %s, got %s", first.AddDate(0, 0, 28), stored.NextRunAt)
	}

	n := f.notifier.sent
	if len(n) != 1 || n[0].Occurrences != 4 || !n[0].Total.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected a single catch-up notification, got %+v", n)
	}
}

func TestProcessDueCatchesUpHourly(t *testing.T) {
	f := newProcessorFixture(t, 0)
	f.addOrder(t, func(o *domain.ScheduledOrder) {
		o.Interval = recurrence.KindHourly
		o.Amount = decimal.RequireFromString("0.25")
		o.NextRunAt = time.Date(2024, time.May, 16, 10, 0, 0, 0, time.UTC)
	})

	processed, err := f.processor.ProcessDue(context.Background(), time.Date(2024, time.May, 16, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 4 {
		t.Fatalf("expected 10:00 through 13:00 to be paid, got %d", processed)
	}
	if got := f.repo.Balance(f.account.ID); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected balance 1.00, got %s", got)
	}
}

func TestProcessDueLeavesInactiveAndFutureOrders(t *testing.T) {
	f := newProcessorFixture(t, 10)
	now := time.Date(2024, time.May, 16, 10, 0, 0, 0, time.UTC)
	inactive := f.addOrder(t, func(o *domain.ScheduledOrder) {
		o.IsActive = false
		o.NextRunAt = now.Add(-time.Hour)
	})
	future := f.addOrder(t, func(o *domain.ScheduledOrder) {
		o.NextRunAt = now.Add(time.Minute)
	})

	processed, err := f.processor.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 processed occurrences, got %d", processed)
	}
	if got := f.repo.Balance(f.account.ID); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balance untouched, got %s", got)
	}
	if entries := f.ledger(t); len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(entries))
	}
	for _, id := range []uuid.UUID{inactive.ID, future.ID} {
		if stored := f.order(t, id); stored.Version != 1 || stored.LastRunAt != nil {
			t.Fatalf("expected order %s untouched, got %+v", id, stored)
		}
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("expected no notifications, got %d", len(f.notifier.sent))
	}
}

func TestProcessDueSecondPassIsNoop(t *testing.T) {
	f := newProcessorFixture(t, 0)
	f.addOrder(t, nil)
	now := time.Date(2024, time.May, 20, 12, 0, 0, 0, time.UTC)

	first, err := f.processor.ProcessDue(context.Background(), now)
	if err != nil || first != 1 {
		t.Fatalf("expected first pass to process 1, got %d err=%v", first, err)
	}
	second, err := f.processor.ProcessDue(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if second != 0 {
		t.Fatalf("expected second pass to process 0, got %d", second)
	}
	if entries := f.ledger(t); len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry after two passes, got %d", len(entries))
	}
}

func TestProcessDueIsolatesInvalidOrders(t *testing.T) {
	f := newProcessorFixture(t, 0)
	broken := f.addOrder(t, func(o *domain.ScheduledOrder) { o.Interval = recurrence.Kind("fortnightly") })
	healthy := f.addOrder(t, nil)
	now := time.Date(2024, time.May, 15, 8, 0, 0, 0, time.UTC)

	report, err := f.processor.ProcessDueReport(context.Background(), now)
	if err != nil {
		t.Fatalf("ProcessDueReport returned error: %v", err)
	}
	if report.DueOrders != 2 || report.Failed != 1 || report.Applied != 1 || report.Occurrences != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if stored := f.order(t, broken.ID); stored.Version != 1 || !stored.NextRunAt.Equal(broken.NextRunAt) {
		t.Fatalf("expected invalid order untouched, got %+v", stored)
	}
	if stored := f.order(t, healthy.ID); !stored.NextRunAt.After(now) {
		t.Fatalf("expected healthy order to advance, got %s", stored.NextRunAt)
	}
	if got := f.repo.Balance(f.account.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected balance 5, got %s", got)
	}
}

func TestProcessDueIsolatesUndecodableStoredOrders(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "allowance.db")
	repo, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	account := domain.Account{ID: uuid.New(), OwnerID: "user_parent", Name: "Juno", Balance: decimal.Zero}
	if err := repo.CreateAccount(ctx, &account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		order := domain.ScheduledOrder{
			ID:        uuid.New(),
			AccountID: account.ID,
			CreatedBy: account.OwnerID,
			Amount:    decimal.NewFromInt(5),
			Interval:  recurrence.KindWeekly,
			DayOfWeek: time.Wednesday,
			TimeOfDay: recurrence.TimeOfDay{Hour: 7},
			Timezone:  "UTC",
			IsActive:  true,
			NextRunAt: time.Date(2024, time.May, 15, 7, i, 0, 0, time.UTC),
		}
		if err := repo.InsertOrder(ctx, &order); err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
		ids = append(ids, order.ID)
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw connection: %v", err)
	}
	if _, err := raw.ExecContext(ctx, `UPDATE scheduled_orders SET time_of_day = '7am' WHERE id = ?`, ids[0].String()); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	_ = raw.Close()

	logger := newTestLogger()
	processor := NewProcessor(repo, recurrence.NewResolver(logger), nil, logger)
	report, err := processor.ProcessDueReport(ctx, time.Date(2024, time.May, 15, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ProcessDueReport returned error: %v", err)
	}
	if report.DueOrders != 2 || report.Failed != 1 || report.Applied != 1 || report.Occurrences != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	stored, err := repo.FindAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID: %v", err)
	}
	if !stored.Balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected healthy order paid, balance %s", stored.Balance)
	}
}

type failingBatchRepo struct {
	*store.MemoryRepository
	err error
}

func (r *failingBatchRepo) SaveBatch(context.Context, store.Batch) (store.BatchResult, error) {
	return store.BatchResult{}, r.err
}

func TestProcessDueReturnsBatchFailure(t *testing.T) {
	f := newProcessorFixture(t, 10)
	order := f.addOrder(t, nil)
	boom := errors.New("connection reset")
	repo := &failingBatchRepo{MemoryRepository: f.repo, err: boom}
	processor := NewProcessor(repo, recurrence.NewResolver(newTestLogger()), f.notifier, newTestLogger())

	processed, err := processor.ProcessDue(context.Background(), time.Date(2024, time.May, 15, 8, 0, 0, 0, time.UTC))
	if !errors.Is(err, boom) {
		t.Fatalf("expected batch error, got %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 processed on failure, got %d", processed)
	}
	if stored := f.order(t, order.ID); stored.LastRunAt != nil || stored.Version != 1 {
		t.Fatalf("expected order untouched after failed batch, got %+v", stored)
	}
	if got := f.repo.Balance(f.account.ID); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balance untouched, got %s", got)
	}
	if len(f.notifier.sent) != 0 {
		t.Fatal("expected no notification when nothing was committed")
	}
}

func TestProcessDueNotificationFailureDoesNotUndoBatch(t *testing.T) {
	f := newProcessorFixture(t, 0)
	f.addOrder(t, nil)
	f.notifier.err = errors.New("broker down")

	processed, err := f.processor.ProcessDue(context.Background(), time.Date(2024, time.May, 15, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 1 || !f.repo.Balance(f.account.ID).Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected committed payment despite notification failure, processed=%d", processed)
	}
}

func TestProcessDueFallsBackToUTCForUnknownZone(t *testing.T) {
	f := newProcessorFixture(t, 0)
	order := f.addOrder(t, func(o *domain.ScheduledOrder) {
		o.Interval = recurrence.KindDaily
		o.TimeOfDay = recurrence.TimeOfDay{Hour: 8}
		o.Timezone = "Nowhere/Land"
		o.NextRunAt = time.Date(2024, time.May, 16, 8, 0, 0, 0, time.UTC)
	})

	processed, err := f.processor.ProcessDue(context.Background(), time.Date(2024, time.May, 16, 8, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed occurrence, got %d", processed)
	}
	want := time.Date(2024, time.May, 17, 8, 0, 0, 0, time.UTC)
	if stored := f.order(t, order.ID); !stored.NextRunAt.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, stored.NextRunAt)
	}
}

func TestProcessDueFollowsOrderZoneAcrossDaylightSaving(t *testing.T) {
	f := newProcessorFixture(t, 0)
	// 07:00 in Amsterdam: 06:00 UTC before the 2024-03-31 switch, 05:00 UTC after it.
	order := f.addOrder(t, func(o *domain.ScheduledOrder) {
		o.Interval = recurrence.KindDaily
		o.Timezone = "Europe/Amsterdam"
		o.NextRunAt = time.Date(2024, time.March, 30, 6, 0, 0, 0, time.UTC)
	})

	processed, err := f.processor.ProcessDue(context.Background(), time.Date(2024, time.March, 31, 6, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ProcessDue returned error: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 occurrences, got %d", processed)
	}
	entries := f.ledger(t)
	if len(entries) != 2 || !entries[0].CreatedAt.Equal(time.Date(2024, time.March, 31, 5, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected second occurrence at 05:00 UTC, got %+v", entries)
	}
	want := time.Date(2024, time.April, 1, 5, 0, 0, 0, time.UTC)
	if stored := f.order(t, order.ID); !stored.NextRunAt.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, stored.NextRunAt)
	}
}

func TestProcessDueWithNoDueOrders(t *testing.T) {
	f := newProcessorFixture(t, 0)
	processed, err := f.processor.ProcessDue(context.Background(), time.Date(2024, time.May, 15, 8, 0, 0, 0, time.UTC))
	if err != nil || processed != 0 {
		t.Fatalf("expected empty pass, got %d err=%v", processed, err)
	}
}
