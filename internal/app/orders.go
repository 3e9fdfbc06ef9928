/**
 * @description
 * OrderService contains the business rules for managing scheduled allowance orders:
 * validation, ownership checks and the initial schedule computation. The schedule is
 * always computed strictly after the current instant, so a freshly created order is
 * never immediately due.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/recurrence"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder = errors.New("invalid scheduled order")
	ErrForbidden    = errors.New("caller does not own this account")
)

const (
	maxDescriptionLength = 200
	maxAccountNameLength = 80
)

// OrderRepository is the part of the store the order service depends on.
type OrderRepository interface {
	FindOrderByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledOrder, error)
	ListOrdersByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledOrder, error)
	InsertOrder(ctx context.Context, order *domain.ScheduledOrder) error
	UpdateOrder(ctx context.Context, order *domain.ScheduledOrder) error
	DeleteOrder(ctx context.Context, id uuid.UUID) error
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
}

// OrderService manages scheduled orders on behalf of an authenticated parent.
type OrderService struct {
	repo            OrderRepository
	zones           ZoneResolver
	clock           Clock
	defaultTimezone string
	logger          *slog.Logger
}

// NewOrderService creates a new OrderService. An empty defaultTimezone means UTC.
func NewOrderService(repo OrderRepository, zones ZoneResolver, clock Clock, defaultTimezone string, logger *slog.Logger) *OrderService {
	if strings.TrimSpace(defaultTimezone) == "" {
		defaultTimezone = "UTC"
	}
	return &OrderService{
		repo:            repo,
		zones:           zones,
		clock:           clock,
		defaultTimezone: defaultTimezone,
		logger:          logger,
	}
}

// schedule is the validated, normalized form of a create or update payload.
type schedule struct {
	amount      decimal.Decimal
	kind        recurrence.Kind
	dayOfWeek   time.Weekday
	dayOfMonth  int
	monthOfYear int
	timeOfDay   recurrence.TimeOfDay
	description string
	timezone    string
	loc         *time.Location
}

func (s *OrderService) validate(amount decimal.Decimal, interval string, dayOfWeek, dayOfMonth, monthOfYear int, timeOfDay, description, timezone string) (schedule, error) {
	var sc schedule

	if !amount.IsPositive() {
		return sc, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidOrder)
	}
	if amount.Exponent() < -2 {
		return sc, fmt.Errorf("%w: amount supports at most two decimal places", ErrInvalidOrder)
	}
	kind, err := recurrence.ParseKind(interval)
	if err != nil {
		return sc, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	tod := recurrence.TimeOfDay{}
	if strings.TrimSpace(timeOfDay) != "" {
		if tod, err = recurrence.ParseTimeOfDay(timeOfDay); err != nil {
			return sc, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}

	switch kind {
	case recurrence.KindWeekly:
		if dayOfWeek < 0 || dayOfWeek > 6 {
			return sc, fmt.Errorf("%w: day_of_week must be between 0 (Sunday) and 6", ErrInvalidOrder)
		}
	case recurrence.KindMonthly, recurrence.KindYearly:
		// Days 29-31 are accepted and paid on the 28th.
		if dayOfMonth < 1 || dayOfMonth > 31 {
			return sc, fmt.Errorf("%w: day_of_month must be between 1 and 31", ErrInvalidOrder)
		}
		if kind == recurrence.KindYearly && (monthOfYear < 1 || monthOfYear > 12) {
			return sc, fmt.Errorf("%w: month_of_year must be between 1 and 12", ErrInvalidOrder)
		}
	}

	description = strings.TrimSpace(description)
	if len(description) > maxDescriptionLength {
		return sc, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidOrder, maxDescriptionLength)
	}

	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		timezone = s.defaultTimezone
	}
	loc, ok := s.zones.Lookup(timezone)
	if !ok {
		return sc, fmt.Errorf("%w: unknown time zone %q", ErrInvalidOrder, timezone)
	}

	return schedule{
		amount:      amount,
		kind:        kind,
		dayOfWeek:   time.Weekday(dayOfWeek),
		dayOfMonth:  dayOfMonth,
		monthOfYear: monthOfYear,
		timeOfDay:   tod,
		description: description,
		timezone:    timezone,
		loc:         loc,
	}, nil
}

func (sc schedule) applyTo(o *domain.ScheduledOrder) {
	o.Amount = sc.amount
	o.Interval = sc.kind
	o.DayOfWeek = sc.dayOfWeek
	o.DayOfMonth = sc.dayOfMonth
	o.MonthOfYear = sc.monthOfYear
	o.TimeOfDay = sc.timeOfDay
	o.Description = sc.description
	o.Timezone = sc.timezone
	o.DecodeErr = nil
}

// authorize loads the account and checks it belongs to userID.
func (s *OrderService) authorize(ctx context.Context, userID string, accountID uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != userID {
		return nil, ErrForbidden
	}
	return account, nil
}

// Create validates the payload and stores a new active order whose first run is the
// first occurrence strictly after now.
func (s *OrderService) Create(ctx context.Context, userID string, payload domain.CreateOrderPayload) (*domain.ScheduledOrder, error) {
	sc, err := s.validate(payload.Amount, payload.Interval, payload.DayOfWeek, payload.DayOfMonth,
		payload.MonthOfYear, payload.TimeOfDay, payload.Description, payload.Timezone)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, userID, payload.AccountID); err != nil {
		return nil, err
	}

	order := &domain.ScheduledOrder{
		ID:        uuid.New(),
		AccountID: payload.AccountID,
		CreatedBy: userID,
		IsActive:  true,
	}
	sc.applyTo(order)
	if order.NextRunAt, err = recurrence.NextAfter(order.Spec(), s.clock.Now(), sc.loc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	if err := s.repo.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled order created", "order_id", order.ID, "account_id", order.AccountID, "interval", order.Interval, "next_run_at", order.NextRunAt)
	return order, nil
}

// Get returns an order owned by userID.
func (s *OrderService) Get(ctx context.Context, userID string, id uuid.UUID) (*domain.ScheduledOrder, error) {
	order, err := s.repo.FindOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, userID, order.AccountID); err != nil {
		return nil, err
	}
	return order, nil
}

// Update replaces the schedule of an order and recomputes its next run from now.
// Reactivating an order never pays the occurrences missed while it was paused.
func (s *OrderService) Update(ctx context.Context, userID string, id uuid.UUID, payload domain.UpdateOrderPayload) (*domain.ScheduledOrder, error) {
	sc, err := s.validate(payload.Amount, payload.Interval, payload.DayOfWeek, payload.DayOfMonth,
		payload.MonthOfYear, payload.TimeOfDay, payload.Description, payload.Timezone)
	if err != nil {
		return nil, err
	}
	order, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	sc.applyTo(order)
	if payload.IsActive != nil {
		order.IsActive = *payload.IsActive
	}
	if order.NextRunAt, err = recurrence.NextAfter(order.Spec(), s.clock.Now(), sc.loc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled order updated", "order_id", order.ID, "version", order.Version, "is_active", order.IsActive, "next_run_at", order.NextRunAt)
	return order, nil
}

// Delete removes an order owned by userID. Its ledger history is kept.
func (s *OrderService) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.repo.DeleteOrder(ctx, id); err != nil {
		return err
	}
	s.logger.Info("scheduled order deleted", "order_id", id)
	return nil
}

// ListByAccount returns every order of an account owned by userID.
func (s *OrderService) ListByAccount(ctx context.Context, userID string, accountID uuid.UUID) ([]domain.ScheduledOrder, error) {
	if _, err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, err
	}
	orders, err := s.repo.ListOrdersByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.ScheduledOrder{}
	}
	return orders, nil
}

// ListLedger returns the newest ledger entries of an account owned by userID.
func (s *OrderService) ListLedger(ctx context.Context, userID string, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if _, err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListLedgerEntries(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}

// OpenAccount creates an empty allowance account owned by userID.
func (s *OrderService) OpenAccount(ctx context.Context, userID string, name string) (*domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxAccountNameLength {
		return nil, fmt.Errorf("%w: account name must be 1-%d characters", ErrInvalidOrder, maxAccountNameLength)
	}
	account := &domain.Account{
		ID:      uuid.New(),
		OwnerID: userID,
		Name:    name,
		Balance: decimal.Zero,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Info("allowance account opened", "account_id", account.ID, "owner_id", userID)
	return account, nil
}

// GetAccount returns an account owned by userID with its current balance.
func (s *OrderService) GetAccount(ctx context.Context, userID string, id uuid.UUID) (*domain.Account, error) {
	return s.authorize(ctx, userID, id)
}

var _ OrderRepository = (store.Repository)(nil)
