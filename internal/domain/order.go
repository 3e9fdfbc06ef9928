/**
 * @description
 * This file defines the core domain models for the allowance service: recurring
 * orders, the accounts they pay into, and the request payloads used to manage them.
 */
package domain

import (
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/recurrence"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScheduledOrder is a recurring payment into a child's account.
type ScheduledOrder struct {
	ID          uuid.UUID            `json:"id"`
	AccountID   uuid.UUID            `json:"account_id"`
	CreatedBy   string               `json:"created_by"`
	Amount      decimal.Decimal      `json:"amount"`
	Interval    recurrence.Kind      `json:"interval"`
	DayOfWeek   time.Weekday         `json:"day_of_week"`
	DayOfMonth  int                  `json:"day_of_month"`
	MonthOfYear int                  `json:"month_of_year"`
	TimeOfDay   recurrence.TimeOfDay `json:"time_of_day"`
	Description string               `json:"description"`
	Timezone    string               `json:"timezone"`
	IsActive    bool                 `json:"is_active"`
	NextRunAt   time.Time            `json:"next_run_at"` // always UTC
	LastRunAt   *time.Time           `json:"last_run_at,omitempty"`
	Version     int64                `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`

	// DecodeErr is set when a stored column could not be decoded. Such an order is
	// listed so it can be repaired through an update, but it is never processed.
	DecodeErr error `json:"-"`
}

// Spec returns the recurrence parameters of the order.
func (o ScheduledOrder) Spec() recurrence.Spec {
	return recurrence.Spec{
		Kind:        o.Interval,
		DayOfWeek:   o.DayOfWeek,
		DayOfMonth:  o.DayOfMonth,
		MonthOfYear: o.MonthOfYear,
		TimeOfDay:   o.TimeOfDay,
	}
}

// IsDue reports whether the order should be evaluated at now.
func (o ScheduledOrder) IsDue(now time.Time) bool {
	return o.IsActive && !o.NextRunAt.After(now)
}

// Account is the minimal view of an allowance account this service needs.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateOrderPayload is the body accepted when a parent schedules a new allowance.
type CreateOrderPayload struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Interval    string          `json:"interval"`
	DayOfWeek   int             `json:"day_of_week"`
	DayOfMonth  int             `json:"day_of_month"`
	MonthOfYear int             `json:"month_of_year"`
	TimeOfDay   string          `json:"time_of_day"`
	Description string          `json:"description"`
	Timezone    string          `json:"timezone"`
}

// UpdateOrderPayload replaces the schedule of an existing order.
// IsActive is optional so callers can edit a schedule without toggling it.
type UpdateOrderPayload struct {
	Amount      decimal.Decimal `json:"amount"`
	Interval    string          `json:"interval"`
	DayOfWeek   int             `json:"day_of_week"`
	DayOfMonth  int             `json:"day_of_month"`
	MonthOfYear int             `json:"month_of_year"`
	TimeOfDay   string          `json:"time_of_day"`
	Description string          `json:"description"`
	Timezone    string          `json:"timezone"`
	IsActive    *bool           `json:"is_active,omitempty"`
}
