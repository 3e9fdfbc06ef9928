package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// CategoryRecurringPayment marks entries generated from scheduled orders.
	CategoryRecurringPayment = "recurring_payment"

	// ApproverSystem distinguishes automated entries from ones a parent approved.
	ApproverSystem = "system"
)

// LedgerEntry is an immutable record of a balance change.
// CreatedAt carries the scheduled occurrence time for recurring payments,
// not the time the entry was written.
type LedgerEntry struct {
	ID          uuid.UUID       `json:"id"`
	AccountID   uuid.UUID       `json:"account_id"`
	OrderID     *uuid.UUID      `json:"order_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	ApprovedBy  string          `json:"approved_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewRecurringEntry builds the ledger entry for one occurrence of order.
func NewRecurringEntry(order ScheduledOrder, occurredAt time.Time) LedgerEntry {
	orderID := order.ID
	return LedgerEntry{
		ID:          uuid.New(),
		AccountID:   order.AccountID,
		OrderID:     &orderID,
		Amount:      order.Amount,
		Category:    CategoryRecurringPayment,
		Description: order.Description,
		ApprovedBy:  ApproverSystem,
		CreatedAt:   occurredAt.UTC(),
	}
}
