package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notification is the message handed to the notification sender after an
// order's occurrences have been committed.
type Notification struct {
	Recipient   string          `json:"recipient"`
	Subject     string          `json:"subject"`
	Body        string          `json:"body"`
	AccountID   uuid.UUID       `json:"account_id"`
	OrderID     uuid.UUID       `json:"order_id"`
	Occurrences int             `json:"occurrences"`
	Total       decimal.Decimal `json:"total"`
	LastRunAt   time.Time       `json:"last_run_at"`
	NextRunAt   time.Time       `json:"next_run_at"`
}
