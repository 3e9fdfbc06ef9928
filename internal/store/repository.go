/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the allowance service needs. The due-order processor, the order service and
 * the HTTP layer only see this interface; PostgreSQL, SQLite and in-memory backends
 * implement it.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - github.com/shopspring/decimal: balance deltas.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound   = errors.New("scheduled order not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrStaleOrder      = errors.New("scheduled order was modified concurrently")
)

// DefaultLedgerLimit caps ListLedgerEntries when the caller passes no limit.
const DefaultLedgerLimit = 100

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Due-order processing
	FindActiveDueOrders(ctx context.Context, now time.Time) ([]domain.ScheduledOrder, error)
	SaveBatch(ctx context.Context, batch Batch) (BatchResult, error)

	// Order management
	FindOrderByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledOrder, error)
	ListOrdersByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledOrder, error)
	InsertOrder(ctx context.Context, order *domain.ScheduledOrder) error
	UpdateOrder(ctx context.Context, order *domain.ScheduledOrder) error
	DeleteOrder(ctx context.Context, id uuid.UUID) error

	// Accounts and ledger
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error)

	Migrate(ctx context.Context) error
	Close() error
}

// OrderRun is everything one processing pass changes for a single order:
// the advanced schedule, the ledger entries for each caught-up occurrence, and the
// total credited to the order's account.
//
// Order.Version must still hold the version the order was read with; the store
// uses it to detect concurrent edits and bumps it on success.
type OrderRun struct {
	Order   domain.ScheduledOrder
	Entries []domain.LedgerEntry
	Credit  decimal.Decimal
}

// Batch groups the runs of one processing pass. It is persisted in a single transaction.
type Batch struct {
	Runs []OrderRun
}

// SkippedRun is a run the store refused without failing the batch.
type SkippedRun struct {
	Run OrderRun
	Err error
}

// BatchResult reports which runs were committed.
type BatchResult struct {
	Applied []OrderRun
	Skipped []SkippedRun
}

// Occurrences counts the ledger entries that were committed.
func (r BatchResult) Occurrences() int {
	n := 0
	for _, run := range r.Applied {
		n += len(run.Entries)
	}
	return n
}

// isSkippable reports whether a run failure only concerns that run.
func isSkippable(err error) bool {
	return errors.Is(err, ErrStaleOrder) || errors.Is(err, ErrAccountNotFound)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultLedgerLimit
	}
	return limit
}
