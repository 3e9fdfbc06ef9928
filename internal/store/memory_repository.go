package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-memory implementation of Repository.
// It is safe for concurrent use and keeps the same batch semantics as the SQL backends:
// a batch is applied to a copy of the state and swapped in only when it succeeds.
type MemoryRepository struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]domain.ScheduledOrder
	accounts map[uuid.UUID]domain.Account
	ledger   []domain.LedgerEntry
	now      func() time.Time
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:   make(map[uuid.UUID]domain.ScheduledOrder),
		accounts: make(map[uuid.UUID]domain.Account),
		now:      time.Now,
	}
}

func (m *MemoryRepository) Migrate(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) FindActiveDueOrders(_ context.Context, now time.Time) ([]domain.ScheduledOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []domain.ScheduledOrder
	for _, o := range m.orders {
		if o.IsDue(now) {
			due = append(due, cloneOrder(o))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	return due, nil
}

func (m *MemoryRepository) ListOrdersByAccount(_ context.Context, accountID uuid.UUID) ([]domain.ScheduledOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []domain.ScheduledOrder
	for _, o := range m.orders {
		if o.AccountID == accountID {
			orders = append(orders, cloneOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
	return orders, nil
}

func (m *MemoryRepository) FindOrderByID(_ context.Context, id uuid.UUID) (*domain.ScheduledOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

func (m *MemoryRepository) InsertOrder(_ context.Context, order *domain.ScheduledOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[order.AccountID]; !ok {
		return ErrAccountNotFound
	}
	now := m.now().UTC()
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now
	m.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (m *MemoryRepository) UpdateOrder(_ context.Context, order *domain.ScheduledOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writeOrder(m.orders, order, m.now().UTC())
}

func (m *MemoryRepository) DeleteOrder(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(m.orders, id)
	for i := range m.ledger {
		if e := m.ledger[i]; e.OrderID != nil && *e.OrderID == id {
			m.ledger[i].OrderID = nil
		}
	}
	return nil
}

func (m *MemoryRepository) CreateAccount(_ context.Context, account *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account.UpdatedAt = m.now().UTC()
	m.accounts[account.ID] = *account
	return nil
}

func (m *MemoryRepository) FindAccountByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) ListLedgerEntries(_ context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []domain.LedgerEntry
	for _, e := range m.ledger {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// SaveBatch applies every run to a copy of the store and publishes the copy at the end.
func (m *MemoryRepository) SaveBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	var result BatchResult
	if len(batch.Runs) == 0 {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make(map[uuid.UUID]domain.ScheduledOrder, len(m.orders))
	for id, o := range m.orders {
		orders[id] = o
	}
	accounts := make(map[uuid.UUID]domain.Account, len(m.accounts))
	for id, a := range m.accounts {
		accounts[id] = a
	}
	ledger := append([]domain.LedgerEntry(nil), m.ledger...)

	now := m.now().UTC()
	for _, run := range batch.Runs {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, err
		}

		account, ok := accounts[run.Order.AccountID]
		if !ok {
			result.Skipped = append(result.Skipped, SkippedRun{Run: run, Err: ErrAccountNotFound})
			continue
		}
		applied := run
		applied.Order = cloneOrder(run.Order)
		if err := m.writeOrder(orders, &applied.Order, now); err != nil {
			if isSkippable(err) {
				result.Skipped = append(result.Skipped, SkippedRun{Run: run, Err: err})
				continue
			}
			return BatchResult{}, err
		}

		account.Balance = account.Balance.Add(run.Credit)
		account.UpdatedAt = now
		accounts[account.ID] = account
		ledger = append(ledger, run.Entries...)
		result.Applied = append(result.Applied, applied)
	}

	m.orders = orders
	m.accounts = accounts
	m.ledger = ledger
	return result, nil
}

// writeOrder stores order into orders if its version matches, bumping the version.
func (m *MemoryRepository) writeOrder(orders map[uuid.UUID]domain.ScheduledOrder, order *domain.ScheduledOrder, now time.Time) error {
	current, ok := orders[order.ID]
	if !ok || current.Version != order.Version {
		return ErrStaleOrder
	}
	order.Version++
	order.CreatedAt = current.CreatedAt
	order.UpdatedAt = now
	orders[order.ID] = cloneOrder(*order)
	return nil
}

// Balance returns the current balance of accountID, zero when unknown.
func (m *MemoryRepository) Balance(accountID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[accountID].Balance
}

func cloneOrder(o domain.ScheduledOrder) domain.ScheduledOrder {
	if o.LastRunAt != nil {
		last := *o.LastRunAt
		o.LastRunAt = &last
	}
	return o
}

// Compile-time checks: every backend implements Repository.
var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*SQLiteRepository)(nil)
)
