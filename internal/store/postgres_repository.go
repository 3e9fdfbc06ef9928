/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Amounts travel as text and are cast to NUMERIC in SQL so no precision is lost
 * between the database and decimal.Decimal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgOrderColumns = `
	id, account_id, created_by, amount::text, interval_kind, day_of_week, day_of_month,
	month_of_year, time_of_day, description, timezone, is_active, next_run_at, last_run_at,
	version, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	schema, err := readMigration("postgres.sql")
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

// FindActiveDueOrders returns a snapshot of every active order whose next run is at or before now.
func (r *PostgresRepository) FindActiveDueOrders(ctx context.Context, now time.Time) ([]domain.ScheduledOrder, error) {
	query := `SELECT ` + pgOrderColumns + `
		FROM scheduled_orders
		WHERE is_active = TRUE
		  AND next_run_at <= $1
		ORDER BY next_run_at, id`
	return r.queryOrders(ctx, query, now.UTC())
}

// ListOrdersByAccount returns every order targeting accountID, active or not.
func (r *PostgresRepository) ListOrdersByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledOrder, error) {
	query := `SELECT ` + pgOrderColumns + `
		FROM scheduled_orders
		WHERE account_id = $1
		ORDER BY created_at, id`
	return r.queryOrders(ctx, query, accountID)
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]domain.ScheduledOrder, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.ScheduledOrder
	for rows.Next() {
		order, err := scanPostgresOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// FindOrderByID retrieves a single order.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledOrder, error) {
	query := `SELECT ` + pgOrderColumns + ` FROM scheduled_orders WHERE id = $1`
	order, err := scanPostgresOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// InsertOrder stores a new order. Version, CreatedAt and UpdatedAt are set on the passed order.
func (r *PostgresRepository) InsertOrder(ctx context.Context, order *domain.ScheduledOrder) error {
	query := `
		INSERT INTO scheduled_orders (
			id, account_id, created_by, amount, interval_kind, day_of_week, day_of_month,
			month_of_year, time_of_day, description, timezone, is_active, next_run_at,
			last_run_at, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, NOW(), NOW())
		RETURNING version, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		order.ID, order.AccountID, order.CreatedBy, order.Amount.String(), string(order.Interval),
		int(order.DayOfWeek), order.DayOfMonth, order.MonthOfYear, order.TimeOfDay.String(),
		order.Description, order.Timezone, order.IsActive, order.NextRunAt.UTC(), utcPtr(order.LastRunAt),
	).Scan(&order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled order: %w", err)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return nil
}

// UpdateOrder overwrites the mutable fields of order when its version still matches.
// On success the passed order carries the new version.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, order *domain.ScheduledOrder) error {
	updatedAt, err := updatePostgresOrder(ctx, r.db, order)
	if err != nil {
		return err
	}
	order.Version++
	order.UpdatedAt = updatedAt
	return nil
}

// DeleteOrder removes an order. Ledger entries keep their history with a NULL order id.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM scheduled_orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CreateAccount stores a new account with its opening balance.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, owner_id, name, balance, updated_at)
		VALUES ($1, $2, $3, $4::numeric, NOW())
		RETURNING updated_at
	`
	if err := r.db.QueryRow(ctx, query, account.ID, account.OwnerID, account.Name, account.Balance.String()).Scan(&account.UpdatedAt); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	account.UpdatedAt = account.UpdatedAt.UTC()
	return nil
}

// FindAccountByID retrieves an account and its current balance.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var (
		account domain.Account
		balance string
	)
	query := `SELECT id, owner_id, name, balance::text, updated_at FROM accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(&account.ID, &account.OwnerID, &account.Name, &balance, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if account.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("decode balance for account %s: %w", id, err)
	}
	account.UpdatedAt = account.UpdatedAt.UTC()
	return &account, nil
}

// ListLedgerEntries returns the newest entries of an account first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, account_id, order_id, amount::text, category, description, approved_by, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, accountID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			entry  domain.LedgerEntry
			amount string
		)
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.OrderID, &amount,
			&entry.Category, &entry.Description, &entry.ApprovedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if entry.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("decode ledger amount %s: %w", entry.ID, err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SaveBatch persists a processing pass in one transaction. Each run is wrapped in a
// savepoint: a run whose order changed underneath it, or whose account is gone, is
// rolled back alone and reported as skipped. Any other failure aborts the whole batch.
func (r *PostgresRepository) SaveBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	var result BatchResult
	if len(batch.Runs) == 0 {
		return result, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, run := range batch.Runs {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return BatchResult{}, fmt.Errorf("begin savepoint for order %s: %w", run.Order.ID, err)
		}

		applied, err := applyPostgresRun(ctx, sp, run)
		if err != nil {
			_ = sp.Rollback(ctx)
			if isSkippable(err) {
				result.Skipped = append(result.Skipped, SkippedRun{Run: run, Err: err})
				continue
			}
			return BatchResult{}, err
		}
		if err := sp.Commit(ctx); err != nil {
			return BatchResult{}, fmt.Errorf("release savepoint for order %s: %w", run.Order.ID, err)
		}
		result.Applied = append(result.Applied, applied)
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch tx: %w", err)
	}
	return result, nil
}

func applyPostgresRun(ctx context.Context, tx pgx.Tx, run OrderRun) (OrderRun, error) {
	updatedAt, err := updatePostgresOrder(ctx, tx, &run.Order)
	if err != nil {
		return run, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1::numeric, updated_at = NOW() WHERE id = $2`,
		run.Credit.String(), run.Order.AccountID)
	if err != nil {
		return run, fmt.Errorf("credit account %s: %w", run.Order.AccountID, err)
	}
	if tag.RowsAffected() == 0 {
		return run, ErrAccountNotFound
	}

	for _, entry := range run.Entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, account_id, order_id, amount, category, description, approved_by, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)`,
			entry.ID, entry.AccountID, entry.OrderID, entry.Amount.String(),
			entry.Category, entry.Description, entry.ApprovedBy, entry.CreatedAt.UTC())
		if err != nil {
			return run, fmt.Errorf("insert ledger entry for order %s: %w", run.Order.ID, err)
		}
	}

	run.Order.Version++
	run.Order.UpdatedAt = updatedAt
	return run, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// updatePostgresOrder writes the mutable order fields guarded by the version token.
func updatePostgresOrder(ctx context.Context, q pgQuerier, order *domain.ScheduledOrder) (time.Time, error) {
	query := `
		UPDATE scheduled_orders
		SET amount = $1::numeric,
		    interval_kind = $2,
		    day_of_week = $3,
		    day_of_month = $4,
		    month_of_year = $5,
		    time_of_day = $6,
		    description = $7,
		    timezone = $8,
		    is_active = $9,
		    next_run_at = $10,
		    last_run_at = $11,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $12 AND version = $13
		RETURNING updated_at
	`
	var updatedAt time.Time
	err := q.QueryRow(ctx, query,
		order.Amount.String(), string(order.Interval), int(order.DayOfWeek), order.DayOfMonth,
		order.MonthOfYear, order.TimeOfDay.String(), order.Description, order.Timezone,
		order.IsActive, order.NextRunAt.UTC(), utcPtr(order.LastRunAt), order.ID, order.Version,
	).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrStaleOrder
		}
		return time.Time{}, fmt.Errorf("update scheduled order %s: %w", order.ID, err)
	}
	return updatedAt.UTC(), nil
}

func scanPostgresOrder(row pgx.Row) (domain.ScheduledOrder, error) {
	var o domain.ScheduledOrder
	var text orderText
	var dayOfWeek, day, month int16
	err := row.Scan(
		&o.ID, &o.AccountID, &o.CreatedBy, &text.amount, &text.kind, &dayOfWeek, &day,
		&month, &text.timeOfDay, &o.Description, &o.Timezone, &o.IsActive, &o.NextRunAt, &o.LastRunAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	text.dayOfWeek = int(dayOfWeek)
	o.DayOfMonth = int(day)
	o.MonthOfYear = int(month)
	text.apply(&o)
	o.NextRunAt = o.NextRunAt.UTC()
	o.LastRunAt = utcPtr(o.LastRunAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
