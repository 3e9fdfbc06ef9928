package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

const sqliteOrderColumns = `
	id, account_id, created_by, amount, interval_kind, day_of_week, day_of_month,
	month_of_year, time_of_day, description, timezone, is_active, next_run_at, last_run_at,
	version, created_at, updated_at`

// SQLiteRepository implements Repository on an embedded SQLite file, for single-node
// deployments and local development. Balances are stored as decimal text and summed in Go.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// Migrate applies the embedded schema.
func (s *SQLiteRepository) Migrate(ctx context.Context) error {
	schema, err := readMigration("sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteRepository) FindActiveDueOrders(ctx context.Context, now time.Time) ([]domain.ScheduledOrder, error) {
	query := `SELECT ` + sqliteOrderColumns + `
		FROM scheduled_orders
		WHERE is_active = 1 AND next_run_at <= ?
		ORDER BY next_run_at, id`
	return s.queryOrders(ctx, query, toMillis(now))
}

func (s *SQLiteRepository) ListOrdersByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.ScheduledOrder, error) {
	query := `SELECT ` + sqliteOrderColumns + `
		FROM scheduled_orders
		WHERE account_id = ?
		ORDER BY created_at, id`
	return s.queryOrders(ctx, query, accountID.String())
}

func (s *SQLiteRepository) queryOrders(ctx context.Context, query string, args ...any) ([]domain.ScheduledOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.ScheduledOrder
	for rows.Next() {
		order, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *SQLiteRepository) FindOrderByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM scheduled_orders WHERE id = ?`, id.String())
	order, err := scanSQLiteOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *SQLiteRepository) InsertOrder(ctx context.Context, order *domain.ScheduledOrder) error {
	now := s.now().UTC().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_orders (
			id, account_id, created_by, amount, interval_kind, day_of_week, day_of_month,
			month_of_year, time_of_day, description, timezone, is_active, next_run_at,
			last_run_at, version, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		order.ID.String(), order.AccountID.String(), order.CreatedBy, order.Amount.String(),
		string(order.Interval), int(order.DayOfWeek), order.DayOfMonth, order.MonthOfYear,
		order.TimeOfDay.String(), order.Description, order.Timezone, order.IsActive,
		toMillis(order.NextRunAt), nullMillis(order.LastRunAt), toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("insert scheduled order: %w", err)
	}
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

func (s *SQLiteRepository) UpdateOrder(ctx context.Context, order *domain.ScheduledOrder) error {
	now := s.now().UTC().Truncate(time.Millisecond)
	if err := updateSQLiteOrder(ctx, s.db, order, now); err != nil {
		return err
	}
	order.Version++
	order.UpdatedAt = now
	return nil
}

func (s *SQLiteRepository) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_orders WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *SQLiteRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	now := s.now().UTC().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, owner_id, name, balance, updated_at) VALUES (?, ?, ?, ?, ?)`,
		account.ID.String(), account.OwnerID, account.Name, account.Balance.String(), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	account.UpdatedAt = now
	return nil
}

func (s *SQLiteRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var (
		account      domain.Account
		rawID        string
		balance      string
		updatedMilli int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, balance, updated_at FROM accounts WHERE id = ?`, id.String(),
	).Scan(&rawID, &account.OwnerID, &account.Name, &balance, &updatedMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if account.ID, err = uuid.Parse(rawID); err != nil {
		return nil, err
	}
	if account.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("decode balance for account %s: %w", id, err)
	}
	account.UpdatedAt = fromMillis(updatedMilli)
	return &account, nil
}

func (s *SQLiteRepository) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, order_id, amount, category, description, approved_by, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, accountID.String(), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		var rawID, rawAccount, amount string
		var rawOrder sql.NullString
		var createdMilli int64
		if err := rows.Scan(&rawID, &rawAccount, &rawOrder, &amount, &entry.Category,
			&entry.Description, &entry.ApprovedBy, &createdMilli); err != nil {
			return nil, err
		}
		if entry.ID, err = uuid.Parse(rawID); err != nil {
			return nil, err
		}
		if entry.AccountID, err = uuid.Parse(rawAccount); err != nil {
			return nil, err
		}
		if rawOrder.Valid {
			orderID, err := uuid.Parse(rawOrder.String)
			if err != nil {
				return nil, err
			}
			entry.OrderID = &orderID
		}
		if entry.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("decode ledger amount %s: %w", rawID, err)
		}
		entry.CreatedAt = fromMillis(createdMilli)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SaveBatch mirrors the PostgreSQL behaviour with explicit SAVEPOINT statements.
func (s *SQLiteRepository) SaveBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	var result BatchResult
	if len(batch.Runs) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Truncate(time.Millisecond)
	for _, run := range batch.Runs {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT order_run`); err != nil {
			return BatchResult{}, fmt.Errorf("begin savepoint for order %s: %w", run.Order.ID, err)
		}

		applied, err := applySQLiteRun(ctx, tx, run, now)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT order_run`); rbErr != nil {
				return BatchResult{}, fmt.Errorf("rollback savepoint for order %s: %w", run.Order.ID, rbErr)
			}
			if _, relErr := tx.ExecContext(ctx, `RELEASE SAVEPOINT order_run`); relErr != nil {
				return BatchResult{}, fmt.Errorf("release savepoint for order %s: %w", run.Order.ID, relErr)
			}
			if isSkippable(err) {
				result.Skipped = append(result.Skipped, SkippedRun{Run: run, Err: err})
				continue
			}
			return BatchResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT order_run`); err != nil {
			return BatchResult{}, fmt.Errorf("release savepoint for order %s: %w", run.Order.ID, err)
		}
		result.Applied = append(result.Applied, applied)
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch tx: %w", err)
	}
	return result, nil
}

func applySQLiteRun(ctx context.Context, tx *sql.Tx, run OrderRun, now time.Time) (OrderRun, error) {
	if err := updateSQLiteOrder(ctx, tx, &run.Order, now); err != nil {
		return run, err
	}

	var raw string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, run.Order.AccountID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrAccountNotFound
	}
	if err != nil {
		return run, fmt.Errorf("read balance of account %s: %w", run.Order.AccountID, err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return run, fmt.Errorf("decode balance of account %s: %w", run.Order.AccountID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		balance.Add(run.Credit).String(), toMillis(now), run.Order.AccountID.String()); err != nil {
		return run, fmt.Errorf("credit account %s: %w", run.Order.AccountID, err)
	}

	for _, entry := range run.Entries {
		var orderID any
		if entry.OrderID != nil {
			orderID = entry.OrderID.String()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, order_id, amount, category, description, approved_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID.String(), entry.AccountID.String(), orderID, entry.Amount.String(),
			entry.Category, entry.Description, entry.ApprovedBy, toMillis(entry.CreatedAt))
		if err != nil {
			return run, fmt.Errorf("insert ledger entry for order %s: %w", run.Order.ID, err)
		}
	}

	run.Order.Version++
	run.Order.UpdatedAt = now
	return run, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateSQLiteOrder(ctx context.Context, db sqlExecer, order *domain.ScheduledOrder, now time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE scheduled_orders
		SET amount = ?, interval_kind = ?, day_of_week = ?, day_of_month = ?, month_of_year = ?,
		    time_of_day = ?, description = ?, timezone = ?, is_active = ?, next_run_at = ?,
		    last_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		order.Amount.String(), string(order.Interval), int(order.DayOfWeek), order.DayOfMonth,
		order.MonthOfYear, order.TimeOfDay.String(), order.Description, order.Timezone,
		order.IsActive, toMillis(order.NextRunAt), nullMillis(order.LastRunAt), toMillis(now),
		order.ID.String(), order.Version,
	)
	if err != nil {
		return fmt.Errorf("update scheduled order %s: %w", order.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleOrder
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteOrder(row sqlRow) (domain.ScheduledOrder, error) {
	var o domain.ScheduledOrder
	var text orderText
	var rawID, rawAccount string
	var nextMilli, createdMilli, updatedMilli int64
	var lastMilli sql.NullInt64

	err := row.Scan(
		&rawID, &rawAccount, &o.CreatedBy, &text.amount, &text.kind, &text.dayOfWeek, &o.DayOfMonth,
		&o.MonthOfYear, &text.timeOfDay, &o.Description, &o.Timezone, &o.IsActive, &nextMilli, &lastMilli,
		&o.Version, &createdMilli, &updatedMilli,
	)
	if err != nil {
		return o, err
	}
	if o.ID, err = uuid.Parse(rawID); err != nil {
		return o, err
	}
	if o.AccountID, err = uuid.Parse(rawAccount); err != nil {
		return o, err
	}
	text.apply(&o)
	o.NextRunAt = fromMillis(nextMilli)
	if lastMilli.Valid {
		last := fromMillis(lastMilli.Int64)
		o.LastRunAt = &last
	}
	o.CreatedAt = fromMillis(createdMilli)
	o.UpdatedAt = fromMillis(updatedMilli)
	return o, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
