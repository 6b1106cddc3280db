package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/models"
)

type EntryRepo struct {
	pool *pgxpool.Pool
}

func NewEntryRepo(pool *pgxpool.Pool) *EntryRepo {
	return &EntryRepo{pool: pool}
}

// CreateTx appends a ledger entry inside the given transaction. Entries are
// immutable once written; there is no update or delete path.
func (r *EntryRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, amount, balance_after, entry_type, description, reference_id, reference_type, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, e.ID, e.AccountID, e.Amount, e.BalanceAfter, e.EntryType, e.Description, e.ReferenceID, e.ReferenceType, e.CorrelationID).Scan(&e.CreatedAt)
}

// FindByCorrelationTx returns the entry previously written for the given
// external event id, or nil if none exists.
func (r *EntryRepo) FindByCorrelationTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, correlationID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, amount, balance_after, entry_type, description, reference_id, reference_type, correlation_id, created_at
		FROM ledger_entries WHERE account_id = $1 AND correlation_id = $2
	`, accountID, correlationID).Scan(
		&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.EntryType, &e.Description,
		&e.ReferenceID, &e.ReferenceType, &e.CorrelationID, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SumAmounts totals every entry for the account. The result must equal the
// account's current balance; the reconciliation sweep checks this.
func (r *EntryRepo) SumAmounts(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1
	`, accountID).Scan(&sum)
	return sum, err
}

// SumUsageSince totals usage deductions (as a positive number) committed at
// or after the cutoff. Used for daily spend caps.
func (r *EntryRepo) SumUsageSince(ctx context.Context, accountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0) FROM ledger_entries
		WHERE account_id = $1 AND entry_type = 'usage' AND created_at >= $2
	`, accountID, since).Scan(&sum)
	return sum, err
}

// ListByAccountID returns the newest entries first.
func (r *EntryRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, amount, balance_after, entry_type, description, reference_id, reference_type, correlation_id, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.EntryType, &e.Description, &e.ReferenceID, &e.ReferenceType, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
