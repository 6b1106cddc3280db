package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `account_id, balance, expiring_credits, non_expiring_credits, tier,
	external_customer_id, subscription_id, last_grant_date, next_credit_grant,
	commitment_start, commitment_end, max_cost_per_request, max_cost_per_day,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := row.Scan(
		&a.AccountID, &a.Balance, &a.ExpiringCredits, &a.NonExpiringCredits, &a.Tier,
		&a.ExternalCustomerID, &a.SubscriptionID, &a.LastGrantDate, &a.NextCreditGrant,
		&a.CommitmentStart, &a.CommitmentEnd, &a.MaxCostPerRequest, &a.MaxCostPerDay,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Get reads the account without locking. Reads tolerate a moment of
// staleness; mutations must use EnsureForUpdate inside a transaction.
func (r *AccountRepo) Get(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM credit_accounts WHERE account_id = $1
	`, accountID))
}

// GetByExternalCustomerID resolves the account mapped to a payment-provider
// customer id.
func (r *AccountRepo) GetByExternalCustomerID(ctx context.Context, customerID string) (*models.CreditAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM credit_accounts WHERE external_customer_id = $1
	`, customerID))
}

// EnsureForUpdate row-locks the account, creating it on first billing
// relationship. Call within a transaction.
func (r *AccountRepo) EnsureForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.CreditAccount, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	if err != nil {
		return nil, err
	}
	return scanAccount(tx.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM credit_accounts WHERE account_id = $1 FOR UPDATE
	`, accountID))
}

// UpdateBalancesTx writes the three balance columns. Call after
// EnsureForUpdate in the same transaction.
func (r *AccountRepo) UpdateBalancesTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, balance, expiring, nonExpiring decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET balance = $2, expiring_credits = $3, non_expiring_credits = $4, updated_at = now()
		WHERE account_id = $1
	`, accountID, balance, expiring, nonExpiring)
	return err
}

// UpdateGrantSchedule records a completed period grant on the account.
func (r *AccountRepo) UpdateGrantSchedule(ctx context.Context, accountID uuid.UUID, lastGrant, nextGrant time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE credit_accounts
		SET last_grant_date = $2, next_credit_grant = $3, updated_at = now()
		WHERE account_id = $1
	`, accountID, lastGrant, nextGrant)
	return err
}

// UpdateSubscription sets the tier and external billing identifiers.
func (r *AccountRepo) UpdateSubscription(ctx context.Context, accountID uuid.UUID, tier string, customerID, subscriptionID *string, nextGrant *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE credit_accounts
		SET tier = $2,
		    external_customer_id = COALESCE($3, external_customer_id),
		    subscription_id = COALESCE($4, subscription_id),
		    next_credit_grant = COALESCE($5, next_credit_grant),
		    updated_at = now()
		WHERE account_id = $1
	`, accountID, tier, customerID, subscriptionID, nextGrant)
	return err
}

// Ensure creates the account row outside any transaction if it does not
// exist yet (webhook subscription events may arrive before first usage).
func (r *AccountRepo) Ensure(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credit_accounts (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	return err
}

// ListDueForRenewal returns accounts whose next grant date has passed.
// Used by the renewal sweep; the renewal guard dedupes against the webhook path.
func (r *AccountRepo) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*models.CreditAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM credit_accounts
		WHERE tier <> 'none' AND next_credit_grant IS NOT NULL AND next_credit_grant <= $1
		ORDER BY next_credit_grant
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// ListIDs returns every account id. Used by the reconciliation sweep.
func (r *AccountRepo) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT account_id FROM credit_accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
