package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meterline/backend/internal/models"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

// APIKeyWithAccount is returned by FindByKeyHash (api_key joined with its
// credit account).
type APIKeyWithAccount struct {
	APIKey  models.APIKey
	Account models.CreditAccount
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, account_id, key_hash, key_prefix, is_active)
		VALUES ($1, $2, $3, $4, $5)
	`, k.ID, k.AccountID, k.KeyHash, k.KeyPrefix, k.IsActive)
	return err
}

func (r *APIKeyRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	return err
}

// FindByKeyHash returns the api_key and joined account for the given key
// hash, or an error if not found or inactive.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*APIKeyWithAccount, error) {
	var out APIKeyWithAccount
	err := r.pool.QueryRow(ctx, `
		SELECT k.id, k.account_id, k.key_hash, k.key_prefix, k.is_active,
		       a.account_id, a.balance, a.expiring_credits, a.non_expiring_credits, a.tier,
		       a.external_customer_id, a.subscription_id, a.last_grant_date, a.next_credit_grant,
		       a.commitment_start, a.commitment_end, a.max_cost_per_request, a.max_cost_per_day,
		       a.created_at, a.updated_at
		FROM api_keys k
		INNER JOIN credit_accounts a ON a.account_id = k.account_id
		WHERE k.key_hash = $1 AND k.is_active = TRUE
	`, keyHash).Scan(
		&out.APIKey.ID, &out.APIKey.AccountID, &out.APIKey.KeyHash, &out.APIKey.KeyPrefix, &out.APIKey.IsActive,
		&out.Account.AccountID, &out.Account.Balance, &out.Account.ExpiringCredits, &out.Account.NonExpiringCredits, &out.Account.Tier,
		&out.Account.ExternalCustomerID, &out.Account.SubscriptionID, &out.Account.LastGrantDate, &out.Account.NextCreditGrant,
		&out.Account.CommitmentStart, &out.Account.CommitmentEnd, &out.Account.MaxCostPerRequest, &out.Account.MaxCostPerDay,
		&out.Account.CreatedAt, &out.Account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
