package renewal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meterline/backend/internal/models"
)

// PgStore keeps renewal records in the renewal_processing table.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

func (s *PgStore) Find(ctx context.Context, accountID uuid.UUID, periodStart time.Time) (*models.RenewalProcessing, error) {
	var rec models.RenewalProcessing
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, period_start, period_end, subscription_id, credits_granted, processed_by, external_event_id, created_at
		FROM renewal_processing WHERE account_id = $1 AND period_start = $2
	`, accountID, periodStart).Scan(
		&rec.AccountID, &rec.PeriodStart, &rec.PeriodEnd, &rec.SubscriptionID,
		&rec.CreditsGranted, &rec.ProcessedBy, &rec.ExternalEventID, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PgStore) Insert(ctx context.Context, rec *models.RenewalProcessing) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO renewal_processing (account_id, period_start, period_end, subscription_id, credits_granted, processed_by, external_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, rec.AccountID, rec.PeriodStart, rec.PeriodEnd, rec.SubscriptionID, rec.CreditsGranted, rec.ProcessedBy, rec.ExternalEventID).Scan(&rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicatePeriod
	}
	return err
}
