package webhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgGuardStore keeps webhook event records in the webhook_events table.
type PgGuardStore struct {
	pool *pgxpool.Pool
}

func NewPgGuardStore(pool *pgxpool.Pool) *PgGuardStore {
	return &PgGuardStore{pool: pool}
}

var _ GuardStore = (*PgGuardStore)(nil)

func (s *PgGuardStore) Insert(ctx context.Context, eventID, eventType string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, processing_started_at, payload)
		VALUES ($1, $2, 'processing', now(), $3)
	`, eventID, eventType, payload)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	return err
}

func (s *PgGuardStore) GetStatus(ctx context.Context, eventID string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM webhook_events WHERE event_id = $1
	`, eventID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrEventNotFound
	}
	return status, err
}

// Reclaim transitions failed -> processing. The status predicate makes the
// update itself the race-breaker between concurrent retriers.
func (s *PgGuardStore) Reclaim(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processing', retry_count = retry_count + 1, processing_started_at = now()
		WHERE event_id = $1 AND status = 'failed'
	`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgGuardStore) MarkCompleted(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET status = 'completed', processed_at = now(), error_message = NULL
		WHERE event_id = $1
	`, eventID)
	return err
}

func (s *PgGuardStore) MarkFailed(ctx context.Context, eventID, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET status = 'failed', error_message = $2
		WHERE event_id = $1
	`, eventID, errorMessage)
	return err
}
