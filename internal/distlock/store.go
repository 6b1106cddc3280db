package distlock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore keeps lock rows in the credit_locks table.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

// TryAcquire is a single conditional upsert: insert a fresh row, or take
// over an expired one. The WHERE clause on the conflict update makes a held,
// unexpired lock return zero rows, which scans as ErrNoRows.
func (s *PgStore) TryAcquire(ctx context.Context, key, holderID string, leaseFor time.Duration) (int64, time.Time, bool, error) {
	var token int64
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO credit_locks (lock_key, holder_id, expires_at, fencing_token)
		VALUES ($1, $2, now() + $3, 1)
		ON CONFLICT (lock_key) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
		    expires_at = EXCLUDED.expires_at,
		    fencing_token = credit_locks.fencing_token + 1
		WHERE credit_locks.expires_at <= now()
		RETURNING fencing_token, expires_at
	`, key, holderID, leaseFor).Scan(&token, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return token, expiresAt, true, nil
}

// Release deletes the row only when holderID still owns it, so a stale
// release never clobbers a re-acquired lock.
func (s *PgStore) Release(ctx context.Context, key, holderID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM credit_locks WHERE lock_key = $1 AND holder_id = $2
	`, key, holderID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// VerifyTx checks current ownership inside the caller's transaction.
func (s *PgStore) VerifyTx(ctx context.Context, tx pgx.Tx, key, holderID string, token int64) (bool, error) {
	var held bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_locks
			WHERE lock_key = $1 AND holder_id = $2 AND fencing_token = $3 AND expires_at > now()
		)
	`, key, holderID, token).Scan(&held)
	return held, err
}
