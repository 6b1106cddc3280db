// Package renewal prevents a billing period from being credited twice.
// It is a second idempotency layer, independent of the webhook guard:
// renewal grants are triggered both by webhook deliveries and by the sweep,
// which do not share an event id.
package renewal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meterline/backend/internal/models"
)

var (
	// ErrRecordNotFound is returned by Store.Find for an unclaimed period.
	ErrRecordNotFound = errors.New("renewal record not found")
	// ErrDuplicatePeriod is returned by Store.Insert when the period row
	// already exists.
	ErrDuplicatePeriod = errors.New("renewal period already recorded")
)

// Store is the persistence boundary for renewal processing records. Rows are
// write-once: there is no update path, only insert-or-detect-conflict.
type Store interface {
	Find(ctx context.Context, accountID uuid.UUID, periodStart time.Time) (*models.RenewalProcessing, error)
	Insert(ctx context.Context, rec *models.RenewalProcessing) error
}

// Guard claims billing periods.
type Guard struct {
	store Store
	log   *slog.Logger
}

func NewGuard(store Store, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: store, log: log}
}

// CheckAndMark claims (account, period_start) for the caller. Returns false
// plus the winning record when the period was already claimed, so the caller
// can verify the claim's grant actually landed. Two callers can race between
// the lookup and the insert, so the insert is the true guard: a duplicate-key
// conflict is converted to false, never propagated.
func (g *Guard) CheckAndMark(ctx context.Context, rec *models.RenewalProcessing) (bool, *models.RenewalProcessing, error) {
	existing, err := g.store.Find(ctx, rec.AccountID, rec.PeriodStart)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return false, nil, err
	}
	if existing != nil {
		g.log.Info("billing period already claimed",
			"account_id", rec.AccountID,
			"period_start", rec.PeriodStart,
			"claimed_by", existing.ProcessedBy,
			"caller", rec.ProcessedBy)
		return false, existing, nil
	}

	if err := g.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicatePeriod) {
			g.log.Info("lost renewal claim race",
				"account_id", rec.AccountID, "period_start", rec.PeriodStart, "caller", rec.ProcessedBy)
			winner, findErr := g.store.Find(ctx, rec.AccountID, rec.PeriodStart)
			if findErr != nil {
				return false, nil, findErr
			}
			return false, winner, nil
		}
		return false, nil, err
	}
	return true, nil, nil
}
