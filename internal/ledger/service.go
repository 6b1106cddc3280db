// Package ledger is the single authority for reading and mutating credit
// account balances. Every mutation is lock-then-read-then-write: it runs
// under the account's distributed lock, re-reads the row inside the lock,
// and commits the account update and the ledger entry as one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/distlock"
	"github.com/meterline/backend/internal/models"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrLeaseLost is returned when the account lock's lease expired and was
	// taken over before the write could commit. The transaction is rolled
	// back; nothing was applied.
	ErrLeaseLost = errors.New("lock lease lost before commit")
	// ErrLockContended is returned when the account lock could not be
	// acquired within the wait budget. Recoverable; the caller retries.
	ErrLockContended = distlock.ErrNotAcquired
)

// DB begins transactions. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the minimal account repository interface for the ledger.
type AccountStore interface {
	Get(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error)
	EnsureForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.CreditAccount, error)
	UpdateBalancesTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, balance, expiring, nonExpiring decimal.Decimal) error
}

// EntryStore is the minimal ledger-entry repository interface.
type EntryStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	FindByCorrelationTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, correlationID string) (*models.LedgerEntry, error)
	SumAmounts(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
}

// Locker provides the per-account mutual exclusion.
type Locker interface {
	WithLock(ctx context.Context, key string, opts distlock.Options, fn func(lease *distlock.Lease) error) error
	VerifyTx(ctx context.Context, tx pgx.Tx, lease *distlock.Lease) (bool, error)
}

// Balances is the post-mutation snapshot returned to callers.
type Balances struct {
	Total       decimal.Decimal `json:"total"`
	Expiring    decimal.Decimal `json:"expiring"`
	NonExpiring decimal.Decimal `json:"non_expiring"`
}

// AddCreditsParams describes one grant.
type AddCreditsParams struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	IsExpiring  bool
	EntryType   string // admin_grant, tier_grant, refund; defaults to admin_grant
	Description string
	// CorrelationID is the external event id. When set and an entry with it
	// already exists for the account, the call is a no-op returning the
	// current balances.
	CorrelationID string
}

// UseCreditsParams describes one deduction.
type UseCreditsParams struct {
	AccountID     uuid.UUID
	Amount        decimal.Decimal
	Description   string
	ReferenceID   string
	ReferenceType string
}

// UseResult reports a deduction outcome. Insufficient balance is a normal
// business rejection, not an error: Success is false and Shortfall says how
// much was missing. Shortfall is nil on success so it never serializes on
// the happy path.
type UseResult struct {
	Success    bool             `json:"success"`
	NewBalance decimal.Decimal  `json:"new_balance"`
	Shortfall  *decimal.Decimal `json:"shortfall,omitempty"`
}

// Service owns all balance mutations.
type Service struct {
	db       DB
	accounts AccountStore
	entries  EntryStore
	locks    Locker
	lockOpts distlock.Options
	log      *slog.Logger
}

func NewService(db DB, accounts AccountStore, entries EntryStore, locks Locker, lockOpts distlock.Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	lockOpts.Wait = true
	return &Service{db: db, accounts: accounts, entries: entries, locks: locks, lockOpts: lockOpts, log: log}
}

// LockKey returns the per-account lock key. The key is per-account, never
// global: mutations for different accounts run fully concurrently.
func LockKey(accountID uuid.UUID) string {
	return "credits:" + accountID.String()
}

// GetBalance reads the current balances without taking the lock.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (Balances, error) {
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return Balances{}, err
	}
	return Balances{Total: acc.Balance, Expiring: acc.ExpiringCredits, NonExpiring: acc.NonExpiringCredits}, nil
}

// AddCredits grants credits to the account. Idempotent per CorrelationID at
// the ledger layer, independent of the webhook guard upstream.
func (s *Service) AddCredits(ctx context.Context, p AddCreditsParams) (Balances, error) {
	if !p.Amount.IsPositive() {
		return Balances{}, ErrInvalidAmount
	}
	if p.EntryType == "" {
		p.EntryType = models.EntryAdminGrant
	}

	var out Balances
	err := s.mutate(ctx, p.AccountID, func(tx pgx.Tx, acc *models.CreditAccount) (*models.LedgerEntry, error) {
		if p.CorrelationID != "" {
			existing, err := s.entries.FindByCorrelationTx(ctx, tx, p.AccountID, p.CorrelationID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				s.log.Info("grant already applied, skipping",
					"account_id", p.AccountID, "correlation_id", p.CorrelationID)
				out = Balances{Total: acc.Balance, Expiring: acc.ExpiringCredits, NonExpiring: acc.NonExpiringCredits}
				return nil, nil
			}
		}

		expiring, nonExpiring := acc.ExpiringCredits, acc.NonExpiringCredits
		if p.IsExpiring {
			expiring = expiring.Add(p.Amount)
		} else {
			nonExpiring = nonExpiring.Add(p.Amount)
		}
		balance := expiring.Add(nonExpiring)
		if err := s.accounts.UpdateBalancesTx(ctx, tx, p.AccountID, balance, expiring, nonExpiring); err != nil {
			return nil, err
		}
		out = Balances{Total: balance, Expiring: expiring, NonExpiring: nonExpiring}
		return &models.LedgerEntry{
			ID:            uuid.New(),
			AccountID:     p.AccountID,
			Amount:        p.Amount,
			BalanceAfter:  balance,
			EntryType:     p.EntryType,
			Description:   p.Description,
			CorrelationID: optional(p.CorrelationID),
		}, nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the correlation race to a concurrent granter; theirs won.
			return s.GetBalance(ctx, p.AccountID)
		}
		return Balances{}, err
	}
	return out, nil
}

// UseCredits deducts from the account, spending expiring credits before
// non-expiring ones so allotments are not wasted at period end. A balance
// below the requested amount rejects the whole deduction.
func (s *Service) UseCredits(ctx context.Context, p UseCreditsParams) (UseResult, error) {
	if !p.Amount.IsPositive() {
		return UseResult{}, ErrInvalidAmount
	}

	var out UseResult
	err := s.mutate(ctx, p.AccountID, func(tx pgx.Tx, acc *models.CreditAccount) (*models.LedgerEntry, error) {
		if acc.Balance.LessThan(p.Amount) {
			short := p.Amount.Sub(acc.Balance)
			out = UseResult{Success: false, NewBalance: acc.Balance, Shortfall: &short}
			return nil, nil
		}

		// Expiring-first consumption is a fixed tie-break.
		fromExpiring := decimal.Min(acc.ExpiringCredits, p.Amount)
		fromNonExpiring := p.Amount.Sub(fromExpiring)
		expiring := acc.ExpiringCredits.Sub(fromExpiring)
		nonExpiring := acc.NonExpiringCredits.Sub(fromNonExpiring)
		balance := expiring.Add(nonExpiring)

		if err := s.accounts.UpdateBalancesTx(ctx, tx, p.AccountID, balance, expiring, nonExpiring); err != nil {
			return nil, err
		}
		out = UseResult{Success: true, NewBalance: balance}
		return &models.LedgerEntry{
			ID:            uuid.New(),
			AccountID:     p.AccountID,
			Amount:        p.Amount.Neg(),
			BalanceAfter:  balance,
			EntryType:     models.EntryUsage,
			Description:   p.Description,
			ReferenceID:   optional(p.ReferenceID),
			ReferenceType: optional(p.ReferenceType),
		}, nil
	})
	if err != nil {
		return UseResult{}, err
	}
	return out, nil
}

// ResetExpiringCredits replaces the expiring bucket at period rollover:
// unused expiring credits are forfeited, non-expiring credits are untouched.
// The entry records the delta so the sum-of-entries invariant holds.
func (s *Service) ResetExpiringCredits(ctx context.Context, accountID uuid.UUID, newCredits decimal.Decimal, description, correlationID string) (Balances, error) {
	if newCredits.IsNegative() {
		return Balances{}, ErrInvalidAmount
	}

	var out Balances
	err := s.mutate(ctx, accountID, func(tx pgx.Tx, acc *models.CreditAccount) (*models.LedgerEntry, error) {
		if correlationID != "" {
			existing, err := s.entries.FindByCorrelationTx(ctx, tx, accountID, correlationID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				out = Balances{Total: acc.Balance, Expiring: acc.ExpiringCredits, NonExpiring: acc.NonExpiringCredits}
				return nil, nil
			}
		}

		delta := newCredits.Sub(acc.ExpiringCredits)
		balance := newCredits.Add(acc.NonExpiringCredits)
		if err := s.accounts.UpdateBalancesTx(ctx, tx, accountID, balance, newCredits, acc.NonExpiringCredits); err != nil {
			return nil, err
		}
		out = Balances{Total: balance, Expiring: newCredits, NonExpiring: acc.NonExpiringCredits}
		if delta.IsZero() {
			return nil, nil
		}
		return &models.LedgerEntry{
			ID:            uuid.New(),
			AccountID:     accountID,
			Amount:        delta,
			BalanceAfter:  balance,
			EntryType:     models.EntryTierGrant,
			Description:   description,
			CorrelationID: optional(correlationID),
		}, nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return s.GetBalance(ctx, accountID)
		}
		return Balances{}, err
	}
	return out, nil
}

// Adjust writes a signed administrative adjustment. Negative adjustments may
// not drive the balance below zero.
func (s *Service) Adjust(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string) (Balances, error) {
	if amount.IsZero() {
		return Balances{}, ErrInvalidAmount
	}

	var out Balances
	err := s.mutate(ctx, accountID, func(tx pgx.Tx, acc *models.CreditAccount) (*models.LedgerEntry, error) {
		balance := acc.Balance.Add(amount)
		if balance.IsNegative() {
			return nil, fmt.Errorf("adjustment of %s would drive balance below zero (current %s)", amount, acc.Balance)
		}
		// Adjustments land in the non-expiring bucket; negative ones drain
		// expiring first, same order as usage.
		expiring, nonExpiring := acc.ExpiringCredits, acc.NonExpiringCredits
		if amount.IsPositive() {
			nonExpiring = nonExpiring.Add(amount)
		} else {
			take := amount.Neg()
			fromExpiring := decimal.Min(expiring, take)
			expiring = expiring.Sub(fromExpiring)
			nonExpiring = nonExpiring.Sub(take.Sub(fromExpiring))
		}
		if err := s.accounts.UpdateBalancesTx(ctx, tx, accountID, balance, expiring, nonExpiring); err != nil {
			return nil, err
		}
		out = Balances{Total: balance, Expiring: expiring, NonExpiring: nonExpiring}
		return &models.LedgerEntry{
			ID:           uuid.New(),
			AccountID:    accountID,
			Amount:       amount,
			BalanceAfter: balance,
			EntryType:    models.EntryAdjustment,
			Description:  description,
		}, nil
	})
	if err != nil {
		return Balances{}, err
	}
	return out, nil
}

// mutate runs fn under the account lock inside a transaction, appends the
// returned entry (nil means no-op), verifies the lease is still held, and
// commits. The lease check and the balance write commit atomically, so a
// holder that lost its lease rolls back instead of corrupting the balance.
func (s *Service) mutate(ctx context.Context, accountID uuid.UUID, fn func(tx pgx.Tx, acc *models.CreditAccount) (*models.LedgerEntry, error)) error {
	return s.locks.WithLock(ctx, LockKey(accountID), s.lockOpts, func(lease *distlock.Lease) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		acc, err := s.accounts.EnsureForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}

		entry, err := fn(tx, acc)
		if err != nil {
			return err
		}
		if entry != nil {
			if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
				return err
			}
		}

		held, err := s.locks.VerifyTx(ctx, tx, lease)
		if err != nil {
			return err
		}
		if !held {
			s.log.Warn("lease lost before commit, rolling back",
				"account_id", accountID, "holder_id", lease.HolderID, "token", lease.Token)
			return ErrLeaseLost
		}
		return tx.Commit(ctx)
	})
}

// ReconcileReport is the outcome of one account reconciliation pass.
type ReconcileReport struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	Expiring    decimal.Decimal `json:"expiring"`
	NonExpiring decimal.Decimal `json:"non_expiring"`
	EntrySum    decimal.Decimal `json:"entry_sum"`
	BucketsOK   bool            `json:"buckets_ok"`
	EntriesOK   bool            `json:"entries_ok"`
	CheckedAt   time.Time       `json:"checked_at"`
}

// OK reports whether both invariants hold.
func (r ReconcileReport) OK() bool { return r.BucketsOK && r.EntriesOK }

// Reconcile verifies balance == expiring + non_expiring == sum(entries).
// A mismatch is logged at high severity and never auto-corrected; fixing it
// requires an explicit administrative adjustment entry.
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID) (ReconcileReport, error) {
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return ReconcileReport{}, err
	}
	sum, err := s.entries.SumAmounts(ctx, accountID)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{
		AccountID:   accountID,
		Balance:     acc.Balance,
		Expiring:    acc.ExpiringCredits,
		NonExpiring: acc.NonExpiringCredits,
		EntrySum:    sum,
		BucketsOK:   acc.Balance.Equal(acc.ExpiringCredits.Add(acc.NonExpiringCredits)),
		EntriesOK:   acc.Balance.Equal(sum),
		CheckedAt:   time.Now().UTC(),
	}
	if !report.OK() {
		s.log.Error("balance invariant violation",
			"account_id", accountID,
			"balance", acc.Balance, "expiring", acc.ExpiringCredits,
			"non_expiring", acc.NonExpiringCredits, "entry_sum", sum)
	}
	return report, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
