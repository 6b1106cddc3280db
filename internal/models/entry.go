package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry types.
const (
	EntryUsage      = "usage"
	EntryAdminGrant = "admin_grant"
	EntryRefund     = "refund"
	EntryTierGrant  = "tier_grant"
	EntryAdjustment = "adjustment"
)

// LedgerEntry is one immutable balance mutation. Amount is signed: positive
// for grants, negative for usage and downward adjustments. BalanceAfter is
// the account balance at commit time; the sum of all entries for an account
// must equal its current balance.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	EntryType     string          `json:"entry_type"`
	Description   string          `json:"description"`
	ReferenceID   *string         `json:"reference_id,omitempty"`
	ReferenceType *string         `json:"reference_type,omitempty"`
	// CorrelationID carries the external event id for grants sourced from
	// billing events. Unique per account; a repeated correlation id makes
	// the grant a no-op.
	CorrelationID *string   `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
