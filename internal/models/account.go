package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Subscription tiers. Accounts are never hard-deleted; a cancelled
// subscription moves the account to TierNone with a zero expiring bucket.
const (
	TierNone    = "none"
	TierStarter = "starter"
	TierPro     = "pro"
	TierScale   = "scale"
)

// CreditAccount is the authoritative balance record for one billable entity.
// Invariant: Balance == ExpiringCredits + NonExpiringCredits after every
// committed mutation, and Balance never goes negative. Every mutation goes
// through the ledger service under the account's lock.
type CreditAccount struct {
	AccountID          uuid.UUID        `json:"account_id"`
	Balance            decimal.Decimal  `json:"balance"`
	ExpiringCredits    decimal.Decimal  `json:"expiring_credits"`
	NonExpiringCredits decimal.Decimal  `json:"non_expiring_credits"`
	Tier               string           `json:"tier"`
	ExternalCustomerID *string          `json:"external_customer_id,omitempty"`
	SubscriptionID     *string          `json:"subscription_id,omitempty"`
	LastGrantDate      *time.Time       `json:"last_grant_date,omitempty"`
	NextCreditGrant    *time.Time       `json:"next_credit_grant,omitempty"`
	CommitmentStart    *time.Time       `json:"commitment_start,omitempty"`
	CommitmentEnd      *time.Time       `json:"commitment_end,omitempty"`
	MaxCostPerRequest  *decimal.Decimal `json:"max_cost_per_request,omitempty"`
	MaxCostPerDay      *decimal.Decimal `json:"max_cost_per_day,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}
