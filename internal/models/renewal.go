package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RenewalProcessing is a write-once record keyed by (account_id,
// period_start). Its existence means the billing period has already been
// credited; there is no update path, only insert-or-detect-conflict.
type RenewalProcessing struct {
	AccountID       uuid.UUID       `json:"account_id"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
	SubscriptionID  string          `json:"subscription_id"`
	CreditsGranted  decimal.Decimal `json:"credits_granted"`
	ProcessedBy     string          `json:"processed_by"`
	ExternalEventID *string         `json:"external_event_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
