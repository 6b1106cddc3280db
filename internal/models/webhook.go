package models

import (
	"encoding/json"
	"time"
)

// Webhook event processing states.
const (
	WebhookProcessing = "processing"
	WebhookCompleted  = "completed"
	WebhookFailed     = "failed"
)

// Billing event types consumed from the payment provider.
const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventTrialWillEnd         = "customer.subscription.trial_will_end"
)

// WebhookEvent tracks one externally delivered billing event. The row's
// existence is the dedup signal: the insert is the race-breaker when two
// workers see the same event id at once.
type WebhookEvent struct {
	EventID             string          `json:"event_id"`
	EventType           string          `json:"event_type"`
	Status              string          `json:"status"`
	ProcessingStartedAt time.Time       `json:"processing_started_at"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	RetryCount          int             `json:"retry_count"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	Payload             json.RawMessage `json:"payload"`
}
