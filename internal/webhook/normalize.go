package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is the fixed internal shape every billing event is normalized into
// at the boundary. The guard and processor never branch on raw provider
// payload shapes.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrMissingEventID rejects events without the globally unique id the
// idempotency contract depends on.
var ErrMissingEventID = errors.New("event is missing an id")

// Normalize parses a raw provider delivery into an Event.
func Normalize(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("malformed event body: %w", err)
	}
	if ev.ID == "" {
		return Event{}, ErrMissingEventID
	}
	if ev.Type == "" {
		return Event{}, errors.New("event is missing a type")
	}
	return ev, nil
}

// subscriptionData is the slice of provider subscription objects the core
// consumes. account_id is our platform id, carried in provider metadata.
type subscriptionData struct {
	AccountID          string `json:"account_id"`
	CustomerID         string `json:"customer_id"`
	SubscriptionID     string `json:"subscription_id"`
	PlanID             string `json:"plan_id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

// invoiceData is the slice of provider invoice objects the core consumes.
type invoiceData struct {
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	PlanID         string `json:"plan_id"`
	PeriodStart    int64  `json:"period_start"`
	PeriodEnd      int64  `json:"period_end"`
}

func (d invoiceData) periodStart() time.Time { return time.Unix(d.PeriodStart, 0).UTC() }
func (d invoiceData) periodEnd() time.Time   { return time.Unix(d.PeriodEnd, 0).UTC() }
