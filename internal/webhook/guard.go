// Package webhook turns at-least-once delivery of external billing events
// into effectively-once processing.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Begin outcomes when processing is declined.
type Reason string

const (
	ReasonAlreadyCompleted Reason = "already_completed"
	ReasonInProgress       Reason = "in_progress"
	// ReasonRaceCondition means two workers observed the event as absent at
	// the same time and this one lost the insert.
	ReasonRaceCondition Reason = "race_condition"
)

var (
	// ErrEventNotFound is returned by GuardStore lookups for unseen ids.
	ErrEventNotFound = errors.New("webhook event not found")
	// ErrDuplicateEvent is returned by GuardStore.Insert when the row
	// already exists; it is the decisive race-breaker.
	ErrDuplicateEvent = errors.New("webhook event already recorded")
)

// GuardStore is the persistence boundary for webhook event records.
type GuardStore interface {
	Insert(ctx context.Context, eventID, eventType string, payload json.RawMessage) error
	GetStatus(ctx context.Context, eventID string) (string, error)
	// Reclaim moves a failed record back to processing and bumps
	// retry_count. Returns false if the record was not in failed state
	// (another worker got there first).
	Reclaim(ctx context.Context, eventID string) (bool, error)
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, errorMessage string) error
}

// Guard admits each event id for processing at most once at a time.
type Guard struct {
	store GuardStore
	log   *slog.Logger

	// retry budget for transient store errors during Begin
	retries      int
	retryBackoff time.Duration
}

func NewGuard(store GuardStore, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: store, log: log, retries: 3, retryBackoff: 100 * time.Millisecond}
}

// Begin admits the event for processing. Exactly one caller per event id is
// ever told (true, "") at a time; that caller must finish with Complete or
// Fail. A completed event is never re-admitted; a failed one is re-admitted
// with retry_count bumped.
func (g *Guard) Begin(ctx context.Context, eventID, eventType string, payload json.RawMessage) (bool, Reason, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, "", ctx.Err()
			case <-time.After(g.retryBackoff * time.Duration(attempt)):
			}
		}

		shouldProcess, reason, err := g.beginOnce(ctx, eventID, eventType, payload)
		if err == nil {
			return shouldProcess, reason, nil
		}
		lastErr = err
		g.log.Warn("webhook guard store error, retrying", "event_id", eventID, "attempt", attempt, "error", err)
	}
	return false, "", lastErr
}

func (g *Guard) beginOnce(ctx context.Context, eventID, eventType string, payload json.RawMessage) (bool, Reason, error) {
	status, err := g.store.GetStatus(ctx, eventID)
	switch {
	case errors.Is(err, ErrEventNotFound):
		insertErr := g.store.Insert(ctx, eventID, eventType, payload)
		if insertErr == nil {
			return true, "", nil
		}
		if errors.Is(insertErr, ErrDuplicateEvent) {
			// Two workers saw "absent" simultaneously; the other one won.
			return false, ReasonRaceCondition, nil
		}
		return false, "", insertErr
	case err != nil:
		return false, "", err
	}

	switch status {
	case "completed":
		return false, ReasonAlreadyCompleted, nil
	case "failed":
		reclaimed, err := g.store.Reclaim(ctx, eventID)
		if err != nil {
			return false, "", err
		}
		if !reclaimed {
			return false, ReasonInProgress, nil
		}
		return true, "", nil
	default:
		return false, ReasonInProgress, nil
	}
}

// Complete marks the event processed. Only the worker that received
// should_process=true may call it.
func (g *Guard) Complete(ctx context.Context, eventID string) error {
	return g.store.MarkCompleted(ctx, eventID)
}

// Fail records the error and leaves the event eligible for a later retry.
func (g *Guard) Fail(ctx context.Context, eventID, errorMessage string) error {
	return g.store.MarkFailed(ctx, eventID, errorMessage)
}
