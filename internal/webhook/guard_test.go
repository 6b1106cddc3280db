package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// memGuardStore mirrors the webhook_events table: unique event_id, status
// transitions, retry_count. The mutex makes Insert the atomic race-breaker,
// same as the primary key in Postgres.
// ---------------------------------------------------------------------------

type eventRecord struct {
	status     string
	retryCount int
	lastError  string
}

type memGuardStore struct {
	mu     sync.Mutex
	events map[string]*eventRecord

	flaky int // number of times GetStatus fails before succeeding
}

func newMemGuardStore() *memGuardStore {
	return &memGuardStore{events: make(map[string]*eventRecord)}
}

func (s *memGuardStore) Insert(_ context.Context, eventID, _ string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; ok {
		return ErrDuplicateEvent
	}
	s.events[eventID] = &eventRecord{status: "processing"}
	return nil
}

func (s *memGuardStore) GetStatus(_ context.Context, eventID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flaky > 0 {
		s.flaky--
		return "", errors.New("connection reset")
	}
	rec, ok := s.events[eventID]
	if !ok {
		return "", ErrEventNotFound
	}
	return rec.status, nil
}

func (s *memGuardStore) Reclaim(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	if !ok || rec.status != "failed" {
		return false, nil
	}
	rec.status = "processing"
	rec.retryCount++
	return true, nil
}

func (s *memGuardStore) MarkCompleted(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	rec.status = "completed"
	return nil
}

func (s *memGuardStore) MarkFailed(_ context.Context, eventID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	rec.status = "failed"
	rec.lastError = errorMessage
	return nil
}

func (s *memGuardStore) record(eventID string) eventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.events[eventID]; ok {
		return *rec
	}
	return eventRecord{}
}

// ---------------------------------------------------------------------------

func TestBeginAdmitsNewEvent(t *testing.T) {
	store := newMemGuardStore()
	guard := NewGuard(store, nil)
	ctx := context.Background()

	ok, reason, err := guard.Begin(ctx, "evt_1", "invoice.paid", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !ok || reason != "" {
		t.Fatalf("new event should be admitted, got ok=%v reason=%q", ok, reason)
	}
	if got := store.record("evt_1").status; got != "processing" {
		t.Errorf("status: got %q, want processing", got)
	}
}

func TestBeginRejectsCompletedAndInProgress(t *testing.T) {
	store := newMemGuardStore()
	guard := NewGuard(store, nil)
	ctx := context.Background()

	if _, _, err := guard.Begin(ctx, "evt_1", "invoice.paid", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// While processing, a redelivery is declined as in_progress.
	ok, reason, err := guard.Begin(ctx, "evt_1", "invoice.paid", nil)
	if err != nil {
		t.Fatalf("Begin redelivery: %v", err)
	}
	if ok || reason != ReasonInProgress {
		t.Errorf("redelivery during processing: got ok=%v reason=%q, want in_progress", ok, reason)
	}

	if err := guard.Complete(ctx, "evt_1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// After completion it is declined forever.
	ok, reason, err = guard.Begin(ctx, "evt_1", "invoice.paid", nil)
	if err != nil {
		t.Fatalf("Begin after complete: %v", err)
	}
	if ok || reason != ReasonAlreadyCompleted {
		t.Errorf("redelivery after completion: got ok=%v reason=%q, want already_completed", ok, reason)
	}
}

func TestFailedEventIsRetriedOnce(t *testing.T) {
	store := newMemGuardStore()
	guard := NewGuard(store, nil)
	ctx := context.Background()

	if _, _, err := guard.Begin(ctx, "evt_1", "invoice.paid", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := guard.Fail(ctx, "evt_1", "provider timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if rec := store.record("evt_1"); rec.status != "failed" || rec.lastError != "provider timeout" {
		t.Fatalf("after Fail: %+v", rec)
	}

	// Redelivery reclaims the failed record and bumps retry_count.
	ok, _, err := guard.Begin(ctx, "evt_1", "invoice.paid", nil)
	if err != nil {
		t.Fatalf("Begin retry: %v", err)
	}
	if !ok {
		t.Fatal("failed event should be re-admitted")
	}
	rec := store.record("evt_1")
	if rec.status != "processing" || rec.retryCount != 1 {
		t.Errorf("after reclaim: status=%q retry_count=%d, want processing/1", rec.status, rec.retryCount)
	}
}

func TestConcurrentBegin_ExactlyOneWins(t *testing.T) {
	store := newMemGuardStore()
	guard := NewGuard(store, nil)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok, _, err := guard.Begin(context.Background(), "evt_race", "invoice.paid", nil)
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("exactly one worker must win the event, got %d", winners)
	}
}

func TestBeginRetriesTransientStoreErrors(t *testing.T) {
	store := newMemGuardStore()
	store.flaky = 2
	guard := NewGuard(store, nil)
	guard.retryBackoff = 0

	ok, _, err := guard.Begin(context.Background(), "evt_1", "invoice.paid", nil)
	if err != nil {
		t.Fatalf("Begin should survive transient errors: %v", err)
	}
	if !ok {
		t.Fatal("event should be admitted after retries")
	}
}

func TestBeginGivesUpAfterRetryBudget(t *testing.T) {
	store := newMemGuardStore()
	store.flaky = 100
	guard := NewGuard(store, nil)
	guard.retryBackoff = 0

	_, _, err := guard.Begin(context.Background(), "evt_1", "invoice.paid", nil)
	if err == nil {
		t.Fatal("expected error once the retry budget is exhausted")
	}
}
