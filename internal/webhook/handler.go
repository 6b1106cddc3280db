package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Handler is the HTTP ingress for provider webhook deliveries.
type Handler struct {
	guard     *Guard
	processor *Processor
	log       *slog.Logger
}

func NewHandler(guard *Guard, processor *Processor, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{guard: guard, processor: processor, log: log}
}

type receiveResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// Receive handles POST /webhooks/billing. Duplicate and in-flight
// deliveries are acked with 200 so the provider stops retrying; a
// processing failure answers 500 so the provider redelivers and the guard
// re-admits the failed record.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	ev, err := Normalize(body)
	if err != nil {
		if errors.Is(err, ErrMissingEventID) {
			http.Error(w, `{"error":"event id is required"}`, http.StatusBadRequest)
			return
		}
		http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
		return
	}

	shouldProcess, reason, err := h.guard.Begin(r.Context(), ev.ID, ev.Type, ev.Data)
	if err != nil {
		h.log.Error("webhook guard begin failed", "event_id", ev.ID, "error", err)
		http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if !shouldProcess {
		// Someone else has it or had it; nothing left to do here.
		writeJSON(w, http.StatusOK, receiveResponse{Received: true, Status: "skipped", Reason: string(reason)})
		return
	}

	if err := h.processor.Process(r.Context(), ev); err != nil {
		h.log.Error("webhook processing failed", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		if failErr := h.guard.Fail(r.Context(), ev.ID, err.Error()); failErr != nil {
			h.log.Error("webhook guard fail-mark failed", "event_id", ev.ID, "error", failErr)
		}
		http.Error(w, `{"error":"event processing failed"}`, http.StatusInternalServerError)
		return
	}

	if err := h.guard.Complete(r.Context(), ev.ID); err != nil {
		// The side effects are committed and idempotent; the event will be
		// skipped as a duplicate grant on redelivery.
		h.log.Error("webhook guard complete-mark failed", "event_id", ev.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, receiveResponse{Received: true, Status: "processed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
